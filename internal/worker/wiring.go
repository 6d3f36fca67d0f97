package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"messaging/internal/config"
	"messaging/internal/contact"
	"messaging/internal/content"
	"messaging/internal/db"
	"messaging/internal/recipients"
	"messaging/internal/scheduler"
	"messaging/internal/types"
)

// Services is the fully wired scheduler stack for one process.
type Services struct {
	Pool      *pgxpool.Pool
	Schedules *db.ScheduleRepository
	Processor *scheduler.Processor
	Driver    *scheduler.Driver
	History   *db.JobHistoryRepository
}

// Handler returns a task multiplexer over the services.
func (s *Services) Handler(workerID string, logger *slog.Logger) *Handler {
	return &Handler{
		Processor:  s.Processor,
		Driver:     s.Driver,
		Schedules:  s.Schedules,
		JobHistory: s.History,
		WorkerID:   workerID,
		Logger:     logger,
	}
}

// Close releases the database pool.
func (s *Services) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// NewPool opens a pgx pool tuned from cfg and verifies connectivity.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating database pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// Build wires every scheduler service from cfg. workerID owns instance
// leases and refresh locks taken by this process.
func Build(ctx context.Context, cfg *config.Config, workerID string, logger *slog.Logger) (*Services, error) {
	pool, err := NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("loading AWS SDK config: %w", err)
	}
	// LocalStack endpoint override, empty in production.
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	queue, err := content.NewQueueSender(sqsClient, content.QueueConfig{
		QueueURL:          cfg.AWS.MessageQueueURL,
		FIFO:              cfg.AWS.MessageQueueFIFO,
		CompressThreshold: cfg.Dispatch.CompressThreshold,
		Logger:            logger,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}
	breaker := content.NewBreakerSender(queue, content.BreakerConfig{
		Name:                "content-dispatch",
		ConsecutiveFailures: cfg.Dispatch.BreakerFailures,
		OpenTimeout:         cfg.Dispatch.BreakerOpenTimeout,
		Interval:            cfg.Dispatch.BreakerResetWindow,
		Logger:              logger,
	})

	var metrics scheduler.Metrics = scheduler.NoopMetrics{}
	if cfg.Observability.EnableMetrics {
		cw := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		metrics = scheduler.NewCloudWatchMetrics(cw, cfg.Observability.MetricNamespace, logger)
	}

	var limiter *rate.Limiter
	if cfg.Scheduler.SendRatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Scheduler.SendRatePerSecond), cfg.Scheduler.SendBurst)
	}

	directory := db.NewDirectoryRepository(pool)
	domains := db.NewDomainRepository(pool)
	instances := db.NewInstanceRepository(pool)
	schedules := db.NewScheduleRepository(pool)

	resolver := recipients.NewResolver(recipients.ResolverConfig{
		Directory:     directory,
		Logger:        logger,
		LookupTimeout: cfg.Scheduler.LookupTimeout,
	})
	expander := recipients.NewExpander(directory, logger)

	handler := scheduler.NewEventHandler(scheduler.EventHandlerConfig{
		Recipients:      resolver,
		Expander:        expander,
		Channels:        contact.NewResolver(directory),
		Sender:          breaker,
		Settings:        domains,
		Metrics:         metrics,
		Limiter:         limiter,
		DefaultTimezone: cfg.Scheduler.DefaultTimezone,
		UsePhoneEntries: cfg.Feature.UsePhoneEntries,
		Logger:          logger,
	})

	return &Services{
		Pool:      pool,
		Schedules: schedules,
		Processor: scheduler.NewProcessor(scheduler.ProcessorConfig{
			Instances:   instances,
			Schedules:   schedules,
			Handler:     handler,
			Metrics:     metrics,
			WorkerID:    workerID,
			BatchSize:   cfg.Scheduler.BatchSize,
			Concurrency: cfg.Scheduler.Concurrency,
			LeaseTTL:    cfg.Scheduler.LeaseTTL,
			Clock:       types.RealClock{},
			Logger:      logger,
		}),
		Driver: scheduler.NewDriver(scheduler.DriverConfig{
			Instances:       instances,
			Locks:           db.NewJobLockRepository(pool),
			Recipients:      resolver,
			Expander:        expander,
			Settings:        domains,
			Metrics:         metrics,
			WorkerID:        workerID,
			RefreshLockTTL:  cfg.Scheduler.RefreshLockTTL,
			DefaultTimezone: cfg.Scheduler.DefaultTimezone,
			Logger:          logger,
		}),
		History: db.NewJobHistoryRepository(pool),
	}, nil
}
