package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"messaging/internal/types"
)

const (
	defaultBatchSize   = 500
	defaultConcurrency = 8
	defaultLeaseTTL    = 2 * time.Minute
)

// ProcessorConfig holds dependencies for creating a Processor.
type ProcessorConfig struct {
	Instances InstanceStore
	Schedules ScheduleStore
	Handler   *EventHandler
	Metrics   Metrics

	// WorkerID identifies this process as the holder of instance leases.
	WorkerID    string
	BatchSize   int
	Concurrency int
	// LeaseTTL is the claim length. A fan-out still running with less than
	// half of it left renews the claim.
	LeaseTTL time.Duration
	// Clock measures fan-out time for lease renewal. Defaults to RealClock.
	Clock  types.Clock
	Logger *slog.Logger
}

// Processor drives due instances through the EventHandler. Each instance is
// leased before it is handled, so concurrent processors never fire the same
// event twice.
type Processor struct {
	instances   InstanceStore
	schedules   ScheduleStore
	handler     *EventHandler
	metrics     Metrics
	workerID    string
	batchSize   int
	concurrency int
	leaseTTL    time.Duration
	clock       types.Clock
	logger      *slog.Logger
}

// ProcessResult counts what one ProcessDue run did.
type ProcessResult struct {
	Due       int `json:"due"`
	Handled   int `json:"handled"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
	Errors    int `json:"errors"`
}

// NewProcessor creates a Processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	p := &Processor{
		instances:   cfg.Instances,
		schedules:   cfg.Schedules,
		handler:     cfg.Handler,
		metrics:     metrics,
		workerID:    cfg.WorkerID,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.Concurrency,
		leaseTTL:    cfg.LeaseTTL,
		clock:       cfg.Clock,
		logger:      logger,
	}
	if p.batchSize <= 0 {
		p.batchSize = defaultBatchSize
	}
	if p.concurrency <= 0 {
		p.concurrency = defaultConcurrency
	}
	if p.leaseTTL <= 0 {
		p.leaseTTL = defaultLeaseTTL
	}
	if p.clock == nil {
		p.clock = types.RealClock{}
	}
	return p
}

// scheduleCache loads each schedule at most once per run.
type scheduleCache struct {
	store ScheduleStore
	mu    sync.Mutex
	byID  map[string]*types.Schedule
}

func (c *scheduleCache) get(ctx context.Context, id string) (*types.Schedule, error) {
	c.mu.Lock()
	s, ok := c.byID[id]
	c.mu.Unlock()
	if ok {
		return s, nil
	}
	s, err := c.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.byID[id] = s
	c.mu.Unlock()
	return s, nil
}

// ProcessDue handles up to one batch of instances due at or before now.
// Per-instance failures are counted and logged; only a failure to list due
// instances or a cancelled context is returned as an error.
func (p *Processor) ProcessDue(ctx context.Context, now time.Time) (ProcessResult, error) {
	due, err := p.instances.ListDue(ctx, now, p.batchSize)
	if err != nil {
		return ProcessResult{}, err
	}
	p.metrics.RecordBacklog(ctx, len(due))

	var (
		mu     sync.Mutex
		result = ProcessResult{Due: len(due)}
		cache  = &scheduleCache{store: p.schedules, byID: make(map[string]*types.Schedule)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, inst := range due {
		g.Go(func() error {
			r := p.processOne(gctx, cache, inst, now)
			mu.Lock()
			result.Handled += r.Handled
			result.Sent += r.Sent
			result.Failed += r.Failed
			result.Conflicts += r.Conflicts
			result.Errors += r.Errors
			mu.Unlock()
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	p.logger.InfoContext(ctx, "dispatch run complete",
		"due", result.Due,
		"handled", result.Handled,
		"sent", result.Sent,
		"failed", result.Failed,
		"conflicts", result.Conflicts,
		"errors", result.Errors,
	)
	return result, nil
}

func (p *Processor) processOne(ctx context.Context, cache *scheduleCache, inst types.Instance, now time.Time) ProcessResult {
	var r ProcessResult
	c := inst.Common()
	log := p.logger.With("instance_id", c.ID, "schedule_id", c.ScheduleID)

	claimed, err := p.instances.Claim(ctx, c.ID, c.Version, p.workerID, now, p.leaseTTL)
	if err != nil {
		log.ErrorContext(ctx, "failed to claim schedule instance", "error", err)
		r.Errors++
		return r
	}
	if !claimed {
		p.metrics.RecordSkip(ctx, c.Domain, types.MetricConcurrentModified)
		r.Conflicts++
		return r
	}
	c.Version++
	c.LockedBy = p.workerID

	s, err := cache.get(ctx, c.ScheduleID)
	switch {
	case types.IsCode(err, types.ErrCodeNotFoundSchedule):
		c.Active = false
		log.WarnContext(ctx, "schedule not found, deactivating instance")
		return p.persist(ctx, inst, r, log)
	case err != nil:
		log.ErrorContext(ctx, "failed to load schedule", "error", err)
		r.Errors++
		return r
	}

	l := newLease(p.instances, p.clock, c, p.workerID, now, p.leaseTTL)
	outcome, err := p.handler.handle(ctx, inst, s, now, l.keep)
	if types.IsCode(err, types.ErrCodeConflictConcurrent) {
		p.metrics.RecordSkip(ctx, c.Domain, types.MetricConcurrentModified)
		log.WarnContext(ctx, "lease lost while handling event, stopping fan-out",
			"sent", outcome.Sent,
		)
		r.Sent = outcome.Sent
		r.Failed = outcome.Failed
		r.Conflicts++
		return r
	}
	if err != nil {
		// The lease stays in place and expires, which delays the retry.
		log.ErrorContext(ctx, "failed to handle event", "error", err)
		r.Errors++
		return r
	}
	r.Sent = outcome.Sent
	r.Failed = outcome.Failed
	if outcome.Handled {
		r.Handled = 1
	}
	return p.persist(ctx, inst, r, log)
}

// persist writes inst back, releasing the lease.
func (p *Processor) persist(ctx context.Context, inst types.Instance, r ProcessResult, log *slog.Logger) ProcessResult {
	if err := p.instances.Update(ctx, inst); err != nil {
		if types.IsCode(err, types.ErrCodeConflictConcurrent) {
			p.metrics.RecordSkip(ctx, inst.Common().Domain, types.MetricConcurrentModified)
			log.WarnContext(ctx, "schedule instance changed while handled, dropping update")
			r.Conflicts++
			return r
		}
		log.ErrorContext(ctx, "failed to persist schedule instance", "error", err)
		r.Errors++
	}
	return r
}
