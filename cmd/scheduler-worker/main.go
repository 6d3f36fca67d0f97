// Package main is the entrypoint for the scheduler worker Lambda function.
//
// The worker is a task multiplexer. EventBridge schedules send dispatch_due
// every minute; schedule and case rule changes enqueue refresh_schedule,
// refresh_case and delete_schedule_instances payloads. Each payload is routed
// by worker.Handler to the scheduler services.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"

	"messaging/internal/config"
	"messaging/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("Scheduler worker initializing (cold start)")

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL")))
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})).With("service", cfg.Service, "env", cfg.Environment)
	slog.SetDefault(logger)

	// Owns instance leases and refresh locks taken by this Lambda instance.
	workerID := uuid.New().String()

	services, err := worker.Build(context.Background(), cfg, workerID, logger)
	if err != nil {
		logger.Error("Failed to wire scheduler services", "error", err)
		os.Exit(1)
	}

	handler := services.Handler(workerID, logger)

	logger.Info("Scheduler worker initialized",
		"worker_id", workerID,
		"version", cfg.Build.String(),
		"batch_size", cfg.Scheduler.BatchSize,
		"concurrency", cfg.Scheduler.Concurrency,
	)

	lambda.Start(handler.Handle)
}
