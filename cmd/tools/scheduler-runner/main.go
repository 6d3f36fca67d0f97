// Package main implements the scheduler-runner CLI for invoking scheduler
// worker tasks directly, bypassing the AWS Lambda shim.
//
// This tool is intended for local development, backfilling and operational
// debugging. It builds a scheduler.WorkerPayload and runs it through the same
// worker.Handler the Lambda uses. With --cron it keeps running and fires the
// payload on a schedule, which stands in for EventBridge locally.
//
// Usage:
//
//	go run ./cmd/tools/scheduler-runner --task=apply_schema
//	go run ./cmd/tools/scheduler-runner --task=dispatch_due --cron="@every 1m"
//	go run ./cmd/tools/scheduler-runner --task=refresh_schedule --schedule-id=... \
//	    --recipients=Location:loc-1,CommCareUser:u-2 --as-of=2017-03-16
//	go run ./cmd/tools/scheduler-runner --dry-run --task=refresh_case --schedule-id=... --case-id=...
//	go run ./cmd/tools/scheduler-runner --list
//
// Configuration is read by config.LoadConfig from the environment (or a .env
// file). In --dry-run mode the JSON payload is printed without executing.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"messaging/internal/config"
	"messaging/internal/db"
	"messaging/internal/scheduler"
	"messaging/internal/types"
	"messaging/internal/worker"
)

// taskApplySchema is handled by the runner itself rather than the worker.
const taskApplySchema scheduler.TaskType = "apply_schema"

// validTasks is the set of tasks the runner accepts.
var validTasks = map[scheduler.TaskType]string{
	scheduler.TaskDispatchDue:             "Fire every event due at the reference time",
	scheduler.TaskRefreshSchedule:         "Reconcile a schedule's instances with --recipients",
	scheduler.TaskRefreshCase:             "Reconcile a case rule's instances for --case-id",
	scheduler.TaskDeleteScheduleInstances: "Delete every instance of --schedule-id",
	taskApplySchema:                       "Create the database tables if they do not exist",
}

// options holds the parsed command line.
type options struct {
	task          string
	scheduleID    string
	caseID        string
	ruleID        string
	recipients    string
	asOf          string
	referenceTime string
	cronSpec      string
	dryRun        bool
	list          bool
}

func main() {
	var opts options
	flag.StringVar(&opts.task, "task", "", "Task type to execute (e.g., dispatch_due)")
	flag.StringVar(&opts.scheduleID, "schedule-id", "", "Schedule to refresh or delete instances for")
	flag.StringVar(&opts.caseID, "case-id", "", "Case for refresh_case")
	flag.StringVar(&opts.ruleID, "rule-id", "", "Rule recorded on case instances for refresh_case")
	flag.StringVar(&opts.recipients, "recipients", "", "Comma-separated type:id targets (e.g., Location:loc-1,Owner:)")
	flag.StringVar(&opts.asOf, "as-of", "", "Start date for new instances (YYYY-MM-DD); defaults to the reference date")
	flag.StringVar(&opts.referenceTime, "reference-time", "", "Override reference time (RFC3339, e.g., 2017-03-16T16:00:00Z)")
	flag.StringVar(&opts.cronSpec, "cron", "", `Run the task repeatedly on a cron spec (e.g., "@every 1m")`)
	flag.BoolVar(&opts.dryRun, "dry-run", false, "Print the JSON payload without executing")
	flag.BoolVar(&opts.list, "list", false, "List all available task types and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: scheduler-runner [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Invoke scheduler worker tasks directly, bypassing Lambda.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nUse --list to see all available task types.\n")
	}
	flag.Parse()

	if opts.list {
		printAvailableTasks()
		return
	}

	payload, err := buildPayload(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}

	if opts.dryRun {
		printPayload(payload)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	// Load .env file for local development (non-fatal if missing).
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file loaded (this is fine in production)", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, payload, logger); err != nil {
		logger.Error("task execution failed",
			"task", string(payload.Task),
			"error", err,
		)
		os.Exit(1)
	}
}

// run wires the services and executes payload once, or on every tick of
// opts.cronSpec until ctx is cancelled.
func run(ctx context.Context, opts options, payload scheduler.WorkerPayload, logger *slog.Logger) error {
	cfg, err := config.LoadConfig(config.NewEnvVarProvider())
	if err != nil {
		return err
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	if payload.Task == taskApplySchema {
		pool, err := worker.NewPool(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := db.ApplySchema(ctx, pool); err != nil {
			return err
		}
		logger.Info("schema applied")
		return nil
	}

	workerID := fmt.Sprintf("scheduler-runner-%s", uuid.New().String())
	services, err := worker.Build(ctx, cfg, workerID, logger)
	if err != nil {
		return err
	}
	defer services.Close()
	handler := services.Handler(workerID, logger)

	if opts.cronSpec == "" {
		result, err := handler.Handle(ctx, payload)
		if err != nil {
			return err
		}
		logger.Info("task execution succeeded", "task", string(payload.Task), "result", result)
		return nil
	}

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(opts.cronSpec, func() {
		// Ticks always run at the current time.
		tick := payload
		tick.ReferenceTime = nil
		result, err := handler.Handle(ctx, tick)
		if err != nil {
			logger.Error("scheduled run failed", "task", string(tick.Task), "error", err)
			return
		}
		logger.Info("scheduled run complete", "task", string(tick.Task), "result", result)
	}); err != nil {
		return fmt.Errorf("invalid --cron spec %q: %w", opts.cronSpec, err)
	}

	logger.Info("cron loop started", "task", string(payload.Task), "spec", opts.cronSpec, "worker_id", workerID)
	c.Start()
	<-ctx.Done()
	// Wait for an in-flight run before the pool is closed.
	<-c.Stop().Done()
	logger.Info("cron loop stopped")
	return nil
}

// buildPayload validates the flags and converts them into a WorkerPayload.
func buildPayload(opts options) (scheduler.WorkerPayload, error) {
	if opts.task == "" {
		return scheduler.WorkerPayload{}, errors.New("--task is required")
	}
	task := scheduler.TaskType(opts.task)
	if _, ok := validTasks[task]; !ok {
		return scheduler.WorkerPayload{}, fmt.Errorf("unknown task type %q", opts.task)
	}
	if opts.cronSpec != "" && task == taskApplySchema {
		return scheduler.WorkerPayload{}, errors.New("--cron cannot be used with apply_schema")
	}

	payload := scheduler.WorkerPayload{
		Task:       task,
		ScheduleID: opts.scheduleID,
		CaseID:     opts.caseID,
		RuleID:     opts.ruleID,
	}

	if opts.referenceTime != "" {
		t, err := time.Parse(time.RFC3339, opts.referenceTime)
		if err != nil {
			return scheduler.WorkerPayload{}, fmt.Errorf("invalid --reference-time %q: expected RFC3339: %w", opts.referenceTime, err)
		}
		payload.ReferenceTime = &t
	}
	if opts.asOf != "" {
		d, err := types.ParseDate(opts.asOf)
		if err != nil {
			return scheduler.WorkerPayload{}, fmt.Errorf("invalid --as-of: %w", err)
		}
		payload.AsOfDate = &d
	}

	targets, err := parseRecipients(opts.recipients)
	if err != nil {
		return scheduler.WorkerPayload{}, err
	}
	payload.Recipients = targets
	return payload, nil
}

// parseRecipients parses "type:id,type:id". Relative types may omit the id
// ("Owner" or "Owner:").
func parseRecipients(s string) ([]types.RecipientKey, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var keys []types.RecipientKey
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		typ, id, _ := strings.Cut(part, ":")
		key := types.RecipientKey{Type: types.RecipientType(typ), ID: id}
		if !key.Type.Valid() {
			return nil, fmt.Errorf("unknown recipient type %q in --recipients", typ)
		}
		if id == "" && !key.Type.CaseRelative() {
			return nil, fmt.Errorf("recipient %q needs an id", typ)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// printAvailableTasks prints all valid task types and their descriptions to
// stderr, sorted alphabetically by task name.
func printAvailableTasks() {
	fmt.Fprintf(os.Stderr, "Available task types:\n\n")

	tasks := make([]string, 0, len(validTasks))
	maxLen := 0
	for t := range validTasks {
		tasks = append(tasks, string(t))
		maxLen = max(maxLen, len(t))
	}
	slices.Sort(tasks)

	for _, t := range tasks {
		fmt.Fprintf(os.Stderr, "  %-*s  %s\n", maxLen, t, validTasks[scheduler.TaskType(t)])
	}
	fmt.Fprintln(os.Stderr)
}

// printPayload writes the payload as indented JSON to stdout for inspection
// or piping into a Lambda invoke.
func printPayload(payload scheduler.WorkerPayload) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to marshal payload: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))

	fmt.Fprintf(os.Stderr, "\nTask: %s\nDescription: %s\n", payload.Task, validTasks[payload.Task])
	if payload.ReferenceTime != nil {
		fmt.Fprintf(os.Stderr, "Reference time: %s\n", payload.ReferenceTime.Format(time.RFC3339))
	} else {
		fmt.Fprintf(os.Stderr, "Reference time: (current UTC time will be used)\n")
	}
}
