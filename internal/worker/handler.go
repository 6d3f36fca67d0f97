// Package worker routes scheduler task payloads to the scheduler services and
// wires those services for production. Both the Lambda entry point and the
// local runner drive the same Handler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"messaging/internal/db"
	"messaging/internal/scheduler"
	"messaging/internal/types"
)

// DueProcessor is implemented by *scheduler.Processor.
type DueProcessor interface {
	ProcessDue(ctx context.Context, now time.Time) (scheduler.ProcessResult, error)
}

// Refresher is implemented by *scheduler.Driver.
type Refresher interface {
	Refresh(ctx context.Context, s *types.Schedule, targets []types.RecipientKey, asOf types.Date) (scheduler.RefreshResult, error)
	RefreshCaseInstances(ctx context.Context, s *types.Schedule, caseID, ruleID string, targets []types.RecipientKey, asOf types.Date) (scheduler.RefreshResult, error)
	DeleteScheduleInstances(ctx context.Context, scheduleID string) (int64, error)
}

// JobHistorian records task runs. Implemented by *db.JobHistoryRepository.
type JobHistorian interface {
	Start(ctx context.Context, task, subject, workerID string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, jobErr error) error
}

// Handler holds the dependencies of the task multiplexer.
type Handler struct {
	Processor DueProcessor
	Driver    Refresher
	Schedules scheduler.ScheduleStore
	// JobHistory is optional.
	JobHistory JobHistorian
	Clock      types.Clock
	WorkerID   string
	Logger     *slog.Logger
}

// Handle runs one task payload and returns a one-line summary.
//
//  1. Validate the payload and determine the reference time.
//  2. Record job start in job_history.
//  3. Route to the scheduler service.
//  4. Record job completion with status and item count.
//
// Errors are returned so the invoking runtime retries the payload.
func (h *Handler) Handle(ctx context.Context, payload scheduler.WorkerPayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := h.now()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	if err := validatePayload(payload); err != nil {
		return "", err
	}

	task := string(payload.Task)
	subject := subjectOf(payload)
	logger.InfoContext(ctx, "scheduler task invoked",
		"task", task,
		"subject", subject,
		"reference_time", now.Format(time.RFC3339),
		"worker_id", h.WorkerID,
	)

	var jobID int64
	if h.JobHistory != nil {
		id, err := h.JobHistory.Start(ctx, task, subject, h.WorkerID)
		if err != nil {
			// Proceed without history; jobID 0 skips Finish.
			logger.ErrorContext(ctx, "failed to start job history", "task", task, "error", err)
		}
		jobID = id
	}

	items, summary, execErr := h.dispatch(ctx, payload, now)

	if jobID != 0 {
		status := db.JobSuccess
		if execErr != nil {
			status = db.JobFailed
		}
		if err := h.JobHistory.Finish(ctx, jobID, status, items, execErr); err != nil {
			logger.ErrorContext(ctx, "failed to finish job history",
				"job_id", jobID,
				"task", task,
				"error", err,
			)
		}
	}

	if execErr != nil {
		logger.ErrorContext(ctx, "scheduler task failed",
			"task", task,
			"subject", subject,
			"error", execErr,
			"retryable", retryable(execErr),
		)
		return "", fmt.Errorf("task %s failed: %w", task, execErr)
	}

	result := fmt.Sprintf("task %s complete: %s", task, summary)
	logger.InfoContext(ctx, result, "task", task, "items", items)
	return result, nil
}

// dispatch routes a payload to its service and returns the number of items
// touched plus a short description of the outcome.
func (h *Handler) dispatch(ctx context.Context, p scheduler.WorkerPayload, now time.Time) (int, string, error) {
	switch p.Task {
	case scheduler.TaskDispatchDue:
		r, err := h.Processor.ProcessDue(ctx, now)
		return r.Handled, fmt.Sprintf("%d due, %d handled, %d sent, %d failed, %d conflicts, %d errors",
			r.Due, r.Handled, r.Sent, r.Failed, r.Conflicts, r.Errors), err

	case scheduler.TaskRefreshSchedule, scheduler.TaskRefreshCase:
		s, err := h.Schedules.GetByID(ctx, p.ScheduleID)
		if err != nil {
			return 0, "", err
		}
		asOf := types.DateOf(now)
		if p.AsOfDate != nil {
			asOf = *p.AsOfDate
		}

		var r scheduler.RefreshResult
		if p.Task == scheduler.TaskRefreshCase {
			r, err = h.Driver.RefreshCaseInstances(ctx, s, p.CaseID, p.RuleID, p.Recipients, asOf)
		} else {
			r, err = h.Driver.Refresh(ctx, s, p.Recipients, asOf)
		}
		items := r.Created + r.Removed + r.Recalculated + r.Deactivated
		return items, fmt.Sprintf("%d created, %d removed, %d recalculated, %d deactivated",
			r.Created, r.Removed, r.Recalculated, r.Deactivated), err

	case scheduler.TaskDeleteScheduleInstances:
		n, err := h.Driver.DeleteScheduleInstances(ctx, p.ScheduleID)
		return int(n), fmt.Sprintf("%d instances deleted", n), err
	}
	return 0, "", fmt.Errorf("unhandled task type %q", p.Task)
}

func (h *Handler) now() time.Time {
	if h.Clock != nil {
		return h.Clock.Now()
	}
	return time.Now().UTC()
}

func validatePayload(p scheduler.WorkerPayload) error {
	if p.Task == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "empty task type in worker payload", nil)
	}
	switch p.Task {
	case scheduler.TaskRefreshSchedule, scheduler.TaskDeleteScheduleInstances:
		if p.ScheduleID == "" {
			return types.NewAppError(types.ErrCodeValidationMissingField, "schedule_id is required", nil)
		}
	case scheduler.TaskRefreshCase:
		if p.ScheduleID == "" || p.CaseID == "" {
			return types.NewAppError(types.ErrCodeValidationMissingField, "schedule_id and case_id are required", nil)
		}
	case scheduler.TaskDispatchDue:
	default:
		return types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField, "unknown task type", nil,
			map[string]any{"task": p.Task})
	}
	return nil
}

func subjectOf(p scheduler.WorkerPayload) string {
	if p.CaseID != "" {
		return p.ScheduleID + ":" + p.CaseID
	}
	return p.ScheduleID
}

func retryable(err error) bool {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		return true
	}
	return appErr.Code.Retryable()
}
