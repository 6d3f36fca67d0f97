// Package scheduler runs schedule instances: it reconciles a schedule's
// instances against its target recipients (Driver), fires due events
// (EventHandler) and drives both from periodic worker invocations (Processor).
//
// This file defines the task multiplexer payload shared by cmd/scheduler-worker
// and cmd/tools/scheduler-runner, and the collaborator interfaces the services
// depend on.
package scheduler

import (
	"context"
	"iter"
	"time"

	"messaging/internal/contact"
	"messaging/internal/types"
)

// TaskType identifies which service method handles a worker invocation.
type TaskType string

const (
	TaskDispatchDue             TaskType = "dispatch_due"
	TaskRefreshSchedule         TaskType = "refresh_schedule"
	TaskRefreshCase             TaskType = "refresh_case"
	TaskDeleteScheduleInstances TaskType = "delete_schedule_instances"
)

// WorkerPayload is the JSON payload a worker invocation receives.
//
//	{
//	  "task": "refresh_schedule",
//	  "schedule_id": "...",
//	  "recipients": [{"type": "Location", "id": "..."}],
//	  "as_of_date": "2017-03-16"
//	}
type WorkerPayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime overrides "now" for deterministic or backfill runs.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`

	ScheduleID string               `json:"schedule_id,omitempty"`
	CaseID     string               `json:"case_id,omitempty"`
	RuleID     string               `json:"rule_id,omitempty"`
	Recipients []types.RecipientKey `json:"recipients,omitempty"`
	// AsOfDate anchors refreshed instances. Defaults to the reference date.
	AsOfDate *types.Date `json:"as_of_date,omitempty"`
}

// ScheduleStore loads schedule definitions.
type ScheduleStore interface {
	GetByID(ctx context.Context, id string) (*types.Schedule, error)
}

// InstanceStore persists schedule instances. Update and Claim are
// compare-and-swap on the instance version. RenewLease extends a claim
// without bumping the version.
type InstanceStore interface {
	ListForSchedule(ctx context.Context, scheduleID string) ([]*types.ScheduleInstance, error)
	ListForCase(ctx context.Context, scheduleID, caseID string) ([]*types.CaseScheduleInstance, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]types.Instance, error)
	Create(ctx context.Context, inst *types.ScheduleInstance) error
	CreateCase(ctx context.Context, inst *types.CaseScheduleInstance) error
	Update(ctx context.Context, inst types.Instance) error
	Delete(ctx context.Context, id string) error
	DeleteForSchedule(ctx context.Context, scheduleID string) (int64, error)
	DeactivateForSchedule(ctx context.Context, scheduleID string) (int64, error)
	Claim(ctx context.Context, id string, expectedVersion int64, workerID string, now time.Time, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, id string, version int64, workerID string, until time.Time) (bool, error)
}

// LockStore provides named, expiring locks.
type LockStore interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID string, workerID string) error
}

// DomainSettingsStore reads per-domain settings.
type DomainSettingsStore interface {
	GetSettings(ctx context.Context, domain string) (types.DomainSettings, error)
}

// RecipientResolver is implemented by *recipients.Resolver. A nil recipient
// with a nil error means the recipient is gone; an error means the directory
// could not answer.
type RecipientResolver interface {
	ResolveStrict(ctx context.Context, domain string, recipientType types.RecipientType, recipientID, caseID string) (*types.Recipient, error)
}

// RecipientExpander is implemented by *recipients.Expander.
type RecipientExpander interface {
	Expand(ctx context.Context, r *types.Recipient, s *types.Schedule) iter.Seq2[*types.Recipient, error]
}

// ChannelResolver is implemented by *contact.Resolver.
type ChannelResolver interface {
	Resolve(ctx context.Context, target *types.Recipient, opts contact.Options) (*types.ContactChannel, error)
	ResolveEmail(ctx context.Context, target *types.Recipient) (string, error)
}
