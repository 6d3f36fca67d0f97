package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"messaging/internal/schedule"
	"messaging/internal/types"
)

const defaultRefreshLockTTL = 5 * time.Minute

// DriverConfig holds dependencies for creating a Driver.
type DriverConfig struct {
	Instances  InstanceStore
	Locks      LockStore
	Recipients RecipientResolver
	Expander   RecipientExpander
	Settings   DomainSettingsStore
	Metrics    Metrics
	Clock      types.Clock

	// WorkerID identifies this process as the holder of refresh locks.
	WorkerID       string
	RefreshLockTTL time.Duration

	DefaultTimezone string
	Logger          *slog.Logger
}

// Driver reconciles the persisted instances of a schedule with the recipients
// it currently targets. At most one refresh per schedule (or per schedule and
// case) runs at a time.
type Driver struct {
	instances  InstanceStore
	locks      LockStore
	recipients RecipientResolver
	expander   RecipientExpander
	metrics    Metrics
	clock      types.Clock
	settings   *settingsCache
	workerID   string
	lockTTL    time.Duration
	logger     *slog.Logger
}

// RefreshResult counts the changes a refresh made.
type RefreshResult struct {
	Created      int `json:"created"`
	Removed      int `json:"removed"`
	Recalculated int `json:"recalculated"`
	Deactivated  int `json:"deactivated"`
}

// Changed reports whether the refresh touched any instance.
func (r RefreshResult) Changed() bool {
	return r.Created+r.Removed+r.Recalculated+r.Deactivated > 0
}

// NewDriver creates a Driver.
func NewDriver(cfg DriverConfig) *Driver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	ttl := cfg.RefreshLockTTL
	if ttl <= 0 {
		ttl = defaultRefreshLockTTL
	}
	return &Driver{
		instances:  cfg.Instances,
		locks:      cfg.Locks,
		recipients: cfg.Recipients,
		expander:   cfg.Expander,
		metrics:    metrics,
		clock:      clock,
		settings:   newSettingsCache(cfg.Settings, cfg.DefaultTimezone, false, logger),
		workerID:   cfg.WorkerID,
		lockTTL:    ttl,
		logger:     logger,
	}
}

// target is one desired instance: its key plus the resolved recipient used for
// time zone selection. recipient may be nil.
type target struct {
	key       types.RecipientKey
	recipient *types.Recipient
}

// Refresh reconciles the plain instances of s with targets. Group-like targets
// are expanded so that every individual gets its own instance.
//
// Missing individuals get a new instance anchored at asOf; instances for
// individuals no longer targeted are deleted; instances with a different start
// date are recalculated. Nothing is sent. Running Refresh twice with the same
// inputs changes nothing the second time.
func (d *Driver) Refresh(ctx context.Context, s *types.Schedule, targets []types.RecipientKey, asOf types.Date) (RefreshResult, error) {
	release, err := d.lock(ctx, "refresh:"+s.ID)
	if err != nil {
		return RefreshResult{}, err
	}
	defer release()

	if s.Deleted || !s.Active {
		return d.deactivate(ctx, s)
	}
	if err := schedule.Validate(s); err != nil {
		return RefreshResult{}, err
	}

	desired, err := d.expandTargets(ctx, s, targets)
	if err != nil {
		return RefreshResult{}, err
	}

	existing, err := d.instances.ListForSchedule(ctx, s.ID)
	if err != nil {
		return RefreshResult{}, err
	}
	current := make([]types.Instance, len(existing))
	for i, inst := range existing {
		current[i] = inst
	}

	result, err := d.reconcile(ctx, s, desired, current, asOf, func(inst *types.ScheduleInstance) error {
		return d.instances.Create(ctx, inst)
	})
	if err != nil {
		return result, err
	}
	d.finish(ctx, s, result, "")
	return result, nil
}

// RefreshCaseInstances reconciles the case instances of s for caseID. Targets
// are kept as configured (relative types like Owner resolve at send time), so
// each target key gets exactly one instance. An empty target list removes
// every instance for the case, which is how a closed or deleted case is
// handled.
func (d *Driver) RefreshCaseInstances(ctx context.Context, s *types.Schedule, caseID, ruleID string, targets []types.RecipientKey, asOf types.Date) (RefreshResult, error) {
	if caseID == "" {
		return RefreshResult{}, types.NewAppError(types.ErrCodeValidationMissingField, "case_id is required", nil)
	}
	release, err := d.lock(ctx, "refresh:"+s.ID+":"+caseID)
	if err != nil {
		return RefreshResult{}, err
	}
	defer release()

	existing, err := d.instances.ListForCase(ctx, s.ID, caseID)
	if err != nil {
		return RefreshResult{}, err
	}

	if s.Deleted || !s.Active {
		var result RefreshResult
		for _, inst := range existing {
			if !inst.Active {
				continue
			}
			inst.Active = false
			if err := d.instances.Update(ctx, inst); err != nil {
				return result, err
			}
			result.Deactivated++
		}
		d.finish(ctx, s, result, caseID)
		return result, nil
	}
	if err := schedule.Validate(s); err != nil {
		return RefreshResult{}, err
	}

	var desired []target
	seen := make(map[types.RecipientKey]bool, len(targets))
	for _, key := range targets {
		if !key.Type.Valid() {
			return RefreshResult{}, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidRecipient, "unknown recipient type", nil, map[string]any{
				"recipient_type": key.Type,
			})
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		r, err := d.recipients.ResolveStrict(ctx, s.Domain, key.Type, key.ID, caseID)
		if err != nil {
			return RefreshResult{}, directoryError(s, key, err)
		}
		desired = append(desired, target{key: key, recipient: r})
	}

	current := make([]types.Instance, len(existing))
	for i, inst := range existing {
		current[i] = inst
	}

	result, err := d.reconcile(ctx, s, desired, current, asOf, func(inst *types.ScheduleInstance) error {
		return d.instances.CreateCase(ctx, &types.CaseScheduleInstance{
			ScheduleInstance: *inst,
			CaseID:           caseID,
			RuleID:           ruleID,
		})
	})
	if err != nil {
		return result, err
	}
	d.finish(ctx, s, result, caseID)
	return result, nil
}

// DeleteScheduleInstances removes every instance of a schedule, plain and case.
func (d *Driver) DeleteScheduleInstances(ctx context.Context, scheduleID string) (int64, error) {
	release, err := d.lock(ctx, "refresh:"+scheduleID)
	if err != nil {
		return 0, err
	}
	defer release()

	n, err := d.instances.DeleteForSchedule(ctx, scheduleID)
	if err != nil {
		return 0, err
	}
	d.logger.InfoContext(ctx, "schedule instances deleted",
		"schedule_id", scheduleID,
		"count", n,
	)
	return n, nil
}

// reconcile applies the create, delete and recalculate steps shared by both
// refresh variants.
func (d *Driver) reconcile(ctx context.Context, s *types.Schedule, desired []target, existing []types.Instance, asOf types.Date, create func(*types.ScheduleInstance) error) (RefreshResult, error) {
	var result RefreshResult
	now := d.clock.Now()
	env := d.settings.get(ctx, s.Domain)

	byKey := make(map[types.RecipientKey]types.Instance, len(existing))
	for _, inst := range existing {
		c := inst.Common()
		if _, dup := byKey[c.Key()]; dup {
			// Duplicates can only come from an interrupted earlier refresh.
			if err := d.instances.Delete(ctx, c.ID); err != nil {
				return result, err
			}
			result.Removed++
			continue
		}
		byKey[c.Key()] = inst
	}

	wanted := make(map[types.RecipientKey]bool, len(desired))
	for _, t := range desired {
		wanted[t.key] = true
		loc := locationFor(t.recipient, env)

		inst, ok := byKey[t.key]
		if !ok {
			fresh := &types.ScheduleInstance{
				Domain:        s.Domain,
				ScheduleID:    s.ID,
				RecipientType: t.key.Type,
				RecipientID:   t.key.ID,
			}
			schedule.Recalculate(s, &fresh.Progress, asOf, now, loc)
			if err := create(fresh); err != nil {
				return result, err
			}
			result.Created++
			continue
		}

		c := inst.Common()
		if !needsRecalculation(s, c, asOf) {
			continue
		}
		skipped := schedule.Recalculate(s, &c.Progress, asOf, now, loc)
		if err := d.instances.Update(ctx, inst); err != nil {
			return result, err
		}
		result.Recalculated++
		d.logger.DebugContext(ctx, "schedule instance recalculated",
			"instance_id", c.ID,
			"start_date", asOf.String(),
			"skipped", skipped,
		)
	}

	for key, inst := range byKey {
		if wanted[key] {
			continue
		}
		if err := d.instances.Delete(ctx, inst.Common().ID); err != nil {
			return result, err
		}
		result.Removed++
	}
	return result, nil
}

// needsRecalculation reports whether an existing instance is out of step with
// the requested start date. An instance that was deactivated before running
// out of events (its schedule was paused) is restarted as well.
func needsRecalculation(s *types.Schedule, c *types.ScheduleInstance, asOf types.Date) bool {
	if c.StartDate != asOf {
		return true
	}
	if c.CurrentEventNum < 0 || c.CurrentEventNum >= len(s.Events) {
		return true
	}
	return !c.Active && !schedule.Exhausted(s, &c.Progress)
}

// expandTargets resolves plain-schedule targets to the individuals that need
// an instance, in first-seen order.
func (d *Driver) expandTargets(ctx context.Context, s *types.Schedule, keys []types.RecipientKey) ([]target, error) {
	var desired []target
	seen := make(map[types.RecipientKey]bool)
	for _, key := range keys {
		if !key.Type.Valid() || key.Type.CaseRelative() {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidRecipient, "recipient type cannot target a plain schedule", nil, map[string]any{
				"recipient_type": key.Type,
			})
		}
		r, err := d.recipients.ResolveStrict(ctx, s.Domain, key.Type, key.ID, "")
		if err != nil {
			return nil, directoryError(s, key, err)
		}
		if r == nil {
			d.logger.InfoContext(ctx, "refresh target not found",
				"schedule_id", s.ID,
				"recipient", key.String(),
			)
			continue
		}
		for individual, err := range d.expander.Expand(ctx, r, s) {
			if err != nil {
				return nil, directoryError(s, key, err)
			}
			k := individual.Key()
			if seen[k] {
				continue
			}
			seen[k] = true
			desired = append(desired, target{key: k, recipient: individual})
		}
	}
	return desired, nil
}

// directoryError aborts a refresh before reconciliation: an unreachable
// directory must not read as an empty target list.
func directoryError(s *types.Schedule, key types.RecipientKey, err error) error {
	return types.NewAppErrorWithDetails(types.ErrCodeUpstreamDirectory, "failed to resolve refresh target", err, map[string]any{
		"schedule_id": s.ID,
		"recipient":   key.String(),
	})
}

func (d *Driver) deactivate(ctx context.Context, s *types.Schedule) (RefreshResult, error) {
	n, err := d.instances.DeactivateForSchedule(ctx, s.ID)
	if err != nil {
		return RefreshResult{}, err
	}
	result := RefreshResult{Deactivated: int(n)}
	d.finish(ctx, s, result, "")
	return result, nil
}

func (d *Driver) finish(ctx context.Context, s *types.Schedule, result RefreshResult, caseID string) {
	d.metrics.RecordRefresh(ctx, s.Domain, result)
	attrs := []any{
		"schedule_id", s.ID,
		"created", result.Created,
		"removed", result.Removed,
		"recalculated", result.Recalculated,
		"deactivated", result.Deactivated,
	}
	if caseID != "" {
		attrs = append(attrs, "case_id", caseID)
	}
	d.logger.InfoContext(ctx, "schedule instances refreshed", attrs...)
}

// lock acquires a refresh lock and returns its release func. Contention maps
// to ErrCodeConflictRefresh.
func (d *Driver) lock(ctx context.Context, key string) (func(), error) {
	acquired, err := d.locks.Acquire(ctx, key, d.workerID, d.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire refresh lock %s: %w", key, err)
	}
	if !acquired {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictRefresh, "refresh already in progress", nil, map[string]any{
			"lock_id": key,
		})
	}
	return func() {
		// The refresh outcome stands even if the release fails; the lock expires.
		if err := d.locks.Release(context.WithoutCancel(ctx), key, d.workerID); err != nil {
			d.logger.WarnContext(ctx, "failed to release refresh lock",
				"lock_id", key,
				"error", err,
			)
		}
	}, nil
}
