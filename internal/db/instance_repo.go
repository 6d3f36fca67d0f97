package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"messaging/internal/types"
)

// InstanceRepository provides data access for the schedule_instances table.
// Plain and case instances share the table; case instances carry a case_id.
//
// Every write bumps version. Update and Claim are compare-and-swap on version,
// so two workers can never both persist a change made from the same snapshot.
type InstanceRepository struct {
	db DBTX
}

// NewInstanceRepository creates a new InstanceRepository backed by the given
// database connection (pool or transaction).
func NewInstanceRepository(db DBTX) *InstanceRepository {
	return &InstanceRepository{db: db}
}

const instanceColumns = `id, domain, schedule_id, recipient_type, recipient_id, case_id, rule_id,
	current_event_num, schedule_iteration_num, next_event_due, start_date, active,
	version, locked_by, locked_until, created_at, updated_at`

// ListForSchedule returns the plain (non-case) instances of a schedule.
func (r *InstanceRepository) ListForSchedule(ctx context.Context, scheduleID string) ([]*types.ScheduleInstance, error) {
	all, err := r.list(ctx,
		`SELECT `+instanceColumns+` FROM schedule_instances
		 WHERE schedule_id = $1 AND case_id IS NULL
		 ORDER BY created_at, id`,
		scheduleID,
	)
	if err != nil {
		return nil, err
	}
	out := make([]*types.ScheduleInstance, 0, len(all))
	for _, inst := range all {
		out = append(out, &inst.ScheduleInstance)
	}
	return out, nil
}

// ListForCase returns the instances a rule created for one case of a schedule.
func (r *InstanceRepository) ListForCase(ctx context.Context, scheduleID, caseID string) ([]*types.CaseScheduleInstance, error) {
	return r.list(ctx,
		`SELECT `+instanceColumns+` FROM schedule_instances
		 WHERE schedule_id = $1 AND case_id = $2
		 ORDER BY created_at, id`,
		scheduleID,
		caseID,
	)
}

// ListDue returns active instances whose next event is due at or before now
// and that are not leased by another worker, oldest first.
func (r *InstanceRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]types.Instance, error) {
	all, err := r.list(ctx,
		`SELECT `+instanceColumns+` FROM schedule_instances
		 WHERE active AND next_event_due <= $1
		   AND (locked_until IS NULL OR locked_until < $1)
		 ORDER BY next_event_due, id
		 LIMIT $2`,
		now,
		limit,
	)
	if err != nil {
		return nil, err
	}
	out := make([]types.Instance, 0, len(all))
	for _, inst := range all {
		if inst.CaseID == "" {
			out = append(out, &inst.ScheduleInstance)
		} else {
			out = append(out, inst)
		}
	}
	return out, nil
}

// Create inserts a plain instance, assigning an id when empty.
func (r *InstanceRepository) Create(ctx context.Context, inst *types.ScheduleInstance) error {
	return r.insert(ctx, inst, nil, nil)
}

// CreateCase inserts a case instance, assigning an id when empty.
func (r *InstanceRepository) CreateCase(ctx context.Context, inst *types.CaseScheduleInstance) error {
	if inst.CaseID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "case instance requires case_id", nil)
	}
	return r.insert(ctx, &inst.ScheduleInstance, &inst.CaseID, nullableString(inst.RuleID))
}

func (r *InstanceRepository) insert(ctx context.Context, inst *types.ScheduleInstance, caseID, ruleID *string) error {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO schedule_instances (id, domain, schedule_id, recipient_type, recipient_id,
		   case_id, rule_id, current_event_num, schedule_iteration_num, next_event_due,
		   start_date, active, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)
		 RETURNING version, created_at, updated_at`,
		inst.ID,
		inst.Domain,
		inst.ScheduleID,
		string(inst.RecipientType),
		inst.RecipientID,
		caseID,
		ruleID,
		inst.CurrentEventNum,
		inst.IterationNum,
		inst.NextEventDue,
		inst.StartDate.Time(),
		inst.Active,
	).Scan(&inst.Version, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create schedule instance", err)
	}
	return nil
}

// Update persists the progress of inst if its version still matches the row,
// releasing any lease. On success inst.Version is advanced; on a version
// mismatch a conflict_concurrent_modification error is returned and nothing
// is written.
func (r *InstanceRepository) Update(ctx context.Context, inst types.Instance) error {
	c := inst.Common()
	now := nowUTC()
	tag, err := r.db.Exec(ctx,
		`UPDATE schedule_instances
		 SET current_event_num = $3, schedule_iteration_num = $4, next_event_due = $5,
		     start_date = $6, active = $7, version = version + 1,
		     locked_by = NULL, locked_until = NULL, updated_at = $8
		 WHERE id = $1 AND version = $2`,
		c.ID,
		c.Version,
		c.CurrentEventNum,
		c.IterationNum,
		c.NextEventDue,
		c.StartDate.Time(),
		c.Active,
		now,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update schedule instance", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeConflictConcurrent,
			"schedule instance was modified concurrently", nil,
			map[string]any{"instance_id": c.ID, "expected_version": c.Version})
	}
	c.Version++
	c.LockedBy = ""
	c.LockedUntil = nil
	c.UpdatedAt = now
	return nil
}

// Claim leases an instance for workerID until now+ttl, provided its version
// still equals expectedVersion and no live lease exists. It reports whether
// the lease was taken; the caller's snapshot is then at expectedVersion+1.
func (r *InstanceRepository) Claim(ctx context.Context, id string, expectedVersion int64, workerID string, now time.Time, ttl time.Duration) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE schedule_instances
		 SET version = version + 1, locked_by = $3, locked_until = $4
		 WHERE id = $1 AND version = $2
		   AND (locked_until IS NULL OR locked_until < $5)`,
		id,
		expectedVersion,
		workerID,
		now.Add(ttl),
		now,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim schedule instance", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RenewLease extends a lease taken by Claim. It succeeds only while the
// instance is still at the claimed version and leased to workerID; the version
// is left alone so the holder's pending Update still matches.
func (r *InstanceRepository) RenewLease(ctx context.Context, id string, version int64, workerID string, until time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE schedule_instances
		 SET locked_until = $4
		 WHERE id = $1 AND version = $2 AND locked_by = $3`,
		id,
		version,
		workerID,
		until,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to renew schedule instance lease", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Delete removes an instance.
func (r *InstanceRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM schedule_instances WHERE id = $1`, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete schedule instance", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundInstance, "schedule instance not found", nil)
	}
	return nil
}

// DeleteForSchedule removes every instance of a schedule and returns the count.
func (r *InstanceRepository) DeleteForSchedule(ctx context.Context, scheduleID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM schedule_instances WHERE schedule_id = $1`, scheduleID)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete schedule instances", err)
	}
	return tag.RowsAffected(), nil
}

// DeactivateForSchedule marks every active instance of a schedule inactive and
// returns the count.
func (r *InstanceRepository) DeactivateForSchedule(ctx context.Context, scheduleID string) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE schedule_instances
		 SET active = FALSE, version = version + 1, updated_at = NOW()
		 WHERE schedule_id = $1 AND active`,
		scheduleID,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to deactivate schedule instances", err)
	}
	return tag.RowsAffected(), nil
}

// GetByID returns one instance, as a case instance when it has a case_id.
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (types.Instance, error) {
	row := r.db.QueryRow(ctx, `SELECT `+instanceColumns+` FROM schedule_instances WHERE id = $1`, id)
	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundInstance, "schedule instance not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve schedule instance", err)
	}
	if inst.CaseID == "" {
		return &inst.ScheduleInstance, nil
	}
	return inst, nil
}

func (r *InstanceRepository) list(ctx context.Context, sql string, args ...any) ([]*types.CaseScheduleInstance, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query schedule instances", err)
	}
	defer rows.Close()

	var out []*types.CaseScheduleInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan schedule instance", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating schedule instances", err)
	}
	return out, nil
}

func scanInstance(row pgx.Row) (*types.CaseScheduleInstance, error) {
	var (
		inst          types.CaseScheduleInstance
		recipientType string
		caseID        *string
		ruleID        *string
		lockedBy      *string
		startDate     time.Time
	)
	if err := row.Scan(
		&inst.ID,
		&inst.Domain,
		&inst.ScheduleID,
		&recipientType,
		&inst.RecipientID,
		&caseID,
		&ruleID,
		&inst.CurrentEventNum,
		&inst.IterationNum,
		&inst.NextEventDue,
		&startDate,
		&inst.Active,
		&inst.Version,
		&lockedBy,
		&inst.LockedUntil,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	); err != nil {
		return nil, err
	}
	inst.RecipientType = types.RecipientType(recipientType)
	inst.CaseID = derefString(caseID)
	inst.RuleID = derefString(ruleID)
	inst.LockedBy = derefString(lockedBy)
	inst.StartDate = types.DateOf(startDate)
	inst.NextEventDue = inst.NextEventDue.UTC()
	return &inst, nil
}
