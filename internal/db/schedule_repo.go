package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"messaging/internal/types"
)

// ScheduleRepository provides data access for the schedules table.
type ScheduleRepository struct {
	db DBTX
}

// NewScheduleRepository creates a new ScheduleRepository backed by the given
// database connection (pool or transaction).
func NewScheduleRepository(db DBTX) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

const scheduleColumns = `id, domain, schedule_type, events, total_iterations,
	include_descendant_locations, location_type_filter, default_language_code,
	active, deleted, created_at, updated_at`

// Create inserts a schedule. CreatedAt and UpdatedAt are set from the database clock.
func (r *ScheduleRepository) Create(ctx context.Context, s *types.Schedule) error {
	filter := s.LocationTypeFilter
	if filter == nil {
		filter = []string{}
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO schedules (id, domain, schedule_type, events, total_iterations,
		   include_descendant_locations, location_type_filter, default_language_code, active, deleted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at, updated_at`,
		s.ID,
		s.Domain,
		string(s.Type),
		s.Events,
		s.TotalIterations,
		s.IncludeDescendantLocations,
		filter,
		s.DefaultLanguageCode,
		s.Active,
		s.Deleted,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create schedule", err)
	}
	return nil
}

// GetByID returns a schedule, including soft-deleted ones so callers can
// observe the deletion.
func (r *ScheduleRepository) GetByID(ctx context.Context, id string) (*types.Schedule, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`,
		id,
	)
	s, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundSchedule, "schedule not found", nil,
				map[string]any{"schedule_id": id})
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve schedule", err)
	}
	return s, nil
}

// ListActiveByDomain returns the active, non-deleted schedules of a domain.
func (r *ScheduleRepository) ListActiveByDomain(ctx context.Context, domain string) ([]*types.Schedule, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE domain = $1 AND active AND NOT deleted
		 ORDER BY created_at`,
		domain,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list schedules", err)
	}
	defer rows.Close()

	var out []*types.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan schedule", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating schedules", err)
	}
	return out, nil
}

// SetActive toggles a schedule's active flag.
func (r *ScheduleRepository) SetActive(ctx context.Context, id string, active bool) error {
	return r.exec(ctx, id, "failed to update schedule",
		`UPDATE schedules SET active = $2, updated_at = NOW() WHERE id = $1 AND NOT deleted`,
		id, active)
}

// SoftDelete marks a schedule deleted and inactive.
func (r *ScheduleRepository) SoftDelete(ctx context.Context, id string) error {
	return r.exec(ctx, id, "failed to delete schedule",
		`UPDATE schedules SET deleted = TRUE, active = FALSE, updated_at = NOW() WHERE id = $1`,
		id)
}

func (r *ScheduleRepository) exec(ctx context.Context, id, msg, sql string, args ...any) error {
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, msg, err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeNotFoundSchedule, "schedule not found", nil,
			map[string]any{"schedule_id": id})
	}
	return nil
}

func scanSchedule(row pgx.Row) (*types.Schedule, error) {
	var (
		s      types.Schedule
		typ    string
		filter []string
	)
	if err := row.Scan(
		&s.ID,
		&s.Domain,
		&typ,
		&s.Events,
		&s.TotalIterations,
		&s.IncludeDescendantLocations,
		&filter,
		&s.DefaultLanguageCode,
		&s.Active,
		&s.Deleted,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.Type = types.ScheduleType(typ)
	if len(filter) > 0 {
		s.LocationTypeFilter = filter
	}
	return &s, nil
}
