package db

import (
	"context"

	"messaging/internal/types"
)

// Job history statuses.
const (
	JobRunning = "running"
	JobSuccess = "success"
	JobFailed  = "failed"
)

// JobHistoryRepository records worker task runs in job_history for
// operational visibility. Rows are never read back by the engine.
type JobHistoryRepository struct {
	db DBTX
}

// NewJobHistoryRepository creates a new JobHistoryRepository backed by the
// given database connection (pool or transaction).
func NewJobHistoryRepository(db DBTX) *JobHistoryRepository {
	return &JobHistoryRepository{db: db}
}

// Start inserts a running entry for task and returns its id. subject is the
// schedule (or schedule and case) the task targets and may be empty.
func (r *JobHistoryRepository) Start(ctx context.Context, task, subject, workerID string) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO job_history (task, subject, worker_id, started_at, status)
		 VALUES ($1, $2, $3, $4, 'running')
		 RETURNING id`,
		task,
		nullableString(subject),
		workerID,
		nowUTC(),
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to start job history entry", err)
	}
	return id, nil
}

// Finish closes the entry with its final status and item count. A non-nil
// jobErr is stored as the entry's error text.
func (r *JobHistoryRepository) Finish(ctx context.Context, id int64, status string, items int, jobErr error) error {
	var errMsg *string
	if jobErr != nil {
		s := jobErr.Error()
		errMsg = &s
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE job_history
		 SET finished_at = $2, status = $3, items_count = $4, error = $5
		 WHERE id = $1`,
		id,
		nowUTC(),
		status,
		items,
		errMsg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish job history entry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeInternalUnexpected, "job history entry not found", nil,
			map[string]any{"job_id": id})
	}
	return nil
}
