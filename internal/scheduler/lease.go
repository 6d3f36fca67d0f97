package scheduler

import (
	"context"
	"time"

	"messaging/internal/types"
)

// lease tracks a claim taken by Processor.processOne and renews it while the
// event's fan-out is still running. Elapsed time is read from clock and added
// to claimedAt, the reference time the claim was made at.
type lease struct {
	store    InstanceStore
	clock    types.Clock
	id       string
	version  int64
	workerID string
	ttl      time.Duration

	claimedAt time.Time
	started   time.Time
	// held is how long after started the lease currently runs out.
	held time.Duration
}

func newLease(store InstanceStore, clock types.Clock, c *types.ScheduleInstance, workerID string, claimedAt time.Time, ttl time.Duration) *lease {
	return &lease{
		store:     store,
		clock:     clock,
		id:        c.ID,
		version:   c.Version,
		workerID:  workerID,
		ttl:       ttl,
		claimedAt: claimedAt,
		started:   clock.Now(),
		held:      ttl,
	}
}

// keep renews the lease once less than half of it remains. It fails with
// ErrCodeConflictConcurrent when another worker has taken the instance.
func (l *lease) keep(ctx context.Context) error {
	elapsed := l.clock.Now().Sub(l.started)
	if l.held-elapsed > l.ttl/2 {
		return nil
	}
	ok, err := l.store.RenewLease(ctx, l.id, l.version, l.workerID, l.claimedAt.Add(elapsed+l.ttl))
	if err != nil {
		return err
	}
	if !ok {
		return types.NewAppErrorWithDetails(types.ErrCodeConflictConcurrent, "instance lease lost during fan-out", nil, map[string]any{
			"instance_id": l.id,
			"worker_id":   l.workerID,
		})
	}
	l.held = elapsed + l.ttl
	return nil
}
