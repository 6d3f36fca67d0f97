package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messaging/internal/types"
)

var (
	due     = time.Date(2017, 3, 16, 16, 0, 0, 0, time.UTC)
	startDt = time.Date(2017, 3, 16, 0, 0, 0, 0, time.UTC)
)

func instanceRow(id string, caseID any, version int64) []any {
	return []any{
		id, "test-domain", "sched-1", "CommCareUser", "user-1",
		caseID, nil,
		0, 1, due, startDt, true,
		version, nil, nil, due, due,
	}
}

// ============================================================
// Reads
// ============================================================

func TestInstanceRepository_ListDue_SplitsVariants(t *testing.T) {
	db := new(mockDBTX)
	repo := NewInstanceRepository(db)
	ctx := context.Background()
	caseID := "case-1"

	rows := newMockRows([][]any{
		instanceRow("inst-plain", nil, 3),
		instanceRow("inst-case", &caseID, 7),
	})
	db.On("Query", ctx, mock.AnythingOfType("string"), []any{due, 50}).Return(rows, nil)

	list, err := repo.ListDue(ctx, due, 50)
	require.NoError(t, err)
	require.Len(t, list, 2)

	plain, ok := list[0].(*types.ScheduleInstance)
	require.True(t, ok)
	assert.Equal(t, int64(3), plain.Version)
	assert.Equal(t, types.NewDate(2017, 3, 16), plain.StartDate)
	assert.Equal(t, types.RecipientMobileWorker, plain.RecipientType)

	ci, ok := list[1].(*types.CaseScheduleInstance)
	require.True(t, ok)
	assert.Equal(t, "case-1", ci.RecipientCaseID())
	assert.Equal(t, int64(7), ci.Version)
}

func TestInstanceRepository_ListForSchedule_QueryError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewInstanceRepository(db)
	ctx := context.Background()

	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(nil, errors.New("connection refused"))

	_, err := repo.ListForSchedule(ctx, "sched-1")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestInstanceRepository_ListForSchedule_RowsError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewInstanceRepository(db)
	ctx := context.Background()

	rows := newMockRows(nil)
	rows.errVal = errors.New("stream broken")
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

	_, err := repo.ListForSchedule(ctx, "sched-1")
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestInstanceRepository_GetByID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewInstanceRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByID(ctx, "missing")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundInstance))
}

// ============================================================
// Writes
// ============================================================

func TestInstanceRepository_Create_AssignsID(t *testing.T) {
	db := new(mockDBTX)
	repo := NewInstanceRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		caseID, _ := args[5].(*string)
		return args[0] != "" && caseID == nil && args[10] == startDt
	})).Return(rowOf(int64(1), due, due))

	inst := &types.ScheduleInstance{
		Domain:        "test-domain",
		ScheduleID:    "sched-1",
		RecipientType: types.RecipientMobileWorker,
		RecipientID:   "user-1",
		Progress: types.Progress{
			IterationNum: 1,
			NextEventDue: due,
			StartDate:    types.NewDate(2017, 3, 16),
			Active:       true,
		},
	}
	require.NoError(t, repo.Create(ctx, inst))
	assert.NotEmpty(t, inst.ID)
	assert.Equal(t, int64(1), inst.Version)
	db.AssertExpectations(t)
}

func TestInstanceRepository_CreateCase_RequiresCaseID(t *testing.T) {
	repo := NewInstanceRepository(new(mockDBTX))

	err := repo.CreateCase(context.Background(), &types.CaseScheduleInstance{})
	assert.True(t, types.IsCode(err, types.ErrCodeValidationMissingField))
}

func TestInstanceRepository_CreateCase_PassesCaseAndRule(t *testing.T) {
	db := new(mockDBTX)
	repo := NewInstanceRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		caseID, ok1 := args[5].(*string)
		ruleID, ok2 := args[6].(*string)
		return ok1 && ok2 && *caseID == "case-1" && *ruleID == "rule-9"
	})).Return(rowOf(int64(1), due, due))

	inst := &types.CaseScheduleInstance{
		ScheduleInstance: types.ScheduleInstance{ID: "inst-1", RecipientType: types.RecipientSelf},
		CaseID:           "case-1",
		RuleID:           "rule-9",
	}
	require.NoError(t, repo.CreateCase(ctx, inst))
	db.AssertExpectations(t)
}

func TestInstanceRepository_Update_CompareAndSwap(t *testing.T) {
	db := new(mockDBTX)
	repo := NewInstanceRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		return args[0] == "inst-1" && args[1] == int64(4)
	})).Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()

	lockedUntil := due.Add(time.Minute)
	inst := &types.ScheduleInstance{ID: "inst-1", Version: 4, LockedBy: "w1", LockedUntil: &lockedUntil}
	require.NoError(t, repo.Update(ctx, inst))

	assert.Equal(t, int64(5), inst.Version)
	assert.Empty(t, inst.LockedBy)
	assert.Nil(t, inst.LockedUntil)
	db.AssertExpectations(t)
}

func TestInstanceRepository_Update_Conflict(t *testing.T) {
	db := new(mockDBTX)
	repo := NewInstanceRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	inst := &types.CaseScheduleInstance{ScheduleInstance: types.ScheduleInstance{ID: "inst-1", Version: 4}}
	err := repo.Update(ctx, inst)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeConflictConcurrent))
	assert.True(t, types.ErrCodeConflictConcurrent.Retryable())
	assert.Equal(t, int64(4), inst.Version, "version must not advance on conflict")
}

func TestInstanceRepository_Claim(t *testing.T) {
	db := new(mockDBTX)
	repo := NewInstanceRepository(db)
	ctx := context.Background()
	now := due

	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"inst-1", int64(2), "worker-a", now.Add(5 * time.Minute), now}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)
	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"inst-2", int64(2), "worker-a", now.Add(5 * time.Minute), now}).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	ok, err := repo.Claim(ctx, "inst-1", 2, "worker-a", now, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Claim(ctx, "inst-2", 2, "worker-a", now, 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInstanceRepository_RenewLease(t *testing.T) {
	db := new(mockDBTX)
	repo := NewInstanceRepository(db)
	ctx := context.Background()
	until := due.Add(2 * time.Minute)

	db.On("Exec", ctx, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "SET locked_until = $4") && !strings.Contains(sql, "version = version + 1")
	}), []any{"inst-1", int64(3), "worker-a", until}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)
	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"inst-1", int64(3), "worker-b", until}).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)
	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"inst-2", int64(3), "worker-a", until}).
		Return(pgconn.CommandTag{}, errors.New("connection reset"))

	ok, err := repo.RenewLease(ctx, "inst-1", 3, "worker-a", until)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.RenewLease(ctx, "inst-1", 3, "worker-b", until)
	require.NoError(t, err)
	assert.False(t, ok, "a lease held by someone else cannot be renewed")

	_, err = repo.RenewLease(ctx, "inst-2", 3, "worker-a", until)
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestInstanceRepository_BulkOperations(t *testing.T) {
	db := new(mockDBTX)
	repo := NewInstanceRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.MatchedBy(func(sql string) bool { return sql[:6] == "DELETE" }), []any{"sched-1"}).
		Return(pgconn.NewCommandTag("DELETE 3"), nil)
	db.On("Exec", ctx, mock.MatchedBy(func(sql string) bool { return sql[:6] == "UPDATE" }), []any{"sched-1"}).
		Return(pgconn.NewCommandTag("UPDATE 2"), nil)

	n, err := repo.DeleteForSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = repo.DeactivateForSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestInstanceRepository_Delete_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewInstanceRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"gone"}).
		Return(pgconn.NewCommandTag("DELETE 0"), nil)

	err := repo.Delete(ctx, "gone")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundInstance))
}
