package postgres

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workqueue/internal/domain"
	"workqueue/internal/errs"
	"workqueue/internal/migrate"
	"workqueue/internal/ports"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("WORKQUEUE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("WORKQUEUE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	db, err := Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	sqlDB := db.SQL()
	t.Cleanup(func() { sqlDB.Close() })
	_, err = migrate.Up(ctx, sqlDB, migrate.Postgres)
	require.NoError(t, err)
	_, err = db.Pool.Exec(ctx, `TRUNCATE outbox, work_item_comments, work_item_history, work_items`)
	require.NoError(t, err)
	return db
}

func TestStoreRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	it := domain.WorkItem{
		ID: uuid.NewString(), ApplicationID: "app-1", Country: "FR", Status: domain.StatusNew,
		Priority: domain.PriorityHigh, CreatedAt: now, UpdatedAt: now, Version: 1,
	}
	it.SetRiskLevel(domain.RiskCritical)
	created := domain.Event{EventID: uuid.NewString(), Type: domain.EventCreated, WorkItemID: it.ID, ActorID: "system", Payload: json.RawMessage(`{"a":1}`), OccurredAt: now}
	require.NoError(t, db.Create(ctx, &it, []domain.Event{created}))
	assert.Regexp(t, `^WI-\d{6}$`, it.HumanNumber)

	got, err := db.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, it, got)

	next := got
	next.Status = domain.StatusCancelled
	next.Version = 2
	h := &domain.HistoryEntry{ID: uuid.NewString(), WorkItemID: it.ID, FromStatus: domain.StatusNew, ToStatus: domain.StatusCancelled, Action: "Cancel", PerformedBy: "admin", Notes: "dup", Timestamp: now}
	require.NoError(t, db.Commit(ctx, ports.Mutation{Item: next, ExpectedVersion: 1, History: h}))

	err = db.Commit(ctx, ports.Mutation{Item: next, ExpectedVersion: 1})
	assert.True(t, errs.Is(err, errs.CodeConcurrencyConflict))

	hist, err := db.History(ctx, it.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "dup", hist[0].Notes)

	pending, err := db.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.JSONEq(t, `{"a":1}`, string(pending[0].Payload))
	require.NoError(t, db.MarkPublished(ctx, pending[0].Sequence, now))

	pending, err = db.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	items, total, err := db.List(ctx, ports.Filter{Country: "fr", Statuses: []domain.Status{domain.StatusCancelled}})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, it.ID, items[0].ID)
}

func TestGetRejectsMalformedID(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Get(context.Background(), "not-a-uuid")
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}
