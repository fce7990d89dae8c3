package runlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteLog(t *testing.T) *SQLiteLog {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "runlog.db")
	l, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() }) //nolint:errcheck
	require.NoError(t, l.Migrate(context.Background()))
	return l
}

func TestSQLite_StartCompleteRoundTrip(t *testing.T) {
	l := newTestSQLiteLog(t)
	ctx := context.Background()

	id, err := l.Start(ctx, StageBronze)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err, "run ids are uuids")

	entries, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusRunning, entries[0].Status)
	assert.Equal(t, StageBronze, entries[0].Stage)
	assert.Nil(t, entries[0].CompletedAt)

	err = l.Complete(ctx, id, &Result{
		Rows:     97,
		Metadata: map[string]any{"files": 3, "strategy": "xxh3"},
	})
	require.NoError(t, err)

	entries, err = l.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusComplete, entries[0].Status)
	assert.Equal(t, int64(97), entries[0].Rows)
	require.NotNil(t, entries[0].CompletedAt)
	assert.WithinDuration(t, time.Now().UTC(), *entries[0].CompletedAt, time.Minute)
	assert.Equal(t, float64(3), entries[0].Metadata["files"])
	assert.Equal(t, "xxh3", entries[0].Metadata["strategy"])
}

func TestSQLite_Fail(t *testing.T) {
	l := newTestSQLiteLog(t)
	ctx := context.Background()

	id, err := l.Start(ctx, StageSilver)
	require.NoError(t, err)
	require.NoError(t, l.Fail(ctx, id, "bronze artifact missing"))

	entries, err := l.List(ctx, Filter{Stage: StageSilver})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusFailed, entries[0].Status)
	assert.Equal(t, "bronze artifact missing", entries[0].Error)
	assert.NotNil(t, entries[0].CompletedAt)
}

func TestSQLite_CompleteUnknownRun(t *testing.T) {
	l := newTestSQLiteLog(t)

	err := l.Complete(context.Background(), uuid.New().String(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_CompleteNilResult(t *testing.T) {
	l := newTestSQLiteLog(t)
	ctx := context.Background()

	id, err := l.Start(ctx, StageFetch)
	require.NoError(t, err)
	require.NoError(t, l.Complete(ctx, id, nil))

	entries, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusComplete, entries[0].Status)
	assert.Zero(t, entries[0].Rows)
	assert.Nil(t, entries[0].Metadata)
}

func TestSQLite_ListFilterOrderLimit(t *testing.T) {
	l := newTestSQLiteLog(t)
	ctx := context.Background()

	for _, stage := range []string{StageBronze, StageSilver, StageBronze} {
		_, err := l.Start(ctx, stage)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond) // distinct started_at for ordering
	}

	entries, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, StageBronze, entries[0].Stage)
	assert.Equal(t, StageSilver, entries[1].Stage)
	assert.Equal(t, StageBronze, entries[2].Stage)
	assert.True(t, !entries[0].StartedAt.Before(entries[1].StartedAt), "most recent first")

	silverOnly, err := l.List(ctx, Filter{Stage: StageSilver})
	require.NoError(t, err)
	require.Len(t, silverOnly, 1)
	assert.Equal(t, StageSilver, silverOnly[0].Stage)

	limited, err := l.List(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	l := newTestSQLiteLog(t)
	require.NoError(t, l.Migrate(context.Background()))
}

func TestNopLog(t *testing.T) {
	l := NewNop()
	ctx := context.Background()

	id, err := l.Start(ctx, StageBronze)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	require.NoError(t, l.Migrate(ctx))
	require.NoError(t, l.Complete(ctx, id, &Result{Rows: 1}))
	require.NoError(t, l.Fail(ctx, id, "ignored"))

	entries, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
	require.NoError(t, l.Close())
}
