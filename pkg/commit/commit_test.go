package commit

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/manusoman/hyperindex/internal/hyperindex"
	"github.com/manusoman/hyperindex/pkg/durable"
	"github.com/manusoman/hyperindex/pkg/hxerrors"
	"github.com/manusoman/hyperindex/pkg/store"
)

type widget struct {
	ID    string
	Count int
}

func newTestDurable(t *testing.T) *durable.Store {
	t.Helper()
	dbURI := "file::" + uuid.NewString() + ":?mode=memory&cache=shared&_foreign_keys=on&_busy_timeout=5000"
	st, err := durable.Open(dbURI)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// TestCommitPersistsEntitiesRawEventsAndCheckpoint covers the happy
// path: every staged mutation lands durably and the checkpoint advances
// to the batch's max processed block.
func TestCommitPersistsEntitiesRawEventsAndCheckpoint(t *testing.T) {
	t.Parallel()

	db := newTestDurable(t)
	eng := New(db, DefaultConfig())
	ctx := context.Background()

	st := store.New()
	st.Set("Widget", "w1", &widget{ID: "w1", Count: 1}, hyperindex.Create, hyperindex.Provenance{})
	st.SetRawEvent(hyperindex.RawEvent{ChainID: 1, EventID: "evt-1", BlockNumber: 10})

	err := eng.Commit(ctx, st, map[hyperindex.ChainID]int64{1: 10})
	require.NoError(t, err)

	got, err := db.BulkRead(ctx, "Widget", []hyperindex.EntityID{"w1"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	block, err := db.Checkpoint(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(10), block)
}

// TestCommitSkipsReadOnlyRows ensures rows staged at CRUD=Read (loaded
// but never mutated by a handler) are never written back.
func TestCommitSkipsReadOnlyRows(t *testing.T) {
	t.Parallel()

	db := newTestDurable(t)
	eng := New(db, DefaultConfig())
	ctx := context.Background()

	st := store.New()
	st.Set("Widget", "w1", &widget{ID: "w1", Count: 1}, hyperindex.Read, hyperindex.Provenance{})

	err := eng.Commit(ctx, st, map[hyperindex.ChainID]int64{1: 5})
	require.NoError(t, err)

	got, err := db.BulkRead(ctx, "Widget", []hyperindex.EntityID{"w1"})
	require.NoError(t, err)
	require.Empty(t, got)
}

// TestCommitRejectsRegressingCheckpoint covers spec invariant 4: the
// checkpoint must never regress, even across separate commits.
func TestCommitRejectsRegressingCheckpoint(t *testing.T) {
	t.Parallel()

	db := newTestDurable(t)
	eng := New(db, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, eng.Commit(ctx, store.New(), map[hyperindex.ChainID]int64{1: 100}))

	err := eng.Commit(ctx, store.New(), map[hyperindex.ChainID]int64{1: 50})
	require.Error(t, err)

	var commitErr *hxerrors.CommitError
	require.ErrorAs(t, err, &commitErr)

	block, err := db.Checkpoint(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(100), block, "checkpoint must stay at its prior value after a rejected regression")
}

// TestCommitDeleteRemovesEntity covers the Delete branch of the staged
// CRUD fold reaching durable storage.
func TestCommitDeleteRemovesEntity(t *testing.T) {
	t.Parallel()

	db := newTestDurable(t)
	eng := New(db, DefaultConfig())
	ctx := context.Background()

	st := store.New()
	st.Set("Widget", "w1", &widget{ID: "w1", Count: 1}, hyperindex.Create, hyperindex.Provenance{})
	require.NoError(t, eng.Commit(ctx, st, map[hyperindex.ChainID]int64{1: 1}))

	st2 := store.New()
	st2.Delete("Widget", "w1", hyperindex.Provenance{})
	require.NoError(t, eng.Commit(ctx, st2, map[hyperindex.ChainID]int64{1: 2}))

	got, err := db.BulkRead(ctx, "Widget", []hyperindex.EntityID{"w1"})
	require.NoError(t, err)
	require.Empty(t, got)
}
