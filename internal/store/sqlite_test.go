package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/expense-extractor/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	// A file-backed database: with :memory: every pooled connection would
	// see its own empty database.
	st, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedRun(t *testing.T, st *SQLiteStore) (*model.Run, []model.ExpenseItem) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	run := &model.Run{
		ID:        "run-1",
		ClientID:  "client-1",
		ExpenseID: "expense-1",
		Options:   model.RunOptions{Concurrency: 4},
		Status:    model.RunStatusPending,
		CreatedAt: now,
	}
	items := []model.ExpenseItem{
		{RunID: "run-1", ID: "item-1", SourceDocumentRef: "INV:f1:abc", Status: model.ItemStatusPending, UpdatedAt: now},
		{RunID: "run-1", ID: "item-2", SourceDocumentRef: "INV:f2:def", Description: "taxi", Status: model.ItemStatusPending, UpdatedAt: now},
	}
	require.NoError(t, st.CreateRun(context.Background(), run, items))
	return run, items
}

func TestSQLite_CreateAndGetRun(t *testing.T) {
	st := newTestStore(t)
	run, _ := seedRun(t, st)

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ClientID, got.ClientID)
	assert.Equal(t, run.ExpenseID, got.ExpenseID)
	assert.Equal(t, model.RunStatusPending, got.Status)
	assert.Equal(t, 4, got.Options.Concurrency)
	assert.Nil(t, got.CompletedAt)

	items, err := st.ListItems(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "taxi", items[1].Description)
}

func TestSQLite_GetRunNotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetRun(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = st.GetItem(context.Background(), "nope", "item-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ListRunsFilter(t *testing.T) {
	st := newTestStore(t)
	seedRun(t, st)

	runs, err := st.ListRuns(context.Background(), RunFilter{ClientID: "client-1"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	runs, err = st.ListRuns(context.Background(), RunFilter{Status: model.RunStatusCompleted})
	require.NoError(t, err)
	assert.Empty(t, runs)

	runs, err = st.ListRuns(context.Background(), RunFilter{ClientID: "other"})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSQLite_TransitionItem(t *testing.T) {
	st := newTestStore(t)
	run, _ := seedRun(t, st)
	ctx := context.Background()

	tr, err := st.TransitionItem(ctx, run.ID, "item-1", model.ItemStatusPending, model.ItemStatusDecomposing, 0, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tr.Seq)
	assert.Equal(t, "pending", tr.From)
	assert.Equal(t, "decomposing", tr.To)

	item, err := st.GetItem(ctx, run.ID, "item-1")
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusDecomposing, item.Status)
	assert.Equal(t, tr.Seq, item.LastSeq)
	assert.Equal(t, 1, item.AttemptCount, "entering decomposing counts an attempt")

	// Sequence numbers are per run, shared across items.
	tr2, err := st.TransitionItem(ctx, run.ID, "item-2", model.ItemStatusPending, model.ItemStatusDecomposing, 0, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), tr2.Seq)
}

func TestSQLite_TransitionItemStale(t *testing.T) {
	st := newTestStore(t)
	run, _ := seedRun(t, st)
	ctx := context.Background()

	_, err := st.TransitionItem(ctx, run.ID, "item-1", model.ItemStatusPending, model.ItemStatusDecomposing, 0, "")
	require.NoError(t, err)

	// A second writer still holding lastSeq 0 loses the race.
	_, err = st.TransitionItem(ctx, run.ID, "item-1", model.ItemStatusPending, model.ItemStatusCancelled, 0, "")
	assert.ErrorIs(t, err, ErrStaleTransition)

	// A wrong from-status is also rejected.
	_, err = st.TransitionItem(ctx, run.ID, "item-1", model.ItemStatusExtracting, model.ItemStatusMerging, 1, "")
	assert.ErrorIs(t, err, ErrStaleTransition)

	// The item was not moved by either failed attempt.
	item, err := st.GetItem(ctx, run.ID, "item-1")
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusDecomposing, item.Status)
}

func TestSQLite_UpdateRunStatus(t *testing.T) {
	st := newTestStore(t)
	run, _ := seedRun(t, st)
	ctx := context.Background()

	require.NoError(t, st.UpdateRunStatus(ctx, run.ID, model.RunStatusRunning))
	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, st.UpdateRunStatus(ctx, run.ID, model.RunStatusCompleted))
	got, err = st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	transitions, err := st.ListTransitions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Empty(t, transitions[0].ItemID, "run-level transitions carry no item")
	assert.Equal(t, "running", transitions[0].To)
	assert.Equal(t, "completed", transitions[1].To)
}

func TestSQLite_RecordFailure(t *testing.T) {
	st := newTestStore(t)
	run, _ := seedRun(t, st)
	ctx := context.Background()

	f1 := model.FailureDetail{Scope: model.FailureScopeUnit, Ref: "invoice.pdf#page=3", Kind: "render", Message: "bad xref"}
	f2 := model.FailureDetail{Scope: model.FailureScopeBackend, Ref: "layout", Kind: "timeout", Message: "call timed out"}
	require.NoError(t, st.RecordFailure(ctx, run.ID, "item-1", f1))
	require.NoError(t, st.RecordFailure(ctx, run.ID, "item-1", f2))

	item, err := st.GetItem(ctx, run.ID, "item-1")
	require.NoError(t, err)
	require.Len(t, item.Failures, 2)
	assert.Equal(t, f1, item.Failures[0])
	assert.Equal(t, f2, item.Failures[1])

	err = st.RecordFailure(ctx, run.ID, "missing", f1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_TransitionLogOrdered(t *testing.T) {
	st := newTestStore(t)
	run, _ := seedRun(t, st)
	ctx := context.Background()

	steps := []struct {
		from, to model.ItemStatus
	}{
		{model.ItemStatusPending, model.ItemStatusDecomposing},
		{model.ItemStatusDecomposing, model.ItemStatusExtracting},
		{model.ItemStatusExtracting, model.ItemStatusMerging},
		{model.ItemStatusMerging, model.ItemStatusCompleted},
	}
	var lastSeq int64
	for _, s := range steps {
		tr, err := st.TransitionItem(ctx, run.ID, "item-1", s.from, s.to, lastSeq, "")
		require.NoError(t, err)
		lastSeq = tr.Seq
	}

	transitions, err := st.ListTransitions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 4)
	for i, tr := range transitions {
		assert.Equal(t, int64(i+1), tr.Seq)
		assert.Equal(t, string(steps[i].to), tr.To)
	}
}
