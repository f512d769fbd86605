package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/expense-extractor/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresWithPool(mock), mock
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	created := time.Now().UTC()
	mock.ExpectQuery(`SELECT id, client_id, expense_id, options, status, created_at, completed_at FROM runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "client_id", "expense_id", "options", "status", "created_at", "completed_at"}).
			AddRow("run-1", "client-1", "expense-1", []byte(`{"rebuild":false,"concurrency":4}`), model.RunStatusRunning, created, (*time.Time)(nil)))

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "client-1", run.ClientID)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.Equal(t, 4, run.Options.Concurrency)
	assert.Nil(t, run.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, client_id, expense_id, options, status, created_at, completed_at FROM runs WHERE id = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	run := &model.Run{
		ID:        "run-1",
		ClientID:  "client-1",
		ExpenseID: "expense-1",
		Status:    model.RunStatusPending,
		CreatedAt: now,
	}
	items := []model.ExpenseItem{
		{RunID: "run-1", ID: "item-1", SourceDocumentRef: "INV:f1:abc", Status: model.ItemStatusPending, UpdatedAt: now},
		{RunID: "run-1", ID: "item-2", SourceDocumentRef: "INV:f2:def", Status: model.ItemStatusPending, UpdatedAt: now},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO runs`).
		WithArgs("run-1", "client-1", "expense-1", pgxmock.AnyArg(), "pending", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"items"},
		[]string{"run_id", "id", "source_ref", "description", "status", "updated_at"}).
		WillReturnResult(2)
	mock.ExpectCommit()

	err := s.CreateRun(context.Background(), run, items)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionItem(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE runs SET last_seq = last_seq \+ 1 WHERE id = \$1 RETURNING last_seq`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"last_seq"}).AddRow(int64(7)))
	mock.ExpectExec(`UPDATE items SET status = \$1, last_seq = \$2`).
		WithArgs("extracting", int64(7), 0, pgxmock.AnyArg(), "run-1", "item-1", "decomposing", int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO transitions`).
		WithArgs("run-1", int64(7), "item-1", "decomposing", "extracting", "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	tr, err := s.TransitionItem(context.Background(), "run-1", "item-1",
		model.ItemStatusDecomposing, model.ItemStatusExtracting, 3, "")
	require.NoError(t, err)
	assert.Equal(t, int64(7), tr.Seq)
	assert.Equal(t, "extracting", tr.To)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionItem_Stale(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE runs SET last_seq = last_seq \+ 1 WHERE id = \$1 RETURNING last_seq`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"last_seq"}).AddRow(int64(8)))
	mock.ExpectExec(`UPDATE items SET status = \$1, last_seq = \$2`).
		WithArgs("merging", int64(8), 0, pgxmock.AnyArg(), "run-1", "item-1", "extracting", int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	_, err := s.TransitionItem(context.Background(), "run-1", "item-1",
		model.ItemStatusExtracting, model.ItemStatusMerging, 3, "")
	assert.ErrorIs(t, err, ErrStaleTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordFailure(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE items SET failures = COALESCE`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "run-1", "item-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.RecordFailure(context.Background(), "run-1", "item-1", model.FailureDetail{
		Scope: model.FailureScopeBackend, Ref: "layout", Kind: "timeout", Message: "call timed out",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordFailure_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE items SET failures = COALESCE`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "run-1", "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.RecordFailure(context.Background(), "run-1", "missing", model.FailureDetail{})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListTransitions(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	itemID := "item-1"
	mock.ExpectQuery(`SELECT run_id, seq, item_id, from_status, to_status, detail, created_at`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"run_id", "seq", "item_id", "from_status", "to_status", "detail", "created_at"}).
			AddRow("run-1", int64(1), (*string)(nil), "pending", "running", (*string)(nil), now).
			AddRow("run-1", int64(2), &itemID, "pending", "decomposing", (*string)(nil), now))

	transitions, err := s.ListTransitions(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Empty(t, transitions[0].ItemID)
	assert.Equal(t, "item-1", transitions[1].ItemID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
