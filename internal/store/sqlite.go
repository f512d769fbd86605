package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/expense-extractor/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	client_id    TEXT NOT NULL,
	expense_id   TEXT NOT NULL,
	options      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	last_seq     INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS items (
	run_id        TEXT NOT NULL REFERENCES runs(id),
	id            TEXT NOT NULL,
	source_ref    TEXT NOT NULL,
	description   TEXT,
	status        TEXT NOT NULL DEFAULT 'pending',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_seq      INTEGER NOT NULL DEFAULT 0,
	failures      TEXT,
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (run_id, id)
);

CREATE TABLE IF NOT EXISTS transitions (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	seq         INTEGER NOT NULL,
	item_id     TEXT,
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	detail      TEXT,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (run_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_client_expense ON runs(client_id, expense_id);
CREATE INDEX IF NOT EXISTS idx_items_status ON items(run_id, status);
CREATE INDEX IF NOT EXISTS idx_transitions_item ON transitions(run_id, item_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run, items []model.ExpenseItem) error {
	optionsJSON, err := json.Marshal(run.Options)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run options")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create run")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, client_id, expense_id, options, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.ClientID, run.ExpenseID, string(optionsJSON), string(run.Status), run.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert run %s", run.ID)
	}

	for _, item := range items {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO items (run_id, id, source_ref, description, status, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, item.ID, item.SourceDocumentRef, item.Description, string(item.Status), item.UpdatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert item %s", item.ID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit create run")
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, client_id, expense_id, options, status, created_at, completed_at FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, client_id, expense_id, options, status, created_at, completed_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ClientID != "" {
		query += ` AND client_id = ?`
		args = append(args, filter.ClientID)
	}
	if filter.ExpenseID != "" {
		query += ` AND expense_id = ?`
		args = append(args, filter.ExpenseID)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin run status")
	}
	defer tx.Rollback() //nolint:errcheck

	prev, err := s.runStatusTx(ctx, tx, runID)
	if err != nil {
		return err
	}

	seq, err := s.nextSeqTx(ctx, tx, runID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var completedAt any
	if status.Terminal() {
		completedAt = now
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ? WHERE id = ?`,
		string(status), completedAt, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	if err := checkRowsAffected(res, runID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transitions (run_id, seq, item_id, from_status, to_status, created_at) VALUES (?, ?, NULL, ?, ?, ?)`,
		runID, seq, string(prev), string(status), now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert run transition %s", runID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit run status")
}

func (s *SQLiteStore) GetItem(ctx context.Context, runID, itemID string) (*model.ExpenseItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, id, source_ref, description, status, attempt_count, last_seq, failures, updated_at
		 FROM items WHERE run_id = ? AND id = ?`,
		runID, itemID,
	)
	return scanItem(row)
}

func (s *SQLiteStore) ListItems(ctx context.Context, runID string) ([]model.ExpenseItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, id, source_ref, description, status, attempt_count, last_seq, failures, updated_at
		 FROM items WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list items %s", runID)
	}
	defer rows.Close()

	var items []model.ExpenseItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list items iterate")
}

func (s *SQLiteStore) TransitionItem(ctx context.Context, runID, itemID string, from, to model.ItemStatus, lastSeq int64, detail string) (*model.Transition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin transition")
	}
	defer tx.Rollback() //nolint:errcheck

	seq, err := s.nextSeqTx(ctx, tx, runID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	attemptInc := 0
	if to == model.ItemStatusDecomposing {
		attemptInc = 1
	}

	// The status and last_seq guards make this a compare-and-set: zero rows
	// means another writer moved the item since the caller read it.
	res, err := tx.ExecContext(ctx,
		`UPDATE items SET status = ?, last_seq = ?, attempt_count = attempt_count + ?, updated_at = ?
		 WHERE run_id = ? AND id = ? AND status = ? AND last_seq = ?`,
		string(to), seq, attemptInc, now, runID, itemID, string(from), lastSeq,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: transition item %s", itemID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: transition rows affected")
	}
	if n == 0 {
		return nil, eris.Wrapf(ErrStaleTransition, "item %s %s->%s at seq %d", itemID, from, to, lastSeq)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transitions (run_id, seq, item_id, from_status, to_status, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, seq, itemID, string(from), string(to), detail, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert transition %s", itemID)
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit transition")
	}

	return &model.Transition{
		RunID:     runID,
		ItemID:    itemID,
		Seq:       seq,
		From:      string(from),
		To:        string(to),
		Detail:    detail,
		CreatedAt: now,
	}, nil
}

func (s *SQLiteStore) RecordFailure(ctx context.Context, runID, itemID string, failure model.FailureDetail) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin record failure")
	}
	defer tx.Rollback() //nolint:errcheck

	var failuresJSON sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT failures FROM items WHERE run_id = ? AND id = ?`,
		runID, itemID,
	).Scan(&failuresJSON)
	if err == sql.ErrNoRows {
		return eris.Wrapf(ErrNotFound, "item %s", itemID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read failures %s", itemID)
	}

	var failures []model.FailureDetail
	if failuresJSON.Valid && failuresJSON.String != "" {
		if err := json.Unmarshal([]byte(failuresJSON.String), &failures); err != nil {
			return eris.Wrapf(err, "sqlite: unmarshal failures %s", itemID)
		}
	}
	failures = append(failures, failure)

	updated, err := json.Marshal(failures)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal failures")
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE items SET failures = ?, updated_at = ? WHERE run_id = ? AND id = ?`,
		string(updated), time.Now().UTC(), runID, itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record failure %s", itemID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit record failure")
}

func (s *SQLiteStore) ListTransitions(ctx context.Context, runID string) ([]model.Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, item_id, from_status, to_status, detail, created_at
		 FROM transitions WHERE run_id = ? ORDER BY seq`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list transitions %s", runID)
	}
	defer rows.Close()

	var transitions []model.Transition
	for rows.Next() {
		var t model.Transition
		var itemID, detail sql.NullString
		if err := rows.Scan(&t.RunID, &t.Seq, &itemID, &t.From, &t.To, &detail, &t.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan transition")
		}
		t.ItemID = itemID.String
		t.Detail = detail.String
		transitions = append(transitions, t)
	}
	return transitions, eris.Wrap(rows.Err(), "sqlite: list transitions iterate")
}

// nextSeqTx allocates the run's next transition sequence number inside tx.
func (s *SQLiteStore) nextSeqTx(ctx context.Context, tx *sql.Tx, runID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET last_seq = last_seq + 1 WHERE id = ?`, runID)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: bump seq %s", runID)
	}
	if err := checkRowsAffected(res, runID); err != nil {
		return 0, err
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT last_seq FROM runs WHERE id = ?`, runID).Scan(&seq); err != nil {
		return 0, eris.Wrapf(err, "sqlite: read seq %s", runID)
	}
	return seq, nil
}

func (s *SQLiteStore) runStatusTx(ctx context.Context, tx *sql.Tx, runID string) (model.RunStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, runID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: read run status %s", runID)
	}
	return model.RunStatus(status), nil
}

// helpers

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var optionsJSON string
	var completedAt sql.NullTime

	err := row.Scan(&r.ID, &r.ClientID, &r.ExpenseID, &optionsJSON, &r.Status, &r.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if err := json.Unmarshal([]byte(optionsJSON), &r.Options); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal run options")
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return &r, nil
}

func scanItem(row scannable) (*model.ExpenseItem, error) {
	var item model.ExpenseItem
	var description, failuresJSON sql.NullString

	err := row.Scan(&item.RunID, &item.ID, &item.SourceDocumentRef, &description,
		&item.Status, &item.AttemptCount, &item.LastSeq, &failuresJSON, &item.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "item")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan item")
	}

	item.Description = description.String
	if failuresJSON.Valid && failuresJSON.String != "" {
		if err := json.Unmarshal([]byte(failuresJSON.String), &item.Failures); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal failures")
		}
	}
	return &item, nil
}
