package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/expense-extractor/internal/db"
	"github.com/sells-group/expense-extractor/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"get_run":          `SELECT id, client_id, expense_id, options, status, created_at, completed_at FROM runs WHERE id = $1`,
	"get_item":         `SELECT run_id, id, source_ref, description, status, attempt_count, last_seq, failures, updated_at FROM items WHERE run_id = $1 AND id = $2`,
	"list_items":       `SELECT run_id, id, source_ref, description, status, attempt_count, last_seq, failures, updated_at FROM items WHERE run_id = $1 ORDER BY id`,
	"list_transitions": `SELECT run_id, seq, item_id, from_status, to_status, detail, created_at FROM transitions WHERE run_id = $1 ORDER BY seq`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool; used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: func() {}}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	client_id    TEXT NOT NULL,
	expense_id   TEXT NOT NULL,
	options      JSONB NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	last_seq     BIGINT NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS items (
	run_id        TEXT NOT NULL REFERENCES runs(id),
	id            TEXT NOT NULL,
	source_ref    TEXT NOT NULL,
	description   TEXT,
	status        TEXT NOT NULL DEFAULT 'pending',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_seq      BIGINT NOT NULL DEFAULT 0,
	failures      JSONB,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, id)
);

CREATE TABLE IF NOT EXISTS transitions (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	seq         BIGINT NOT NULL,
	item_id     TEXT,
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	detail      TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_client_expense ON runs(client_id, expense_id);
CREATE INDEX IF NOT EXISTS idx_items_status ON items(run_id, status);
CREATE INDEX IF NOT EXISTS idx_transitions_item ON transitions(run_id, item_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.closeFn()
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run, items []model.ExpenseItem) error {
	optionsJSON, err := json.Marshal(run.Options)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run options")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create run")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO runs (id, client_id, expense_id, options, status, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.ClientID, run.ExpenseID, optionsJSON, string(run.Status), run.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert run %s", run.ID)
	}

	rows := make([][]any, len(items))
	for i, item := range items {
		rows[i] = []any{run.ID, item.ID, item.SourceDocumentRef, item.Description, string(item.Status), item.UpdatedAt}
	}
	_, err = db.CopyFrom(ctx, tx, "items",
		[]string{"run_id", "id", "source_ref", "description", "status", "updated_at"}, rows)
	if err != nil {
		return eris.Wrapf(err, "postgres: copy items %s", run.ID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit create run")
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, client_id, expense_id, options, status, created_at, completed_at FROM runs WHERE id = $1`,
		runID,
	)
	return scanPgRun(row)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, client_id, expense_id, options, status, created_at, completed_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	if filter.ClientID != "" {
		args = append(args, filter.ClientID)
		query += ` AND client_id = $` + strconv.Itoa(len(args))
	}
	if filter.ExpenseID != "" {
		args = append(args, filter.ExpenseID)
		query += ` AND expense_id = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin run status")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var prev string
	err = tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, runID).Scan(&prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: read run status %s", runID)
	}

	var seq int64
	err = tx.QueryRow(ctx,
		`UPDATE runs SET last_seq = last_seq + 1 WHERE id = $1 RETURNING last_seq`,
		runID,
	).Scan(&seq)
	if err != nil {
		return eris.Wrapf(err, "postgres: bump seq %s", runID)
	}

	now := time.Now().UTC()
	var completedAt any
	if status.Terminal() {
		completedAt = now
	}
	_, err = tx.Exec(ctx,
		`UPDATE runs SET status = $1, completed_at = $2 WHERE id = $3`,
		string(status), completedAt, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO transitions (run_id, seq, item_id, from_status, to_status, created_at) VALUES ($1, $2, NULL, $3, $4, $5)`,
		runID, seq, prev, string(status), now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert run transition %s", runID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit run status")
}

func (s *PostgresStore) GetItem(ctx context.Context, runID, itemID string) (*model.ExpenseItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT run_id, id, source_ref, description, status, attempt_count, last_seq, failures, updated_at
		 FROM items WHERE run_id = $1 AND id = $2`,
		runID, itemID,
	)
	return scanPgItem(row)
}

func (s *PostgresStore) ListItems(ctx context.Context, runID string) ([]model.ExpenseItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, id, source_ref, description, status, attempt_count, last_seq, failures, updated_at
		 FROM items WHERE run_id = $1 ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list items %s", runID)
	}
	defer rows.Close()

	var items []model.ExpenseItem
	for rows.Next() {
		item, err := scanPgItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list items iterate")
}

func (s *PostgresStore) TransitionItem(ctx context.Context, runID, itemID string, from, to model.ItemStatus, lastSeq int64, detail string) (*model.Transition, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin transition")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var seq int64
	err = tx.QueryRow(ctx,
		`UPDATE runs SET last_seq = last_seq + 1 WHERE id = $1 RETURNING last_seq`,
		runID,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: bump seq %s", runID)
	}

	now := time.Now().UTC()
	attemptInc := 0
	if to == model.ItemStatusDecomposing {
		attemptInc = 1
	}

	tag, err := tx.Exec(ctx,
		`UPDATE items SET status = $1, last_seq = $2, attempt_count = attempt_count + $3, updated_at = $4
		 WHERE run_id = $5 AND id = $6 AND status = $7 AND last_seq = $8`,
		string(to), seq, attemptInc, now, runID, itemID, string(from), lastSeq,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: transition item %s", itemID)
	}
	if tag.RowsAffected() == 0 {
		return nil, eris.Wrapf(ErrStaleTransition, "item %s %s->%s at seq %d", itemID, from, to, lastSeq)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO transitions (run_id, seq, item_id, from_status, to_status, detail, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		runID, seq, itemID, string(from), string(to), detail, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert transition %s", itemID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit transition")
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

func (s *PostgresStore) RecordFailure(ctx context.Context, runID, itemID string, failure model.FailureDetail) error {
	failureJSON, err := json.Marshal(failure)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal failure")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE items SET failures = COALESCE(failures, '[]'::jsonb) || $1::jsonb, updated_at = $2
		 WHERE run_id = $3 AND id = $4`,
		failureJSON, time.Now().UTC(), runID, itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: record failure %s", itemID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "item %s", itemID)
	}
	return nil
}

func (s *PostgresStore) ListTransitions(ctx context.Context, runID string) ([]model.Transition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, seq, item_id, from_status, to_status, detail, created_at
		 FROM transitions WHERE run_id = $1 ORDER BY seq`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list transitions %s", runID)
	}
	defer rows.Close()

	var transitions []model.Transition
	for rows.Next() {
		var t model.Transition
		var itemID, detail *string
		if err := rows.Scan(&t.RunID, &t.Seq, &itemID, &t.From, &t.To, &detail, &t.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan transition")
		}
		if itemID != nil {
			t.ItemID = *itemID
		}
		if detail != nil {
			t.Detail = *detail
		}
		transitions = append(transitions, t)
	}
	return transitions, eris.Wrap(rows.Err(), "postgres: list transitions iterate")
}

// helpers

type pgScannable interface {
	Scan(dest ...any) error
}

func scanPgRun(row pgScannable) (*model.Run, error) {
	var r model.Run
	var optionsJSON []byte
	var completedAt *time.Time

	err := row.Scan(&r.ID, &r.ClientID, &r.ExpenseID, &optionsJSON, &r.Status, &r.CreatedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}

	if err := json.Unmarshal(optionsJSON, &r.Options); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal run options")
	}
	r.CompletedAt = completedAt
	return &r, nil
}

func scanPgItem(row pgScannable) (*model.ExpenseItem, error) {
	var item model.ExpenseItem
	var description *string
	var failuresJSON []byte

	err := row.Scan(&item.RunID, &item.ID, &item.SourceDocumentRef, &description,
		&item.Status, &item.AttemptCount, &item.LastSeq, &failuresJSON, &item.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "item")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan item")
	}

	if description != nil {
		item.Description = *description
	}
	if len(failuresJSON) > 0 {
		if err := json.Unmarshal(failuresJSON, &item.Failures); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal failures")
		}
	}
	return &item, nil
}
