// Package store persists runs, expense items and their transition log.
// Both drivers expose the same compare-and-set transition primitive: a
// transition carries the item's last seen sequence number and is dropped
// with ErrStaleTransition when another writer got there first.
package store

import (
	"context"
	"errors"

	"github.com/sells-group/expense-extractor/internal/model"
)

var (
	// ErrNotFound marks a missing run or item.
	ErrNotFound = errors.New("store: not found")
	// ErrStaleTransition marks a compare-and-set transition that lost the
	// race against a concurrent writer.
	ErrStaleTransition = errors.New("store: stale transition")
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status    model.RunStatus `json:"status,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
	ExpenseID string          `json:"expense_id,omitempty"`
	Limit     int             `json:"limit,omitempty"`
	Offset    int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the extraction pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.Run, items []model.ExpenseItem) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	// UpdateRunStatus moves the run and appends a run-level transition.
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error

	// Items
	GetItem(ctx context.Context, runID, itemID string) (*model.ExpenseItem, error)
	ListItems(ctx context.Context, runID string) ([]model.ExpenseItem, error)
	// TransitionItem applies from → to against the item's lastSeq. It
	// allocates the run's next sequence number, moves the item and appends
	// the transition in one atomic step. ErrStaleTransition means the
	// caller's view of the item is outdated.
	TransitionItem(ctx context.Context, runID, itemID string, from, to model.ItemStatus, lastSeq int64, detail string) (*model.Transition, error)
	// RecordFailure appends a failure detail to the item without moving it.
	RecordFailure(ctx context.Context, runID, itemID string, failure model.FailureDetail) error

	// Transitions
	ListTransitions(ctx context.Context, runID string) ([]model.Transition, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
