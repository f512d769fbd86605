package model

import "time"

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusPending         RunStatus = "pending"
	RunStatusRunning         RunStatus = "running"
	RunStatusPartiallyFailed RunStatus = "partially_failed"
	RunStatusCompleted       RunStatus = "completed"
	RunStatusFailed          RunStatus = "failed"
	RunStatusCancelled       RunStatus = "cancelled"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusPartiallyFailed, RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// RunOptions are the per-run knobs supplied at start_run time.
type RunOptions struct {
	// Rebuild discards prior units, contexts and candidates for failed items
	// and restarts them from decomposition.
	Rebuild bool `json:"rebuild"`
	// Concurrency caps total in-flight backend calls across the whole run.
	// Zero means the configured default.
	Concurrency int `json:"concurrency"`
	// BackendPreset names a backend set + priority override from the preset file.
	BackendPreset string `json:"backend_preset,omitempty"`
}

// Run is one pipeline invocation for a (client, expense) pair.
type Run struct {
	ID          string     `json:"id"`
	ClientID    string     `json:"client_id"`
	ExpenseID   string     `json:"expense_id"`
	Options     RunOptions `json:"options"`
	Status      RunStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
