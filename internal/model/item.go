package model

import "time"

// ItemStatus is the sub-state machine of one expense item within a run.
type ItemStatus string

const (
	ItemStatusPending     ItemStatus = "pending"
	ItemStatusDecomposing ItemStatus = "decomposing"
	ItemStatusExtracting  ItemStatus = "extracting"
	ItemStatusMerging     ItemStatus = "merging"
	ItemStatusCompleted   ItemStatus = "completed"
	ItemStatusNeedsReview ItemStatus = "needs_review"
	ItemStatusFailed      ItemStatus = "failed"
	ItemStatusCancelled   ItemStatus = "cancelled"
)

// Terminal reports whether the item status is final. NeedsReview is terminal
// but actionable; Failed and Cancelled items may be retried with rebuild.
func (s ItemStatus) Terminal() bool {
	switch s {
	case ItemStatusCompleted, ItemStatusNeedsReview, ItemStatusFailed, ItemStatusCancelled:
		return true
	}
	return false
}

// validItemTransitions encodes Pending → Decomposing → Extracting → Merging →
// {Completed | NeedsReview | Failed}. Cancellation is reachable from every
// non-terminal state; rebuild re-enters Decomposing from Failed or Cancelled.
var validItemTransitions = map[ItemStatus][]ItemStatus{
	ItemStatusPending:     {ItemStatusDecomposing, ItemStatusFailed, ItemStatusCancelled},
	ItemStatusDecomposing: {ItemStatusExtracting, ItemStatusFailed, ItemStatusCancelled},
	ItemStatusExtracting:  {ItemStatusMerging, ItemStatusFailed, ItemStatusCancelled},
	ItemStatusMerging:     {ItemStatusCompleted, ItemStatusNeedsReview, ItemStatusFailed, ItemStatusCancelled},
	ItemStatusFailed:      {ItemStatusDecomposing},
	ItemStatusCancelled:   {ItemStatusDecomposing},
}

// CanTransitionItem reports whether from → to is a legal item transition.
func CanTransitionItem(from, to ItemStatus) bool {
	for _, next := range validItemTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FailureScope identifies what a FailureDetail refers to.
type FailureScope string

const (
	FailureScopeUnit    FailureScope = "unit"
	FailureScopeBackend FailureScope = "backend"
	FailureScopeItem    FailureScope = "item"
)

// FailureDetail carries enough structure for a UI to render what failed and
// why without re-deriving it.
type FailureDetail struct {
	Scope   FailureScope `json:"scope"`
	Ref     string       `json:"ref"` // unit ID, backend name, or item ID
	Kind    string       `json:"kind"`
	Message string       `json:"message"`
}

// ExpenseItem is one line item / attachment group within an expense.
type ExpenseItem struct {
	ID                string     `json:"id"`
	RunID             string     `json:"run_id"`
	SourceDocumentRef string     `json:"source_document_ref"`
	Description       string     `json:"description,omitempty"`
	Status            ItemStatus `json:"status"`
	AttemptCount      int        `json:"attempt_count"`
	// LastSeq is the sequence number of the item's latest persisted
	// transition; transitions are applied compare-and-set against it.
	LastSeq   int64           `json:"last_seq"`
	Failures  []FailureDetail `json:"failures,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Transition is one persisted state change, ordered per run by Seq.
type Transition struct {
	RunID     string    `json:"run_id"`
	ItemID    string    `json:"item_id,omitempty"` // empty for run-level transitions
	Seq       int64     `json:"seq"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
