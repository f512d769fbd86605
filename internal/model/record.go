package model

// Resolution is the per-field outcome of the merge engine. Every schema
// field resolves to exactly one of these; a field is never silently absent.
type Resolution string

const (
	ResolutionChosen      Resolution = "chosen"
	ResolutionNeedsReview Resolution = "needs_review"
	ResolutionUnresolved  Resolution = "unresolved"
)

// Divergence records the disagreement that flagged a field needs_review.
type Divergence struct {
	OtherBackend string  `json:"other_backend"`
	OtherValue   any     `json:"other_value"`
	Delta        float64 `json:"delta,omitempty"`
}

// FieldResult is the reconciled value (or explicit non-value) for one field,
// with provenance for auditability.
type FieldResult struct {
	Resolution Resolution  `json:"resolution"`
	Value      any         `json:"value,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
	Backend    string      `json:"backend,omitempty"`
	ContextID  string      `json:"context_id,omitempty"`
	Divergence *Divergence `json:"divergence,omitempty"`
}

// NormalizedRecord is the merge engine's output for one expense item. It is
// a pure function of the candidate set, the schema and the merge config, so
// it carries no timestamps or run-scoped identifiers beyond the item.
type NormalizedRecord struct {
	ItemID string `json:"item_id"`
	// Fields maps every schema field key to its resolution.
	Fields map[string]FieldResult `json:"fields"`
	// Flags carries cross-field consistency findings (e.g. the line math
	// check) that feed the needs-review decision.
	Flags []string `json:"flags,omitempty"`
}

// NeedsReview reports whether any field or flag requires human adjudication.
func (r *NormalizedRecord) NeedsReview() bool {
	if len(r.Flags) > 0 {
		return true
	}
	for _, f := range r.Fields {
		if f.Resolution == ResolutionNeedsReview {
			return true
		}
	}
	return false
}

// MatchState is the per-field outcome of comparing a normalized record
// against a baseline value set.
type MatchState string

const (
	MatchStateMatch            MatchState = "match"
	MatchStateMismatch         MatchState = "mismatch"
	MatchStateMissingBaseline  MatchState = "missing_baseline"
	MatchStateMissingExtracted MatchState = "missing_extracted"
)

// FieldComparison is the diff for one field.
type FieldComparison struct {
	State    MatchState `json:"state"`
	Expected any        `json:"expected,omitempty"`
	Actual   any        `json:"actual,omitempty"`
}

// ComparisonResult is the structured diff between a NormalizedRecord and a
// baseline (ERP values or a prior run's record).
type ComparisonResult struct {
	RunID      string                     `json:"run_id"`
	ItemID     string                     `json:"item_id"`
	Fields     map[string]FieldComparison `json:"fields"`
	Matches    int                        `json:"matches"`
	Mismatches int                        `json:"mismatches"`
}
