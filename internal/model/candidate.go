package model

// BackendClass is the priority class of an extraction backend. The merge
// engine ranks llm chat output above raw document-AI detections by default;
// the ordering is configurable.
type BackendClass string

const (
	BackendClassLLM   BackendClass = "llm"
	BackendClassDocAI BackendClass = "docai"
)

// Region is the geometric location of a document-AI detection, in page
// fractions.
type Region struct {
	Page int     `json:"page"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	W    float64 `json:"w"`
	H    float64 `json:"h"`
}

// FieldCandidate is one backend's proposed value for one field. Candidates
// are never deduplicated before merge; the merge engine consumes all of them.
type FieldCandidate struct {
	Field        string       `json:"field"`
	Value        any          `json:"value"`
	Confidence   float64      `json:"confidence"`
	Backend      string       `json:"backend"`
	BackendClass BackendClass `json:"backend_class"`
	ContextID    string       `json:"context_id"`
	// ContextOrder mirrors Context.Order for tie-breaking without a lookup.
	ContextOrder int     `json:"context_order"`
	Region       *Region `json:"region,omitempty"`
}
