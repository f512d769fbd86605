package model

// UnitKind classifies one decomposed piece of a source document.
type UnitKind string

const (
	UnitKindTextPage      UnitKind = "text-page"
	UnitKindImagePage     UnitKind = "image-page"
	UnitKindOCRText       UnitKind = "ocr-text"
	UnitKindMsgBody       UnitKind = "msg-body"
	UnitKindMsgAttachment UnitKind = "msg-attachment"
)

// Unit is one decomposed piece of a document: a page, an attachment, a mail
// body. Units are transient; raw content is archived to the artifact store
// under ContentRef and carried in-memory for the duration of the item.
type Unit struct {
	ID           string   `json:"id"`
	ParentItemID string   `json:"parent_item_id"`
	Kind         UnitKind `json:"kind"`
	// Order is the document-order index of the unit within its item,
	// assigned by the decomposer. Context grouping preserves it.
	Order int `json:"order"`
	// Page is the 1-based source page for page-derived units, 0 otherwise.
	Page int `json:"page,omitempty"`
	// Depth is the container recursion depth (0 for the root document).
	Depth int `json:"depth"`
	// ContentRef points at the archived raw content in the artifact store.
	ContentRef string `json:"content_ref,omitempty"`
	// Text holds textual content for text-page/ocr-text/msg-body units.
	Text string `json:"text,omitempty"`
	// Image holds rendered PNG bytes for image-page units.
	Image []byte `json:"-"`
}

// SizeBytes estimates the unit's contribution to a context budget.
func (u Unit) SizeBytes() int {
	if len(u.Image) > 0 {
		return len(u.Image)
	}
	return len(u.Text)
}

// Context is a semantic chunk of one item's units, sized for backend
// consumption. Grouping is deterministic: identical unit sets always yield
// identical contexts.
type Context struct {
	ID           string `json:"id"`
	ParentItemID string `json:"parent_item_id"`
	// Order is the position of the context within the item's context list;
	// the merge engine uses it as the final tie-break.
	Order int `json:"order"`
	// UnitIDs lists constituent units in document order.
	UnitIDs []string `json:"unit_ids"`
	Units   []Unit   `json:"-"`
	// SizeBytes is the summed size estimate of the constituent units.
	SizeBytes int `json:"size_bytes"`
	// Oversized marks a single unit that exceeded the budget on its own;
	// backends may apply their truncation policy.
	Oversized bool `json:"oversized,omitempty"`
}
