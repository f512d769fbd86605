package model

// FieldType drives validation, merge divergence checks and comparison policy.
type FieldType string

const (
	FieldTypeCategorical FieldType = "categorical"
	FieldTypeNumeric     FieldType = "numeric"
	FieldTypeCurrency    FieldType = "currency"
	FieldTypeDate        FieldType = "date"
)

// Numeric reports whether values of this type are compared with a tolerance.
func (t FieldType) Numeric() bool {
	return t == FieldTypeNumeric || t == FieldTypeCurrency
}

// FieldSpec describes one field of the expense output schema.
type FieldSpec struct {
	Key      string    `json:"key"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
	// Tolerance overrides the configured divergence tolerance for this
	// field when > 0 (absolute, in the field's unit).
	Tolerance float64 `json:"tolerance,omitempty"`
}

// Schema is the indexed expense output schema. Field order is significant:
// the merge engine emits fields in schema order for byte-stable output.
type Schema struct {
	fields []FieldSpec
	byKey  map[string]*FieldSpec
}

// NewSchema builds an indexed schema from the given specs.
func NewSchema(fields []FieldSpec) *Schema {
	s := &Schema{
		fields: fields,
		byKey:  make(map[string]*FieldSpec, len(fields)),
	}
	for i := range s.fields {
		s.byKey[s.fields[i].Key] = &s.fields[i]
	}
	return s
}

// Fields returns the schema fields in declaration order.
func (s *Schema) Fields() []FieldSpec {
	return s.fields
}

// ByKey returns the spec for key, or nil.
func (s *Schema) ByKey(key string) *FieldSpec {
	return s.byKey[key]
}

// DefaultExpenseSchema is the invoice/receipt field set the pipeline targets.
func DefaultExpenseSchema() *Schema {
	return NewSchema([]FieldSpec{
		{Key: "vendor", Type: FieldTypeCategorical, Required: true},
		{Key: "invoice_no", Type: FieldTypeCategorical},
		{Key: "invoice_date", Type: FieldTypeDate, Required: true},
		{Key: "description", Type: FieldTypeCategorical},
		{Key: "currency", Type: FieldTypeCategorical, Required: true},
		{Key: "net_amount", Type: FieldTypeCurrency},
		{Key: "tax_rate", Type: FieldTypeNumeric},
		{Key: "total_amount", Type: FieldTypeCurrency, Required: true},
	})
}
