package merge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/expense-extractor/internal/model"
)

func testConfig() Config {
	return Config{
		DivergenceTolerance: 0.01,
		RelativeTolerance:   0.005,
		Priority:            map[string]int{"llm": 2, "docai": 1},
	}
}

func cand(field string, value any, conf float64, backend string, class model.BackendClass) model.FieldCandidate {
	return model.FieldCandidate{
		Field:        field,
		Value:        value,
		Confidence:   conf,
		Backend:      backend,
		BackendClass: class,
		ContextID:    "item-ctx-000",
	}
}

func TestMerge_EveryFieldResolved(t *testing.T) {
	schema := model.DefaultExpenseSchema()
	rec := Merge("item-1", nil, schema, testConfig())

	require.Len(t, rec.Fields, len(schema.Fields()))
	for _, spec := range schema.Fields() {
		assert.Equal(t, model.ResolutionUnresolved, rec.Fields[spec.Key].Resolution, spec.Key)
	}
	assert.Empty(t, rec.Flags)
}

func TestMerge_UnknownFieldDropped(t *testing.T) {
	schema := model.DefaultExpenseSchema()
	rec := Merge("item-1", []model.FieldCandidate{
		cand("no_such_field", "x", 0.9, "haiku", model.BackendClassLLM),
	}, schema, testConfig())

	_, ok := rec.Fields["no_such_field"]
	assert.False(t, ok)
}

func TestMerge_PriorityBeatsConfidence(t *testing.T) {
	schema := model.DefaultExpenseSchema()
	rec := Merge("item-1", []model.FieldCandidate{
		cand("vendor", "Acme GmbH", 0.6, "haiku", model.BackendClassLLM),
		cand("vendor", "ACME", 0.99, "layout", model.BackendClassDocAI),
	}, schema, testConfig())

	f := rec.Fields["vendor"]
	assert.Equal(t, "haiku", f.Backend)
	assert.Equal(t, "Acme GmbH", f.Value)
}

func TestMerge_ConfidenceBreaksTieWithinClass(t *testing.T) {
	schema := model.DefaultExpenseSchema()
	rec := Merge("item-1", []model.FieldCandidate{
		cand("invoice_no", "INV-1", 0.7, "haiku", model.BackendClassLLM),
		cand("invoice_no", "INV-2", 0.9, "sonnet", model.BackendClassLLM),
	}, schema, testConfig())

	f := rec.Fields["invoice_no"]
	assert.Equal(t, "sonnet", f.Backend)
	// Confident dissent from another backend escalates.
	assert.Equal(t, model.ResolutionNeedsReview, f.Resolution)
	require.NotNil(t, f.Divergence)
	assert.Equal(t, "haiku", f.Divergence.OtherBackend)
}

func TestMerge_CurrencyWithinToleranceAgrees(t *testing.T) {
	schema := model.DefaultExpenseSchema()
	rec := Merge("item-1", []model.FieldCandidate{
		cand("total_amount", "119.00", 0.9, "haiku", model.BackendClassLLM),
		cand("total_amount", "119.005", 0.8, "layout", model.BackendClassDocAI),
	}, schema, testConfig())

	f := rec.Fields["total_amount"]
	assert.Equal(t, model.ResolutionChosen, f.Resolution)
	assert.Nil(t, f.Divergence)
}

func TestMerge_CurrencyDivergenceEscalates(t *testing.T) {
	schema := model.DefaultExpenseSchema()
	rec := Merge("item-1", []model.FieldCandidate{
		cand("total_amount", "119.00", 0.9, "haiku", model.BackendClassLLM),
		cand("total_amount", "191.00", 0.8, "layout", model.BackendClassDocAI),
	}, schema, testConfig())

	f := rec.Fields["total_amount"]
	assert.Equal(t, model.ResolutionNeedsReview, f.Resolution)
	require.NotNil(t, f.Divergence)
	assert.Equal(t, "layout", f.Divergence.OtherBackend)
	assert.InDelta(t, 72.0, f.Divergence.Delta, 1e-9)
}

func TestMerge_LowConfidenceDissentLosesQuietly(t *testing.T) {
	schema := model.DefaultExpenseSchema()
	rec := Merge("item-1", []model.FieldCandidate{
		cand("vendor", "Acme GmbH", 0.95, "haiku", model.BackendClassLLM),
		cand("vendor", "Acne GmbH", 0.3, "layout", model.BackendClassDocAI),
	}, schema, testConfig())

	f := rec.Fields["vendor"]
	assert.Equal(t, model.ResolutionChosen, f.Resolution)
	assert.Equal(t, "Acme GmbH", f.Value)
}

func TestMerge_CurrencyCodeNormalized(t *testing.T) {
	schema := model.DefaultExpenseSchema()
	rec := Merge("item-1", []model.FieldCandidate{
		cand("currency", "eur", 0.9, "haiku", model.BackendClassLLM),
		cand("currency", "EUR", 0.8, "layout", model.BackendClassDocAI),
	}, schema, testConfig())

	f := rec.Fields["currency"]
	assert.Equal(t, model.ResolutionChosen, f.Resolution)
	assert.Equal(t, "EUR", f.Value)
}

func TestMerge_LineMathMismatchFlagged(t *testing.T) {
	schema := model.DefaultExpenseSchema()
	rec := Merge("item-1", []model.FieldCandidate{
		cand("net_amount", "100.00", 0.9, "haiku", model.BackendClassLLM),
		cand("tax_rate", "19", 0.9, "haiku", model.BackendClassLLM),
		cand("total_amount", "130.00", 0.9, "haiku", model.BackendClassLLM),
	}, schema, testConfig())

	assert.Contains(t, rec.Flags, "line_math_mismatch")
	assert.True(t, rec.NeedsReview())
}

func TestMerge_LineMathConsistentNotFlagged(t *testing.T) {
	schema := model.DefaultExpenseSchema()
	rec := Merge("item-1", []model.FieldCandidate{
		cand("net_amount", "100.00", 0.9, "haiku", model.BackendClassLLM),
		cand("tax_rate", "19", 0.9, "haiku", model.BackendClassLLM),
		cand("total_amount", "119.00", 0.9, "haiku", model.BackendClassLLM),
	}, schema, testConfig())

	assert.Empty(t, rec.Flags)
}

func TestMerge_Deterministic(t *testing.T) {
	schema := model.DefaultExpenseSchema()
	candidates := []model.FieldCandidate{
		cand("vendor", "Acme GmbH", 0.9, "haiku", model.BackendClassLLM),
		cand("total_amount", "119.00", 0.85, "haiku", model.BackendClassLLM),
		cand("total_amount", "119.00", 0.7, "layout", model.BackendClassDocAI),
		cand("currency", "EUR", 0.9, "haiku", model.BackendClassLLM),
	}
	reversed := make([]model.FieldCandidate, len(candidates))
	for i, c := range candidates {
		reversed[len(candidates)-1-i] = c
	}

	a, err := json.Marshal(Merge("item-1", candidates, schema, testConfig()))
	require.NoError(t, err)
	b, err := json.Marshal(Merge("item-1", reversed, schema, testConfig()))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRank_TotalOrder(t *testing.T) {
	candidates := []model.FieldCandidate{
		{Field: "vendor", Value: "b", Confidence: 0.5, Backend: "beta", BackendClass: model.BackendClassLLM},
		{Field: "vendor", Value: "a", Confidence: 0.5, Backend: "alpha", BackendClass: model.BackendClassLLM},
	}
	ranked := rank(candidates, map[string]int{"llm": 2})
	assert.Equal(t, "alpha", ranked[0].Backend)

	// Higher context order wins over an equal-confidence sibling.
	candidates[0].ContextOrder = 1
	ranked = rank(candidates, map[string]int{"llm": 2})
	assert.Equal(t, "beta", ranked[0].Backend)
}
