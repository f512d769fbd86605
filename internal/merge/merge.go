// Package merge reconciles field candidates from all backends into one
// normalized record per item. Merge is a pure function of its inputs, so
// re-running it over the same candidate set yields a byte-identical record.
package merge

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/currency"

	"github.com/sells-group/expense-extractor/internal/model"
)

// contradictionThreshold is the confidence both sides of a categorical
// disagreement must reach before the field is escalated instead of
// resolved by ranking.
const contradictionThreshold = 0.5

// Config holds the merge policy knobs.
type Config struct {
	// DivergenceTolerance is the absolute tolerance for currency amounts.
	DivergenceTolerance float64
	// RelativeTolerance applies to plain numeric fields (rates, quantities).
	RelativeTolerance float64
	// Priority ranks backend classes; higher wins. Unlisted classes rank 0.
	Priority map[string]int
}

// Merge resolves every schema field from the candidate set. Fields with no
// candidates come back unresolved rather than absent.
func Merge(itemID string, candidates []model.FieldCandidate, schema *model.Schema, cfg Config) *model.NormalizedRecord {
	byField := make(map[string][]model.FieldCandidate)
	for _, c := range candidates {
		if schema.ByKey(c.Field) == nil {
			continue
		}
		byField[c.Field] = append(byField[c.Field], c)
	}

	rec := &model.NormalizedRecord{
		ItemID: itemID,
		Fields: make(map[string]model.FieldResult, len(schema.Fields())),
	}

	for _, spec := range schema.Fields() {
		rec.Fields[spec.Key] = resolveField(spec, byField[spec.Key], cfg)
	}

	if flag := checkLineMath(rec, schema, cfg); flag != "" {
		rec.Flags = append(rec.Flags, flag)
	}
	sort.Strings(rec.Flags)
	return rec
}

// resolveField ranks a field's candidates and decides whether the winner
// stands or the disagreement escalates.
func resolveField(spec model.FieldSpec, candidates []model.FieldCandidate, cfg Config) model.FieldResult {
	if len(candidates) == 0 {
		return model.FieldResult{Resolution: model.ResolutionUnresolved}
	}

	ranked := rank(candidates, cfg.Priority)
	top := ranked[0]

	result := model.FieldResult{
		Resolution: model.ResolutionChosen,
		Value:      normalizeValue(spec, top.Value),
		Confidence: top.Confidence,
		Backend:    top.Backend,
		ContextID:  top.ContextID,
	}

	for _, other := range ranked[1:] {
		if other.Backend == top.Backend {
			continue
		}
		if div := diverges(spec, top, other, cfg); div != nil {
			result.Resolution = model.ResolutionNeedsReview
			result.Divergence = div
			break
		}
	}
	return result
}

// rank orders candidates by backend class priority, then confidence, then
// context recency. The final tie-breaks make the order total, which keeps
// the merge deterministic across runs.
func rank(candidates []model.FieldCandidate, priority map[string]int) []model.FieldCandidate {
	ranked := make([]model.FieldCandidate, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if pa, pb := priority[string(a.BackendClass)], priority[string(b.BackendClass)]; pa != pb {
			return pa > pb
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.ContextOrder != b.ContextOrder {
			return a.ContextOrder > b.ContextOrder
		}
		if a.Backend != b.Backend {
			return a.Backend < b.Backend
		}
		return fmt.Sprint(a.Value) < fmt.Sprint(b.Value)
	})
	return ranked
}

// diverges reports whether other contradicts top hard enough to escalate.
func diverges(spec model.FieldSpec, top, other model.FieldCandidate, cfg Config) *model.Divergence {
	if spec.Type.Numeric() {
		a, aok := ParseAmount(top.Value)
		b, bok := ParseAmount(other.Value)
		if !aok || !bok {
			// An unparseable amount on either side is itself a disagreement.
			if normalizeString(top.Value) == normalizeString(other.Value) {
				return nil
			}
			return &model.Divergence{OtherBackend: other.Backend, OtherValue: other.Value}
		}
		delta := a - b
		if delta < 0 {
			delta = -delta
		}
		if delta <= numericTolerance(spec, a, cfg) {
			return nil
		}
		return &model.Divergence{OtherBackend: other.Backend, OtherValue: other.Value, Delta: delta}
	}

	if normalizeValue(spec, top.Value) == normalizeValue(spec, other.Value) {
		return nil
	}
	// Low-confidence dissent loses by ranking; confident dissent escalates.
	if top.Confidence >= contradictionThreshold && other.Confidence >= contradictionThreshold {
		return &model.Divergence{OtherBackend: other.Backend, OtherValue: other.Value}
	}
	return nil
}

// numericTolerance picks the tolerance for a numeric comparison: a per-field
// override first, else absolute for currency amounts, else relative.
func numericTolerance(spec model.FieldSpec, reference float64, cfg Config) float64 {
	if spec.Tolerance > 0 {
		return spec.Tolerance
	}
	if spec.Type == model.FieldTypeCurrency {
		return cfg.DivergenceTolerance
	}
	if reference < 0 {
		reference = -reference
	}
	return reference * cfg.RelativeTolerance
}

// normalizeValue canonicalizes a candidate value for comparison and output.
func normalizeValue(spec model.FieldSpec, v any) any {
	s := normalizeString(v)
	if spec.Key == "currency" {
		if unit, err := currency.ParseISO(s); err == nil {
			return unit.String()
		}
		return strings.ToUpper(s)
	}
	if spec.Type.Numeric() {
		if f, ok := ParseAmount(v); ok {
			return f
		}
	}
	return s
}

func normalizeString(v any) string {
	return strings.TrimSpace(fmt.Sprint(v))
}

// checkLineMath verifies net * (1 + tax_rate/100) against total_amount when
// all three resolved. A miss past tolerance flags the record for review.
func checkLineMath(rec *model.NormalizedRecord, schema *model.Schema, cfg Config) string {
	net, ok1 := chosenAmount(rec, "net_amount")
	rate, ok2 := chosenAmount(rec, "tax_rate")
	total, ok3 := chosenAmount(rec, "total_amount")
	if !ok1 || !ok2 || !ok3 {
		return ""
	}

	expected := net * (1 + rate/100)
	delta := expected - total
	if delta < 0 {
		delta = -delta
	}

	tolerance := cfg.DivergenceTolerance
	if spec := schema.ByKey("total_amount"); spec != nil && spec.Tolerance > 0 {
		tolerance = spec.Tolerance
	}
	if delta > tolerance {
		return "line_math_mismatch"
	}
	return ""
}

func chosenAmount(rec *model.NormalizedRecord, key string) (float64, bool) {
	f, ok := rec.Fields[key]
	if !ok || f.Resolution == model.ResolutionUnresolved {
		return 0, false
	}
	return ParseAmount(f.Value)
}
