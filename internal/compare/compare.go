// Package compare diffs a normalized record against a baseline value set,
// either ERP-entered values or a prior run's record.
package compare

import (
	"fmt"
	"strings"

	"github.com/sells-group/expense-extractor/internal/merge"
	"github.com/sells-group/expense-extractor/internal/model"
)

// Config holds the comparison tolerances. They default to the merge
// tolerances so a value the merge would accept also counts as a match.
type Config struct {
	AbsoluteTolerance float64
	RelativeTolerance float64
}

// Baseline maps field keys to their expected values.
type Baseline map[string]any

// Compare produces the per-field diff for one item. A field the record
// could not resolve is missing_extracted; a field under review never
// matches, whatever its value, because the value is not trusted yet.
func Compare(runID, itemID string, rec *model.NormalizedRecord, baseline Baseline, schema *model.Schema, cfg Config) *model.ComparisonResult {
	result := &model.ComparisonResult{
		RunID:  runID,
		ItemID: itemID,
		Fields: make(map[string]model.FieldComparison, len(schema.Fields())),
	}

	for _, spec := range schema.Fields() {
		expected, hasBaseline := baseline[spec.Key]
		fr := rec.Fields[spec.Key]

		fc := model.FieldComparison{Expected: expected, Actual: fr.Value}
		switch {
		case !hasBaseline:
			fc.State = model.MatchStateMissingBaseline
		case fr.Resolution == model.ResolutionUnresolved:
			fc.State = model.MatchStateMissingExtracted
			result.Mismatches++
		case fr.Resolution == model.ResolutionNeedsReview:
			fc.State = model.MatchStateMismatch
			result.Mismatches++
		case fieldsEqual(spec, expected, fr.Value, cfg):
			fc.State = model.MatchStateMatch
			result.Matches++
		default:
			fc.State = model.MatchStateMismatch
			result.Mismatches++
		}
		result.Fields[spec.Key] = fc
	}

	return result
}

func fieldsEqual(spec model.FieldSpec, expected, actual any, cfg Config) bool {
	if spec.Type.Numeric() {
		a, aok := merge.ParseAmount(expected)
		b, bok := merge.ParseAmount(actual)
		if aok && bok {
			delta := a - b
			if delta < 0 {
				delta = -delta
			}
			return delta <= tolerance(spec, a, cfg)
		}
	}
	return canonical(expected) == canonical(actual)
}

func tolerance(spec model.FieldSpec, reference float64, cfg Config) float64 {
	if spec.Tolerance > 0 {
		return spec.Tolerance
	}
	if spec.Type == model.FieldTypeCurrency {
		return cfg.AbsoluteTolerance
	}
	if reference < 0 {
		reference = -reference
	}
	return reference * cfg.RelativeTolerance
}

func canonical(v any) string {
	return strings.ToLower(strings.TrimSpace(fmt.Sprint(v)))
}
