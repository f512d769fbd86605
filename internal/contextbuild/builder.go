// Package contextbuild groups an item's units into extraction contexts
// under a byte budget. Grouping is deterministic: units are taken in unit
// order and packed greedily, so the same unit set always yields the same
// contexts and the same context IDs.
package contextbuild

import (
	"fmt"
	"sort"

	"github.com/sells-group/expense-extractor/internal/config"
	"github.com/sells-group/expense-extractor/internal/model"
)

// Builder packs units into contexts.
type Builder struct {
	maxBytes int
}

// New creates a Builder from config.
func New(cfg config.ContextConfig) *Builder {
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 256 * 1024
	}
	return &Builder{maxBytes: maxBytes}
}

// Build groups units into contexts. A unit is never split: a unit larger
// than the budget gets a context of its own, flagged Oversized, and is
// still handed to backends able to take it.
func (b *Builder) Build(itemID string, units []model.Unit) []model.Context {
	ordered := make([]model.Unit, len(units))
	copy(ordered, units)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	var contexts []model.Context
	var cur *model.Context

	flush := func() {
		if cur != nil && len(cur.UnitIDs) > 0 {
			contexts = append(contexts, *cur)
		}
		cur = nil
	}

	for _, u := range ordered {
		size := u.SizeBytes()

		if size > b.maxBytes {
			flush()
			contexts = append(contexts, model.Context{
				ParentItemID: itemID,
				UnitIDs:      []string{u.ID},
				Units:        []model.Unit{u},
				SizeBytes:    size,
				Oversized:    true,
			})
			continue
		}

		if cur != nil && cur.SizeBytes+size > b.maxBytes {
			flush()
		}
		if cur == nil {
			cur = &model.Context{ParentItemID: itemID}
		}
		cur.UnitIDs = append(cur.UnitIDs, u.ID)
		cur.Units = append(cur.Units, u)
		cur.SizeBytes += size
	}
	flush()

	for i := range contexts {
		contexts[i].ID = fmt.Sprintf("%s-ctx-%03d", itemID, i)
		contexts[i].Order = i
	}
	return contexts
}
