package decompose

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"go.uber.org/zap"

	"github.com/sells-group/expense-extractor/internal/model"
)

// decomposePDF emits per-page units: a text-page unit when the page carries
// a native text layer, an image-page render always, and an ocr-text unit
// for pages with no usable native text. Page failures are isolated.
func (d *Decomposer) decomposePDF(ctx context.Context, itemID string, entry workEntry, order *int, res *Result) {
	log := zap.L().With(zap.String("item_id", itemID), zap.String("ref", entry.name))

	doc, err := fitz.NewFromMemory(entry.data)
	if err != nil {
		res.Failures = append(res.Failures, UnitFailure{Ref: entry.name, Kind: "pdf", Err: err})
		log.Warn("decompose: pdf open failed", zap.Error(err))
		return
	}
	defer doc.Close() //nolint:errcheck

	for page := 0; page < doc.NumPage(); page++ {
		if ctx.Err() != nil {
			return
		}

		nativeText := ""
		if text, err := doc.Text(page); err != nil {
			res.Failures = append(res.Failures, UnitFailure{Ref: pageRef(entry.name, page), Kind: "pdf-text", Err: err})
			log.Warn("decompose: page text failed", zap.Int("page", page), zap.Error(err))
		} else {
			nativeText = strings.TrimSpace(text)
		}
		if nativeText != "" {
			res.Units = append(res.Units, model.Unit{
				ID:           unitID(itemID, *order),
				ParentItemID: itemID,
				Kind:         model.UnitKindTextPage,
				Order:        *order,
				Page:         page,
				Depth:        entry.depth,
				Text:         nativeText,
			})
			*order++
		}

		img, err := doc.ImageDPI(page, float64(d.cfg.DPI))
		if err != nil {
			res.Failures = append(res.Failures, UnitFailure{Ref: pageRef(entry.name, page), Kind: "pdf-render", Err: err})
			log.Warn("decompose: page render failed", zap.Int("page", page), zap.Error(err))
			continue
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			res.Failures = append(res.Failures, UnitFailure{Ref: pageRef(entry.name, page), Kind: "pdf-encode", Err: err})
			continue
		}
		rendered := buf.Bytes()
		res.Units = append(res.Units, model.Unit{
			ID:           unitID(itemID, *order),
			ParentItemID: itemID,
			Kind:         model.UnitKindImagePage,
			Order:        *order,
			Page:         page,
			Depth:        entry.depth,
			Image:        rendered,
		})
		*order++

		// Scanned pages have no text layer; fall back to OCR on the render.
		if nativeText == "" {
			text, err := d.ocr.Text(ctx, rendered)
			if err != nil {
				res.Failures = append(res.Failures, UnitFailure{Ref: pageRef(entry.name, page), Kind: "ocr", Err: err})
				log.Warn("decompose: page OCR failed", zap.Int("page", page), zap.Error(err))
				continue
			}
			if text != "" {
				res.Units = append(res.Units, model.Unit{
					ID:           unitID(itemID, *order),
					ParentItemID: itemID,
					Kind:         model.UnitKindOCRText,
					Order:        *order,
					Page:         page,
					Depth:        entry.depth,
					Text:         text,
				})
				*order++
			}
		}
	}
}

// pageRef names a page in failure records, 1-based for operators.
func pageRef(name string, page int) string {
	return fmt.Sprintf("%s#page=%d", name, page+1)
}
