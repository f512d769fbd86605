// Package decompose splits client documents (PDF, image, mail container)
// into extractable units. Container recursion is driven by an explicit
// worklist with a depth counter, so the depth bound and per-unit failure
// isolation are inspectable: one corrupt page or attachment never aborts
// its siblings.
package decompose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/expense-extractor/internal/config"
	"github.com/sells-group/expense-extractor/internal/model"
	"github.com/sells-group/expense-extractor/internal/ocr"
)

// ErrDepthExceeded marks an attachment branch past the recursion bound.
var ErrDepthExceeded = errors.New("decompose: container depth exceeded")

// Kind is the sniffed document kind of one input payload.
type Kind string

const (
	KindPDF     Kind = "pdf"
	KindImage   Kind = "image"
	KindEmail   Kind = "email"
	KindUnknown Kind = "unknown"
)

// UnitFailure records one isolated decomposition failure.
type UnitFailure struct {
	Ref  string `json:"ref"` // page or attachment name
	Kind string `json:"kind"`
	Err  error  `json:"-"`
}

// Message returns the failure description for status detail.
func (f UnitFailure) Message() string {
	if f.Err == nil {
		return ""
	}
	return f.Err.Error()
}

// Result is the outcome of decomposing one item's source document.
type Result struct {
	Units    []model.Unit
	Failures []UnitFailure
}

// Decomposer turns raw documents into units.
type Decomposer struct {
	cfg config.DecomposeConfig
	ocr ocr.Engine
}

// New creates a Decomposer using the given OCR engine for image inputs.
func New(cfg config.DecomposeConfig, engine ocr.Engine) *Decomposer {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 200
	}
	return &Decomposer{cfg: cfg, ocr: engine}
}

// workEntry is one pending payload on the decomposition worklist.
type workEntry struct {
	name  string
	data  []byte
	depth int
}

// Decompose produces the unit set for one item's document. Individual unit
// failures are recorded on the result and do not fail the call; the only
// error returns are context cancellation and an unreadable root document.
func (d *Decomposer) Decompose(ctx context.Context, itemID, filename string, data []byte) (*Result, error) {
	log := zap.L().With(zap.String("item_id", itemID))
	res := &Result{}
	order := 0

	work := []workEntry{{name: filename, data: data, depth: 0}}
	for len(work) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry := work[0]
		work = work[1:]

		kind := SniffKind(entry.name, entry.data)
		switch kind {
		case KindPDF:
			d.decomposePDF(ctx, itemID, entry, &order, res)

		case KindImage:
			text, err := d.ocr.Text(ctx, entry.data)
			if err != nil {
				res.Failures = append(res.Failures, UnitFailure{Ref: entry.name, Kind: "ocr", Err: err})
				log.Warn("decompose: image OCR failed", zap.String("ref", entry.name), zap.Error(err))
				continue
			}
			res.Units = append(res.Units, model.Unit{
				ID:           unitID(itemID, order),
				ParentItemID: itemID,
				Kind:         model.UnitKindOCRText,
				Order:        order,
				Depth:        entry.depth,
				Text:         text,
			})
			order++

		case KindEmail:
			body, attachments, err := parseEmail(entry.data)
			if err != nil {
				res.Failures = append(res.Failures, UnitFailure{Ref: entry.name, Kind: "email", Err: err})
				log.Warn("decompose: mail parse failed", zap.String("ref", entry.name), zap.Error(err))
				continue
			}
			if body != "" {
				res.Units = append(res.Units, model.Unit{
					ID:           unitID(itemID, order),
					ParentItemID: itemID,
					Kind:         model.UnitKindMsgBody,
					Order:        order,
					Depth:        entry.depth,
					Text:         body,
				})
				order++
			}
			for _, att := range attachments {
				if entry.depth+1 > d.cfg.MaxDepth {
					res.Failures = append(res.Failures, UnitFailure{
						Ref:  att.Name,
						Kind: "depth",
						Err:  eris.Wrapf(ErrDepthExceeded, "%s at depth %d", att.Name, entry.depth+1),
					})
					log.Warn("decompose: attachment past depth bound",
						zap.String("ref", att.Name),
						zap.Int("depth", entry.depth+1),
					)
					continue
				}
				work = append(work, workEntry{name: att.Name, data: att.Data, depth: entry.depth + 1})
			}

		default:
			if entry.depth == 0 {
				return nil, eris.Errorf("decompose: unsupported document %q", entry.name)
			}
			res.Failures = append(res.Failures, UnitFailure{
				Ref:  entry.name,
				Kind: "unsupported",
				Err:  eris.Errorf("unsupported attachment %q", entry.name),
			})
		}
	}

	log.Debug("decompose: finished",
		zap.Int("units", len(res.Units)),
		zap.Int("failures", len(res.Failures)),
	)
	return res, nil
}

// SniffKind classifies a payload by extension first, magic bytes second.
func SniffKind(filename string, data []byte) Kind {
	switch strings.ToLower(path.Ext(filename)) {
	case ".pdf":
		return KindPDF
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".gif", ".webp", ".bmp":
		return KindImage
	case ".eml", ".msg":
		return KindEmail
	}

	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return KindPDF
	}
	if sniffImage(data) {
		return KindImage
	}
	if looksLikeMail(data) {
		return KindEmail
	}
	return KindUnknown
}

func sniffImage(data []byte) bool {
	switch {
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return true
	case bytes.HasPrefix(data, []byte("\xFF\xD8\xFF")):
		return true
	case bytes.HasPrefix(data, []byte("II*\x00")), bytes.HasPrefix(data, []byte("MM\x00*")):
		return true
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return true
	case len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return true
	}
	return false
}

func looksLikeMail(data []byte) bool {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	for _, prefix := range []string{"From:", "Received:", "Return-Path:", "MIME-Version:"} {
		if bytes.HasPrefix(head, []byte(prefix)) {
			return true
		}
	}
	return false
}

func unitID(itemID string, order int) string {
	return fmt.Sprintf("%s-u%04d", itemID, order)
}
