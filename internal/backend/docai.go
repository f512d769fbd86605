package backend

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/expense-extractor/internal/model"
	"github.com/sells-group/expense-extractor/pkg/docai"
)

// DocAI extracts fields by running field detection over a context's page
// images. Text-only contexts yield nothing for it.
type DocAI struct {
	name   string
	client docai.Client
}

// NewDocAI creates the document-AI backend.
func NewDocAI(name string, client docai.Client) *DocAI {
	return &DocAI{name: name, client: client}
}

func (d *DocAI) Name() string              { return d.name }
func (d *DocAI) Class() model.BackendClass { return model.BackendClassDocAI }

func (d *DocAI) Extract(ctx context.Context, ec model.Context, schema *model.Schema) ([]model.FieldCandidate, error) {
	var candidates []model.FieldCandidate

	saw := false
	for _, u := range ec.Units {
		if u.Kind != model.UnitKindImagePage || len(u.Image) == 0 {
			continue
		}
		saw = true

		resp, err := d.client.Detect(ctx, u.Image, u.Page)
		if err != nil {
			return nil, eris.Wrapf(ErrUnavailable, "%s: %v", d.name, err)
		}

		for _, det := range resp.Detections {
			if schema.ByKey(det.Field) == nil {
				continue
			}
			c := model.FieldCandidate{
				Field:        det.Field,
				Value:        det.Value,
				Confidence:   clampConfidence(det.Confidence),
				Backend:      d.name,
				BackendClass: model.BackendClassDocAI,
				ContextID:    ec.ID,
				ContextOrder: ec.Order,
			}
			if det.BBox != nil {
				c.Region = &model.Region{
					Page: u.Page,
					X:    det.BBox.X,
					Y:    det.BBox.Y,
					W:    det.BBox.W,
					H:    det.BBox.H,
				}
			}
			candidates = append(candidates, c)
		}
	}

	if !saw {
		return nil, nil
	}
	return candidates, nil
}
