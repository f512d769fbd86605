package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/expense-extractor/internal/model"
	"github.com/sells-group/expense-extractor/pkg/docai"
)

// fakeDetector returns canned detections.
type fakeDetector struct {
	resp *docai.DetectResponse
	err  error
}

func (f *fakeDetector) Detect(_ context.Context, _ []byte, page int) (*docai.DetectResponse, error) {
	return f.resp, f.err
}

func TestDocAI_Extract(t *testing.T) {
	d := NewDocAI("layout", &fakeDetector{resp: &docai.DetectResponse{
		Detections: []docai.Detection{
			{Field: "total_amount", Value: "119.00", Confidence: 0.88, BBox: &docai.BBox{X: 0.7, Y: 0.9, W: 0.1, H: 0.02}},
			{Field: "made_up", Value: "x", Confidence: 0.9},
		},
	}})

	ec := model.Context{
		ID:    "item-1-ctx-000",
		Order: 0,
		Units: []model.Unit{
			{Kind: model.UnitKindTextPage, Text: "Invoice"},
			{Kind: model.UnitKindImagePage, Page: 1, Image: []byte("png")},
		},
	}

	got, err := d.Extract(context.Background(), ec, model.DefaultExpenseSchema())
	require.NoError(t, err)
	require.Len(t, got, 1, "detections outside the schema are dropped")

	c := got[0]
	assert.Equal(t, "total_amount", c.Field)
	assert.Equal(t, "layout", c.Backend)
	assert.Equal(t, model.BackendClassDocAI, c.BackendClass)
	require.NotNil(t, c.Region)
	assert.Equal(t, 1, c.Region.Page)
}

func TestDocAI_TextOnlyContext(t *testing.T) {
	d := NewDocAI("layout", &fakeDetector{err: errors.New("should not be called")})

	ec := model.Context{Units: []model.Unit{{Kind: model.UnitKindTextPage, Text: "Invoice"}}}
	got, err := d.Extract(context.Background(), ec, model.DefaultExpenseSchema())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDocAI_DetectFailure(t *testing.T) {
	d := NewDocAI("layout", &fakeDetector{err: errors.New("boom")})

	ec := model.Context{Units: []model.Unit{{Kind: model.UnitKindImagePage, Page: 1, Image: []byte("png")}}}
	_, err := d.Extract(context.Background(), ec, model.DefaultExpenseSchema())
	assert.ErrorIs(t, err, ErrUnavailable)
}
