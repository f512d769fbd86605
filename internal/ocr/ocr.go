package ocr

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/expense-extractor/internal/config"
)

// Engine extracts text from a rendered page or photo image (PNG bytes).
type Engine interface {
	Text(ctx context.Context, image []byte) (string, error)
}

// NewEngine creates an Engine based on config.
func NewEngine(cfg config.OCRConfig) (Engine, error) {
	switch cfg.Provider {
	case "tesseract", "":
		return NewTesseract(cfg.Languages), nil
	case "mistral":
		if cfg.MistralKey == "" {
			return nil, eris.New("ocr: mistral provider requires mistral_api_key")
		}
		return NewMistralOCR(cfg.MistralKey, cfg.MistralModel), nil
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.Provider)
	}
}
