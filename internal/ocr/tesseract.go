package ocr

import (
	"context"
	"strings"

	"github.com/otiai10/gosseract/v2"
	"github.com/rotisserie/eris"
)

// Tesseract runs local OCR via libtesseract.
type Tesseract struct {
	languages []string
}

// NewTesseract creates a local OCR engine. languages is a comma- or
// plus-separated tesseract language list, e.g. "eng" or "tur+eng".
func NewTesseract(languages string) *Tesseract {
	var langs []string
	for _, l := range strings.FieldsFunc(languages, func(r rune) bool { return r == ',' || r == '+' }) {
		if l = strings.TrimSpace(l); l != "" {
			langs = append(langs, l)
		}
	}
	if len(langs) == 0 {
		langs = []string{"eng"}
	}
	return &Tesseract{languages: langs}
}

// Text extracts text from a PNG image. A gosseract client is not safe for
// concurrent use, so one is created per call.
func (t *Tesseract) Text(ctx context.Context, image []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	client := gosseract.NewClient()
	defer client.Close() //nolint:errcheck

	if err := client.SetLanguage(t.languages...); err != nil {
		return "", eris.Wrap(err, "ocr: set language")
	}
	if err := client.SetImageFromBytes(image); err != nil {
		return "", eris.Wrap(err, "ocr: set image")
	}

	text, err := client.Text()
	if err != nil {
		return "", eris.Wrap(err, "ocr: tesseract")
	}
	return strings.TrimSpace(text), nil
}
