// Package ocr reads text from page screenshots and locates field values in
// that text.
package ocr

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/webcheck/internal/config"
)

// Extractor extracts text content from an image.
type Extractor interface {
	ExtractText(ctx context.Context, image []byte) (string, error)
}

// NewExtractor creates an Extractor based on config. Provider "none"
// returns nil, which disables the OCR role.
func NewExtractor(cfg config.OCRConfig) (Extractor, error) {
	switch cfg.Provider {
	case "tesseract", "local", "":
		return NewTesseract(cfg.TesseractPath, cfg.Language), nil
	case "mistral":
		if cfg.MistralKey == "" {
			return nil, eris.New("ocr: mistral provider requires ocr.mistral_key")
		}
		return NewMistralOCR(cfg.MistralKey, cfg.MistralModel), nil
	case "none":
		return nil, nil
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.Provider)
	}
}
