package ocr

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/rotisserie/eris"
)

// Tesseract extracts text from images using the tesseract CLI tool.
type Tesseract struct {
	binPath string
	lang    string
}

// NewTesseract creates a Tesseract extractor. If binPath is empty,
// "tesseract" is used; if lang is empty, "eng".
func NewTesseract(binPath, lang string) *Tesseract {
	if binPath == "" {
		binPath = "tesseract"
	}
	if lang == "" {
		lang = "eng"
	}
	return &Tesseract{binPath: binPath, lang: lang}
}

// ExtractText pipes the image through `tesseract stdin stdout` and returns
// the recognized text.
func (t *Tesseract) ExtractText(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", nil
	}
	cmd := exec.CommandContext(ctx, t.binPath, "stdin", "stdout", "-l", t.lang, "--psm", "3")
	cmd.Stdin = bytes.NewReader(image)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", eris.Wrapf(err, "ocr: tesseract failed: %s", stderr.String())
	}

	return stdout.String(), nil
}
