package extract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/groupguard/groupguard/internal/metrics"
)

// Tesseract shells out to the tesseract binary. Concurrency is bounded
// by a semaphore: OCR is CPU-heavy and an image flood must not starve
// message evaluation.
type Tesseract struct {
	languages string // tesseract language codes, e.g. "chi_sim+eng"
	sem       chan struct{}
}

// NewTesseract creates an extractor. maxConcurrency values below 1 are
// raised to 1.
func NewTesseract(languages string, maxConcurrency int) *Tesseract {
	if languages == "" {
		languages = "chi_sim+eng"
	}
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Tesseract{
		languages: languages,
		sem:       make(chan struct{}, maxConcurrency),
	}
}

// Available reports whether the tesseract binary can be found.
func (t *Tesseract) Available() bool {
	_, err := exec.LookPath("tesseract")
	return err == nil
}

// Extract runs OCR on the image and returns the recognized text.
func (t *Tesseract) Extract(ctx context.Context, key string, image []byte) (string, error) {
	select {
	case t.sem <- struct{}{}:
		defer func() { <-t.sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	tmp, err := os.CreateTemp("", "guard-ocr-*.img")
	if err != nil {
		return "", fmt.Errorf("extract: temp file: %w", err)
	}
	path := tmp.Name()
	defer os.Remove(path)

	if _, err := tmp.Write(image); err != nil {
		tmp.Close()
		return "", fmt.Errorf("extract: write image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("extract: close image: %w", err)
	}

	var out, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "tesseract", filepath.Clean(path), "stdout", "-l", t.languages)
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		metrics.ExtractorCalls.WithLabelValues("error").Inc()
		return "", fmt.Errorf("extract: tesseract: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}

	metrics.ExtractorCalls.WithLabelValues("ok").Inc()
	return strings.TrimSpace(out.String()), nil
}
