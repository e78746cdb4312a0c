/**
 * Tesseract OCR - word-level text detection
 *
 * Runs Tesseract locally through gosseract and reports every recognised word
 * with its bounding box, which is what the table assembler needs.
 */

package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// Detector turns an image into text detections
type Detector interface {
	Detect(ctx context.Context, image []byte) ([]Detection, error)
	Name() string
}

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	Languages []string
}

// TesseractOCR detects words using Tesseract
type TesseractOCR struct {
	languages []string
}

// NewTesseractOCR creates a new Tesseract detector
func NewTesseractOCR(cfg *TesseractConfig) *TesseractOCR {
	langs := cfg.Languages
	if len(langs) == 0 {
		langs = []string{"eng"}
	}
	return &TesseractOCR{languages: langs}
}

// Name identifies the engine in logs and errors
func (t *TesseractOCR) Name() string {
	return "tesseract"
}

// Detect performs word-level OCR. A gosseract client is not safe for
// concurrent use, so each call gets its own.
func (t *TesseractOCR) Detect(ctx context.Context, image []byte) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(t.languages...); err != nil {
		return nil, fmt.Errorf("failed to set languages %v: %w", t.languages, err)
	}
	// Tables are sparse: find as much text as possible in no particular order.
	if err := client.SetPageSegMode(gosseract.PSM_SPARSE_TEXT); err != nil {
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	if err := client.SetImageFromBytes(image); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return wordsToDetections(boxes), nil
}

// wordsToDetections converts Tesseract word boxes, dropping blank words and
// scaling confidence from 0..100 to 0..1.
func wordsToDetections(boxes []gosseract.BoundingBox) []Detection {
	detections := make([]Detection, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		box := BoundingBox{
			X:      b.Box.Min.X,
			Y:      b.Box.Min.Y,
			Width:  b.Box.Dx(),
			Height: b.Box.Dy(),
		}
		detections = append(detections, Detection{
			Text:       text,
			Confidence: clampConfidence(b.Confidence / 100),
			Box:        box.Quad(),
		})
	}
	return detections
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// StaticDetector returns a fixed detection set. It serves callers that
// already ran OCR elsewhere and submit detections directly.
type StaticDetector struct {
	Detections []Detection
}

func (s StaticDetector) Name() string {
	return "static"
}

func (s StaticDetector) Detect(ctx context.Context, _ []byte) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Detection, len(s.Detections))
	copy(out, s.Detections)
	return out, nil
}
