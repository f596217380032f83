// Package collab holds the classification and extraction collaborators the stage workers
// call into, with an LLM-backed implementation and a local rule-based one.
package collab

import (
	"context"
)

// Classification is the classifier's verdict for one document.
type Classification struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Classifier assigns a category to the document behind sourceRef.
type Classifier interface {
	Classify(ctx context.Context, sourceRef string) (Classification, error)
}

// Extractor pulls structured fields out of the document behind sourceRef.
type Extractor interface {
	Extract(ctx context.Context, sourceRef, category string) (map[string]any, error)
}

// TextSource is the subset of the content reader collaborators need.
type TextSource interface {
	ReadText(ctx context.Context, sourceRef string) (string, error)
}

// OtherCategory is used when a classifier cannot place a document in a configured category.
const OtherCategory = "other"

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

func normalizeCategory(category string, allowed []string) string {
	for _, c := range allowed {
		if equalFold(c, category) {
			return c
		}
	}
	return OtherCategory
}
