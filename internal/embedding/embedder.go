// Package embedding provides text embedding collaborators and the wrappers the search
// path puts in front of them (caching and rate limiting).
package embedding

import (
	"context"
	"errors"
)

// ErrEmptyText is returned when there is nothing to embed.
var ErrEmptyText = errors.New("embedding: empty text")

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}
