// Package keyword provides the keyword half of the search index: TF-IDF term scoring over
// document title and content, with an exact-match category field for filtering.
package keyword

import (
	"context"

	"github.com/hyperjump/nagare/internal/models"
)

// Document is what the keyword index stores for one document. Content is indexed for
// search but never read back; hits are hydrated from the metadata store.
type Document struct {
	ID       string
	Title    string
	Content  string
	Category string
}

// Hit is a single keyword search hit.
type Hit struct {
	ID    string
	Score float64
}

// Index defines keyword indexing and search operations.
type Index interface {
	// BulkUpsert indexes docs keyed by ID (last write wins) and reports per-item results.
	BulkUpsert(ctx context.Context, docs []Document) []models.ItemResult
	// Search returns up to size hits ordered by score descending, then ID ascending.
	// A query wrapped in double quotes is matched as a phrase. A non-empty category narrows the hits.
	Search(ctx context.Context, query, category string, size int) ([]Hit, error)
	DocCount() (uint64, error)
	Close() error
}
