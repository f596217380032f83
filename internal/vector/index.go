// Package vector provides the in-memory vector half of the search index.
package vector

import "context"

// Entry is one stored vector with the category used for filtering.
type Entry struct {
	ID       string
	Category string
	Vector   []float32
}

// Index defines vector storage and similarity search.
type Index interface {
	// Upsert stores entries keyed by ID; a later entry for the same ID replaces the earlier one.
	Upsert(ctx context.Context, entries []Entry) error
	// Search returns up to k entries by cosine similarity, descending, ties by ID ascending.
	// A non-empty category restricts candidates before ranking.
	Search(ctx context.Context, query []float32, k int, category string) ([]Result, error)
	// Delete removes ids; unknown ids are ignored.
	Delete(ctx context.Context, ids ...string) error
	// Replace swaps the full contents in one step.
	Replace(entries []Entry) error
	Size() int
}

// Result is a single vector search hit.
type Result struct {
	ID    string
	Score float64
}
