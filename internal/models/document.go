// Package models defines core data structures for documents, batches, events, queries, and search results.
package models

import "time"

// Document is a unit of work moving through the pipeline.
// Embedding is nil when the embedding collaborator failed; such documents are
// still indexed for keyword search but never ranked semantically.
type Document struct {
	ID                 string         `json:"id" db:"id"`
	SourceRef          string         `json:"source_ref" db:"source_ref"`
	Title              string         `json:"title" db:"title"`
	Category           *string        `json:"category,omitempty" db:"category"`
	Confidence         *float64       `json:"confidence,omitempty" db:"confidence"`
	Metadata           map[string]any `json:"metadata,omitempty" db:"-"`
	Embedding          []float32      `json:"-" db:"-"`
	Status             Status         `json:"processing_status" db:"processing_status"`
	RetryCount         int            `json:"retry_count" db:"retry_count"`
	ErrorMessage       *string        `json:"error_message,omitempty" db:"error_message"`
	BatchCorrelationID *string        `json:"batch_correlation_id,omitempty" db:"batch_correlation_id"`
	CreatedAt          time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at" db:"updated_at"`
	IndexedAt          *time.Time     `json:"indexed_at,omitempty" db:"indexed_at"`
}

// HasEmbedding reports whether the document participates in semantic ranking.
func (d *Document) HasEmbedding() bool {
	return len(d.Embedding) > 0
}

// CategoryOrEmpty returns the category, or "" when classification has not run.
func (d *Document) CategoryOrEmpty() string {
	if d.Category == nil {
		return ""
	}
	return *d.Category
}

// CorrelationID returns the batch correlation id, or "" for standalone documents.
func (d *Document) CorrelationID() string {
	if d.BatchCorrelationID == nil {
		return ""
	}
	return *d.BatchCorrelationID
}

// ErrorString returns the last recorded error, or "".
func (d *Document) ErrorString() string {
	if d.ErrorMessage == nil {
		return ""
	}
	return *d.ErrorMessage
}

// NewDocument is the input accepted by ingestion.
type NewDocument struct {
	ID        string         `json:"id,omitempty"`
	SourceRef string         `json:"source_ref"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// Float64Ptr returns a pointer to f.
func Float64Ptr(f float64) *float64 {
	return &f
}
