// Package storage defines the metadata store for documents and batch progress.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/hyperjump/nagare/internal/models"
)

var (
	// ErrNotFound is returned when a document or batch does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-set on processing status loses.
	ErrConflict = errors.New("status conflict")
	// ErrAlreadyExists is returned when creating a document or batch whose id is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// StageUpdate carries the fields a stage sets when it completes. Nil fields are left unchanged.
type StageUpdate struct {
	Category   *string
	Confidence *float64
	Metadata   map[string]any
}

// EmbeddingRecord is one stored vector, used to rebuild the in-memory vector index.
type EmbeddingRecord struct {
	ID        string
	Category  string
	Embedding []float32
}

// ListFilter narrows ListDocuments.
type ListFilter struct {
	CorrelationID string
	Status        models.Status
	Offset        int
	Limit         int
}

// Store defines document and batch persistence operations.
type Store interface {
	// Document operations
	CreateDocuments(ctx context.Context, docs []*models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	GetDocuments(ctx context.Context, ids []string) (map[string]*models.Document, error)
	ListDocuments(ctx context.Context, filter ListFilter) ([]*models.Document, error)
	TransitionStatus(ctx context.Context, id string, from, to models.Status) error
	CompleteStage(ctx context.Context, id string, from, to models.Status, update StageUpdate) error
	IncrementRetry(ctx context.Context, id string, reason string) (int, error)
	MarkFailed(ctx context.Context, id string, reason string) error
	MarkIndexed(ctx context.Context, id string, at time.Time) error

	// Bulk write for the indexer; never aborts the whole chunk on one item's failure.
	UpsertBatch(ctx context.Context, docs []*models.Document) []models.ItemResult
	ListEmbeddings(ctx context.Context, fn func(EmbeddingRecord) error) error

	// Batch operations
	CreateBatch(ctx context.Context, correlationID string, total int) (*models.BatchJob, error)
	GetBatch(ctx context.Context, correlationID string) (*models.BatchJob, error)
	RecordTerminal(ctx context.Context, correlationID, documentID string, outcome models.Outcome) (bool, error)
	CancelBatch(ctx context.Context, correlationID string) (*models.BatchJob, error)

	// Stats
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)

	Close() error
}
