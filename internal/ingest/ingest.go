// Package ingest creates documents and starts them down the pipeline.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/nagare/internal/docid"
	"github.com/hyperjump/nagare/internal/events"
	"github.com/hyperjump/nagare/internal/faults"
	"github.com/hyperjump/nagare/internal/models"
)

// ErrEmpty is returned when a submission has no documents.
var ErrEmpty = errors.New("no documents to submit")

// NewDocument describes a document to ingest. An empty ID is derived from SourceRef.
type NewDocument struct {
	ID        string `json:"id,omitempty"`
	SourceRef string `json:"source_ref"`
	Title     string `json:"title,omitempty"`
}

// Receipt reports what a submission created.
type Receipt struct {
	CorrelationID string   `json:"correlation_id,omitempty"`
	Accepted      []string `json:"accepted"`
	Duplicates    []string `json:"duplicates,omitempty"`
}

// DocumentStore is the part of the metadata store ingestion writes to.
type DocumentStore interface {
	CreateDocuments(ctx context.Context, docs []*models.Document) error
	GetDocuments(ctx context.Context, ids []string) (map[string]*models.Document, error)
}

// BatchOpener opens and cancels batches.
type BatchOpener interface {
	Open(ctx context.Context, correlationID string, total int) (models.BatchProgress, error)
	Cancel(ctx context.Context, correlationID string) (models.BatchProgress, error)
}

// Service submits documents.
type Service struct {
	store     DocumentStore
	batches   BatchOpener
	publisher events.Publisher
	logger    *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New returns an ingestion service.
func New(store DocumentStore, batches BatchOpener, publisher events.Publisher, opts ...Option) *Service {
	s := &Service{
		store:     store,
		batches:   batches,
		publisher: publisher,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitBatch creates the documents under a new correlation id and opens a batch for the
// ones that did not already exist.
func (s *Service) SubmitBatch(ctx context.Context, docs []NewDocument) (*Receipt, error) {
	return s.submit(ctx, docs, true)
}

// SubmitOne creates a single document outside any batch.
func (s *Service) SubmitOne(ctx context.Context, doc NewDocument) (*Receipt, error) {
	return s.submit(ctx, []NewDocument{doc}, false)
}

func (s *Service) submit(ctx context.Context, in []NewDocument, batch bool) (*Receipt, error) {
	if len(in) == 0 {
		return nil, faults.Validation(ErrEmpty)
	}
	docs, err := prepare(in)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	existing, err := s.store.GetDocuments(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("check existing documents: %w", err)
	}

	receipt := &Receipt{Accepted: []string{}}
	fresh := docs[:0]
	for _, d := range docs {
		if _, ok := existing[d.ID]; ok {
			receipt.Duplicates = append(receipt.Duplicates, d.ID)
			continue
		}
		fresh = append(fresh, d)
	}
	if len(fresh) == 0 {
		return receipt, nil
	}

	if batch {
		receipt.CorrelationID = uuid.NewString()
		if _, err := s.batches.Open(ctx, receipt.CorrelationID, len(fresh)); err != nil {
			return nil, fmt.Errorf("open batch: %w", err)
		}
		for _, d := range fresh {
			d.BatchCorrelationID = models.StringPtr(receipt.CorrelationID)
		}
	}
	if err := s.store.CreateDocuments(ctx, fresh); err != nil {
		if batch {
			if _, cerr := s.batches.Cancel(ctx, receipt.CorrelationID); cerr != nil {
				s.logger.Warn("failed to cancel orphaned batch", zap.String("correlation_id", receipt.CorrelationID), zap.Error(cerr))
			}
		}
		return nil, fmt.Errorf("create documents: %w", err)
	}

	for _, d := range fresh {
		if err := s.publisher.Publish(ctx, models.EventUploaded, models.DocumentPayload(d.ID, nil), receipt.CorrelationID); err != nil {
			return nil, fmt.Errorf("publish %s for %s: %w", models.EventUploaded, d.ID, err)
		}
		receipt.Accepted = append(receipt.Accepted, d.ID)
	}
	s.logger.Info("documents submitted",
		zap.String("correlation_id", receipt.CorrelationID),
		zap.Int("accepted", len(receipt.Accepted)),
		zap.Int("duplicates", len(receipt.Duplicates)),
	)
	return receipt, nil
}

// prepare validates input, derives ids and drops repeats within the submission.
func prepare(in []NewDocument) ([]*models.Document, error) {
	seen := make(map[string]struct{}, len(in))
	out := make([]*models.Document, 0, len(in))
	for i, nd := range in {
		ref := strings.TrimSpace(nd.SourceRef)
		if ref == "" {
			return nil, faults.Validationf("document %d: source_ref is required", i)
		}
		id := strings.TrimSpace(nd.ID)
		if id == "" {
			id = docid.FromSourceRef(ref)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		title := strings.TrimSpace(nd.Title)
		if title == "" {
			title = titleFromRef(ref)
		}
		out = append(out, &models.Document{
			ID:        id,
			SourceRef: ref,
			Title:     title,
			Status:    models.StatusQueued,
		})
	}
	return out, nil
}

func titleFromRef(ref string) string {
	ref = strings.TrimRight(ref, "/")
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}
