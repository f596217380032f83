// Package index combines the keyword and vector indices into the single search index the
// indexer writes to and the search engine reads from.
package index

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hyperjump/nagare/internal/faults"
	"github.com/hyperjump/nagare/internal/keyword"
	"github.com/hyperjump/nagare/internal/models"
	"github.com/hyperjump/nagare/internal/storage"
	"github.com/hyperjump/nagare/internal/vector"
	"github.com/hyperjump/nagare/pkg/utils"
)

// Status is the coarse health of the index.
type Status string

const (
	// StatusGreen means both halves are complete and serving.
	StatusGreen Status = "green"
	// StatusYellow means keyword search works but the vector half is incomplete.
	StatusYellow Status = "yellow"
	// StatusRed means keyword search is unavailable.
	StatusRed Status = "red"
)

// Health reports index state for search degradation and the health endpoint.
type Health struct {
	Status    Status `json:"status"`
	Documents uint64 `json:"documents"`
	Vectors   int    `json:"vectors"`
	Reason    string `json:"reason,omitempty"`
}

// Document is one indexable document. A nil Embedding keeps the document out of semantic search.
type Document struct {
	ID        string
	Title     string
	Content   string
	Category  string
	Embedding []float32
}

// EmbeddingSource streams stored embeddings for a rebuild.
type EmbeddingSource interface {
	ListEmbeddings(ctx context.Context, fn func(storage.EmbeddingRecord) error) error
}

// Index writes to both halves and reports combined health.
type Index struct {
	keyword keyword.Index
	vectors vector.Index
	logger  *zap.Logger

	mu         sync.Mutex
	rebuilding bool
	// upserted during a rebuild; reapplied once the rebuilt set is swapped in.
	pending    map[string]*vector.Entry
	rebuildErr error
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(i *Index) { i.logger = utils.OrNop(l) }
}

// New returns an index over the given halves.
func New(kw keyword.Index, vectors vector.Index, opts ...Option) *Index {
	idx := &Index{
		keyword: kw,
		vectors: vectors,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// BulkUpsert writes docs keyed by id and reports one result per input, in order. The keyword
// write decides an item's outcome; the vector write only runs for items it accepted. A vector
// the vector half cannot take is dropped and the document stays keyword-only.
func (i *Index) BulkUpsert(ctx context.Context, docs []Document) []models.ItemResult {
	results := make([]models.ItemResult, len(docs))
	vecs := make([][]float32, len(docs))
	kwDocs := make([]keyword.Document, 0, len(docs))
	positions := make([]int, 0, len(docs))
	for n, d := range docs {
		results[n].ID = d.ID
		vecs[n] = d.Embedding
		if err := i.checkDimensions(d.ID, d.Embedding); err != nil {
			i.logger.Warn("dropping embedding; indexing keyword-only", zap.String("document_id", d.ID), zap.Error(err))
			vecs[n] = nil
		}
		kwDocs = append(kwDocs, keyword.Document{ID: d.ID, Title: d.Title, Content: d.Content, Category: d.Category})
		positions = append(positions, n)
	}
	for k, r := range i.keyword.BulkUpsert(ctx, kwDocs) {
		results[positions[k]].Err = r.Err
	}

	var stale []string
	for _, n := range positions {
		d := docs[n]
		if !results[n].OK() {
			continue
		}
		if len(vecs[n]) == 0 {
			stale = append(stale, d.ID)
			i.track(d.ID, nil)
			continue
		}
		entry := vector.Entry{ID: d.ID, Category: d.Category, Vector: vecs[n]}
		if err := i.vectors.Upsert(ctx, []vector.Entry{entry}); err != nil {
			i.logger.Warn("vector upsert failed; indexing keyword-only", zap.String("document_id", d.ID), zap.Error(err))
			stale = append(stale, d.ID)
			i.track(d.ID, nil)
			continue
		}
		i.track(d.ID, &entry)
	}
	if len(stale) > 0 {
		if err := i.vectors.Delete(ctx, stale...); err != nil {
			i.logger.Warn("failed to drop stale vectors", zap.Int("count", len(stale)), zap.Error(err))
		}
	}
	return results
}

// checkDimensions rejects a vector the vector half would refuse.
func (i *Index) checkDimensions(id string, vec []float32) error {
	sized, ok := i.vectors.(interface{ Dimensions() int })
	if !ok || len(vec) == 0 || len(vec) == sized.Dimensions() {
		return nil
	}
	return faults.Validationf("document %s: embedding has %d dimensions, index expects %d", id, len(vec), sized.Dimensions())
}

func (i *Index) track(id string, e *vector.Entry) {
	i.mu.Lock()
	if i.rebuilding {
		i.pending[id] = e
	}
	i.mu.Unlock()
}

// Keyword runs a keyword query.
func (i *Index) Keyword(ctx context.Context, query, category string, size int) ([]keyword.Hit, error) {
	return i.keyword.Search(ctx, query, category, size)
}

// Vector runs a similarity query. It fails with a degraded error while the vector half is incomplete.
func (i *Index) Vector(ctx context.Context, query []float32, k int, category string) ([]vector.Result, error) {
	if h := i.Health(); h.Status != StatusGreen {
		return nil, faults.ClusterDegraded(fmt.Errorf("index %s: %s", h.Status, h.Reason))
	}
	return i.vectors.Search(ctx, query, k, category)
}

// Health reports red when the keyword index cannot count documents and yellow while the vector
// half is rebuilding or its last rebuild failed.
func (i *Index) Health() Health {
	h := Health{Status: StatusGreen, Vectors: i.vectors.Size()}
	count, err := i.keyword.DocCount()
	if err != nil {
		h.Status = StatusRed
		h.Reason = fmt.Sprintf("keyword index unavailable: %v", err)
		return h
	}
	h.Documents = count

	i.mu.Lock()
	defer i.mu.Unlock()
	switch {
	case i.rebuilding:
		h.Status = StatusYellow
		h.Reason = "vector index rebuilding"
	case i.rebuildErr != nil:
		h.Status = StatusYellow
		h.Reason = fmt.Sprintf("vector rebuild failed: %v", i.rebuildErr)
	}
	return h
}

// Rebuild reloads the vector half from src. Health is yellow until it finishes; writes that
// land during the rebuild survive the swap.
func (i *Index) Rebuild(ctx context.Context, src EmbeddingSource) error {
	i.mu.Lock()
	if i.rebuilding {
		i.mu.Unlock()
		return fmt.Errorf("rebuild already running")
	}
	i.rebuilding = true
	i.pending = make(map[string]*vector.Entry)
	i.mu.Unlock()

	var (
		entries []vector.Entry
		skipped int
	)
	err := src.ListEmbeddings(ctx, func(rec storage.EmbeddingRecord) error {
		if i.checkDimensions(rec.ID, rec.Embedding) != nil {
			skipped++
			return nil
		}
		entries = append(entries, vector.Entry{ID: rec.ID, Category: rec.Category, Vector: rec.Embedding})
		return nil
	})
	if skipped > 0 {
		i.logger.Warn("skipped stored embeddings with wrong dimensions", zap.Int("count", skipped))
	}
	if err == nil {
		err = i.vectors.Replace(entries)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if err == nil {
		for id, e := range i.pending {
			if e == nil {
				err = multierr.Append(err, i.vectors.Delete(ctx, id))
				continue
			}
			err = multierr.Append(err, i.vectors.Upsert(ctx, []vector.Entry{*e}))
		}
	}
	i.rebuilding = false
	i.pending = nil
	i.rebuildErr = err
	if err != nil {
		i.logger.Error("vector rebuild failed", zap.Error(err))
		return fmt.Errorf("rebuild vectors: %w", err)
	}
	i.logger.Info("vector index rebuilt", zap.Int("vectors", i.vectors.Size()))
	return nil
}

// Close closes the keyword half.
func (i *Index) Close() error {
	return i.keyword.Close()
}
