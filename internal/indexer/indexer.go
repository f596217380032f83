// Package indexer is the last pipeline stage: it bulk-writes extracted documents into the
// metadata store and the search index, tolerating per-item failures and missing embeddings.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/nagare/internal/collab"
	"github.com/hyperjump/nagare/internal/embedding"
	"github.com/hyperjump/nagare/internal/events"
	"github.com/hyperjump/nagare/internal/faults"
	"github.com/hyperjump/nagare/internal/index"
	"github.com/hyperjump/nagare/internal/models"
	"github.com/hyperjump/nagare/internal/retry"
	"github.com/hyperjump/nagare/internal/storage"
)

// Queue is the router queue the indexer consumes.
const Queue = "indexing"

// Writer is the search index as seen by the indexer.
type Writer interface {
	BulkUpsert(ctx context.Context, docs []index.Document) []models.ItemResult
}

// Config tunes chunking, embedding fan-out, and write retries.
type Config struct {
	ChunkSize        int
	FlushInterval    time.Duration
	EmbedMaxChars    int
	EmbedConcurrency int
	// WriteRetries is how many times the transiently failed subset of a chunk is rewritten.
	WriteRetries      int
	WriteRetryBase    time.Duration
	FailureSampleSize int
	// Content reads share the stage workers' retry budget.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Timeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 500
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	if c.EmbedMaxChars <= 0 {
		c.EmbedMaxChars = 8000
	}
	if c.EmbedConcurrency <= 0 {
		c.EmbedConcurrency = 8
	}
	if c.WriteRetries <= 0 {
		c.WriteRetries = 3
	}
	if c.WriteRetryBase <= 0 {
		c.WriteRetryBase = 2 * time.Second
	}
	if c.FailureSampleSize <= 0 {
		c.FailureSampleSize = 5
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

func (c Config) writePolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.WriteRetries + 1,
		BaseDelay:   c.WriteRetryBase,
		Multiplier:  2,
		ShouldRetry: faults.IsTransient,
	}
}

func (c Config) requeuePolicy() retry.Policy {
	return retry.Policy{BaseDelay: c.BackoffBase, Multiplier: 2, MaxDelay: c.BackoffMax}
}

// Indexer consumes document.extracted and emits document.indexed or document.failed.
type Indexer struct {
	broker   events.Broker
	store    storage.Store
	index    Writer
	content  collab.TextSource
	embedder embedding.Embedder
	pool     *ants.Pool
	chunker  *Chunker
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
	stats    statsRecorder
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(idx *Indexer) { idx.logger = l }
}

// WithClock overrides the time source used for indexed_at.
func WithClock(now func() time.Time) Option {
	return func(idx *Indexer) { idx.now = now }
}

// New creates an indexer. Close releases its embedding pool.
func New(broker events.Broker, store storage.Store, w Writer, content collab.TextSource, embedder embedding.Embedder, cfg Config, opts ...Option) (*Indexer, error) {
	cfg = cfg.withDefaults()
	pool, err := ants.NewPool(cfg.EmbedConcurrency)
	if err != nil {
		return nil, fmt.Errorf("create embedding pool: %w", err)
	}
	idx := &Indexer{
		broker:   broker,
		store:    store,
		index:    w,
		content:  content,
		embedder: embedder,
		pool:     pool,
		chunker:  NewChunker(cfg.ChunkSize, cfg.FlushInterval),
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx, nil
}

// Stats returns cumulative counters.
func (idx *Indexer) Stats() Stats {
	return idx.stats.snapshot()
}

// Close releases the embedding pool.
func (idx *Indexer) Close() error {
	idx.pool.Release()
	return nil
}

// Run consumes chunks until ctx ends or the router closes. Only infrastructure failures are returned.
func (idx *Indexer) Run(ctx context.Context) error {
	sub, err := idx.broker.Subscribe(ctx, Queue, models.EventExtracted)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", Queue, err)
	}
	for {
		chunk, nextErr := idx.chunker.Next(ctx, sub)
		if len(chunk) > 0 {
			if _, err := idx.ProcessChunk(ctx, chunk); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if faults.IsInfrastructure(err) {
					return err
				}
				idx.logger.Error("chunk left partially unacknowledged", zap.Error(err))
			}
		}
		if nextErr != nil {
			if ctx.Err() != nil || errors.Is(nextErr, events.ErrClosed) {
				return nil
			}
			return nextErr
		}
	}
}

// item tracks one document through a chunk.
type item struct {
	delivery  *events.Delivery
	doc       *models.Document
	text      string
	readErr   error
	embedding []float32
	embedErr  error
	// writeErr is the last write outcome; nil once both halves accepted the document.
	writeErr error
}

// ProcessChunk indexes a chunk and settles every delivery in it. One document's failure never
// fails another. The returned error joins settle/publish failures that left deliveries unacked.
func (idx *Indexer) ProcessChunk(ctx context.Context, deliveries []*events.Delivery) (ChunkReport, error) {
	start := time.Now()
	report := ChunkReport{Size: len(deliveries)}
	var settleErr error

	items, err := idx.claim(ctx, deliveries, &report)
	settleErr = multierr.Append(settleErr, err)

	idx.prepare(ctx, items)

	var writable []*item
	for _, it := range items {
		if it.readErr == nil {
			writable = append(writable, it)
			continue
		}
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		settleErr = multierr.Append(settleErr, idx.contentFailure(ctx, it, &report))
	}
	for _, it := range writable {
		if it.embedErr != nil {
			report.EmbeddingFailed++
			idx.logger.Warn("embedding failed; indexing without vector",
				zap.String("document_id", it.doc.ID), zap.Error(it.embedErr))
		} else {
			report.EmbeddingOK++
		}
	}

	report.WriteAttempts = idx.write(ctx, writable)
	if ctx.Err() != nil {
		return report, ctx.Err()
	}

	for _, it := range writable {
		if it.writeErr == nil {
			err := idx.store.MarkIndexed(ctx, it.doc.ID, idx.now())
			if errors.Is(err, storage.ErrConflict) {
				report.Skipped++
				settleErr = multierr.Append(settleErr, idx.broker.Ack(ctx, it.delivery.Handle))
				continue
			}
			if err != nil {
				settleErr = multierr.Append(settleErr, idx.requeue(ctx, it, 0, fmt.Errorf("mark indexed: %w", err), &report))
				continue
			}
			report.Written++
			settleErr = multierr.Append(settleErr, idx.publishAndAck(ctx, it, models.EventIndexed, nil))
			continue
		}
		report.sample(idx.cfg.FailureSampleSize, fmt.Sprintf("%s: %v", it.doc.ID, it.writeErr))
		settleErr = multierr.Append(settleErr, idx.fail(ctx, it, fmt.Errorf("bulk write rejected: %w", it.writeErr), &report))
	}

	report.Duration = time.Since(start)
	idx.stats.record(report)
	idx.logger.Info("chunk indexed",
		zap.Int("size", report.Size),
		zap.Int("written", report.Written),
		zap.Int("failed", report.Failed),
		zap.Int("requeued", report.Requeued),
		zap.Int("embedding_failed", report.EmbeddingFailed),
		zap.Int("write_attempts", report.WriteAttempts),
		zap.Strings("failure_samples", report.FailureSamples),
		zap.Duration("duration", report.Duration))
	return report, settleErr
}

// claim loads the chunk's documents and moves each into indexing, acking deliveries that need no work.
func (idx *Indexer) claim(ctx context.Context, deliveries []*events.Delivery, report *ChunkReport) ([]*item, error) {
	var (
		settleErr error
		ids       []string
		byID      = make(map[string]*events.Delivery, len(deliveries))
		order     []string
	)
	for _, d := range deliveries {
		id, err := d.Envelope.DocumentID()
		if err != nil {
			idx.logger.Warn("dropping malformed event", zap.String("message_id", d.Envelope.ID), zap.Error(err))
			report.Skipped++
			settleErr = multierr.Append(settleErr, idx.broker.Ack(ctx, d.Handle))
			continue
		}
		if _, dup := byID[id]; dup {
			report.Skipped++
			settleErr = multierr.Append(settleErr, idx.broker.Ack(ctx, d.Handle))
			continue
		}
		byID[id] = d
		ids = append(ids, id)
		order = append(order, id)
	}

	docs, err := idx.store.GetDocuments(ctx, ids)
	if err != nil {
		for _, id := range order {
			it := &item{delivery: byID[id], doc: &models.Document{ID: id}}
			settleErr = multierr.Append(settleErr, idx.requeue(ctx, it, 0, fmt.Errorf("load documents: %w", err), report))
		}
		return nil, settleErr
	}

	items := make([]*item, 0, len(order))
	for _, id := range order {
		d := byID[id]
		doc, ok := docs[id]
		switch {
		case !ok:
			idx.logger.Warn("dropping event for unknown document", zap.String("document_id", id))
		case doc.Status == models.StatusIndexing:
			items = append(items, &item{delivery: d, doc: doc})
			continue
		case doc.Status == models.StatusExtracted:
			err := idx.store.TransitionStatus(ctx, id, models.StatusExtracted, models.StatusIndexing)
			if err == nil {
				doc.Status = models.StatusIndexing
				items = append(items, &item{delivery: d, doc: doc})
				continue
			}
			if !errors.Is(err, storage.ErrConflict) {
				it := &item{delivery: d, doc: doc}
				settleErr = multierr.Append(settleErr, idx.requeue(ctx, it, 0, fmt.Errorf("claim document: %w", err), report))
				continue
			}
		case doc.Status == models.StatusIndexed:
			// Settled before the publish or ack was lost; emit again so the batch still counts it.
			report.Skipped++
			settleErr = multierr.Append(settleErr, idx.publishAndAck(ctx, &item{delivery: d, doc: doc}, models.EventIndexed, nil))
			continue
		case doc.Status == models.StatusFailed:
			report.Skipped++
			extra := map[string]any{"stage": "index", "error": doc.ErrorString()}
			settleErr = multierr.Append(settleErr, idx.publishAndAck(ctx, &item{delivery: d, doc: doc}, models.EventFailed, extra))
			continue
		default:
			idx.logger.Debug("document not ready for indexing",
				zap.String("document_id", id), zap.String("status", string(doc.Status)))
		}
		report.Skipped++
		settleErr = multierr.Append(settleErr, idx.broker.Ack(ctx, d.Handle))
	}
	return items, settleErr
}

// prepare reads and embeds every item on the pool.
func (idx *Indexer) prepare(ctx context.Context, items []*item) {
	var wg sync.WaitGroup
	for _, it := range items {
		task := func() {
			defer wg.Done()
			idx.prepareOne(ctx, it)
		}
		wg.Add(1)
		if err := idx.pool.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()
}

func (idx *Indexer) prepareOne(ctx context.Context, it *item) {
	readCtx, cancel := context.WithTimeout(ctx, idx.cfg.Timeout)
	text, err := idx.content.ReadText(readCtx, it.doc.SourceRef)
	cancel()
	if err != nil {
		it.readErr = err
		return
	}
	it.text = text

	embedInput := EmbeddingText(text, idx.cfg.EmbedMaxChars)
	if embedInput == "" {
		embedInput = EmbeddingText(it.doc.Title, idx.cfg.EmbedMaxChars)
	}
	embedCtx, cancel := context.WithTimeout(ctx, idx.cfg.Timeout)
	defer cancel()
	vec, err := idx.embedder.Embed(embedCtx, embedInput)
	if err != nil {
		it.embedErr = err
		return
	}
	if dims := idx.embedder.Dimensions(); dims > 0 && len(vec) != dims {
		it.embedErr = fmt.Errorf("embedding has %d dimensions, want %d", len(vec), dims)
		return
	}
	it.embedding = vec
}

// write bulk-writes items to the store and the index concurrently, rewriting only the
// transiently failed subset. It returns the number of attempts made.
func (idx *Indexer) write(ctx context.Context, items []*item) int {
	if len(items) == 0 {
		return 0
	}
	policy := idx.cfg.writePolicy()
	pending := items
	attempts := 0
	for attempt := 1; attempt <= policy.MaxAttempts && len(pending) > 0; attempt++ {
		if attempt > 1 {
			if err := retry.Sleep(ctx, policy.Delay(attempt-1)); err != nil {
				return attempts
			}
		}
		attempts++
		idx.writeOnce(ctx, pending)

		var retryable []*item
		for _, it := range pending {
			if policy.Retryable(it.writeErr) {
				retryable = append(retryable, it)
			}
		}
		if len(retryable) > 0 && attempt < policy.MaxAttempts {
			idx.logger.Info("retrying transiently rejected documents",
				zap.Int("count", len(retryable)), zap.Int("attempt", attempt))
		}
		pending = retryable
	}
	return attempts
}

func (idx *Indexer) writeOnce(ctx context.Context, items []*item) {
	docs := make([]*models.Document, len(items))
	indexDocs := make([]index.Document, len(items))
	for i, it := range items {
		doc := *it.doc
		doc.Embedding = it.embedding
		docs[i] = &doc
		indexDocs[i] = index.Document{
			ID:        doc.ID,
			Title:     doc.Title,
			Content:   it.text,
			Category:  doc.CategoryOrEmpty(),
			Embedding: it.embedding,
		}
	}

	var storeResults, indexResults []models.ItemResult
	var g errgroup.Group
	g.Go(func() error {
		storeResults = idx.store.UpsertBatch(ctx, docs)
		return nil
	})
	g.Go(func() error {
		indexResults = idx.index.BulkUpsert(ctx, indexDocs)
		return nil
	})
	_ = g.Wait()

	for i, it := range items {
		it.writeErr = combine(storeResults[i].Err, indexResults[i].Err)
	}
}

// combine prefers a permanent rejection over a transient one so the item stops retrying.
func combine(storeErr, indexErr error) error {
	switch {
	case storeErr == nil:
		return indexErr
	case indexErr == nil:
		return storeErr
	case !faults.IsTransient(storeErr):
		return storeErr
	default:
		return indexErr
	}
}

func (idx *Indexer) contentFailure(ctx context.Context, it *item, report *ChunkReport) error {
	cause := fmt.Errorf("read content: %w", it.readErr)
	report.sample(idx.cfg.FailureSampleSize, fmt.Sprintf("%s: %v", it.doc.ID, cause))
	if !faults.IsTransient(it.readErr) {
		return idx.fail(ctx, it, cause, report)
	}
	n, err := idx.store.IncrementRetry(ctx, it.doc.ID, cause.Error())
	if err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			report.Skipped++
			return idx.broker.Ack(ctx, it.delivery.Handle)
		}
		return idx.requeue(ctx, it, 0, fmt.Errorf("record retry: %w", err), report)
	}
	if n > idx.cfg.MaxRetries {
		return idx.fail(ctx, it, fmt.Errorf("retries exhausted after %d attempts: %w", n, cause), report)
	}
	return idx.requeue(ctx, it, n, cause, report)
}

// requeue waits base * 2^retryCount before redelivery; zero is for failures that used no retry.
func (idx *Indexer) requeue(ctx context.Context, it *item, retryCount int, cause error, report *ChunkReport) error {
	report.Requeued++
	return idx.broker.Nack(ctx, it.delivery.Handle, events.NackOptions{
		Requeue: true,
		Delay:   idx.cfg.requeuePolicy().Delay(retryCount + 1),
		Reason:  cause.Error(),
	})
}

func (idx *Indexer) fail(ctx context.Context, it *item, cause error, report *ChunkReport) error {
	err := idx.store.MarkFailed(ctx, it.doc.ID, cause.Error())
	if errors.Is(err, storage.ErrConflict) {
		report.Skipped++
		return idx.broker.Ack(ctx, it.delivery.Handle)
	}
	if err != nil {
		return idx.requeue(ctx, it, 0, fmt.Errorf("mark failed: %w", err), report)
	}
	report.Failed++
	idx.logger.Warn("document failed indexing", zap.String("document_id", it.doc.ID), zap.Error(cause))
	return idx.publishAndAck(ctx, it, models.EventFailed, map[string]any{"stage": "index", "error": cause.Error()})
}

func (idx *Indexer) publishAndAck(ctx context.Context, it *item, eventType string, extra map[string]any) error {
	payload := models.DocumentPayload(it.doc.ID, extra)
	if err := idx.broker.Publish(ctx, eventType, payload, it.doc.CorrelationID()); err != nil {
		return fmt.Errorf("publish %s for %s: %w", eventType, it.doc.ID, err)
	}
	return idx.broker.Ack(ctx, it.delivery.Handle)
}
