// Package batch aggregates terminal outcomes of documents that share a correlation id.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/nagare/internal/events"
	"github.com/hyperjump/nagare/internal/models"
	"github.com/hyperjump/nagare/internal/storage"
)

// Queue is the router queue the coordinator consumes.
const Queue = "batches"

// Store is the batch half of the metadata store.
type Store interface {
	CreateBatch(ctx context.Context, correlationID string, total int) (*models.BatchJob, error)
	GetBatch(ctx context.Context, correlationID string) (*models.BatchJob, error)
	RecordTerminal(ctx context.Context, correlationID, documentID string, outcome models.Outcome) (bool, error)
	CancelBatch(ctx context.Context, correlationID string) (*models.BatchJob, error)
}

// Coordinator tracks batch progress. Counters live in the store and are only changed by its
// atomic RecordTerminal, so any number of coordinators may consume concurrently.
type Coordinator struct {
	store      Store
	broker     events.Broker
	logger     *zap.Logger
	onProgress func(models.BatchProgress)
	retryDelay time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithProgressHook registers fn to receive progress after every counted outcome and cancellation.
func WithProgressHook(fn func(models.BatchProgress)) Option {
	return func(c *Coordinator) { c.onProgress = fn }
}

// WithRetryDelay sets how long a delivery waits after a store error before redelivery.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.retryDelay = d }
}

// New returns a coordinator.
func New(store Store, broker events.Broker, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      store,
		broker:     broker,
		logger:     zap.NewNop(),
		retryDelay: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open creates a batch expecting total documents.
func (c *Coordinator) Open(ctx context.Context, correlationID string, total int) (models.BatchProgress, error) {
	job, err := c.store.CreateBatch(ctx, correlationID, total)
	if err != nil {
		return models.BatchProgress{}, err
	}
	return job.Progress(), nil
}

// OnTerminalEvent counts one document outcome. Repeats for the same document, and outcomes
// arriving after the batch closed or was cancelled, change nothing and report false.
func (c *Coordinator) OnTerminalEvent(ctx context.Context, correlationID, documentID string, outcome models.Outcome) (bool, error) {
	changed, err := c.store.RecordTerminal(ctx, correlationID, documentID, outcome)
	if err != nil {
		return false, err
	}
	if changed {
		c.emit(ctx, correlationID)
	}
	return changed, nil
}

// GetStatus returns the batch's progress. The status is recomputed from the counters so a
// batch whose counters reached total always reads as closed.
func (c *Coordinator) GetStatus(ctx context.Context, correlationID string) (models.BatchProgress, error) {
	job, err := c.store.GetBatch(ctx, correlationID)
	if err != nil {
		return models.BatchProgress{}, err
	}
	p := job.Progress()
	p.Status = job.ResolveStatus()
	return p, nil
}

// Cancel stops counting for a batch. Documents already in flight still finish; their outcomes are ignored.
func (c *Coordinator) Cancel(ctx context.Context, correlationID string) (models.BatchProgress, error) {
	job, err := c.store.CancelBatch(ctx, correlationID)
	if err != nil {
		return models.BatchProgress{}, err
	}
	p := job.Progress()
	if c.onProgress != nil {
		c.onProgress(p)
	}
	c.logger.Info("batch cancelled", zap.String("correlation_id", correlationID), zap.String("status", string(p.Status)))
	return p, nil
}

func (c *Coordinator) emit(ctx context.Context, correlationID string) {
	if c.onProgress == nil {
		return
	}
	p, err := c.GetStatus(ctx, correlationID)
	if err != nil {
		c.logger.Warn("failed to load batch progress", zap.String("correlation_id", correlationID), zap.Error(err))
		return
	}
	c.onProgress(p)
}

// Run consumes terminal document events until ctx ends or the router closes.
func (c *Coordinator) Run(ctx context.Context) error {
	sub, err := c.broker.Subscribe(ctx, Queue, models.EventIndexed, models.EventFailed)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", Queue, err)
	}
	for {
		d, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, events.ErrClosed) {
				return nil
			}
			return err
		}
		if err := c.Process(ctx, d); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to settle batch event", zap.String("message_id", d.Envelope.ID), zap.Error(err))
		}
	}
}

// Process counts one delivery and settles it.
func (c *Coordinator) Process(ctx context.Context, d *events.Delivery) error {
	env := d.Envelope
	if env.CorrelationID == "" {
		return c.broker.Ack(ctx, d.Handle)
	}
	docID, err := env.DocumentID()
	if err != nil {
		c.logger.Warn("dropping malformed event", zap.String("message_id", env.ID), zap.Error(err))
		return c.broker.Ack(ctx, d.Handle)
	}
	outcome := models.OutcomeCompleted
	if env.EventType == models.EventFailed {
		outcome = models.OutcomeFailed
	}
	changed, err := c.OnTerminalEvent(ctx, env.CorrelationID, docID, outcome)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.logger.Warn("terminal event for unknown batch", zap.String("correlation_id", env.CorrelationID), zap.String("document_id", docID))
	case err != nil:
		return c.broker.Nack(ctx, d.Handle, events.NackOptions{Requeue: true, Delay: c.retryDelay, Reason: err.Error()})
	case !changed:
		c.logger.Debug("outcome already counted or batch closed",
			zap.String("correlation_id", env.CorrelationID), zap.String("document_id", docID))
	}
	return c.broker.Ack(ctx, d.Handle)
}
