package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/nagare/internal/events"
	"github.com/hyperjump/nagare/internal/faults"
	"github.com/hyperjump/nagare/internal/models"
	"github.com/hyperjump/nagare/internal/retry"
	"github.com/hyperjump/nagare/internal/storage"
)

// Config bounds collaborator calls and retries.
type Config struct {
	// MaxRetries is how many transient failures a document may absorb per stage before it
	// fails; a document that always fails transiently is attempted MaxRetries+1 times.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Timeout is the soft limit on one collaborator call.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
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

// policy is the requeue backoff. Delay(n) is base * 2^(n-1), capped.
func (c Config) policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.MaxRetries + 1,
		BaseDelay:   c.BackoffBase,
		Multiplier:  2,
		MaxDelay:    c.BackoffMax,
	}
}

// Worker consumes deliveries for one stage.
type Worker struct {
	stage  Stage
	broker events.Broker
	store  storage.Store
	cfg    Config
	logger *zap.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// New returns a worker for stage.
func New(stage Stage, broker events.Broker, store storage.Store, cfg Config, opts ...Option) *Worker {
	w := &Worker{
		stage:  stage,
		broker: broker,
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("stage", stage.Name))
	return w
}

// Run subscribes to the stage queue and processes deliveries until ctx ends or the router
// closes. Only infrastructure failures are returned.
func (w *Worker) Run(ctx context.Context) error {
	sub, err := w.broker.Subscribe(ctx, w.stage.Queue, w.stage.Consumes)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", w.stage.Queue, err)
	}
	for {
		d, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, events.ErrClosed) {
				return nil
			}
			return err
		}
		if err := w.Process(ctx, d); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if faults.IsInfrastructure(err) {
				return err
			}
			w.logger.Error("delivery left unacknowledged", zap.String("message_id", d.Handle.MessageID), zap.Error(err))
		}
	}
}

// Process handles one delivery and settles it. A returned error means the delivery was left
// unsettled and will be redelivered after the visibility timeout.
func (w *Worker) Process(ctx context.Context, d *events.Delivery) error {
	env := d.Envelope
	log := w.logger.With(zap.String("message_id", env.ID), zap.Int("delivery_attempt", env.DeliveryAttempt))

	docID, err := env.DocumentID()
	if err != nil {
		log.Warn("dropping malformed event", zap.String("event_type", env.EventType), zap.Error(err))
		return w.broker.Ack(ctx, d.Handle)
	}
	log = log.With(zap.String("document_id", docID))

	doc, err := w.store.GetDocument(ctx, docID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("dropping event for unknown document")
		return w.broker.Ack(ctx, d.Handle)
	}
	if err != nil {
		return w.requeue(ctx, d, 0, fmt.Errorf("load document: %w", err))
	}

	st := w.stage
	switch {
	case doc.Status == models.StatusFailed:
		// Failed before the ack was lost; emit again so the batch still counts it.
		if err := w.publish(ctx, models.EventFailed, doc, w.failedExtra(doc.ErrorString())); err != nil {
			return err
		}
		return w.broker.Ack(ctx, d.Handle)
	case doc.Status.IsTerminal(), st.Done.Before(doc.Status):
		log.Debug("document already past stage", zap.String("status", string(doc.Status)))
		return w.broker.Ack(ctx, d.Handle)
	case doc.Status == st.Done:
		// Finished before the ack was lost; emit again so downstream still hears about it.
		if err := w.publish(ctx, st.Produces, doc, nil); err != nil {
			return err
		}
		return w.broker.Ack(ctx, d.Handle)
	case doc.Status.Before(st.From):
		log.Debug("out-of-order event ignored", zap.String("status", string(doc.Status)))
		return w.broker.Ack(ctx, d.Handle)
	case doc.Status == st.From:
		err := w.store.TransitionStatus(ctx, doc.ID, st.From, st.InProgress)
		if errors.Is(err, storage.ErrConflict) {
			log.Debug("another consumer claimed the document")
			return w.broker.Ack(ctx, d.Handle)
		}
		if err != nil {
			return w.requeue(ctx, d, 0, fmt.Errorf("claim document: %w", err))
		}
		doc.Status = st.InProgress
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	update, err := st.Handler.Handle(callCtx, doc)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return w.handleFailure(ctx, d, doc, err, log)
	}

	err = w.store.CompleteStage(ctx, doc.ID, st.InProgress, st.Done, update)
	if errors.Is(err, storage.ErrConflict) {
		log.Info("document moved on while stage ran; dropping result")
		return w.broker.Ack(ctx, d.Handle)
	}
	if err != nil {
		return w.requeue(ctx, d, 0, fmt.Errorf("record stage result: %w", err))
	}
	if err := w.publish(ctx, st.Produces, doc, nil); err != nil {
		return err
	}
	log.Debug("stage completed")
	return w.broker.Ack(ctx, d.Handle)
}

func (w *Worker) handleFailure(ctx context.Context, d *events.Delivery, doc *models.Document, cause error, log *zap.Logger) error {
	if !faults.IsTransient(cause) {
		log.Warn("stage failed permanently", zap.Error(cause))
		return w.fail(ctx, d, doc, cause)
	}
	n, err := w.store.IncrementRetry(ctx, doc.ID, cause.Error())
	if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
		return w.broker.Ack(ctx, d.Handle)
	}
	if err != nil {
		return w.requeue(ctx, d, 0, fmt.Errorf("record retry: %w", err))
	}
	if n > w.cfg.MaxRetries {
		log.Warn("retries exhausted", zap.Int("retry_count", n), zap.Error(cause))
		return w.fail(ctx, d, doc, fmt.Errorf("retries exhausted after %d attempts: %w", n, cause))
	}
	log.Info("transient failure, requeueing", zap.Int("retry_count", n), zap.Error(cause))
	return w.requeue(ctx, d, n, cause)
}

// requeue makes the delivery visible again after base * 2^retryCount. Infrastructure hiccups
// that did not consume a retry pass zero.
func (w *Worker) requeue(ctx context.Context, d *events.Delivery, retryCount int, cause error) error {
	return w.broker.Nack(ctx, d.Handle, events.NackOptions{
		Requeue: true,
		Delay:   requeueDelay(w.cfg.policy(), retryCount),
		Reason:  cause.Error(),
	})
}

func (w *Worker) fail(ctx context.Context, d *events.Delivery, doc *models.Document, cause error) error {
	err := w.store.MarkFailed(ctx, doc.ID, cause.Error())
	if err != nil && !errors.Is(err, storage.ErrConflict) {
		return w.requeue(ctx, d, 0, fmt.Errorf("mark failed: %w", err))
	}
	if err == nil {
		if err := w.publish(ctx, models.EventFailed, doc, w.failedExtra(cause.Error())); err != nil {
			return err
		}
	}
	return w.broker.Ack(ctx, d.Handle)
}

func (w *Worker) failedExtra(reason string) map[string]any {
	return map[string]any{"stage": w.stage.Name, "error": reason}
}

func (w *Worker) publish(ctx context.Context, eventType string, doc *models.Document, extra map[string]any) error {
	if err := w.broker.Publish(ctx, eventType, models.DocumentPayload(doc.ID, extra), doc.CorrelationID()); err != nil {
		return fmt.Errorf("publish %s for %s: %w", eventType, doc.ID, err)
	}
	return nil
}

// requeueDelay maps a document's retry count onto the policy: base * 2^retryCount, capped.
func requeueDelay(p retry.Policy, retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	return p.Delay(retryCount + 1)
}

// Group runs competing consumers for every registered stage.
type Group struct {
	registry    *Registry
	broker      events.Broker
	store       storage.Store
	cfg         Config
	concurrency map[string]int
	logger      *zap.Logger
}

// NewGroup returns a group; concurrency maps stage name to consumer count (default 1).
func NewGroup(registry *Registry, broker events.Broker, store storage.Store, cfg Config, concurrency map[string]int, logger *zap.Logger) *Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Group{
		registry:    registry,
		broker:      broker,
		store:       store,
		cfg:         cfg,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run blocks until ctx ends or any consumer hits an infrastructure failure, which cancels the rest.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, stage := range g.registry.Stages() {
		n := g.concurrency[stage.Name]
		if n <= 0 {
			n = 1
		}
		g.logger.Info("starting stage consumers", zap.String("stage", stage.Name), zap.Int("consumers", n))
		for i := 0; i < n; i++ {
			w := New(stage, g.broker, g.store, g.cfg, WithLogger(g.logger.With(zap.Int("consumer", i))))
			eg.Go(func() error { return w.Run(ctx) })
		}
	}
	return eg.Wait()
}
