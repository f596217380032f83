package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/nagare/internal/faults"
	"github.com/hyperjump/nagare/internal/models"
)

const (
	prefixMessage = "msg/"
	prefixDead    = "dlq/"
	prefixBinding = "bind/"
)

func messageKey(queue, id string) []byte { return []byte(prefixMessage + queue + "/" + id) }
func deadKey(queue, id string) []byte    { return []byte(prefixDead + queue + "/" + id) }
func bindingKey(queue string) []byte     { return []byte(prefixBinding + queue) }

// record is the persisted form of a queued or dead-lettered message.
type record struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Envelope   models.Envelope `json:"envelope"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	DeadAt     *time.Time      `json:"dead_at,omitempty"`
}

// Config tunes delivery behaviour.
type Config struct {
	// Dir is the badger directory; empty keeps everything in memory.
	Dir                 string
	MaxDeliveryAttempts int
	VisibilityTimeout   time.Duration
	// PollInterval bounds how long a waiting subscriber sleeps between checks.
	PollInterval time.Duration
}

// Router is a badger-backed topic router with competing-consumer queues.
type Router struct {
	db          *badger.DB
	logger      *zap.Logger
	maxAttempts int
	visibility  time.Duration
	poll        time.Duration
	now         func() time.Time

	mu     sync.Mutex
	queues map[string]*queue
	seq    uint64
	token  uint64
	closed bool
	done   chan struct{}
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// Open opens the router, restoring bindings and undelivered messages. Messages that were
// in flight when the process stopped are immediately visible again.
func Open(cfg Config, opts ...Option) (*Router, error) {
	r := &Router{
		logger:      zap.NewNop(),
		maxAttempts: cfg.MaxDeliveryAttempts,
		visibility:  cfg.VisibilityTimeout,
		poll:        cfg.PollInterval,
		now:         time.Now,
		queues:      make(map[string]*queue),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 5
	}
	if r.visibility <= 0 {
		r.visibility = 5 * time.Minute
	}
	if r.poll <= 0 {
		r.poll = 500 * time.Millisecond
	}
	db, err := openBadger(cfg.Dir, r.logger)
	if err != nil {
		return nil, err
	}
	r.db = db
	if err := r.restore(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Router) restore() error {
	var pending []record
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			switch {
			case strings.HasPrefix(key, prefixBinding):
				var patterns []string
				if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &patterns) }); err != nil {
					return fmt.Errorf("decode binding %s: %w", key, err)
				}
				q := r.queue(strings.TrimPrefix(key, prefixBinding))
				q.patterns = patterns
			case strings.HasPrefix(key, prefixMessage):
				var rec record
				if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
					return fmt.Errorf("decode message %s: %w", key, err)
				}
				pending = append(pending, rec)
			case strings.HasPrefix(key, prefixDead):
				name, _, _ := strings.Cut(strings.TrimPrefix(key, prefixDead), "/")
				r.queue(name).dead++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].EnqueuedAt.Equal(pending[j].EnqueuedAt) {
			return pending[i].EnqueuedAt.Before(pending[j].EnqueuedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	now := r.now()
	for _, rec := range pending {
		r.seq++
		r.queue(rec.Queue).add(&item{id: rec.ID, visibleAt: now, seq: r.seq})
	}
	if len(pending) > 0 {
		r.logger.Info("restored queued messages", zap.Int("count", len(pending)))
	}
	return nil
}

// queue returns the named queue, creating it in memory. Caller holds r.mu (or is restoring).
func (r *Router) queue(name string) *queue {
	q, ok := r.queues[name]
	if !ok {
		q = newQueue(name)
		r.queues[name] = q
	}
	return q
}

// DeclareQueue creates queue if needed and adds patterns to its bindings.
func (r *Router) DeclareQueue(ctx context.Context, name string, patterns ...string) error {
	if !validQueueName(name) {
		return fmt.Errorf("%w: queue %q", ErrInvalidName, name)
	}
	for _, p := range patterns {
		if !validPattern(p) {
			return fmt.Errorf("%w: pattern %q", ErrInvalidName, p)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	q := r.queue(name)
	merged := append([]string(nil), q.patterns...)
	for _, p := range patterns {
		found := false
		for _, existing := range merged {
			if existing == p {
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, p)
		}
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	if err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(bindingKey(name), data)
	}); err != nil {
		return faults.Infrastructure(fmt.Errorf("persist binding: %w", err))
	}
	q.patterns = merged
	return nil
}

// Publish appends an envelope for eventType to every bound queue in one transaction.
func (r *Router) Publish(ctx context.Context, eventType string, payload map[string]any, correlationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env := models.Envelope{
		ID:            uuid.NewString(),
		EventType:     eventType,
		CorrelationID: correlationID,
		Timestamp:     r.now().UTC(),
		Payload:       payload,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return faults.Infrastructure(ErrClosed)
	}
	var targets []*queue
	for _, q := range r.queues {
		if q.matches(eventType) {
			targets = append(targets, q)
		}
	}
	if len(targets) == 0 {
		return fmt.Errorf("%w: %s", ErrUnroutable, eventType)
	}

	now := r.now()
	err := r.db.Update(func(txn *badger.Txn) error {
		for _, q := range targets {
			data, err := json.Marshal(record{ID: env.ID, Queue: q.name, Envelope: env, EnqueuedAt: now})
			if err != nil {
				return err
			}
			if err := txn.Set(messageKey(q.name, env.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return faults.Infrastructure(fmt.Errorf("publish %s: %w", eventType, err))
	}
	for _, q := range targets {
		r.seq++
		q.add(&item{id: env.ID, visibleAt: now, seq: r.seq})
		q.notify()
	}
	return nil
}

// Subscribe declares queue with patterns and returns a consumer for it.
func (r *Router) Subscribe(ctx context.Context, queue string, patterns ...string) (*Subscription, error) {
	if err := r.DeclareQueue(ctx, queue, patterns...); err != nil {
		return nil, err
	}
	return &Subscription{router: r, queue: queue}, nil
}

func (r *Router) loadRecord(txn *badger.Txn, key []byte) (record, error) {
	var rec record
	item, err := txn.Get(key)
	if err != nil {
		return rec, err
	}
	err = item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) })
	return rec, err
}

// claim hands out the next visible message of q, dead-lettering any that ran out of attempts.
// It returns the delay until the next message becomes visible when nothing is claimable.
// Caller holds r.mu.
func (r *Router) claim(q *queue) (*Delivery, time.Duration, error) {
	for {
		it := q.peek()
		if it == nil {
			return nil, r.poll, nil
		}
		now := r.now()
		if it.visibleAt.After(now) {
			return nil, it.visibleAt.Sub(now), nil
		}

		var (
			rec  record
			dead bool
		)
		err := r.db.Update(func(txn *badger.Txn) error {
			var err error
			rec, err = r.loadRecord(txn, messageKey(q.name, it.id))
			if err != nil {
				return err
			}
			rec.Attempts++
			if rec.Attempts > r.maxAttempts {
				dead = true
				reason := fmt.Sprintf("exceeded %d delivery attempts", r.maxAttempts)
				if rec.LastError != "" {
					reason += ": " + rec.LastError
				}
				rec.Attempts--
				rec.LastError = reason
				return r.moveToDead(txn, &rec, now)
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			return txn.Set(messageKey(q.name, it.id), data)
		})
		if errors.Is(err, badger.ErrKeyNotFound) {
			// Settled elsewhere; drop the stale heap entry.
			q.remove(it)
			continue
		}
		if err != nil {
			return nil, 0, faults.Infrastructure(fmt.Errorf("claim from %s: %w", q.name, err))
		}
		if dead {
			q.remove(it)
			q.dead++
			r.logger.Warn("message dead-lettered",
				zap.String("queue", q.name),
				zap.String("message_id", rec.ID),
				zap.String("event_type", rec.Envelope.EventType),
				zap.String("reason", rec.LastError))
			continue
		}

		r.token++
		it.token = r.token
		q.reschedule(it, now.Add(r.visibility))
		env := rec.Envelope
		env.DeliveryAttempt = rec.Attempts
		return &Delivery{
			Envelope: env,
			Handle:   Handle{Queue: q.name, MessageID: it.id, token: it.token},
		}, 0, nil
	}
}

func (r *Router) moveToDead(txn *badger.Txn, rec *record, at time.Time) error {
	deadAt := at.UTC()
	rec.DeadAt = &deadAt
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := txn.Delete(messageKey(rec.Queue, rec.ID)); err != nil {
		return err
	}
	return txn.Set(deadKey(rec.Queue, rec.ID), data)
}

// lease returns the queue and item a handle refers to, or ErrStaleHandle. Caller holds r.mu.
func (r *Router) lease(h Handle) (*queue, *item, error) {
	if r.closed {
		return nil, nil, faults.Infrastructure(ErrClosed)
	}
	q, ok := r.queues[h.Queue]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownQueue, h.Queue)
	}
	it, ok := q.items[h.MessageID]
	if !ok || it.token == 0 || it.token != h.token {
		return nil, nil, ErrStaleHandle
	}
	return q, it, nil
}

// Ack removes a delivered message.
func (r *Router) Ack(ctx context.Context, h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, it, err := r.lease(h)
	if err != nil {
		return err
	}
	if err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(messageKey(q.name, it.id))
	}); err != nil {
		return faults.Infrastructure(fmt.Errorf("ack: %w", err))
	}
	q.remove(it)
	return nil
}

// Nack releases a delivered message: requeued after a delay, or dead-lettered.
func (r *Router) Nack(ctx context.Context, h Handle, opts NackOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, it, err := r.lease(h)
	if err != nil {
		return err
	}
	now := r.now()
	err = r.db.Update(func(txn *badger.Txn) error {
		rec, err := r.loadRecord(txn, messageKey(q.name, it.id))
		if err != nil {
			return err
		}
		if opts.Reason != "" {
			rec.LastError = opts.Reason
		}
		if !opts.Requeue {
			if rec.LastError == "" {
				rec.LastError = "rejected"
			}
			return r.moveToDead(txn, &rec, now)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(messageKey(q.name, it.id), data)
	})
	if err != nil {
		return faults.Infrastructure(fmt.Errorf("nack: %w", err))
	}
	if !opts.Requeue {
		q.remove(it)
		q.dead++
		return nil
	}
	it.token = 0
	delay := opts.Delay
	if delay < 0 {
		delay = 0
	}
	q.reschedule(it, now.Add(delay))
	q.notify()
	return nil
}

// DeadLetters lists the dead-lettered messages of queue, oldest first.
func (r *Router) DeadLetters(ctx context.Context, queue string) ([]DeadLetter, error) {
	r.mu.Lock()
	_, ok := r.queues[queue]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	var out []DeadLetter
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixDead + queue + "/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec record
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
				return err
			}
			dl := DeadLetter{
				ID:        rec.ID,
				Queue:     rec.Queue,
				Envelope:  rec.Envelope,
				Attempts:  rec.Attempts,
				LastError: rec.LastError,
			}
			if rec.DeadAt != nil {
				dl.DeadAt = *rec.DeadAt
			}
			out = append(out, dl)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DeadAt.Equal(out[j].DeadAt) {
			return out[i].DeadAt.Before(out[j].DeadAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Replay moves a dead-lettered message back onto its queue with a fresh attempt counter.
func (r *Router) Replay(ctx context.Context, queue, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return faults.Infrastructure(ErrClosed)
	}
	q, ok := r.queues[queue]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	now := r.now()
	err := r.db.Update(func(txn *badger.Txn) error {
		rec, err := r.loadRecord(txn, deadKey(queue, id))
		if err != nil {
			return err
		}
		rec.Attempts = 0
		rec.LastError = ""
		rec.DeadAt = nil
		rec.EnqueuedAt = now
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := txn.Delete(deadKey(queue, id)); err != nil {
			return err
		}
		return txn.Set(messageKey(queue, id), data)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, queue, id)
	}
	if err != nil {
		return faults.Infrastructure(fmt.Errorf("replay: %w", err))
	}
	q.dead--
	r.seq++
	q.add(&item{id: id, visibleAt: now, seq: r.seq})
	q.notify()
	r.logger.Info("dead letter replayed", zap.String("queue", queue), zap.String("message_id", id))
	return nil
}

// Stats returns per-queue depths.
func (r *Router) Stats(ctx context.Context) map[string]QueueStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	out := make(map[string]QueueStats, len(r.queues))
	for name, q := range r.queues {
		out[name] = q.stats(now)
	}
	return out
}

// RunGC reclaims badger value-log space. It is a no-op for in-memory stores or when
// nothing needs rewriting.
func (r *Router) RunGC() error {
	for {
		err := r.db.RunValueLogGC(0.5)
		switch {
		case err == nil:
			continue
		case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrGCInMemoryMode):
			return nil
		default:
			return err
		}
	}
}

// Close stops all subscriptions and closes the store.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()
	return r.db.Close()
}

// Subscription consumes one queue. Several subscriptions on the same queue compete:
// each message is delivered to one of them at a time.
type Subscription struct {
	router *Router
	queue  string
}

// Queue returns the subscribed queue name.
func (s *Subscription) Queue() string {
	return s.queue
}

// Next blocks until a message is claimable, ctx ends, or the router closes.
func (s *Subscription) Next(ctx context.Context) (*Delivery, error) {
	r := s.router
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		q := r.queue(s.queue)
		d, wait, err := r.claim(q)
		wake := q.wake
		r.mu.Unlock()
		if err != nil || d != nil {
			return d, err
		}
		if wait > r.poll {
			wait = r.poll
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-r.done:
			timer.Stop()
			return nil, ErrClosed
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}
