// Package notify pushes document and batch progress to clients watching a correlation id.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/nagare/internal/events"
	"github.com/hyperjump/nagare/internal/models"
)

// Queue is the router queue the hub consumes.
const Queue = "notifier"

// Update kinds.
const (
	KindDocument = "document"
	KindBatch    = "batch"
)

// Update is one message sent to watchers.
type Update struct {
	Kind          string                `json:"kind"`
	CorrelationID string                `json:"correlation_id"`
	EventType     string                `json:"event_type,omitempty"`
	DocumentID    string                `json:"document_id,omitempty"`
	Stage         string                `json:"stage,omitempty"`
	Error         string                `json:"error,omitempty"`
	Batch         *models.BatchProgress `json:"batch,omitempty"`
	Timestamp     time.Time             `json:"timestamp"`
}

// Hub fans updates out to subscribers by correlation id. Delivery to clients is best
// effort: a subscriber whose buffer is full misses updates rather than stalling the hub.
type Hub struct {
	broker    events.Broker
	logger    *zap.Logger
	buffer    int
	heartbeat time.Duration

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan Update
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithBuffer sets the per-subscriber buffer size.
func WithBuffer(n int) Option {
	return func(h *Hub) { h.buffer = n }
}

// WithHeartbeat sets how often idle streams get a keep-alive comment.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Hub) { h.heartbeat = d }
}

// New returns a hub.
func New(broker events.Broker, opts ...Option) *Hub {
	h := &Hub{
		broker:    broker,
		logger:    zap.NewNop(),
		buffer:    64,
		heartbeat: 15 * time.Second,
		subs:      make(map[string]map[int]chan Update),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a watcher for correlationID. The returned cancel func must be called
// to release it; it closes the channel.
func (h *Hub) Subscribe(correlationID string) (<-chan Update, func()) {
	ch := make(chan Update, h.buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	if h.subs[correlationID] == nil {
		h.subs[correlationID] = make(map[int]chan Update)
	}
	h.subs[correlationID][id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[correlationID], id)
			if len(h.subs[correlationID]) == 0 {
				delete(h.subs, correlationID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of watchers for correlationID.
func (h *Hub) Subscribers(correlationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[correlationID])
}

// Broadcast sends u to every watcher of its correlation id.
func (h *Hub) Broadcast(u Update) {
	if u.CorrelationID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[u.CorrelationID] {
		select {
		case ch <- u:
		default:
			h.logger.Debug("dropping update for slow subscriber", zap.String("correlation_id", u.CorrelationID))
		}
	}
}

// BatchProgress broadcasts batch progress. It matches the batch coordinator's progress hook.
func (h *Hub) BatchProgress(p models.BatchProgress) {
	h.Broadcast(Update{Kind: KindBatch, CorrelationID: p.CorrelationID, Batch: &p, Timestamp: time.Now().UTC()})
}

// Run consumes document events until ctx ends or the router closes.
func (h *Hub) Run(ctx context.Context) error {
	sub, err := h.broker.Subscribe(ctx, Queue, "document.#")
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
		h.Broadcast(documentUpdate(d.Envelope))
		if err := h.broker.Ack(ctx, d.Handle); err != nil && ctx.Err() == nil {
			h.logger.Warn("failed to ack notification", zap.String("message_id", d.Envelope.ID), zap.Error(err))
		}
	}
}

func documentUpdate(env models.Envelope) Update {
	u := Update{
		Kind:          KindDocument,
		CorrelationID: env.CorrelationID,
		EventType:     env.EventType,
		Timestamp:     env.Timestamp,
	}
	u.DocumentID, _ = env.DocumentID()
	u.Stage = env.PayloadString("stage")
	u.Error = env.PayloadString("error")
	return u
}

// Stream writes updates for correlationID to w as server-sent events until ctx ends.
func (h *Hub) Stream(ctx context.Context, w http.ResponseWriter, correlationID string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New("streaming unsupported")
	}
	updates, cancel := h.Subscribe(correlationID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": watching %s\n\n", correlationID)
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		case u := <-updates:
			data, err := json.Marshal(u)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", u.Kind, data); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}
