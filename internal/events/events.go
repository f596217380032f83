// Package events is the durable message router between pipeline stages. Events are
// published by type to every queue whose binding patterns match; each queue is consumed
// by competing subscribers with at-least-once delivery, visibility timeouts, and a
// per-queue dead-letter store.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/hyperjump/nagare/internal/models"
)

var (
	// ErrUnroutable is returned when no queue is bound to an event type.
	ErrUnroutable = errors.New("no queue bound for event type")
	// ErrStaleHandle is returned when acking or nacking a delivery that was re-claimed or already settled.
	ErrStaleHandle = errors.New("stale delivery handle")
	// ErrUnknownQueue is returned for operations on a queue that was never declared.
	ErrUnknownQueue = errors.New("unknown queue")
	// ErrNotFound is returned when a dead-lettered message does not exist.
	ErrNotFound = errors.New("message not found")
	// ErrClosed is returned after the router is closed.
	ErrClosed = errors.New("router closed")
	// ErrInvalidName is returned for malformed queue names or binding patterns.
	ErrInvalidName = errors.New("invalid queue name or pattern")
)

// Handle identifies one delivery of a message. It is only valid until the delivery is
// settled or its visibility timeout lets another consumer claim the message.
type Handle struct {
	Queue     string
	MessageID string
	token     uint64
}

// Delivery is a claimed message.
type Delivery struct {
	Envelope models.Envelope
	Handle   Handle
}

// NackOptions controls a negative acknowledgement.
type NackOptions struct {
	// Requeue makes the message visible again after Delay. Without it the message is dead-lettered.
	Requeue bool
	Delay   time.Duration
	// Reason is stored as the message's last error.
	Reason string
}

// QueueStats is a point-in-time view of one queue.
type QueueStats struct {
	Patterns     []string `json:"patterns"`
	Ready        int      `json:"ready"`
	Delayed      int      `json:"delayed"`
	InFlight     int      `json:"in_flight"`
	DeadLettered int      `json:"dead_lettered"`
}

// DeadLetter is a message that exhausted its delivery attempts or was rejected.
type DeadLetter struct {
	ID        string          `json:"id"`
	Queue     string          `json:"queue"`
	Envelope  models.Envelope `json:"envelope"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error"`
	DeadAt    time.Time       `json:"dead_at"`
}

// Publisher publishes events.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any, correlationID string) error
}

// Broker is the consuming side of the router as seen by workers.
type Broker interface {
	Publisher
	Subscribe(ctx context.Context, queue string, patterns ...string) (*Subscription, error)
	Ack(ctx context.Context, h Handle) error
	Nack(ctx context.Context, h Handle, opts NackOptions) error
}
