package indexer

import (
	"context"
	"errors"
	"time"

	"github.com/hyperjump/nagare/internal/events"
)

// source yields deliveries; *events.Subscription satisfies it.
type source interface {
	Next(ctx context.Context) (*events.Delivery, error)
}

// Chunker groups deliveries into chunks that close on size or after a flush interval.
type Chunker struct {
	size     int
	interval time.Duration
}

// NewChunker creates a chunker; the interval is measured from the first delivery of a chunk.
func NewChunker(size int, interval time.Duration) *Chunker {
	if size <= 0 {
		size = 1
	}
	return &Chunker{size: size, interval: interval}
}

// Next blocks for the first delivery, then gathers more until the chunk is full or the
// interval elapses. A partial chunk is returned together with any error that ended it.
func (c *Chunker) Next(ctx context.Context, src source) ([]*events.Delivery, error) {
	first, err := src.Next(ctx)
	if err != nil {
		return nil, err
	}
	chunk := make([]*events.Delivery, 1, c.size)
	chunk[0] = first

	deadline := time.Now().Add(c.interval)
	for len(chunk) < c.size {
		wait, cancel := context.WithDeadline(ctx, deadline)
		d, err := src.Next(wait)
		cancel()
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return chunk, nil
			}
			return chunk, err
		}
		chunk = append(chunk, d)
	}
	return chunk, nil
}
