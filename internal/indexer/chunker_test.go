package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/hyperjump/nagare/internal/events"
	"github.com/hyperjump/nagare/internal/models"
)

type sliceSource struct {
	items []*events.Delivery
}

func (s *sliceSource) Next(ctx context.Context) (*events.Delivery, error) {
	if len(s.items) == 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	d := s.items[0]
	s.items = s.items[1:]
	return d, nil
}

func deliveries(n int) []*events.Delivery {
	out := make([]*events.Delivery, n)
	for i := range out {
		out[i] = &events.Delivery{Envelope: models.Envelope{ID: string(rune('a' + i))}}
	}
	return out
}

func TestChunker_FlushesOnSize(t *testing.T) {
	src := &sliceSource{items: deliveries(7)}
	c := NewChunker(3, time.Hour)
	ctx := context.Background()

	for _, want := range []int{3, 3} {
		chunk, err := c.Next(ctx, src)
		if err != nil {
			t.Fatal(err)
		}
		if len(chunk) != want {
			t.Errorf("chunk size = %d, want %d", len(chunk), want)
		}
	}
	if len(src.items) != 1 {
		t.Errorf("remaining = %d", len(src.items))
	}
}

func TestChunker_FlushesOnInterval(t *testing.T) {
	src := &sliceSource{items: deliveries(2)}
	c := NewChunker(500, 20*time.Millisecond)
	start := time.Now()
	chunk, err := c.Next(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunk) != 2 {
		t.Errorf("chunk size = %d, want 2", len(chunk))
	}
	if time.Since(start) > time.Second {
		t.Error("partial chunk was held too long")
	}
}

func TestChunker_CancelledWhileEmpty(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	chunk, err := NewChunker(10, time.Second).Next(ctx, &sliceSource{})
	if err == nil || chunk != nil {
		t.Errorf("got chunk=%v err=%v, want cancellation", chunk, err)
	}
}

func TestPreprocess(t *testing.T) {
	if Preprocess("  a  b  ") != "a b" {
		t.Error("expected trimmed and collapsed spaces")
	}
}

func TestEmbeddingText_RuneSafe(t *testing.T) {
	got := EmbeddingText("  ünïcödé\n\ttext  ", 4)
	if got != "ünïc" {
		t.Errorf("EmbeddingText = %q", got)
	}
	if EmbeddingText("short", 8000) != "short" {
		t.Error("short text should pass through")
	}
}
