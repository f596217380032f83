package embedding

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/hyperjump/nagare/internal/faults"
)

// RateLimited throttles calls to the wrapped embedder.
type RateLimited struct {
	inner   Embedder
	limiter *rate.Limiter
}

// NewRateLimited allows rps calls per second with the given burst. rps <= 0 disables throttling.
func NewRateLimited(inner Embedder, rps float64, burst int) *RateLimited {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{inner: inner, limiter: rate.NewLimiter(limit, burst)}
}

// Embed waits for a token, then delegates. A wait cut short by ctx is transient.
func (r *RateLimited) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, faults.Transient(fmt.Errorf("embedding rate limit: %w", err))
	}
	return r.inner.Embed(ctx, text)
}

// Dimensions returns the wrapped embedder's dimension.
func (r *RateLimited) Dimensions() int {
	return r.inner.Dimensions()
}
