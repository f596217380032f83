// Package embeddingtest provides embedders for tests.
package embeddingtest

import (
	"context"
	"errors"
	"sync"

	"github.com/hyperjump/nagare/internal/embedding"
	"github.com/hyperjump/nagare/internal/faults"
)

// ErrInjected is the error returned for texts selected to fail.
var ErrInjected = errors.New("embeddingtest: injected failure")

// Faulty wraps an embedder and fails every call whose text satisfies Fail.
// Injected failures are transient so callers treat them like a flaky model server.
type Faulty struct {
	Inner embedding.Embedder
	Fail  func(text string) bool

	mu    sync.Mutex
	calls map[string]int
}

// Embed delegates unless the text is selected to fail.
func (f *Faulty) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[text]++
	f.mu.Unlock()
	if f.Fail != nil && f.Fail(text) {
		return nil, faults.Transient(ErrInjected)
	}
	return f.Inner.Embed(ctx, text)
}

// Dimensions returns the wrapped embedder's dimension.
func (f *Faulty) Dimensions() int {
	return f.Inner.Dimensions()
}

// Calls returns how many times text was embedded.
func (f *Faulty) Calls(text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[text]
}

// Total returns the number of Embed calls.
func (f *Faulty) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}
