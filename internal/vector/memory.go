package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type stored struct {
	category string
	vector   []float32
	norm     float64
}

// MemoryIndex is an in-memory vector index using brute-force cosine similarity.
type MemoryIndex struct {
	dimensions int
	entries    map[string]stored
	mu         sync.RWMutex
}

// NewMemoryIndex creates an in-memory vector index with the given dimension.
func NewMemoryIndex(dimensions int) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &MemoryIndex{
		dimensions: dimensions,
		entries:    make(map[string]stored),
	}, nil
}

// Dimensions returns the vector length the index accepts.
func (m *MemoryIndex) Dimensions() int {
	return m.dimensions
}

func (m *MemoryIndex) prepare(e Entry) (stored, error) {
	if e.ID == "" {
		return stored{}, fmt.Errorf("vector entry id is empty")
	}
	if len(e.Vector) != m.dimensions {
		return stored{}, fmt.Errorf("vector dimension mismatch for %s: got %d, expected %d", e.ID, len(e.Vector), m.dimensions)
	}
	vec := make([]float32, m.dimensions)
	copy(vec, e.Vector)
	return stored{category: e.Category, vector: vec, norm: L2Norm(vec)}, nil
}

// Upsert validates every entry before storing any of them.
func (m *MemoryIndex) Upsert(ctx context.Context, entries []Entry) error {
	prepared := make([]stored, len(entries))
	for i, e := range entries {
		s, err := m.prepare(e)
		if err != nil {
			return err
		}
		prepared[i] = s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range entries {
		m.entries[e.ID] = prepared[i]
	}
	return nil
}

// Delete removes the given ids.
func (m *MemoryIndex) Delete(ctx context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.entries, id)
	}
	return nil
}

// Replace swaps the whole index for entries.
func (m *MemoryIndex) Replace(entries []Entry) error {
	next := make(map[string]stored, len(entries))
	for _, e := range entries {
		s, err := m.prepare(e)
		if err != nil {
			return err
		}
		next[e.ID] = s
	}
	m.mu.Lock()
	m.entries = next
	m.mu.Unlock()
	return nil
}

// Search scans every candidate; zero-norm vectors never match.
func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int, category string) ([]Result, error) {
	if len(query) != m.dimensions {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), m.dimensions)
	}
	if k <= 0 {
		return nil, nil
	}
	qNorm := L2Norm(query)
	if qNorm == 0 {
		return nil, nil
	}
	m.mu.RLock()
	scores := make([]Result, 0, len(m.entries))
	for id, e := range m.entries {
		if category != "" && e.category != category {
			continue
		}
		if e.norm == 0 {
			continue
		}
		scores = append(scores, Result{ID: id, Score: InnerProduct(query, e.vector) / (qNorm * e.norm)})
	}
	m.mu.RUnlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].ID < scores[j].ID
	})
	if k < len(scores) {
		scores = scores[:k]
	}
	return scores, nil
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
