package indexer

import (
	"sync"
	"time"
)

// ChunkReport summarizes one processed chunk.
type ChunkReport struct {
	Size            int           `json:"size"`
	Skipped         int           `json:"skipped"`
	EmbeddingOK     int           `json:"embedding_ok"`
	EmbeddingFailed int           `json:"embedding_failed"`
	Written         int           `json:"written"`
	Failed          int           `json:"failed"`
	Requeued        int           `json:"requeued"`
	WriteAttempts   int           `json:"write_attempts"`
	FailureSamples  []string      `json:"failure_samples,omitempty"`
	Duration        time.Duration `json:"duration"`
}

func (r *ChunkReport) sample(limit int, reason string) {
	if len(r.FailureSamples) < limit {
		r.FailureSamples = append(r.FailureSamples, reason)
	}
}

// Stats are cumulative counters since start.
type Stats struct {
	Chunks            int64        `json:"chunks"`
	Documents         int64        `json:"documents"`
	Indexed           int64        `json:"indexed"`
	Failed            int64        `json:"failed"`
	Requeued          int64        `json:"requeued"`
	EmbeddingFailures int64        `json:"embedding_failures"`
	LastChunk         *ChunkReport `json:"last_chunk,omitempty"`
}

type statsRecorder struct {
	mu    sync.Mutex
	stats Stats
}

func (s *statsRecorder) record(r ChunkReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Chunks++
	s.stats.Documents += int64(r.Size)
	s.stats.Indexed += int64(r.Written)
	s.stats.Failed += int64(r.Failed)
	s.stats.Requeued += int64(r.Requeued)
	s.stats.EmbeddingFailures += int64(r.EmbeddingFailed)
	last := r
	last.FailureSamples = append([]string(nil), r.FailureSamples...)
	s.stats.LastChunk = &last
}

func (s *statsRecorder) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	if out.LastChunk != nil {
		last := *out.LastChunk
		out.LastChunk = &last
	}
	return out
}
