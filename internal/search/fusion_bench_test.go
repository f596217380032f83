package search

import (
	"fmt"
	"testing"
)

func BenchmarkFuseRRF(b *testing.B) {
	kw := make([]Candidate, 200)
	sem := make([]Candidate, 200)
	for i := range kw {
		kw[i] = Candidate{ID: fmt.Sprintf("doc-%03d", i), Score: float64(200-i) / 200}
		sem[i] = Candidate{ID: fmt.Sprintf("doc-%03d", (i*7)%300), Score: float64(200-i) / 200}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = FuseRRF(kw, sem, 0.5, 0.5, 60)
	}
}
