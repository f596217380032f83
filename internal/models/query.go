package models

import (
	"errors"
	"fmt"
	"strings"
)

// SearchMode selects which rankings contribute to a search.
type SearchMode string

const (
	ModeKeyword  SearchMode = "keyword"
	ModeSemantic SearchMode = "semantic"
	ModeHybrid   SearchMode = "hybrid"
)

// ErrInvalidQuery marks a malformed search request; it is the only search error surfaced to callers.
var ErrInvalidQuery = errors.New("invalid query")

// SearchQuery represents a search request.
// Zero-valued weights and K are filled from configuration by the engine.
type SearchQuery struct {
	Query          string     `json:"query"`
	Mode           SearchMode `json:"mode,omitempty"`
	Category       string     `json:"category,omitempty"`
	Limit          int        `json:"limit,omitempty"`
	Offset         int        `json:"offset,omitempty"`
	KeywordWeight  float64    `json:"keyword_weight,omitempty"`
	SemanticWeight float64    `json:"semantic_weight,omitempty"`
	K              int        `json:"k,omitempty"`
}

// Validate normalizes the query and rejects malformed input.
// defaultLimit and maxLimit bound the page size.
func (q *SearchQuery) Validate(defaultLimit, maxLimit int) error {
	q.Query = strings.TrimSpace(q.Query)
	if q.Query == "" {
		return fmt.Errorf("%w: query cannot be empty", ErrInvalidQuery)
	}
	if q.Mode == "" {
		q.Mode = ModeHybrid
	}
	switch q.Mode {
	case ModeKeyword, ModeSemantic, ModeHybrid:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidQuery, q.Mode)
	}
	if q.Offset < 0 {
		return fmt.Errorf("%w: offset must not be negative", ErrInvalidQuery)
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: limit must not be negative", ErrInvalidQuery)
	}
	if q.KeywordWeight < 0 || q.SemanticWeight < 0 {
		return fmt.Errorf("%w: weights must not be negative", ErrInvalidQuery)
	}
	if q.K < 0 {
		return fmt.Errorf("%w: k must not be negative", ErrInvalidQuery)
	}
	if strings.Count(q.Query, `"`)%2 != 0 {
		return fmt.Errorf("%w: unbalanced quote", ErrInvalidQuery)
	}
	if q.Limit == 0 {
		q.Limit = defaultLimit
	}
	if maxLimit > 0 && q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	return nil
}
