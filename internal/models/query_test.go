package models

import (
	"errors"
	"testing"
)

func TestSearchQuery_Validate(t *testing.T) {
	tests := []struct {
		name    string
		query   *SearchQuery
		wantErr bool
	}{
		{"empty query", &SearchQuery{Query: ""}, true},
		{"whitespace query", &SearchQuery{Query: "   "}, true},
		{"valid query", &SearchQuery{Query: "hello"}, false},
		{"sets default limit", &SearchQuery{Query: "x", Limit: 0}, false},
		{"caps limit", &SearchQuery{Query: "x", Limit: 200}, false},
		{"unknown mode", &SearchQuery{Query: "x", Mode: "fuzzy"}, true},
		{"negative offset", &SearchQuery{Query: "x", Offset: -1}, true},
		{"negative weight", &SearchQuery{Query: "x", KeywordWeight: -0.5}, true},
		{"unbalanced quote", &SearchQuery{Query: `"invoice total`}, true},
		{"phrase query", &SearchQuery{Query: `"invoice total"`}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.query.Validate(10, 100)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidQuery) {
					t.Errorf("expected ErrInvalidQuery, got %v", err)
				}
				return
			}
			if tt.query.Limit == 0 {
				t.Error("expected default limit to be set")
			}
			if tt.query.Limit > 100 {
				t.Errorf("expected limit capped at 100, got %d", tt.query.Limit)
			}
			if tt.query.Mode != ModeHybrid {
				t.Errorf("expected hybrid default mode, got %q", tt.query.Mode)
			}
		})
	}
}
