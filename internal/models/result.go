package models

// SearchResult represents a single ranked hit.
// KeywordRank and SemanticRank are 1-based and zero when the document was absent from that ranking.
type SearchResult struct {
	Document      *Document `json:"document"`
	Score         float64   `json:"score"`
	KeywordScore  float64   `json:"keyword_score,omitempty"`
	SemanticScore float64   `json:"semantic_score,omitempty"`
	KeywordRank   int       `json:"keyword_rank,omitempty"`
	SemanticRank  int       `json:"semantic_rank,omitempty"`
	Rank          int       `json:"rank"`
}

// SearchResponse is the response for a search request.
// Mode is the mode actually executed; it differs from RequestedMode when the engine degraded.
type SearchResponse struct {
	Results       []*SearchResult `json:"results"`
	Total         int             `json:"total"`
	Query         string          `json:"query"`
	RequestedMode SearchMode      `json:"requested_mode"`
	Mode          SearchMode      `json:"mode"`
	Degraded      bool            `json:"degraded"`
	Warnings      []string        `json:"warnings,omitempty"`
	QueryTime     int64           `json:"query_time_ms"`
}

// Degrade marks the response as served with reduced ranking and records why.
func (r *SearchResponse) Degrade(warning string) {
	r.Degraded = true
	r.Warnings = append(r.Warnings, warning)
}
