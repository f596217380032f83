package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/hyperjump/nagare/internal/events"
	"github.com/hyperjump/nagare/internal/models"
)

func sampleResponse() *models.SearchResponse {
	return &models.SearchResponse{
		Query:         "test query",
		QueryTime:     42,
		Total:         1,
		RequestedMode: models.ModeHybrid,
		Mode:          models.ModeHybrid,
		Results: []*models.SearchResult{
			{
				Rank:         1,
				Score:        0.0325,
				KeywordScore: 0.9,
				KeywordRank:  1,
				SemanticRank: 2,
				Document: &models.Document{
					ID:        "doc-1",
					Title:     "Test Doc",
					SourceRef: "file:///inbox/test.txt",
					Category:  models.StringPtr("report"),
					Status:    models.StatusIndexed,
					CreatedAt: time.Now(),
					UpdatedAt: time.Now(),
				},
			},
		},
	}
}

func TestWriteSearchResults_JSON(t *testing.T) {
	response := sampleResponse()
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, response, OutputJSON); err != nil {
		t.Fatalf("WriteSearchResults(json): %v", err)
	}
	var decoded models.SearchResponse
	if err := json.NewDecoder(&buf).Decode(&decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.Query != response.Query || decoded.QueryTime != response.QueryTime {
		t.Errorf("decoded query=%q query_time=%d, want query=%q query_time=%d",
			decoded.Query, decoded.QueryTime, response.Query, response.QueryTime)
	}
	if len(decoded.Results) != 1 || decoded.Results[0].Document.ID != "doc-1" {
		t.Errorf("decoded results: want one result with id doc-1, got %+v", decoded.Results)
	}
}

func TestWriteSearchResults_text(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, sampleResponse(), OutputText); err != nil {
		t.Fatalf("WriteSearchResults(text): %v", err)
	}
	out := buf.String()
	for _, sub := range []string{"Found 1 results", "42ms", "(hybrid)", "Rank: 1", "Keyword: #1", "Semantic: #2", "ID: doc-1", "Test Doc", "Category: report"} {
		if !strings.Contains(out, sub) {
			t.Errorf("text output missing %q:\n%s", sub, out)
		}
	}
}

func TestWriteSearchResults_textDegraded(t *testing.T) {
	response := &models.SearchResponse{
		Query:         "bar",
		RequestedMode: models.ModeHybrid,
		Mode:          models.ModeKeyword,
		Degraded:      true,
		Warnings:      []string{"semantic ranking unavailable"},
		Results: []*models.SearchResult{
			{Rank: 1, Score: 0.01, KeywordRank: 1, Document: &models.Document{ID: "id2"}},
		},
		Total: 1,
	}
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, response, OutputText); err != nil {
		t.Fatalf("WriteSearchResults(text): %v", err)
	}
	out := buf.String()
	for _, sub := range []string{"keyword, degraded", "warning: semantic ranking unavailable", "Semantic: -"} {
		if !strings.Contains(out, sub) {
			t.Errorf("text output missing %q:\n%s", sub, out)
		}
	}
}

func TestParseFormat(t *testing.T) {
	for _, s := range []string{"text", "json"} {
		if _, err := ParseFormat(s); err != nil {
			t.Errorf("ParseFormat(%q): %v", s, err)
		}
	}
	if _, err := ParseFormat("yaml"); err == nil {
		t.Error("ParseFormat(yaml) should fail")
	}
}

func TestWriteBatch_text(t *testing.T) {
	p := models.BatchProgress{CorrelationID: "b-1", Total: 4, Completed: 3, Failed: 1, Percent: 100, Status: models.BatchFailedPartial}
	var buf bytes.Buffer
	if err := WriteBatch(&buf, p, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, sub := range []string{"b-1", "failed-partial", "4/4 (100.0%)"} {
		if !strings.Contains(out, sub) {
			t.Errorf("batch output missing %q:\n%s", sub, out)
		}
	}
}

func TestWriteDocument_text(t *testing.T) {
	doc := &models.Document{
		ID:           "doc-9",
		Title:        "q3.txt",
		SourceRef:    "s3://reports/q3.txt",
		Status:       models.StatusFailed,
		Category:     models.StringPtr("report"),
		Confidence:   models.Float64Ptr(0.75),
		RetryCount:   2,
		ErrorMessage: models.StringPtr("retries exhausted"),
		Metadata:     map[string]any{"word_count": 12, "dates": "2024-01-01"},
	}
	var buf bytes.Buffer
	if err := WriteDocument(&buf, doc, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, sub := range []string{"doc-9", "report (0.75)", "retries:     2", "retries exhausted", "dates: 2024-01-01", "word_count: 12"} {
		if !strings.Contains(out, sub) {
			t.Errorf("document output missing %q:\n%s", sub, out)
		}
	}
	if strings.Index(out, "dates:") > strings.Index(out, "word_count:") {
		t.Errorf("metadata keys should be sorted:\n%s", out)
	}
}

func TestWriteDeadLetters(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteDeadLetters(&buf, "indexing", nil, OutputText); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "no dead letters in indexing") {
		t.Errorf("unexpected empty output: %q", buf.String())
	}

	buf.Reset()
	letters := []events.DeadLetter{{
		ID:        "m-1",
		Queue:     "indexing",
		Envelope:  models.Envelope{EventType: models.EventExtracted},
		Attempts:  5,
		LastError: "visibility timeout",
		DeadAt:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}}
	if err := WriteDeadLetters(&buf, "indexing", letters, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, sub := range []string{"m-1", models.EventExtracted, "attempts=5", "2024-05-01T12:00:00Z", "visibility timeout"} {
		if !strings.Contains(out, sub) {
			t.Errorf("dead letter output missing %q:\n%s", sub, out)
		}
	}
}
