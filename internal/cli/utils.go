// Package cli provides output formatting and an HTTP client for the nagare command.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/hyperjump/nagare/internal/events"
	"github.com/hyperjump/nagare/internal/models"
	"github.com/hyperjump/nagare/pkg/utils"
)

// OutputFormat selects how command results are printed.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseFormat validates a --output flag value.
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputText, OutputJSON:
		return OutputFormat(s), nil
	}
	return "", fmt.Errorf("unknown output format %q; use text or json", s)
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteSearchResults writes search results to w in the given format.
// Use OutputJSON for parseable output consumable by other apps.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, response)
	}
	mode := string(response.Mode)
	if response.Degraded {
		mode += ", degraded"
	}
	fmt.Fprintf(w, "\nFound %d results in %dms (%s)\n", response.Total, response.QueryTime, mode)
	for _, warning := range response.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
	fmt.Fprintln(w)
	for _, result := range response.Results {
		writeOneResult(w, result)
	}
	return nil
}

func writeOneResult(w io.Writer, result *models.SearchResult) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Rank: %d | Score: %.4f (Keyword: %s, Semantic: %s)\n",
		result.Rank, result.Score, rankLabel(result.KeywordRank), rankLabel(result.SemanticRank))
	fmt.Fprintf(w, "ID: %s\n", result.Document.ID)
	if result.Document.Title != "" {
		fmt.Fprintf(w, "Title: %s\n", result.Document.Title)
	}
	if c := result.Document.CategoryOrEmpty(); c != "" {
		fmt.Fprintf(w, "Category: %s\n", c)
	}
	fmt.Fprintf(w, "Source: %s\n", utils.Truncate(result.Document.SourceRef, 120))
	fmt.Fprintln(w)
}

func rankLabel(rank int) string {
	if rank == 0 {
		return "-"
	}
	return fmt.Sprintf("#%d", rank)
}

// WriteBatch writes batch progress.
func WriteBatch(w io.Writer, p models.BatchProgress, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, p)
	}
	fmt.Fprintf(w, "batch:      %s\n", p.CorrelationID)
	fmt.Fprintf(w, "status:     %s\n", p.Status)
	fmt.Fprintf(w, "progress:   %d/%d (%.1f%%)\n", p.Completed+p.Failed, p.Total, p.Percent)
	fmt.Fprintf(w, "completed:  %d\n", p.Completed)
	fmt.Fprintf(w, "failed:     %d\n", p.Failed)
	return nil
}

// WriteDocument writes one document's processing state.
func WriteDocument(w io.Writer, doc *models.Document, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, doc)
	}
	fmt.Fprintf(w, "id:          %s\n", doc.ID)
	fmt.Fprintf(w, "title:       %s\n", doc.Title)
	fmt.Fprintf(w, "source:      %s\n", doc.SourceRef)
	fmt.Fprintf(w, "status:      %s\n", doc.Status)
	if c := doc.CategoryOrEmpty(); c != "" {
		fmt.Fprintf(w, "category:    %s", c)
		if doc.Confidence != nil {
			fmt.Fprintf(w, " (%.2f)", *doc.Confidence)
		}
		fmt.Fprintln(w)
	}
	if doc.RetryCount > 0 {
		fmt.Fprintf(w, "retries:     %d\n", doc.RetryCount)
	}
	if doc.ErrorMessage != nil {
		fmt.Fprintf(w, "error:       %s\n", *doc.ErrorMessage)
	}
	if id := doc.CorrelationID(); id != "" {
		fmt.Fprintf(w, "batch:       %s\n", id)
	}
	if len(doc.Metadata) > 0 {
		keys := make([]string, 0, len(doc.Metadata))
		for k := range doc.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w, "metadata:")
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %v\n", k, doc.Metadata[k])
		}
	}
	return nil
}

// WriteDeadLetters writes a queue's dead letters, oldest first as returned by the router.
func WriteDeadLetters(w io.Writer, queue string, letters []events.DeadLetter, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, letters)
	}
	if len(letters) == 0 {
		fmt.Fprintf(w, "no dead letters in %s\n", queue)
		return nil
	}
	for _, dl := range letters {
		fmt.Fprintf(w, "%s  %-20s attempts=%d  %s\n", dl.ID, dl.Envelope.EventType, dl.Attempts, dl.DeadAt.Format("2006-01-02T15:04:05Z07:00"))
		if dl.LastError != "" {
			fmt.Fprintf(w, "    %s\n", utils.Truncate(strings.TrimSpace(dl.LastError), 200))
		}
	}
	return nil
}
