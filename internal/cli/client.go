package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hyperjump/nagare/internal/events"
	"github.com/hyperjump/nagare/internal/index"
	"github.com/hyperjump/nagare/internal/indexer"
	"github.com/hyperjump/nagare/internal/ingest"
	"github.com/hyperjump/nagare/internal/models"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Stats is the shape of GET /api/v1/stats.
type Stats struct {
	Documents      map[models.Status]int64      `json:"documents"`
	Queues         map[string]events.QueueStats `json:"queues"`
	Indexer        *indexer.Stats               `json:"indexer,omitempty"`
	Index          *index.Health                `json:"index,omitempty"`
	DiskUsageBytes map[string]int64             `json:"disk_usage_bytes,omitempty"`
}

// Client talks to a running nagare server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Search runs a query.
func (c *Client) Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	var resp models.SearchResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/search", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Submit submits documents as one batch.
func (c *Client) Submit(ctx context.Context, docs []ingest.NewDocument) (*ingest.Receipt, error) {
	var receipt ingest.Receipt
	body := map[string]any{"documents": docs}
	if err := c.do(ctx, http.MethodPost, "/api/v1/documents", body, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Batch returns batch progress.
func (c *Client) Batch(ctx context.Context, correlationID string) (models.BatchProgress, error) {
	var p models.BatchProgress
	err := c.do(ctx, http.MethodGet, "/api/v1/batches/"+url.PathEscape(correlationID), nil, &p)
	return p, err
}

// CancelBatch cancels a batch and returns its final progress.
func (c *Client) CancelBatch(ctx context.Context, correlationID string) (models.BatchProgress, error) {
	var p models.BatchProgress
	err := c.do(ctx, http.MethodPost, "/api/v1/batches/"+url.PathEscape(correlationID)+"/cancel", nil, &p)
	return p, err
}

// Document returns one document.
func (c *Client) Document(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document
	if err := c.do(ctx, http.MethodGet, "/api/v1/documents/"+url.PathEscape(id), nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// DeadLetters lists a queue's dead letters.
func (c *Client) DeadLetters(ctx context.Context, queue string) ([]events.DeadLetter, error) {
	var resp struct {
		DeadLetters []events.DeadLetter `json:"dead_letters"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/queues/"+url.PathEscape(queue)+"/dead-letters", nil, &resp); err != nil {
		return nil, err
	}
	return resp.DeadLetters, nil
}

// Replay moves a dead letter back onto its queue.
func (c *Client) Replay(ctx context.Context, queue, id string) error {
	path := "/api/v1/queues/" + url.PathEscape(queue) + "/dead-letters/" + url.PathEscape(id) + "/replay"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Stats returns document, queue, and index statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(resp.Body)
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(b))
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
