package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyperjump/nagare/internal/config"
	"github.com/hyperjump/nagare/internal/events"
	"github.com/hyperjump/nagare/internal/faults"
	"github.com/hyperjump/nagare/internal/index"
	"github.com/hyperjump/nagare/internal/indexer"
	"github.com/hyperjump/nagare/internal/ingest"
	"github.com/hyperjump/nagare/internal/models"
	"github.com/hyperjump/nagare/internal/storage"
)

type fakeSearch struct{ last *models.SearchQuery }

func (f *fakeSearch) Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	f.last = q
	if q.Query == "" {
		return nil, fmt.Errorf("%w: query cannot be empty", models.ErrInvalidQuery)
	}
	return &models.SearchResponse{
		Query:   q.Query,
		Mode:    models.ModeKeyword,
		Results: []*models.SearchResult{{Document: &models.Document{ID: "d1"}, Score: 1, Rank: 1}},
		Total:   1,
	}, nil
}

type fakeBatches struct {
	jobs      map[string]models.BatchProgress
	cancelled []string
}

func (f *fakeBatches) GetStatus(ctx context.Context, id string) (models.BatchProgress, error) {
	p, ok := f.jobs[id]
	if !ok {
		return models.BatchProgress{}, fmt.Errorf("batch %s: %w", id, storage.ErrNotFound)
	}
	return p, nil
}

func (f *fakeBatches) Cancel(ctx context.Context, id string) (models.BatchProgress, error) {
	p, err := f.GetStatus(ctx, id)
	if err != nil {
		return p, err
	}
	f.cancelled = append(f.cancelled, id)
	p.Status = models.BatchCancelled
	return p, nil
}

type fakeDocuments struct {
	docs       map[string]*models.Document
	lastFilter storage.ListFilter
}

func (f *fakeDocuments) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	d, ok := f.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, storage.ErrNotFound)
	}
	return d, nil
}

func (f *fakeDocuments) ListDocuments(ctx context.Context, filter storage.ListFilter) ([]*models.Document, error) {
	f.lastFilter = filter
	var out []*models.Document
	for _, d := range f.docs {
		if d.CorrelationID() == filter.CorrelationID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDocuments) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	return map[models.Status]int64{models.StatusIndexed: int64(len(f.docs))}, nil
}

type fakeIngest struct{ got []ingest.NewDocument }

func (f *fakeIngest) SubmitBatch(ctx context.Context, docs []ingest.NewDocument) (*ingest.Receipt, error) {
	if len(docs) == 0 {
		return nil, faults.Validation(ingest.ErrEmpty)
	}
	f.got = docs
	return &ingest.Receipt{CorrelationID: "batch-new", Accepted: []string{"d9"}}, nil
}

type fakeQueues struct{ replayed []string }

func (f *fakeQueues) Stats(ctx context.Context) map[string]events.QueueStats {
	return map[string]events.QueueStats{"indexing": {Ready: 2}}
}

func (f *fakeQueues) DeadLetters(ctx context.Context, queue string) ([]events.DeadLetter, error) {
	if queue != "indexing" {
		return nil, events.ErrUnknownQueue
	}
	return []events.DeadLetter{{ID: "m1", Queue: queue, Attempts: 5, LastError: "boom"}}, nil
}

func (f *fakeQueues) Replay(ctx context.Context, queue, id string) error {
	if id != "m1" {
		return events.ErrNotFound
	}
	f.replayed = append(f.replayed, queue+"/"+id)
	return nil
}

type fakeInbox []string

func (f fakeInbox) Directories() []string { return f }

type testServer struct {
	srv     *Server
	handler http.Handler
	search  *fakeSearch
	batches *fakeBatches
	docs    *fakeDocuments
	ingest  *fakeIngest
	queues  *fakeQueues
	health  index.Health
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		search: &fakeSearch{},
		batches: &fakeBatches{jobs: map[string]models.BatchProgress{
			"batch-1": {CorrelationID: "batch-1", Total: 4, Completed: 2, Failed: 1, Percent: 75, Status: models.BatchProcessing},
		}},
		docs: &fakeDocuments{docs: map[string]*models.Document{
			"d1": {ID: "d1", Status: models.StatusIndexed, BatchCorrelationID: models.StringPtr("batch-1")},
		}},
		ingest: &fakeIngest{},
		queues: &fakeQueues{},
		health: index.Health{Status: index.StatusGreen, Documents: 1},
	}
	ts.srv = NewServer(Deps{
		Search:    ts.search,
		Batches:   ts.batches,
		Documents: ts.docs,
		Ingest:    ts.ingest,
		Queues:    ts.queues,
		Health:    func() index.Health { return ts.health },
		Indexer:   func() indexer.Stats { return indexer.Stats{Chunks: 3, Indexed: 10} },
		Inbox:     fakeInbox{"/srv/inbox"},
	}, config.ServerConfig{Port: 8080}, zap.NewNop())
	ts.handler = ts.srv.Handler()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func TestHandleSearch(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/search", map[string]any{"query": "invoice", "mode": "keyword", "category": "finance", "limit": 5})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[models.SearchResponse](t, w)
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, "finance", ts.search.last.Category)
	assert.Equal(t, models.ModeKeyword, ts.search.last.Mode)

	w = ts.do(t, http.MethodPost, "/api/v1/search", map[string]any{"query": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/search", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSubmitDocuments(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/documents", map[string]any{
		"documents": []map[string]string{{"source_ref": "s3://docs/a.pdf"}},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	receipt := decode[ingest.Receipt](t, w)
	assert.Equal(t, "batch-new", receipt.CorrelationID)
	require.Len(t, ts.ingest.got, 1)
	assert.Equal(t, "s3://docs/a.pdf", ts.ingest.got[0].SourceRef)

	w = ts.do(t, http.MethodPost, "/api/v1/documents", map[string]any{"documents": []any{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGetDocument(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/documents/d1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	doc := decode[models.Document](t, w)
	assert.Equal(t, models.StatusIndexed, doc.Status)

	w = ts.do(t, http.MethodGet, "/api/v1/documents/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleBatch(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/batches/batch-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	p := decode[models.BatchProgress](t, w)
	assert.Equal(t, 75.0, p.Percent)
	assert.Equal(t, models.BatchProcessing, p.Status)

	w = ts.do(t, http.MethodGet, "/api/v1/batches/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/batches/batch-1/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.BatchCancelled, decode[models.BatchProgress](t, w).Status)
	assert.Equal(t, []string{"batch-1"}, ts.batches.cancelled)
}

func TestHandleBatchDocuments(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/batches/batch-1/documents?status=indexed&limit=20", nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode[struct {
		Documents []models.Document `json:"documents"`
	}](t, w)
	require.Len(t, out.Documents, 1)
	assert.Equal(t, models.StatusIndexed, ts.docs.lastFilter.Status)
	assert.Equal(t, 20, ts.docs.lastFilter.Limit)

	w = ts.do(t, http.MethodGet, "/api/v1/batches/batch-1/documents?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, http.MethodGet, "/api/v1/batches/batch-1/documents?offset=-3", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleDeadLetters(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/queues/indexing/dead-letters", nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode[struct {
		DeadLetters []events.DeadLetter `json:"dead_letters"`
	}](t, w)
	require.Len(t, out.DeadLetters, 1)
	assert.Equal(t, "boom", out.DeadLetters[0].LastError)

	w = ts.do(t, http.MethodGet, "/api/v1/queues/unknown/dead-letters", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/queues/indexing/dead-letters/m1/replay", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"indexing/m1"}, ts.queues.replayed)

	w = ts.do(t, http.MethodPost, "/api/v1/queues/indexing/dead-letters/m2/replay", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleStats(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode[map[string]json.RawMessage](t, w)
	assert.Contains(t, out, "documents")
	assert.Contains(t, out, "queues")
	assert.Contains(t, out, "indexer")
	assert.Contains(t, out, "index")

	var stats indexer.Stats
	require.NoError(t, json.Unmarshal(out["indexer"], &stats))
	assert.Equal(t, int64(10), stats.Indexed)
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	ts.health = index.Health{Status: index.StatusYellow, Reason: "vector index rebuilding"}
	w = ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, index.StatusYellow, decode[index.Health](t, w).Status)

	ts.health = index.Health{Status: index.StatusRed}
	w = ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleInboxDirectories(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/inbox/directories", nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode[struct {
		Directories []string `json:"directories"`
	}](t, w)
	assert.Equal(t, []string{"/srv/inbox"}, out.Directories)

	srv := NewServer(Deps{}, config.ServerConfig{}, nil)
	r := httptest.NewRequest(http.MethodGet, "/api/v1/inbox/directories", nil)
	rec := httptest.NewRecorder()
	srv.handleInboxDirectories(rec, r)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(faults.Validationf("bad")))
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("x: %w", storage.ErrNotFound)))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(events.ErrClosed))
	assert.Equal(t, http.StatusInternalServerError, statusFor(fmt.Errorf("disk full")))
}
