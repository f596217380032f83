package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/nagare/internal/faults"
	"github.com/hyperjump/nagare/internal/models"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nagare.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seed(t *testing.T, store *SQLStore, ids ...string) {
	t.Helper()
	docs := make([]*models.Document, len(ids))
	for i, id := range ids {
		docs[i] = &models.Document{
			ID:                 id,
			SourceRef:          "file:///tmp/" + id + ".txt",
			Title:              "Title " + id,
			Metadata:           map[string]any{"k": "v"},
			BatchCorrelationID: models.StringPtr("batch-1"),
		}
	}
	require.NoError(t, store.CreateDocuments(context.Background(), docs))
}

func TestSQLStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seed(t, store, "doc1")

	got, err := store.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "Title doc1", got.Title)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Equal(t, "v", got.Metadata["k"])
	assert.Equal(t, "batch-1", got.CorrelationID())
	assert.False(t, got.CreatedAt.IsZero())
	assert.Nil(t, got.Category)

	_, err = store.GetDocument(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.CreateDocuments(ctx, []*models.Document{{ID: "doc1", SourceRef: "x"}})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestSQLStore_GetDocumentsAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seed(t, store, "a", "b", "c")

	got, err := store.GetDocuments(ctx, []string{"a", "c", "zzz"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Contains(t, got, "a")
	assert.Contains(t, got, "c")

	require.NoError(t, store.TransitionStatus(ctx, "b", models.StatusQueued, models.StatusClassifying))
	list, err := store.ListDocuments(ctx, ListFilter{Status: models.StatusQueued})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = store.ListDocuments(ctx, ListFilter{CorrelationID: "batch-1", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestSQLStore_TransitionStatusIsCompareAndSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seed(t, store, "doc1")

	require.NoError(t, store.TransitionStatus(ctx, "doc1", models.StatusQueued, models.StatusClassifying))

	// The document is no longer queued, so a stale caller loses.
	err := store.TransitionStatus(ctx, "doc1", models.StatusQueued, models.StatusClassifying)
	assert.ErrorIs(t, err, ErrConflict)

	// Backward moves are refused before touching the database.
	err = store.TransitionStatus(ctx, "doc1", models.StatusClassifying, models.StatusQueued)
	assert.ErrorIs(t, err, ErrConflict)

	err = store.TransitionStatus(ctx, "missing", models.StatusQueued, models.StatusClassifying)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_CompleteStage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seed(t, store, "doc1")
	require.NoError(t, store.TransitionStatus(ctx, "doc1", models.StatusQueued, models.StatusClassifying))
	_, err := store.IncrementRetry(ctx, "doc1", "llm timeout")
	require.NoError(t, err)

	err = store.CompleteStage(ctx, "doc1", models.StatusClassifying, models.StatusClassified, StageUpdate{
		Category:   models.StringPtr("invoice"),
		Confidence: models.Float64Ptr(0.9),
	})
	require.NoError(t, err)

	got, err := store.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusClassified, got.Status)
	assert.Equal(t, "invoice", got.CategoryOrEmpty())
	assert.InDelta(t, 0.9, *got.Confidence, 1e-9)
	assert.Equal(t, 0, got.RetryCount)
	assert.Nil(t, got.ErrorMessage)
	assert.Equal(t, "v", got.Metadata["k"], "nil metadata leaves the stored value")

	err = store.CompleteStage(ctx, "doc1", models.StatusClassifying, models.StatusClassified, StageUpdate{})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSQLStore_IncrementRetryAndFail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seed(t, store, "doc1")

	for want := 1; want <= 3; want++ {
		n, err := store.IncrementRetry(ctx, "doc1", fmt.Sprintf("attempt %d", want))
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	require.NoError(t, store.MarkFailed(ctx, "doc1", "gave up"))
	got, err := store.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "gave up", *got.ErrorMessage)

	// Terminal documents reject further mutation.
	_, err = store.IncrementRetry(ctx, "doc1", "late")
	assert.ErrorIs(t, err, ErrConflict)
	assert.ErrorIs(t, store.MarkFailed(ctx, "doc1", "again"), ErrConflict)

	_, err = store.IncrementRetry(ctx, "missing", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_MarkIndexedRequiresIndexing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seed(t, store, "doc1")

	err := store.MarkIndexed(ctx, "doc1", time.Now())
	assert.ErrorIs(t, err, ErrConflict)

	for _, step := range [][2]models.Status{
		{models.StatusQueued, models.StatusClassifying},
		{models.StatusClassifying, models.StatusClassified},
		{models.StatusClassified, models.StatusExtracting},
		{models.StatusExtracting, models.StatusExtracted},
		{models.StatusExtracted, models.StatusIndexing},
	} {
		require.NoError(t, store.TransitionStatus(ctx, "doc1", step[0], step[1]))
	}
	require.NoError(t, store.MarkIndexed(ctx, "doc1", time.Now()))

	got, err := store.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusIndexed, got.Status)
	assert.NotNil(t, got.IndexedAt)
}

func TestSQLStore_UpsertBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seed(t, store, "a", "b")

	results := store.UpsertBatch(ctx, []*models.Document{
		{ID: "a", SourceRef: "s", Title: "A2", Category: models.StringPtr("report"), Embedding: []float32{1, 0, 0}},
		{ID: "b", SourceRef: "s", Title: "B2", Metadata: map[string]any{"bad": func() {}}},
		{ID: "c", SourceRef: "s", Title: "C", Embedding: []float32{0, 1, 0}},
	})
	require.Len(t, results, 3)
	assert.True(t, results[0].OK())
	assert.False(t, results[1].OK())
	assert.True(t, faults.IsValidation(results[1].Err))
	assert.True(t, results[2].OK())

	a, err := store.GetDocument(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "A2", a.Title)
	assert.Equal(t, models.StatusQueued, a.Status, "upsert never changes processing status")
	assert.Equal(t, []float32{1, 0, 0}, a.Embedding)

	b, err := store.GetDocument(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "Title b", b.Title, "rejected item left unchanged")

	c, err := store.GetDocument(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "C", c.Title)

	// Last write wins.
	results = store.UpsertBatch(ctx, []*models.Document{{ID: "a", SourceRef: "s", Title: "A3"}})
	require.True(t, results[0].OK())
	a, err = store.GetDocument(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "A3", a.Title)
}

func TestSQLStore_ListEmbeddings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	results := store.UpsertBatch(ctx, []*models.Document{
		{ID: "x", SourceRef: "s", Status: models.StatusIndexed, Category: models.StringPtr("invoice"), Embedding: []float32{0.5, 0.5}},
		{ID: "y", SourceRef: "s", Status: models.StatusIndexed},
		{ID: "z", SourceRef: "s", Status: models.StatusExtracted, Embedding: []float32{1, 1}},
	})
	for _, r := range results {
		require.NoError(t, r.Err)
	}

	var got []EmbeddingRecord
	require.NoError(t, store.ListEmbeddings(ctx, func(r EmbeddingRecord) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].ID)
	assert.Equal(t, "invoice", got[0].Category)
	assert.Equal(t, []float32{0.5, 0.5}, got[0].Embedding)
}

func TestSQLStore_BatchLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, err := store.CreateBatch(ctx, "b1", 3)
	require.NoError(t, err)
	assert.Equal(t, models.BatchPending, job.Status)

	_, err = store.CreateBatch(ctx, "b1", 3)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	ok, err := store.RecordTerminal(ctx, "b1", "d1", models.OutcomeCompleted)
	require.NoError(t, err)
	assert.True(t, ok)

	// Redelivery of the same document's event is a no-op.
	ok, err = store.RecordTerminal(ctx, "b1", "d1", models.OutcomeCompleted)
	require.NoError(t, err)
	assert.False(t, ok)

	job, err = store.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, job.Completed)
	assert.Equal(t, models.BatchProcessing, job.Status)

	_, err = store.RecordTerminal(ctx, "b1", "d2", models.OutcomeFailed)
	require.NoError(t, err)
	_, err = store.RecordTerminal(ctx, "b1", "d3", models.OutcomeCompleted)
	require.NoError(t, err)

	job, err = store.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 2, job.Completed)
	assert.Equal(t, 1, job.Failed)
	assert.Equal(t, models.BatchFailedPartial, job.Status)
	assert.NotNil(t, job.ClosedAt)

	// A closed batch ignores further outcomes.
	ok, err = store.RecordTerminal(ctx, "b1", "d4", models.OutcomeCompleted)
	require.NoError(t, err)
	assert.False(t, ok)
	job, err = store.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 3, job.Completed+job.Failed)

	_, err = store.RecordTerminal(ctx, "missing", "d1", models.OutcomeCompleted)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_BatchAllCompleted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.CreateBatch(ctx, "b1", 2)
	require.NoError(t, err)
	for _, id := range []string{"d1", "d2"} {
		_, err := store.RecordTerminal(ctx, "b1", id, models.OutcomeCompleted)
		require.NoError(t, err)
	}
	job, err := store.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, job.Status)

	empty, err := store.CreateBatch(ctx, "b0", 0)
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, empty.Status)
}

func TestSQLStore_RecordTerminalConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	const total = 20
	_, err := store.CreateBatch(ctx, "b1", total)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		for dup := 0; dup < 2; dup++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.RecordTerminal(ctx, "b1", fmt.Sprintf("d%d", i), models.OutcomeCompleted)
				assert.NoError(t, err)
			}(i)
		}
	}
	wg.Wait()

	job, err := store.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, total, job.Completed)
	assert.Equal(t, models.BatchCompleted, job.Status)
}

func TestSQLStore_CancelBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.CreateBatch(ctx, "b1", 2)
	require.NoError(t, err)

	job, err := store.CancelBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.BatchCancelled, job.Status)

	ok, err := store.RecordTerminal(ctx, "b1", "d1", models.OutcomeCompleted)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.CancelBatch(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_CountByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seed(t, store, "a", "b", "c")
	require.NoError(t, store.MarkFailed(ctx, "c", "boom"))

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.StatusQueued])
	assert.Equal(t, int64(1), counts[models.StatusFailed])
}
