package inbox

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/nagare/internal/docid"
	"github.com/hyperjump/nagare/internal/ingest"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]ingest.NewDocument
	singles []ingest.NewDocument
}

func (r *recorder) SubmitBatch(ctx context.Context, docs []ingest.NewDocument) (*ingest.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, docs)
	return &ingest.Receipt{CorrelationID: "batch-1", Accepted: make([]string, len(docs))}, nil
}

func (r *recorder) SubmitOne(ctx context.Context, doc ingest.NewDocument) (*ingest.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.singles = append(r.singles, doc)
	return &ingest.Receipt{Accepted: []string{docid.FromSourceRef(doc.SourceRef)}}, nil
}

func (r *recorder) snapshot() ([][]ingest.NewDocument, []ingest.NewDocument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]ingest.NewDocument(nil), r.batches...), append([]ingest.NewDocument(nil), r.singles...)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func start(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	require.Eventually(t, func() bool { return len(w.Directories()) == len(w.cfg.Directories) }, time.Second, 5*time.Millisecond)
}

func TestWatcher_ExistingFilesSubmittedAsOneBatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "alpha")
	writeFile(t, filepath.Join(dir, "nested", "b.txt"), "beta")
	writeFile(t, filepath.Join(dir, "skip.bin"), "binary")

	rec := &recorder{}
	w := New(Config{Directories: []string{dir}, Extensions: []string{".txt"}, Recursive: true}, rec)
	start(t, w)

	require.Eventually(t, func() bool {
		batches, _ := rec.snapshot()
		return len(batches) == 1
	}, 2*time.Second, 10*time.Millisecond)
	batches, singles := rec.snapshot()
	require.Len(t, batches[0], 2)
	assert.Equal(t, "a.txt", batches[0][0].Title)
	assert.Equal(t, "b.txt", batches[0][1].Title)
	ref, err := docid.FromPath(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, ref, batches[0][0].SourceRef)
	assert.Empty(t, singles)
}

func TestWatcher_NewFilesSubmittedIndividually(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	w := New(Config{Directories: []string{dir}, Extensions: []string{"txt"}, Recursive: true, Debounce: 20 * time.Millisecond}, rec)
	start(t, w)

	path := filepath.Join(dir, "new.txt")
	writeFile(t, path, "first")
	writeFile(t, path, "second")
	writeFile(t, filepath.Join(dir, "ignored.md"), "nope")

	require.Eventually(t, func() bool {
		_, singles := rec.snapshot()
		return len(singles) == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	batches, singles := rec.snapshot()
	assert.Empty(t, batches)
	require.Len(t, singles, 1)
	assert.Equal(t, "new.txt", singles[0].Title)
}

func TestWatcher_NewDirectoryIsWatched(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	w := New(Config{Directories: []string{dir}, Recursive: true, Debounce: 20 * time.Millisecond}, rec)
	start(t, w)

	sub := filepath.Join(dir, "incoming")
	require.NoError(t, os.Mkdir(sub, 0755))
	time.Sleep(100 * time.Millisecond)
	writeFile(t, filepath.Join(sub, "late.txt"), "late")

	require.Eventually(t, func() bool {
		_, singles := rec.snapshot()
		for _, d := range singles {
			if d.Title == "late.txt" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_CreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does", "not", "exist")
	w := New(Config{Directories: []string{dir}}, &recorder{})
	start(t, w)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestMatchExtension(t *testing.T) {
	assert.True(t, matchExtension("/a/b.TXT", []string{".txt"}))
	assert.True(t, matchExtension("/a/b.pdf", []string{"pdf"}))
	assert.True(t, matchExtension("/a/b", nil))
	assert.False(t, matchExtension("/a/b.md", []string{".txt", ".pdf"}))
}
