// Package inbox watches drop directories and submits new files to the pipeline.
package inbox

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/nagare/internal/docid"
	"github.com/hyperjump/nagare/internal/ingest"
)

const defaultDebounce = 400 * time.Millisecond

// Submitter hands files to ingestion.
type Submitter interface {
	SubmitBatch(ctx context.Context, docs []ingest.NewDocument) (*ingest.Receipt, error)
	SubmitOne(ctx context.Context, doc ingest.NewDocument) (*ingest.Receipt, error)
}

// Config selects what to watch.
type Config struct {
	Directories []string
	// Extensions filters files by extension; empty accepts everything.
	Extensions []string
	Recursive  bool
	Debounce   time.Duration
}

// Watcher submits the files already present as one batch when it starts, then each file that
// appears or changes afterwards on its own.
type Watcher struct {
	cfg       Config
	submitter Submitter
	logger    *zap.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	roots    []string
	debounce map[string]*time.Timer
	pending  sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// New returns a watcher.
func New(cfg Config, submitter Submitter, opts ...Option) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	w := &Watcher{
		cfg:       cfg,
		submitter: submitter,
		logger:    zap.NewNop(),
		debounce:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is cancelled. Missing directories are created.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.watcher = fw
	w.mu.Unlock()
	defer w.stop()

	for _, dir := range w.cfg.Directories {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(abs, 0755); err != nil {
			return err
		}
		if err := w.addTree(abs); err != nil {
			return err
		}
		w.mu.Lock()
		w.roots = append(w.roots, abs)
		w.mu.Unlock()
	}
	w.logger.Info("inbox watching", zap.Strings("directories", w.Directories()), zap.Strings("extensions", w.cfg.Extensions))

	if err := w.submitExisting(ctx); err != nil {
		w.logger.Error("failed to submit existing files", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// Directories returns the watched roots.
func (w *Watcher) Directories() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.roots...)
}

func (w *Watcher) stop() {
	w.mu.Lock()
	for path, t := range w.debounce {
		if t.Stop() {
			w.pending.Done()
		}
		delete(w.debounce, path)
	}
	fw := w.watcher
	w.watcher = nil
	w.mu.Unlock()
	w.pending.Wait()
	if fw != nil {
		_ = fw.Close()
	}
}

func (w *Watcher) addTree(root string) error {
	w.mu.Lock()
	fw := w.watcher
	w.mu.Unlock()
	if fw == nil {
		return nil
	}
	if !w.cfg.Recursive {
		return fw.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
}

// scan lists matching files under root, sorted.
func (w *Watcher) scan(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && !w.cfg.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if matchExtension(path, w.cfg.Extensions) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

func (w *Watcher) submitExisting(ctx context.Context) error {
	var docs []ingest.NewDocument
	for _, root := range w.Directories() {
		files, err := w.scan(root)
		if err != nil {
			return err
		}
		for _, f := range files {
			doc, err := newDocument(f)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
	}
	if len(docs) == 0 {
		return nil
	}
	receipt, err := w.submitter.SubmitBatch(ctx, docs)
	if err != nil {
		return err
	}
	w.logger.Info("submitted existing inbox files",
		zap.String("correlation_id", receipt.CorrelationID),
		zap.Int("accepted", len(receipt.Accepted)),
		zap.Int("duplicates", len(receipt.Duplicates)),
	)
	return nil
}

func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	path := ev.Name
	switch {
	case ev.Op.Has(fsnotify.Create), ev.Op.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			w.handleNewDirectory(ctx, path)
			return
		}
		if matchExtension(path, w.cfg.Extensions) {
			w.debounceSubmit(ctx, path)
		}
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		w.cancelDebounce(path)
	}
}

// handleNewDirectory watches a directory created or moved in under a root and submits its files.
func (w *Watcher) handleNewDirectory(ctx context.Context, dir string) {
	if !w.cfg.Recursive {
		return
	}
	if err := w.addTree(dir); err != nil {
		w.logger.Warn("failed to watch directory", zap.String("path", dir), zap.Error(err))
		return
	}
	files, err := w.scan(dir)
	if err != nil {
		w.logger.Warn("failed to scan directory", zap.String("path", dir), zap.Error(err))
		return
	}
	for _, f := range files {
		w.debounceSubmit(ctx, f)
	}
}

func (w *Watcher) debounceSubmit(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return
	}
	if t, ok := w.debounce[path]; ok && t.Stop() {
		w.pending.Done()
	}
	w.pending.Add(1)
	w.debounce[path] = time.AfterFunc(w.cfg.Debounce, func() {
		defer w.pending.Done()
		w.mu.Lock()
		delete(w.debounce, path)
		w.mu.Unlock()
		w.submit(ctx, path)
	})
}

func (w *Watcher) cancelDebounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounce[path]; ok {
		if t.Stop() {
			w.pending.Done()
		}
		delete(w.debounce, path)
	}
}

func (w *Watcher) submit(ctx context.Context, path string) {
	doc, err := newDocument(path)
	if err != nil {
		w.logger.Warn("skipping file", zap.String("path", path), zap.Error(err))
		return
	}
	receipt, err := w.submitter.SubmitOne(ctx, doc)
	switch {
	case errors.Is(err, context.Canceled):
	case err != nil:
		w.logger.Error("failed to submit file", zap.String("path", path), zap.Error(err))
	case len(receipt.Accepted) == 0:
		w.logger.Debug("file already submitted", zap.String("path", path))
	default:
		w.logger.Info("submitted inbox file", zap.String("path", path), zap.String("document_id", receipt.Accepted[0]))
	}
}

func newDocument(path string) (ingest.NewDocument, error) {
	ref, err := docid.FromPath(path)
	if err != nil {
		return ingest.NewDocument{}, err
	}
	return ingest.NewDocument{SourceRef: ref, Title: filepath.Base(path)}, nil
}

func matchExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}
