// Package app assembles the pipeline, the search engine, and the HTTP API from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/nagare/internal/batch"
	"github.com/hyperjump/nagare/internal/collab"
	"github.com/hyperjump/nagare/internal/config"
	"github.com/hyperjump/nagare/internal/content"
	"github.com/hyperjump/nagare/internal/embedding"
	"github.com/hyperjump/nagare/internal/events"
	"github.com/hyperjump/nagare/internal/inbox"
	"github.com/hyperjump/nagare/internal/index"
	"github.com/hyperjump/nagare/internal/indexer"
	"github.com/hyperjump/nagare/internal/ingest"
	"github.com/hyperjump/nagare/internal/keyword"
	"github.com/hyperjump/nagare/internal/models"
	"github.com/hyperjump/nagare/internal/notify"
	"github.com/hyperjump/nagare/internal/schedule"
	"github.com/hyperjump/nagare/internal/search"
	"github.com/hyperjump/nagare/internal/server"
	"github.com/hyperjump/nagare/internal/storage"
	"github.com/hyperjump/nagare/internal/vector"
	"github.com/hyperjump/nagare/internal/worker"
)

// App holds every long-lived component.
type App struct {
	Config    *config.Config
	Store     *storage.SQLStore
	Router    *events.Router
	Index     *index.Index
	Embedder  embedding.Embedder
	Engine    *search.Engine
	Workers   *worker.Group
	Indexer   *indexer.Indexer
	Batches   *batch.Coordinator
	Notify    *notify.Hub
	Ingest    *ingest.Service
	Inbox     *inbox.Watcher
	Scheduler *schedule.CronScheduler
	Server    *server.Server

	logger     *zap.Logger
	embedder   embedding.Embedder
	classifier collab.Classifier
	extractor  collab.Extractor
	serve      bool
	closers    []func() error
}

// Option configures an App.
type Option func(*App)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithEmbedder replaces the configured embedding provider.
func WithEmbedder(e embedding.Embedder) Option {
	return func(a *App) { a.embedder = e }
}

// WithCollaborators replaces the configured classifier and extractor.
func WithCollaborators(c collab.Classifier, e collab.Extractor) Option {
	return func(a *App) {
		a.classifier = c
		a.extractor = e
	}
}

// WithoutHTTP runs the pipeline without listening; Server is still built.
func WithoutHTTP() Option {
	return func(a *App) { a.serve = false }
}

// New builds the application. Close releases everything New opened, including on error.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (a *App, err error) {
	a = &App{Config: cfg, logger: zap.NewNop(), serve: true}
	for _, opt := range opts {
		opt(a)
	}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	router, err := events.Open(events.Config{
		Dir:                 cfg.Storage.QueuePath,
		MaxDeliveryAttempts: cfg.Router.MaxDeliveryAttempts,
		VisibilityTimeout:   cfg.Router.VisibilityTimeout,
		PollInterval:        cfg.Router.PollInterval,
	}, events.WithLogger(a.logger.Named("router")))
	if err != nil {
		return nil, fmt.Errorf("failed to open event router: %w", err)
	}
	a.Router = router
	a.closers = append(a.closers, router.Close)

	if err := a.openIndex(); err != nil {
		return nil, err
	}

	reader, err := a.contentReader(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.buildEmbedder(); err != nil {
		return nil, err
	}
	if err := a.buildCollaborators(reader); err != nil {
		return nil, err
	}

	registry, err := worker.NewRegistry(worker.ClassifyStage(a.classifier), worker.ExtractStage(a.extractor))
	if err != nil {
		return nil, err
	}
	if err := DeclareQueues(ctx, a.Router, registry); err != nil {
		return nil, err
	}
	a.Workers = worker.NewGroup(registry, a.Router, a.Store, worker.Config{
		MaxRetries:  cfg.Workers.MaxRetries,
		BackoffBase: cfg.Workers.BackoffBase,
		BackoffMax:  cfg.Workers.BackoffMax,
		Timeout:     cfg.Workers.CollaboratorTimeout,
	}, map[string]int{
		"classify": cfg.Workers.ClassifyConcurrency,
		"extract":  cfg.Workers.ExtractConcurrency,
	}, a.logger.Named("worker"))

	ix, err := indexer.New(a.Router, a.Store, a.Index, reader, a.Embedder, indexer.Config{
		ChunkSize:         cfg.Indexer.ChunkSize,
		FlushInterval:     cfg.Indexer.FlushInterval,
		EmbedMaxChars:     cfg.Indexer.EmbedMaxChars,
		EmbedConcurrency:  cfg.Indexer.EmbedConcurrency,
		WriteRetries:      cfg.Indexer.WriteRetries,
		WriteRetryBase:    cfg.Indexer.WriteRetryBase,
		FailureSampleSize: cfg.Indexer.FailureSampleSize,
		MaxRetries:        cfg.Workers.MaxRetries,
		BackoffBase:       cfg.Workers.BackoffBase,
		BackoffMax:        cfg.Workers.BackoffMax,
		Timeout:           cfg.Workers.CollaboratorTimeout,
	}, indexer.WithLogger(a.logger.Named("indexer")))
	if err != nil {
		return nil, err
	}
	a.Indexer = ix
	a.closers = append(a.closers, ix.Close)

	a.Notify = notify.New(a.Router, notify.WithLogger(a.logger.Named("notify")))
	a.Batches = batch.New(a.Store, a.Router,
		batch.WithLogger(a.logger.Named("batch")),
		batch.WithProgressHook(a.Notify.BatchProgress),
	)
	a.Ingest = ingest.New(a.Store, a.Batches, a.Router, ingest.WithLogger(a.logger.Named("ingest")))
	a.Engine = search.NewEngine(a.Index, a.Store, a.Embedder, cfg.Search, search.WithLogger(a.logger.Named("search")))

	if len(cfg.Inbox.Directories) > 0 {
		a.Inbox = inbox.New(inbox.Config{
			Directories: cfg.Inbox.Directories,
			Extensions:  cfg.Inbox.Extensions,
			Recursive:   cfg.Inbox.RecursiveOrDefault(),
		}, a.Ingest, inbox.WithLogger(a.logger.Named("inbox")))
	}

	a.Scheduler = schedule.NewCronScheduler(a.logger.Named("schedule"))
	if err := a.Scheduler.AddJob(schedule.QueueGCJob(a.Router), cfg.Router.MaintenanceSpec); err != nil {
		return nil, err
	}
	if err := a.Scheduler.AddJob(schedule.QueueDepthJob(a.Router, a.logger.Named("queues")), cfg.Router.MaintenanceSpec); err != nil {
		return nil, err
	}

	deps := server.Deps{
		Search:    a.Engine,
		Batches:   a.Batches,
		Documents: a.Store,
		Ingest:    a.Ingest,
		Queues:    a.Router,
		Notify:    a.Notify,
		Health:    a.Index.Health,
		Indexer:   a.Indexer.Stats,
		Paths: map[string]string{
			"database":      cfg.Storage.DatabasePath,
			"keyword_index": cfg.Storage.BleveIndexPath,
			"queues":        cfg.Storage.QueuePath,
		},
	}
	if a.Inbox != nil {
		deps.Inbox = a.Inbox
	}
	a.Server = server.NewServer(deps, cfg.Server, a.logger.Named("server"))
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	var (
		store *storage.SQLStore
		err   error
	)
	switch a.Config.Storage.Driver {
	case storage.DriverPostgres:
		store, err = storage.NewPostgresStore(ctx, a.Config.Storage.DSN, storage.WithLogger(a.logger.Named("storage")))
	default:
		store, err = storage.NewSQLiteStore(a.Config.Storage.DatabasePath, storage.WithLogger(a.logger.Named("storage")))
	}
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)
	return nil
}

func (a *App) openIndex() error {
	var (
		kw  *keyword.BleveIndex
		err error
	)
	if a.Config.Storage.BleveIndexPath == "" {
		kw, err = keyword.NewMemoryBleveIndex()
	} else {
		kw, err = keyword.NewBleveIndex(a.Config.Storage.BleveIndexPath)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize keyword index: %w", err)
	}
	vectors, err := vector.NewMemoryIndex(a.Config.Embedding.Dimensions)
	if err != nil {
		_ = kw.Close()
		return fmt.Errorf("failed to initialize vector index: %w", err)
	}
	a.Index = index.New(kw, vectors, index.WithLogger(a.logger.Named("index")))
	a.closers = append(a.closers, a.Index.Close)
	return nil
}

func (a *App) contentReader(ctx context.Context) (*content.SchemeReader, error) {
	cc := a.Config.Content
	opts := []content.Option{content.WithLogger(a.logger.Named("content"))}
	if cc.S3Region != "" || cc.S3Endpoint != "" {
		s3, err := content.NewS3Fetcher(ctx, content.S3Config{
			Region:       cc.S3Region,
			Endpoint:     cc.S3Endpoint,
			UsePathStyle: cc.S3UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, content.WithFetcher("s3", s3))
	}
	return content.NewReader(cc.MaxBytes, opts...), nil
}

func (a *App) buildEmbedder() error {
	ec := a.Config.Embedding
	inner := a.embedder
	if inner == nil {
		switch ec.Provider {
		case "openai":
			remote, err := embedding.NewOpenAIEmbedder(embedding.OpenAIConfig{
				BaseURL:    a.Config.LLM.BaseURL,
				Token:      a.Config.LLM.Token,
				Model:      a.Config.LLM.EmbeddingModel,
				Dimensions: ec.Dimensions,
			}, a.logger.Named("embedding"))
			if err != nil {
				return err
			}
			inner = embedding.NewRateLimited(remote, ec.RateLimit, ec.Burst)
		default:
			inner = embedding.NewHashEmbedder(ec.Dimensions)
		}
	}
	if ec.CacheSize > 0 {
		a.Embedder = embedding.NewCached(inner, ec.CacheSize, ec.CacheTTL)
	} else {
		a.Embedder = inner
	}
	return nil
}

func (a *App) buildCollaborators(reader collab.TextSource) error {
	if a.classifier != nil && a.extractor != nil {
		return nil
	}
	llm := a.Config.LLM
	if llm.BaseURL == "" {
		a.classifier = collab.NewRuleClassifier(reader, llm.Categories)
		a.extractor = collab.NewRuleExtractor(reader)
		return nil
	}
	model, err := collab.NewChatModel(collab.LLMConfig{BaseURL: llm.BaseURL, Token: llm.Token, Model: llm.ChatModel})
	if err != nil {
		return err
	}
	a.classifier = collab.NewLLMClassifier(model, reader, llm.Categories, a.logger.Named("classifier"))
	a.extractor = collab.NewLLMExtractor(model, reader, a.logger.Named("extractor"))
	return nil
}

// DeclareQueues binds every consumer queue before anything publishes, so events emitted
// before a consumer first subscribes are kept rather than rejected as unroutable.
func DeclareQueues(ctx context.Context, router *events.Router, registry *worker.Registry) error {
	for _, st := range registry.Stages() {
		if err := router.DeclareQueue(ctx, st.Queue, st.Consumes); err != nil {
			return err
		}
	}
	bindings := []struct {
		queue    string
		patterns []string
	}{
		{indexer.Queue, []string{models.EventExtracted}},
		{batch.Queue, []string{models.EventIndexed, models.EventFailed}},
		{notify.Queue, []string{"document.#"}},
	}
	for _, b := range bindings {
		if err := router.DeclareQueue(ctx, b.queue, b.patterns...); err != nil {
			return err
		}
	}
	return nil
}

// Run starts every component and blocks until ctx ends or one of them fails. The vector
// half of the index is reloaded from stored embeddings in the background; search reports
// degraded results until it finishes.
func (a *App) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if err := a.Index.Rebuild(ctx, a.Store); err != nil && ctx.Err() == nil {
			a.logger.Warn("vector index rebuild failed; semantic search stays degraded", zap.Error(err))
		}
		return nil
	})
	eg.Go(func() error { return a.Workers.Run(ctx) })
	eg.Go(func() error { return a.Indexer.Run(ctx) })
	eg.Go(func() error { return a.Batches.Run(ctx) })
	eg.Go(func() error { return a.Notify.Run(ctx) })
	if a.Inbox != nil {
		eg.Go(func() error { return a.Inbox.Run(ctx) })
	}

	a.Scheduler.Start(ctx)
	defer a.Scheduler.Stop()

	if a.serve {
		eg.Go(a.Server.Start)
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return a.Server.Stop(shutdownCtx)
		})
	}

	a.logger.Info("nagare running",
		zap.String("storage", a.Config.Storage.Driver),
		zap.String("embedding", a.Config.Embedding.Provider),
		zap.Int("inbox_directories", len(a.Config.Inbox.Directories)),
	)
	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases components in reverse order of creation.
func (a *App) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}
