// Package server provides the HTTP management and search API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/nagare/internal/config"
	"github.com/hyperjump/nagare/internal/events"
	"github.com/hyperjump/nagare/internal/index"
	"github.com/hyperjump/nagare/internal/indexer"
	"github.com/hyperjump/nagare/internal/ingest"
	"github.com/hyperjump/nagare/internal/models"
	"github.com/hyperjump/nagare/internal/storage"
)

// Searcher runs search queries.
type Searcher interface {
	Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error)
}

// Batches reads and cancels batch progress.
type Batches interface {
	GetStatus(ctx context.Context, correlationID string) (models.BatchProgress, error)
	Cancel(ctx context.Context, correlationID string) (models.BatchProgress, error)
}

// Documents reads document state.
type Documents interface {
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	ListDocuments(ctx context.Context, filter storage.ListFilter) ([]*models.Document, error)
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
}

// Ingester submits new documents.
type Ingester interface {
	SubmitBatch(ctx context.Context, docs []ingest.NewDocument) (*ingest.Receipt, error)
}

// Queues exposes router inspection and dead-letter replay.
type Queues interface {
	Stats(ctx context.Context) map[string]events.QueueStats
	DeadLetters(ctx context.Context, queue string) ([]events.DeadLetter, error)
	Replay(ctx context.Context, queue, id string) error
}

// Streamer writes progress for a correlation id as server-sent events.
type Streamer interface {
	Stream(ctx context.Context, w http.ResponseWriter, correlationID string) error
}

// Inbox lists watched drop directories.
type Inbox interface {
	Directories() []string
}

// Deps are the components the API serves. Inbox and Paths may be nil.
type Deps struct {
	Search    Searcher
	Batches   Batches
	Documents Documents
	Ingest    Ingester
	Queues    Queues
	Notify    Streamer
	Health    func() index.Health
	Indexer   func() indexer.Stats
	Inbox     Inbox
	// Paths names on-disk locations reported with their size on the stats endpoint.
	Paths map[string]string
}

// Server is the HTTP server.
type Server struct {
	deps    Deps
	config  config.ServerConfig
	logger  *zap.Logger
	server  *http.Server
	timeout time.Duration
}

// NewServer creates a server with the given dependencies.
func NewServer(deps Deps, cfg config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:    deps,
		config:  cfg,
		logger:  logger,
		timeout: 60 * time.Second,
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// Event streams are long-lived and must not be buffered or cut off.
	r.Get("/api/v1/batches/{id}/events", s.handleBatchEvents)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.timeout))
		r.Use(middleware.Compress(5))

		r.Post("/api/v1/search", s.handleSearch)
		r.Post("/api/v1/documents", s.handleSubmitDocuments)
		r.Get("/api/v1/documents/{id}", s.handleGetDocument)
		r.Get("/api/v1/batches/{id}", s.handleGetBatch)
		r.Get("/api/v1/batches/{id}/documents", s.handleBatchDocuments)
		r.Post("/api/v1/batches/{id}/cancel", s.handleCancelBatch)
		r.Get("/api/v1/queues/{queue}/dead-letters", s.handleDeadLetters)
		r.Post("/api/v1/queues/{queue}/dead-letters/{id}/replay", s.handleReplay)
		r.Get("/api/v1/inbox/directories", s.handleInboxDirectories)
		r.Get("/api/v1/stats", s.handleStats)
		r.Get("/health", s.handleHealth)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops. It returns nil after Stop.
func (s *Server) Start() error {
	s.logger.Info("Starting server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
