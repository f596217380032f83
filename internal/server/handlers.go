package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/nagare/internal/events"
	"github.com/hyperjump/nagare/internal/faults"
	"github.com/hyperjump/nagare/internal/index"
	"github.com/hyperjump/nagare/internal/ingest"
	"github.com/hyperjump/nagare/internal/models"
	"github.com/hyperjump/nagare/internal/storage"
)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var query models.SearchQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("search request", zap.String("query", query.Query), zap.String("mode", string(query.Mode)), zap.Int("limit", query.Limit))
	response, err := s.deps.Search.Search(r.Context(), &query)
	if err != nil {
		s.respondFailure(w, "search failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

type submitRequest struct {
	Documents []ingest.NewDocument `json:"documents"`
}

func (s *Server) handleSubmitDocuments(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	receipt, err := s.deps.Ingest.SubmitBatch(r.Context(), req.Documents)
	if err != nil {
		s.respondFailure(w, "submit failed", err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Documents.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondFailure(w, "get document failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	progress, err := s.deps.Batches.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondFailure(w, "get batch failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, progress)
}

func (s *Server) handleBatchDocuments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Batches.GetStatus(r.Context(), id); err != nil {
		s.respondFailure(w, "get batch failed", err)
		return
	}
	filter := storage.ListFilter{CorrelationID: id}
	if st := r.URL.Query().Get("status"); st != "" {
		status, err := models.ParseStatus(st)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = status
	}
	var err error
	if filter.Limit, err = intParam(r, "limit"); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(r, "offset"); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	docs, err := s.deps.Documents.ListDocuments(r.Context(), filter)
	if err != nil {
		s.respondFailure(w, "list documents failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Info("cancel batch request", zap.String("correlation_id", id))
	progress, err := s.deps.Batches.Cancel(r.Context(), id)
	if err != nil {
		s.respondFailure(w, "cancel batch failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, progress)
}

func (s *Server) handleBatchEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Batches.GetStatus(r.Context(), id); err != nil {
		s.respondFailure(w, "get batch failed", err)
		return
	}
	if err := s.deps.Notify.Stream(r.Context(), w, id); err != nil {
		s.logger.Debug("event stream ended", zap.String("correlation_id", id), zap.Error(err))
	}
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := s.deps.Queues.DeadLetters(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		s.respondFailure(w, "list dead letters failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	queue, id := chi.URLParam(r, "queue"), chi.URLParam(r, "id")
	s.logger.Info("replay dead letter request", zap.String("queue", queue), zap.String("message_id", id))
	if err := s.deps.Queues.Replay(r.Context(), queue, id); err != nil {
		s.respondFailure(w, "replay failed", err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "requeued"})
}

func (s *Server) handleInboxDirectories(w http.ResponseWriter, r *http.Request) {
	if s.deps.Inbox == nil {
		s.respondError(w, http.StatusNotImplemented, "inbox not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"directories": s.deps.Inbox.Directories()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := s.deps.Documents.CountByStatus(ctx)
	if err != nil {
		s.respondFailure(w, "stats: count documents failed", err)
		return
	}
	resp := map[string]any{
		"documents": counts,
		"queues":    s.deps.Queues.Stats(ctx),
	}
	if s.deps.Indexer != nil {
		resp["indexer"] = s.deps.Indexer()
	}
	if s.deps.Health != nil {
		resp["index"] = s.deps.Health()
	}
	if len(s.deps.Paths) > 0 {
		if sizes, err := storage.Footprint(s.deps.Paths); err == nil {
			resp["disk_usage_bytes"] = sizes
		} else {
			s.logger.Warn("stats: disk usage failed", zap.Error(err))
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	h := s.deps.Health()
	status := http.StatusOK
	if h.Status == index.StatusRed {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, h)
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name)
	}
	return n, nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidQuery), faults.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, events.ErrNotFound), errors.Is(err, events.ErrUnknownQueue):
		return http.StatusNotFound
	case errors.Is(err, events.ErrClosed), faults.KindOf(err) == faults.KindClusterDegraded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondFailure(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, zap.Error(err))
	} else {
		s.logger.Debug(msg, zap.Error(err))
	}
	s.respondError(w, status, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
