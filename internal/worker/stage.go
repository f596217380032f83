// Package worker runs pipeline stages: each stage consumes one event type, moves a document
// through its in-progress status while a collaborator does the work, and emits the next event
// or fails the document.
package worker

import (
	"context"
	"fmt"
	"sort"

	"github.com/hyperjump/nagare/internal/collab"
	"github.com/hyperjump/nagare/internal/faults"
	"github.com/hyperjump/nagare/internal/models"
	"github.com/hyperjump/nagare/internal/storage"
)

// Handler performs a stage's work for one document and returns the fields to record.
type Handler interface {
	Handle(ctx context.Context, doc *models.Document) (storage.StageUpdate, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, doc *models.Document) (storage.StageUpdate, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, doc *models.Document) (storage.StageUpdate, error) {
	return f(ctx, doc)
}

// Stage describes one pipeline step.
type Stage struct {
	Name string
	// Queue is the router queue the stage's consumers compete on.
	Queue      string
	Consumes   string
	Produces   string
	From       models.Status
	InProgress models.Status
	Done       models.Status
	Handler    Handler
}

func (s Stage) validate() error {
	switch {
	case s.Name == "" || s.Queue == "" || s.Consumes == "" || s.Produces == "":
		return fmt.Errorf("stage %q: name, queue, consumes and produces are required", s.Name)
	case s.Handler == nil:
		return fmt.Errorf("stage %q: handler is required", s.Name)
	case !s.From.CanTransition(s.InProgress) || !s.InProgress.CanTransition(s.Done):
		return fmt.Errorf("stage %q: statuses %s -> %s -> %s are not forward", s.Name, s.From, s.InProgress, s.Done)
	}
	return nil
}

// Registry maps each consumed event type to its stage. It is built once at startup.
type Registry struct {
	byEvent map[string]Stage
}

// NewRegistry validates stages and rejects two stages consuming the same event type.
func NewRegistry(stages ...Stage) (*Registry, error) {
	r := &Registry{byEvent: make(map[string]Stage, len(stages))}
	for _, s := range stages {
		if err := s.validate(); err != nil {
			return nil, err
		}
		if prev, ok := r.byEvent[s.Consumes]; ok {
			return nil, fmt.Errorf("stages %q and %q both consume %s", prev.Name, s.Name, s.Consumes)
		}
		r.byEvent[s.Consumes] = s
	}
	return r, nil
}

// Lookup returns the stage consuming eventType.
func (r *Registry) Lookup(eventType string) (Stage, bool) {
	s, ok := r.byEvent[eventType]
	return s, ok
}

// Stages returns all stages ordered by their position in the pipeline.
func (r *Registry) Stages() []Stage {
	out := make([]Stage, 0, len(r.byEvent))
	for _, s := range r.byEvent {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].From.Rank() < out[j].From.Rank() })
	return out
}

// ClassifyStage assigns category and confidence.
func ClassifyStage(c collab.Classifier) Stage {
	return Stage{
		Name:       "classify",
		Queue:      "classification",
		Consumes:   models.EventUploaded,
		Produces:   models.EventClassified,
		From:       models.StatusQueued,
		InProgress: models.StatusClassifying,
		Done:       models.StatusClassified,
		Handler: HandlerFunc(func(ctx context.Context, doc *models.Document) (storage.StageUpdate, error) {
			res, err := c.Classify(ctx, doc.SourceRef)
			if err != nil {
				return storage.StageUpdate{}, err
			}
			if res.Category == "" {
				return storage.StageUpdate{}, faults.Validationf("classifier returned no category for %s", doc.ID)
			}
			return storage.StageUpdate{
				Category:   models.StringPtr(res.Category),
				Confidence: models.Float64Ptr(res.Confidence),
			}, nil
		}),
	}
}

// ExtractStage merges extracted fields into the document metadata.
func ExtractStage(e collab.Extractor) Stage {
	return Stage{
		Name:       "extract",
		Queue:      "extraction",
		Consumes:   models.EventClassified,
		Produces:   models.EventExtracted,
		From:       models.StatusClassified,
		InProgress: models.StatusExtracting,
		Done:       models.StatusExtracted,
		Handler: HandlerFunc(func(ctx context.Context, doc *models.Document) (storage.StageUpdate, error) {
			fields, err := e.Extract(ctx, doc.SourceRef, doc.CategoryOrEmpty())
			if err != nil {
				return storage.StageUpdate{}, err
			}
			merged := make(map[string]any, len(doc.Metadata)+len(fields))
			for k, v := range doc.Metadata {
				merged[k] = v
			}
			for k, v := range fields {
				merged[k] = v
			}
			return storage.StageUpdate{Metadata: merged}, nil
		}),
	}
}
