package embedding

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/hyperjump/nagare/internal/faults"
)

// OpenAIConfig configures an OpenAI-compatible embedding endpoint.
type OpenAIConfig struct {
	BaseURL    string
	Token      string
	Model      string
	Dimensions int
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings API through langchaingo.
type OpenAIEmbedder struct {
	embedder   embeddings.Embedder
	dimensions int
	logger     *zap.Logger
}

// NewOpenAIEmbedder creates an embedder. An empty token is sent as "none" for local
// services that do not authenticate.
func NewOpenAIEmbedder(cfg OpenAIConfig, logger *zap.Logger) (*OpenAIEmbedder, error) {
	token := cfg.Token
	if token == "" {
		token = "none"
	}
	client, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(token),
		openai.WithEmbeddingModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIEmbedder{embedder: embedder, dimensions: cfg.Dimensions, logger: logger}, nil
}

// Embed returns the embedding of text. Remote failures are transient; a vector of the
// wrong size is a validation error.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, faults.Validation(ErrEmptyText)
	}
	vectors, err := e.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		e.logger.Debug("embedding request failed", zap.Int("length", len(text)), zap.Error(err))
		return nil, faults.Transient(fmt.Errorf("embedding request: %w", err))
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, faults.Transient(fmt.Errorf("embedding service returned no vector"))
	}
	if e.dimensions > 0 && len(vectors[0]) != e.dimensions {
		return nil, faults.Validationf("embedding dimension %d, expected %d", len(vectors[0]), e.dimensions)
	}
	return vectors[0], nil
}

// Dimensions returns the configured embedding dimension.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}
