package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/hyperjump/nagare/internal/faults"
	"github.com/hyperjump/nagare/pkg/utils"
)

// ChatModel is the part of a langchaingo model the collaborators use.
type ChatModel interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// LLMConfig configures an OpenAI-compatible chat endpoint.
type LLMConfig struct {
	BaseURL string
	Token   string
	Model   string
}

// NewChatModel creates an OpenAI-compatible chat client. An empty token is sent as "none"
// for local services that do not authenticate.
func NewChatModel(cfg LLMConfig) (ChatModel, error) {
	token := cfg.Token
	if token == "" {
		token = "none"
	}
	client, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(token),
		openai.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat client: %w", err)
	}
	return client, nil
}

// promptChars bounds how much document text is sent to the model.
const promptChars = 6000

// parseAttempts is how many times a malformed JSON answer is re-requested.
const parseAttempts = 2

// LLMClassifier classifies documents with a chat model in JSON mode.
type LLMClassifier struct {
	model      ChatModel
	content    TextSource
	categories []string
	logger     *zap.Logger
}

// NewLLMClassifier returns a classifier restricted to categories.
func NewLLMClassifier(model ChatModel, content TextSource, categories []string, logger *zap.Logger) *LLMClassifier {
	return &LLMClassifier{model: model, content: content, categories: categories, logger: utils.OrNop(logger)}
}

// Classify reads the document and asks the model for a category and confidence.
func (c *LLMClassifier) Classify(ctx context.Context, sourceRef string) (Classification, error) {
	text, err := c.content.ReadText(ctx, sourceRef)
	if err != nil {
		return Classification{}, err
	}
	system := "You classify business documents. Answer with a JSON object " +
		`{"category": string, "confidence": number between 0 and 1}. ` +
		"The category must be one of: " + strings.Join(c.categories, ", ") + "."
	var out Classification
	if err := generateJSON(ctx, c.model, system, utils.TruncateChars(text, promptChars), &out, c.logger); err != nil {
		return Classification{}, err
	}
	return Classification{
		Category:   normalizeCategory(out.Category, c.categories),
		Confidence: clampConfidence(out.Confidence),
	}, nil
}

// LLMExtractor extracts category-specific fields with a chat model in JSON mode.
type LLMExtractor struct {
	model   ChatModel
	content TextSource
	logger  *zap.Logger
}

// NewLLMExtractor returns an extractor.
func NewLLMExtractor(model ChatModel, content TextSource, logger *zap.Logger) *LLMExtractor {
	return &LLMExtractor{model: model, content: content, logger: utils.OrNop(logger)}
}

// Extract asks the model for a flat JSON object of the document's key fields.
func (e *LLMExtractor) Extract(ctx context.Context, sourceRef, category string) (map[string]any, error) {
	text, err := e.content.ReadText(ctx, sourceRef)
	if err != nil {
		return nil, err
	}
	system := fmt.Sprintf("You extract key fields from a %s document. Answer with one flat JSON object "+
		"mapping snake_case field names to string or number values. Include only fields present in the text.", category)
	out := map[string]any{}
	if err := generateJSON(ctx, e.model, system, utils.TruncateChars(text, promptChars), &out, e.logger); err != nil {
		return nil, err
	}
	return out, nil
}

// generateJSON sends one system+user exchange and decodes the answer into v. Transport
// failures and answers that stay malformed are transient: the model may do better next time.
func generateJSON(ctx context.Context, model ChatModel, system, user string, v any, logger *zap.Logger) error {
	content := []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextPart(system)}},
		{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart(user)}},
	}
	var lastErr error
	for attempt := 1; attempt <= parseAttempts; attempt++ {
		resp, err := model.GenerateContent(ctx, content, llms.WithTemperature(0), llms.WithJSONMode())
		if err != nil {
			return faults.Transient(fmt.Errorf("generate content: %w", err))
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("model returned no choices")
			continue
		}
		answer := stripCodeFence(resp.Choices[0].Content)
		if err := json.Unmarshal([]byte(answer), v); err != nil {
			logger.Warn("malformed model answer", zap.Int("attempt", attempt), zap.String("answer", utils.Truncate(answer, 200)), zap.Error(err))
			lastErr = fmt.Errorf("parse model answer: %w", err)
			continue
		}
		return nil
	}
	return faults.Transient(lastErr)
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
