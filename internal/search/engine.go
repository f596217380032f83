// Package search runs keyword, semantic and hybrid queries over the search index and
// hydrates hits from the metadata store.
package search

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/nagare/internal/config"
	"github.com/hyperjump/nagare/internal/embedding"
	"github.com/hyperjump/nagare/internal/index"
	"github.com/hyperjump/nagare/internal/keyword"
	"github.com/hyperjump/nagare/internal/models"
	"github.com/hyperjump/nagare/internal/vector"
)

// Index is the read side of the search index.
type Index interface {
	Keyword(ctx context.Context, query, category string, size int) ([]keyword.Hit, error)
	Vector(ctx context.Context, query []float32, k int, category string) ([]vector.Result, error)
	Health() index.Health
}

// DocumentSource hydrates hits.
type DocumentSource interface {
	GetDocuments(ctx context.Context, ids []string) (map[string]*models.Document, error)
}

// Engine runs searches. It never fails a well-formed query because one ranking is
// unavailable; it degrades to what it can serve and says so on the response.
type Engine struct {
	index    Index
	docs     DocumentSource
	embedder embedding.Embedder
	config   config.SearchConfig
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a search engine. embedder should be the same model the indexer uses,
// typically wrapped in embedding.Cached.
func NewEngine(idx Index, docs DocumentSource, embedder embedding.Embedder, cfg config.SearchConfig, opts ...Option) *Engine {
	e := &Engine{
		index:    idx,
		docs:     docs,
		embedder: embedder,
		config:   cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type rankings struct {
	keyword     []Candidate
	semantic    []Candidate
	keywordErr  error
	semanticErr error
}

// Search executes q. Only a malformed query (models.ErrInvalidQuery) or a metadata store
// failure during hydration returns an error.
func (e *Engine) Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	start := e.now()
	if err := q.Validate(e.config.DefaultLimit, e.config.MaxLimit); err != nil {
		return nil, err
	}
	e.applyDefaults(q)

	resp := &models.SearchResponse{
		Results:       []*models.SearchResult{},
		Query:         q.Query,
		RequestedMode: q.Mode,
		Mode:          q.Mode,
	}
	depth := e.config.TopKCandidates
	if want := q.Offset + q.Limit; want > depth {
		depth = want
	}

	wantKeyword := q.Mode != models.ModeSemantic
	wantSemantic := q.Mode != models.ModeKeyword
	if wantSemantic {
		if h := e.index.Health(); h.Status != index.StatusGreen {
			resp.Degrade(fmt.Sprintf("index health %s (%s): semantic ranking skipped", h.Status, h.Reason))
			wantSemantic = false
			wantKeyword = true
		}
	}

	r := e.rank(ctx, q, depth, wantKeyword, wantSemantic)
	if r.semanticErr != nil {
		e.logger.Warn("semantic ranking unavailable", zap.String("query", q.Query), zap.Error(r.semanticErr))
		resp.Degrade(fmt.Sprintf("semantic ranking unavailable: %v", r.semanticErr))
		if !wantKeyword {
			wantKeyword = true
			r.keyword, r.keywordErr = e.keyword(ctx, q, depth)
		}
		wantSemantic = false
	}
	if r.keywordErr != nil {
		e.logger.Warn("keyword ranking unavailable", zap.String("query", q.Query), zap.Error(r.keywordErr))
		resp.Degrade(fmt.Sprintf("keyword ranking unavailable: %v", r.keywordErr))
		wantKeyword = false
	}

	var fused []*FusedResult
	switch {
	case wantKeyword && wantSemantic:
		fused = FuseRRF(r.keyword, r.semantic, q.KeywordWeight, q.SemanticWeight, q.K)
		resp.Mode = models.ModeHybrid
	case wantKeyword:
		fused = Single(r.keyword, false)
		resp.Mode = models.ModeKeyword
	case wantSemantic:
		fused = Single(r.semantic, true)
		resp.Mode = models.ModeSemantic
	}

	results, err := e.hydrate(ctx, fused)
	if err != nil {
		return nil, err
	}
	resp.Total = len(results)
	lo, hi := page(len(results), q.Offset, q.Limit)
	for i, res := range results[lo:hi] {
		res.Rank = lo + i + 1
		resp.Results = append(resp.Results, res)
	}
	resp.QueryTime = e.now().Sub(start).Milliseconds()
	return resp, nil
}

func (e *Engine) applyDefaults(q *models.SearchQuery) {
	if q.KeywordWeight == 0 && q.SemanticWeight == 0 {
		q.KeywordWeight = e.config.KeywordWeight
		q.SemanticWeight = e.config.SemanticWeight
	}
	if q.K == 0 {
		q.K = e.config.RRFK
	}
	if q.K == 0 {
		q.K = 60
	}
}

func (e *Engine) rank(ctx context.Context, q *models.SearchQuery, depth int, wantKeyword, wantSemantic bool) rankings {
	var (
		r  rankings
		wg sync.WaitGroup
	)
	if wantKeyword {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.keyword, r.keywordErr = e.keyword(ctx, q, depth)
		}()
	}
	if wantSemantic {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.semantic, r.semanticErr = e.semantic(ctx, q, depth)
		}()
	}
	wg.Wait()
	return r
}

func (e *Engine) keyword(ctx context.Context, q *models.SearchQuery, depth int) ([]Candidate, error) {
	hits, err := e.index.Keyword(ctx, q.Query, q.Category, depth)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	out := make([]Candidate, len(hits))
	for i, h := range hits {
		out[i] = Candidate{ID: h.ID, Score: h.Score}
	}
	return out, nil
}

func (e *Engine) semantic(ctx context.Context, q *models.SearchQuery, depth int) ([]Candidate, error) {
	vec, err := e.embedder.Embed(ctx, q.Query)
	if err != nil {
		return nil, fmt.Errorf("query embedding failed: %w", err)
	}
	hits, err := e.index.Vector(ctx, vec, depth, q.Category)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	out := make([]Candidate, len(hits))
	for i, h := range hits {
		out[i] = Candidate{ID: h.ID, Score: h.Score}
	}
	return out, nil
}

// hydrate loads documents for the fused ids, keeping order. Documents that are not indexed
// are dropped: the search index can briefly hold a document whose metadata write failed.
func (e *Engine) hydrate(ctx context.Context, fused []*FusedResult) ([]*models.SearchResult, error) {
	if len(fused) == 0 {
		return nil, nil
	}
	ids := make([]string, len(fused))
	for i, f := range fused {
		ids[i] = f.DocumentID
	}
	docs, err := e.docs.GetDocuments(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load search hits: %w", err)
	}
	out := make([]*models.SearchResult, 0, len(fused))
	for _, f := range fused {
		doc, ok := docs[f.DocumentID]
		if !ok || doc.Status != models.StatusIndexed {
			continue
		}
		out = append(out, &models.SearchResult{
			Document:      doc,
			Score:         f.Score,
			KeywordScore:  f.KeywordScore,
			SemanticScore: f.SemanticScore,
			KeywordRank:   f.KeywordRank,
			SemanticRank:  f.SemanticRank,
		})
	}
	return out, nil
}

func page(n, offset, limit int) (int, int) {
	lo := offset
	if lo > n {
		lo = n
	}
	hi := lo + limit
	if hi > n {
		hi = n
	}
	return lo, hi
}
