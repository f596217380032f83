package keyword

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/nagare/internal/faults"
	"github.com/hyperjump/nagare/internal/models"
)

const (
	fieldTitle    = "title"
	fieldContent  = "content"
	fieldCategory = "category"
)

// BleveIndex implements Index using Bleve.
type BleveIndex struct {
	index bleve.Index
}

func newMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	// Standard analyzer (lowercase + tokenize, no stemming) so "bayes" matches "Bayes" exactly.
	textFieldMapping.Analyzer = standard.Name
	textFieldMapping.Store = false
	docMapping.AddFieldMappingsAt(fieldContent, textFieldMapping)
	docMapping.AddFieldMappingsAt(fieldTitle, textFieldMapping)

	categoryMapping := bleve.NewKeywordFieldMapping()
	categoryMapping.IncludeInAll = false
	categoryMapping.Store = false
	docMapping.AddFieldMappingsAt(fieldCategory, categoryMapping)

	im.AddDocumentMapping("document", docMapping)
	im.DefaultType = "document"
	im.DefaultMapping = docMapping
	return im
}

// NewBleveIndex creates or opens a Bleve index at path.
// If you change the index mapping in code, remove the index directory to force a full re-index.
func NewBleveIndex(path string) (*BleveIndex, error) {
	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	index, err := bleve.New(path, newMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

// NewMemoryBleveIndex creates an index that lives only in memory.
func NewMemoryBleveIndex() (*BleveIndex, error) {
	index, err := bleve.NewMemOnly(newMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

// BulkUpsert indexes docs in one Bleve batch. Items that cannot be mapped fail on their own;
// a failed batch commit fails every item that made it into the batch.
func (b *BleveIndex) BulkUpsert(ctx context.Context, docs []Document) []models.ItemResult {
	results := make([]models.ItemResult, len(docs))
	if err := ctx.Err(); err != nil {
		for i, d := range docs {
			results[i] = models.ItemResult{ID: d.ID, Err: faults.Transient(err)}
		}
		return results
	}

	batch := b.index.NewBatch()
	pending := make([]int, 0, len(docs))
	for i, d := range docs {
		results[i].ID = d.ID
		if strings.TrimSpace(d.ID) == "" {
			results[i].Err = faults.Validation(errors.New("document id is empty"))
			continue
		}
		err := batch.Index(d.ID, map[string]interface{}{
			fieldTitle:    d.Title,
			fieldContent:  d.Content,
			fieldCategory: d.Category,
		})
		if err != nil {
			results[i].Err = faults.Validation(fmt.Errorf("map document %s: %w", d.ID, err))
			continue
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return results
	}
	if err := b.index.Batch(batch); err != nil {
		err = faults.Transient(fmt.Errorf("Bleve batch failed: %w", err))
		for _, i := range pending {
			results[i].Err = err
		}
	}
	return results
}

// Search runs a match (or phrase) query over title and content.
func (b *BleveIndex) Search(ctx context.Context, query, category string, size int) ([]Hit, error) {
	if size <= 0 {
		return nil, nil
	}
	q := buildQuery(query)
	if category != "" {
		tq := bleve.NewTermQuery(category)
		tq.SetField(fieldCategory)
		q = bleve.NewConjunctionQuery(q, tq)
	}
	req := bleve.NewSearchRequest(q)
	req.Size = size
	req.SortBy([]string{"-_score", "_id"})
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make([]Hit, len(results.Hits))
	for i, hit := range results.Hits {
		out[i] = Hit{ID: hit.ID, Score: hit.Score}
	}
	return out, nil
}

// buildQuery matches a double-quoted query as a phrase in either field; anything else is a
// plain match query across all indexed text.
func buildQuery(query string) blevequery.Query {
	query = strings.TrimSpace(query)
	if phrase, ok := quotedPhrase(query); ok {
		title := bleve.NewMatchPhraseQuery(phrase)
		title.SetField(fieldTitle)
		content := bleve.NewMatchPhraseQuery(phrase)
		content.SetField(fieldContent)
		return bleve.NewDisjunctionQuery(title, content)
	}
	return bleve.NewMatchQuery(query)
}

func quotedPhrase(query string) (string, bool) {
	if len(query) < 2 || !strings.HasPrefix(query, `"`) || !strings.HasSuffix(query, `"`) {
		return "", false
	}
	inner := strings.TrimSpace(query[1 : len(query)-1])
	if inner == "" || strings.Contains(inner, `"`) {
		return "", false
	}
	return inner, true
}

// DocCount returns the total number of documents in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
