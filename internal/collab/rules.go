package collab

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// defaultKeywords seeds the rule classifier for the stock categories.
var defaultKeywords = map[string][]string{
	"invoice":        {"invoice", "amount due", "bill to", "payment", "total", "tax", "remit"},
	"contract":       {"agreement", "party", "parties", "hereby", "term", "termination", "clause", "governing law"},
	"report":         {"report", "summary", "analysis", "findings", "quarter", "results", "metrics"},
	"correspondence": {"dear", "regards", "sincerely", "letter", "thank you", "subject"},
}

// RuleClassifier scores categories by keyword hits. It needs no model server.
type RuleClassifier struct {
	content  TextSource
	keywords map[string][]string
	order    []string
}

// NewRuleClassifier builds keyword rules for categories. Categories without stock rules
// match on their own name.
func NewRuleClassifier(content TextSource, categories []string) *RuleClassifier {
	kw := make(map[string][]string, len(categories))
	order := make([]string, 0, len(categories))
	for _, c := range categories {
		if c == OtherCategory {
			continue
		}
		if words, ok := defaultKeywords[c]; ok {
			kw[c] = words
		} else {
			kw[c] = []string{strings.ToLower(c)}
		}
		order = append(order, c)
	}
	sort.Strings(order)
	return &RuleClassifier{content: content, keywords: kw, order: order}
}

// Classify picks the category with the most keyword hits. Confidence is that category's
// share of all hits; no hits means "other" with confidence 0.
func (r *RuleClassifier) Classify(ctx context.Context, sourceRef string) (Classification, error) {
	text, err := r.content.ReadText(ctx, sourceRef)
	if err != nil {
		return Classification{}, err
	}
	lower := strings.ToLower(text)
	best, bestHits, total := OtherCategory, 0, 0
	for _, c := range r.order {
		hits := 0
		for _, w := range r.keywords[c] {
			hits += strings.Count(lower, w)
		}
		total += hits
		if hits > bestHits {
			best, bestHits = c, hits
		}
	}
	if total == 0 {
		return Classification{Category: OtherCategory, Confidence: 0}, nil
	}
	return Classification{Category: best, Confidence: clampConfidence(float64(bestHits) / float64(total))}, nil
}

var (
	emailPattern  = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	datePattern   = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	amountPattern = regexp.MustCompile(`[$€£]\s?\d{1,3}(?:,\d{3})*(?:\.\d{2})?`)
)

// RuleExtractor pulls simple fields (dates, amounts, emails, counts) with regular expressions.
type RuleExtractor struct {
	content TextSource
}

// NewRuleExtractor returns an extractor reading text from content.
func NewRuleExtractor(content TextSource) *RuleExtractor {
	return &RuleExtractor{content: content}
}

// Extract returns the fields found in the document. Lists are deduplicated in order of appearance.
func (r *RuleExtractor) Extract(ctx context.Context, sourceRef, category string) (map[string]any, error) {
	text, err := r.content.ReadText(ctx, sourceRef)
	if err != nil {
		return nil, err
	}
	meta := map[string]any{
		"word_count": len(strings.FieldsFunc(text, unicode.IsSpace)),
		"char_count": len([]rune(text)),
	}
	if category != "" {
		meta["category"] = category
	}
	if v := unique(emailPattern.FindAllString(text, -1)); len(v) > 0 {
		meta["emails"] = v
	}
	if v := unique(datePattern.FindAllString(text, -1)); len(v) > 0 {
		meta["dates"] = v
	}
	if v := unique(amountPattern.FindAllString(text, -1)); len(v) > 0 {
		meta["amounts"] = v
	}
	return meta, nil
}

func unique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
