package search

import "sort"

// Candidate is one document in a single ranking.
type Candidate struct {
	ID    string
	Score float64
}

// FusedResult holds a document's combined score and its position in each input ranking.
// A zero rank means the document was absent from that ranking.
type FusedResult struct {
	DocumentID    string
	Score         float64
	KeywordScore  float64
	SemanticScore float64
	KeywordRank   int
	SemanticRank  int
}

// SortRanking orders candidates by score descending, then id ascending, and drops repeated ids
// keeping the best-placed occurrence.
func SortRanking(cands []Candidate) []Candidate {
	out := make([]Candidate, len(cands))
	copy(out, cands)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	seen := make(map[string]struct{}, len(out))
	uniq := out[:0]
	for _, c := range out {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		uniq = append(uniq, c)
	}
	return uniq
}

// FuseRRF combines two rankings with weighted reciprocal rank fusion:
//
//	score(d) = kw/(k + rank_kw(d)) + sem/(k + rank_sem(d))
//
// Ranks are 1-based positions after SortRanking. A document missing from a ranking gets no
// contribution from it. Output is ordered by score descending, ties by id ascending, so the
// result depends only on the two rankings, the weights and k.
func FuseRRF(keyword, semantic []Candidate, keywordWeight, semanticWeight float64, k int) []*FusedResult {
	byID := make(map[string]*FusedResult)
	get := func(id string) *FusedResult {
		r, ok := byID[id]
		if !ok {
			r = &FusedResult{DocumentID: id}
			byID[id] = r
		}
		return r
	}
	for i, c := range SortRanking(keyword) {
		r := get(c.ID)
		r.KeywordRank = i + 1
		r.KeywordScore = c.Score
		r.Score += keywordWeight / float64(k+i+1)
	}
	for i, c := range SortRanking(semantic) {
		r := get(c.ID)
		r.SemanticRank = i + 1
		r.SemanticScore = c.Score
		r.Score += semanticWeight / float64(k+i+1)
	}
	results := make([]*FusedResult, 0, len(byID))
	for _, r := range byID {
		results = append(results, r)
	}
	sortFused(results)
	return results
}

// Single turns one ranking into fused results scored by the ranking's own scores.
func Single(cands []Candidate, semantic bool) []*FusedResult {
	sorted := SortRanking(cands)
	results := make([]*FusedResult, len(sorted))
	for i, c := range sorted {
		r := &FusedResult{DocumentID: c.ID, Score: c.Score}
		if semantic {
			r.SemanticScore, r.SemanticRank = c.Score, i+1
		} else {
			r.KeywordScore, r.KeywordRank = c.Score, i+1
		}
		results[i] = r
	}
	return results
}

func sortFused(results []*FusedResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocumentID < results[j].DocumentID
	})
}
