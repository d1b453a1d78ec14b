package retrieval

import (
	"strings"

	"github.com/nous-labs/engram/pkg/graph"
)

// termIndex is an in-memory inverted index over active fact descriptions,
// relations and endpoint entity names. Rebuilt per retrieval call; the
// active set is small enough that an on-disk index would cost more than it
// saves.
type termIndex struct {
	postings map[string]map[string]float64 // term -> fact id -> field weight
	docTerms map[string]int                // fact id -> distinct indexed terms
}

const (
	weightDescription = 1.0
	weightEntityName  = 1.5
	weightRelation    = 0.75
)

func buildTermIndex(facts []*graph.Fact, entityName func(id string) string) *termIndex {
	idx := &termIndex{
		postings: make(map[string]map[string]float64),
		docTerms: make(map[string]int),
	}
	for _, f := range facts {
		if !f.Active() {
			continue
		}
		idx.addField(f.ID, f.Description, weightDescription)
		idx.addField(f.ID, strings.ReplaceAll(string(f.Relation), "_", " "), weightRelation)
		idx.addField(f.ID, entityName(f.SourceID), weightEntityName)
		idx.addField(f.ID, entityName(f.TargetID), weightEntityName)
	}
	return idx
}

func (idx *termIndex) addField(factID, text string, weight float64) {
	for _, term := range tokenize(strings.ToLower(text)) {
		if stopwords[term] || len(term) < 2 {
			continue
		}
		byFact, ok := idx.postings[term]
		if !ok {
			byFact = make(map[string]float64)
			idx.postings[term] = byFact
		}
		if weight > byFact[factID] {
			if byFact[factID] == 0 {
				idx.docTerms[factID]++
			}
			byFact[factID] = weight
		}
	}
}

// search scores facts by weighted term overlap with the query, normalized
// by query length so longer sub-queries are not favored. Scores land in
// roughly [0,1.5] before the caller applies the sub-query weight.
func (idx *termIndex) search(query string) map[string]float64 {
	terms := tokenize(strings.ToLower(query))
	var queryTerms []string
	for _, t := range terms {
		if !stopwords[t] && len(t) >= 2 {
			queryTerms = append(queryTerms, t)
		}
	}
	if len(queryTerms) == 0 {
		return nil
	}

	scores := make(map[string]float64)
	for _, term := range queryTerms {
		for factID, weight := range idx.postings[term] {
			scores[factID] += weight
		}
	}
	for factID := range scores {
		scores[factID] /= float64(len(queryTerms))
	}
	return scores
}
