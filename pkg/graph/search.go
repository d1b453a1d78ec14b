package graph

import (
	"math"
	"sort"
	"time"

	"github.com/nous-labs/engram/pkg/activation"
)

// SearchOptions controls SemanticSearch.
type SearchOptions struct {
	Limit    int
	MinScore float64
	// Types filters results to facts whose memory type is in the set.
	Types []MemoryType
	// ActivationScores maps fact id to cached activation. When present the
	// score factor is the ACT-R sigmoid of the cached activation; facts
	// without an entry (and all facts when the map is nil) fall back to
	// exponential recency decay.
	ActivationScores map[string]float64
}

// SearchResult is one ranked semantic search hit.
type SearchResult struct {
	Fact  *Fact
	Score float64
}

// SemanticSearch ranks active embedded facts by cosine similarity to the
// query vector, scaled by an availability factor: the activation sigmoid
// when a cached score is supplied, otherwise recency decay with the
// configured half-life.
func (s *Store) SemanticSearch(query []float32, opts SearchOptions) []SearchResult {
	if len(query) == 0 {
		return nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var results []SearchResult
	for _, f := range s.facts {
		if !f.Active() || len(f.Embedding) == 0 {
			continue
		}
		if !memoryTypeAllowed(f.Metadata.MemoryType, opts.Types) {
			continue
		}
		sim := Cosine(query, f.Embedding)
		if sim <= 0 {
			continue
		}
		factor := s.scoreFactor(f, opts.ActivationScores, now)
		score := sim * factor
		if score < opts.MinScore {
			continue
		}
		results = append(results, SearchResult{Fact: f, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Fact.ID < results[j].Fact.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func (s *Store) scoreFactor(f *Fact, scores map[string]float64, now time.Time) float64 {
	if scores != nil {
		if a, ok := scores[f.ID]; ok {
			return activation.Factor(a, s.cfg.ExpireThreshold)
		}
	}
	// Recency fallback: exponential decay over fact age.
	age := now.Sub(f.CreatedAt)
	if age < 0 {
		age = 0
	}
	halfLives := age.Hours() / s.cfg.RecencyHalfLife.Hours()
	return math.Pow(0.5, halfLives)
}

func memoryTypeAllowed(t MemoryType, allowed []MemoryType) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if t == a {
			return true
		}
	}
	return false
}

// Cosine returns the cosine similarity of two vectors, 0 when lengths
// differ or either vector is zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Neighborhood is the result of a bounded breadth-first expansion around an
// entity over active-fact adjacency.
type Neighborhood struct {
	Center   *Entity
	Entities []*Entity
	Facts    []*Fact
}

// GetNeighborhood walks active facts breadth-first from entityID up to
// depth hops, visiting each entity once.
func (s *Store) GetNeighborhood(entityID string, depth int) *Neighborhood {
	s.mu.Lock()
	defer s.mu.Unlock()

	center, ok := s.entities[entityID]
	if !ok {
		return nil
	}
	if depth <= 0 {
		depth = 1
	}

	adj := make(map[string][]*Fact)
	for _, f := range s.facts {
		if !f.Active() {
			continue
		}
		adj[f.SourceID] = append(adj[f.SourceID], f)
		adj[f.TargetID] = append(adj[f.TargetID], f)
	}
	for _, facts := range adj {
		sort.Slice(facts, func(i, j int) bool { return facts[i].ID < facts[j].ID })
	}

	nb := &Neighborhood{Center: center}
	visited := map[string]bool{entityID: true}
	seenFacts := map[string]bool{}
	frontier := []string{entityID}

	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, id := range frontier {
			for _, f := range adj[id] {
				if !seenFacts[f.ID] {
					seenFacts[f.ID] = true
					nb.Facts = append(nb.Facts, f)
				}
				other := f.TargetID
				if other == id {
					other = f.SourceID
				}
				if visited[other] {
					continue
				}
				visited[other] = true
				if e, ok := s.entities[other]; ok {
					nb.Entities = append(nb.Entities, e)
					next = append(next, other)
				}
			}
		}
		frontier = next
	}
	return nb
}
