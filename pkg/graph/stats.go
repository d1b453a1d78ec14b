package graph

import "sort"

// EntityDegree pairs an entity with its active-fact degree.
type EntityDegree struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Degree int    `json:"degree"`
}

// Stats is the read-only statistics snapshot exposed to collaborators.
type Stats struct {
	Entities          int            `json:"entities"`
	ActiveFacts       int            `json:"active_facts"`
	ExpiredFacts      int            `json:"expired_facts"`
	Episodes          int            `json:"episodes"`
	Unconsolidated    int            `json:"unconsolidated_episodes"`
	EmbeddingDim      int            `json:"embedding_dim"`
	EmbeddingCoverage float64        `json:"embedding_coverage"`
	TopEntities       []EntityDegree `json:"top_entities"`
}

// GetStats computes counts, the embedding coverage ratio over active facts
// and the top-10 entities by active-fact degree.
func (s *Store) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Entities:     len(s.entities),
		EmbeddingDim: s.dim,
	}

	degree := make(map[string]int)
	embedded := 0
	for _, f := range s.facts {
		if !f.Active() {
			st.ExpiredFacts++
			continue
		}
		st.ActiveFacts++
		if len(f.Embedding) > 0 {
			embedded++
		}
		degree[f.SourceID]++
		degree[f.TargetID]++
	}
	if st.ActiveFacts > 0 {
		st.EmbeddingCoverage = float64(embedded) / float64(st.ActiveFacts)
	} else {
		st.EmbeddingCoverage = 1.0
	}

	for _, ep := range s.episodes {
		st.Episodes++
		if !ep.Consolidated {
			st.Unconsolidated++
		}
	}

	for id, d := range degree {
		e, ok := s.entities[id]
		if !ok {
			continue
		}
		st.TopEntities = append(st.TopEntities, EntityDegree{ID: id, Name: e.Name, Degree: d})
	}
	sort.Slice(st.TopEntities, func(i, j int) bool {
		if st.TopEntities[i].Degree != st.TopEntities[j].Degree {
			return st.TopEntities[i].Degree > st.TopEntities[j].Degree
		}
		return st.TopEntities[i].ID < st.TopEntities[j].ID
	})
	if len(st.TopEntities) > 10 {
		st.TopEntities = st.TopEntities[:10]
	}
	return st
}

// Snapshot is the plain structured read view handed to external consumers
// such as the dashboard.
type Snapshot struct {
	Stats    Stats     `json:"stats"`
	Entities []*Entity `json:"entities"`
	Facts    []*Fact   `json:"facts"`
}

// GetSnapshot returns stats plus all entities and active facts.
func (s *Store) GetSnapshot() Snapshot {
	return Snapshot{
		Stats:    s.GetStats(),
		Entities: s.Entities(),
		Facts:    s.ActiveFacts(),
	}
}
