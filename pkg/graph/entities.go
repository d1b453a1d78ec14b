package graph

import (
	"fmt"
	"sort"
	"time"
)

// ErrEntityNotFound is returned when a fact references an unknown entity.
var ErrEntityNotFound = fmt.Errorf("entity not found")

// UpsertEntity inserts or merges an entity keyed by normalized name.
// Re-insertion under the same name merges properties, refreshes last_seen
// and returns the existing id, never a duplicate. An embedding may be nil;
// it is attached only when the store dimensionality allows.
func (s *Store) UpsertEntity(typ EntityType, name string, properties map[string]any, embedding []float32) (string, error) {
	key := NormalizeName(name)
	if key == "" {
		return "", fmt.Errorf("upsert entity: empty name")
	}
	if !typ.IsValid() {
		typ = EntityConcept
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if id, ok := s.byName[key]; ok {
		e := s.entities[id]
		for k, v := range properties {
			if e.Properties == nil {
				e.Properties = make(map[string]any)
			}
			e.Properties[k] = v
		}
		if !now.After(e.LastSeen) {
			now = e.LastSeen.Add(time.Millisecond)
		}
		e.LastSeen = now
		if len(e.Embedding) == 0 && s.setDim(embedding) {
			e.Embedding = embedding
		}
		if err := s.flushEntities(); err != nil {
			return "", err
		}
		if len(e.Embedding) > 0 {
			if err := s.flushVectors(); err != nil {
				return "", err
			}
		}
		return id, nil
	}

	e := &Entity{
		ID:         s.newID("ent"),
		Type:       typ,
		Name:       name,
		Properties: properties,
		CreatedAt:  now,
		LastSeen:   now,
	}
	if s.setDim(embedding) {
		e.Embedding = embedding
	}
	s.entities[e.ID] = e
	s.byName[key] = e.ID

	if err := s.flushEntities(); err != nil {
		return "", err
	}
	if len(e.Embedding) > 0 {
		if err := s.flushVectors(); err != nil {
			return "", err
		}
	}
	return e.ID, nil
}

// GetEntity returns the entity with the given id, or nil.
func (s *Store) GetEntity(id string) *Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entities[id]
}

// FindEntityByName resolves a name through the normalized index.
func (s *Store) FindEntityByName(name string) *Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byName[NormalizeName(name)]; ok {
		return s.entities[id]
	}
	return nil
}

// EntitiesByType returns all entities of the given type, sorted by id.
func (s *Store) EntitiesByType(typ EntityType) []*Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Entity
	for _, e := range s.entities {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Entities returns every entity, sorted by id.
func (s *Store) Entities() []*Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
