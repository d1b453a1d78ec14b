package graph

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// AddFactParams holds the inputs for AddFact.
type AddFactParams struct {
	SourceID    string
	TargetID    string
	Relation    Relation
	Description string
	Confidence  float64
	// ValidAt defaults to now: the fact is assumed true from the moment it
	// was observed unless the caller knows better.
	ValidAt    *time.Time
	Embedding  []float32
	MemoryType MemoryType
}

// AddFact inserts a new fact edge. Before inserting it runs near-duplicate
// detection against active facts sharing the same source and target:
// embedding cosine similarity when both sides have vectors, word-overlap
// similarity over descriptions otherwise. A match above the configured
// threshold supersedes the old fact first, so exactly one version of the
// edge stays active.
//
// Returns ErrEntityNotFound if either endpoint does not resolve; nothing is
// stored in that case.
func (s *Store) AddFact(p AddFactParams) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[p.SourceID]; !ok {
		return "", fmt.Errorf("add fact source %s: %w", p.SourceID, ErrEntityNotFound)
	}
	if _, ok := s.entities[p.TargetID]; !ok {
		return "", fmt.Errorf("add fact target %s: %w", p.TargetID, ErrEntityNotFound)
	}
	if !p.Relation.IsValid() {
		return "", fmt.Errorf("add fact: unknown relation %q", p.Relation)
	}

	now := time.Now().UTC()
	validAt := now
	if p.ValidAt != nil {
		validAt = p.ValidAt.UTC()
	}
	memType := p.MemoryType
	if memType == "" {
		memType = MemoryEpisodic
	}
	conf := clamp01(p.Confidence)

	f := &Fact{
		ID:          s.newID("fact"),
		SourceID:    p.SourceID,
		TargetID:    p.TargetID,
		Relation:    p.Relation,
		Description: strings.TrimSpace(p.Description),
		Confidence:  conf,
		Metadata:    FactMetadata{MemoryType: memType},
		ValidAt:     validAt,
		CreatedAt:   now,
	}
	if s.setDim(p.Embedding) {
		f.Embedding = p.Embedding
	}

	// Near-duplicate detection over the same entity pair.
	for _, old := range s.facts {
		if !old.Active() || old.SourceID != p.SourceID || old.TargetID != p.TargetID {
			continue
		}
		if s.isNearDuplicate(old, f) {
			s.supersedeLocked(old, f.ID, nil, now)
			slog.Debug("superseded near-duplicate fact",
				"old", old.ID, "new", f.ID, "relation", f.Relation)
		}
	}

	s.facts[f.ID] = f
	if err := s.flushFacts(); err != nil {
		return "", err
	}
	if len(f.Embedding) > 0 {
		if err := s.flushVectors(); err != nil {
			return "", err
		}
	}
	return f.ID, nil
}

func (s *Store) isNearDuplicate(old, new_ *Fact) bool {
	if len(old.Embedding) > 0 && len(new_.Embedding) > 0 {
		return Cosine(old.Embedding, new_.Embedding) >= s.cfg.EmbedDedupThreshold
	}
	return wordOverlap(old.Description, new_.Description) >= s.cfg.TextDedupThreshold
}

// SupersedeFact bi-temporally retires a fact: expired_at closes the
// knowledge dimension now, invalid_at closes the world dimension at
// invalidAt (defaulting to now). replacementID, when non-empty, chains the
// retired fact to its successor.
func (s *Store) SupersedeFact(id, replacementID string, invalidAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[id]
	if !ok {
		return fmt.Errorf("supersede fact %s: not found", id)
	}
	if !f.Active() {
		return nil
	}
	s.supersedeLocked(f, replacementID, invalidAt, time.Now().UTC())
	return s.flushFacts()
}

func (s *Store) supersedeLocked(f *Fact, replacementID string, invalidAt *time.Time, now time.Time) {
	expired := now
	f.ExpiredAt = &expired
	inv := now
	if invalidAt != nil {
		inv = invalidAt.UTC()
	}
	if f.InvalidAt == nil {
		f.InvalidAt = &inv
	}
	if replacementID != "" {
		f.Metadata.SupersededBy = replacementID
	}
}

// FactUpdates describes an in-place content update for ReconsolidateFact.
// Nil fields are left untouched.
type FactUpdates struct {
	Description *string
	Confidence  *float64
	MemoryType  *MemoryType
}

// ReconsolidateFact updates a fact's content in place, preserving a bounded
// history of prior states. It refuses episodic and expired facts and
// reports whether the update was applied.
func (s *Store) ReconsolidateFact(id string, updates FactUpdates) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[id]
	if !ok || !f.Active() || f.Metadata.MemoryType == MemoryEpisodic {
		return false
	}
	s.reconsolidateLocked(f, updates)
	if err := s.flushFacts(); err != nil {
		slog.Warn("reconsolidate flush failed", "fact", id, "error", err)
		return false
	}
	return true
}

func (s *Store) reconsolidateLocked(f *Fact, updates FactUpdates) {
	prior := FactState{
		Description: f.Description,
		Confidence:  f.Confidence,
		MemoryType:  f.Metadata.MemoryType,
		ReplacedAt:  time.Now().UTC(),
	}
	f.Metadata.History = append(f.Metadata.History, prior)
	if len(f.Metadata.History) > maxFactHistory {
		f.Metadata.History = f.Metadata.History[len(f.Metadata.History)-maxFactHistory:]
	}
	f.Metadata.ReconsolidationCount++

	if updates.Description != nil {
		f.Description = strings.TrimSpace(*updates.Description)
	}
	if updates.Confidence != nil {
		f.Confidence = clamp01(*updates.Confidence)
	}
	if updates.MemoryType != nil && *updates.MemoryType != MemoryEpisodic {
		f.Metadata.MemoryType = *updates.MemoryType
	}
}

// PromoteFact is the one sanctioned path from episodic to semantic memory,
// used by the dream cycle when a fact pattern recurs across episodes. It
// applies the boosted confidence, flips the memory type and records history
// like a reconsolidation. Reports whether the fact was promoted.
func (s *Store) PromoteFact(id string, confidence float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[id]
	if !ok || !f.Active() {
		return false
	}
	semantic := MemorySemantic
	s.reconsolidateLocked(f, FactUpdates{Confidence: &confidence})
	f.Metadata.MemoryType = semantic
	if err := s.flushFacts(); err != nil {
		slog.Warn("promote flush failed", "fact", id, "error", err)
		return false
	}
	return true
}

// GetFact returns the fact with the given id, or nil.
func (s *Store) GetFact(id string) *Fact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.facts[id]
}

// ActiveFacts returns every fact with a nil expired_at, sorted by id.
func (s *Store) ActiveFacts() []*Fact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeFactsLocked()
}

func (s *Store) activeFactsLocked() []*Fact {
	var out []*Fact
	for _, f := range s.facts {
		if f.Active() {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveFactsAt returns the facts that were both known and true as of d,
// per the bi-temporal rule on Fact.ActiveAt.
func (s *Store) ActiveFactsAt(d time.Time) []*Fact {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Fact
	for _, f := range s.facts {
		if f.ActiveAt(d) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllFacts returns every fact including expired ones, sorted by id. The
// dream cycle counts triples across expired episode facts too.
func (s *Store) AllFacts() []*Fact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Fact, 0, len(s.facts))
	for _, f := range s.facts {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HasActiveTriple reports whether an active fact already covers the
// (source, relation, target) triple.
func (s *Store) HasActiveTriple(sourceID string, rel Relation, targetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.facts {
		if f.Active() && f.SourceID == sourceID && f.TargetID == targetID && f.Relation == rel {
			return true
		}
	}
	return false
}

// wordOverlap is Jaccard similarity over lowercased word sets.
func wordOverlap(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if w != "" {
			out[w] = struct{}{}
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
