package graph

import (
	"fmt"
	"sort"
	"time"
)

// AddEpisode records one extraction event. Episodes are append-only; the
// only later mutation is the consolidated flag.
func (s *Store) AddEpisode(sourceType SourceType, sourceRef string, entityIDs, factIDs []string) (*Episode, error) {
	if !sourceType.IsValid() {
		return nil, fmt.Errorf("add episode: unknown source type %q", sourceType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ep := &Episode{
		ID:         s.newID("ep"),
		SourceType: sourceType,
		SourceRef:  sourceRef,
		Timestamp:  time.Now().UTC(),
		EntityIDs:  entityIDs,
		FactIDs:    factIDs,
	}
	s.episodes[ep.ID] = ep
	if err := s.flushEpisodes(); err != nil {
		return nil, err
	}
	return ep, nil
}

// UnconsolidatedEpisodes returns unconsolidated episodes newer than the
// window start, sorted by timestamp then id.
func (s *Store) UnconsolidatedEpisodes(since time.Time) []*Episode {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Episode
	for _, ep := range s.episodes {
		if !ep.Consolidated && !ep.Timestamp.Before(since) {
			out = append(out, ep)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MarkConsolidated flags the given episodes as processed and persists the
// episode file once.
func (s *Store) MarkConsolidated(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, id := range ids {
		if ep, ok := s.episodes[id]; ok && !ep.Consolidated {
			ep.Consolidated = true
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.flushEpisodes()
}

// Episodes returns every episode, sorted by id.
func (s *Store) Episodes() []*Episode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Episode, 0, len(s.episodes))
	for _, ep := range s.episodes {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
