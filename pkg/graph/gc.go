package graph

import (
	"log/slog"
	"sort"
	"time"

	"github.com/nous-labs/engram/pkg/activation"
)

// GCReport summarizes one garbage-collection pass. DroppedIDs lets callers
// retire the dropped facts from external indexes.
type GCReport struct {
	Dropped   int `json:"dropped"`   // expired facts removed from the persisted set
	Forgotten int `json:"forgotten"` // active facts expired by the forgetting rule

	DroppedIDs []string `json:"-"`
}

// RunGC applies the forgetting rule and drops long-expired facts.
//
// Forgetting covers episodic facts only: semantic and procedural knowledge
// is consolidated precisely so it outlives disuse. A fact with an
// activation entry is forgotten when ShouldExpire says so; a never-accessed
// fact falls back to plain age against NeverAccessedTTL. Expired facts
// older than ExpiredRetention leave the persisted set entirely.
//
// Callers own locking and the interval gate (AcquireMaintenanceLock,
// MaintenanceDue); RunGC itself just mutates and flushes.
func (s *Store) RunGC(log *activation.Log, now time.Time) (GCReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rep GCReport
	for id, f := range s.facts {
		if !f.Active() {
			if f.ExpiredAt != nil && now.Sub(*f.ExpiredAt) > s.cfg.ExpiredRetention {
				delete(s.facts, id)
				rep.Dropped++
				rep.DroppedIDs = append(rep.DroppedIDs, id)
			}
			continue
		}
		if f.Metadata.MemoryType != MemoryEpisodic {
			continue
		}

		forget := false
		if entry := log.Get(id); entry != nil {
			forget = activation.ShouldExpire(activation.Compute(entry, now), s.cfg.ExpireThreshold)
		} else {
			forget = now.Sub(f.CreatedAt) > s.cfg.NeverAccessedTTL
		}
		if forget {
			s.supersedeLocked(f, "", nil, now)
			rep.Forgotten++
		}
	}

	sort.Strings(rep.DroppedIDs)

	if rep.Dropped > 0 || rep.Forgotten > 0 {
		if err := s.flushFacts(); err != nil {
			return rep, err
		}
		if rep.Dropped > 0 {
			if err := s.flushVectors(); err != nil {
				return rep, err
			}
		}
		slog.Info("gc pass complete", "dropped", rep.Dropped, "forgotten", rep.Forgotten)
	}
	return rep, nil
}
