// Package dream implements the consolidation pass over recent episodes.
//
// The dream cycle replays unconsolidated episodes to strengthen patterns
// already visible in episode history: facts referenced by enough episodes
// get their confidence boosted and are promoted to semantic memory, and
// recurring (source, relation, target) triples with no active fact are
// distilled into new semantic facts. This is replay-and-reinforce, not
// clustering from scratch.
//
// Design principles:
//   - Cheap to call often: gates on episode count, interval and a file lock
//     before doing any work
//   - Bounded: per-cluster and per-cycle caps on distilled facts
//   - Observable: each cycle produces a Report logged via slog
package dream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nous-labs/engram/pkg/activation"
	"github.com/nous-labs/engram/pkg/graph"
)

// Report holds the results of a single dream cycle.
type Report struct {
	CycleNumber int       `json:"cycle_number"`
	StartedAt   time.Time `json:"started_at"`
	Duration    string    `json:"duration"`

	Episodes   int `json:"episodes"`   // episodes replayed this cycle
	Clusters   int `json:"clusters"`   // entity clusters that survived the size gate
	Reinforced int `json:"reinforced"` // facts promoted to semantic
	Distilled  int `json:"distilled"`  // new facts created from recurring triples

	GC graph.GCReport `json:"gc"`

	// Errors (non-fatal)
	Errors []string `json:"errors,omitempty"`
}

// Config holds dream worker configuration.
type Config struct {
	Interval       time.Duration // how often the background loop dreams (default 6h)
	Window         time.Duration // trailing episode window (default 7d)
	MinEpisodes    int           // minimum unconsolidated episodes to run (default 5)
	MinClusterSize int           // episodes per entity cluster (default 3)
	MinReferences  int           // episode references to reinforce a fact (default 3)
	MinTripleCount int           // triple recurrences to distill a fact (default 3)
	MaxPerCluster  int           // distilled fact cap per cluster (default 3)
	MaxPerCycle    int           // distilled fact cap per cycle (default 10)
}

// DefaultConfig returns the standard consolidation thresholds.
func DefaultConfig() Config {
	return Config{
		Interval:       6 * time.Hour,
		Window:         7 * 24 * time.Hour,
		MinEpisodes:    5,
		MinClusterSize: 3,
		MinReferences:  3,
		MinTripleCount: 3,
		MaxPerCluster:  3,
		MaxPerCycle:    10,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MinEpisodes <= 0 {
		c.MinEpisodes = d.MinEpisodes
	}
	if c.MinClusterSize <= 0 {
		c.MinClusterSize = d.MinClusterSize
	}
	if c.MinReferences <= 0 {
		c.MinReferences = d.MinReferences
	}
	if c.MinTripleCount <= 0 {
		c.MinTripleCount = d.MinTripleCount
	}
	if c.MaxPerCluster <= 0 {
		c.MaxPerCluster = d.MaxPerCluster
	}
	if c.MaxPerCycle <= 0 {
		c.MaxPerCycle = d.MaxPerCycle
	}
}

// VectorIndex is the external fact-vector index the worker keeps in sync:
// facts GC drops from the persisted set are deleted from the index too.
type VectorIndex interface {
	Delete(ctx context.Context, factID string) error
}

// Worker runs consolidation and GC on a schedule.
type Worker struct {
	store *graph.Store
	log   *activation.Log
	index VectorIndex // may be nil
	cfg   Config

	mu         sync.RWMutex
	lastReport *Report
	cycleCount int
}

// NewWorker creates a dream worker over one store. index may be nil.
func NewWorker(store *graph.Store, log *activation.Log, index VectorIndex, cfg Config) *Worker {
	cfg.fillDefaults()
	return &Worker{store: store, log: log, index: index, cfg: cfg}
}

// Run starts the dream loop. Blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("dream worker started",
		"interval", w.cfg.Interval,
		"window", w.cfg.Window,
		"min_episodes", w.cfg.MinEpisodes,
	)

	// Initial cycle on startup, after a short delay.
	select {
	case <-ctx.Done():
		return
	case <-time.After(30 * time.Second):
	}
	w.runAndLog(ctx)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("dream worker stopping")
			return
		case <-ticker.C:
			w.runAndLog(ctx)
		}
	}
}

func (w *Worker) runAndLog(ctx context.Context) {
	report, err := w.RunCycle(ctx)
	if err != nil {
		slog.Warn("dream cycle failed", "error", err)
		return
	}
	if report != nil {
		w.logReport(report)
	}
}

// LastReport returns the most recent dream report.
func (w *Worker) LastReport() *Report {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastReport
}

// RunCycle performs one gated maintenance pass: consolidation followed by
// GC, behind the cross-process lock and the minimum-interval gate. A nil
// report with nil error means "not my turn": lock held elsewhere, interval
// not elapsed, or not enough episodes for anything to happen.
func (w *Worker) RunCycle(ctx context.Context) (*Report, error) {
	now := time.Now().UTC()
	if !w.store.MaintenanceDue(now) {
		return nil, nil
	}
	return w.cycle(ctx, now)
}

// ForceCycle runs one maintenance pass ignoring the minimum-interval gate.
// The cross-process lock still applies.
func (w *Worker) ForceCycle(ctx context.Context) (*Report, error) {
	return w.cycle(ctx, time.Now().UTC())
}

func (w *Worker) cycle(ctx context.Context, now time.Time) (*Report, error) {
	release, ok := w.store.AcquireMaintenanceLock()
	if !ok {
		return nil, nil
	}
	defer release()

	report := w.ConsolidateOnce(ctx, now)
	if report == nil {
		report = &Report{StartedAt: now}
	}

	gcRep, err := w.store.RunGC(w.log, now)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("gc: %v", err))
	}
	report.GC = gcRep

	if w.index != nil {
		for _, id := range gcRep.DroppedIDs {
			if err := w.index.Delete(ctx, id); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("index delete %s: %v", id, err))
			}
		}
	}

	if err := w.store.RecordMaintenance(now); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("stamp: %v", err))
	}

	w.mu.Lock()
	w.cycleCount++
	report.CycleNumber = w.cycleCount
	w.lastReport = report
	w.mu.Unlock()

	report.Duration = time.Since(now).Round(time.Millisecond).String()
	return report, nil
}

// ConsolidateOnce runs the consolidation algorithm without gating. Returns
// nil when fewer than MinEpisodes unconsolidated episodes fall inside the
// trailing window; in that case nothing changes at all.
func (w *Worker) ConsolidateOnce(ctx context.Context, now time.Time) *Report {
	episodes := w.store.UnconsolidatedEpisodes(now.Add(-w.cfg.Window))
	if len(episodes) < w.cfg.MinEpisodes {
		return nil
	}

	report := &Report{StartedAt: now, Episodes: len(episodes)}

	// An episode joins one cluster per entity, so a fact can surface in
	// several clusters. Promote it once per cycle, not once per cluster.
	promoted := make(map[string]bool)
	distilledTotal := 0
	for _, cl := range clusterByEntity(episodes, w.cfg.MinClusterSize) {
		if ctx.Err() != nil {
			report.Errors = append(report.Errors, "cancelled")
			break
		}
		report.Clusters++
		report.Reinforced += w.reinforce(cl, promoted)
		if distilledTotal < w.cfg.MaxPerCycle {
			n := w.distill(cl, w.cfg.MaxPerCycle-distilledTotal)
			distilledTotal += n
			report.Distilled += n
		}
	}

	// Every replayed episode is flagged, productive or not, so the next
	// cycle never reprocesses it.
	ids := make([]string, len(episodes))
	for i, ep := range episodes {
		ids[i] = ep.ID
	}
	if err := w.store.MarkConsolidated(ids); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("mark consolidated: %v", err))
	}
	return report
}

// cluster is the set of episodes sharing one extracted entity.
type cluster struct {
	entityID string
	episodes []*graph.Episode
}

// clusterByEntity groups episodes by every entity they touched; an episode
// joins one cluster per extracted entity. Clusters below the size gate are
// dropped.
func clusterByEntity(episodes []*graph.Episode, minSize int) []cluster {
	byEntity := make(map[string][]*graph.Episode)
	for _, ep := range episodes {
		seen := make(map[string]bool, len(ep.EntityIDs))
		for _, eid := range ep.EntityIDs {
			if seen[eid] {
				continue
			}
			seen[eid] = true
			byEntity[eid] = append(byEntity[eid], ep)
		}
	}

	keys := make([]string, 0, len(byEntity))
	for eid := range byEntity {
		keys = append(keys, eid)
	}
	sort.Strings(keys)

	var out []cluster
	for _, eid := range keys {
		if len(byEntity[eid]) >= minSize {
			out = append(out, cluster{entityID: eid, episodes: byEntity[eid]})
		}
	}
	return out
}

// reinforce boosts facts referenced by enough member episodes: +0.05 per
// episode beyond two, capped at 1.0, and promotes them to semantic.
func (w *Worker) reinforce(c cluster, promoted map[string]bool) int {
	refs := make(map[string]int)
	for _, ep := range c.episodes {
		seen := make(map[string]bool, len(ep.FactIDs))
		for _, fid := range ep.FactIDs {
			if !seen[fid] {
				seen[fid] = true
				refs[fid]++
			}
		}
	}

	ids := make([]string, 0, len(refs))
	for fid := range refs {
		ids = append(ids, fid)
	}
	sort.Strings(ids)

	n := 0
	for _, fid := range ids {
		count := refs[fid]
		if count < w.cfg.MinReferences || promoted[fid] {
			continue
		}
		f := w.store.GetFact(fid)
		if f == nil || !f.Active() {
			continue
		}
		boosted := f.Confidence + 0.05*float64(count-2)
		if boosted > 1.0 {
			boosted = 1.0
		}
		if w.store.PromoteFact(fid, boosted) {
			promoted[fid] = true
			n++
		}
	}
	return n
}

// distill counts (source, relation, target) triples across the cluster's
// episode facts (expired ones included) and creates a new semantic fact
// for each triple that recurs MinTripleCount times and has no active fact
// covering it. Confidence is 0.6 + 0.1×(count−2), capped at 0.9.
func (w *Worker) distill(c cluster, budget int) int {
	type triple struct {
		source string
		rel    graph.Relation
		target string
	}
	counts := make(map[triple]int)
	descriptions := make(map[triple]string)
	for _, ep := range c.episodes {
		for _, fid := range ep.FactIDs {
			f := w.store.GetFact(fid)
			if f == nil {
				continue
			}
			t := triple{f.SourceID, f.Relation, f.TargetID}
			counts[t]++
			if descriptions[t] == "" || f.Active() {
				descriptions[t] = f.Description
			}
		}
	}

	triples := make([]triple, 0, len(counts))
	for t := range counts {
		triples = append(triples, t)
	}
	sort.Slice(triples, func(i, j int) bool {
		if counts[triples[i]] != counts[triples[j]] {
			return counts[triples[i]] > counts[triples[j]]
		}
		if triples[i].source != triples[j].source {
			return triples[i].source < triples[j].source
		}
		return triples[i].target < triples[j].target
	})

	limit := budget
	if w.cfg.MaxPerCluster < limit {
		limit = w.cfg.MaxPerCluster
	}

	created := 0
	for _, t := range triples {
		if created == limit {
			break
		}
		count := counts[t]
		if count < w.cfg.MinTripleCount {
			break
		}
		if w.store.HasActiveTriple(t.source, t.rel, t.target) {
			continue
		}
		conf := 0.6 + 0.1*float64(count-2)
		if conf > 0.9 {
			conf = 0.9
		}
		_, err := w.store.AddFact(graph.AddFactParams{
			SourceID:    t.source,
			TargetID:    t.target,
			Relation:    t.rel,
			Description: descriptions[t],
			Confidence:  conf,
			MemoryType:  graph.MemorySemantic,
		})
		if err != nil {
			slog.Warn("distill fact failed", "relation", t.rel, "error", err)
			continue
		}
		created++
	}
	return created
}

// logReport logs the dream report summary.
func (w *Worker) logReport(report *Report) {
	summary := fmt.Sprintf(
		"dream cycle %d complete (%s): %d episodes, %d clusters, %d reinforced, %d distilled, gc dropped %d forgot %d",
		report.CycleNumber, report.Duration, report.Episodes, report.Clusters,
		report.Reinforced, report.Distilled, report.GC.Dropped, report.GC.Forgotten,
	)
	if len(report.Errors) > 0 {
		summary += fmt.Sprintf(", %d errors", len(report.Errors))
	}
	slog.Info("dream: cycle complete", "summary", summary)
}
