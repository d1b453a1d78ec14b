package dream

import (
	"context"
	"testing"
	"time"

	"github.com/nous-labs/engram/pkg/activation"
	"github.com/nous-labs/engram/pkg/graph"
)

type fixture struct {
	store *graph.Store
	log   *activation.Log
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	s, err := graph.Open(dir, graph.Config{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	log, err := activation.OpenLog(dir)
	if err != nil {
		t.Fatalf("open activation log: %v", err)
	}
	return &fixture{store: s, log: log}
}

func (fx *fixture) entity(t *testing.T, typ graph.EntityType, name string) string {
	t.Helper()
	id, err := fx.store.UpsertEntity(typ, name, nil, nil)
	if err != nil {
		t.Fatalf("upsert %s: %v", name, err)
	}
	return id
}

func (fx *fixture) fact(t *testing.T, src, dst string, rel graph.Relation, desc string) string {
	t.Helper()
	id, err := fx.store.AddFact(graph.AddFactParams{
		SourceID: src, TargetID: dst, Relation: rel,
		Description: desc, Confidence: 0.6,
	})
	if err != nil {
		t.Fatalf("add fact %q: %v", desc, err)
	}
	return id
}

func (fx *fixture) episode(t *testing.T, entityIDs, factIDs []string) {
	t.Helper()
	if _, err := fx.store.AddEpisode(graph.SourceSession, "sess", entityIDs, factIDs); err != nil {
		t.Fatalf("add episode: %v", err)
	}
}

func TestConsolidateBelowEpisodeThreshold(t *testing.T) {
	fx := newFixture(t)
	a := fx.entity(t, graph.EntityProject, "app")
	fid := fx.fact(t, a, fx.entity(t, graph.EntityTool, "redis"), graph.RelUses, "app caches in redis")

	for i := 0; i < 4; i++ {
		fx.episode(t, []string{a}, []string{fid})
	}

	w := NewWorker(fx.store, fx.log, nil, Config{})
	if rep := w.ConsolidateOnce(context.Background(), time.Now().UTC()); rep != nil {
		t.Fatalf("cycle ran with 4 episodes: %+v", rep)
	}

	since := time.Now().UTC().Add(-time.Hour)
	if got := len(fx.store.UnconsolidatedEpisodes(since)); got != 4 {
		t.Fatalf("episodes consumed by a no-op cycle: %d remain, want 4", got)
	}
	if fx.store.GetFact(fid).Metadata.MemoryType != graph.MemoryEpisodic {
		t.Fatal("fact promoted by a no-op cycle")
	}
}

func TestConsolidateReinforcesRecurringFact(t *testing.T) {
	fx := newFixture(t)
	app := fx.entity(t, graph.EntityProject, "app")
	redis := fx.entity(t, graph.EntityTool, "redis")
	fid := fx.fact(t, app, redis, graph.RelUses, "app caches sessions in redis")

	// Five episodes share the app entity; the fact recurs in four of them.
	for i := 0; i < 4; i++ {
		fx.episode(t, []string{app, redis}, []string{fid})
	}
	fx.episode(t, []string{app}, nil)

	w := NewWorker(fx.store, fx.log, nil, Config{})
	rep := w.ConsolidateOnce(context.Background(), time.Now().UTC())
	if rep == nil {
		t.Fatal("cycle did not run with 5 episodes")
	}
	if rep.Reinforced != 1 {
		t.Fatalf("reinforced = %d, want 1", rep.Reinforced)
	}

	f := fx.store.GetFact(fid)
	if f.Metadata.MemoryType != graph.MemorySemantic {
		t.Fatalf("memory type = %s, want semantic", f.Metadata.MemoryType)
	}
	// 0.6 + 0.05×(4−2)
	if f.Confidence < 0.699 || f.Confidence > 0.701 {
		t.Fatalf("confidence = %v, want 0.7", f.Confidence)
	}

	since := time.Now().UTC().Add(-time.Hour)
	if got := len(fx.store.UnconsolidatedEpisodes(since)); got != 0 {
		t.Fatalf("unconsolidated episodes after cycle = %d, want 0", got)
	}
}

func TestConsolidateDistillsRecurringTriple(t *testing.T) {
	fx := newFixture(t)
	app := fx.entity(t, graph.EntityProject, "app")
	pg := fx.entity(t, graph.EntityTool, "postgres")

	// Three expired facts over the same triple, each from its own episode,
	// plus filler episodes to clear the cycle gate.
	descs := []string{
		"app persists orders in postgres",
		"order rows live in the postgres primary",
		"postgres holds the orders table for app",
	}
	for _, d := range descs {
		fid := fx.fact(t, app, pg, graph.RelUses, d)
		fx.episode(t, []string{app, pg}, []string{fid})
		if err := fx.store.SupersedeFact(fid, "", nil); err != nil {
			t.Fatalf("supersede: %v", err)
		}
	}
	fx.episode(t, []string{app}, nil)
	fx.episode(t, []string{app}, nil)

	w := NewWorker(fx.store, fx.log, nil, Config{})
	rep := w.ConsolidateOnce(context.Background(), time.Now().UTC())
	if rep == nil {
		t.Fatal("cycle did not run")
	}
	if rep.Distilled != 1 {
		t.Fatalf("distilled = %d, want 1", rep.Distilled)
	}

	if !fx.store.HasActiveTriple(app, graph.RelUses, pg) {
		t.Fatal("no active fact covers the distilled triple")
	}
	var distilled *graph.Fact
	for _, f := range fx.store.ActiveFacts() {
		if f.SourceID == app && f.TargetID == pg {
			distilled = f
		}
	}
	if distilled == nil {
		t.Fatal("distilled fact not found")
	}
	if distilled.Metadata.MemoryType != graph.MemorySemantic {
		t.Fatalf("distilled memory type = %s", distilled.Metadata.MemoryType)
	}
	// 0.6 + 0.1×(3−2)
	if distilled.Confidence < 0.699 || distilled.Confidence > 0.701 {
		t.Fatalf("distilled confidence = %v, want 0.7", distilled.Confidence)
	}
}

func TestConsolidateSkipsCoveredTriple(t *testing.T) {
	fx := newFixture(t)
	app := fx.entity(t, graph.EntityProject, "app")
	pg := fx.entity(t, graph.EntityTool, "postgres")

	active := fx.fact(t, app, pg, graph.RelUses, "app persists orders in postgres")
	for i := 0; i < 5; i++ {
		fx.episode(t, []string{app, pg}, []string{active})
	}

	w := NewWorker(fx.store, fx.log, nil, Config{})
	rep := w.ConsolidateOnce(context.Background(), time.Now().UTC())
	if rep == nil {
		t.Fatal("cycle did not run")
	}
	if rep.Distilled != 0 {
		t.Fatalf("distilled = %d for an already-covered triple", rep.Distilled)
	}
	// Referenced five times, so reinforcement still applies.
	if rep.Reinforced != 1 {
		t.Fatalf("reinforced = %d, want 1", rep.Reinforced)
	}
}

func TestClusterSizeGate(t *testing.T) {
	fx := newFixture(t)
	app := fx.entity(t, graph.EntityProject, "app")
	redis := fx.entity(t, graph.EntityTool, "redis")
	fid := fx.fact(t, app, redis, graph.RelUses, "app caches in redis")

	// Five episodes, but no entity appears in three of them: each episode
	// touches its own entity plus at most one shared pair.
	fx.episode(t, []string{app}, []string{fid})
	fx.episode(t, []string{app}, []string{fid})
	fx.episode(t, []string{redis}, []string{fid})
	fx.episode(t, []string{redis}, []string{fid})
	fx.episode(t, []string{fx.entity(t, graph.EntityTool, "kafka")}, nil)

	w := NewWorker(fx.store, fx.log, nil, Config{})
	rep := w.ConsolidateOnce(context.Background(), time.Now().UTC())
	if rep == nil {
		t.Fatal("cycle did not run")
	}
	if rep.Clusters != 0 {
		t.Fatalf("clusters = %d, want 0 below the size gate", rep.Clusters)
	}
	if fx.store.GetFact(fid).Metadata.MemoryType != graph.MemoryEpisodic {
		t.Fatal("fact promoted without a surviving cluster")
	}
}

func TestRunCycleIntervalGate(t *testing.T) {
	fx := newFixture(t)
	if err := fx.store.RecordMaintenance(time.Now().UTC()); err != nil {
		t.Fatalf("record maintenance: %v", err)
	}

	w := NewWorker(fx.store, fx.log, nil, Config{})
	rep, err := w.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if rep != nil {
		t.Fatalf("cycle ran inside the minimum interval: %+v", rep)
	}
}

func TestForceCycleIgnoresInterval(t *testing.T) {
	fx := newFixture(t)
	if err := fx.store.RecordMaintenance(time.Now().UTC()); err != nil {
		t.Fatalf("record maintenance: %v", err)
	}

	w := NewWorker(fx.store, fx.log, nil, Config{})
	rep, err := w.ForceCycle(context.Background())
	if err != nil {
		t.Fatalf("force cycle: %v", err)
	}
	if rep == nil {
		t.Fatal("forced cycle returned nil report")
	}
	if w.LastReport() == nil {
		t.Fatal("last report not recorded")
	}
}

type trackingIndex struct{ deleted []string }

func (x *trackingIndex) Delete(_ context.Context, id string) error {
	x.deleted = append(x.deleted, id)
	return nil
}

func TestCycleDeletesDroppedFactsFromIndex(t *testing.T) {
	dir := t.TempDir()
	s, err := graph.Open(dir, graph.Config{ExpiredRetention: time.Nanosecond})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	log, err := activation.OpenLog(dir)
	if err != nil {
		t.Fatalf("open activation log: %v", err)
	}

	a, err := s.UpsertEntity(graph.EntityProject, "app", nil, nil)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	b, err := s.UpsertEntity(graph.EntityTool, "svn", nil, nil)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	fid, err := s.AddFact(graph.AddFactParams{
		SourceID: a, TargetID: b, Relation: graph.RelUses,
		Description: "app lives in svn", Confidence: 0.6,
	})
	if err != nil {
		t.Fatalf("add fact: %v", err)
	}
	if err := s.SupersedeFact(fid, "", nil); err != nil {
		t.Fatalf("supersede: %v", err)
	}
	time.Sleep(time.Millisecond)

	idx := &trackingIndex{}
	rep, err := NewWorker(s, log, idx, Config{}).ForceCycle(context.Background())
	if err != nil {
		t.Fatalf("force cycle: %v", err)
	}
	if rep.GC.Dropped != 1 {
		t.Fatalf("gc dropped = %d, want 1", rep.GC.Dropped)
	}
	if len(idx.deleted) != 1 || idx.deleted[0] != fid {
		t.Fatalf("index deletions = %v, want [%s]", idx.deleted, fid)
	}
}
