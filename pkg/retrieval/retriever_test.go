package retrieval

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nous-labs/engram/pkg/activation"
	"github.com/nous-labs/engram/pkg/embeddings"
	"github.com/nous-labs/engram/pkg/graph"
)

// fixedEmbedder returns the same vector for every text.
type fixedEmbedder struct{ vec []float32 }

func (e fixedEmbedder) EmbedQuery(context.Context, string) []float32    { return e.vec }
func (e fixedEmbedder) EmbedDocument(context.Context, string) []float32 { return e.vec }
func (e fixedEmbedder) EmbedBatch(_ context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = e.vec
	}
	return out
}

type rig struct {
	store *graph.Store
	log   *activation.Log
}

func newRig(t *testing.T) *rig {
	t.Helper()
	dir := t.TempDir()
	s, err := graph.Open(dir, graph.Config{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	log, err := activation.OpenLog(dir)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	return &rig{store: s, log: log}
}

func (r *rig) retriever(embedder fixedEmbedder, cfg Config) *Retriever {
	return New(r.store, r.log, embedder, nil, cfg)
}

func TestRetrieveEmptyStore(t *testing.T) {
	r := newRig(t)
	res, err := r.retriever(fixedEmbedder{[]float32{1, 0}}, Config{}).
		Retrieve(context.Background(), "anything at all")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if res != nil {
		t.Fatalf("empty store returned context: %+v", res)
	}
}

func TestRetrieveEndToEnd(t *testing.T) {
	r := newRig(t)
	tool, err := r.store.UpsertEntity(graph.EntityTool, "redis", nil, []float32{1, 0})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	proj, err := r.store.UpsertEntity(graph.EntityProject, "checkout", nil, []float32{0.9, 0.1})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	original, err := r.store.AddFact(graph.AddFactParams{
		SourceID: proj, TargetID: tool, Relation: graph.RelUses,
		Description: "checkout caches carts in redis",
		Confidence:  0.9,
		Embedding:   []float32{1, 0},
	})
	if err != nil {
		t.Fatalf("add fact: %v", err)
	}

	ret := r.retriever(fixedEmbedder{[]float32{1, 0}}, Config{})
	res, err := ret.Retrieve(context.Background(), "redis cart caching")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if res == nil || len(res.Facts) == 0 {
		t.Fatal("no context for a matching query")
	}
	if res.Facts[0].ID != original {
		t.Fatalf("top fact = %s, want %s", res.Facts[0].ID, original)
	}
	if !strings.Contains(res.Context, "checkout caches carts in redis") {
		t.Fatalf("formatted context missing the fact:\n%s", res.Context)
	}

	// Supersede with a replacement; retrieval must surface only the new
	// version, while the historical view keeps the original.
	beforeSupersede := time.Now().UTC()
	replacement, err := r.store.AddFact(graph.AddFactParams{
		SourceID: proj, TargetID: tool, Relation: graph.RelDependsOn,
		Description: "checkout depends on redis v2 cluster mode",
		Confidence:  0.9,
		Embedding:   []float32{1, 0},
	})
	if err != nil {
		t.Fatalf("add replacement: %v", err)
	}
	if err := r.store.SupersedeFact(original, replacement, nil); err != nil {
		t.Fatalf("supersede: %v", err)
	}

	res2, err := ret.Retrieve(context.Background(), "redis cart caching")
	if err != nil {
		t.Fatalf("retrieve after supersede: %v", err)
	}
	if res2 == nil {
		t.Fatal("no context after supersession")
	}
	for _, f := range res2.Facts {
		if f.ID == original {
			t.Fatal("superseded fact surfaced by retrieval")
		}
	}

	historical := r.store.ActiveFactsAt(beforeSupersede)
	found := false
	for _, f := range historical {
		if f.ID == original {
			found = true
		}
	}
	if !found {
		t.Fatal("original fact missing from the pre-supersession view")
	}
}

func TestRetrieveRecordsAccess(t *testing.T) {
	r := newRig(t)
	tool, _ := r.store.UpsertEntity(graph.EntityTool, "redis", nil, []float32{1, 0})
	proj, _ := r.store.UpsertEntity(graph.EntityProject, "checkout", nil, []float32{1, 0})
	fid, err := r.store.AddFact(graph.AddFactParams{
		SourceID: proj, TargetID: tool, Relation: graph.RelUses,
		Description: "checkout caches carts in redis",
		Confidence:  0.9,
		Embedding:   []float32{1, 0},
	})
	if err != nil {
		t.Fatalf("add fact: %v", err)
	}

	res, err := r.retriever(fixedEmbedder{[]float32{1, 0}}, Config{}).
		Retrieve(context.Background(), "redis caching")
	if err != nil || res == nil {
		t.Fatalf("retrieve: res=%v err=%v", res, err)
	}
	if r.log.Get(fid) == nil {
		t.Fatal("surfaced fact got no activation access")
	}
}

func TestRetrieveNothingRelevant(t *testing.T) {
	r := newRig(t)
	tool, _ := r.store.UpsertEntity(graph.EntityTool, "redis", nil, []float32{1, 0})
	proj, _ := r.store.UpsertEntity(graph.EntityProject, "checkout", nil, []float32{1, 0})
	if _, err := r.store.AddFact(graph.AddFactParams{
		SourceID: proj, TargetID: tool, Relation: graph.RelUses,
		Description: "checkout caches carts in redis",
		Confidence:  0.9,
		Embedding:   []float32{1, 0},
	}); err != nil {
		t.Fatalf("add fact: %v", err)
	}

	// Orthogonal embedding, no lexical overlap, no project neighborhood.
	res, err := r.retriever(fixedEmbedder{[]float32{0, 1}}, Config{}).
		Retrieve(context.Background(), "zeppelin flight routes")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if res != nil {
		t.Fatalf("irrelevant query returned context:\n%s", res.Context)
	}
}

func TestRetrieveProjectNeighborhoodAlwaysIncluded(t *testing.T) {
	r := newRig(t)
	proj, _ := r.store.UpsertEntity(graph.EntityProject, "checkout", nil, nil)
	tool, _ := r.store.UpsertEntity(graph.EntityTool, "stripe", nil, nil)
	fid, err := r.store.AddFact(graph.AddFactParams{
		SourceID: proj, TargetID: tool, Relation: graph.RelIntegratesWith,
		Description: "checkout charges cards through stripe",
		Confidence:  0.9,
	})
	if err != nil {
		t.Fatalf("add fact: %v", err)
	}

	// No embeddings anywhere and no lexical overlap: only the structural
	// project addition can surface the fact.
	res, err := New(r.store, r.log, fixedEmbedder{nil}, nil, Config{Project: "checkout"}).
		Retrieve(context.Background(), "unrelated words entirely")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if res == nil {
		t.Fatal("structural project context missing")
	}
	if res.Facts[0].ID != fid {
		t.Fatalf("facts = %+v", res.Facts)
	}
}

func TestFormatBudgetHeaderOnly(t *testing.T) {
	r := newRig(t)
	ret := New(r.store, r.log, fixedEmbedder{nil}, nil, Config{TotalBudget: 1})

	f := &graph.Fact{
		ID: "fact_1", SourceID: "ent_a", TargetID: "ent_b",
		Relation: graph.RelUses, Description: "some description",
	}
	out := ret.format(TaskUnknown, []*scored{{fact: f, score: 0.9, category: CategoryContext}}, nil)
	if out != "# Memory context (unknown)\n" {
		t.Fatalf("near-zero budget output = %q", out)
	}
}

func TestBuildChunksCap(t *testing.T) {
	descs := []string{
		"alpha omega binding",
		"bravo lattice mechanism",
		"charlie spindle housing",
		"delta quartz resonance",
		"echo filament tension",
		"foxtrot gimbal torque",
		"golf plasma venting",
	}
	var ranked []*scored
	for i, d := range descs {
		ranked = append(ranked, &scored{
			fact:     &graph.Fact{ID: "fact_" + string(rune('a'+i)), Description: d},
			score:    1.0 - float64(i)*0.05,
			category: CategoryContext,
		})
	}

	chunks := buildChunks(ranked)
	if len(chunks) > maxChunks {
		t.Fatalf("chunks = %d, want at most %d", len(chunks), maxChunks)
	}
	total := 0
	for _, c := range chunks {
		total += len(c.items)
	}
	if total != len(descs) {
		t.Fatalf("chunked facts = %d, want %d", total, len(descs))
	}
}

func TestBuildChunksFoldsOverlap(t *testing.T) {
	ranked := []*scored{
		{fact: &graph.Fact{ID: "fact_1", Description: "redis cache eviction policy"}, score: 1.0, category: CategoryContext},
		{fact: &graph.Fact{ID: "fact_2", Description: "redis cache key ttl"}, score: 0.9, category: CategoryContext},
		{fact: &graph.Fact{ID: "fact_3", Description: "kafka consumer rebalance storms"}, score: 0.8, category: CategoryContext},
	}
	chunks := buildChunks(ranked)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2 (redis pair folded, kafka separate)", len(chunks))
	}
	if len(chunks[0].items) != 2 {
		t.Fatalf("first chunk items = %d, want 2", len(chunks[0].items))
	}
}

func TestBuildChunksSeparatesProcedural(t *testing.T) {
	ranked := []*scored{
		{fact: &graph.Fact{ID: "fact_1", Description: "plain fact"}, score: 1.0, category: CategoryContext},
		{fact: &graph.Fact{
			ID: "fact_2", Description: "release checklist procedure",
			Metadata: graph.FactMetadata{MemoryType: graph.MemoryProcedural},
		}, score: 0.9, category: CategoryPatterns},
	}
	chunks := buildChunks(ranked)
	for _, c := range chunks {
		for _, sc := range c.items {
			if sc.fact.ID == "fact_2" {
				t.Fatal("procedural fact landed in a thematic chunk")
			}
		}
	}
}

// recordingIndex serves no hits and captures repair writes.
type recordingIndex struct{ upserts map[string][]float32 }

func (x *recordingIndex) Search(context.Context, []float32, int) ([]embeddings.IndexHit, error) {
	return nil, nil
}

func (x *recordingIndex) Upsert(_ context.Context, id string, vec []float32) error {
	if x.upserts == nil {
		x.upserts = make(map[string][]float32)
	}
	x.upserts[id] = vec
	return nil
}

func TestRepairWritesHealedVectorsToIndex(t *testing.T) {
	r := newRig(t)
	proj, _ := r.store.UpsertEntity(graph.EntityProject, "checkout", nil, nil)
	tool, _ := r.store.UpsertEntity(graph.EntityTool, "redis", nil, nil)
	fid, err := r.store.AddFact(graph.AddFactParams{
		SourceID: proj, TargetID: tool, Relation: graph.RelUses,
		Description: "checkout caches carts in redis", Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("add fact: %v", err)
	}

	idx := &recordingIndex{}
	ret := New(r.store, r.log, fixedEmbedder{[]float32{1, 0}}, idx, Config{Project: "checkout"})
	if _, err := ret.Retrieve(context.Background(), "redis cache"); err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	if !r.store.HasFactEmbedding(fid) {
		t.Fatal("fact not re-embedded by repair")
	}
	if len(idx.upserts[fid]) == 0 {
		t.Fatalf("repaired vector not written to index: %v", idx.upserts)
	}
}

func TestRetrieveSurfacesFactlessErrorPatterns(t *testing.T) {
	r := newRig(t)
	if _, err := r.store.UpsertEntity(graph.EntityErrorPattern, "sqlite busy timeout",
		map[string]any{"description": "writes stall when two processes share the db"}, nil); err != nil {
		t.Fatalf("upsert error pattern: %v", err)
	}
	// Unrelated background fact so the store is non-empty; it must not match
	// the query lexically.
	a, _ := r.store.UpsertEntity(graph.EntityConcept, "billing", nil, nil)
	b, _ := r.store.UpsertEntity(graph.EntityConcept, "invoices", nil, nil)
	if _, err := r.store.AddFact(graph.AddFactParams{
		SourceID: a, TargetID: b, Relation: graph.RelUses,
		Description: "billing renders invoices nightly",
		Confidence:  0.9,
	}); err != nil {
		t.Fatalf("add fact: %v", err)
	}

	res, err := r.retriever(fixedEmbedder{nil}, Config{}).
		Retrieve(context.Background(), "fix the crash")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if res == nil {
		t.Fatal("error pattern without facts was dropped")
	}
	if !strings.Contains(res.Context, "## known error patterns") {
		t.Fatalf("context missing error pattern section:\n%s", res.Context)
	}
	if !strings.Contains(res.Context, "sqlite busy timeout: writes stall") {
		t.Fatalf("context missing error pattern line:\n%s", res.Context)
	}

	// Once a fact links the pattern, it surfaces as a scored fact instead.
	p := r.store.FindEntityByName("sqlite busy timeout")
	if _, err := r.store.AddFact(graph.AddFactParams{
		SourceID: a, TargetID: p.ID, Relation: graph.RelCausedBy,
		Description: "billing hangs on the shared sqlite file",
		Confidence:  0.8,
	}); err != nil {
		t.Fatalf("link fact: %v", err)
	}
	res, err = r.retriever(fixedEmbedder{nil}, Config{}).
		Retrieve(context.Background(), "fix the crash")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if res == nil {
		t.Fatal("linked error pattern returned no context")
	}
	if strings.Contains(res.Context, "## known error patterns") {
		t.Fatalf("linked pattern still rendered as factless:\n%s", res.Context)
	}
}
