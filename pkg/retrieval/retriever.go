package retrieval

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/nous-labs/engram/pkg/activation"
	"github.com/nous-labs/engram/pkg/embeddings"
	"github.com/nous-labs/engram/pkg/graph"
)

// VectorIndex is the optional external vector search accelerator
// (pgvector). A nil index means the in-process scan over the store's own
// vectors. Repair writes healed vectors back through Upsert so the index
// stays in sync with the store.
type VectorIndex interface {
	Search(ctx context.Context, query []float32, limit int) ([]embeddings.IndexHit, error)
	Upsert(ctx context.Context, factID string, embedding []float32) error
}

// Config holds retriever tuning.
type Config struct {
	// Project is the current project entity name whose neighborhood is
	// always included as structural context.
	Project string
	// Limit is the per-sub-query search depth.
	Limit int
	// MinScore is the floor below which vector/lexical hits are ignored.
	MinScore float64
	// TotalBudget is the overall formatted-output byte budget.
	TotalBudget int
	// CategoryBudget is the per-category formatted byte budget.
	CategoryBudget int
	// RepairCoverage is the embedding coverage ratio below which lazy
	// repair kicks in.
	RepairCoverage float64
	// RepairBatch is the per-call cap on facts re-embedded by repair.
	RepairBatch int
	// StructuralScore is the fixed score assigned to unconditionally-added
	// structural results.
	StructuralScore float64
	// NeighborhoodDepth bounds the project-neighborhood walk.
	NeighborhoodDepth int
}

// DefaultConfig returns the standard retrieval tuning.
func DefaultConfig() Config {
	return Config{
		Limit:             10,
		MinScore:          0.15,
		TotalBudget:       4000,
		CategoryBudget:    1000,
		RepairCoverage:    0.90,
		RepairBatch:       20,
		StructuralScore:   0.3,
		NeighborhoodDepth: 2,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Limit <= 0 {
		c.Limit = d.Limit
	}
	if c.MinScore <= 0 {
		c.MinScore = d.MinScore
	}
	if c.TotalBudget <= 0 {
		c.TotalBudget = d.TotalBudget
	}
	if c.CategoryBudget <= 0 {
		c.CategoryBudget = d.CategoryBudget
	}
	if c.RepairCoverage <= 0 {
		c.RepairCoverage = d.RepairCoverage
	}
	if c.RepairBatch <= 0 {
		c.RepairBatch = d.RepairBatch
	}
	if c.StructuralScore <= 0 {
		c.StructuralScore = d.StructuralScore
	}
	if c.NeighborhoodDepth <= 0 {
		c.NeighborhoodDepth = d.NeighborhoodDepth
	}
}

// Retriever answers free-text queries against one store.
type Retriever struct {
	store    *graph.Store
	log      *activation.Log
	embedder embeddings.Embedder
	index    VectorIndex // may be nil
	cfg      Config
}

// New creates a retriever. index may be nil; embedder may be
// embeddings.Null for lexical-only operation.
func New(store *graph.Store, log *activation.Log, embedder embeddings.Embedder, index VectorIndex, cfg Config) *Retriever {
	cfg.fillDefaults()
	if embedder == nil {
		embedder = embeddings.Null{}
	}
	return &Retriever{store: store, log: log, embedder: embedder, index: index, cfg: cfg}
}

// scored is one merged retrieval candidate with its best score across all
// search arms.
type scored struct {
	fact     *graph.Fact
	score    float64
	category Category
}

// Result is a successful retrieval. Context is the budgeted formatted text;
// Facts are the merged candidates in rank order.
type Result struct {
	Task    TaskType
	Context string
	Facts   []*graph.Fact
}

// Retrieve runs the full pipeline. A nil result with nil error means "no
// context": empty store, nothing above the minimum score, or a cancelled
// context. Never a partial answer.
func (r *Retriever) Retrieve(ctx context.Context, query string) (*Result, error) {
	stats := r.store.GetStats()
	if stats.Entities == 0 || stats.ActiveFacts == 0 {
		return nil, nil
	}

	// Lazy repair before searching, so degraded stores heal over time.
	if stats.EmbeddingCoverage < r.cfg.RepairCoverage {
		r.repairEmbeddings(ctx)
	}

	c := Classify(query)
	subQueries := GenerateSubQueries(query, c)

	texts := make([]string, len(subQueries))
	for i, sq := range subQueries {
		texts[i] = sq.Text
	}
	vectors := r.embedder.EmbedBatch(ctx, texts)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	activationScores := r.log.Scores()
	activeFacts := r.store.ActiveFacts()
	idx := buildTermIndex(activeFacts, func(id string) string {
		if e := r.store.GetEntity(id); e != nil {
			return e.Name
		}
		return ""
	})

	merged := make(map[string]*scored)
	record := func(f *graph.Fact, score float64, cat Category) {
		if f == nil {
			return
		}
		if cur, ok := merged[f.ID]; ok {
			if score > cur.score {
				cur.score = score
				cur.category = cat
			}
			return
		}
		merged[f.ID] = &scored{fact: f, score: score, category: cat}
	}

	for i, sq := range subQueries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for id, hit := range r.vectorSearch(ctx, vectors[i], activationScores) {
			score := hit * sq.Weight
			if score >= r.cfg.MinScore {
				record(r.store.GetFact(id), score, sq.Category)
			}
		}
		for id, lexScore := range idx.search(sq.Text) {
			score := lexScore * sq.Weight
			if score >= r.cfg.MinScore {
				record(r.store.GetFact(id), score, sq.Category)
			}
		}
	}

	isolated := r.addStructural(c.Task, record)

	if len(merged) == 0 && len(isolated) == 0 {
		return nil, nil
	}

	// Being retrieved delays forgetting: every surfaced fact gets an
	// access, persisted once.
	now := time.Now().UTC()
	for id := range merged {
		r.log.RecordAccess(id, now)
	}
	if err := r.log.Flush(); err != nil {
		slog.Warn("activation flush failed", "error", err)
	}

	ranked := make([]*scored, 0, len(merged))
	for _, sc := range merged {
		ranked = append(ranked, sc)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].fact.ID < ranked[j].fact.ID
	})

	facts := make([]*graph.Fact, len(ranked))
	for i, sc := range ranked {
		facts[i] = sc.fact
	}

	return &Result{
		Task:    c.Task,
		Context: r.format(c.Task, ranked, isolated),
		Facts:   facts,
	}, nil
}

// vectorSearch returns fact id -> activation-scaled similarity for one
// sub-query vector, via pgvector when configured, the in-process scan
// otherwise. A nil vector yields nothing.
func (r *Retriever) vectorSearch(ctx context.Context, vec []float32, activationScores map[string]float64) map[string]float64 {
	if len(vec) == 0 {
		return nil
	}
	out := make(map[string]float64)

	if r.index != nil {
		hits, err := r.index.Search(ctx, vec, r.cfg.Limit)
		if err == nil {
			for _, h := range hits {
				f := r.store.GetFact(h.FactID)
				if f == nil || !f.Active() {
					continue
				}
				sim := 1.0 - h.Distance
				if sim <= 0 {
					continue
				}
				out[h.FactID] = sim * r.scoreFactor(f, activationScores)
			}
			return out
		}
		slog.Warn("vector index search failed, falling back to scan", "error", err)
	}

	for _, res := range r.store.SemanticSearch(vec, graph.SearchOptions{
		Limit:            r.cfg.Limit,
		ActivationScores: activationScores,
	}) {
		out[res.Fact.ID] = res.Score
	}
	return out
}

func (r *Retriever) scoreFactor(f *graph.Fact, scores map[string]float64) float64 {
	cfg := r.store.Config()
	if a, ok := scores[f.ID]; ok {
		return activation.Factor(a, cfg.ExpireThreshold)
	}
	age := time.Since(f.CreatedAt)
	if age < 0 {
		age = 0
	}
	return math.Pow(0.5, age.Hours()/cfg.RecencyHalfLife.Hours())
}

// addStructural injects results that bypass scoring thresholds: the current
// project's neighborhood always, plus error-pattern entities and
// learning-category facts for bugfix/debug tasks. Error-pattern entities
// with no facts of their own are returned so the formatter can still
// surface them by name.
func (r *Retriever) addStructural(task TaskType, record func(*graph.Fact, float64, Category)) []*graph.Entity {
	if r.cfg.Project != "" {
		if proj := r.store.FindEntityByName(r.cfg.Project); proj != nil {
			if nb := r.store.GetNeighborhood(proj.ID, r.cfg.NeighborhoodDepth); nb != nil {
				for _, f := range nb.Facts {
					record(f, r.cfg.StructuralScore, CategoryContext)
				}
			}
		}
	}

	if task != TaskBugfix && task != TaskDebug {
		return nil
	}
	var isolated []*graph.Entity
	for _, e := range r.store.EntitiesByType(graph.EntityErrorPattern) {
		nb := r.store.GetNeighborhood(e.ID, 1)
		if nb == nil || len(nb.Facts) == 0 {
			isolated = append(isolated, e)
			continue
		}
		for _, f := range nb.Facts {
			record(f, r.cfg.StructuralScore, CategoryErrors)
		}
	}
	for _, f := range r.store.ActiveFacts() {
		if f.Relation.Category() == graph.CategoryLearning {
			record(f, r.cfg.StructuralScore, CategoryErrors)
		}
	}
	sort.Slice(isolated, func(i, j int) bool { return isolated[i].Name < isolated[j].Name })
	return isolated
}
