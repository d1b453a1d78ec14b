package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nous-labs/engram/internal/llm"
	"github.com/nous-labs/engram/pkg/activation"
	"github.com/nous-labs/engram/pkg/embeddings"
	"github.com/nous-labs/engram/pkg/graph"
)

// emotionalWeight applied to facts learned from failure and sentiment
// episodes. Emotionally salient memories decay slower.
const emotionalWeight = 1.5

// Config holds ingestion tuning.
type Config struct {
	// Project names the entity the session belongs to.
	Project string
	// Timeout is the hard cap on the extraction LLM call.
	Timeout time.Duration
	// KnownFactLimit bounds how many existing facts the prompt offers for
	// supersession.
	KnownFactLimit int
}

func (c *Config) fillDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.KnownFactLimit <= 0 {
		c.KnownFactLimit = 20
	}
}

// VectorIndex receives fact vectors as ingestion creates them, keeping an
// external index (pgvector) in sync with the store.
type VectorIndex interface {
	Upsert(ctx context.Context, factID string, embedding []float32) error
}

// Ingestor runs extraction over transcripts and applies the validated
// results to the store.
type Ingestor struct {
	store    *graph.Store
	provider llm.Provider
	embedder embeddings.Embedder
	index    VectorIndex // may be nil
	log      *activation.Log
	cfg      Config
}

// NewIngestor wires an ingestor. embedder may be embeddings.Null; index may
// be nil.
func NewIngestor(store *graph.Store, provider llm.Provider, embedder embeddings.Embedder, index VectorIndex, log *activation.Log, cfg Config) *Ingestor {
	cfg.fillDefaults()
	if embedder == nil {
		embedder = embeddings.Null{}
	}
	return &Ingestor{store: store, provider: provider, embedder: embedder, index: index, log: log, cfg: cfg}
}

// IngestSession extracts knowledge from one transcript and records an
// episode. Extraction failure or timeout skips the session entirely: no
// partial graph mutation, nil episode, nil error. Only store write failures
// surface as errors.
func (g *Ingestor) IngestSession(ctx context.Context, sourceType graph.SourceType, sourceRef, transcript string) (*graph.Episode, error) {
	if transcript == "" {
		return nil, nil
	}

	res := g.extract(ctx, transcript)
	if res == nil || res.Empty() {
		return nil, nil
	}

	// One batch per ingestion: entity names then fact descriptions.
	texts := make([]string, 0, len(res.Entities)+len(res.Facts))
	for _, e := range res.Entities {
		texts = append(texts, e.Name)
	}
	for _, f := range res.Facts {
		texts = append(texts, f.Description)
	}
	vectors := g.embedder.EmbedBatch(ctx, texts)

	ids := make(map[string]string, len(res.Entities))
	var entityIDs []string
	for i, e := range res.Entities {
		id, err := g.store.UpsertEntity(e.Type, e.Name, e.Properties, vectors[i])
		if err != nil {
			slog.Warn("entity upsert failed", "name", e.Name, "error", err)
			continue
		}
		ids[graph.NormalizeName(e.Name)] = id
		entityIDs = append(entityIDs, id)
	}

	var factIDs []string
	for i, f := range res.Facts {
		srcID, ok := g.resolve(ids, f.Source)
		if !ok {
			slog.Debug("fact dropped, unresolved source", "source", f.Source)
			continue
		}
		dstID, ok := g.resolve(ids, f.Target)
		if !ok {
			slog.Debug("fact dropped, unresolved target", "target", f.Target)
			continue
		}
		vec := vectors[len(res.Entities)+i]
		id, err := g.store.AddFact(graph.AddFactParams{
			SourceID:    srcID,
			TargetID:    dstID,
			Relation:    f.Relation,
			Description: f.Description,
			Confidence:  f.Confidence,
			Embedding:   vec,
		})
		if err != nil {
			if errors.Is(err, graph.ErrEntityNotFound) {
				continue
			}
			return nil, fmt.Errorf("add fact: %w", err)
		}
		if g.index != nil && len(vec) > 0 {
			if err := g.index.Upsert(ctx, id, vec); err != nil {
				slog.Warn("vector index upsert failed", "fact", id, "error", err)
			}
		}
		factIDs = append(factIDs, id)
	}

	for _, s := range res.Supersessions {
		if err := g.store.SupersedeFact(s.FactID, "", nil); err != nil {
			slog.Warn("supersession skipped", "fact", s.FactID, "error", err)
		}
	}

	ep, err := g.store.AddEpisode(sourceType, sourceRef, entityIDs, factIDs)
	if err != nil {
		return nil, fmt.Errorf("add episode: %w", err)
	}

	if sourceType == graph.SourceFailure || sourceType == graph.SourceSentiment {
		for _, id := range factIDs {
			g.log.SetWeight(id, emotionalWeight)
		}
		if err := g.log.Flush(); err != nil {
			slog.Warn("activation flush failed", "error", err)
		}
	}

	slog.Info("session ingested",
		"source", sourceType,
		"ref", sourceRef,
		"entities", len(entityIDs),
		"facts", len(factIDs),
		"supersessions", len(res.Supersessions))
	return ep, nil
}

// extract runs the bounded LLM call and the parse boundary. Any failure
// returns nil; the caller skips the session.
func (g *Ingestor) extract(ctx context.Context, transcript string) *Result {
	known := g.store.ActiveFacts()
	if len(known) > g.cfg.KnownFactLimit {
		known = known[:g.cfg.KnownFactLimit]
	}
	prompt := BuildPrompt(g.cfg.Project, transcript, known)

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	resp, err := g.provider.Complete(ctx, llm.CompletionRequest{
		System:   SystemPrompt(),
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		slog.Warn("extraction call failed, session skipped", "error", err)
		return nil
	}
	if resp.Content == "" {
		slog.Warn("extraction returned empty output, session skipped")
		return nil
	}

	res, err := Parse(resp.Content)
	if err != nil {
		slog.Warn("extraction output unparseable, session skipped", "error", err)
		return nil
	}
	return res
}

// resolve maps an extracted entity name to a store id, preferring entities
// from this extraction, falling back to the existing graph.
func (g *Ingestor) resolve(local map[string]string, name string) (string, bool) {
	if id, ok := local[graph.NormalizeName(name)]; ok {
		return id, true
	}
	if e := g.store.FindEntityByName(name); e != nil {
		return e.ID, true
	}
	return "", false
}
