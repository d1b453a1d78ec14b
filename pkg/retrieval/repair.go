package retrieval

import (
	"context"
	"log/slog"
	"sort"
)

// repairEmbeddings re-embeds a bounded batch of active facts that lack a
// vector. Best effort: it does nothing when another process holds the
// repair lock or the embedder is unavailable, and never fails retrieval.
func (r *Retriever) repairEmbeddings(ctx context.Context) {
	release, ok := r.store.AcquireRepairLock()
	if !ok {
		return
	}
	defer release()

	var missing []string
	byID := make(map[string]string)
	for _, f := range r.store.ActiveFacts() {
		if !r.store.HasFactEmbedding(f.ID) {
			missing = append(missing, f.ID)
			byID[f.ID] = f.Description
		}
	}
	if len(missing) == 0 {
		return
	}
	sort.Strings(missing)
	if len(missing) > r.cfg.RepairBatch {
		missing = missing[:r.cfg.RepairBatch]
	}

	texts := make([]string, len(missing))
	for i, id := range missing {
		texts[i] = byID[id]
	}
	vectors := r.embedder.EmbedBatch(ctx, texts)

	repaired := 0
	for i, id := range missing {
		if len(vectors[i]) == 0 {
			continue
		}
		if err := r.store.SetFactEmbedding(id, vectors[i]); err != nil {
			slog.Warn("embedding repair failed", "fact", id, "error", err)
			continue
		}
		if r.index != nil {
			if err := r.index.Upsert(ctx, id, vectors[i]); err != nil {
				slog.Warn("vector index upsert failed", "fact", id, "error", err)
			}
		}
		repaired++
	}
	if repaired > 0 {
		slog.Info("repaired fact embeddings", "count", repaired, "missing", len(byID))
	}
}
