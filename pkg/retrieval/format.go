package retrieval

import (
	"fmt"
	"strings"

	"github.com/nous-labs/engram/pkg/graph"
)

const maxChunks = 5

// chunk is one thematic group of facts sharing a sub-query category. theme
// is the running union of member description terms used for overlap folding.
type chunk struct {
	category Category
	items    []*scored
	theme    map[string]struct{}
}

func (c *chunk) absorb(sc *scored, terms []string) {
	c.items = append(c.items, sc)
	for _, t := range terms {
		c.theme[t] = struct{}{}
	}
}

// overlap returns the share of terms already present in the chunk's theme.
func (c *chunk) overlap(terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	hit := 0
	for _, t := range terms {
		if _, ok := c.theme[t]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(terms))
}

// buildChunks groups ranked facts into at most maxChunks thematic chunks.
// Procedural facts are excluded; they get their own section.
func buildChunks(ranked []*scored) []*chunk {
	var chunks []*chunk
	for _, sc := range ranked {
		if sc.fact.Metadata.MemoryType == graph.MemoryProcedural {
			continue
		}
		terms := tokenize(strings.ToLower(sc.fact.Description))

		var best *chunk
		bestOverlap := 0.0
		for _, c := range chunks {
			if c.category != sc.category {
				continue
			}
			if ov := c.overlap(terms); ov > bestOverlap {
				best, bestOverlap = c, ov
			}
		}
		if best != nil && bestOverlap > 0.2 {
			best.absorb(sc, terms)
			continue
		}
		if len(chunks) < maxChunks {
			c := &chunk{category: sc.category, theme: make(map[string]struct{})}
			c.absorb(sc, terms)
			chunks = append(chunks, c)
			continue
		}
		// Cap reached: fold into the smallest same-category chunk, or the
		// smallest chunk overall when the category has none.
		var smallest *chunk
		for _, c := range chunks {
			if c.category != sc.category {
				continue
			}
			if smallest == nil || len(c.items) < len(smallest.items) {
				smallest = c
			}
		}
		if smallest == nil {
			for _, c := range chunks {
				if smallest == nil || len(c.items) < len(smallest.items) {
					smallest = c
				}
			}
		}
		smallest.absorb(sc, terms)
	}
	return chunks
}

// format renders ranked facts into budgeted context text. The header is
// always emitted; every further line is dropped whole once it would exceed
// the overall budget, and per-category budgets bound each category's share.
// isolated holds error-pattern entities that carry no facts; they get a
// name-only section so known failure modes surface even before any fact
// links them to the rest of the graph.
func (r *Retriever) format(task TaskType, ranked []*scored, isolated []*graph.Entity) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("# Memory context (%s)\n", task))

	total := b.Len()
	categoryUsed := make(map[Category]int)

	write := func(cat Category, line string) bool {
		if total+len(line) > r.cfg.TotalBudget {
			return false
		}
		if cat != "" && categoryUsed[cat]+len(line) > r.cfg.CategoryBudget {
			return true // skip the line, keep going
		}
		b.WriteString(line)
		total += len(line)
		if cat != "" {
			categoryUsed[cat] += len(line)
		}
		return true
	}

	for _, c := range buildChunks(ranked) {
		header := fmt.Sprintf("\n## %s\n", c.category)
		if !write(c.category, header) {
			return b.String()
		}
		for _, sc := range c.items {
			if !write(c.category, r.factLine(sc)) {
				return b.String()
			}
		}
	}

	var procedural []*scored
	for _, sc := range ranked {
		if sc.fact.Metadata.MemoryType == graph.MemoryProcedural {
			procedural = append(procedural, sc)
		}
	}
	if len(procedural) > 0 {
		if !write("", "\n## procedures\n") {
			return b.String()
		}
		for _, sc := range procedural {
			if !write("", r.factLine(sc)) {
				return b.String()
			}
		}
	}

	if len(isolated) > 0 {
		if !write(CategoryErrors, "\n## known error patterns\n") {
			return b.String()
		}
		for _, e := range isolated {
			if !write(CategoryErrors, entityLine(e)) {
				return b.String()
			}
		}
	}

	return b.String()
}

func entityLine(e *graph.Entity) string {
	if note, ok := e.Properties["description"].(string); ok && note != "" {
		return fmt.Sprintf("- %s: %s\n", e.Name, note)
	}
	return fmt.Sprintf("- %s\n", e.Name)
}

func (r *Retriever) factLine(sc *scored) string {
	f := sc.fact
	src, dst := f.SourceID, f.TargetID
	if e := r.store.GetEntity(f.SourceID); e != nil {
		src = e.Name
	}
	if e := r.store.GetEntity(f.TargetID); e != nil {
		dst = e.Name
	}
	return fmt.Sprintf("- %s %s %s: %s (%.2f)\n", src, f.Relation, dst, f.Description, sc.score)
}
