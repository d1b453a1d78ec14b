package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nous-labs/engram/pkg/graph"
)

// Hard caps on what one extraction may mutate. A single bad model response
// cannot flood the graph.
const (
	maxEntities      = 10
	maxFacts         = 15
	maxSupersessions = 5
)

// Entity is one validated extracted entity.
type Entity struct {
	Type       graph.EntityType `json:"type"`
	Name       string           `json:"name"`
	Properties map[string]any   `json:"properties,omitempty"`
}

// FactTriple is one validated extracted fact, endpoints named, not resolved.
type FactTriple struct {
	Source      string         `json:"source"`
	Target      string         `json:"target"`
	Relation    graph.Relation `json:"relation"`
	Description string         `json:"description"`
	Confidence  float64        `json:"confidence"`
}

// Supersession asks for an existing fact to be retired.
type Supersession struct {
	FactID string `json:"fact_id"`
	Reason string `json:"reason,omitempty"`
}

// Result is a fully validated extraction. Every item passed the per-item
// checks; counts respect the hard caps.
type Result struct {
	Entities      []Entity
	Facts         []FactTriple
	Supersessions []Supersession
}

// Empty reports whether the extraction produced nothing usable.
func (r *Result) Empty() bool {
	return len(r.Entities) == 0 && len(r.Facts) == 0 && len(r.Supersessions) == 0
}

// Parse validates raw LLM output into a Result. Invalid items are dropped,
// not errors; the error return covers only output with no JSON object at
// all. Output past the caps is truncated.
func Parse(raw string) (*Result, error) {
	blob := extractJSON(raw)
	if blob == "" {
		return nil, fmt.Errorf("no JSON object in extraction output")
	}

	var loose struct {
		Entities      []json.RawMessage `json:"entities"`
		Facts         []json.RawMessage `json:"facts"`
		Supersessions []json.RawMessage `json:"supersessions"`
	}
	if err := json.Unmarshal([]byte(blob), &loose); err != nil {
		return nil, fmt.Errorf("parse extraction output: %w", err)
	}

	res := &Result{}
	for _, m := range loose.Entities {
		if len(res.Entities) >= maxEntities {
			break
		}
		var e Entity
		if json.Unmarshal(m, &e) != nil {
			continue
		}
		e.Name = strings.TrimSpace(e.Name)
		if e.Name == "" || !e.Type.IsValid() {
			continue
		}
		res.Entities = append(res.Entities, e)
	}
	for _, m := range loose.Facts {
		if len(res.Facts) >= maxFacts {
			break
		}
		var f FactTriple
		if json.Unmarshal(m, &f) != nil {
			continue
		}
		f.Source = strings.TrimSpace(f.Source)
		f.Target = strings.TrimSpace(f.Target)
		if f.Source == "" || f.Target == "" || !f.Relation.IsValid() {
			continue
		}
		if f.Description == "" {
			f.Description = fmt.Sprintf("%s %s %s", f.Source, f.Relation, f.Target)
		}
		if f.Confidence <= 0 || f.Confidence > 1 {
			f.Confidence = 0.5
		}
		res.Facts = append(res.Facts, f)
	}
	for _, m := range loose.Supersessions {
		if len(res.Supersessions) >= maxSupersessions {
			break
		}
		var s Supersession
		if json.Unmarshal(m, &s) != nil {
			continue
		}
		if strings.TrimSpace(s.FactID) == "" {
			continue
		}
		res.Supersessions = append(res.Supersessions, s)
	}
	return res, nil
}

// extractJSON pulls the outermost JSON object out of model output that may
// wrap it in a code fence or prose.
func extractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}
