// Package extract turns raw session transcripts into validated graph
// mutations via an LLM extraction call. Nothing the model returns is
// trusted past the parse boundary.
package extract

import (
	"fmt"
	"strings"

	"github.com/nous-labs/engram/pkg/graph"
)

const systemPrompt = `You extract structured knowledge from a development session transcript.
Return ONLY a JSON object, no prose, with this shape:

{
  "entities": [{"type": "...", "name": "...", "properties": {}}],
  "facts": [{"source": "...", "target": "...", "relation": "...", "description": "...", "confidence": 0.8}],
  "supersessions": [{"fact_id": "...", "reason": "..."}]
}

Rules:
- "source" and "target" name entities from the "entities" list or already known.
- Only report things actually established in the transcript.
- Confidence in [0,1]. Omit anything you are unsure about.`

// BuildPrompt assembles the extraction request for one session transcript.
// knownFacts lists ids and descriptions of facts the model may supersede.
func BuildPrompt(project, transcript string, knownFacts []*graph.Fact) string {
	var b strings.Builder

	b.WriteString("Valid entity types: ")
	for i, t := range graph.ValidEntityTypes {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(string(t))
	}
	b.WriteString("\nValid relations: ")
	for i, r := range graph.ValidRelations {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(string(r))
	}
	b.WriteString("\n")

	if project != "" {
		fmt.Fprintf(&b, "\nCurrent project: %s\n", project)
	}
	if len(knownFacts) > 0 {
		b.WriteString("\nKnown facts (supersede by id if the transcript contradicts one):\n")
		for _, f := range knownFacts {
			fmt.Fprintf(&b, "- %s: %s\n", f.ID, f.Description)
		}
	}

	b.WriteString("\nTranscript:\n")
	b.WriteString(transcript)
	return b.String()
}

// SystemPrompt returns the fixed extraction system prompt.
func SystemPrompt() string { return systemPrompt }
