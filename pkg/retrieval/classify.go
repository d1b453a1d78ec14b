// Package retrieval implements the hybrid retrieval pipeline: task
// classification, weighted sub-query generation, fused vector and lexical
// search over the graph, and budgeted context formatting. A retrieval call
// is stateless except for the activation accesses it records on every fact
// it surfaces.
package retrieval

import (
	"regexp"
	"sort"
	"strings"
)

// TaskType is the inferred intent behind a query.
type TaskType string

const (
	TaskFeature  TaskType = "feature"
	TaskBugfix   TaskType = "bugfix"
	TaskRefactor TaskType = "refactor"
	TaskQuestion TaskType = "question"
	TaskDesign   TaskType = "design"
	TaskDebug    TaskType = "debug"
	TaskUnknown  TaskType = "unknown"
)

// Classification is the result of analyzing a query.
type Classification struct {
	Task     TaskType
	Keywords []string // significant terms, stopwords removed
	Hints    []string // quoted phrases, file-like tokens, CamelCase identifiers
}

var taskKeywords = map[TaskType][]string{
	TaskFeature:  {"add", "implement", "create", "build", "new", "feature", "support", "introduce"},
	TaskBugfix:   {"fix", "bug", "broken", "crash", "error", "fails", "failing", "regression", "wrong"},
	TaskRefactor: {"refactor", "cleanup", "clean", "rename", "restructure", "simplify", "extract", "move"},
	TaskQuestion: {"what", "how", "why", "where", "when", "which", "who", "explain", "difference"},
	TaskDesign:   {"design", "architecture", "approach", "plan", "structure", "tradeoff", "should", "propose"},
	TaskDebug:    {"debug", "investigate", "trace", "stacktrace", "panic", "hang", "leak", "flaky", "reproduce"},
}

// classifyOrder fixes tie-breaking so classification is deterministic.
var classifyOrder = []TaskType{TaskDebug, TaskBugfix, TaskFeature, TaskRefactor, TaskDesign, TaskQuestion}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "can": true, "do": true, "for": true,
	"from": true, "i": true, "in": true, "is": true, "it": true, "my": true,
	"of": true, "on": true, "or": true, "that": true, "the": true, "this": true,
	"to": true, "we": true, "with": true, "you": true,
}

var (
	quotedRe    = regexp.MustCompile("\"([^\"]+)\"|'([^']+)'|`([^`]+)`")
	fileRe      = regexp.MustCompile(`[\w./-]*[\w-]+\.(go|py|ts|js|rs|c|h|md|json|yaml|yml|toml|sql|sh)\b|\S+/\S+`)
	camelRe     = regexp.MustCompile(`\b[A-Z][a-z0-9]+(?:[A-Z][A-Za-z0-9]*)+\b`)
	wordSplitRe = regexp.MustCompile(`[^\w-]+`)
)

// Classify buckets the query into a task type by keyword density and
// extracts significant keywords and structural component hints.
func Classify(query string) Classification {
	lower := strings.ToLower(query)
	tokens := tokenize(lower)

	tokenSet := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tokenSet[t]++
	}

	best := TaskUnknown
	bestScore := 0
	for _, task := range classifyOrder {
		score := 0
		for _, kw := range taskKeywords[task] {
			score += tokenSet[kw]
		}
		if score > bestScore {
			best, bestScore = task, score
		}
	}

	var keywords []string
	seen := make(map[string]bool)
	for _, t := range tokens {
		if stopwords[t] || len(t) < 3 || seen[t] {
			continue
		}
		seen[t] = true
		keywords = append(keywords, t)
	}

	return Classification{
		Task:     best,
		Keywords: keywords,
		Hints:    componentHints(query),
	}
}

// componentHints pulls structural identifiers out of the raw query: quoted
// phrases, path-or-extension file tokens and multi-capitalized identifiers.
func componentHints(query string) []string {
	var hints []string
	seen := make(map[string]bool)
	add := func(h string) {
		h = strings.TrimSpace(h)
		if h != "" && !seen[h] {
			seen[h] = true
			hints = append(hints, h)
		}
	}

	for _, m := range quotedRe.FindAllStringSubmatch(query, -1) {
		for _, group := range m[1:] {
			if group != "" {
				add(group)
			}
		}
	}
	for _, m := range fileRe.FindAllString(query, -1) {
		add(m)
	}
	for _, m := range camelRe.FindAllString(query, -1) {
		add(m)
	}

	sort.Strings(hints)
	return hints
}

func tokenize(s string) []string {
	var out []string
	for _, t := range wordSplitRe.Split(s, -1) {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
