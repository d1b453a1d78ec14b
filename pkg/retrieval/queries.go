package retrieval

import "strings"

// Category is the thematic bucket a sub-query (and later, a formatted
// chunk) targets.
type Category string

const (
	CategoryStack     Category = "stack"
	CategoryContext   Category = "context"
	CategoryDecisions Category = "decisions"
	CategoryErrors    Category = "errors"
	CategoryPatterns  Category = "patterns"
)

// SubQuery is one weighted probe into the store. Weight reflects how
// diagnostic the template is for the classified task type.
type SubQuery struct {
	Text     string
	Category Category
	Weight   float64
}

// queryTemplate expands into a SubQuery with the query keywords substituted
// for %s.
type queryTemplate struct {
	format   string
	category Category
	weight   float64
}

// Per task type, 2-5 templates. The keyword slot carries the query's
// significant terms; hints are appended to the most diagnostic template.
var taskTemplates = map[TaskType][]queryTemplate{
	TaskFeature: {
		{"libraries and tools used for %s", CategoryStack, 1.2},
		{"past work and context on %s", CategoryContext, 1.0},
		{"decisions made about %s", CategoryDecisions, 0.9},
		{"patterns that worked for %s", CategoryPatterns, 0.8},
	},
	TaskBugfix: {
		{"errors and failures related to %s", CategoryErrors, 1.4},
		{"fixes and workarounds for %s", CategoryPatterns, 1.1},
		{"context around %s", CategoryContext, 0.8},
	},
	TaskDebug: {
		{"known errors and failure modes of %s", CategoryErrors, 1.5},
		{"debugging lessons about %s", CategoryPatterns, 1.1},
		{"tools and configuration for %s", CategoryStack, 0.7},
	},
	TaskRefactor: {
		{"structure and dependencies of %s", CategoryStack, 1.2},
		{"decisions and constraints about %s", CategoryDecisions, 1.1},
		{"patterns applied to %s", CategoryPatterns, 0.9},
	},
	TaskQuestion: {
		{"facts about %s", CategoryContext, 1.2},
		{"decisions about %s", CategoryDecisions, 0.9},
	},
	TaskDesign: {
		{"architecture decisions about %s", CategoryDecisions, 1.3},
		{"patterns and approaches for %s", CategoryPatterns, 1.1},
		{"technology stack around %s", CategoryStack, 0.9},
		{"constraints and context for %s", CategoryContext, 0.8},
	},
	TaskUnknown: {
		{"context about %s", CategoryContext, 1.0},
		{"recent work on %s", CategoryContext, 0.8},
	},
}

// maxSubQueries bounds generation; templates already stay within it.
const maxSubQueries = 5

// GenerateSubQueries expands the classification into weighted sub-queries.
// The raw query itself always rides along as a full-weight context probe.
func GenerateSubQueries(query string, c Classification) []SubQuery {
	subject := strings.Join(c.Keywords, " ")
	if subject == "" {
		subject = strings.TrimSpace(query)
	}
	if len(c.Hints) > 0 {
		subject = subject + " " + strings.Join(c.Hints, " ")
	}

	templates := taskTemplates[c.Task]
	out := make([]SubQuery, 0, len(templates)+1)
	out = append(out, SubQuery{Text: strings.TrimSpace(query), Category: CategoryContext, Weight: 1.0})
	for _, t := range templates {
		if len(out) == maxSubQueries {
			break
		}
		out = append(out, SubQuery{
			Text:     strings.ReplaceAll(t.format, "%s", subject),
			Category: t.category,
			Weight:   t.weight,
		})
	}
	return out
}
