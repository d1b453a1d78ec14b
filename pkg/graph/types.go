package graph

import (
	"sort"
	"time"
)

// EntityType classifies the kind of entity tracked in the graph.
type EntityType string

const (
	EntityProject      EntityType = "project"
	EntityTool         EntityType = "tool"
	EntityErrorPattern EntityType = "error_pattern"
	EntityPreference   EntityType = "preference"
	EntityConcept      EntityType = "concept"
	EntityPerson       EntityType = "person"
	EntityFile         EntityType = "file"
	EntityLibrary      EntityType = "library"
	EntityPattern      EntityType = "pattern"
	EntityDecision     EntityType = "decision"
)

// ValidEntityTypes is the set of all recognized entity types.
var ValidEntityTypes = []EntityType{
	EntityProject, EntityTool, EntityErrorPattern, EntityPreference,
	EntityConcept, EntityPerson, EntityFile, EntityLibrary,
	EntityPattern, EntityDecision,
}

// IsValid reports whether the entity type is recognized.
func (t EntityType) IsValid() bool {
	for _, v := range ValidEntityTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Relation is a typed edge label from the closed ontology.
type Relation string

// RelationCategory groups relations by what aspect of memory they capture.
type RelationCategory string

const (
	CategoryStructural    RelationCategory = "structural"
	CategoryTechnological RelationCategory = "technological"
	CategoryLearning      RelationCategory = "learning"
	CategoryExperience    RelationCategory = "experience"
	CategoryActor         RelationCategory = "actor"
	CategoryConceptual    RelationCategory = "conceptual"
)

const (
	// Structural
	RelContains   Relation = "contains"
	RelPartOf     Relation = "part_of"
	RelDependsOn  Relation = "depends_on"
	RelImports    Relation = "imports"
	RelExtends    Relation = "extends"
	RelImplements Relation = "implements"

	// Technological
	RelUses           Relation = "uses"
	RelBuiltWith      Relation = "built_with"
	RelConfiguredBy   Relation = "configured_by"
	RelDeployedOn     Relation = "deployed_on"
	RelIntegratesWith Relation = "integrates_with"
	RelReplaces       Relation = "replaces"

	// Learning
	RelLearnedFrom Relation = "learned_from"
	RelCausedBy    Relation = "caused_by"
	RelFixedBy     Relation = "fixed_by"
	RelPrevents    Relation = "prevents"
	RelFailsWith   Relation = "fails_with"
	RelErrorIn     Relation = "error_in"

	// Experience
	RelWorkedOn      Relation = "worked_on"
	RelAttempted     Relation = "attempted"
	RelSucceededWith Relation = "succeeded_with"
	RelStruggledWith Relation = "struggled_with"
	RelDebugged      Relation = "debugged"

	// Actor
	RelPrefers   Relation = "prefers"
	RelDislikes  Relation = "dislikes"
	RelDecided   Relation = "decided"
	RelOwns      Relation = "owns"
	RelCreated   Relation = "created"
	RelMaintains Relation = "maintains"

	// Conceptual
	RelIsA            Relation = "is_a"
	RelSimilarTo      Relation = "similar_to"
	RelContrastsWith  Relation = "contrasts_with"
	RelExampleOf      Relation = "example_of"
	RelDerivedFrom    Relation = "derived_from"
)

var relationCategories = map[Relation]RelationCategory{
	RelContains: CategoryStructural, RelPartOf: CategoryStructural,
	RelDependsOn: CategoryStructural, RelImports: CategoryStructural,
	RelExtends: CategoryStructural, RelImplements: CategoryStructural,

	RelUses: CategoryTechnological, RelBuiltWith: CategoryTechnological,
	RelConfiguredBy: CategoryTechnological, RelDeployedOn: CategoryTechnological,
	RelIntegratesWith: CategoryTechnological, RelReplaces: CategoryTechnological,

	RelLearnedFrom: CategoryLearning, RelCausedBy: CategoryLearning,
	RelFixedBy: CategoryLearning, RelPrevents: CategoryLearning,
	RelFailsWith: CategoryLearning, RelErrorIn: CategoryLearning,

	RelWorkedOn: CategoryExperience, RelAttempted: CategoryExperience,
	RelSucceededWith: CategoryExperience, RelStruggledWith: CategoryExperience,
	RelDebugged: CategoryExperience,

	RelPrefers: CategoryActor, RelDislikes: CategoryActor,
	RelDecided: CategoryActor, RelOwns: CategoryActor,
	RelCreated: CategoryActor, RelMaintains: CategoryActor,

	RelIsA: CategoryConceptual, RelSimilarTo: CategoryConceptual,
	RelContrastsWith: CategoryConceptual, RelExampleOf: CategoryConceptual,
	RelDerivedFrom: CategoryConceptual,
}

// ValidRelations lists every relation in the ontology in a stable order.
var ValidRelations = func() []Relation {
	out := make([]Relation, 0, len(relationCategories))
	for r := range relationCategories {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}()

// IsValid reports whether the relation is part of the ontology.
func (r Relation) IsValid() bool {
	_, ok := relationCategories[r]
	return ok
}

// Category returns the relation's category, or "" for unknown relations.
func (r Relation) Category() RelationCategory {
	return relationCategories[r]
}

// MemoryType classifies how a fact was consolidated.
type MemoryType string

const (
	MemoryEpisodic   MemoryType = "episodic"
	MemorySemantic   MemoryType = "semantic"
	MemoryProcedural MemoryType = "procedural"
)

// Entity is a node in the knowledge graph. Identity is the normalized
// (lowercased, trimmed) name; embeddings live in the binary sidecar and are
// never serialized inline.
type Entity struct {
	ID         string         `json:"id"`
	Type       EntityType     `json:"type"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
	Embedding  []float32      `json:"-"`
	CreatedAt  time.Time      `json:"created_at"`
	LastSeen   time.Time      `json:"last_seen"`
}

// FactState is one prior version of a fact, kept when reconsolidating.
type FactState struct {
	Description string     `json:"description"`
	Confidence  float64    `json:"confidence"`
	MemoryType  MemoryType `json:"memory_type"`
	ReplacedAt  time.Time  `json:"replaced_at"`
}

// maxFactHistory bounds the prior-state list carried on each fact.
const maxFactHistory = 5

// FactMetadata carries consolidation state for a fact.
type FactMetadata struct {
	MemoryType           MemoryType  `json:"memory_type"`
	ReconsolidationCount int         `json:"reconsolidation_count"`
	History              []FactState `json:"history,omitempty"`
	SupersededBy         string      `json:"superseded_by,omitempty"`
}

// Fact is a bi-temporal edge between two entities.
//
// ValidAt/InvalidAt record when the fact was true in the world;
// CreatedAt/ExpiredAt record when the graph learned and retired it.
// A fact is active iff ExpiredAt is nil.
type Fact struct {
	ID          string       `json:"id"`
	SourceID    string       `json:"source_id"`
	TargetID    string       `json:"target_id"`
	Relation    Relation     `json:"relation"`
	Description string       `json:"description"`
	Embedding   []float32    `json:"-"`
	Confidence  float64      `json:"confidence"`
	Metadata    FactMetadata `json:"metadata"`
	ValidAt     time.Time    `json:"valid_at"`
	InvalidAt   *time.Time   `json:"invalid_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiredAt   *time.Time   `json:"expired_at,omitempty"`
}

// Active reports whether the fact is the current version of its edge.
func (f *Fact) Active() bool {
	return f.ExpiredAt == nil
}

// ActiveAt reports whether the fact was both known and true as of d.
// Both temporal dimensions must hold: created_at <= d < expired_at and
// valid_at <= d < invalid_at (open-ended when the end is nil).
func (f *Fact) ActiveAt(d time.Time) bool {
	if f.CreatedAt.After(d) {
		return false
	}
	if f.ExpiredAt != nil && !d.Before(*f.ExpiredAt) {
		return false
	}
	if f.ValidAt.After(d) {
		return false
	}
	if f.InvalidAt != nil && !d.Before(*f.InvalidAt) {
		return false
	}
	return true
}

// SourceType classifies what kind of event produced an episode.
type SourceType string

const (
	SourceSession   SourceType = "session"
	SourceThread    SourceType = "thread"
	SourceFailure   SourceType = "failure"
	SourceSentiment SourceType = "sentiment"
)

// IsValid reports whether the source type is recognized.
func (t SourceType) IsValid() bool {
	switch t {
	case SourceSession, SourceThread, SourceFailure, SourceSentiment:
		return true
	}
	return false
}

// Episode is the immutable record of one extraction event. Episodes are the
// unit the dream cycle replays; Consolidated flips exactly once.
type Episode struct {
	ID           string     `json:"id"`
	SourceType   SourceType `json:"source_type"`
	SourceRef    string     `json:"source_ref"`
	Timestamp    time.Time  `json:"timestamp"`
	EntityIDs    []string   `json:"entity_ids"`
	FactIDs      []string   `json:"fact_ids"`
	Consolidated bool       `json:"consolidated"`
}
