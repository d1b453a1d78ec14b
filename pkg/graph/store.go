// Package graph implements the file-backed bi-temporal knowledge graph.
//
// One store owns three JSONL files (entities, facts, episodes) plus a packed
// binary embedding blob with a JSONL side index. All mutations are applied
// in memory and flushed with an atomic temp-file-and-rename per affected
// file at the end of the mutating call; the store assumes a single active
// writer per directory (cross-process exclusion is file-lock based, see
// lock.go).
package graph

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nous-labs/engram/internal/fsjson"
)

const (
	entitiesFile = "entities.jsonl"
	factsFile    = "facts.jsonl"
	episodesFile = "episodes.jsonl"
)

// Config holds the store's tunable thresholds. The dedup and expiry values
// are uncalibrated defaults carried over from observed behavior, not derived
// constants; keep them configurable.
type Config struct {
	// TextDedupThreshold is the word-overlap similarity above which two
	// descriptions between the same entity pair are considered the same fact.
	TextDedupThreshold float64
	// EmbedDedupThreshold is the cosine similarity equivalent when both
	// facts carry embeddings.
	EmbedDedupThreshold float64
	// ExpireThreshold is the activation score below which a fact is
	// forgotten by GC.
	ExpireThreshold float64
	// RecencyHalfLife is the fallback decay half-life used by retrieval
	// scoring when no activation entry exists.
	RecencyHalfLife time.Duration
	// ExpiredRetention is how long expired facts stay on disk before GC
	// drops them from the persisted set.
	ExpiredRetention time.Duration
	// NeverAccessedTTL governs forgetting of episodic facts that have no
	// activation entry at all.
	NeverAccessedTTL time.Duration
	// GCMinInterval gates maintenance runs independent of locking.
	GCMinInterval time.Duration
	// LockStaleAfter is when a maintenance lock is considered abandoned.
	LockStaleAfter time.Duration
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		TextDedupThreshold:  0.85,
		EmbedDedupThreshold: 0.92,
		ExpireThreshold:     -2.0,
		RecencyHalfLife:     90 * 24 * time.Hour,
		ExpiredRetention:    180 * 24 * time.Hour,
		NeverAccessedTTL:    180 * 24 * time.Hour,
		GCMinInterval:       6 * time.Hour,
		LockStaleAfter:      60 * time.Second,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.TextDedupThreshold <= 0 {
		c.TextDedupThreshold = d.TextDedupThreshold
	}
	if c.EmbedDedupThreshold <= 0 {
		c.EmbedDedupThreshold = d.EmbedDedupThreshold
	}
	if c.ExpireThreshold == 0 {
		c.ExpireThreshold = d.ExpireThreshold
	}
	if c.RecencyHalfLife <= 0 {
		c.RecencyHalfLife = d.RecencyHalfLife
	}
	if c.ExpiredRetention <= 0 {
		c.ExpiredRetention = d.ExpiredRetention
	}
	if c.NeverAccessedTTL <= 0 {
		c.NeverAccessedTTL = d.NeverAccessedTTL
	}
	if c.GCMinInterval <= 0 {
		c.GCMinInterval = d.GCMinInterval
	}
	if c.LockStaleAfter <= 0 {
		c.LockStaleAfter = d.LockStaleAfter
	}
}

// Store is the knowledge graph engine over one directory.
type Store struct {
	dir string
	cfg Config

	mu       sync.Mutex
	entities map[string]*Entity
	byName   map[string]string // normalized name -> entity id
	facts    map[string]*Fact
	episodes map[string]*Episode
	dim      int // embedding dimensionality; 0 until the first vector

	entropy *rand.Rand
}

// Open loads (or initializes) a store at dir.
func Open(dir string, cfg Config) (*Store, error) {
	cfg.fillDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", dir, err)
	}

	s := &Store{
		dir:      dir,
		cfg:      cfg,
		entities: make(map[string]*Entity),
		byName:   make(map[string]string),
		facts:    make(map[string]*Fact),
		episodes: make(map[string]*Episode),
		entropy:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := s.load(); err != nil {
		return nil, err
	}

	slog.Info("graph store opened",
		"dir", dir,
		"entities", len(s.entities),
		"facts", len(s.facts),
		"episodes", len(s.episodes),
		"embedding_dim", s.dim,
	)
	return s, nil
}

// Dir returns the store root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Config returns the store's effective configuration.
func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) load() error {
	entities, skipped, err := fsjson.ReadLines[*Entity](filepath.Join(s.dir, entitiesFile))
	if err != nil {
		return err
	}
	for _, e := range entities {
		if e.ID == "" || e.Name == "" {
			skipped++
			continue
		}
		s.entities[e.ID] = e
		s.byName[NormalizeName(e.Name)] = e.ID
	}

	facts, fskipped, err := fsjson.ReadLines[*Fact](filepath.Join(s.dir, factsFile))
	if err != nil {
		return err
	}
	for _, f := range facts {
		if f.ID == "" || f.SourceID == "" || f.TargetID == "" {
			fskipped++
			continue
		}
		s.facts[f.ID] = f
	}

	episodes, epSkipped, err := fsjson.ReadLines[*Episode](filepath.Join(s.dir, episodesFile))
	if err != nil {
		return err
	}
	for _, ep := range episodes {
		if ep.ID == "" {
			epSkipped++
			continue
		}
		s.episodes[ep.ID] = ep
	}

	if n := skipped + fskipped + epSkipped; n > 0 {
		slog.Warn("skipped malformed records on load", "dir", s.dir, "count", n)
	}

	return s.loadVectors()
}

// newID mints a time-ordered id with the given kind prefix.
func (s *Store) newID(kind string) string {
	return kind + "_" + ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// NormalizeName is the entity identity key: lowercased, whitespace-trimmed,
// inner runs of whitespace collapsed.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

func (s *Store) flushEntities() error {
	list := make([]*Entity, 0, len(s.entities))
	for _, e := range s.entities {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return fsjson.WriteLines(filepath.Join(s.dir, entitiesFile), list)
}

func (s *Store) flushFacts() error {
	list := make([]*Fact, 0, len(s.facts))
	for _, f := range s.facts {
		list = append(list, f)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return fsjson.WriteLines(filepath.Join(s.dir, factsFile), list)
}

func (s *Store) flushEpisodes() error {
	list := make([]*Episode, 0, len(s.episodes))
	for _, ep := range s.episodes {
		list = append(list, ep)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return fsjson.WriteLines(filepath.Join(s.dir, episodesFile), list)
}

// Flush rewrites every store file. Normal mutations flush only what they
// touch; this is for callers that batch several low-level edits.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flushEntities(); err != nil {
		return err
	}
	if err := s.flushFacts(); err != nil {
		return err
	}
	if err := s.flushEpisodes(); err != nil {
		return err
	}
	return s.flushVectors()
}
