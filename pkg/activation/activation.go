// Package activation implements the ACT-R-inspired availability model.
//
// Each fact that has ever been retrieved or reinforced carries an entry of
// access timestamps; activation is the log of summed power-law decayed
// accesses, weighted by emotional salience. The same score drives both
// forgetting (store GC) and retrieval ranking, so being retrieved delays
// being forgotten.
package activation

import (
	"math"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nous-labs/engram/internal/fsjson"
)

const (
	// DefaultExpireThreshold is the activation below which a memory is
	// considered unavailable. Uncalibrated; see store config.
	DefaultExpireThreshold = -2.0

	// decayExponent is the ACT-R power-law decay d=0.5.
	decayExponent = -0.5

	// minAgeDays floors days-since-access so a just-made access does not
	// blow up the power term.
	minAgeDays = 0.01

	// maxAccessHistory bounds the per-entry timestamp list.
	maxAccessHistory = 100

	logFile = "activation-log.jsonl"
)

// Entry is the access history for one fact.
type Entry struct {
	FactID          string      `json:"fact_id"`
	AccessTimes     []time.Time `json:"access_times"`
	EmotionalWeight float64     `json:"emotional_weight"`
	Cached          float64     `json:"cached_activation"`
}

// Compute returns the activation of an entry at time now:
//
//	A = ln( Σ_i t_i^-0.5 ) × emotional_weight
//
// where t_i is days since access i, floored at 0.01. Zero accesses yield
// negative infinity.
func Compute(e *Entry, now time.Time) float64 {
	if e == nil || len(e.AccessTimes) == 0 {
		return math.Inf(-1)
	}
	sum := 0.0
	for _, at := range e.AccessTimes {
		days := now.Sub(at).Hours() / 24
		if days < minAgeDays {
			days = minAgeDays
		}
		sum += math.Pow(days, decayExponent)
	}
	weight := e.EmotionalWeight
	if weight <= 0 {
		weight = 1.0
	}
	return math.Log(sum) * weight
}

// ShouldExpire is the forgetting rule: non-finite or below-threshold
// activation means the memory has decayed past usefulness.
func ShouldExpire(a, threshold float64) bool {
	if math.IsNaN(a) || math.IsInf(a, 0) {
		return true
	}
	return a < threshold
}

// Factor maps activation to a [0,1] retrieval scoring factor via a sigmoid
// centered on the expire threshold.
func Factor(a, threshold float64) float64 {
	if math.IsNaN(a) || math.IsInf(a, 0) {
		return 0
	}
	return 1.0 / (1.0 + math.Exp(-(a - threshold)))
}

// Log is the persisted set of activation entries, one per ever-accessed
// fact. Sparse by design: most facts never get an entry.
type Log struct {
	path string

	mu      sync.Mutex
	entries map[string]*Entry
	dirty   bool
}

// OpenLog loads the activation log from a store directory.
func OpenLog(dir string) (*Log, error) {
	l := &Log{
		path:    filepath.Join(dir, logFile),
		entries: make(map[string]*Entry),
	}
	records, _, err := fsjson.ReadLines[*Entry](l.path)
	if err != nil {
		return nil, err
	}
	for _, e := range records {
		if e.FactID != "" {
			l.entries[e.FactID] = e
		}
	}
	return l, nil
}

// Get returns the entry for a fact, or nil when it was never accessed.
func (l *Log) Get(factID string) *Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[factID]
}

// RecordAccess appends an access timestamp for the fact, creating the entry
// on first access, and recomputes the cached activation. Changes are held
// in memory until Flush.
func (l *Log) RecordAccess(factID string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[factID]
	if !ok {
		e = &Entry{FactID: factID, EmotionalWeight: 1.0}
		l.entries[factID] = e
	}
	e.AccessTimes = append(e.AccessTimes, now.UTC())
	if len(e.AccessTimes) > maxAccessHistory {
		e.AccessTimes = e.AccessTimes[len(e.AccessTimes)-maxAccessHistory:]
	}
	e.Cached = Compute(e, now)
	l.dirty = true
}

// SetWeight raises the emotional weight of a fact's entry, creating it if
// needed. Weights only ever go up: a correction-linked fact stays salient.
func (l *Log) SetWeight(factID string, weight float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[factID]
	if !ok {
		e = &Entry{FactID: factID, EmotionalWeight: 1.0}
		l.entries[factID] = e
	}
	if weight > e.EmotionalWeight {
		e.EmotionalWeight = weight
		e.Cached = Compute(e, time.Now().UTC())
		l.dirty = true
	}
}

// Scores returns the cached activation per fact id.
func (l *Log) Scores() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]float64, len(l.entries))
	for id, e := range l.entries {
		out[id] = e.Cached
	}
	return out
}

// Flush persists the log with one atomic rewrite. No-op when clean.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.dirty {
		return nil
	}
	list := make([]*Entry, 0, len(l.entries))
	for _, e := range l.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].FactID < list[j].FactID })
	if err := fsjson.WriteLines(l.path, list); err != nil {
		return err
	}
	l.dirty = false
	return nil
}
