package graph

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/nous-labs/engram/internal/fsjson"
)

const (
	vectorsFile     = "embeddings.bin"
	vectorIndexFile = "embedding-index.jsonl"
)

// vectorRef locates one vector inside the packed blob.
type vectorRef struct {
	ID     string `json:"id"`
	Kind   string `json:"type"` // "entity" or "fact"
	Offset int64  `json:"offset"`
	Dim    int    `json:"dim"`
}

// loadVectors reads the blob once and attaches vectors back onto the
// in-memory entities and facts. Dangling index entries are ignored.
func (s *Store) loadVectors() error {
	refs, _, err := fsjson.ReadLines[vectorRef](filepath.Join(s.dir, vectorIndexFile))
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return nil
	}

	blob, err := os.ReadFile(filepath.Join(s.dir, vectorsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", vectorsFile, err)
	}

	for _, ref := range refs {
		end := ref.Offset + int64(ref.Dim)*4
		if ref.Dim <= 0 || ref.Offset < 0 || end > int64(len(blob)) {
			continue
		}
		vec := decodeVector(blob[ref.Offset:end], ref.Dim)
		switch ref.Kind {
		case "entity":
			if e, ok := s.entities[ref.ID]; ok {
				e.Embedding = vec
				s.dim = ref.Dim
			}
		case "fact":
			if f, ok := s.facts[ref.ID]; ok {
				f.Embedding = vec
				s.dim = ref.Dim
			}
		}
	}
	return nil
}

// flushVectors rewrites the packed blob and its side index from the current
// in-memory vectors. Both files are replaced atomically; the index is
// written after the blob so a crash between the two leaves only unreferenced
// trailing bytes.
func (s *Store) flushVectors() error {
	type pending struct {
		id   string
		kind string
		vec  []float32
	}
	var all []pending
	for _, e := range s.entities {
		if len(e.Embedding) > 0 {
			all = append(all, pending{e.ID, "entity", e.Embedding})
		}
	}
	for _, f := range s.facts {
		if len(f.Embedding) > 0 {
			all = append(all, pending{f.ID, "fact", f.Embedding})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].id < all[j].id })

	blob := make([]byte, 0, len(all)*s.dim*4)
	refs := make([]vectorRef, 0, len(all))
	for _, p := range all {
		refs = append(refs, vectorRef{
			ID:     p.id,
			Kind:   p.kind,
			Offset: int64(len(blob)),
			Dim:    len(p.vec),
		})
		blob = appendVector(blob, p.vec)
	}

	blobPath := filepath.Join(s.dir, vectorsFile)
	tmp, err := os.CreateTemp(s.dir, ".embeddings.bin.tmp-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmpName, blobPath); err != nil {
		return fmt.Errorf("rename blob: %w", err)
	}

	return fsjson.WriteLines(filepath.Join(s.dir, vectorIndexFile), refs)
}

func appendVector(dst []byte, vec []float32) []byte {
	for _, v := range vec {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
	}
	return dst
}

func decodeVector(src []byte, dim int) []float32 {
	vec := make([]float32, dim)
	for i := 0; i < dim; i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	return vec
}

// setDim records the store dimensionality the first time a vector arrives.
// Vectors of a different length are rejected so one store never mixes
// dimensionalities.
func (s *Store) setDim(vec []float32) bool {
	if len(vec) == 0 {
		return false
	}
	if s.dim == 0 {
		s.dim = len(vec)
		return true
	}
	return len(vec) == s.dim
}

// HasFactEmbedding reports whether the fact exists and carries a vector.
func (s *Store) HasFactEmbedding(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[id]
	return ok && len(f.Embedding) > 0
}

// SetFactEmbedding attaches a vector to an active fact and persists the
// embedding files. Used by the lazy repair path.
func (s *Store) SetFactEmbedding(id string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[id]
	if !ok || len(vec) == 0 {
		return nil
	}
	if !s.setDim(vec) {
		return fmt.Errorf("embedding dim %d does not match store dim %d", len(vec), s.dim)
	}
	f.Embedding = vec
	return s.flushVectors()
}
