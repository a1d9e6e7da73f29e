// Package rag provides the in-memory vector index behind retrieval-augmented
// chat. Chunks are stored with their embeddings and ranked by L2 distance,
// where a lower score means a closer match.
package rag

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// Chunk is one indexed passage with its provenance.
type Chunk struct {
	Source string `json:"source"`
	Text   string `json:"content"`
}

// Match is a search hit. Score is the L2 distance to the query.
type Match struct {
	Chunk
	Score float64 `json:"score"`
}

// Index is a flat in-memory vector index. All operations are safe for
// concurrent use.
type Index struct {
	mu      sync.RWMutex
	dim     int
	vectors [][]float32
	chunks  []Chunk
	seen    map[string]struct{}
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{seen: make(map[string]struct{})}
}

func dedupKey(c Chunk) string {
	return c.Source + "\x00" + c.Text
}

// Add inserts vectors with their chunks. Chunks already present under the
// same (source, text) pair are skipped, which makes re-ingesting the same
// document a no-op. Returns how many entries were actually added.
func (ix *Index) Add(vectors [][]float32, chunks []Chunk) (int, error) {
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("vector/chunk length mismatch: %d vs %d", len(vectors), len(chunks))
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	added := 0
	for i, vec := range vectors {
		if len(vec) == 0 {
			return added, fmt.Errorf("empty vector at position %d", i)
		}
		if ix.dim == 0 {
			ix.dim = len(vec)
		} else if len(vec) != ix.dim {
			return added, fmt.Errorf("vector dimension %d does not match index dimension %d", len(vec), ix.dim)
		}

		key := dedupKey(chunks[i])
		if _, dup := ix.seen[key]; dup {
			continue
		}
		ix.seen[key] = struct{}{}
		ix.vectors = append(ix.vectors, vec)
		ix.chunks = append(ix.chunks, chunks[i])
		added++
	}
	return added, nil
}

// SearchWithScore returns up to k chunks closest to the query, ordered by
// ascending distance, dropping anything scoring above maxScore.
func (ix *Index) SearchWithScore(query []float32, k int, maxScore float64) []Match {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if k <= 0 || len(query) != ix.dim || len(ix.vectors) == 0 {
		return nil
	}

	matches := make([]Match, 0, len(ix.vectors))
	for i, vec := range ix.vectors {
		score := l2(query, vec)
		if score > maxScore {
			continue
		}
		matches = append(matches, Match{Chunk: ix.chunks[i], Score: score})
	}

	sort.Slice(matches, func(a, b int) bool { return matches[a].Score < matches[b].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// DeleteBySource removes every chunk ingested from the given source and
// returns how many were removed.
func (ix *Index) DeleteBySource(source string) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	removed := 0
	keptVecs := ix.vectors[:0]
	keptChunks := ix.chunks[:0]
	for i, c := range ix.chunks {
		if c.Source == source {
			delete(ix.seen, dedupKey(c))
			removed++
			continue
		}
		keptVecs = append(keptVecs, ix.vectors[i])
		keptChunks = append(keptChunks, c)
	}
	ix.vectors = keptVecs
	ix.chunks = keptChunks
	return removed
}

// Len returns the number of indexed chunks.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.chunks)
}

func l2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
