// Vector search over embedding columns. When the sqlite-vec extension is
// present ANN queries can use vec0 virtual tables; the portable path below
// computes cosine similarity in Go over the JSON-encoded vectors, which is
// adequate at companion-scale row counts.
package store

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// Neighbor is one nearest-neighbor search result.
type Neighbor struct {
	ID         string
	Content    string
	Similarity float64
}

// cosine computes cosine similarity between two float32 vectors. Mismatched
// dimensions or zero vectors yield 0.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Cosine is the exported similarity measure used across the runtime.
func Cosine(a, b []float32) float64 { return cosine(a, b) }

// NearestNeighbors returns the k rows of the given table most similar to the
// query vector. The table must carry (id, content-ish, embedding) columns;
// the supported tables are enumerated to keep the query surface closed.
func (s *Store) NearestNeighbors(ctx context.Context, table string, query []float32, k int) ([]Neighbor, error) {
	var stmt string
	switch table {
	case "stimuli":
		stmt = `SELECT id, content, embedding FROM stimuli WHERE embedding != '' AND embedding IS NOT NULL`
	case "conversations":
		stmt = `SELECT id, content, embedding FROM conversations WHERE embedding != '' AND embedding IS NOT NULL`
	case "reflections":
		stmt = `SELECT id, content, embedding FROM reflections WHERE embedding != '' AND embedding IS NOT NULL`
	case "knowledge_nodes":
		stmt = `SELECT id, content, embedding FROM knowledge_nodes WHERE embedding != '' AND embedding IS NOT NULL`
	default:
		return nil, fmt.Errorf("nearest neighbors unsupported for table %q", table)
	}
	if k <= 0 {
		k = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("knn query: %w", err)
	}
	defer rows.Close()

	var results []Neighbor
	for rows.Next() {
		var id, content, embJSON string
		if err := rows.Scan(&id, &content, &embJSON); err != nil {
			continue
		}
		vec := unmarshalVector(embJSON)
		if vec == nil {
			continue
		}
		results = append(results, Neighbor{ID: id, Content: content, Similarity: cosine(query, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}
