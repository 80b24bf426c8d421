// Package vector provides the embedding index: a memory-resident tier (exact or LSH)
// plus an exact linear scan over entries spilled to the on-disk log.
package vector

import "context"

// VectorIndex defines vector storage and top-k cosine similarity search.
type VectorIndex interface {
	// Insert registers an embedding. Inserting an id that is already present is a no-op.
	Insert(ctx context.Context, id string, embedding []float32) error
	// Query returns up to k hits ordered by descending similarity, ties by ascending id.
	// A nil filter admits every id.
	Query(ctx context.Context, embedding []float32, k int, filter Filter) ([]*VectorResult, error)
	Remove(ctx context.Context, id string) error
	Contains(id string) bool
	// IDs returns every live id across both tiers, sorted.
	IDs() []string
	Size() int
	// Spilled returns how many entries are served from the fallback scan.
	Spilled() int
	Dimensions() int
	Close() error
}

// VectorResult is a single vector search hit.
type VectorResult struct {
	ID    string  `json:"segment_id"`
	Score float64 `json:"similarity_score"`
}

// Filter restricts which ids may appear in query results.
type Filter func(id string) bool

func (f Filter) allows(id string) bool {
	return f == nil || f(id)
}
