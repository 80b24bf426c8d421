// Package keyword provides text lookup of segments by tag and file name.
package keyword

import (
	"context"

	"github.com/hyperjump/clipdex/internal/models"
)

// SearchOptions optional parameters for tag search. Nil means use defaults.
type SearchOptions struct {
	// FileNameBoost multiplies the score of matches in the file name words.
	// Values below 1 rank tag matches above file name matches. Use 1.0 for no boost.
	FileNameBoost float64
	// FuzzyEnabled enables typo-tolerant term matching.
	FuzzyEnabled bool
	// Fuzziness is the maximum edit distance for fuzzy matching (1 or 2). Default 1.
	Fuzziness int
}

// TagIndex is a derived text index over segment tags and file names.
type TagIndex interface {
	Index(ctx context.Context, seg *models.Segment) error
	Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*KeywordResult, error)
	Delete(ctx context.Context, id string) error
	DocCount() (uint64, error)
	Close() error
}

// KeywordResult is a single tag search hit.
type KeywordResult struct {
	ID    string  `json:"segment_id"`
	Score float64 `json:"score"`
}
