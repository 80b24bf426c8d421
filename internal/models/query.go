package models

import "fmt"

// SearchRequest is a structured similarity search from the editing pipeline.
type SearchRequest struct {
	QueryEmbedding []float32 `json:"query_embedding"`
	TopK           int       `json:"top_k,omitempty"`
	MinDuration    *float64  `json:"min_duration,omitempty"`
	RequiredTags   []string  `json:"required_tags,omitempty"`
	MinQuality     *float64  `json:"min_quality,omitempty"`
	PathPrefix     string    `json:"path_prefix,omitempty"`
}

// Validate checks the request and applies the default and maximum top_k.
func (q *SearchRequest) Validate(defaultTopK, maxTopK int) error {
	if len(q.QueryEmbedding) == 0 {
		return fmt.Errorf("%w: query_embedding cannot be empty", ErrInvalidInput)
	}
	if q.TopK < 0 {
		return fmt.Errorf("%w: top_k must not be negative", ErrInvalidInput)
	}
	if q.TopK == 0 {
		q.TopK = defaultTopK
	}
	if maxTopK > 0 && q.TopK > maxTopK {
		q.TopK = maxTopK
	}
	if q.MinQuality != nil && (*q.MinQuality < 0 || *q.MinQuality > 1) {
		return fmt.Errorf("%w: min_quality must be within [0,1]", ErrInvalidInput)
	}
	if q.MinDuration != nil && *q.MinDuration < 0 {
		return fmt.Errorf("%w: min_duration must not be negative", ErrInvalidInput)
	}
	q.RequiredTags = NormalizeTags(q.RequiredTags)
	return nil
}

// Filter returns the metadata predicate of the request.
func (q *SearchRequest) Filter() Filter {
	return Filter{
		RequiredTags: q.RequiredTags,
		MinQuality:   q.MinQuality,
		MinDuration:  q.MinDuration,
		PathPrefix:   q.PathPrefix,
	}
}
