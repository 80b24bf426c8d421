// Package search provides the query planner: vector search with overfetch, metadata
// filtering and duplicate-group canonicalization.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/clipdex/internal/config"
	"github.com/hyperjump/clipdex/internal/keyword"
	"github.com/hyperjump/clipdex/internal/models"
	"github.com/hyperjump/clipdex/internal/vector"
)

// SegmentReader is the part of the feature store the planner reads.
type SegmentReader interface {
	Get(ctx context.Context, id string) (*models.Segment, error)
}

// GroupResolver maps segments to duplicate groups and groups to canonicals.
type GroupResolver interface {
	GroupOf(segID string) (uint64, bool)
	CanonicalOf(gid uint64) (string, error)
}

// Engine answers structured similarity searches against the three indexes.
type Engine struct {
	store   SegmentReader
	groups  GroupResolver
	vectors vector.VectorIndex
	tags    keyword.TagIndex
	config  *config.SearchConfig
	logger  *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithTagIndex enables tag and file name lookups.
func WithTagIndex(idx keyword.TagIndex) Option {
	return func(e *Engine) { e.tags = idx }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a search engine with the given dependencies.
func NewEngine(store SegmentReader, groups GroupResolver, vectors vector.VectorIndex, cfg *config.SearchConfig, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		groups:  groups,
		vectors: vectors,
		config:  cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Search runs the vector query with overfetch, drops candidates failing the
// metadata filter, collapses duplicates to their group canonical and truncates
// to top_k. Fewer results than top_k is reported through UnderFilled.
func (e *Engine) Search(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error) {
	return e.search(ctx, req, nil)
}

// SimilarTo searches with the embedding of an indexed segment, excluding the
// segment's own duplicate group.
func (e *Engine) SimilarTo(ctx context.Context, segmentID string, topK int) (*models.SearchResponse, error) {
	seg, err := e.store.Get(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	own := groupKeyOf(e.groups, segmentID)
	req := &models.SearchRequest{QueryEmbedding: seg.Embedding, TopK: topK}
	return e.search(ctx, req, func(key groupKey) bool { return key != own })
}

func (e *Engine) search(ctx context.Context, req *models.SearchRequest, keep func(groupKey) bool) (*models.SearchResponse, error) {
	start := time.Now()
	if err := req.Validate(e.config.DefaultTopK, e.config.MaxTopK); err != nil {
		return nil, err
	}
	if dims := e.vectors.Dimensions(); len(req.QueryEmbedding) != dims {
		return nil, &models.DimensionMismatchError{Got: len(req.QueryEmbedding), Want: dims}
	}
	overfetch := e.config.OverfetchFactor
	if overfetch < 1 {
		overfetch = 1
	}

	hits, err := e.vectors.Query(ctx, req.QueryEmbedding, req.TopK*overfetch, nil)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	filter := req.Filter()
	candidates := make([]candidate, 0, len(hits))
	for _, hit := range hits {
		seg, err := e.store.Get(ctx, hit.ID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				// Deleted after the vector query.
				continue
			}
			return nil, fmt.Errorf("load candidate %s: %w", hit.ID, err)
		}
		if !filter.Match(seg) {
			continue
		}
		candidates = append(candidates, candidate{segment: seg, score: hit.Score})
	}

	collapsed, dropped, err := e.canonicalize(ctx, candidates, keep)
	if err != nil {
		return nil, err
	}

	if len(collapsed) > req.TopK {
		collapsed = collapsed[:req.TopK]
	}
	results := make([]*models.SearchResult, len(collapsed))
	for i, c := range collapsed {
		results[i] = c.result(i + 1)
	}
	resp := &models.SearchResponse{
		Results:             results,
		UnderFilled:         len(results) < req.TopK,
		TopK:                req.TopK,
		Candidates:          len(hits),
		DuplicatesCollapsed: dropped,
		QueryTime:           time.Since(start).Milliseconds(),
	}
	if e.logger != nil {
		e.logger.Debug("search",
			zap.Int("top_k", req.TopK),
			zap.Int("candidates", len(hits)),
			zap.Int("after_filter", len(candidates)),
			zap.Int("results", len(results)),
			zap.Bool("under_filled", resp.UnderFilled))
	}
	return resp, nil
}

// FindByTags looks segments up by tag or file name words.
func (e *Engine) FindByTags(ctx context.Context, query string, limit int) ([]*models.Segment, error) {
	if e.tags == nil {
		return nil, fmt.Errorf("%w: tag index is not enabled", models.ErrInvalidInput)
	}
	hits, err := e.tags.Search(ctx, query, limit, nil)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Segment, 0, len(hits))
	for _, hit := range hits {
		seg, err := e.store.Get(ctx, hit.ID)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, nil
}
