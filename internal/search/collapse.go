package search

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hyperjump/clipdex/internal/models"
)

// groupKey identifies a duplicate group. Segments not yet grouped (partial
// ingestion) stand for themselves.
type groupKey struct {
	group   uint64
	segment string
}

func groupKeyOf(groups GroupResolver, segID string) groupKey {
	if gid, ok := groups.GroupOf(segID); ok {
		return groupKey{group: gid}
	}
	return groupKey{segment: segID}
}

type candidate struct {
	segment *models.Segment
	score   float64
	group   uint64
}

func (c candidate) result(rank int) *models.SearchResult {
	return &models.SearchResult{
		SegmentID:       c.segment.ID,
		FilePath:        c.segment.FilePath,
		TimeRange:       c.segment.TimeRange,
		SimilarityScore: c.score,
		Tags:            c.segment.Tags,
		QualityScore:    c.segment.Quality,
		GroupID:         c.group,
		Rank:            rank,
	}
}

// canonicalize keeps the highest-scoring candidate of each group, replaces it with
// the group's canonical segment and returns them ordered by score, then id.
// Candidates must arrive in descending score order.
func (e *Engine) canonicalize(ctx context.Context, candidates []candidate, keep func(groupKey) bool) ([]candidate, int, error) {
	seen := make(map[groupKey]struct{}, len(candidates))
	out := make([]candidate, 0, len(candidates))
	dropped := 0
	for _, c := range candidates {
		key := groupKeyOf(e.groups, c.segment.ID)
		if keep != nil && !keep(key) {
			continue
		}
		if _, dup := seen[key]; dup {
			dropped++
			continue
		}
		seen[key] = struct{}{}
		if key.group != 0 {
			canonical, err := e.canonicalSegment(ctx, key.group, c.segment)
			if err != nil {
				return nil, 0, err
			}
			c.segment = canonical
			c.group = key.group
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].segment.ID < out[j].segment.ID
	})
	return out, dropped, nil
}

// canonicalSegment loads the canonical of gid, falling back to the hit itself
// when the canonical is already gone from the store.
func (e *Engine) canonicalSegment(ctx context.Context, gid uint64, hit *models.Segment) (*models.Segment, error) {
	id, err := e.groups.CanonicalOf(gid)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return hit, nil
		}
		return nil, err
	}
	if id == hit.ID {
		return hit, nil
	}
	seg, err := e.store.Get(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return hit, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load canonical %s: %w", id, err)
	}
	return seg, nil
}
