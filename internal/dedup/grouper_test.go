package dedup

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/clipdex/internal/models"
)

func seg(id string, fp uint64, quality float64) *models.Segment {
	return &models.Segment{ID: id, Fingerprint: models.Fingerprint(fp), Quality: quality}
}

func newGrouper(t *testing.T, bits, threshold int, policy string, opts ...Option) *Grouper {
	t.Helper()
	g, err := NewGrouper(bits, threshold, policy, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestGrouper_NearDuplicatesShareGroup(t *testing.T) {
	g := newGrouper(t, 16, 2, PolicyFirst)
	ctx := context.Background()

	a, err := g.Assign(ctx, seg("A", 0x00FF, 0.5))
	require.NoError(t, err)
	b, err := g.Assign(ctx, seg("B", 0x00FE, 0.5))
	require.NoError(t, err)
	c, err := g.Assign(ctx, seg("C", 0xFF00, 0.5))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, uint64(1), a, "group ids start at 1")
	assert.Equal(t, 2, g.Groups())

	canonical, err := g.CanonicalOf(a)
	require.NoError(t, err)
	assert.Equal(t, "A", canonical)
	members, err := g.Members(a)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, members)
}

func TestGrouper_ThresholdBoundary(t *testing.T) {
	g := newGrouper(t, 64, 8, PolicyFirst)
	ctx := context.Background()
	base := uint64(0xDEADBEEFCAFEF00D)

	g0, _ := g.Assign(ctx, seg("base", base, 0))
	atThreshold, _ := g.Assign(ctx, seg("eight", base^0xFF, 0))
	beyond, _ := g.Assign(ctx, seg("nine", base^0x1FF00000, 0))

	assert.Equal(t, g0, atThreshold, "distance 8 joins")
	assert.NotEqual(t, g0, beyond, "distance 9 starts a new group")
}

func TestGrouper_TieBreaksToLowestGroupID(t *testing.T) {
	g := newGrouper(t, 8, 1, PolicyFirst)
	ctx := context.Background()

	g1, _ := g.Assign(ctx, seg("zero", 0b0000_0000, 0))
	g2, _ := g.Assign(ctx, seg("three", 0b0000_0011, 0))
	require.NotEqual(t, g1, g2)

	got, _ := g.Assign(ctx, seg("one", 0b0000_0001, 0))
	assert.Equal(t, g1, got)
	got, _ = g.Assign(ctx, seg("two", 0b0000_0010, 0))
	assert.Equal(t, g1, got)
}

func TestGrouper_PrefersMinimumDistance(t *testing.T) {
	g := newGrouper(t, 16, 3, PolicyFirst)
	ctx := context.Background()

	g1, _ := g.Assign(ctx, seg("far", 0x0000, 0))
	g2, _ := g.Assign(ctx, seg("near", 0x001F, 0))
	require.NotEqual(t, g1, g2)

	// Distance 3 to g1, distance 2 to g2.
	got, _ := g.Assign(ctx, seg("x", 0x0007, 0))
	assert.Equal(t, g2, got)
}

func TestGrouper_AssignIdempotent(t *testing.T) {
	g := newGrouper(t, 16, 2, PolicyFirst)
	ctx := context.Background()
	first, _ := g.Assign(ctx, seg("A", 0x00FF, 0))
	again, err := g.Assign(ctx, seg("A", 0xFF00, 0))
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, g.Segments())
}

// linearNearest is the reference: scan every group canonical.
func linearNearest(g *Grouper, fp models.Fingerprint) (uint64, bool) {
	var best uint64
	bestDist := g.threshold + 1
	for gid, grp := range g.groups {
		d := fp.Distance(grp.canonicalMember().fingerprint)
		if d < bestDist || (d == bestDist && gid < best) {
			best, bestDist = gid, d
		}
	}
	return best, bestDist <= g.threshold
}

func TestGrouper_BandingMatchesLinearScan(t *testing.T) {
	for _, policy := range []string{PolicyFirst, PolicyQuality} {
		t.Run(policy, func(t *testing.T) {
			g := newGrouper(t, 64, 8, policy)
			ctx := context.Background()
			rng := rand.New(rand.NewPCG(1, 2))

			centers := make([]uint64, 50)
			for i := range centers {
				centers[i] = rng.Uint64()
			}
			for i := 0; i < 3000; i++ {
				fp := centers[rng.IntN(len(centers))]
				for flips := rng.IntN(12); flips > 0; flips-- {
					fp ^= 1 << rng.IntN(64)
				}
				wantGID, wantOK := linearNearest(g, models.Fingerprint(fp))
				got, err := g.Assign(ctx, seg(fmt.Sprintf("s%04d", i), fp, rng.Float64()))
				require.NoError(t, err)
				if wantOK {
					require.Equal(t, wantGID, got, "segment %d", i)
				} else {
					require.Equal(t, g.nextID-1, got, "segment %d should open a new group", i)
				}
			}
		})
	}
}

func TestGrouper_QualityPolicy(t *testing.T) {
	g := newGrouper(t, 16, 2, PolicyQuality)
	ctx := context.Background()

	gid, _ := g.Assign(ctx, seg("low", 0x0000, 0.2))
	_, _ = g.Assign(ctx, seg("high", 0x0003, 0.9))
	_, _ = g.Assign(ctx, seg("tie", 0x0001, 0.9))

	canonical, err := g.CanonicalOf(gid)
	require.NoError(t, err)
	assert.Equal(t, "high", canonical, "ties keep the earlier member")

	// Within 2 of the new canonical but 4 from the original.
	joined, _ := g.Assign(ctx, seg("near-high", 0x000F, 0.1))
	assert.Equal(t, gid, joined)
	// Within 2 of the original only.
	other, _ := g.Assign(ctx, seg("near-low", 0x0300, 0.1))
	assert.NotEqual(t, gid, other)
}

func segments(segs ...*models.Segment) iter.Seq2[*models.Segment, error] {
	return func(yield func(*models.Segment, error) bool) {
		for _, s := range segs {
			if !yield(s, nil) {
				return
			}
		}
	}
}

func TestGrouper_UpdateQualityReelectsCanonical(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groups.jsonl")
	ctx := context.Background()

	g, err := NewGrouper(16, 2, PolicyQuality, WithJournal(path))
	require.NoError(t, err)
	gid, _ := g.Assign(ctx, seg("A", 0x00FF, 0.9))
	_, _ = g.Assign(ctx, seg("B", 0x00FE, 0.5))
	_, _ = g.Assign(ctx, seg("C", 0x00FC, 0.5))

	require.NoError(t, g.UpdateQuality(ctx, "B", 1.0))
	canonical, err := g.CanonicalOf(gid)
	require.NoError(t, err)
	assert.Equal(t, "B", canonical)

	require.NoError(t, g.UpdateQuality(ctx, "B", 0.2))
	canonical, _ = g.CanonicalOf(gid)
	assert.Equal(t, "A", canonical, "lowering the canonical re-elects the best member")

	require.NoError(t, g.UpdateQuality(ctx, "A", 0.5))
	canonical, _ = g.CanonicalOf(gid)
	assert.Equal(t, "A", canonical, "ties keep the earlier member")

	require.NoError(t, g.UpdateQuality(ctx, "missing", 0.7))
	live := g.Duplicates()
	require.NoError(t, g.Close())

	reopened, err := NewGrouper(16, 2, PolicyQuality, WithJournal(path))
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, live, reopened.Duplicates())

	rebuilt := newGrouper(t, 16, 2, PolicyQuality)
	_, err = rebuilt.Rebuild(ctx, segments(seg("A", 0x00FF, 0.5), seg("B", 0x00FE, 0.2), seg("C", 0x00FC, 0.5)))
	require.NoError(t, err)
	assert.Equal(t, live, rebuilt.Duplicates())
}

func TestGrouper_UpdateQualityFirstPolicy(t *testing.T) {
	g := newGrouper(t, 16, 2, PolicyFirst)
	ctx := context.Background()

	gid, _ := g.Assign(ctx, seg("A", 0x00FF, 0.1))
	_, _ = g.Assign(ctx, seg("B", 0x00FE, 0.2))
	require.NoError(t, g.UpdateQuality(ctx, "B", 1.0))

	canonical, err := g.CanonicalOf(gid)
	require.NoError(t, err)
	assert.Equal(t, "A", canonical)
}

func TestGrouper_SegmentIDs(t *testing.T) {
	g := newGrouper(t, 16, 2, PolicyFirst)
	ctx := context.Background()

	_, _ = g.Assign(ctx, seg("B", 0x00FF, 0))
	_, _ = g.Assign(ctx, seg("A", 0xFF00, 0))
	_, _ = g.Assign(ctx, seg("C", 0x00FE, 0))
	require.NoError(t, g.Remove(ctx, "C"))

	assert.Equal(t, []string{"A", "B"}, g.SegmentIDs())
}

func TestGrouper_Remove(t *testing.T) {
	g := newGrouper(t, 16, 2, PolicyFirst)
	ctx := context.Background()
	gid, _ := g.Assign(ctx, seg("A", 0x00FF, 0))
	_, _ = g.Assign(ctx, seg("B", 0x00FE, 0))
	_, _ = g.Assign(ctx, seg("C", 0x00FC, 0))

	require.NoError(t, g.Remove(ctx, "A"))
	canonical, err := g.CanonicalOf(gid)
	require.NoError(t, err)
	assert.Equal(t, "B", canonical, "next member is promoted")
	_, ok := g.GroupOf("A")
	assert.False(t, ok)

	// The group is now keyed by B's fingerprint.
	again, _ := g.Assign(ctx, seg("D", 0x00F8, 0))
	assert.Equal(t, gid, again)

	for _, id := range []string{"B", "C", "D"} {
		require.NoError(t, g.Remove(ctx, id))
	}
	_, err = g.CanonicalOf(gid)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assert.Equal(t, 0, g.Groups())
	require.NoError(t, g.Remove(ctx, "unknown"))
}

func TestGrouper_DuplicatesAndDedupe(t *testing.T) {
	g := newGrouper(t, 16, 2, PolicyFirst)
	ctx := context.Background()
	_, _ = g.Assign(ctx, seg("A", 0x00FF, 0))
	_, _ = g.Assign(ctx, seg("X", 0xF0F0, 0))
	_, _ = g.Assign(ctx, seg("B", 0x00FE, 0))
	_, _ = g.Assign(ctx, seg("Y", 0xF0F1, 0))
	_, _ = g.Assign(ctx, seg("solo", 0x5A5A, 0))

	dups := g.Duplicates()
	require.Len(t, dups, 2)
	assert.Equal(t, []string{"A", "B"}, dups[0].Members)
	assert.Equal(t, "X", dups[1].Canonical)
	assert.Less(t, dups[0].ID, dups[1].ID)

	got := g.Dedupe([]string{"B", "Y", "A", "ungrouped", "X", "solo"})
	assert.Equal(t, []string{"B", "Y", "ungrouped", "solo"}, got)
}

func TestGrouper_JournalReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groups.jsonl")
	ctx := context.Background()

	g, err := NewGrouper(16, 2, PolicyQuality, WithJournal(path))
	require.NoError(t, err)
	gid, _ := g.Assign(ctx, seg("A", 0x00FF, 0.1))
	_, _ = g.Assign(ctx, seg("B", 0x00FE, 0.8))
	other, _ := g.Assign(ctx, seg("C", 0xFF00, 0.5))
	_, _ = g.Assign(ctx, seg("D", 0xFF01, 0.5))
	require.NoError(t, g.Remove(ctx, "C"))
	before := g.Duplicates()
	require.NoError(t, g.Close())

	reopened, err := NewGrouper(16, 2, PolicyQuality, WithJournal(path))
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, before, reopened.Duplicates())
	canonical, err := reopened.CanonicalOf(gid)
	require.NoError(t, err)
	assert.Equal(t, "B", canonical)
	canonical, err = reopened.CanonicalOf(other)
	require.NoError(t, err)
	assert.Equal(t, "D", canonical)

	next, _ := reopened.Assign(ctx, seg("E", 0x5555, 0))
	assert.Equal(t, other+1, next, "group ids keep increasing after replay")
}

func TestGrouper_JournalTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groups.jsonl")
	ctx := context.Background()

	g, err := NewGrouper(16, 2, PolicyFirst, WithJournal(path))
	require.NoError(t, err)
	_, _ = g.Assign(ctx, seg("A", 0x00FF, 0))
	require.NoError(t, g.Close())

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"op":"assign","segment_id":"B"`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewGrouper(16, 2, PolicyFirst, WithJournal(path))
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Segments())
	_, _ = reopened.Assign(ctx, seg("B", 0x00FE, 0))
	require.NoError(t, reopened.Close())

	final, err := NewGrouper(16, 2, PolicyFirst, WithJournal(path))
	require.NoError(t, err)
	defer final.Close()
	members, err := final.Members(1)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, members)
}

func TestGrouper_Rebuild(t *testing.T) {
	g := newGrouper(t, 16, 2, PolicyFirst, WithJournal(filepath.Join(t.TempDir(), "groups.jsonl")))
	ctx := context.Background()
	_, _ = g.Assign(ctx, seg("stale", 0x1234, 0))

	segs := []*models.Segment{seg("A", 0x00FF, 0), seg("B", 0x00FE, 0), seg("C", 0xFF00, 0)}
	var source iter.Seq2[*models.Segment, error] = func(yield func(*models.Segment, error) bool) {
		for _, s := range segs {
			if !yield(s, nil) {
				return
			}
		}
	}
	n, err := g.Rebuild(ctx, source)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, g.Groups())
	_, ok := g.GroupOf("stale")
	assert.False(t, ok)
	gid, _ := g.GroupOf("A")
	assert.Equal(t, uint64(1), gid)
}

func TestGrouper_ConcurrentAssign(t *testing.T) {
	g := newGrouper(t, 64, 4, PolicyFirst)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(3, 4))
	fps := make([]uint64, 500)
	for i := range fps {
		fps[i] = rng.Uint64()
		if i%5 != 0 {
			fps[i] = fps[i-i%5] ^ 1<<(i%64)
		}
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Every worker assigns every segment; each must land exactly once.
			for i := range fps {
				_, err := g.Assign(ctx, seg(fmt.Sprintf("s%03d", i), fps[i], 0))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, len(fps), g.Segments())
	total := 0
	for gid := uint64(1); gid < g.nextID; gid++ {
		if members, err := g.Members(gid); err == nil {
			total += len(members)
			seen := map[string]bool{}
			for _, m := range members {
				assert.False(t, seen[m], "segment %s counted twice", m)
				seen[m] = true
			}
		}
	}
	assert.Equal(t, len(fps), total)
}

func TestNewGrouper_Invalid(t *testing.T) {
	_, err := NewGrouper(0, 0, PolicyFirst)
	assert.Error(t, err)
	_, err = NewGrouper(16, 16, PolicyFirst)
	assert.Error(t, err)
	_, err = NewGrouper(16, 2, "newest")
	assert.Error(t, err)
}
