// Package dedup clusters near-identical segments into duplicate groups by
// fingerprint Hamming distance.
package dedup

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/clipdex/internal/models"
)

// Canonical selection policies.
const (
	PolicyFirst   = "first"
	PolicyQuality = "quality"
)

type member struct {
	id          string
	fingerprint models.Fingerprint
	quality     float64
}

type group struct {
	id        uint64
	canonical int // index into members
	members   []member
}

func (g *group) canonicalMember() member {
	return g.members[g.canonical]
}

// Grouper assigns segments to duplicate groups. Groups never split; membership
// changes only by assignment or explicit removal. All methods are safe for
// concurrent use and Assign is linearizable.
type Grouper struct {
	mu        sync.RWMutex
	threshold int
	bits      int
	policy    string
	index     *bandIndex
	groups    map[uint64]*group
	memberOf  map[string]uint64
	nextID    uint64
	journal   *journal
	journalAt string
	logger    *zap.Logger
}

// Option configures a Grouper.
type Option func(*Grouper)

// WithJournal persists membership to an append-only log at path, replayed on open.
func WithJournal(path string) Option {
	return func(g *Grouper) { g.journalAt = path }
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Grouper) { g.logger = l }
}

// NewGrouper creates a grouper for bits-wide fingerprints that joins a segment to a
// group when its distance to the group canonical is at most threshold.
func NewGrouper(bits, threshold int, policy string, opts ...Option) (*Grouper, error) {
	if bits <= 0 || bits > 64 {
		return nil, fmt.Errorf("fingerprint bits must be 1-64, got %d", bits)
	}
	if threshold < 0 || threshold >= bits {
		return nil, fmt.Errorf("duplicate threshold must be in [0, %d), got %d", bits, threshold)
	}
	if policy == "" {
		policy = PolicyFirst
	}
	if policy != PolicyFirst && policy != PolicyQuality {
		return nil, fmt.Errorf("unknown canonical policy %q", policy)
	}
	g := &Grouper{
		threshold: threshold,
		bits:      bits,
		policy:    policy,
		index:     newBandIndex(bits, threshold),
		groups:    make(map[uint64]*group),
		memberOf:  make(map[string]uint64),
		nextID:    1,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.journalAt != "" {
		j, err := openJournal(g.journalAt)
		if err != nil {
			return nil, err
		}
		g.journal = j
		n, err := j.replay(g.applyEvent)
		if err != nil {
			j.close()
			return nil, fmt.Errorf("replay group journal: %w", err)
		}
		if g.logger != nil && n > 0 {
			g.logger.Info("group journal replayed",
				zap.String("path", j.path),
				zap.Int("events", n),
				zap.Int("groups", len(g.groups)),
				zap.Int("segments", len(g.memberOf)))
		}
	}
	return g, nil
}

func (g *Grouper) applyEvent(ev event) error {
	switch ev.Op {
	case opAssign:
		if _, ok := g.memberOf[ev.SegmentID]; ok {
			return nil
		}
		g.join(ev.GroupID, member{id: ev.SegmentID, fingerprint: ev.Fingerprint, quality: ev.Quality})
	case opRemove:
		g.leave(ev.SegmentID)
	case opQuality:
		g.requalify(ev.SegmentID, ev.Quality)
	default:
		return fmt.Errorf("unknown group journal op %q", ev.Op)
	}
	return nil
}

// nearest returns the closest group within threshold; ties go to the lowest id.
func (g *Grouper) nearest(fp models.Fingerprint) (uint64, bool) {
	var best uint64
	bestDist := g.threshold + 1
	for gid := range g.index.candidates(fp) {
		d := fp.Distance(g.groups[gid].canonicalMember().fingerprint)
		if d < bestDist || (d == bestDist && gid < best) {
			best, bestDist = gid, d
		}
	}
	return best, bestDist <= g.threshold
}

// Assign places seg in the nearest group within threshold, or a new singleton
// group, and returns the group id. A segment already assigned keeps its group.
func (g *Grouper) Assign(ctx context.Context, seg *models.Segment) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if gid, ok := g.memberOf[seg.ID]; ok {
		return gid, nil
	}
	gid, ok := g.nearest(seg.Fingerprint)
	if !ok {
		gid = g.nextID
	}
	m := member{id: seg.ID, fingerprint: seg.Fingerprint, quality: seg.Quality}
	if g.journal != nil {
		ev := event{Op: opAssign, SegmentID: m.id, GroupID: gid, Fingerprint: m.fingerprint, Quality: m.quality}
		if err := g.journal.append(ev); err != nil {
			return 0, err
		}
	}
	g.join(gid, m)
	return gid, nil
}

// join adds m to group gid, creating it when absent, and applies the canonical policy.
func (g *Grouper) join(gid uint64, m member) {
	grp, ok := g.groups[gid]
	if !ok {
		grp = &group{id: gid, members: []member{m}}
		g.groups[gid] = grp
		g.index.add(m.fingerprint, gid)
		if gid >= g.nextID {
			g.nextID = gid + 1
		}
		g.memberOf[m.id] = gid
		return
	}
	grp.members = append(grp.members, m)
	g.memberOf[m.id] = gid
	if g.policy == PolicyQuality && m.quality > grp.canonicalMember().quality {
		g.setCanonical(grp, len(grp.members)-1)
	}
}

func (g *Grouper) setCanonical(grp *group, i int) {
	old := grp.canonicalMember().fingerprint
	grp.canonical = i
	if nfp := grp.canonicalMember().fingerprint; nfp != old {
		g.index.remove(old, grp.id)
		g.index.add(nfp, grp.id)
	}
}

// leave drops a segment; an emptied group disappears and a removed canonical is replaced.
func (g *Grouper) leave(segID string) bool {
	gid, ok := g.memberOf[segID]
	if !ok {
		return false
	}
	delete(g.memberOf, segID)
	grp := g.groups[gid]
	oldFP := grp.canonicalMember().fingerprint
	wasCanonical := grp.canonicalMember().id == segID
	for i, m := range grp.members {
		if m.id != segID {
			continue
		}
		grp.members = append(grp.members[:i], grp.members[i+1:]...)
		if i < grp.canonical {
			grp.canonical--
		}
		break
	}
	if len(grp.members) == 0 {
		g.index.remove(oldFP, gid)
		delete(g.groups, gid)
		return true
	}
	if wasCanonical {
		grp.canonical = g.elect(grp)
		if nfp := grp.canonicalMember().fingerprint; nfp != oldFP {
			g.index.remove(oldFP, gid)
			g.index.add(nfp, gid)
		}
	}
	return true
}

// elect returns the member the policy prefers: the earliest member under
// PolicyFirst, the first highest quality member under PolicyQuality.
func (g *Grouper) elect(grp *group) int {
	best := 0
	if g.policy != PolicyQuality {
		return best
	}
	for i, m := range grp.members {
		if m.quality > grp.members[best].quality {
			best = i
		}
	}
	return best
}

// requalify sets a member's quality and re-runs the canonical policy on its group.
func (g *Grouper) requalify(segID string, q float64) {
	gid, ok := g.memberOf[segID]
	if !ok {
		return
	}
	grp := g.groups[gid]
	for i := range grp.members {
		if grp.members[i].id == segID {
			grp.members[i].quality = q
			break
		}
	}
	if best := g.elect(grp); best != grp.canonical {
		g.setCanonical(grp, best)
	}
}

// UpdateQuality records a new quality score for a grouped segment, which may
// change its group's canonical under PolicyQuality. Unknown ids are ignored.
func (g *Grouper) UpdateQuality(ctx context.Context, segID string, quality float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	gid, ok := g.memberOf[segID]
	if !ok {
		return nil
	}
	for _, m := range g.groups[gid].members {
		if m.id == segID && m.quality == quality {
			return nil
		}
	}
	if g.journal != nil {
		if err := g.journal.append(event{Op: opQuality, SegmentID: segID, Quality: quality}); err != nil {
			return err
		}
	}
	g.requalify(segID, quality)
	return nil
}

// SegmentIDs returns the ids of all grouped segments, sorted.
func (g *Grouper) SegmentIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.memberOf))
	for id := range g.memberOf {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Remove drops a segment from its group. Unknown ids are ignored.
func (g *Grouper) Remove(ctx context.Context, segID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.memberOf[segID]; !ok {
		return nil
	}
	if g.journal != nil {
		if err := g.journal.append(event{Op: opRemove, SegmentID: segID}); err != nil {
			return err
		}
	}
	g.leave(segID)
	return nil
}

// GroupOf returns the group of a segment.
func (g *Grouper) GroupOf(segID string) (uint64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	gid, ok := g.memberOf[segID]
	return gid, ok
}

// CanonicalOf returns the representative segment id of a group.
func (g *Grouper) CanonicalOf(gid uint64) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	grp, ok := g.groups[gid]
	if !ok {
		return "", &models.NotFoundError{Kind: "group", ID: fmt.Sprint(gid)}
	}
	return grp.canonicalMember().id, nil
}

// Members returns the segment ids of a group in join order.
func (g *Grouper) Members(gid uint64) ([]string, error) {
	grp, err := g.Group(gid)
	if err != nil {
		return nil, err
	}
	return grp.Members, nil
}

// Group returns a snapshot of one group.
func (g *Grouper) Group(gid uint64) (*models.DuplicateGroup, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	grp, ok := g.groups[gid]
	if !ok {
		return nil, &models.NotFoundError{Kind: "group", ID: fmt.Sprint(gid)}
	}
	return snapshot(grp), nil
}

func snapshot(grp *group) *models.DuplicateGroup {
	c := grp.canonicalMember()
	out := &models.DuplicateGroup{ID: grp.id, Canonical: c.id, Fingerprint: c.fingerprint, Members: make([]string, len(grp.members))}
	for i, m := range grp.members {
		out.Members[i] = m.id
	}
	return out
}

// Groups returns the number of groups.
func (g *Grouper) Groups() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.groups)
}

// Segments returns the number of grouped segments.
func (g *Grouper) Segments() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.memberOf)
}

// Duplicates lists groups with more than one member, ordered by group id.
func (g *Grouper) Duplicates() []*models.DuplicateGroup {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*models.DuplicateGroup
	for _, grp := range g.groups {
		if len(grp.members) > 1 {
			out = append(out, snapshot(grp))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Dedupe keeps the first id of each group, preserving order. Ungrouped ids are kept.
func (g *Grouper) Dedupe(ids []string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := make(map[uint64]struct{})
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		gid, ok := g.memberOf[id]
		if ok {
			if _, dup := seen[gid]; dup {
				continue
			}
			seen[gid] = struct{}{}
		}
		out = append(out, id)
	}
	return out
}

// Rebuild discards all groups and re-assigns segments in sequence order.
func (g *Grouper) Rebuild(ctx context.Context, segments iter.Seq2[*models.Segment, error]) (int, error) {
	g.mu.Lock()
	g.index = newBandIndex(g.bits, g.threshold)
	g.groups = make(map[uint64]*group)
	g.memberOf = make(map[string]uint64)
	g.nextID = 1
	var err error
	if g.journal != nil {
		err = g.journal.reset()
	}
	g.mu.Unlock()
	if err != nil {
		return 0, err
	}
	n := 0
	for seg, err := range segments {
		if err != nil {
			return n, err
		}
		if _, err := g.Assign(ctx, seg); err != nil {
			return n, err
		}
		n++
	}
	if g.logger != nil {
		g.logger.Info("duplicate groups rebuilt", zap.Int("segments", n), zap.Int("groups", g.Groups()))
	}
	return n, nil
}

func (g *Grouper) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.journal == nil {
		return nil
	}
	return g.journal.close()
}
