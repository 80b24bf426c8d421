package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/clipdex/internal/models"
	"github.com/hyperjump/clipdex/pkg/utils"
)

// TieredIndex keeps up to memoryBudget live entries in a resident tier and the
// rest as offsets into the vector log. Queries merge the resident hits with an
// exact scan of spilled entries before truncating to k.
type TieredIndex struct {
	mu           sync.RWMutex
	dims         int
	memoryBudget int
	resident     residentTier
	spilled      map[string]int64
	log          *vectorLog
	logger       *zap.Logger
}

func newTieredIndex(dims int, tier residentTier, o *options) (*TieredIndex, error) {
	log, err := openVectorLog(o.logPath, dims)
	if err != nil {
		return nil, err
	}
	idx := &TieredIndex{
		dims:         dims,
		memoryBudget: o.memoryBudget,
		resident:     tier,
		spilled:      make(map[string]int64),
		log:          log,
		logger:       o.logger,
	}
	n, err := log.replay(idx.apply)
	if err != nil {
		log.close()
		return nil, fmt.Errorf("replay vector log: %w", err)
	}
	if idx.logger != nil && n > 0 {
		idx.logger.Info("vector log replayed",
			zap.String("path", log.path),
			zap.Int("records", n),
			zap.Int("resident", idx.resident.len()),
			zap.Int("spilled", len(idx.spilled)))
	}
	return idx, nil
}

func (x *TieredIndex) apply(e logEntry) {
	switch e.op {
	case opInsert:
		if x.containsLocked(e.id) {
			return
		}
		x.place(e.id, e.vector, e.offset)
	case opRemove:
		x.removeLocked(e.id)
	}
}

// place puts a new entry in the resident tier while it has room, otherwise spills it.
func (x *TieredIndex) place(id string, vec []float32, offset int64) {
	if x.memoryBudget <= 0 || x.resident.len() < x.memoryBudget {
		x.resident.add(id, vec)
		return
	}
	if len(x.spilled) == 0 && x.logger != nil {
		x.logger.Info("vector index memory budget reached, spilling to log",
			zap.Int("memory_budget", x.memoryBudget))
	}
	x.spilled[id] = offset
}

func (x *TieredIndex) containsLocked(id string) bool {
	if x.resident.has(id) {
		return true
	}
	_, ok := x.spilled[id]
	return ok
}

func (x *TieredIndex) removeLocked(id string) bool {
	if x.resident.remove(id) {
		return true
	}
	if _, ok := x.spilled[id]; ok {
		delete(x.spilled, id)
		return true
	}
	return false
}

// Insert normalizes and records the embedding. A present id is left untouched.
func (x *TieredIndex) Insert(ctx context.Context, id string, embedding []float32) error {
	if len(embedding) != x.dims {
		return &models.DimensionMismatchError{Got: len(embedding), Want: x.dims}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	vec := utils.Normalized(embedding)

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.containsLocked(id) {
		return nil
	}
	offset, err := x.log.appendInsert(id, vec)
	if err != nil {
		return err
	}
	x.place(id, vec, offset)
	return nil
}

type spillRef struct {
	id     string
	offset int64
}

// Query returns up to k hits by descending cosine similarity.
func (x *TieredIndex) Query(ctx context.Context, embedding []float32, k int, filter Filter) ([]*VectorResult, error) {
	if len(embedding) != x.dims {
		return nil, &models.DimensionMismatchError{Got: len(embedding), Want: x.dims}
	}
	if k <= 0 {
		return nil, nil
	}
	query := utils.Normalized(embedding)
	acc := newTopK(k)

	x.mu.RLock()
	x.resident.search(query, filter, acc)
	refs := make([]spillRef, 0, len(x.spilled))
	for id, off := range x.spilled {
		if filter.allows(id) {
			refs = append(refs, spillRef{id: id, offset: off})
		}
	}
	x.mu.RUnlock()

	if len(refs) > 0 {
		// Read the log sequentially.
		sort.Slice(refs, func(i, j int) bool { return refs[i].offset < refs[j].offset })
		buf := make([]byte, x.dims*4)
		for i, ref := range refs {
			if i%1024 == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			vec, err := x.log.readVector(ref.offset, buf)
			if err != nil {
				return nil, err
			}
			acc.offer(ref.id, utils.Dot(query, vec))
		}
	}
	return acc.results(), nil
}

// Remove deletes the entry and records a tombstone. Unknown ids are ignored.
func (x *TieredIndex) Remove(ctx context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.containsLocked(id) {
		return nil
	}
	if err := x.log.appendRemove(id); err != nil {
		return err
	}
	x.removeLocked(id)
	return nil
}

func (x *TieredIndex) Contains(id string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.containsLocked(id)
}

func (x *TieredIndex) IDs() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ids := x.resident.appendIDs(make([]string, 0, x.resident.len()+len(x.spilled)))
	for id := range x.spilled {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Size returns the number of live entries across both tiers.
func (x *TieredIndex) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.resident.len() + len(x.spilled)
}

func (x *TieredIndex) Spilled() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.spilled)
}

func (x *TieredIndex) Dimensions() int {
	return x.dims
}

func (x *TieredIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.log.close()
}
