package vector

import "github.com/hyperjump/clipdex/pkg/utils"

// residentTier holds normalized vectors in memory. Implementations are not
// safe for concurrent use; TieredIndex serializes access.
type residentTier interface {
	add(id string, vec []float32)
	remove(id string) bool
	has(id string) bool
	// search offers matching entries to acc. Scores are exact inner products.
	search(query []float32, filter Filter, acc *topK)
	appendIDs(dst []string) []string
	len() int
}

// flatTier is a brute-force exact scan over every resident vector.
type flatTier struct {
	ids     []string
	vectors [][]float32
	pos     map[string]int
}

func newFlatTier() *flatTier {
	return &flatTier{pos: make(map[string]int)}
}

func (f *flatTier) add(id string, vec []float32) {
	f.pos[id] = len(f.ids)
	f.ids = append(f.ids, id)
	f.vectors = append(f.vectors, vec)
}

// remove swaps the last entry into the freed slot. Query order never depends on slot order.
func (f *flatTier) remove(id string) bool {
	i, ok := f.pos[id]
	if !ok {
		return false
	}
	last := len(f.ids) - 1
	if i != last {
		f.ids[i] = f.ids[last]
		f.vectors[i] = f.vectors[last]
		f.pos[f.ids[i]] = i
	}
	f.ids = f.ids[:last]
	f.vectors[last] = nil
	f.vectors = f.vectors[:last]
	delete(f.pos, id)
	return true
}

func (f *flatTier) has(id string) bool {
	_, ok := f.pos[id]
	return ok
}

func (f *flatTier) search(query []float32, filter Filter, acc *topK) {
	for i, vec := range f.vectors {
		if !filter.allows(f.ids[i]) {
			continue
		}
		acc.offer(f.ids[i], utils.Dot(query, vec))
	}
}

func (f *flatTier) appendIDs(dst []string) []string {
	return append(dst, f.ids...)
}

func (f *flatTier) len() int {
	return len(f.ids)
}
