package vector

import (
	"math/rand/v2"

	"github.com/hyperjump/clipdex/pkg/utils"
)

// lshTier buckets vectors by the sign pattern of random hyperplane projections
// across several independent tables. Candidates from the query's buckets are
// rescored exactly; when fewer than k candidates pass the filter the whole tier
// is scanned instead.
type lshTier struct {
	dims    int
	planes  [][][]float32 // [table][plane][dim]
	buckets []map[uint64][]string
	vectors map[string][]float32
}

func newLSHTier(dims, planes, tables int, seed uint64) *lshTier {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	t := &lshTier{
		dims:    dims,
		planes:  make([][][]float32, tables),
		buckets: make([]map[uint64][]string, tables),
		vectors: make(map[string][]float32),
	}
	for ti := range t.planes {
		t.planes[ti] = make([][]float32, planes)
		for p := range t.planes[ti] {
			h := make([]float32, dims)
			for d := range h {
				h[d] = float32(rng.NormFloat64())
			}
			t.planes[ti][p] = h
		}
		t.buckets[ti] = make(map[uint64][]string)
	}
	return t
}

func (t *lshTier) key(table int, vec []float32) uint64 {
	var k uint64
	for p, h := range t.planes[table] {
		if utils.Dot(h, vec) >= 0 {
			k |= 1 << uint(p)
		}
	}
	return k
}

func (t *lshTier) add(id string, vec []float32) {
	t.vectors[id] = vec
	for ti := range t.buckets {
		k := t.key(ti, vec)
		t.buckets[ti][k] = append(t.buckets[ti][k], id)
	}
}

func (t *lshTier) remove(id string) bool {
	vec, ok := t.vectors[id]
	if !ok {
		return false
	}
	for ti := range t.buckets {
		k := t.key(ti, vec)
		bucket := t.buckets[ti][k]
		for i, other := range bucket {
			if other == id {
				bucket[i] = bucket[len(bucket)-1]
				bucket = bucket[:len(bucket)-1]
				break
			}
		}
		if len(bucket) == 0 {
			delete(t.buckets[ti], k)
		} else {
			t.buckets[ti][k] = bucket
		}
	}
	delete(t.vectors, id)
	return true
}

func (t *lshTier) has(id string) bool {
	_, ok := t.vectors[id]
	return ok
}

func (t *lshTier) search(query []float32, filter Filter, acc *topK) {
	seen := make(map[string]struct{})
	for ti := range t.buckets {
		for _, id := range t.buckets[ti][t.key(ti, query)] {
			if _, dup := seen[id]; dup || !filter.allows(id) {
				continue
			}
			seen[id] = struct{}{}
		}
	}
	if len(seen) < acc.k {
		for id, vec := range t.vectors {
			if filter.allows(id) {
				acc.offer(id, utils.Dot(query, vec))
			}
		}
		return
	}
	for id := range seen {
		acc.offer(id, utils.Dot(query, t.vectors[id]))
	}
}

func (t *lshTier) appendIDs(dst []string) []string {
	for id := range t.vectors {
		dst = append(dst, id)
	}
	return dst
}

func (t *lshTier) len() int {
	return len(t.vectors)
}
