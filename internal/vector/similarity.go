package vector

import (
	"container/heap"
	"math"

	"github.com/hyperjump/clipdex/pkg/utils"
)

// CosineSimilarity returns the cosine of the angle between a and b.
// Returns 0 for mismatched lengths or zero vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na, nb := utils.Dot(a, a), utils.Dot(b, b)
	if na == 0 || nb == 0 {
		return 0
	}
	return utils.Dot(a, b) / (math.Sqrt(na) * math.Sqrt(nb))
}

// better reports whether a ranks ahead of b: higher score first, then lower id.
func better(a, b *VectorResult) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}

// resultHeap keeps the worst retained hit at the root.
type resultHeap []*VectorResult

func (h resultHeap) Len() int           { return len(h) }
func (h resultHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h resultHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x any)        { *h = append(*h, x.(*VectorResult)) }
func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topK accumulates the best k hits seen so far.
type topK struct {
	k int
	h resultHeap
}

func newTopK(k int) *topK {
	return &topK{k: k, h: make(resultHeap, 0, k)}
}

func (t *topK) offer(id string, score float64) {
	if t.k <= 0 {
		return
	}
	r := &VectorResult{ID: id, Score: score}
	if len(t.h) < t.k {
		heap.Push(&t.h, r)
		return
	}
	if better(r, t.h[0]) {
		t.h[0] = r
		heap.Fix(&t.h, 0)
	}
}

// results drains the accumulator best-first.
func (t *topK) results() []*VectorResult {
	out := make([]*VectorResult, len(t.h))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&t.h).(*VectorResult)
	}
	return out
}
