package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlatTier_AddSearch(t *testing.T) {
	tier := newFlatTier()
	tier.add("a", []float32{1, 0, 0})
	tier.add("b", []float32{0.8, 0.6, 0})
	tier.add("c", []float32{0, 1, 0})
	require.Equal(t, 3, tier.len())

	acc := newTopK(2)
	tier.search([]float32{1, 0, 0}, nil, acc)
	res := acc.results()
	require.Len(t, res, 2)
	assert.Equal(t, "a", res[0].ID)
	assert.Equal(t, "b", res[1].ID)
	assert.InDelta(t, 0.8, res[1].Score, 1e-6)
}

func TestFlatTier_RemoveKeepsPositions(t *testing.T) {
	tier := newFlatTier()
	for _, id := range []string{"a", "b", "c", "d"} {
		tier.add(id, []float32{1, 0})
	}
	assert.True(t, tier.remove("b"))
	assert.False(t, tier.remove("b"))
	assert.True(t, tier.remove("d"))
	assert.Equal(t, 2, tier.len())
	assert.True(t, tier.has("a"))
	assert.True(t, tier.has("c"))
	assert.False(t, tier.has("d"))

	// The swapped-in entry must still be removable by id.
	assert.True(t, tier.remove("c"))
	assert.Equal(t, 1, tier.len())
}

func TestFlatTier_Filter(t *testing.T) {
	tier := newFlatTier()
	tier.add("keep", []float32{0, 1})
	tier.add("drop", []float32{1, 0})
	acc := newTopK(5)
	tier.search([]float32{1, 0}, func(id string) bool { return id != "drop" }, acc)
	res := acc.results()
	require.Len(t, res, 1)
	assert.Equal(t, "keep", res[0].ID)
}

func TestTopK_TieBreakByID(t *testing.T) {
	acc := newTopK(3)
	for _, id := range []string{"d", "b", "a", "c"} {
		acc.offer(id, 0.5)
	}
	acc.offer("z", 0.9)
	res := acc.results()
	require.Len(t, res, 3)
	assert.Equal(t, []string{"z", "a", "b"}, []string{res[0].ID, res[1].ID, res[2].ID})
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{2, 0}, []float32{5, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 3}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 0}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
}
