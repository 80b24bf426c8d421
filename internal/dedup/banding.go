package dedup

import "github.com/hyperjump/clipdex/internal/models"

// band is a contiguous bit range of a fingerprint.
type band struct {
	shift uint
	mask  uint64
}

// makeBands splits a bits-wide fingerprint into threshold+1 contiguous bands.
// Two fingerprints within threshold differing bits leave at least one band
// untouched, so exact band lookups find every candidate.
func makeBands(bits, threshold int) []band {
	n := threshold + 1
	if n > bits {
		n = bits
	}
	bands := make([]band, 0, n)
	width, extra := bits/n, bits%n
	shift := 0
	for i := 0; i < n; i++ {
		w := width
		if i < extra {
			w++
		}
		var mask uint64
		if w >= 64 {
			mask = ^uint64(0)
		} else {
			mask = (uint64(1) << uint(w)) - 1
		}
		bands = append(bands, band{shift: uint(shift), mask: mask})
		shift += w
	}
	return bands
}

func (b band) value(fp models.Fingerprint) uint64 {
	return (uint64(fp) >> b.shift) & b.mask
}

// bandIndex maps each band value to the groups whose canonical carries it.
type bandIndex struct {
	bands   []band
	buckets []map[uint64][]uint64
}

func newBandIndex(bits, threshold int) *bandIndex {
	bands := makeBands(bits, threshold)
	idx := &bandIndex{bands: bands, buckets: make([]map[uint64][]uint64, len(bands))}
	for i := range idx.buckets {
		idx.buckets[i] = make(map[uint64][]uint64)
	}
	return idx
}

func (x *bandIndex) add(fp models.Fingerprint, gid uint64) {
	for i, b := range x.bands {
		v := b.value(fp)
		x.buckets[i][v] = append(x.buckets[i][v], gid)
	}
}

func (x *bandIndex) remove(fp models.Fingerprint, gid uint64) {
	for i, b := range x.bands {
		v := b.value(fp)
		ids := x.buckets[i][v]
		for j, id := range ids {
			if id == gid {
				ids = append(ids[:j], ids[j+1:]...)
				break
			}
		}
		if len(ids) == 0 {
			delete(x.buckets[i], v)
		} else {
			x.buckets[i][v] = ids
		}
	}
}

// candidates returns every group sharing at least one band value with fp.
func (x *bandIndex) candidates(fp models.Fingerprint) map[uint64]struct{} {
	out := make(map[uint64]struct{})
	for i, b := range x.bands {
		for _, gid := range x.buckets[i][b.value(fp)] {
			out[gid] = struct{}{}
		}
	}
	return out
}
