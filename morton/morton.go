// Package morton implements bit-interleaved (Z-order) encoding between
// vec3.Vec3 and a 64-bit linear index, plus a range iterator that walks the
// intersection of a query box with a power-of-two cube in ascending Morton
// order.
package morton

import (
	"math/bits"

	"github.com/wkwfs/wkw/vec3"
)

// MaxCoordBits is the number of low bits of each coordinate that spread
// interleaves; coordinates must be smaller than 1<<MaxCoordBits for the
// Encode/Decode bijection to hold.
const MaxCoordBits = 21

// spread interleaves the low 21 bits of v into every third bit, halving the
// group size at each step: shifts 32 and 16 split off the high groups, then
// nibbles (shift 8), bit pairs (shift 4) and single bits (shift 2).
// unshuffle applies the same mask sequence in reverse, so the two are
// exact inverses for any 21-bit-range input.
func spread(v uint64) uint64 {
	z := v & 0x00000000001fffff
	z = (z | (z << 32)) & 0x001f00000000ffff
	z = (z | (z << 16)) & 0x001f0000ff0000ff
	z = (z | (z << 8)) & 0x100f00f00f00f00f
	z = (z | (z << 4)) & 0x10c30c30c30c30c3
	z = (z | (z << 2)) & 0x1249249249249249
	return z
}

func unshuffle(z uint64) uint64 {
	v := z & 0x1249249249249249
	v = (v ^ (v >> 2)) & 0x10c30c30c30c30c3
	v = (v ^ (v >> 4)) & 0x100f00f00f00f00f
	v = (v ^ (v >> 8)) & 0x001f0000ff0000ff
	v = (v ^ (v >> 16)) & 0x001f00000000ffff
	v = (v ^ (v >> 32)) & 0x00000000001fffff
	return v
}

// Encode interleaves the low 21 bits of each coordinate of v into every
// third bit of the returned index.
func Encode(v vec3.Vec3) uint64 {
	return spread(uint64(v.X))<<0 | spread(uint64(v.Y))<<1 | spread(uint64(v.Z))<<2
}

// Decode inverts Encode.
func Decode(idx uint64) vec3.Vec3 {
	return vec3.Vec3{
		X: uint32(unshuffle(idx >> 0)),
		Y: uint32(unshuffle(idx >> 1)),
		Z: uint32(unshuffle(idx >> 2)),
	}
}

func minUint(a, b uint) uint {
	if a < b {
		return a
	}
	return b
}

// RangeIterator enumerates, in ascending Morton index, every linear index
// in [0, 2^(3*log2)) whose unit cell (decoded to a Vec3) overlaps query. It
// does so by repeatedly finding the largest power-of-two-aligned sub-cube
// starting at the current index and deciding whether it lies wholly inside
// query, is wholly disjoint from it, or must be subdivided further.
type RangeIterator struct {
	log2  uint
	query vec3.Box3

	cur  uint64
	end  uint64 // exclusive, run end for a maximal aligned sub-cube currently being emitted
	done bool
}

// NewRangeIterator constructs an iterator over the cube [0, 2^log2)^3,
// restricted to the cells overlapping query. query is expected to already
// be clamped to that cube; passing a larger box simply yields no indices
// outside it.
func NewRangeIterator(log2 uint, query vec3.Box3) *RangeIterator {
	return &RangeIterator{log2: log2, query: query}
}

// subcubeClass classifies the maximal aligned sub-cube of side 2^level
// starting at idx against the query box: -1 disjoint, 0 partial, 1 fully
// contained.
func (it *RangeIterator) subcubeClass(idx uint64, level uint) int {
	min := Decode(idx)
	side := uint32(1) << level
	max := vec3.Vec3{X: min.X + side, Y: min.Y + side, Z: min.Z + side}
	sub := vec3.Box3{Min: min, Max: max}

	inter := sub.Intersect(it.query)
	if inter.IsEmpty() {
		return -1
	}
	if inter.Min == sub.Min && inter.Max == sub.Max {
		return 1
	}
	return 0
}

// Next returns the next Morton index and true, or (0, false) when
// exhausted.
func (it *RangeIterator) Next() (uint64, bool) {
	for {
		if it.cur < it.end {
			v := it.cur
			it.cur++
			return v, true
		}
		if it.done {
			return 0, false
		}

		total := uint64(1) << (3 * it.log2)
		if it.cur >= total {
			it.done = true
			return 0, false
		}

		// Find the largest aligned sub-cube starting at cur, bounded by
		// log2, that is either wholly inside or wholly outside query;
		// shrink one level at a time until that holds (a single cell
		// always resolves, since it can't be "partially" overlapped).
		// bits.TrailingZeros64 returns 64 for cur == 0: index zero is
		// "infinitely" aligned, so the bound is log2 alone there.
		level := minUint(it.log2, uint(bits.TrailingZeros64(it.cur))/3)
		for it.subcubeClass(it.cur, level) == 0 {
			level--
		}

		step := uint64(1) << (3 * level)
		if it.subcubeClass(it.cur, level) == 1 {
			it.end = it.cur + step
		} else {
			// Disjoint: skip the whole sub-cube without emitting.
			it.cur += step
			it.end = it.cur
		}
	}
}

// Collect drains the iterator into a slice. Intended for tests and small
// ranges; production callers should use Next in a loop to avoid the
// allocation.
func (it *RangeIterator) Collect() []uint64 {
	var out []uint64
	for {
		v, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}
