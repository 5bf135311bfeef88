package content

import (
	"encoding/binary"
	"slices"

	"golang.org/x/crypto/blake2b"
)

// SampleOffsets picks the spot-check offsets for an object. The first and last
// window are always included, the rest are derived from the seed, so a writer
// and an independent verifier agree on the set without coordinating.
//
// Offsets are sorted, unique and satisfy 0 <= off <= totalSize-window. An
// object no larger than window yields the single offset 0.
func SampleOffsets(totalSize int64, count int, window int64, seed Seed) []int64 {
	if count <= 0 {
		return []int64{}
	}
	if totalSize <= window {
		return []int64{0}
	}

	span := totalSize - window + 1
	want := max(2, count)
	if int64(want) > span {
		want = int(span)
	}

	set := map[int64]struct{}{
		0:                  {},
		totalSize - window: {},
	}
	var ctr [8]byte
	for i := uint64(0); len(set) < want; i++ {
		binary.BigEndian.PutUint64(ctr[:], i)
		h, _ := blake2b.New(8, nil)
		h.Write(seed[:])
		h.Write(ctr[:])
		v := binary.BigEndian.Uint64(h.Sum(nil))
		set[int64(v%uint64(span))] = struct{}{}
	}

	offsets := make([]int64, 0, len(set))
	for off := range set {
		offsets = append(offsets, off)
	}
	slices.Sort(offsets)
	if len(offsets) > count {
		offsets = offsets[:count]
	}
	return offsets
}
