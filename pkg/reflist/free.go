package reflist

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// freeBuckets is the resolution of the free-set fraction.
const freeBuckets = 1 << 20

// IsFree reports whether m belongs to the validation set for the given
// fraction. The choice depends only on the indices, so every crystal agrees
// on which reflections are held out.
func IsFree(m Miller, fraction float64) bool {
	if fraction <= 0 {
		return false
	}
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:], uint32(int32(m.H)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(int32(m.K)))
	binary.LittleEndian.PutUint32(buf[8:], uint32(int32(m.L)))
	return float64(xxh3.Hash(buf[:])%freeBuckets) < fraction*freeBuckets
}

// FlagFree sets the Free flag on each reflection according to IsFree of its
// representative indices, so that symmetry mates are held out together, and
// returns how many were flagged.
func FlagFree(l *List, fraction float64) int {
	n := 0
	for _, r := range l.refls {
		r.Free = IsFree(l.Representative(r.Miller), fraction)
		if r.Free {
			n++
		}
	}
	return n
}
