// Package pairing matches observed peaks to the reflections a crystal model
// predicts for them.
package pairing

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"xtalreduce/internal/models"
	"xtalreduce/pkg/geometry"
	"xtalreduce/pkg/reflist"
)

// maxIndex bounds the Miller indices considered for a peak
const maxIndex = 512

// outlierFloor is the constant term of the outlier trend line, in m^-1
const outlierFloor = 0.001e9

// ReflPeak links a predicted reflection to the peak it was paired with.
type ReflPeak struct {
	Refl  *reflist.Reflection
	Peak  *models.ImageFeature
	Panel int

	// Intensity is the peak intensity relative to the strongest paired peak
	Intensity float64
}

// Pair matches the peaks of the crystal's image to predicted reflections and
// removes likely mispairings. A non-positive profileCutoff means
// geometry.DefaultProfileCutoff.
func Pair(cr *models.Crystal, profileCutoff float64) []ReflPeak {
	s := geometry.ForCrystal(cr).WithProfileCutoff(profileCutoff)
	pairs := match(s, candidates(s, cr.Image.Features))
	return CutOutliers(pairs)
}

// candidates assigns the nearest Miller indices to each peak and creates a
// provisional reflection on the peak's panel.
func candidates(s geometry.Setup, feats []models.ImageFeature) []ReflPeak {
	a, b, c := s.Cell.Cartesian()
	pairs := make([]ReflPeak, 0, len(feats))

	for i := range feats {
		f := &feats[i]
		q := s.ObservedQ(f.Panel, f.FS, f.SS)
		m := reflist.Miller{
			H: int(math.RoundToEven(r3.Dot(q, a))),
			K: int(math.RoundToEven(r3.Dot(q, b))),
			L: int(math.RoundToEven(r3.Dot(q, c))),
		}
		if m.IsOrigin() {
			continue
		}
		if abs(m.H) >= maxIndex || abs(m.K) >= maxIndex || abs(m.L) >= maxIndex {
			continue
		}

		pairs = append(pairs, ReflPeak{
			Refl:  &reflist.Reflection{Miller: m, Panel: f.Panel, Lorentz: 1},
			Peak:  f,
			Panel: f.Panel,
		})
	}
	return pairs
}

// match predicts every candidate and keeps those whose prediction lies within
// a third of the shortest reciprocal spacing of the observation.
func match(s geometry.Setup, pairs []ReflPeak) []ReflPeak {
	limit := s.Cell.ShortestSpacing() / 3
	kept := pairs[:0]
	for _, rp := range pairs {
		if !s.Update(rp.Refl) {
			continue
		}
		qp := s.ObservedQ(rp.Panel, rp.Refl.FS, rp.Refl.SS)
		qo := s.ObservedQ(rp.Panel, rp.Peak.FS, rp.Peak.SS)
		if r3.Norm(r3.Sub(qp, qo)) < limit {
			kept = append(kept, rp)
		}
	}
	return kept
}

// CutOutliers sorts pairs by excitation error magnitude and truncates the
// list at the point after which no later pair returns below the linear trend
// through the earlier ones.
func CutOutliers(pairs []ReflPeak) []ReflPeak {
	n := len(pairs)
	if n < 3 {
		return pairs
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return math.Abs(pairs[i].Refl.ExcitationError) < math.Abs(pairs[j].Refl.ExcitationError)
	})

	for i := 1; i < n-1; i++ {
		grad := math.Abs(pairs[i].Refl.ExcitationError) / float64(i)
		transition := true
		for j := i + 1; j < n; j++ {
			if math.Abs(pairs[j].Refl.ExcitationError) < outlierFloor+grad*float64(j) {
				transition = false
				break
			}
		}
		if transition {
			return pairs[:i]
		}
	}
	return pairs
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
