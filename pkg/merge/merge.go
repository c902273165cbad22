// Package merge combines the partial intensities of many crystals into one
// list of full intensities.
package merge

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"xtalreduce/internal/models"
	"xtalreduce/pkg/reflist"
	"xtalreduce/pkg/symmetry"
)

// DefaultMinPartiality is the smallest partiality merged by default. Weaker
// partials are dominated by errors in the partiality model.
const DefaultMinPartiality = 0.1

// Mean merges by averaging the scaled, partiality-corrected observations of
// each reflection
type Mean struct {
	MinPartiality float64

	// Symmetry groups equivalent reflections. Nil merges only identical
	// indices.
	Symmetry *symmetry.PointGroup
}

// Merge returns the merged reference list, keyed by the representative
// indices of the point group. Flagged crystals are skipped. The crystals are
// only read.
func (m Mean) Merge(crystals []*models.Crystal) *reflist.List {
	obs := make(map[reflist.Miller][]float64)
	for _, cr := range crystals {
		if cr.Flag != models.FlagOK || cr.Reflections == nil {
			continue
		}
		for _, r := range cr.Reflections.Sorted() {
			if v, ok := m.fullIntensity(cr, r); ok {
				hkl := m.Symmetry.Asymmetric(r.Miller)
				obs[hkl] = append(obs[hkl], v)
			}
		}
	}

	out := reflist.New()
	if m.Symmetry != nil {
		out.SetSymmetry(m.Symmetry)
	}
	for hkl, vals := range obs {
		r := out.Add(hkl)
		r.Redundancy = len(vals)
		if len(vals) == 1 {
			r.Intensity = vals[0]
			continue
		}
		mean, std := stat.MeanStdDev(vals, nil)
		r.Intensity = mean
		r.Sigma = std / math.Sqrt(float64(len(vals)))
	}
	return out
}

// fullIntensity undoes the crystal's scale, B-factor, Lorentz factor and
// partiality for one observation.
func (m Mean) fullIntensity(cr *models.Crystal, r *reflist.Reflection) (float64, bool) {
	p := r.Partiality
	if p <= 0 || p < m.MinPartiality || r.Lorentz <= 0 {
		return 0, false
	}
	s := cr.Cell.Resolution(r.H, r.K, r.L)
	v := r.Intensity * cr.OSF * r.Lorentz * math.Exp(cr.Bfac*s*s) / p
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
