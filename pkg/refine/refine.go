// Package refine adjusts a crystal's reciprocal cell and detector shift so
// that its predicted reflections line up with the observed peaks.
package refine

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"xtalreduce/internal/models"
	"xtalreduce/pkg/cell"
	"xtalreduce/pkg/geometry"
	"xtalreduce/pkg/linalg"
	"xtalreduce/pkg/pairing"
)

var (
	ErrTooFewPairs     = errors.New("refine: too few paired peaks")
	ErrNoPositivePeaks = errors.New("refine: no paired peak has positive intensity")
	ErrSolveFailed     = errors.New("refine: failed to solve equations")
	ErrInvalidCell     = cell.ErrInvalidCell
)

// Options controls prediction refinement
type Options struct {
	// Cycles is the fixed number of Gauss-Newton cycles
	Cycles int

	// ExcitationWeight scales the excitation-error term, which is further
	// weighted by the normalised peak intensity
	ExcitationWeight float64

	// DetectorDamping and CellDamping are added to the diagonal of the normal
	// matrix for the detector-shift and cell parameters
	DetectorDamping float64
	CellDamping     float64

	// MinPairs is the fewest pairs refinement will work with
	MinPairs int

	// ProfileCutoff is passed to prediction and pairing. Zero means
	// geometry.DefaultProfileCutoff.
	ProfileCutoff float64
}

func (o Options) setup(cr *models.Crystal) geometry.Setup {
	return geometry.ForCrystal(cr).WithProfileCutoff(o.ProfileCutoff)
}

// DefaultOptions returns the standard refinement settings.
func DefaultOptions() Options {
	return Options{
		Cycles:           10,
		ExcitationWeight: 4e-20,
		DetectorDamping:  10,
		CellDamping:      1e-18,
		MinPairs:         10,
	}
}

// RefinePrediction refines the cell and detector shift of cr against the
// peaks on its image. Peaks are paired once and the pairing is kept for all
// cycles. On failure the crystal is left as it was.
func RefinePrediction(cr *models.Crystal, opts Options) error {
	pairs := pairing.Pair(cr, opts.ProfileCutoff)
	if len(pairs) < opts.MinPairs {
		return fmt.Errorf("%w: %d pairs, need %d", ErrTooFewPairs, len(pairs), opts.MinPairs)
	}
	if err := normaliseIntensities(pairs); err != nil {
		return err
	}

	orig := Capture(cr)
	for i := 0; i < opts.Cycles; i++ {
		s := opts.setup(cr)
		updatePredictions(s, pairs)
		if err := iterate(cr, s, pairs, opts); err != nil {
			_ = orig.Restore(cr)
			return fmt.Errorf("cycle %d: %w", i, err)
		}
	}

	s := opts.setup(cr)
	updatePredictions(s, pairs)
	cr.AddNote("predict_refine/final_residual = %e", Residual(pairs, s, opts.ExcitationWeight))

	if n := len(pairing.Pair(cr, opts.ProfileCutoff)); n < opts.MinPairs {
		_ = orig.Restore(cr)
		return fmt.Errorf("%w after refinement: %d pairs", ErrTooFewPairs, n)
	}
	return nil
}

// normaliseIntensities sets each pair's intensity relative to the strongest
// peak. Non-positive peaks get zero weight.
func normaliseIntensities(pairs []pairing.ReflPeak) error {
	maxI := math.Inf(-1)
	for _, rp := range pairs {
		maxI = math.Max(maxI, rp.Peak.Intensity)
	}
	if !(maxI > 0) {
		return ErrNoPositivePeaks
	}
	for i := range pairs {
		if I := pairs[i].Peak.Intensity; I > 0 {
			pairs[i].Intensity = I / maxI
		} else {
			pairs[i].Intensity = 0
		}
	}
	return nil
}

func updatePredictions(s geometry.Setup, pairs []pairing.ReflPeak) {
	for _, rp := range pairs {
		s.Update(rp.Refl)
	}
}

// iterate runs one damped Gauss-Newton cycle and applies the shifts to cr.
func iterate(cr *models.Crystal, s geometry.Setup, pairs []pairing.ReflPeak, opts Options) error {
	ne := linalg.NewNormalEquations(len(parameters))
	g := make([]float64, len(parameters))

	for _, rp := range pairs {
		d, ok := s.Derivatives(rp.Refl)
		if !ok {
			continue
		}
		exErr, dx, dy := Deviations(rp, s)
		weights := [3]float64{opts.ExcitationWeight * rp.Intensity, 1, 1}

		for _, t := range terms {
			for k, p := range parameters {
				g[k] = p.GradientOf(&d, t)
			}
			ne.Add(g, t.Select(exErr, dx, dy), weights[t])
		}
	}

	for k, p := range parameters {
		if p.Kind == DetX || p.Kind == DetY {
			ne.AddDiagonal(k, opts.DetectorDamping)
		} else {
			ne.AddDiagonal(k, opts.CellDamping)
		}
	}

	shifts, err := ne.Solve()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSolveFailed, err)
	}

	st := Capture(cr)
	applyShifts(&st, shifts)
	return st.Restore(cr)
}

// applyShifts adds each solved shift to its parameter. NaN shifts are applied
// as zero.
func applyShifts(st *State, shifts []float64) {
	for k, p := range parameters {
		shift := shifts[k]
		if math.IsNaN(shift) {
			shift = 0
		}
		p.Apply(st, shift)
	}
}

// Residual returns the weighted sum of squared residual terms over all pairs.
// The reflections must already have been updated for s.
func Residual(pairs []pairing.ReflPeak, s geometry.Setup, excitationWeight float64) float64 {
	var res float64
	for _, rp := range pairs {
		exErr, dx, dy := Deviations(rp, s)
		res += excitationWeight*rp.Intensity*exErr*exErr + dx*dx + dy*dy
	}
	return res
}

// RefineRadius sets the crystal's profile radius from the spread of excitation
// errors of its paired peaks, ignoring the worst two percent. Only
// opts.ProfileCutoff is used.
func RefineRadius(cr *models.Crystal, opts Options) error {
	pairs := pairing.Pair(cr, opts.ProfileCutoff)
	n := len(pairs)
	if n < 3 {
		return fmt.Errorf("%w: %d pairs, need 3", ErrTooFewPairs, n)
	}

	sort.Slice(pairs, func(i, j int) bool {
		return math.Abs(pairs[i].Refl.ExcitationError) < math.Abs(pairs[j].Refl.ExcitationError)
	})
	idx := (n - 1) - n/50
	if idx < 2 {
		idx = 2
	}
	cr.ProfileRadius = math.Abs(pairs[idx].Refl.ExcitationError)
	return nil
}
