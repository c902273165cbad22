// Package postrefine adjusts crystal orientations against merged intensities
// by minimising the partial-intensity residual.
package postrefine

import (
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/spatial/r3"

	"xtalreduce/internal/models"
	"xtalreduce/pkg/cell"
	"xtalreduce/pkg/geometry"
	"xtalreduce/pkg/reflist"
	"xtalreduce/pkg/workpool"
)

// ErrNoReflections is returned for a crystal with nothing to compare
var ErrNoReflections = errors.New("postrefine: no usable reflections")

// Options controls post-refinement
type Options struct {
	// MaxIterations caps the simplex iterations per crystal
	MaxIterations int

	// Step is the initial simplex size in radians
	Step float64

	// MinRedundancy is the fewest observations a reference reflection
	// needs before it is used
	MinRedundancy int

	// ProfileCutoff is used when predicting rotated crystals. Zero means
	// geometry.DefaultProfileCutoff.
	ProfileCutoff float64

	Workers int
	Verbose bool
	Logger  *log.Logger
}

// DefaultOptions returns the standard post-refinement settings.
func DefaultOptions() Options {
	return Options{
		MaxIterations: 30,
		Step:          0.01 * math.Pi / 180,
		MinRedundancy: 2,
	}
}

func (o Options) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.Default()
}

// Result describes the post-refinement of one crystal
type Result struct {
	Initial     float64
	Final       float64
	FreeInitial float64
	FreeFinal   float64
	Iterations  int

	// Angles are the applied rotations about x and y, in radians
	Angles [2]float64

	Applied bool
}

// Residual returns the weighted squared difference between the measured
// partial intensities of cr and those predicted from full, and the number of
// reflections used. free selects the held-out reflections.
func Residual(cr *models.Crystal, full *reflist.List, free bool, minRedundancy int) (float64, int) {
	var dev float64
	n := 0
	for _, r := range cr.Reflections.Sorted() {
		if r.Free != free {
			continue
		}
		match, ok := full.FindEquivalent(r.Miller)
		if !ok || match.Redundancy < minRedundancy {
			continue
		}
		if r.Intensity < 3*r.Sigma || r.Sigma <= 0 || r.Lorentz <= 0 {
			continue
		}

		s := cr.Cell.Resolution(r.H, r.K, r.L)
		fx := r.Partiality * math.Exp(-cr.Bfac*s*s) * match.Intensity / (cr.OSF * r.Lorentz)
		dc := r.Intensity - fx
		w := (s / 1e9) * (s / 1e9) / (r.Sigma * r.Sigma)
		dev += w * dc * dc
		n++
	}
	return dev, n
}

// rotateCell turns c by ang1 about x, then by ang2 about y.
func rotateCell(c *cell.UnitCell, ang1, ang2 float64) *cell.UnitCell {
	return c.Rotated(r3.NewRotation(ang1, r3.Vec{X: 1})).
		Rotated(r3.NewRotation(ang2, r3.Vec{Y: 1}))
}

// trial returns a copy of cr rotated by the given angles, with updated
// predictions and partialities.
func trial(cr *models.Crystal, ang1, ang2, profileCutoff float64) *models.Crystal {
	t := cr.Copy()
	t.Cell = rotateCell(cr.Cell, ang1, ang2)
	s := geometry.ForCrystal(t).WithProfileCutoff(profileCutoff)
	for _, r := range t.Reflections.Sorted() {
		s.Update(r)
	}
	return t
}

// Refine rotates cr about two axes perpendicular to the beam to minimise
// Residual. The rotation is kept only if it lowers the residual. A crystal
// whose residual cannot be improved is flagged.
func Refine(cr *models.Crystal, full *reflist.List, opts Options) (Result, error) {
	var res Result
	if cr.Reflections.Len() == 0 {
		return res, ErrNoReflections
	}

	start := trial(cr, 0, 0, opts.ProfileCutoff)
	initial, n := Residual(start, full, false, opts.MinRedundancy)
	if n == 0 {
		cr.Flag = models.FlagFewReflections
		return res, fmt.Errorf("%w: none match the reference", ErrNoReflections)
	}
	res.Initial = initial
	res.FreeInitial, _ = Residual(start, full, true, opts.MinRedundancy)
	if opts.Verbose {
		opts.logger().Printf("PR initial: dev = %10.5e, free dev = %10.5e", res.Initial, res.FreeInitial)
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			r, _ := Residual(trial(cr, x[0], x[1], opts.ProfileCutoff), full, false, opts.MinRedundancy)
			return r
		},
	}
	settings := &optimize.Settings{
		MajorIterations: opts.MaxIterations,
		Converger:       &optimize.FunctionConverge{Relative: 1e-6, Iterations: 10},
	}
	out, err := optimize.Minimize(problem, []float64{0, 0}, settings, &optimize.NelderMead{SimplexSize: opts.Step})
	if err != nil {
		return res, fmt.Errorf("minimising residual: %w", err)
	}
	res.Iterations = out.MajorIterations

	if math.IsNaN(out.F) || out.F >= initial {
		res.Final = initial
		res.FreeFinal = res.FreeInitial
		if !(out.F <= initial) {
			cr.Flag = models.FlagLowCC
		}
		return res, nil
	}

	refined := trial(cr, out.X[0], out.X[1], opts.ProfileCutoff)
	cr.Cell = refined.Cell
	cr.Reflections = refined.Reflections
	res.Angles = [2]float64{out.X[0], out.X[1]}
	res.Applied = true
	res.Final, _ = Residual(cr, full, false, opts.MinRedundancy)
	res.FreeFinal, _ = Residual(cr, full, true, opts.MinRedundancy)
	if opts.Verbose {
		opts.logger().Printf("PR final after %d iterations: dev = %10.5e, free dev = %10.5e",
			res.Iterations, res.Final, res.FreeFinal)
	}
	return res, nil
}

type outcome struct {
	res     Result
	err     error
	skipped bool
}

// RefineAll post-refines every unflagged crystal on a worker pool and returns
// the number whose orientation changed.
func RefineAll(crystals []*models.Crystal, full *reflist.List, opts Options) int {
	logger := opts.logger()
	refined, failed := 0, 0

	workpool.Run(len(crystals), workpool.Options{Workers: opts.Workers},
		func(i int) outcome {
			cr := crystals[i]
			if cr.Flag != models.FlagOK {
				return outcome{skipped: true}
			}
			res, err := Refine(cr, full, opts)
			return outcome{res: res, err: err}
		},
		func(i int, o outcome) {
			switch {
			case o.skipped:
			case o.err != nil:
				failed++
				logger.Printf("Post-refinement failed for crystal %d: %v", i, o.err)
			case o.res.Applied:
				refined++
			}
		})

	logger.Printf("Post-refined %s of %s crystals (%s failed)",
		humanize.Comma(int64(refined)), humanize.Comma(int64(len(crystals))), humanize.Comma(int64(failed)))
	return refined
}
