// Package scaling puts the intensities of many crystals on a common scale by
// refining an overall scale factor and B-factor per crystal.
package scaling

import (
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/dustin/go-humanize"

	"xtalreduce/internal/models"
	"xtalreduce/pkg/linalg"
	"xtalreduce/pkg/reflist"
	"xtalreduce/pkg/workpool"
)

// ErrTooFewReflections is returned when too few reflections can be compared
var ErrTooFewReflections = errors.New("scaling: not enough reflections")

// Merger produces the reference list of full intensities
type Merger interface {
	Merge(crystals []*models.Crystal) *reflist.List
}

// Options controls iterative scaling
type Options struct {
	// Workers is the size of the worker pool. Zero means one per CPU.
	Workers int

	// MaxCycles caps the per-crystal refinement cycles
	MaxCycles int

	// MaxIterations caps the merge-and-scale iterations
	MaxIterations int

	// Tolerance is the fractional residual change treated as converged
	Tolerance float64

	// MinRedundancy is the fewest observations a reference reflection
	// needs before it is used
	MinRedundancy int

	Logger   *log.Logger
	Progress workpool.ProgressCallback
}

// DefaultOptions returns the standard scaling settings.
func DefaultOptions() Options {
	return Options{
		MaxCycles:     10,
		MaxIterations: 10,
		Tolerance:     0.01,
		MinRedundancy: 2,
	}
}

func (o Options) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.Default()
}

// Summary describes one ScaleAll run
type Summary struct {
	Iterations  int
	Residual    float64
	Crystals    int
	Reflections int64
	MeanB       float64
	Converged   bool
}

// observation is one reflection usable for the log-space fit
type observation struct {
	s2       float64 // squared resolution
	logI     float64
	logPL    float64 // log(p) - log(L)
	logIFull float64
}

// observations collects the reflections of cr that can be compared with
// the reference. free selects the held-out reflections instead of the
// working set.
func observations(cr *models.Crystal, full *reflist.List, free bool, minRedundancy int) []observation {
	var obs []observation
	for _, r := range cr.Reflections.Sorted() {
		if r.Free != free {
			continue
		}
		match, ok := full.FindEquivalent(r.Miller)
		if !ok {
			continue
		}
		if r.Intensity <= 3*r.Sigma {
			continue
		}
		if match.Redundancy < minRedundancy || match.Intensity <= 0 {
			continue
		}
		if r.Partiality <= 0 || r.Lorentz <= 0 {
			continue
		}
		s := cr.Cell.Resolution(r.H, r.K, r.L)
		obs = append(obs, observation{
			s2:       s * s,
			logI:     math.Log(r.Intensity),
			logPL:    math.Log(r.Partiality) - math.Log(r.Lorentz),
			logIFull: math.Log(match.Intensity),
		})
	}
	return obs
}

// model returns the predicted log partial intensity.
func (o observation) model(G, B float64) float64 {
	return -math.Log(G) + o.logPL - B*o.s2 + o.logIFull
}

// LogResidual returns the summed squared log-intensity residual of cr
// against full, and the number of reflections used.
func LogResidual(cr *models.Crystal, full *reflist.List, free bool, minRedundancy int) (float64, int) {
	obs := observations(cr, full, free, minRedundancy)
	var dev float64
	for _, o := range obs {
		d := o.logI - o.model(cr.OSF, cr.Bfac)
		dev += d * d
	}
	return dev, len(obs)
}

// TotalLogResidual sums LogResidual over the unflagged crystals, skipping
// any which give NaN. It also returns the number of crystals included.
func TotalLogResidual(crystals []*models.Crystal, full *reflist.List, minRedundancy int) (float64, int) {
	var total float64
	n := 0
	for _, cr := range crystals {
		if cr.Flag != models.FlagOK {
			continue
		}
		r, _ := LogResidual(cr, full, false, minRedundancy)
		if math.IsNaN(r) {
			continue
		}
		total += r
		n++
	}
	return total, n
}

// iterate runs one cycle of scale refinement of cr against full and returns
// the number of reflections used. Failures flag the crystal.
func iterate(cr *models.Crystal, full *reflist.List, minRedundancy int) int {
	obs := observations(cr, full, false, minRedundancy)
	if len(obs) < 2 {
		cr.Flag = models.FlagFewReflections
		return len(obs)
	}

	ne := linalg.NewNormalEquations(2)
	for _, o := range obs {
		// Parameters are -log(G) and B.
		ne.Add([]float64{1, -o.s2}, o.model(cr.OSF, cr.Bfac)-o.logI, 1)
	}
	shifts, err := ne.Solve()
	if err != nil {
		cr.Flag = models.FlagSolveFailed
		return len(obs)
	}

	t := -math.Log(cr.OSF) + shifts[0]
	cr.OSF = math.Exp(-t)
	cr.Bfac += shifts[1]
	return len(obs)
}

// ScaleCrystal refines the scale factor and B-factor of one crystal against
// full until the residual settles or the cycle cap is reached. It returns
// the number of reflections used in the last cycle.
func ScaleCrystal(cr *models.Crystal, full *reflist.List, opts Options) int {
	old, _ := LogResidual(cr, full, false, opts.MinRedundancy)
	nref := 0
	for i := 0; i < opts.MaxCycles; i++ {
		nref = iterate(cr, full, opts.MinRedundancy)
		if cr.Flag != models.FlagOK {
			break
		}
		dev, _ := LogResidual(cr, full, false, opts.MinRedundancy)
		if math.Abs(dev-old) < dev*opts.Tolerance {
			break
		}
		old = dev
	}
	return nref
}

// ScaleAll alternates merging and per-crystal scaling until the total log
// residual settles. Reaching the iteration cap is logged and is not an error.
func ScaleAll(crystals []*models.Crystal, merger Merger, opts Options) Summary {
	logger := opts.logger()
	var sum Summary
	if len(crystals) == 0 {
		return sum
	}

	newRes := math.Inf(1)
	for {
		full := merger.Merge(crystals)
		oldRes := newRes
		before, _ := TotalLogResidual(crystals, full, opts.MinRedundancy)

		var nref int64
		workpool.Run(len(crystals), workpool.Options{Workers: opts.Workers, Progress: opts.Progress},
			func(i int) int {
				cr := crystals[i]
				if cr.Flag != models.FlagOK {
					return 0
				}
				return ScaleCrystal(cr, full, opts)
			},
			func(_ int, n int) { nref += int64(n) })
		logger.Printf("%s reflections went into the scaling.", humanize.Comma(nref))

		var ninc int
		newRes, ninc = TotalLogResidual(crystals, full, opts.MinRedundancy)
		logger.Printf("Log residual went from %e to %e, %d crystals", before, newRes, ninc)

		meanB := 0.0
		for _, cr := range crystals {
			meanB += cr.Bfac
		}
		meanB /= float64(len(crystals))
		logger.Printf("Mean B = %e", meanB)

		sum.Iterations++
		sum.Residual = newRes
		sum.Crystals = ninc
		sum.Reflections = nref
		sum.MeanB = meanB

		if newRes == oldRes || math.Abs(newRes-oldRes) < opts.Tolerance*oldRes {
			sum.Converged = true
			break
		}
		if sum.Iterations >= opts.MaxIterations {
			logger.Printf("Scaling did not converge after %d iterations, giving up", sum.Iterations)
			break
		}
	}
	return sum
}

// LinearScale returns G such that list1 ≈ G·(I2/p2), fitted with weight p2
// and no intercept. Each reflection of list2 is matched with its equivalent
// in list1.
func LinearScale(list1, list2 *reflist.List) (float64, error) {
	var x, y, w []float64
	for _, r2 := range list2.Sorted() {
		r1, ok := list1.FindEquivalent(r2.Miller)
		if !ok {
			continue
		}
		i1, i2, p := r1.Intensity, r2.Intensity, r2.Partiality
		// Negated comparisons also reject NaN.
		if !(i1 > 0) || !(i2 > 0) || !(p > 0) {
			continue
		}
		if math.IsInf(i1, 0) || math.IsInf(i2, 0) {
			continue
		}
		x = append(x, i2/p)
		y = append(y, i1)
		w = append(w, p)
	}
	if len(x) < 2 {
		return 0, fmt.Errorf("%w: %d pairs of %d", ErrTooFewReflections, len(x), list2.Len())
	}
	return linalg.RegressThroughOrigin(x, y, w)
}

// ScaleAllToReference sets each crystal's scale factor directly against a
// reference list and resets its B-factor. Crystals which cannot be scaled
// are logged and left alone. It returns the number scaled.
func ScaleAllToReference(crystals []*models.Crystal, reference *reflist.List, logger *log.Logger) int {
	if logger == nil {
		logger = log.Default()
	}
	n := 0
	for i, cr := range crystals {
		G, err := LinearScale(reference, cr.Reflections)
		if err != nil {
			logger.Printf("Scaling failed for crystal %d: %v", i, err)
			continue
		}
		cr.OSF = G
		cr.Bfac = 0
		n++
	}
	return n
}
