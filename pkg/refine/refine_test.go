package refine

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"xtalreduce/internal/models"
	"xtalreduce/pkg/geometry"
	"xtalreduce/pkg/pairing"
	"xtalreduce/pkg/reflist"
	"xtalreduce/pkg/simulate"
)

// createTestCrystal returns a randomly oriented 10 nm cubic crystal on an
// image whose features sit exactly at the crystal's predicted reflections.
func createTestCrystal(seed int64) *models.Crystal {
	rng := rand.New(rand.NewSource(seed))
	img := models.NewImage(simulate.DefaultDetector(), simulate.WavelengthFromEnergy(8000), 1e-3)
	c := simulate.CubicCell(10e-9).Rotated(simulate.RandomRotation(rng))
	cr := models.NewCrystal(img, c)

	for _, r := range geometry.ForCrystal(cr).Predict(2.5e9).Sorted() {
		img.Features = append(img.Features, models.ImageFeature{
			Panel:     r.Panel,
			FS:        r.FS,
			SS:        r.SS,
			Intensity: 100 + 900*rng.Float64(),
		})
	}
	return cr
}

// deviation evaluates one residual term of rp after shifting parameter p.
func deviation(base geometry.Setup, st State, p Parameter, shift float64, rp pairing.ReflPeak, t Term) (float64, bool) {
	p.Apply(&st, shift)
	s, err := st.Setup(base)
	if err != nil {
		return 0, false
	}
	refl := *rp.Refl
	if !s.Update(&refl) {
		return 0, false
	}
	rp.Refl = &refl
	return t.Select(Deviations(rp, s)), true
}

func TestGradients(t *testing.T) {
	cr := createTestCrystal(7)
	s := geometry.ForCrystal(cr)
	st := Capture(cr)

	// Observations away from the predictions, so that deviations are non-zero.
	var pairs []pairing.ReflPeak
	for i, r := range s.Predict(2.5e9).Sorted() {
		f := &models.ImageFeature{Panel: r.Panel, FS: r.FS + 0.7, SS: r.SS - 0.4}
		if i%2 == 0 {
			f.FS -= 1.5
		}
		pairs = append(pairs, pairing.ReflPeak{Refl: r, Peak: f, Panel: r.Panel})
	}
	if len(pairs) < 50 {
		t.Fatalf("Only %d reflections predicted", len(pairs))
	}

	for _, p := range Parameters() {
		// Detector shifts move positions one-for-one. Cell components move
		// them by roughly 1e-11 m per m^-1.
		step, absTol := 1e-8, 1e-6
		if p.Kind < DetX {
			step = 1e-5 * r3.Norm(st.Star[int(p.Kind)/3])
			absTol = 1e-18
		}

		for _, term := range terms {
			var analytic, numeric []float64
			for _, rp := range pairs {
				d, ok := s.Derivatives(rp.Refl)
				if !ok {
					continue
				}
				plus, ok1 := deviation(s, st, p, step, rp, term)
				minus, ok2 := deviation(s, st, p, -step, rp, term)
				if !ok1 || !ok2 {
					continue
				}
				analytic = append(analytic, p.GradientOf(&d, term))
				numeric = append(numeric, (plus-minus)/(2*step))
			}

			name := p.Kind.String() + "/" + term.String()
			if isConstant(analytic) {
				// Correlation is undefined, so compare values directly.
				for i := range analytic {
					if !scalar.EqualWithinAbsOrRel(numeric[i], analytic[i], absTol, 1e-4) {
						t.Errorf("%s: numerical %g, analytic %g", name, numeric[i], analytic[i])
						break
					}
				}
				continue
			}
			if cc := stat.Correlation(analytic, numeric, nil); cc < 0.99 {
				t.Errorf("%s: correlation %.4f between analytic and numerical gradients", name, cc)
			}
		}
	}
}

func isConstant(x []float64) bool {
	if len(x) == 0 {
		return true
	}
	for _, v := range x[1:] {
		if math.Abs(v-x[0]) > 1e-9*math.Abs(x[0]) {
			return false
		}
	}
	return true
}

func TestParameterTableOrder(t *testing.T) {
	params := Parameters()
	if len(params) != 11 {
		t.Fatalf("Have %d parameters, want 11", len(params))
	}
	for i, p := range params {
		if p.Kind != Kind(i) {
			t.Errorf("Parameter %d is %v", i, p.Kind)
		}

		// Each entry must shift exactly its own value.
		var st State
		p.Apply(&st, 1)
		sum := st.ShiftX + st.ShiftY
		for _, v := range st.Star {
			sum += v.X + v.Y + v.Z
		}
		if sum != 1 {
			t.Errorf("%v: shift touched %g units", p.Kind, sum)
		}
	}
}

// perturb rotates the crystal slightly and displaces the detector.
func perturb(cr *models.Crystal) {
	rot := r3.NewRotation(0.05*math.Pi/180, r3.Unit(r3.Vec{X: 1, Y: 2, Z: 0.5}))
	cr.Cell = cr.Cell.Rotated(rot)
	cr.ShiftX = 2e-5
	cr.ShiftY = -1e-5
}

func TestRefinePredictionImproves(t *testing.T) {
	for _, seed := range []int64{1, 2, 3} {
		cr := createTestCrystal(seed)
		perturb(cr)
		opts := DefaultOptions()

		pairs := pairing.Pair(cr, opts.ProfileCutoff)
		if err := normaliseIntensities(pairs); err != nil {
			t.Fatalf("Seed %d: %v", seed, err)
		}
		s := geometry.ForCrystal(cr)
		updatePredictions(s, pairs)
		before := Residual(pairs, s, opts.ExcitationWeight)

		if err := RefinePrediction(cr, opts); err != nil {
			t.Fatalf("Seed %d: refinement failed: %v", seed, err)
		}

		s = geometry.ForCrystal(cr)
		updatePredictions(s, pairs)
		after := Residual(pairs, s, opts.ExcitationWeight)
		if after > before {
			t.Errorf("Seed %d: residual went from %e to %e", seed, before, after)
		}

		if len(cr.Notes) != 1 || !strings.HasPrefix(cr.Notes[0], "predict_refine/final_residual = ") {
			t.Errorf("Seed %d: unexpected notes %q", seed, cr.Notes)
		}
	}
}

func TestRefinePredictionFailures(t *testing.T) {
	testCases := []struct {
		name    string
		setup   func(cr *models.Crystal)
		wantErr error
	}{
		{
			name:    "NoPeaks",
			setup:   func(cr *models.Crystal) { cr.Image.Features = nil },
			wantErr: ErrTooFewPairs,
		},
		{
			name:    "NinePeaks",
			setup:   func(cr *models.Crystal) { cr.Image.Features = cr.Image.Features[:9] },
			wantErr: ErrTooFewPairs,
		},
		{
			name: "NegativePeaks",
			setup: func(cr *models.Crystal) {
				for i := range cr.Image.Features {
					cr.Image.Features[i].Intensity = -1
				}
			},
			wantErr: ErrNoPositivePeaks,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cr := createTestCrystal(4)
			perturb(cr)
			tc.setup(cr)
			before := Capture(cr)

			err := RefinePrediction(cr, DefaultOptions())
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Expected %v, got %v", tc.wantErr, err)
			}
			if Capture(cr) != before {
				t.Errorf("Crystal was modified by a failed refinement")
			}
		})
	}
}

func TestRefineRadius(t *testing.T) {
	cr := createTestCrystal(5)
	cr.ProfileRadius = 0

	if err := RefineRadius(cr, DefaultOptions()); err != nil {
		t.Fatalf("RefineRadius failed: %v", err)
	}
	if cr.ProfileRadius <= 0 || cr.ProfileRadius > geometry.DefaultProfileCutoff {
		t.Errorf("Profile radius %g outside (0, %g]", cr.ProfileRadius, geometry.DefaultProfileCutoff)
	}

	cr.Image.Features = cr.Image.Features[:2]
	cr.ProfileRadius = 1
	if err := RefineRadius(cr, DefaultOptions()); !errors.Is(err, ErrTooFewPairs) {
		t.Errorf("Expected ErrTooFewPairs, got %v", err)
	}
	if cr.ProfileRadius != 1 {
		t.Errorf("Failed estimate changed the radius to %g", cr.ProfileRadius)
	}
}

func TestDeviations(t *testing.T) {
	cr := createTestCrystal(6)
	s := geometry.ForCrystal(cr)
	refl := &reflist.Reflection{Miller: reflist.Miller{H: 1}, FS: 10, SS: 20, ExcitationError: 3e6}
	peak := &models.ImageFeature{FS: 12, SS: 19}

	exErr, dx, dy := Deviations(pairing.ReflPeak{Refl: refl, Peak: peak}, s)
	pitch := s.Detector.Panels[0].Pitch
	if exErr != 3e6 {
		t.Errorf("Excitation error %g, want 3e6", exErr)
	}
	if !scalar.EqualWithinRel(dx, -2*pitch, 1e-9) || !scalar.EqualWithinRel(dy, pitch, 1e-9) {
		t.Errorf("Deviations (%g, %g), want (%g, %g)", dx, dy, -2*pitch, pitch)
	}
}

func TestApplyShiftsZeroesNaN(t *testing.T) {
	nan := math.NaN()
	testCases := []struct {
		name   string
		nanAt  []Kind
		expect func(before, after State) bool
	}{
		{
			name:  "AllNaN",
			nanAt: []Kind{ASX, ASY, ASZ, BSX, BSY, BSZ, CSX, CSY, CSZ, DetX, DetY},
			expect: func(before, after State) bool {
				return before == after
			},
		},
		{
			name:  "DetectorNaN",
			nanAt: []Kind{DetX},
			expect: func(before, after State) bool {
				return after.ShiftX == before.ShiftX && after.ShiftY == before.ShiftY+1e-6 &&
					after.Star[0].X == before.Star[0].X+1e-6
			},
		},
		{
			name:  "CellNaN",
			nanAt: []Kind{ASX},
			expect: func(before, after State) bool {
				return after.Star[0].X == before.Star[0].X && after.Star[0].Y == before.Star[0].Y+1e-6 &&
					after.ShiftX == before.ShiftX+1e-6
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			shifts := make([]float64, len(parameters))
			for k := range shifts {
				shifts[k] = 1e-6
			}
			for _, k := range tc.nanAt {
				shifts[k] = nan
			}

			before := Capture(createTestCrystal(8))
			after := before
			applyShifts(&after, shifts)
			if !tc.expect(before, after) {
				t.Errorf("Unexpected state after shifts %v:\nbefore %+v\nafter  %+v", shifts, before, after)
			}
			for i, v := range after.Star {
				if math.IsNaN(v.X) || math.IsNaN(v.Y) || math.IsNaN(v.Z) {
					t.Errorf("NaN reached basis vector %d", i)
				}
			}
		})
	}
}
