package cell

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestNewFromParameters(t *testing.T) {
	testCases := []struct {
		name               string
		a, b, c            float64
		alpha, beta, gamma float64
	}{
		{"Cubic", 10e-9, 10e-9, 10e-9, 90, 90, 90},
		{"Orthorhombic", 5e-9, 7e-9, 11e-9, 90, 90, 90},
		{"Monoclinic", 6e-9, 8e-9, 9e-9, 90, 104.5, 90},
		{"Triclinic", 4.1e-9, 5.3e-9, 6.7e-9, 82, 95, 101},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := NewFromParameters(tc.a, tc.b, tc.c, rad(tc.alpha), rad(tc.beta), rad(tc.gamma))
			if err != nil {
				t.Fatalf("Failed to create cell: %v", err)
			}

			a, b, cl, al, be, ga := c.Parameters()
			got := []float64{a, b, cl, deg(al), deg(be), deg(ga)}
			want := []float64{tc.a, tc.b, tc.c, tc.alpha, tc.beta, tc.gamma}
			for i := range got {
				if !scalar.EqualWithinRel(got[i], want[i], 1e-9) {
					t.Errorf("Parameter %d: got %g, want %g", i, got[i], want[i])
				}
			}

			if c.Volume() <= 0 {
				t.Errorf("Expected positive volume, got %g", c.Volume())
			}
		})
	}
}

func TestReciprocalIsDual(t *testing.T) {
	c, err := NewFromParameters(4.1e-9, 5.3e-9, 6.7e-9, rad(82), rad(95), rad(101))
	if err != nil {
		t.Fatalf("Failed to create cell: %v", err)
	}
	as, bs, cs := c.Reciprocal()
	a, b, cv := c.Cartesian()

	direct := []r3.Vec{a, b, cv}
	recip := []r3.Vec{as, bs, cs}
	for i := range direct {
		for j := range recip {
			want := 0.0
			if i == j {
				want = 1
			}
			if got := r3.Dot(direct[i], recip[j]); math.Abs(got-want) > 1e-9 {
				t.Errorf("direct[%d].recip[%d] = %g, want %g", i, j, got, want)
			}
		}
	}
}

func TestSetReciprocalRejectsLeftHanded(t *testing.T) {
	c, err := NewFromParameters(10e-9, 10e-9, 10e-9, rad(90), rad(90), rad(90))
	if err != nil {
		t.Fatalf("Failed to create cell: %v", err)
	}
	before := c.Copy()

	as, bs, cs := c.Reciprocal()
	err = c.SetReciprocal(as, bs, r3.Scale(-1, cs))
	if !errors.Is(err, ErrInvalidCell) {
		t.Fatalf("Expected ErrInvalidCell, got %v", err)
	}

	err = c.SetReciprocal(as, bs, r3.Vec{X: math.NaN()})
	if !errors.Is(err, ErrInvalidCell) {
		t.Fatalf("Expected ErrInvalidCell for NaN basis, got %v", err)
	}

	// The cell must be untouched after a rejected update.
	if *c != *before {
		t.Errorf("Cell was modified by a rejected update")
	}
}

func TestShortestSpacing(t *testing.T) {
	c, err := NewFromParameters(5e-9, 7e-9, 11e-9, rad(90), rad(90), rad(90))
	if err != nil {
		t.Fatalf("Failed to create cell: %v", err)
	}
	want := 1 / 11e-9
	if got := c.ShortestSpacing(); !scalar.EqualWithinRel(got, want, 1e-12) {
		t.Errorf("ShortestSpacing() = %g, want %g", got, want)
	}
	if got := c.Resolution(0, 0, 2); !scalar.EqualWithinRel(got, want, 1e-12) {
		t.Errorf("Resolution(0,0,2) = %g, want %g", got, want)
	}
}

func TestRotatedPreservesShape(t *testing.T) {
	c, err := NewFromParameters(6e-9, 8e-9, 9e-9, rad(90), rad(104.5), rad(90))
	if err != nil {
		t.Fatalf("Failed to create cell: %v", err)
	}
	rot := r3.NewRotation(0.7, r3.Vec{X: 1, Y: 2, Z: 3})
	rc := c.Rotated(rot)

	if !scalar.EqualWithinRel(rc.Volume(), c.Volume(), 1e-12) {
		t.Errorf("Rotation changed volume: %g vs %g", rc.Volume(), c.Volume())
	}
	if !scalar.EqualWithinRel(rc.Resolution(1, 2, 3), c.Resolution(1, 2, 3), 1e-12) {
		t.Errorf("Rotation changed resolution")
	}
	if rc.Q(1, 0, 0) == c.Q(1, 0, 0) {
		t.Errorf("Rotation did not move a*")
	}
}

func rad(d float64) float64 { return d * math.Pi / 180 }
