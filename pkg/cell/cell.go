// Package cell provides the crystal unit cell, stored as its three reciprocal
// basis vectors in the laboratory frame.
package cell

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrInvalidCell is returned when a basis is not right-handed with strictly
// positive volume.
var ErrInvalidCell = errors.New("cell basis is not right-handed with positive volume")

// spacingSearch bounds the index box searched by ShortestSpacing.
const spacingSearch = 5

// UnitCell holds the reciprocal basis vectors a*, b*, c* in m^-1.
// The zero value is not a valid cell; use one of the constructors.
type UnitCell struct {
	aStar r3.Vec
	bStar r3.Vec
	cStar r3.Vec
}

// NewFromReciprocal creates a cell from reciprocal basis vectors.
func NewFromReciprocal(as, bs, cs r3.Vec) (*UnitCell, error) {
	c := &UnitCell{}
	if err := c.SetReciprocal(as, bs, cs); err != nil {
		return nil, err
	}
	return c, nil
}

// NewFromParameters creates a cell from lattice lengths (metres) and angles
// (radians), using the convention that a lies along x and b lies in the
// xy plane.
func NewFromParameters(a, b, c, alpha, beta, gamma float64) (*UnitCell, error) {
	if a <= 0 || b <= 0 || c <= 0 {
		return nil, fmt.Errorf("lattice lengths must be positive: %g %g %g", a, b, c)
	}
	sg := math.Sin(gamma)
	if math.Abs(sg) < 1e-12 {
		return nil, fmt.Errorf("degenerate gamma angle %g", gamma)
	}

	av := r3.Vec{X: a}
	bv := r3.Vec{X: b * math.Cos(gamma), Y: b * sg}
	cx := math.Cos(beta)
	cy := (math.Cos(alpha) - math.Cos(beta)*math.Cos(gamma)) / sg
	cz2 := 1 - cx*cx - cy*cy
	if cz2 <= 0 {
		return nil, fmt.Errorf("impossible cell angles %g %g %g: %w", alpha, beta, gamma, ErrInvalidCell)
	}
	cv := r3.Vec{X: c * cx, Y: c * cy, Z: c * math.Sqrt(cz2)}

	return NewFromDirect(av, bv, cv)
}

// NewFromDirect creates a cell from real-space basis vectors (metres).
func NewFromDirect(a, b, c r3.Vec) (*UnitCell, error) {
	as, bs, cs, err := invert(a, b, c)
	if err != nil {
		return nil, err
	}
	return NewFromReciprocal(as, bs, cs)
}

// invert converts between direct and reciprocal bases. The operation is its
// own inverse.
func invert(a, b, c r3.Vec) (r3.Vec, r3.Vec, r3.Vec, error) {
	v := r3.Dot(a, r3.Cross(b, c))
	if !(v > 0) {
		return r3.Vec{}, r3.Vec{}, r3.Vec{}, ErrInvalidCell
	}
	return r3.Scale(1/v, r3.Cross(b, c)),
		r3.Scale(1/v, r3.Cross(c, a)),
		r3.Scale(1/v, r3.Cross(a, b)), nil
}

// Reciprocal returns the reciprocal basis vectors.
func (c *UnitCell) Reciprocal() (as, bs, cs r3.Vec) {
	return c.aStar, c.bStar, c.cStar
}

// SetReciprocal replaces all three reciprocal basis vectors at once. The cell
// is left untouched if the new basis is invalid.
func (c *UnitCell) SetReciprocal(as, bs, cs r3.Vec) error {
	for _, v := range []r3.Vec{as, bs, cs} {
		if math.IsNaN(v.X) || math.IsNaN(v.Y) || math.IsNaN(v.Z) ||
			math.IsInf(v.X, 0) || math.IsInf(v.Y, 0) || math.IsInf(v.Z, 0) {
			return ErrInvalidCell
		}
	}
	if !(r3.Dot(as, r3.Cross(bs, cs)) > 0) {
		return ErrInvalidCell
	}
	c.aStar, c.bStar, c.cStar = as, bs, cs
	return nil
}

// Cartesian returns the real-space basis vectors.
func (c *UnitCell) Cartesian() (a, b, cv r3.Vec) {
	// A valid cell always inverts.
	a, b, cv, _ = invert(c.aStar, c.bStar, c.cStar)
	return a, b, cv
}

// Volume returns the real-space cell volume in m^3.
func (c *UnitCell) Volume() float64 {
	return 1 / r3.Dot(c.aStar, r3.Cross(c.bStar, c.cStar))
}

// Parameters returns the lattice lengths (metres) and angles (radians).
func (c *UnitCell) Parameters() (a, b, cl, alpha, beta, gamma float64) {
	av, bv, cv := c.Cartesian()
	a, b, cl = r3.Norm(av), r3.Norm(bv), r3.Norm(cv)
	alpha = angle(bv, cv)
	beta = angle(av, cv)
	gamma = angle(av, bv)
	return
}

func angle(u, v r3.Vec) float64 {
	cosv := r3.Dot(u, v) / (r3.Norm(u) * r3.Norm(v))
	return math.Acos(math.Max(-1, math.Min(1, cosv)))
}

// Copy returns an independent copy of the cell.
func (c *UnitCell) Copy() *UnitCell {
	cp := *c
	return &cp
}

// Rotated returns a copy of the cell rotated by rot.
func (c *UnitCell) Rotated(rot r3.Rotation) *UnitCell {
	return &UnitCell{
		aStar: rot.Rotate(c.aStar),
		bStar: rot.Rotate(c.bStar),
		cStar: rot.Rotate(c.cStar),
	}
}

// Q returns the reciprocal lattice vector for the given Miller indices.
func (c *UnitCell) Q(h, k, l int) r3.Vec {
	return r3.Add(r3.Add(
		r3.Scale(float64(h), c.aStar),
		r3.Scale(float64(k), c.bStar)),
		r3.Scale(float64(l), c.cStar))
}

// Resolution returns 1/2d for the reflection, in m^-1.
func (c *UnitCell) Resolution(h, k, l int) float64 {
	return r3.Norm(c.Q(h, k, l)) / 2
}

// ShortestSpacing returns the length of the shortest non-zero reciprocal
// lattice vector.
func (c *UnitCell) ShortestSpacing() float64 {
	best := math.Inf(1)
	for h := -spacingSearch; h <= spacingSearch; h++ {
		for k := -spacingSearch; k <= spacingSearch; k++ {
			for l := -spacingSearch; l <= spacingSearch; l++ {
				if h == 0 && k == 0 && l == 0 {
					continue
				}
				if d := r3.Norm(c.Q(h, k, l)); d < best {
					best = d
				}
			}
		}
	}
	return best
}

// String formats the lattice parameters in nm and degrees.
func (c *UnitCell) String() string {
	a, b, cl, al, be, ga := c.Parameters()
	return fmt.Sprintf("%.4f %.4f %.4f nm, %.3f %.3f %.3f deg",
		a*1e9, b*1e9, cl*1e9, deg(al), deg(be), deg(ga))
}

func deg(rad float64) float64 { return rad * 180 / math.Pi }
