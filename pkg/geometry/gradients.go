package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"xtalreduce/pkg/reflist"
)

// Derivatives holds the partial derivatives of one reflection's residuals.
// Derivatives with respect to a reciprocal basis component follow from those
// with respect to q by multiplying with the matching Miller index.
type Derivatives struct {
	// H, K and L are the Miller indices as floats
	H, K, L float64

	// ExErr is d(excitation error)/dq
	ExErr r3.Vec

	// X and Y are d(predicted laboratory x, y)/dq
	X r3.Vec
	Y r3.Vec

	// XShift and YShift are the derivatives of the x and y deviations
	// (predicted minus observed) with respect to the detector shift (dx, dy)
	XShift [2]float64
	YShift [2]float64
}

// Index returns the Miller index multiplying reciprocal basis vector v.
func (d *Derivatives) Index(v int) float64 {
	switch v {
	case 0:
		return d.H
	case 1:
		return d.K
	default:
		return d.L
	}
}

// Derivatives computes the residual derivatives for refl at the current setup.
func (s Setup) Derivatives(refl *reflist.Reflection) (Derivatives, bool) {
	q := s.Cell.Q(refl.H, refl.K, refl.L)
	kLow, kCen, kHigh := s.wavenumbers()

	d := Derivatives{H: float64(refl.H), K: float64(refl.K), L: float64(refl.L)}

	// Clamped terms are constant.
	rLow, gLow := excitation(q, kLow)
	rHigh, gHigh := excitation(q, kHigh)
	if math.Abs(rLow) < s.ProfileCutoff {
		d.ExErr = r3.Add(d.ExErr, r3.Scale(0.5, gLow))
	}
	if math.Abs(rHigh) < s.ProfileCutoff {
		d.ExErr = r3.Add(d.ExErr, r3.Scale(0.5, gHigh))
	}

	kout := r3.Add(q, r3.Scale(kCen, beam))
	t, ok := s.rayParameter(refl.Panel, kout)
	if !ok {
		return d, false
	}
	n := s.Detector.Panels[refl.Panel].Normal()
	den := r3.Dot(n, kout)

	// X = t kout with t = n.P/n.kout, so dX/dq_j = t (e_j - kout n_j / n.kout)
	d.X = r3.Vec{
		X: t * (1 - kout.X*n.X/den),
		Y: t * (-kout.X * n.Y / den),
		Z: t * (-kout.X * n.Z / den),
	}
	d.Y = r3.Vec{
		X: t * (-kout.Y * n.X / den),
		Y: t * (1 - kout.Y*n.Y/den),
		Z: t * (-kout.Y * n.Z / den),
	}

	// The observed position moves rigidly with the detector.
	d.XShift = [2]float64{kout.X*n.X/den - 1, kout.X * n.Y / den}
	d.YShift = [2]float64{kout.Y * n.X / den, kout.Y*n.Y/den - 1}

	return d, true
}
