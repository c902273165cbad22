// Package linalg holds the small dense least-squares machinery shared by
// refinement and scaling.
package linalg

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// rcond is the relative singular value below which a direction of the
// scaled normal matrix is treated as undetermined.
const rcond = 1e-10

var (
	// ErrSolveFailed is returned when the SVD of the normal matrix fails or
	// has no usable singular values
	ErrSolveFailed = errors.New("linalg: SVD solve failed")

	// ErrTooFewPoints is returned by RegressThroughOrigin for fewer than two points
	ErrTooFewPoints = errors.New("linalg: too few points for regression")

	// ErrNonFinite is returned when a fit gives NaN or Inf
	ErrNonFinite = errors.New("linalg: non-finite result")
)

// NormalEquations accumulates the weighted Gauss-Newton system M x = v for a
// fixed number of parameters.
type NormalEquations struct {
	m *mat.SymDense
	v *mat.VecDense
}

// NewNormalEquations returns an empty system for n parameters.
func NewNormalEquations(n int) *NormalEquations {
	return &NormalEquations{
		m: mat.NewSymDense(n, nil),
		v: mat.NewVecDense(n, nil),
	}
}

// Len returns the number of parameters.
func (ne *NormalEquations) Len() int { return ne.v.Len() }

// Add accumulates one residual r with gradient g and weight w:
// M += w g gᵀ and v += -w r g.
func (ne *NormalEquations) Add(g []float64, r, w float64) {
	gv := mat.NewVecDense(len(g), g)
	ne.m.SymRankOne(ne.m, w, gv)
	ne.v.AddScaledVec(ne.v, -w*r, gv)
}

// AddDiagonal adds d to the i'th diagonal element of M.
func (ne *NormalEquations) AddDiagonal(i int, d float64) {
	ne.m.SetSym(i, i, ne.m.At(i, i)+d)
}

// At returns element (i, j) of M.
func (ne *NormalEquations) At(i, j int) float64 { return ne.m.At(i, j) }

// RHS returns element i of v.
func (ne *NormalEquations) RHS(i int) float64 { return ne.v.AtVec(i) }

// Solve returns the least-squares shifts. The system is first scaled to a
// unit diagonal so that parameters of very different magnitude are treated
// alike, then solved by SVD with small singular values discarded.
func (ne *NormalEquations) Solve() ([]float64, error) {
	n := ne.Len()

	scale := make([]float64, n)
	for i := range scale {
		d := ne.m.At(i, i)
		if d > 0 && !math.IsInf(d, 0) {
			scale[i] = 1 / math.Sqrt(d)
		} else {
			scale[i] = 1
		}
	}

	a := mat.NewDense(n, n, nil)
	b := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			a.Set(i, j, ne.m.At(i, j)*scale[i]*scale[j])
		}
		b.SetVec(i, ne.v.AtVec(i)*scale[i])
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, ErrSolveFailed
	}
	rank := svd.Rank(rcond)
	if rank == 0 {
		return nil, fmt.Errorf("%w: matrix has rank 0", ErrSolveFailed)
	}

	var x mat.VecDense
	svd.SolveVecTo(&x, b, rank)

	shifts := make([]float64, n)
	for i := range shifts {
		shifts[i] = x.AtVec(i) * scale[i]
	}
	return shifts, nil
}

// RegressThroughOrigin fits y = beta x by weighted least squares with no
// intercept. Weights may be nil.
func RegressThroughOrigin(x, y, w []float64) (float64, error) {
	if len(x) < 2 {
		return 0, fmt.Errorf("%w: have %d", ErrTooFewPoints, len(x))
	}
	_, beta := stat.LinearRegression(x, y, w, true)
	if math.IsNaN(beta) || math.IsInf(beta, 0) {
		return 0, ErrNonFinite
	}
	return beta, nil
}
