package refine

import (
	"gonum.org/v1/gonum/spatial/r3"

	"xtalreduce/internal/models"
	"xtalreduce/pkg/cell"
	"xtalreduce/pkg/geometry"
	"xtalreduce/pkg/pairing"
)

// Kind identifies one refined parameter
type Kind int

const (
	ASX Kind = iota
	ASY
	ASZ
	BSX
	BSY
	BSZ
	CSX
	CSY
	CSZ
	DetX
	DetY
)

var kindNames = [...]string{"asx", "asy", "asz", "bsx", "bsy", "bsz", "csx", "csy", "csz", "detx", "dety"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Term selects one of the three residual terms of a pair
type Term int

const (
	TermExcitation Term = iota
	TermX
	TermY
)

var terms = [...]Term{TermExcitation, TermX, TermY}

func (t Term) String() string {
	switch t {
	case TermExcitation:
		return "excitation error"
	case TermX:
		return "x position"
	case TermY:
		return "y position"
	default:
		return "unknown"
	}
}

// State is the set of refined values for one crystal
type State struct {
	Star   [3]r3.Vec // a*, b*, c*
	ShiftX float64
	ShiftY float64
}

// Capture reads the refined values from a crystal.
func Capture(cr *models.Crystal) State {
	as, bs, cs := cr.Cell.Reciprocal()
	return State{Star: [3]r3.Vec{as, bs, cs}, ShiftX: cr.ShiftX, ShiftY: cr.ShiftY}
}

// Restore writes the state back to a crystal. The cell is replaced only if the
// new basis is valid, in which case the shift is written too.
func (st State) Restore(cr *models.Crystal) error {
	if err := cr.Cell.SetReciprocal(st.Star[0], st.Star[1], st.Star[2]); err != nil {
		return err
	}
	cr.ShiftX, cr.ShiftY = st.ShiftX, st.ShiftY
	return nil
}

// Setup returns the prediction setup for a crystal in this state.
func (st State) Setup(base geometry.Setup) (geometry.Setup, error) {
	c, err := cell.NewFromReciprocal(st.Star[0], st.Star[1], st.Star[2])
	if err != nil {
		return base, err
	}
	base.Cell = c
	base.Shift = r3.Vec{X: st.ShiftX, Y: st.ShiftY}
	return base, nil
}

// Parameter couples a refined quantity with its gradients and the way a
// shift is applied to it.
type Parameter struct {
	Kind Kind

	// Gradient returns the derivatives of the excitation error and the x and y
	// deviations with respect to this parameter
	Gradient func(d *geometry.Derivatives) (exErr, x, y float64)

	// Apply adds shift to the parameter
	Apply func(st *State, shift float64)
}

// GradientOf returns the derivative of one residual term.
func (p Parameter) GradientOf(d *geometry.Derivatives, t Term) float64 {
	return t.Select(p.Gradient(d))
}

var parameters = buildParameters()

// Parameters returns the refined parameters in solve order.
func Parameters() []Parameter {
	return append([]Parameter(nil), parameters...)
}

func buildParameters() []Parameter {
	params := make([]Parameter, 0, 11)
	for v := 0; v < 3; v++ {
		for comp := 0; comp < 3; comp++ {
			params = append(params, cellParameter(Kind(3*v+comp), v, comp))
		}
	}
	return append(params,
		Parameter{
			Kind: DetX,
			Gradient: func(d *geometry.Derivatives) (float64, float64, float64) {
				return 0, d.XShift[0], d.YShift[0]
			},
			Apply: func(st *State, shift float64) { st.ShiftX += shift },
		},
		Parameter{
			Kind: DetY,
			Gradient: func(d *geometry.Derivatives) (float64, float64, float64) {
				return 0, d.XShift[1], d.YShift[1]
			},
			Apply: func(st *State, shift float64) { st.ShiftY += shift },
		},
	)
}

// cellParameter is component comp of reciprocal basis vector v. The
// scattering vector depends on it through the matching Miller index.
func cellParameter(kind Kind, v, comp int) Parameter {
	return Parameter{
		Kind: kind,
		Gradient: func(d *geometry.Derivatives) (float64, float64, float64) {
			idx := d.Index(v)
			return idx * component(d.ExErr, comp), idx * component(d.X, comp), idx * component(d.Y, comp)
		},
		Apply: func(st *State, shift float64) {
			switch comp {
			case 0:
				st.Star[v].X += shift
			case 1:
				st.Star[v].Y += shift
			default:
				st.Star[v].Z += shift
			}
		},
	}
}

func component(v r3.Vec, i int) float64 {
	switch i {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

// Deviations returns the residual terms of one pair at the given setup: the
// excitation error and the predicted minus observed laboratory x and y. The
// reflection must already have been updated for s.
func Deviations(rp pairing.ReflPeak, s geometry.Setup) (exErr, dx, dy float64) {
	pred := s.Position(rp.Panel, rp.Refl.FS, rp.Refl.SS)
	obs := s.Position(rp.Panel, rp.Peak.FS, rp.Peak.SS)
	return rp.Refl.ExcitationError, pred.X - obs.X, pred.Y - obs.Y
}

// Select picks this term out of an (excitation, x, y) triple.
func (t Term) Select(exErr, dx, dy float64) float64 {
	switch t {
	case TermExcitation:
		return exErr
	case TermX:
		return dx
	default:
		return dy
	}
}
