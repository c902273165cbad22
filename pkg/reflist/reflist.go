// Package reflist provides reflections keyed by Miller indices.
package reflist

import (
	"fmt"
	"sort"
)

// Miller holds the indices of one reciprocal lattice point.
type Miller struct {
	H, K, L int
}

// IsOrigin reports whether the indices are 000.
func (m Miller) IsOrigin() bool {
	return m.H == 0 && m.K == 0 && m.L == 0
}

func (m Miller) String() string {
	return fmt.Sprintf("%d %d %d", m.H, m.K, m.L)
}

// less orders indices by h, then k, then l.
func (m Miller) less(o Miller) bool {
	if m.H != o.H {
		return m.H < o.H
	}
	if m.K != o.K {
		return m.K < o.K
	}
	return m.L < o.L
}

// Reflection is one predicted or measured reflection.
type Reflection struct {
	Miller

	// Panel is the index of the detector panel the reflection falls on
	Panel int

	// FS and SS are the predicted sub-pixel coordinates on the panel
	FS, SS float64

	// ExcitationError is the mean of the clamped low and high excitation errors
	ExcitationError float64

	// ExErrLow and ExErrHigh are the unclamped excitation errors against the
	// long- and short-wavelength Ewald spheres
	ExErrLow, ExErrHigh float64

	Partiality float64
	Lorentz    float64

	// Intensity and Sigma are the measured intensity and its uncertainty
	Intensity float64
	Sigma     float64

	// Redundancy is the number of observations behind Intensity
	Redundancy int

	// Free marks the reflection as held out for validation
	Free bool

	// Saturated is set when the integration aperture touched a saturated pixel
	Saturated bool
}

// Symmetry maps indices onto one representative of their equivalents
type Symmetry interface {
	Asymmetric(m Miller) Miller
}

// List maps Miller indices to reflections. Keys are unique.
type List struct {
	refls map[Miller]*Reflection
	sym   Symmetry
}

// New creates an empty reflection list.
func New() *List {
	return &List{refls: make(map[Miller]*Reflection)}
}

// Add inserts a new reflection for m, replacing any existing entry, and
// returns it for the caller to fill in.
func (l *List) Add(m Miller) *Reflection {
	r := &Reflection{Miller: m, Lorentz: 1}
	l.refls[m] = r
	return r
}

// Insert stores r under its own indices, replacing any existing entry.
func (l *List) Insert(r *Reflection) {
	l.refls[r.Miller] = r
}

// Find returns the reflection for m, if present.
func (l *List) Find(m Miller) (*Reflection, bool) {
	r, ok := l.refls[m]
	return r, ok
}

// SetSymmetry records the symmetry relating the list's indices. A list of
// merged intensities is keyed by the representative indices of sym.
func (l *List) SetSymmetry(sym Symmetry) {
	l.sym = sym
}

// Representative returns the indices under which m and its equivalents are
// grouped. Without a symmetry this is m itself.
func (l *List) Representative(m Miller) Miller {
	if l.sym == nil {
		return m
	}
	return l.sym.Asymmetric(m)
}

// FindEquivalent returns the reflection stored for m or any of its
// symmetry equivalents.
func (l *List) FindEquivalent(m Miller) (*Reflection, bool) {
	return l.Find(l.Representative(m))
}

// Delete removes the reflection for m.
func (l *List) Delete(m Miller) {
	delete(l.refls, m)
}

// Len returns the number of reflections.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.refls)
}

// Sorted returns the reflections ordered by h, k, l.
func (l *List) Sorted() []*Reflection {
	if l == nil {
		return nil
	}
	out := make([]*Reflection, 0, len(l.refls))
	for _, r := range l.refls {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Miller.less(out[j].Miller) })
	return out
}

// Copy returns a deep copy of the list.
func (l *List) Copy() *List {
	cp := New()
	cp.sym = l.sym
	for m, r := range l.refls {
		rr := *r
		cp.refls[m] = &rr
	}
	return cp
}
