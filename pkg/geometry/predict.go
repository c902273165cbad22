// Package geometry predicts where reflections from a crystal fall on the
// detector, using the Ewald construction with a finite-bandwidth beam along +z.
package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"xtalreduce/internal/models"
	"xtalreduce/pkg/cell"
	"xtalreduce/pkg/reflist"
)

// DefaultProfileCutoff is the reciprocal-space distance, in m^-1, within which
// a lattice point counts as touching the Ewald sphere.
const DefaultProfileCutoff = 0.005e9

var beam = r3.Vec{Z: 1}

// Setup collects everything that places one crystal's lattice on the detector.
type Setup struct {
	Cell     *cell.UnitCell
	Detector *models.Detector

	// Lambda is the central wavelength in metres
	Lambda float64

	// Bandwidth is the fractional full width of the spectrum
	Bandwidth float64

	// Shift displaces the whole detector, in metres
	Shift r3.Vec

	ProfileCutoff float64

	// ProfileRadius is used for partiality. Zero disables it.
	ProfileRadius float64
}

// ForCrystal returns the setup for a crystal on its image.
func ForCrystal(cr *models.Crystal) Setup {
	return Setup{
		Cell:          cr.Cell,
		Detector:      cr.Image.Detector,
		Lambda:        cr.Image.Lambda,
		Bandwidth:     cr.Image.Bandwidth,
		Shift:         cr.Shift(),
		ProfileCutoff: DefaultProfileCutoff,
		ProfileRadius: cr.ProfileRadius,
	}
}

// WithProfileCutoff returns s using the given profile cutoff. Non-positive
// values keep the current one.
func (s Setup) WithProfileCutoff(cutoff float64) Setup {
	if cutoff > 0 {
		s.ProfileCutoff = cutoff
	}
	return s
}

// wavenumbers returns the long-wavelength, central and short-wavelength
// wavenumbers, in increasing order.
func (s Setup) wavenumbers() (kLow, kCen, kHigh float64) {
	kLow = 1 / (s.Lambda * (1 + s.Bandwidth/2))
	kCen = 1 / s.Lambda
	kHigh = 1 / (s.Lambda * (1 - s.Bandwidth/2))
	return
}

// excitation returns the signed distance of q from the Ewald sphere of
// wavenumber k, positive inside, and its gradient with respect to q.
func excitation(q r3.Vec, k float64) (float64, r3.Vec) {
	v := r3.Add(q, r3.Scale(k, beam))
	n := r3.Norm(v)
	return k - n, r3.Scale(-1/n, v)
}

func (s Setup) clamp(r float64) float64 {
	return math.Max(-s.ProfileCutoff, math.Min(s.ProfileCutoff, r))
}

// Predict enumerates every reflection within maxRes (1/d, m^-1) which
// intersects the Ewald-sphere shell and lands on exactly one panel.
func (s Setup) Predict(maxRes float64) *reflist.List {
	list := reflist.New()
	if s.Detector.MaxResolution > 0 && s.Detector.MaxResolution < maxRes {
		maxRes = s.Detector.MaxResolution
	}

	as, bs, cs := s.Cell.Reciprocal()
	hmax := int(maxRes / r3.Norm(as))
	kmax := int(maxRes / r3.Norm(bs))
	lmax := int(maxRes / r3.Norm(cs))
	kLow, _, kHigh := s.wavenumbers()

	for h := -hmax; h <= hmax; h++ {
		for k := -kmax; k <= kmax; k++ {
			for l := -lmax; l <= lmax; l++ {
				if h == 0 && k == 0 && l == 0 {
					continue
				}
				q := s.Cell.Q(h, k, l)
				if q.Z > s.ProfileCutoff {
					continue
				}
				if r3.Norm(q) > maxRes {
					continue
				}

				rLow, _ := excitation(q, kLow)
				rHigh, _ := excitation(q, kHigh)
				inside := math.Signbit(rLow) != math.Signbit(rHigh)
				touching := math.Abs(rLow) < s.ProfileCutoff || math.Abs(rHigh) < s.ProfileCutoff
				if !inside && !touching {
					continue
				}

				panel, fs, ss, ok := s.locate(q)
				if !ok {
					continue
				}

				refl := list.Add(reflist.Miller{H: h, K: k, L: l})
				refl.Panel = panel
				refl.FS, refl.SS = fs, ss
				s.fillExcitation(refl, rLow, rHigh)
			}
		}
	}
	return list
}

// locate projects q onto the detector and requires exactly one panel hit.
func (s Setup) locate(q r3.Vec) (panel int, fs, ss float64, ok bool) {
	_, kCen, _ := s.wavenumbers()
	kout := r3.Add(q, r3.Scale(kCen, beam))

	n := 0
	for i := range s.Detector.Panels {
		pfs, pss, hit := s.Project(i, kout)
		if !hit || !s.Detector.Panels[i].Contains(pfs, pss) {
			continue
		}
		panel, fs, ss = i, pfs, pss
		n++
	}
	return panel, fs, ss, n == 1
}

// Project intersects the ray along dir from the sample with the plane of the
// given panel. The returned coordinate may lie outside the panel bounds.
func (s Setup) Project(panel int, dir r3.Vec) (fs, ss float64, ok bool) {
	t, ok := s.rayParameter(panel, dir)
	if !ok {
		return 0, 0, false
	}
	p := &s.Detector.Panels[panel]
	fs, ss = p.Coords(r3.Scale(t, dir), s.Shift)
	return fs, ss, true
}

func (s Setup) rayParameter(panel int, dir r3.Vec) (float64, bool) {
	p := &s.Detector.Panels[panel]
	n := p.Normal()
	den := r3.Dot(n, dir)
	if den == 0 {
		return 0, false
	}
	t := r3.Dot(n, p.Lab(0, 0, s.Shift)) / den
	if !(t > 0) {
		return 0, false
	}
	return t, true
}

// Update recomputes the position and excitation error of an existing
// reflection on its recorded panel. It reports false if the reflection can no
// longer be projected onto that panel's plane.
func (s Setup) Update(refl *reflist.Reflection) bool {
	q := s.Cell.Q(refl.H, refl.K, refl.L)
	kLow, kCen, kHigh := s.wavenumbers()
	rLow, _ := excitation(q, kLow)
	rHigh, _ := excitation(q, kHigh)

	fs, ss, ok := s.Project(refl.Panel, r3.Add(q, r3.Scale(kCen, beam)))
	if !ok {
		return false
	}
	refl.FS, refl.SS = fs, ss
	s.fillExcitation(refl, rLow, rHigh)
	return true
}

func (s Setup) fillExcitation(refl *reflist.Reflection, rLow, rHigh float64) {
	refl.ExErrLow, refl.ExErrHigh = rLow, rHigh
	refl.ExcitationError = (s.clamp(rLow) + s.clamp(rHigh)) / 2
	refl.Lorentz = 1
	if s.ProfileRadius > 0 {
		refl.Partiality = Partiality(rLow, rHigh, s.ProfileRadius)
	}
}

// Position returns the laboratory position of a panel coordinate.
func (s Setup) Position(panel int, fs, ss float64) r3.Vec {
	return s.Detector.Panels[panel].Lab(fs, ss, s.Shift)
}

// ObservedQ returns the scattering vector of a photon detected at the given
// panel coordinate, assuming the central wavelength.
func (s Setup) ObservedQ(panel int, fs, ss float64) r3.Vec {
	_, kCen, _ := s.wavenumbers()
	x := r3.Unit(s.Position(panel, fs, ss))
	return r3.Scale(kCen, r3.Sub(x, beam))
}
