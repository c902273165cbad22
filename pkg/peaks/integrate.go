package peaks

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"xtalreduce/internal/models"
)

// Aperture holds the integration radii in pixels. Signal is taken within
// Inner, background between Mid and Outer.
type Aperture struct {
	Inner float64
	Mid   float64
	Outer float64
}

// Validate checks that the radii are positive and ordered
func (a Aperture) Validate() error {
	if a.Inner <= 0 || a.Mid < a.Inner || a.Outer <= a.Mid {
		return fmt.Errorf("invalid aperture radii %g/%g/%g", a.Inner, a.Mid, a.Outer)
	}
	return nil
}

// Veto is the reason a peak could not be integrated
type Veto int

const (
	VetoNone Veto = iota
	VetoOffPanel
	VetoBadPixel
	VetoNoBackground
	VetoNoSignal
	VetoNegativeVariance
)

func (v Veto) String() string {
	switch v {
	case VetoNone:
		return "none"
	case VetoOffPanel:
		return "off panel"
	case VetoBadPixel:
		return "bad pixel"
	case VetoNoBackground:
		return "no background"
	case VetoNoSignal:
		return "no signal"
	case VetoNegativeVariance:
		return "negative variance"
	default:
		return "unknown"
	}
}

// Measurement is the result of integrating one peak
type Measurement struct {
	// FS and SS are the intensity-weighted centroid
	FS, SS float64

	Intensity float64
	Sigma     float64

	// Saturated is set if any aperture pixel exceeded the panel saturation
	Saturated bool
}

// SNR returns |I|/sigma
func (m Measurement) SNR() float64 {
	return math.Abs(m.Intensity) / m.Sigma
}

// Mask flags pixels, per panel, which must not contribute to background
// estimates. A nil Mask or nil panel entry excludes nothing.
type Mask [][]bool

func (m Mask) masked(panel, idx int) bool {
	if m == nil || m[panel] == nil {
		return false
	}
	return m[panel][idx]
}

// Integrate performs aperture photometry around pixel (cfs, css).
func Integrate(img *models.Image, panel, cfs, css int, ap Aperture, bg Mask) (Measurement, Veto) {
	p := &img.Detector.Panels[panel]
	data := img.Data[panel]
	lim := int(math.Ceil(ap.Outer))
	inner2 := ap.Inner * ap.Inner
	mid2 := ap.Mid * ap.Mid
	outer2 := ap.Outer * ap.Outer

	var m Measurement
	var bgVals []float64

	type sample struct {
		fs, ss int
		val    float64
	}
	var signal []sample

	for dss := -lim; dss <= lim; dss++ {
		for dfs := -lim; dfs <= lim; dfs++ {
			r2 := float64(dfs*dfs + dss*dss)
			if r2 > outer2 {
				continue
			}
			inSignal := r2 <= inner2
			inBackground := r2 >= mid2
			if !inSignal && !inBackground {
				continue
			}

			pfs, pss := cfs+dfs, css+dss
			if pfs < 0 || pss < 0 || pfs >= p.Width || pss >= p.Height {
				return m, VetoOffPanel
			}
			if !img.PixelUsable(panel, pfs, pss) {
				return m, VetoBadPixel
			}

			idx := pss*p.Width + pfs
			val := float64(data[idx])
			if p.IsSaturated(val) {
				m.Saturated = true
			}

			if inBackground && !bg.masked(panel, idx) {
				bgVals = append(bgVals, val)
			}
			if inSignal {
				signal = append(signal, sample{pfs, pss, val})
			}
		}
	}

	if len(bgVals) == 0 {
		return m, VetoNoBackground
	}
	if len(signal) == 0 {
		return m, VetoNoSignal
	}
	bgMean, bgVar := stat.PopMeanVariance(bgVals, nil)

	var total, fsct, ssct float64
	for _, s := range signal {
		v := s.val - bgMean
		total += v
		fsct += v * float64(s.fs)
		ssct += v * float64(s.ss)
	}

	variance := float64(len(signal))*bgVar + p.Gain*total
	if variance < 0 {
		return m, VetoNegativeVariance
	}

	m.FS = fsct/total + 0.5
	m.SS = ssct/total + 0.5
	m.Intensity = total
	m.Sigma = math.Sqrt(variance)
	return m, VetoNone
}
