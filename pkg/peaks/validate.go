package peaks

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"xtalreduce/internal/models"
	"xtalreduce/pkg/cell"
	"xtalreduce/pkg/geometry"
	"xtalreduce/pkg/reflist"
)

// snapDistance is the largest distance, in pixels, over which a predicted
// reflection is moved onto an observed peak before integration.
const snapDistance = 10

// Validate re-integrates the existing peaks of img and replaces the feature
// list with those passing the same filters as Search. It returns the number
// of peaks kept.
func Validate(img *models.Image, opts SearchOptions) int {
	index := newFeatureIndex(len(img.Detector.Panels))
	kept := make([]models.ImageFeature, 0, len(img.Features))

	for _, f := range img.Features {
		p := &img.Detector.Panels[f.Panel]
		m, veto := Integrate(img, f.Panel, int(f.FS), int(f.SS), opts.Aperture, nil)
		if veto != VetoNone {
			continue
		}
		if m.Saturated && !opts.UseSaturated {
			continue
		}
		if !p.Contains(m.FS, m.SS) {
			continue
		}
		snr := m.SNR()
		if math.IsNaN(snr) || snr < opts.MinSNR {
			continue
		}
		if _, d, ok := index.nearest(f.Panel, m.FS, m.SS); ok && d < 2*opts.Aperture.Inner {
			continue
		}

		index.insert(f.Panel, panelPoint{FS: m.FS, SS: m.SS, Index: len(kept)})
		kept = append(kept, models.ImageFeature{
			Panel:     f.Panel,
			FS:        m.FS,
			SS:        m.SS,
			Intensity: m.Intensity,
			SNR:       snr,
		})
	}

	img.Features = kept
	return len(kept)
}

// BackgroundMask marks the pixels within radius of every predicted reflection
// in list, so that background estimates avoid neighbouring signal.
func BackgroundMask(img *models.Image, list *reflist.List, radius float64) Mask {
	mask := make(Mask, len(img.Detector.Panels))
	for i, p := range img.Detector.Panels {
		mask[i] = make([]bool, p.Width*p.Height)
	}

	lim := int(math.Ceil(radius))
	r2 := radius * radius
	for _, refl := range list.Sorted() {
		p := &img.Detector.Panels[refl.Panel]
		cfs, css := int(refl.FS), int(refl.SS)
		for dss := -lim; dss <= lim; dss++ {
			for dfs := -lim; dfs <= lim; dfs++ {
				if float64(dfs*dfs+dss*dss) > r2 {
					continue
				}
				fs, ss := cfs+dfs, css+dss
				if fs < 0 || ss < 0 || fs >= p.Width || ss >= p.Height {
					continue
				}
				mask[refl.Panel][ss*p.Width+fs] = true
			}
		}
	}
	return mask
}

// IntegrationOptions controls integration of predicted reflections
type IntegrationOptions struct {
	Aperture Aperture

	// IntegrateSaturated keeps reflections which touch saturated pixels
	IntegrateSaturated bool

	// SnapToPeak integrates at the closest found peak, if one is near enough
	SnapToPeak bool
}

// IntegrateReflections measures every reflection in list at its predicted
// position on img. Reflections which cannot be integrated are removed. It
// returns the number of reflections measured.
func IntegrateReflections(img *models.Image, c *cell.UnitCell, list *reflist.List, opts IntegrationOptions) int {
	refls := list.Sorted()
	sort.SliceStable(refls, func(i, j int) bool {
		return c.Resolution(refls[i].H, refls[i].K, refls[i].L) < c.Resolution(refls[j].H, refls[j].K, refls[j].L)
	})

	mask := BackgroundMask(img, list, opts.Aperture.Inner)

	var index *featureIndex
	if opts.SnapToPeak {
		pts := make([][]panelPoint, len(img.Detector.Panels))
		for i, f := range img.Features {
			pts[f.Panel] = append(pts[f.Panel], panelPoint{FS: f.FS, SS: f.SS, Index: i})
		}
		index = buildFeatureIndex(len(img.Detector.Panels), pts)
	}

	n := 0
	for _, refl := range refls {
		fs, ss := refl.FS, refl.SS
		if index != nil {
			if pt, d, ok := index.nearest(refl.Panel, fs, ss); ok && d < snapDistance {
				fs, ss = pt.FS, pt.SS
			}
		}

		m, veto := Integrate(img, refl.Panel, int(fs), int(ss), opts.Aperture, mask)
		if veto != VetoNone || (m.Saturated && !opts.IntegrateSaturated) {
			list.Delete(refl.Miller)
			continue
		}
		refl.Intensity = m.Intensity
		refl.Sigma = m.Sigma
		refl.Saturated = m.Saturated
		refl.Redundancy = 1
		n++
	}
	return n
}

// LatticeAgreement counts the peaks whose fractional Miller indices, under the
// given setup, all lie within tolerance of integers.
func LatticeAgreement(img *models.Image, s geometry.Setup, tolerance float64) (agree, total int) {
	a, b, c := s.Cell.Cartesian()
	for _, f := range img.Features {
		q := s.ObservedQ(f.Panel, f.FS, f.SS)
		ok := true
		for _, axis := range [3]float64{r3.Dot(q, a), r3.Dot(q, b), r3.Dot(q, c)} {
			if math.Abs(axis-math.Round(axis)) > tolerance {
				ok = false
				break
			}
		}
		if ok {
			agree++
		}
	}
	return agree, len(img.Features)
}

// SanityCheck reports whether at least half of the peaks agree with the
// lattice to within a quarter of an index.
func SanityCheck(img *models.Image, s geometry.Setup) bool {
	agree, total := LatticeAgreement(img, s, 0.25)
	if total == 0 {
		return false
	}
	return float64(agree)/float64(total) >= 0.5
}
