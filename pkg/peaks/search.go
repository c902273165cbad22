// Package peaks finds diffraction spots on detector images and measures them
// by aperture photometry.
package peaks

import (
	"math"

	"xtalreduce/internal/models"
)

// SearchOptions controls the peak search
type SearchOptions struct {
	// Threshold is the minimum pixel value of a seed
	Threshold float64

	// MinGradient is the minimum squared local gradient of a seed
	MinGradient float64

	// MinSNR rejects integrated peaks weaker than this
	MinSNR float64

	Aperture Aperture

	// UseSaturated keeps seeds above the panel saturation value
	UseSaturated bool
}

// DefaultSearchOptions returns the usual search parameters
func DefaultSearchOptions() SearchOptions {
	return SearchOptions{
		Threshold:   100,
		MinGradient: 1000,
		MinSNR:      5,
		Aperture:    Aperture{Inner: 4, Mid: 5, Outer: 7},
	}
}

// SearchStats counts why candidate peaks were rejected
type SearchStats struct {
	Found     int
	Drifted   int
	Vetoed    int
	OffPanel  int
	LowSNR    int
	TooClose  int
	Saturated int
	Culled    int
}

// Search replaces the feature list of img with the peaks found on every panel.
func Search(img *models.Image, opts SearchOptions) SearchStats {
	var stats SearchStats
	img.Features = nil
	index := newFeatureIndex(len(img.Detector.Panels))

	for pn := range img.Detector.Panels {
		start := len(img.Features)
		searchPanel(img, pn, opts, index, &stats)
		if mode := img.Detector.Panels[pn].Cull; mode != models.CullNone {
			kept, n := cullAligned(img.Features[start:], mode)
			img.Features = append(img.Features[:start], kept...)
			stats.Culled += n
		}
	}
	stats.Found = len(img.Features)
	return stats
}

func searchPanel(img *models.Image, pn int, opts SearchOptions, index *featureIndex, stats *SearchStats) {
	p := &img.Detector.Panels[pn]
	data := img.Data[pn]
	w, h := p.Width, p.Height
	at := func(fs, ss int) float64 { return float64(data[ss*w+fs]) }
	r := int(opts.Aperture.Inner)
	r2 := opts.Aperture.Inner * opts.Aperture.Inner

	for ss := 1; ss < h-1; ss++ {
		for fs := 1; fs < w-1; fs++ {
			v := at(fs, ss)
			if v < opts.Threshold {
				continue
			}
			if p.IsSaturated(v) && !opts.UseSaturated {
				stats.Saturated++
				continue
			}

			dx1 := at(fs, ss) - at(fs+1, ss)
			dx2 := at(fs-1, ss) - at(fs, ss)
			dy1 := at(fs, ss) - at(fs, ss+1)
			dy2 := at(fs, ss-1) - at(fs, ss)
			grad := (dx1*dx1+dx2*dx2)/2 + (dy1*dy1+dy2*dy2)/2
			if grad < opts.MinGradient {
				continue
			}

			// Climb to the local maximum
			mfs, mss := fs, ss
			drifted := false
			for {
				best := at(mfs, mss)
				nfs, nss := mfs, mss
				for sss := max(mss-r, 0); sss <= min(mss+r, h-1); sss++ {
					for sfs := max(mfs-r, 0); sfs <= min(mfs+r, w-1); sfs++ {
						if at(sfs, sss) > best {
							best = at(sfs, sss)
							nfs, nss = sfs, sss
						}
					}
				}
				if nfs == mfs && nss == mss {
					break
				}
				mfs, mss = nfs, nss
				dfs, dss := float64(mfs-fs), float64(mss-ss)
				if dfs*dfs+dss*dss > r2 {
					drifted = true
					break
				}
			}
			if drifted {
				stats.Drifted++
				continue
			}

			m, veto := Integrate(img, pn, mfs, mss, opts.Aperture, nil)
			if veto != VetoNone {
				stats.Vetoed++
				continue
			}
			if m.Saturated && !opts.UseSaturated {
				stats.Saturated++
				continue
			}
			if !p.Contains(m.FS, m.SS) {
				stats.OffPanel++
				continue
			}
			snr := m.SNR()
			if math.IsNaN(snr) || snr < opts.MinSNR {
				stats.LowSNR++
				continue
			}
			if _, d, ok := index.nearest(pn, m.FS, m.SS); ok && d < 2*opts.Aperture.Inner {
				stats.TooClose++
				continue
			}

			index.insert(pn, panelPoint{FS: m.FS, SS: m.SS, Index: len(img.Features)})
			img.Features = append(img.Features, models.ImageFeature{
				Panel:     pn,
				FS:        m.FS,
				SS:        m.SS,
				Intensity: m.Intensity,
				SNR:       snr,
			})
		}
	}
}
