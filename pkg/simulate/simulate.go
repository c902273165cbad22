// Package simulate generates synthetic detectors, crystals and diffraction
// images. It stands in for the image reader, geometry loader and indexer when
// testing the processing engine.
package simulate

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"xtalreduce/internal/models"
	"xtalreduce/pkg/cell"
)

// WavelengthFromEnergy converts a photon energy in eV to a wavelength in metres
func WavelengthFromEnergy(eV float64) float64 {
	const hc = 1.23984198e-6 // eV m
	return hc / eV
}

// SinglePanelDetector creates a square detector of size x size pixels centred
// on the beam at the given distance (in pixels).
func SinglePanelDetector(size int, distancePx, pitch float64) *models.Detector {
	return &models.Detector{
		Panels: []models.Panel{{
			Name:       "p0",
			Corner:     r3.Vec{X: -float64(size) / 2, Y: -float64(size) / 2, Z: distancePx},
			FS:         r3.Vec{X: 1},
			SS:         r3.Vec{Y: 1},
			Pitch:      pitch,
			Width:      size,
			Height:     size,
			Gain:       1,
			Saturation: math.Inf(1),
		}},
	}
}

// DefaultDetector is a 1000x1000 panel of 75 um pixels, 75 mm from the sample
func DefaultDetector() *models.Detector {
	return SinglePanelDetector(1000, 1000, 75e-6)
}

// CubicCell creates a cubic cell with edge a (metres) in standard orientation
func CubicCell(a float64) *cell.UnitCell {
	c, err := cell.NewFromParameters(a, a, a, math.Pi/2, math.Pi/2, math.Pi/2)
	if err != nil {
		panic(fmt.Sprintf("cubic cell: %v", err))
	}
	return c
}

// RandomRotation returns a rotation drawn uniformly over orientations
func RandomRotation(rng *rand.Rand) r3.Rotation {
	q := quat.Number{
		Real: rng.NormFloat64(),
		Imag: rng.NormFloat64(),
		Jmag: rng.NormFloat64(),
		Kmag: rng.NormFloat64(),
	}
	return r3.Rotation(quat.Scale(1/quat.Abs(q), q))
}

// Spot is a reflection to be drawn on an image
type Spot struct {
	Panel  int
	FS, SS float64
	Counts float64
}

// RenderOptions controls image synthesis
type RenderOptions struct {
	// Background is added to every pixel
	Background float64

	// Sigma is the spot width in pixels
	Sigma float64

	// Noise adds Gaussian-approximated counting noise when Rng is set
	Noise bool
	Rng   *rand.Rand
}

// Render adds background and Gaussian spots to img. Each spot is integrated
// exactly over the pixel area, so the pixels of one spot sum to its counts.
func Render(img *models.Image, spots []Spot, opts RenderOptions) {
	sigma := opts.Sigma
	if sigma <= 0 {
		sigma = 1
	}
	for i, p := range img.Detector.Panels {
		for j := range img.Data[i] {
			img.Data[i][j] += float32(opts.Background * p.Gain)
		}
	}

	reach := int(math.Ceil(6 * sigma))
	for _, s := range spots {
		p := &img.Detector.Panels[s.Panel]
		cfs, css := int(s.FS), int(s.SS)
		for ss := css - reach; ss <= css+reach; ss++ {
			if ss < 0 || ss >= p.Height {
				continue
			}
			wy := binnedGaussian(float64(ss), s.SS, sigma)
			for fs := cfs - reach; fs <= cfs+reach; fs++ {
				if fs < 0 || fs >= p.Width {
					continue
				}
				wx := binnedGaussian(float64(fs), s.FS, sigma)
				img.Data[s.Panel][ss*p.Width+fs] += float32(s.Counts * p.Gain * wx * wy)
			}
		}
	}

	if opts.Noise && opts.Rng != nil {
		for i, p := range img.Detector.Panels {
			for j, v := range img.Data[i] {
				if v > 0 {
					img.Data[i][j] = v + float32(opts.Rng.NormFloat64()*math.Sqrt(float64(v)*p.Gain))
				}
			}
		}
	}
}

// binnedGaussian is the probability mass of a unit Gaussian centred on mu
// falling in the pixel [x, x+1).
func binnedGaussian(x, mu, sigma float64) float64 {
	a := (x - mu) / (sigma * math.Sqrt2)
	b := (x + 1 - mu) / (sigma * math.Sqrt2)
	return 0.5 * (math.Erf(b) - math.Erf(a))
}
