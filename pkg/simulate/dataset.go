package simulate

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/spatial/r3"

	"xtalreduce/internal/models"
	"xtalreduce/pkg/cell"
	"xtalreduce/pkg/geometry"
	"xtalreduce/pkg/reflist"
	"xtalreduce/pkg/symmetry"
)

// DatasetOptions controls the synthetic serial dataset
type DatasetOptions struct {
	NumImages     int
	CellEdge      float64
	Energy        float64
	Bandwidth     float64
	ProfileRadius float64
	MaxResolution float64

	// MeanIntensity is the mean full intensity of a reflection, in photons
	MeanIntensity float64

	// ScaleSpread is the relative spread of the per-image scale factor
	ScaleSpread float64

	// PointGroup is the symmetry of the intensities. Empty means "1".
	PointGroup string

	Render RenderOptions
	Seed   int64
}

// DefaultDatasetOptions returns options for a small, clean dataset
func DefaultDatasetOptions() DatasetOptions {
	return DatasetOptions{
		NumImages:     8,
		CellEdge:      10e-9,
		Energy:        8000,
		Bandwidth:     2e-3,
		ProfileRadius: 0.004e9,
		MaxResolution: 2.5e9,
		MeanIntensity: 5000,
		ScaleSpread:   0.3,
		PointGroup:    "m-3m",
		Render:        RenderOptions{Background: 10, Sigma: 1},
		Seed:          1,
	}
}

// Dataset is a set of rendered images with their ground truth
type Dataset struct {
	Detector *models.Detector
	Images   []*models.Image

	// Cells holds the true, oriented cell of each image
	Cells map[*models.Image]*cell.UnitCell

	// Scales holds the true scale factor of each image
	Scales map[*models.Image]float64

	// Intensities holds the true full intensity of every reflection used,
	// keyed by the representative indices of Symmetry
	Intensities map[reflist.Miller]float64

	Symmetry *symmetry.PointGroup
}

// NewDataset renders a dataset. Every image carries one crystal.
func NewDataset(opts DatasetOptions) (*Dataset, error) {
	if opts.NumImages <= 0 {
		return nil, fmt.Errorf("number of images must be positive, got %d", opts.NumImages)
	}
	var pg *symmetry.PointGroup
	if opts.PointGroup != "" {
		var err error
		if pg, err = symmetry.Parse(opts.PointGroup); err != nil {
			return nil, err
		}
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	det := DefaultDetector()
	ds := &Dataset{
		Detector:    det,
		Cells:       make(map[*models.Image]*cell.UnitCell),
		Scales:      make(map[*models.Image]float64),
		Intensities: make(map[reflist.Miller]float64),
		Symmetry:    pg,
	}
	lambda := WavelengthFromEnergy(opts.Energy)
	base := CubicCell(opts.CellEdge)

	render := opts.Render
	if render.Noise && render.Rng == nil {
		render.Rng = rng
	}

	for i := 0; i < opts.NumImages; i++ {
		img := models.NewImage(det, lambda, opts.Bandwidth)
		img.Filename = fmt.Sprintf("sim-%04d", i)

		c := base.Rotated(RandomRotation(rng))
		scale := math.Max(0.1, 1+opts.ScaleSpread*(rng.Float64()*2-1))

		s := geometry.Setup{
			Cell:          c,
			Detector:      det,
			Lambda:        lambda,
			Bandwidth:     opts.Bandwidth,
			ProfileCutoff: geometry.DefaultProfileCutoff,
			ProfileRadius: opts.ProfileRadius,
		}

		var spots []Spot
		for _, refl := range s.Predict(opts.MaxResolution).Sorted() {
			hkl := pg.Asymmetric(refl.Miller)
			full, ok := ds.Intensities[hkl]
			if !ok {
				full = opts.MeanIntensity * (0.2 + rng.ExpFloat64())
				ds.Intensities[hkl] = full
			}
			counts := scale * refl.Partiality * full
			if counts <= 0 {
				continue
			}
			spots = append(spots, Spot{Panel: refl.Panel, FS: refl.FS, SS: refl.SS, Counts: counts})
		}
		Render(img, spots, render)

		ds.Images = append(ds.Images, img)
		ds.Cells[img] = c
		ds.Scales[img] = scale
	}
	return ds, nil
}

// Indexer returns the true cell of each image, disturbed by a small rotation
// and stretch, in place of a real indexing engine.
type Indexer struct {
	Truth map[*models.Image]*cell.UnitCell

	// Angle is the size of the disturbing rotation in radians
	Angle float64

	// Stretch is the relative change applied to the reciprocal basis
	Stretch float64

	Rng *rand.Rand
}

// Index returns one cell guess for img
func (ix *Indexer) Index(img *models.Image) ([]*cell.UnitCell, error) {
	c, ok := ix.Truth[img]
	if !ok {
		return nil, nil
	}
	axis := r3.Vec{X: 1, Y: 0.3, Z: -0.2}
	if ix.Rng != nil {
		axis = r3.Vec{X: ix.Rng.NormFloat64(), Y: ix.Rng.NormFloat64(), Z: ix.Rng.NormFloat64()}
	}
	guess := c.Rotated(r3.NewRotation(ix.Angle, axis))

	as, bs, cs := guess.Reciprocal()
	f := 1 + ix.Stretch
	if err := guess.SetReciprocal(r3.Scale(f, as), r3.Scale(f, bs), r3.Scale(f, cs)); err != nil {
		return nil, fmt.Errorf("disturbing cell: %w", err)
	}
	return []*cell.UnitCell{guess}, nil
}
