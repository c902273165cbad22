// Package visualization renders detector panels as PNG previews with found
// peaks and predicted reflections marked.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/stat"

	"xtalreduce/internal/models"
	"xtalreduce/pkg/reflist"
)

var (
	peakColor       = color.NRGBA{G: 255, A: 255}
	predictionColor = color.NRGBA{R: 255, A: 255}
)

// Viewer draws the panels of one image
type Viewer struct {
	img         *models.Image
	reflections *reflist.List

	// Scale magnifies the saved previews. Values <= 0 mean 1.
	Scale float64

	// Quantile of the panel values which maps to white
	Quantile float64

	// PeakRadius is the radius in pixels of the ring drawn around each peak
	PeakRadius float64
}

// NewViewer creates a viewer for img. reflections may be nil.
func NewViewer(img *models.Image, reflections *reflist.List) *Viewer {
	return &Viewer{
		img:         img,
		reflections: reflections,
		Scale:       1,
		Quantile:    0.995,
		PeakRadius:  5,
	}
}

// ceiling returns the panel value drawn as white.
func (v *Viewer) ceiling(pn int) float64 {
	data := v.img.Data[pn]
	vals := make([]float64, len(data))
	for i, d := range data {
		vals[i] = float64(d)
	}
	sort.Float64s(vals)
	c := stat.Quantile(v.Quantile, stat.Empirical, vals, nil)
	if !(c > 0) {
		return 1
	}
	return c
}

// ExtractPanel returns panel pn as a greyscale image, linear between zero and
// the configured quantile of its values.
func (v *Viewer) ExtractPanel(pn int) (*image.Gray16, error) {
	if pn < 0 || pn >= len(v.img.Detector.Panels) {
		return nil, fmt.Errorf("panel %d out of range (%d panels)", pn, len(v.img.Detector.Panels))
	}
	p := &v.img.Detector.Panels[pn]
	ceil := v.ceiling(pn)

	out := image.NewGray16(image.Rect(0, 0, p.Width, p.Height))
	for ss := 0; ss < p.Height; ss++ {
		for fs := 0; fs < p.Width; fs++ {
			val := v.img.Value(pn, fs, ss) / ceil
			out.SetGray16(fs, ss, color.Gray16{Y: uint16(math.Max(0, math.Min(65535, val*65535)))})
		}
	}
	return out, nil
}

// Annotate returns panel pn in colour with a ring around every peak and a
// square around every predicted reflection.
func (v *Viewer) Annotate(pn int) (*image.NRGBA, error) {
	grey, err := v.ExtractPanel(pn)
	if err != nil {
		return nil, err
	}
	out := imaging.Clone(grey)

	for _, f := range v.img.Features {
		if f.Panel == pn {
			drawRing(out, f.FS, f.SS, v.PeakRadius, peakColor)
		}
	}
	if v.reflections != nil {
		for _, r := range v.reflections.Sorted() {
			if r.Panel == pn {
				drawSquare(out, r.FS, r.SS, int(math.Ceil(v.PeakRadius)), predictionColor)
			}
		}
	}
	return out, nil
}

func drawRing(img *image.NRGBA, fs, ss, radius float64, c color.NRGBA) {
	steps := int(math.Ceil(2 * math.Pi * radius * 2))
	for i := 0; i < steps; i++ {
		a := 2 * math.Pi * float64(i) / float64(steps)
		x := int(math.Floor(fs + radius*math.Cos(a)))
		y := int(math.Floor(ss + radius*math.Sin(a)))
		if image.Pt(x, y).In(img.Bounds()) {
			img.SetNRGBA(x, y, c)
		}
	}
}

func drawSquare(img *image.NRGBA, fs, ss float64, half int, c color.NRGBA) {
	cx, cy := int(math.Floor(fs)), int(math.Floor(ss))
	for d := -half; d <= half; d++ {
		for _, pt := range []image.Point{
			{cx + d, cy - half}, {cx + d, cy + half},
			{cx - half, cy + d}, {cx + half, cy + d},
		} {
			if pt.In(img.Bounds()) {
				img.SetNRGBA(pt.X, pt.Y, c)
			}
		}
	}
}

// SavePanel writes the annotated panel pn to filename. The format follows
// the file extension.
func (v *Viewer) SavePanel(pn int, filename string) error {
	img, err := v.Annotate(pn)
	if err != nil {
		return err
	}

	var out image.Image = img
	if v.Scale > 0 && v.Scale != 1 {
		w := int(math.Round(float64(img.Bounds().Dx()) * v.Scale))
		h := int(math.Round(float64(img.Bounds().Dy()) * v.Scale))
		out = imaging.Resize(img, w, h, imaging.NearestNeighbor)
	}
	if err := imaging.Save(out, filename); err != nil {
		return fmt.Errorf("failed to save panel %d: %w", pn, err)
	}
	return nil
}

// SavePanelSequence writes every panel to outputDir as prefix_panel_NN.png
func (v *Viewer) SavePanelSequence(outputDir, prefix string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pn := range v.img.Detector.Panels {
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_panel_%02d.png", prefix, pn))
		if err := v.SavePanel(pn, filename); err != nil {
			return err
		}
	}

	return nil
}
