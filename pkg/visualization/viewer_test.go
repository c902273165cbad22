package visualization

import (
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"xtalreduce/internal/models"
	"xtalreduce/pkg/reflist"
	"xtalreduce/pkg/simulate"
)

// createTestImage creates a size x size panel whose value is the fast-scan
// coordinate, with one peak and one predicted reflection.
func createTestImage(size int) (*models.Image, *reflist.List) {
	img := models.NewImage(simulate.SinglePanelDetector(size, 1000, 75e-6), 1e-10, 1e-3)
	for ss := 0; ss < size; ss++ {
		for fs := 0; fs < size; fs++ {
			img.Data[0][ss*size+fs] = float32(fs)
		}
	}
	img.Features = []models.ImageFeature{{Panel: 0, FS: 20.5, SS: 20.5, Intensity: 100}}

	list := reflist.New()
	r := list.Add(reflist.Miller{H: 1})
	r.FS, r.SS = 10.5, 30.5
	return img, list
}

func TestExtractPanel(t *testing.T) {
	img, _ := createTestImage(40)
	viewer := NewViewer(img, nil)
	viewer.Quantile = 1

	grey, err := viewer.ExtractPanel(0)
	if err != nil {
		t.Fatalf("Failed to extract panel: %v", err)
	}
	if b := grey.Bounds(); b.Dx() != 40 || b.Dy() != 40 {
		t.Fatalf("Expected 40x40 panel, got %dx%d", b.Dx(), b.Dy())
	}

	testCases := []struct {
		fs   int
		want uint16
	}{
		{0, 0},
		{13, 21845},
		{39, 65535},
	}
	for _, tc := range testCases {
		if got := grey.Gray16At(tc.fs, 7).Y; math.Abs(float64(got)-float64(tc.want)) > 1 {
			t.Errorf("Pixel at fs=%d: expected %d, got %d", tc.fs, tc.want, got)
		}
	}

	if _, err := viewer.ExtractPanel(1); err == nil {
		t.Error("Expected error for out of range panel, got nil")
	}
}

func TestAnnotate(t *testing.T) {
	img, list := createTestImage(40)
	viewer := NewViewer(img, list)

	out, err := viewer.Annotate(0)
	if err != nil {
		t.Fatalf("Failed to annotate panel: %v", err)
	}

	if got := out.NRGBAAt(25, 20); got != peakColor {
		t.Errorf("Expected peak ring at (25,20), got %v", got)
	}
	if got := out.NRGBAAt(5, 30); got != predictionColor {
		t.Errorf("Expected prediction square at (5,30), got %v", got)
	}
	// The peak centre itself is left alone.
	if got := out.NRGBAAt(20, 20); got == peakColor || got == (color.NRGBA{}) {
		t.Errorf("Unexpected colour %v at peak centre", got)
	}
}

func TestSavePanel(t *testing.T) {
	img, list := createTestImage(40)
	viewer := NewViewer(img, list)
	viewer.Scale = 2

	dir := t.TempDir()
	filename := filepath.Join(dir, "panel.png")
	if err := viewer.SavePanel(0, filename); err != nil {
		t.Fatalf("Failed to save panel: %v", err)
	}

	saved, err := imaging.Open(filename)
	if err != nil {
		t.Fatalf("Failed to reopen preview: %v", err)
	}
	if b := saved.Bounds(); b.Dx() != 80 || b.Dy() != 80 {
		t.Errorf("Expected 80x80 preview, got %dx%d", b.Dx(), b.Dy())
	}

	seqDir := filepath.Join(dir, "seq")
	if err := viewer.SavePanelSequence(seqDir, "sim-0000"); err != nil {
		t.Fatalf("Failed to save panel sequence: %v", err)
	}
	if _, err := os.Stat(filepath.Join(seqDir, "sim-0000_panel_00.png")); err != nil {
		t.Errorf("Expected preview file: %v", err)
	}
}
