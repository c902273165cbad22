package peaks

import (
	"math"
	"math/rand"
	"testing"

	"xtalreduce/internal/models"
	"xtalreduce/pkg/reflist"
	"xtalreduce/pkg/simulate"
)

// createTestImage renders the given spots on a flat background of 10 counts
func createTestImage(size int, spots []simulate.Spot) *models.Image {
	det := simulate.SinglePanelDetector(size, 1000, 75e-6)
	img := models.NewImage(det, simulate.WavelengthFromEnergy(8000), 1e-3)
	simulate.Render(img, spots, simulate.RenderOptions{Background: 10, Sigma: 1})
	return img
}

func TestIntegrateAccuracy(t *testing.T) {
	const counts = 5000.0
	ap := Aperture{Inner: 4, Mid: 5, Outer: 7}

	t.Run("Noiseless", func(t *testing.T) {
		img := createTestImage(64, []simulate.Spot{{FS: 30.3, SS: 25.7, Counts: counts}})
		m, veto := Integrate(img, 0, 30, 25, ap, nil)
		if veto != VetoNone {
			t.Fatalf("Unexpected veto: %v", veto)
		}
		if math.Abs(m.Intensity-counts) > m.Sigma {
			t.Errorf("Intensity %g differs from %g by more than sigma %g", m.Intensity, counts, m.Sigma)
		}
		if math.Abs(m.FS-30.3) > 0.05 || math.Abs(m.SS-25.7) > 0.05 {
			t.Errorf("Centroid (%g, %g), want (30.3, 25.7)", m.FS, m.SS)
		}
		if want := math.Sqrt(m.Intensity); math.Abs(m.Sigma-want) > 1e-6*want {
			t.Errorf("Sigma %g, want Poisson term %g", m.Sigma, want)
		}
	})

	t.Run("Noisy", func(t *testing.T) {
		det := simulate.SinglePanelDetector(64, 1000, 75e-6)
		img := models.NewImage(det, simulate.WavelengthFromEnergy(8000), 1e-3)
		simulate.Render(img, []simulate.Spot{{FS: 30.5, SS: 30.5, Counts: counts}}, simulate.RenderOptions{
			Background: 10,
			Sigma:      1,
			Noise:      true,
			Rng:        rand.New(rand.NewSource(3)),
		})
		m, veto := Integrate(img, 0, 30, 30, ap, nil)
		if veto != VetoNone {
			t.Fatalf("Unexpected veto: %v", veto)
		}
		if math.Abs(m.Intensity-counts) > 3*m.Sigma {
			t.Errorf("Intensity %g differs from %g by more than 3 sigma (%g)", m.Intensity, counts, m.Sigma)
		}
	})
}

func TestIntegrateVetoes(t *testing.T) {
	ap := Aperture{Inner: 4, Mid: 5, Outer: 7}

	testCases := []struct {
		name   string
		setup  func(img *models.Image)
		fs, ss int
		want   Veto
	}{
		{
			name:  "OffPanel",
			setup: func(img *models.Image) {},
			fs:    2,
			ss:    30,
			want:  VetoOffPanel,
		},
		{
			name: "BadRegion",
			setup: func(img *models.Image) {
				img.Detector.Panels[0].BadRegions = []models.Region{{MinFS: 35, MaxFS: 40, MinSS: 0, MaxSS: 63}}
			},
			fs: 30, ss: 30,
			want: VetoBadPixel,
		},
		{
			name: "FlaggedPixel",
			setup: func(img *models.Image) {
				img.Detector.MaskBad = 1
				img.Flags = [][]uint16{make([]uint16, 64*64)}
				img.Flags[0][31*64+31] = 1
			},
			fs: 30, ss: 30,
			want: VetoBadPixel,
		},
		{
			name: "NegativeVariance",
			setup: func(img *models.Image) {
				for i := range img.Data[0] {
					img.Data[0][i] = 100
				}
				for dss := -4; dss <= 4; dss++ {
					for dfs := -4; dfs <= 4; dfs++ {
						if dfs*dfs+dss*dss < 25 {
							img.Data[0][(30+dss)*64+30+dfs] = 0
						}
					}
				}
			},
			fs: 30, ss: 30,
			want: VetoNegativeVariance,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			img := createTestImage(64, nil)
			tc.setup(img)
			if _, veto := Integrate(img, 0, tc.fs, tc.ss, ap, nil); veto != tc.want {
				t.Errorf("Got veto %v, want %v", veto, tc.want)
			}
		})
	}
}

func TestSearchFindsSpots(t *testing.T) {
	var spots []simulate.Spot
	for i := 0; i < 5; i++ {
		for j := 0; j < 4; j++ {
			spots = append(spots, simulate.Spot{
				FS:     40 + 40*float64(i) + 0.3,
				SS:     40 + 40*float64(j) + 0.6,
				Counts: 2000 + 500*float64(i+j),
			})
		}
	}
	img := createTestImage(256, spots)

	stats := Search(img, DefaultSearchOptions())
	if stats.Found != len(spots) {
		t.Fatalf("Found %d peaks, want %d (stats %+v)", stats.Found, len(spots), stats)
	}

	for _, s := range spots {
		best := math.Inf(1)
		for _, f := range img.Features {
			if d := math.Hypot(f.FS-s.FS, f.SS-s.SS); d < best {
				best = d
			}
		}
		if best > 0.1 {
			t.Errorf("Spot at (%g, %g) found only %.2f px away", s.FS, s.SS, best)
		}
	}
}

func TestSearchRejectsCloseAndSaturated(t *testing.T) {
	t.Run("Proximity", func(t *testing.T) {
		img := createTestImage(128, []simulate.Spot{
			{FS: 60.5, SS: 60.5, Counts: 5000},
			{FS: 66.5, SS: 60.5, Counts: 4000},
		})
		opts := DefaultSearchOptions()
		opts.MinSNR = 1
		stats := Search(img, opts)
		if stats.Found != 1 {
			t.Errorf("Found %d peaks, want 1 (stats %+v)", stats.Found, stats)
		}
	})

	t.Run("Saturated", func(t *testing.T) {
		img := createTestImage(128, []simulate.Spot{{FS: 60.5, SS: 60.5, Counts: 50000}})
		img.Detector.Panels[0].Saturation = 1000

		if stats := Search(img, DefaultSearchOptions()); stats.Found != 0 {
			t.Errorf("Saturated peak was accepted")
		}

		opts := DefaultSearchOptions()
		opts.UseSaturated = true
		if stats := Search(img, opts); stats.Found != 1 {
			t.Errorf("Saturated peak not found with UseSaturated, stats %+v", stats)
		}

		// Zero means the panel has no saturation limit.
		img.Detector.Panels[0].Saturation = 0
		if stats := Search(img, DefaultSearchOptions()); stats.Found != 1 || stats.Saturated != 0 {
			t.Errorf("Peak rejected without a saturation limit, stats %+v", stats)
		}
	})
}

func TestSearchRejectsDriftingClimbs(t *testing.T) {
	testCases := []struct {
		name      string
		sigma     float64
		counts    float64
		wantDrift bool
	}{
		{"CompactSpot", 1, 5000, false},
		// Seeds on the flank of a broad spot climb further than the
		// inner radius to reach the maximum.
		{"BroadSpot", 6, 1e6, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			det := simulate.SinglePanelDetector(128, 1000, 75e-6)
			img := models.NewImage(det, simulate.WavelengthFromEnergy(8000), 1e-3)
			simulate.Render(img, []simulate.Spot{{FS: 64.5, SS: 64.5, Counts: tc.counts}},
				simulate.RenderOptions{Background: 10, Sigma: tc.sigma})

			stats := Search(img, DefaultSearchOptions())
			if got := stats.Drifted > 0; got != tc.wantDrift {
				t.Errorf("Drifted = %d, want drift %v (stats %+v)", stats.Drifted, tc.wantDrift, stats)
			}
		})
	}
}

func TestCullAligned(t *testing.T) {
	feats := []models.ImageFeature{
		{FS: 10, SS: 50.2},
		{FS: 30, SS: 50.9},
		{FS: 55, SS: 49.5},
		{FS: 80, SS: 50.0},
		{FS: 20, SS: 10},
		{FS: 70, SS: 90},
	}

	kept, n := cullAligned(feats, models.CullRows)
	if n != 4 || len(kept) != 2 {
		t.Fatalf("Culled %d, kept %d; want 4 and 2", n, len(kept))
	}
	for _, f := range kept {
		if math.Abs(f.SS-50) < 2 {
			t.Errorf("Aligned peak at (%g, %g) survived", f.FS, f.SS)
		}
	}

	// Three aligned peaks are not an artefact.
	kept, n = cullAligned(feats[1:], models.CullRows)
	if n != 0 || len(kept) != 5 {
		t.Errorf("Culled %d from a line of three", n)
	}

	// No column holds four peaks.
	if _, n := cullAligned(feats, models.CullColumns); n != 0 {
		t.Errorf("Column cull removed %d peaks", n)
	}
}

func TestValidateDropsSpuriousPeaks(t *testing.T) {
	img := createTestImage(128, []simulate.Spot{{FS: 40.5, SS: 40.5, Counts: 5000}})
	img.Features = []models.ImageFeature{
		{Panel: 0, FS: 40.4, SS: 40.6},
		{Panel: 0, FS: 90, SS: 90},
		{Panel: 0, FS: 41.0, SS: 40.0},
	}

	if n := Validate(img, DefaultSearchOptions()); n != 1 {
		t.Fatalf("Validate kept %d peaks, want 1", n)
	}
	if f := img.Features[0]; math.Abs(f.FS-40.5) > 0.05 || math.Abs(f.SS-40.5) > 0.05 {
		t.Errorf("Validated peak at (%g, %g), want (40.5, 40.5)", f.FS, f.SS)
	}
}

func TestIntegrateReflections(t *testing.T) {
	positions := map[reflist.Miller][2]float64{
		{H: 1}:       {30.4, 30.6},
		{K: 1}:       {60.2, 30.1},
		{H: 1, K: 1}: {60.7, 70.3},
		{L: 1}:       {3.0, 70.0}, // too close to the edge
	}
	list := reflist.New()
	var spots []simulate.Spot
	for m, pos := range positions {
		r := list.Add(m)
		r.FS, r.SS = pos[0], pos[1]
		spots = append(spots, simulate.Spot{FS: pos[0], SS: pos[1], Counts: 3000})
	}
	img := createTestImage(128, spots)
	c := simulate.CubicCell(10e-9)

	n := IntegrateReflections(img, c, list, IntegrationOptions{Aperture: DefaultSearchOptions().Aperture})
	if n != 3 || list.Len() != 3 {
		t.Fatalf("Integrated %d reflections, list holds %d; want 3", n, list.Len())
	}
	for _, r := range list.Sorted() {
		if math.Abs(r.Intensity-3000) > r.Sigma {
			t.Errorf("%v: intensity %g, want 3000 +/- %g", r.Miller, r.Intensity, r.Sigma)
		}
		if r.Redundancy != 1 {
			t.Errorf("%v: redundancy %d, want 1", r.Miller, r.Redundancy)
		}
	}
}
