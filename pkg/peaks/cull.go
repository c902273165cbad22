package peaks

import (
	"math"

	"xtalreduce/internal/models"
)

// minAligned is the size of a line of peaks treated as an artefact
const minAligned = 4

// cullAligned removes groups of at least minAligned peaks sharing a row
// (CullRows) or a column (CullColumns). All features must be on one panel.
func cullAligned(feats []models.ImageFeature, mode models.CullMode) ([]models.ImageFeature, int) {
	coord := func(f *models.ImageFeature) float64 {
		if mode == models.CullRows {
			return f.SS
		}
		return f.FS
	}

	removed := make([]bool, len(feats))
	n := 0
	for i := range feats {
		if removed[i] {
			continue
		}
		ci := coord(&feats[i])

		var line []int
		for j := i + 1; j < len(feats); j++ {
			if !removed[j] && math.Abs(coord(&feats[j])-ci) < 2 {
				line = append(line, j)
			}
		}
		if len(line)+1 < minAligned {
			continue
		}
		for _, j := range line {
			removed[j] = true
		}
		removed[i] = true
		n += len(line) + 1
	}

	kept := make([]models.ImageFeature, 0, len(feats)-n)
	for i, f := range feats {
		if !removed[i] {
			kept = append(kept, f)
		}
	}
	return kept, n
}
