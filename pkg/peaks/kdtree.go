package peaks

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// panelPoint is a peak position on one panel, tagged with its feature index
type panelPoint struct {
	FS, SS float64
	Index  int
}

// Compare implements the kdtree.Comparable interface
func (p panelPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(panelPoint)
	switch d {
	case 0:
		return p.FS - q.FS
	case 1:
		return p.SS - q.SS
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions
func (p panelPoint) Dims() int { return 2 }

// Distance returns the squared distance between two points
func (p panelPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(panelPoint)
	dfs := p.FS - q.FS
	dss := p.SS - q.SS
	return dfs*dfs + dss*dss
}

// panelPoints is a collection of panelPoint that satisfies kdtree.Interface
type panelPoints []panelPoint

func (p panelPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p panelPoints) Len() int                              { return len(p) }
func (p panelPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p panelPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pointPlane{panelPoints: p, Dim: d}, kdtree.MedianOfMedians(pointPlane{panelPoints: p, Dim: d}))
}

// pointPlane implements sort.Interface and kdtree.SortSlicer for panelPoints
type pointPlane struct {
	panelPoints
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	if p.Dim == 0 {
		return p.panelPoints[i].FS < p.panelPoints[j].FS
	}
	return p.panelPoints[i].SS < p.panelPoints[j].SS
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{panelPoints: p.panelPoints[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.panelPoints[i], p.panelPoints[j] = p.panelPoints[j], p.panelPoints[i]
}

// featureIndex answers nearest-peak queries per panel
type featureIndex struct {
	trees []*kdtree.Tree
}

// newFeatureIndex creates an empty index for a detector with n panels
func newFeatureIndex(n int) *featureIndex {
	fi := &featureIndex{trees: make([]*kdtree.Tree, n)}
	for i := range fi.trees {
		fi.trees[i] = &kdtree.Tree{}
	}
	return fi
}

// buildFeatureIndex indexes existing peak positions per panel
func buildFeatureIndex(n int, pts [][]panelPoint) *featureIndex {
	fi := newFeatureIndex(n)
	for i := range fi.trees {
		if i < len(pts) && len(pts[i]) > 0 {
			fi.trees[i] = kdtree.New(panelPoints(pts[i]), false)
		}
	}
	return fi
}

func (fi *featureIndex) insert(panel int, p panelPoint) {
	fi.trees[panel].Insert(p, false)
}

// nearest returns the closest indexed peak and its distance (not squared)
func (fi *featureIndex) nearest(panel int, fs, ss float64) (panelPoint, float64, bool) {
	c, d2 := fi.trees[panel].Nearest(panelPoint{FS: fs, SS: ss, Index: -1})
	if c == nil {
		return panelPoint{}, 0, false
	}
	return c.(panelPoint), math.Sqrt(d2), true
}
