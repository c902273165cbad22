package models

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// Region is a rectangle of pixels, inclusive on all sides
type Region struct {
	MinFS, MaxFS int
	MinSS, MaxSS int
}

// Contains reports whether the pixel lies inside the region
func (r Region) Contains(fs, ss int) bool {
	return fs >= r.MinFS && fs <= r.MaxFS && ss >= r.MinSS && ss <= r.MaxSS
}

// CullMode selects which artefact lines are removed from a panel's peaks
type CullMode int

const (
	CullNone CullMode = iota
	CullRows
	CullColumns
)

// Panel describes one flat rectangular detector module
type Panel struct {
	// Name identifies the panel in logs
	Name string

	// Corner is the position of pixel (0,0) in pixel units
	Corner r3.Vec

	// FS and SS are the fast-scan and slow-scan basis vectors in pixel units
	FS r3.Vec
	SS r3.Vec

	// Pitch is the pixel size in metres
	Pitch float64

	// Width and Height are the panel size in pixels
	Width  int
	Height int

	// Gain is the number of detector units per photon
	Gain float64

	// Saturation is the highest trustworthy pixel value. Zero means no limit.
	Saturation float64

	// Cull selects removal of peaks lined up along rows or columns
	Cull CullMode

	// BadRegions lists pixel rectangles which must never be used
	BadRegions []Region
}

// IsSaturated reports whether a pixel value lies above the saturation limit
func (p *Panel) IsSaturated(v float64) bool {
	return p.Saturation > 0 && v > p.Saturation
}

// Lab returns the laboratory position in metres of the panel coordinate
// (fs, ss) when the whole detector is displaced by shift.
func (p *Panel) Lab(fs, ss float64, shift r3.Vec) r3.Vec {
	pix := r3.Add(p.Corner, r3.Add(r3.Scale(fs, p.FS), r3.Scale(ss, p.SS)))
	return r3.Add(r3.Scale(p.Pitch, pix), shift)
}

// Normal returns a vector perpendicular to the panel surface
func (p *Panel) Normal() r3.Vec {
	return r3.Cross(p.FS, p.SS)
}

// Coords returns the panel coordinate of a laboratory position lying in the
// panel plane (displaced by shift).
func (p *Panel) Coords(x r3.Vec, shift r3.Vec) (fs, ss float64) {
	d := r3.Sub(r3.Scale(1/p.Pitch, r3.Sub(x, shift)), p.Corner)

	ff := r3.Dot(p.FS, p.FS)
	fsd := r3.Dot(p.FS, p.SS)
	sss := r3.Dot(p.SS, p.SS)
	bf := r3.Dot(p.FS, d)
	bs := r3.Dot(p.SS, d)

	det := ff*sss - fsd*fsd
	fs = (bf*sss - bs*fsd) / det
	ss = (bs*ff - bf*fsd) / det
	return fs, ss
}

// Contains reports whether (fs, ss) lies on the panel
func (p *Panel) Contains(fs, ss float64) bool {
	return fs >= 0 && ss >= 0 && fs < float64(p.Width) && ss < float64(p.Height)
}

// InBadRegion reports whether the pixel falls in any bad region
func (p *Panel) InBadRegion(fs, ss int) bool {
	for _, r := range p.BadRegions {
		if r.Contains(fs, ss) {
			return true
		}
	}
	return false
}

// Detector is an ordered collection of panels
type Detector struct {
	Panels []Panel

	// MaskGood lists flag bits which must all be set for a pixel to be used
	MaskGood uint16

	// MaskBad lists flag bits of which none may be set for a pixel to be used
	MaskBad uint16

	// MaxResolution limits prediction, in m^-1 (1/d). Zero means unlimited.
	MaxResolution float64
}

// FlagsOK reports whether a pixel's flag word passes both masks
func (d *Detector) FlagsOK(flags uint16) bool {
	return flags&d.MaskGood == d.MaskGood && flags&d.MaskBad == 0
}
