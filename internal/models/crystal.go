package models

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"xtalreduce/pkg/cell"
	"xtalreduce/pkg/reflist"
)

// Flag records why a crystal was excluded from further processing
type Flag int

const (
	FlagOK Flag = iota
	FlagFewReflections
	FlagSolveFailed
	FlagEarly
	FlagLowCC
	FlagBigB
)

func (f Flag) String() string {
	switch f {
	case FlagOK:
		return "OK"
	case FlagFewReflections:
		return "not enough reflections"
	case FlagSolveFailed:
		return "solve failed"
	case FlagEarly:
		return "early rejection"
	case FlagLowCC:
		return "low CC"
	case FlagBigB:
		return "B too big"
	default:
		return "unknown flag"
	}
}

// DefaultProfileRadius is the profile radius of a newly indexed crystal, in m^-1
const DefaultProfileRadius = 0.001e9

// Crystal is one lattice found on an image
type Crystal struct {
	// Cell is owned by this crystal and never shared
	Cell *cell.UnitCell

	// Image is the exposure the crystal was found on. Not owned.
	Image *Image

	// Mosaicity is the angular spread in radians
	Mosaicity float64

	// ProfileRadius is the reciprocal-space reflection radius in m^-1
	ProfileRadius float64

	// ShiftX and ShiftY displace the detector, in metres
	ShiftX float64
	ShiftY float64

	// OSF is the overall scale factor G
	OSF float64

	// Bfac is the B-factor in m^2
	Bfac float64

	// Notes collects free-form processing remarks
	Notes []string

	// Flag is FlagOK unless the crystal has been rejected
	Flag Flag

	// Reflections holds the integrated reflections for the current pass
	Reflections *reflist.List
}

// NewCrystal creates a crystal on img taking ownership of c
func NewCrystal(img *Image, c *cell.UnitCell) *Crystal {
	return &Crystal{
		Cell:          c,
		Image:         img,
		ProfileRadius: DefaultProfileRadius,
		OSF:           1,
	}
}

// Shift returns the detector displacement as a vector
func (cr *Crystal) Shift() r3.Vec {
	return r3.Vec{X: cr.ShiftX, Y: cr.ShiftY}
}

// AddNote appends a formatted line to the crystal notes
func (cr *Crystal) AddNote(format string, args ...interface{}) {
	cr.Notes = append(cr.Notes, fmt.Sprintf(format, args...))
}

// Copy returns a crystal with its own copy of the cell and reflections,
// sharing the parent image.
func (cr *Crystal) Copy() *Crystal {
	cp := *cr
	cp.Cell = cr.Cell.Copy()
	cp.Notes = append([]string(nil), cr.Notes...)
	if cr.Reflections != nil {
		cp.Reflections = cr.Reflections.Copy()
	}
	return &cp
}
