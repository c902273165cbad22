package geometry

// Partiality returns the fraction of a spherical reflection profile of the
// given radius which passes between the two excitation errors.
func Partiality(rLow, rHigh, radius float64) float64 {
	return profileFraction(rHigh, radius) - profileFraction(rLow, radius)
}

// profileFraction is the volume fraction of a sphere of radius R cut off at
// distance r from its far edge.
func profileFraction(r, radius float64) float64 {
	u := (r + radius) / (2 * radius)
	if u < 0 {
		u = 0
	}
	if u > 1 {
		u = 1
	}
	return 3*u*u - 2*u*u*u
}
