package qibla

import "math"

// NormalizeDegrees reduces an angle to [0,360).
func NormalizeDegrees(a float64) float64 {
	a = math.Mod(a, 360)
	if a < 0 {
		a += 360
	}
	if a >= 360 {
		a = 0
	}
	return a
}

// WrapTarget adjusts target by whole turns so that it lies within 180 degrees
// of current. Animating from current to the result never takes the long way
// round the 0/360 boundary.
func WrapTarget(current, target float64) float64 {
	delta := math.Mod(target-current, 360)
	if delta > 180 {
		delta -= 360
	} else if delta < -180 {
		delta += 360
	}
	return current + delta
}

// Difference returns the smallest angle between two headings, in [0,180].
func Difference(a, b float64) float64 {
	d := math.Abs(NormalizeDegrees(a) - NormalizeDegrees(b))
	return math.Min(d, 360-d)
}
