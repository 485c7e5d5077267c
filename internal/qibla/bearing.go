package qibla

import (
	"math"

	geo "github.com/kellydunn/golang-geo"
)

// Kaaba is the fixed reference point every bearing is computed against.
var Kaaba = Location{Latitude: 21.4225, Longitude: 39.8262, City: "Makkah", Country: "SA"}

// Location is a point on the Earth in decimal degrees. City, Country and
// Timezone are display metadata only.
type Location struct {
	Latitude  float64 `yaml:"latitude" json:"latitude"`
	Longitude float64 `yaml:"longitude" json:"longitude"`
	City      string  `yaml:"city,omitempty" json:"city,omitempty"`
	Country   string  `yaml:"country,omitempty" json:"country,omitempty"`
	Timezone  string  `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

// Valid reports whether the coordinates are finite and on the Earth.
func (l Location) Valid() bool {
	if math.IsNaN(l.Latitude) || math.IsNaN(l.Longitude) ||
		math.IsInf(l.Latitude, 0) || math.IsInf(l.Longitude, 0) {
		return false
	}
	return l.Latitude >= -90 && l.Latitude <= 90 && l.Longitude >= -180 && l.Longitude <= 180
}

func (l Location) point() *geo.Point {
	return geo.NewPoint(l.Latitude, l.Longitude)
}

// CalculateDirection returns the great-circle initial bearing from the given
// point to the Kaaba, clockwise from true north, in [0,360) and rounded to one
// decimal place. At the Kaaba itself the bearing is degenerate and 0 is
// returned.
func CalculateDirection(latitude, longitude float64) float64 {
	from := geo.NewPoint(latitude, longitude)
	bearing := NormalizeDegrees(from.BearingTo(Kaaba.point()))
	rounded := math.Round(bearing*10) / 10
	if rounded >= 360 {
		rounded = 0
	}
	return rounded
}

// Direction is CalculateDirection for a Location.
func (l Location) Direction() float64 {
	return CalculateDirection(l.Latitude, l.Longitude)
}

// DistanceKm returns the great-circle distance to the Kaaba in kilometres,
// rounded to 0.1 km.
func DistanceKm(latitude, longitude float64) float64 {
	d := geo.NewPoint(latitude, longitude).GreatCircleDistance(Kaaba.point())
	return math.Round(d*10) / 10
}
