package magnetometer

import (
	"math"

	"github.com/shaunagostinho/qibla-dash/internal/qibla"
)

// Calibration holds hard-iron offsets subtracted from every reading before the
// heading is computed.
type Calibration struct {
	OffsetX float64 `yaml:"offset_x" json:"offsetX"`
	OffsetY float64 `yaml:"offset_y" json:"offsetY"`
	OffsetZ float64 `yaml:"offset_z" json:"offsetZ"`
}

// Apply returns r with the offsets removed.
func (c Calibration) Apply(r Reading) Reading {
	return Reading{X: r.X - c.OffsetX, Y: r.Y - c.OffsetY, Z: r.Z - c.OffsetZ}
}

// Heading converts a flat-held reading to a magnetic heading in [0,360).
// With the device's forward axis on magnetic north the horizontal field lies
// along +y, which atan2 reports as 90 degrees.
func Heading(r Reading, cal Calibration) float64 {
	r = cal.Apply(r)
	angle := math.Atan2(r.Y, r.X) * 180 / math.Pi
	return qibla.NormalizeDegrees(angle - 90)
}
