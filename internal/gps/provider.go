package gps

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/shaunagostinho/qibla-dash/internal/sensor"
)

// ErrNoFix is returned by CurrentPosition when no valid fix arrived in time.
var ErrNoFix = errors.New("gps: no fix")

// NoHeading marks a heading that the source cannot provide.
const NoHeading = -1.0

// LocationProvider is the interface for location and heading sources.
type LocationProvider interface {
	Name() string
	// PermissionStatus reports the current permission without prompting.
	PermissionStatus(ctx context.Context) (sensor.Permission, error)
	// RequestPermission asks the platform for access.
	RequestPermission(ctx context.Context) (sensor.Permission, error)
	// ServicesEnabled reports whether location services can be used at all.
	ServicesEnabled(ctx context.Context) (bool, error)
	// CurrentPosition waits up to timeout for a valid fix.
	CurrentPosition(ctx context.Context, timeout time.Duration) (*Fix, error)
	// WatchHeading delivers heading updates until the subscription is removed.
	WatchHeading(cb func(HeadingReading)) (sensor.Subscription, error)
}

// HeadingReading is one heading update from a location provider.
type HeadingReading struct {
	TrueHeading     float64 `json:"trueHeading"`     // Degrees true, NoHeading if unknown
	MagneticHeading float64 `json:"magneticHeading"` // Degrees magnetic
	Accuracy        float64 `json:"accuracy"`        // Degrees
}

// HasTrueHeading reports whether the reading carries a true heading.
func (r HeadingReading) HasTrueHeading() bool { return r.TrueHeading >= 0 }

// Fix holds a single GPS fix.
type Fix struct {
	Valid      bool    `json:"valid"`      // Fix is valid
	Latitude   float64 `json:"latitude"`   // Decimal degrees
	Longitude  float64 `json:"longitude"`  // Decimal degrees
	Speed      float64 `json:"speed"`      // km/h
	Course     float64 `json:"course"`     // Degrees true, course over ground
	Altitude   float64 `json:"altitude"`   // Meters
	Satellites int     `json:"satellites"` // Sats in use
	FixQuality string  `json:"fixQuality"` // 0=none, 1=GPS, 2=DGPS
	HDOP       float64 `json:"hdop"`       // Horizontal dilution
	Timestamp  string  `json:"timestamp"`  // UTC time string
}
