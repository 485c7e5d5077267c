// Package compass selects, acquires and releases heading sources and
// publishes a single current-heading signal for the qibla needle.
package compass

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/shaunagostinho/qibla-dash/internal/qibla"
)

// Source is a heading acquisition method.
type Source int

const (
	SourceTrueHeadingGPS Source = iota
	SourceMagneticHeadingGPS
	SourceMagnetometer
)

// AllSources lists every source in declaration order.
var AllSources = []Source{SourceTrueHeadingGPS, SourceMagneticHeadingGPS, SourceMagnetometer}

// DefaultPriority is the auto-selection order. Magnetic-enhanced GPS heading
// comes first because it has proven the most reliably available in the field.
var DefaultPriority = []Source{SourceMagneticHeadingGPS, SourceTrueHeadingGPS, SourceMagnetometer}

// Method labels shown to the user.
const (
	LabelUnavailable  = "Unavailable"
	LabelInitializing = "Initializing..."
)

func (s Source) String() string {
	switch s {
	case SourceTrueHeadingGPS:
		return "gps_true"
	case SourceMagneticHeadingGPS:
		return "gps_magnetic"
	case SourceMagnetometer:
		return "magnetometer"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Label is the human-readable method name.
func (s Source) Label() string {
	switch s {
	case SourceTrueHeadingGPS:
		return "GPS (True North)"
	case SourceMagneticHeadingGPS:
		return "GPS (Magnetic)"
	case SourceMagnetometer:
		return "Magnetometer"
	default:
		return LabelUnavailable
	}
}

// IsGPS reports whether the source is driven by the location provider.
func (s Source) IsGPS() bool {
	return s == SourceTrueHeadingGPS || s == SourceMagneticHeadingGPS
}

func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Source) UnmarshalText(b []byte) error {
	v, err := ParseSource(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSource parses the String form of a Source.
func ParseSource(v string) (Source, error) {
	for _, s := range AllSources {
		if strings.EqualFold(v, s.String()) {
			return s, nil
		}
	}
	return 0, errors.Errorf("unknown compass source %q", v)
}

// Method is what a user may ask for: "auto" or a specific Source.
type Method string

// MethodAuto selects sources by priority.
const MethodAuto Method = "auto"

// MethodFor returns the Method naming s.
func MethodFor(s Source) Method { return Method(s.String()) }

// ParseMethod validates v.
func ParseMethod(v string) (Method, error) {
	if strings.EqualFold(v, string(MethodAuto)) {
		return MethodAuto, nil
	}
	s, err := ParseSource(v)
	if err != nil {
		return "", err
	}
	return MethodFor(s), nil
}

// Source returns the forced source, or false for auto.
func (m Method) Source() (Source, bool) {
	if m == MethodAuto {
		return 0, false
	}
	s, err := ParseSource(string(m))
	if err != nil {
		return 0, false
	}
	return s, true
}

// AccuracyLevel describes what an Accuracy value means. GPS heading sources
// report degrees; the magnetometer only reports a category.
type AccuracyLevel string

const (
	AccuracyInitializing AccuracyLevel = "initializing"
	AccuracyLow          AccuracyLevel = "low"
	AccuracyDegrees      AccuracyLevel = "degrees"
)

// Accuracy is the active source's heading accuracy.
type Accuracy struct {
	Level   AccuracyLevel `json:"level"`
	Degrees *float64      `json:"degrees,omitempty"`
}

func degreesAccuracy(d float64) *Accuracy {
	return &Accuracy{Level: AccuracyDegrees, Degrees: &d}
}

// Phase is the engine's lifecycle position.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDiscovering
	PhaseActive
	PhaseUnavailable
)

func (p Phase) String() string {
	switch p {
	case PhaseDiscovering:
		return "discovering"
	case PhaseActive:
		return "active"
	case PhaseUnavailable:
		return "unavailable"
	default:
		return "idle"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	for _, v := range []Phase{PhaseIdle, PhaseDiscovering, PhaseActive, PhaseUnavailable} {
		if v.String() == string(b) {
			*p = v
			return nil
		}
	}
	return errors.Errorf("unknown compass phase %q", b)
}

// Result is returned by Initialize and Swap.
type Result struct {
	Success     bool            `json:"success"`
	GPSLocation *qibla.Location `json:"gpsLocation,omitempty"`
}

// State is everything the presentation layer reads from the engine.
type State struct {
	CompassEnabled   bool            `json:"compassEnabled"`
	CurrentHeading   float64         `json:"currentHeading"`
	CompassMethod    string          `json:"compassMethod"`
	CompassAccuracy  *Accuracy       `json:"compassAccuracy"`
	AvailableMethods []Source        `json:"availableMethods"`
	GPSLocation      *qibla.Location `json:"gpsLocation,omitempty"`
	UsingGPSLocation bool            `json:"usingGpsLocation"`
	ActiveSource     *Source         `json:"activeSource,omitempty"`
	ForcedSource     *Source         `json:"forcedSource,omitempty"`
	Phase            Phase           `json:"phase"`
}
