package qibla

import (
	"encoding/json"
	"math"

	"github.com/pkg/errors"
)

// Alignment describes how closely the device points at the qibla.
type Alignment int

const (
	// AlignmentUnknown means the bearing is known but the device orientation
	// is not (no live heading).
	AlignmentUnknown Alignment = iota
	AlignmentAligned
	AlignmentClose
	AlignmentFar
)

func (a Alignment) String() string {
	switch a {
	case AlignmentAligned:
		return "aligned"
	case AlignmentClose:
		return "close"
	case AlignmentFar:
		return "far"
	default:
		return "unknown"
	}
}

func (a Alignment) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Alignment) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for _, v := range []Alignment{AlignmentUnknown, AlignmentAligned, AlignmentClose, AlignmentFar} {
		if v.String() == name {
			*a = v
			return nil
		}
	}
	return errors.Errorf("unknown alignment %q", name)
}

// Default thresholds in degrees.
const (
	DefaultAlignedThreshold = 1.0
	DefaultCloseThreshold   = 10.0
)

// Classifier buckets the angle between the target bearing and the current
// heading.
type Classifier struct {
	Aligned float64 `yaml:"aligned_deg" json:"alignedDeg"`
	Close   float64 `yaml:"close_deg" json:"closeDeg"`
}

// DefaultClassifier returns the 1°/10° classifier.
func DefaultClassifier() Classifier {
	return Classifier{Aligned: DefaultAlignedThreshold, Close: DefaultCloseThreshold}
}

// Offset returns targetBearing - currentHeading wrapped into [-180,180]. This
// is the rotation to apply to the needle.
func Offset(targetBearing, currentHeading float64) float64 {
	return WrapTarget(0, targetBearing-currentHeading)
}

// Classify returns the alignment for a live heading. Callers without a live
// heading should report AlignmentUnknown instead.
func (c Classifier) Classify(targetBearing, currentHeading float64) Alignment {
	diff := math.Abs(Offset(targetBearing, currentHeading))
	normalized := math.Min(diff, 360-diff)
	switch {
	case normalized <= c.Aligned:
		return AlignmentAligned
	case normalized <= c.Close:
		return AlignmentClose
	default:
		return AlignmentFar
	}
}
