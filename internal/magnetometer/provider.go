// Package magnetometer provides raw three-axis magnetometer sources and the
// conversion from field vector to compass heading.
package magnetometer

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/shaunagostinho/qibla-dash/internal/sensor"
)

// ErrUnsupported is returned by Unsupported for every sensor operation.
var ErrUnsupported = errors.New("magnetometer: not supported on this platform")

// Reading is one field sample in device axes (x right, y forward, z up), in
// microtesla.
type Reading struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Provider is the interface for magnetometer sources.
type Provider interface {
	Name() string
	RequestPermission(ctx context.Context) (sensor.Permission, error)
	IsAvailable(ctx context.Context) (bool, error)
	// SetUpdateInterval sets the minimum spacing between listener callbacks.
	SetUpdateInterval(d time.Duration)
	AddListener(cb func(Reading)) (sensor.Subscription, error)
}

// Unsupported is the provider for hosts without a magnetometer.
type Unsupported struct{}

func (Unsupported) Name() string { return "Unsupported" }

func (Unsupported) RequestPermission(ctx context.Context) (sensor.Permission, error) {
	return sensor.PermissionDenied, nil
}

func (Unsupported) IsAvailable(ctx context.Context) (bool, error) { return false, nil }

func (Unsupported) SetUpdateInterval(time.Duration) {}

func (Unsupported) AddListener(cb func(Reading)) (sensor.Subscription, error) {
	return nil, ErrUnsupported
}
