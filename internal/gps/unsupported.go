package gps

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/shaunagostinho/qibla-dash/internal/sensor"
)

// ErrUnsupported is returned by Unsupported for every sensor operation.
var ErrUnsupported = errors.New("gps: not supported on this platform")

// Unsupported is the provider for hosts without location hardware. Only
// manually entered locations are usable there.
type Unsupported struct{}

func (Unsupported) Name() string { return "Unsupported" }

func (Unsupported) PermissionStatus(ctx context.Context) (sensor.Permission, error) {
	return sensor.PermissionDenied, nil
}

func (Unsupported) RequestPermission(ctx context.Context) (sensor.Permission, error) {
	return sensor.PermissionDenied, nil
}

func (Unsupported) ServicesEnabled(ctx context.Context) (bool, error) { return false, nil }

func (Unsupported) CurrentPosition(ctx context.Context, timeout time.Duration) (*Fix, error) {
	return nil, ErrUnsupported
}

func (Unsupported) WatchHeading(cb func(HeadingReading)) (sensor.Subscription, error) {
	return nil, ErrUnsupported
}
