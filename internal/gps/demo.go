package gps

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/qibla-dash/internal/qibla"
	"github.com/shaunagostinho/qibla-dash/internal/sensor"
)

// DemoProvider generates simulated location and heading data for testing.
// The simulated device sweeps slowly back and forth around the qibla.
type DemoProvider struct {
	mu          sync.Mutex
	t           float64
	center      qibla.Location
	declination float64
	interval    time.Duration
}

// NewDemoProvider returns a demo provider positioned at center. A zero
// center uses Toronto.
func NewDemoProvider(center qibla.Location) *DemoProvider {
	if center.Latitude == 0 && center.Longitude == 0 {
		center = qibla.Location{Latitude: 43.6532, Longitude: -79.3832, City: "Toronto", Country: "CA"}
	}
	return &DemoProvider{
		center:      center,
		declination: -10.5,
		interval:    100 * time.Millisecond, // 10 Hz
	}
}

func (d *DemoProvider) Name() string { return "Demo GPS (Simulated)" }

func (d *DemoProvider) PermissionStatus(ctx context.Context) (sensor.Permission, error) {
	return sensor.PermissionGranted, nil
}

func (d *DemoProvider) RequestPermission(ctx context.Context) (sensor.Permission, error) {
	return sensor.PermissionGranted, nil
}

func (d *DemoProvider) ServicesEnabled(ctx context.Context) (bool, error) { return true, nil }

func (d *DemoProvider) CurrentPosition(ctx context.Context, timeout time.Duration) (*Fix, error) {
	return &Fix{
		Valid:      true,
		Latitude:   d.center.Latitude + (rand.Float64()-0.5)*0.0001,
		Longitude:  d.center.Longitude + (rand.Float64()-0.5)*0.0001,
		Altitude:   76,
		Satellites: 12,
		FixQuality: "1",
		HDOP:       0.8,
		Timestamp:  time.Now().UTC().Format("150405.00"),
	}, nil
}

func (d *DemoProvider) WatchHeading(cb func(HeadingReading)) (sensor.Subscription, error) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				cb(d.next())
			}
		}
	}()
	return sensor.SubscriptionFunc(func() {
		close(done)
		wg.Wait()
	}), nil
}

func (d *DemoProvider) next() HeadingReading {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.t += 0.1

	target := d.center.Direction()
	trueHeading := qibla.NormalizeDegrees(target + 40*math.Sin(d.t*0.4) + rand.Float64()*0.5)
	return HeadingReading{
		TrueHeading:     trueHeading,
		MagneticHeading: qibla.NormalizeDegrees(trueHeading - d.declination),
		Accuracy:        3,
	}
}
