package magnetometer

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/qibla-dash/internal/sensor"
)

// DemoProvider generates a slowly rotating horizontal field, as if the
// device were being turned in a circle.
type DemoProvider struct {
	mu       sync.Mutex
	t        float64
	interval time.Duration
	strength float64
}

func NewDemoProvider() *DemoProvider {
	return &DemoProvider{interval: 100 * time.Millisecond, strength: 45}
}

func (d *DemoProvider) Name() string { return "Demo Magnetometer (Simulated)" }

func (d *DemoProvider) RequestPermission(ctx context.Context) (sensor.Permission, error) {
	return sensor.PermissionGranted, nil
}

func (d *DemoProvider) IsAvailable(ctx context.Context) (bool, error) { return true, nil }

func (d *DemoProvider) SetUpdateInterval(iv time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if iv > 0 {
		d.interval = iv
	}
}

func (d *DemoProvider) AddListener(cb func(Reading)) (sensor.Subscription, error) {
	d.mu.Lock()
	interval := d.interval
	d.mu.Unlock()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
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

func (d *DemoProvider) next() Reading {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.t += 0.05

	// Field direction in device axes rotates opposite to the device.
	heading := d.t * 0.5
	return Reading{
		X: -d.strength * math.Sin(heading),
		Y: d.strength * math.Cos(heading),
		Z: -30 + rand.Float64(),
	}
}
