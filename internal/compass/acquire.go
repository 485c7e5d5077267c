package compass

import (
	"context"

	"github.com/shaunagostinho/qibla-dash/internal/gps"
	"github.com/shaunagostinho/qibla-dash/internal/magnetometer"
	"github.com/shaunagostinho/qibla-dash/internal/qibla"
	"github.com/shaunagostinho/qibla-dash/internal/sensor"
)

// acquire runs one source's acquisition. A panic or failure anywhere inside
// counts as a failed attempt and releases whatever the attempt subscribed.
func (e *Engine) acquire(ctx context.Context, gen uint64, src Source, explicit bool) (res Result, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("acquiring %s panicked: %v", src, r)
			res, ok = Result{}, false
		}
		if !ok {
			e.release(gen)
		}
	}()

	e.logger.Debugf("trying %s", src)
	switch src {
	case SourceTrueHeadingGPS, SourceMagneticHeadingGPS:
		return e.acquireGPS(ctx, gen, src, explicit)
	case SourceMagnetometer:
		return e.acquireMagnetometer(ctx, gen)
	}
	return Result{}, false
}

type firstReading struct {
	heading  float64
	accuracy float64
}

func (e *Engine) acquireGPS(ctx context.Context, gen uint64, src Source, explicit bool) (Result, bool) {
	if !e.locationPermission(ctx, explicit) {
		return Result{}, false
	}
	enabled, err := e.loc.ServicesEnabled(ctx)
	if err != nil {
		e.logger.Warnf("location services: %v", err)
		return Result{}, false
	}
	if !enabled {
		e.logger.Infof("location services disabled")
		return Result{}, false
	}

	readings := make(chan firstReading, 1)
	sub, err := e.loc.WatchHeading(func(r gps.HeadingReading) {
		heading := r.MagneticHeading
		if src == SourceTrueHeadingGPS {
			if !r.HasTrueHeading() {
				return
			}
			heading = r.TrueHeading
		}
		if heading < 0 {
			return
		}
		select {
		case readings <- firstReading{heading: heading, accuracy: r.Accuracy}:
		default:
		}
		e.onHeading(gen, src, heading, degreesAccuracy(r.Accuracy))
	})
	if err != nil {
		e.logger.Warnf("watch heading: %v", err)
		return Result{}, false
	}
	if !e.install(gen, &e.headingSub, sub) {
		return Result{}, false
	}

	// A GPS without heading sentences only reports position; the source is
	// not usable until it delivers the heading it is named for.
	var first *firstReading
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.HeadingWindow)
	select {
	case r := <-readings:
		first = &r
	case <-waitCtx.Done():
	}
	cancel()
	if first == nil {
		e.logger.Infof("no %s reading within %s", src, e.cfg.HeadingWindow)
		return Result{}, false
	}

	acc := degreesAccuracy(first.accuracy)
	if !e.activate(gen, src, acc) {
		return Result{}, false
	}
	e.onHeading(gen, src, first.heading, acc)

	res := Result{Success: true}
	fix, err := e.loc.CurrentPosition(ctx, e.cfg.PositionTimeout)
	if err != nil {
		e.logger.Infof("no position fix, keeping manual location: %v", err)
	} else if loc := (qibla.Location{Latitude: fix.Latitude, Longitude: fix.Longitude}); fix.Valid && loc.Valid() {
		res.GPSLocation = &loc
	}

	e.mu.Lock()
	if e.generation != gen {
		e.mu.Unlock()
		return Result{}, false
	}
	if res.GPSLocation != nil {
		l := *res.GPSLocation
		e.gpsLocation = &l
		e.usingGPS = true
	}
	e.mu.Unlock()
	e.notify()
	return res, true
}

func (e *Engine) acquireMagnetometer(ctx context.Context, gen uint64) (Result, bool) {
	perm, err := e.mag.RequestPermission(ctx)
	if err != nil {
		e.logger.Warnf("magnetometer permission: %v", err)
		return Result{}, false
	}
	if perm != sensor.PermissionGranted {
		e.logger.Infof("magnetometer permission %s", perm)
		return Result{}, false
	}
	ok, err := e.mag.IsAvailable(ctx)
	if err != nil || !ok {
		e.logger.Infof("magnetometer not available (%v)", err)
		return Result{}, false
	}

	e.mag.SetUpdateInterval(e.cfg.MagnetometerInterval)
	low := &Accuracy{Level: AccuracyLow}
	sub, err := e.mag.AddListener(func(r magnetometer.Reading) {
		e.onHeading(gen, SourceMagnetometer, magnetometer.Heading(r, e.cfg.Calibration), low)
	})
	if err != nil {
		e.logger.Warnf("magnetometer listener: %v", err)
		return Result{}, false
	}
	if !e.install(gen, &e.magSub, sub) {
		return Result{}, false
	}
	if !e.activate(gen, SourceMagnetometer, &Accuracy{Level: AccuracyInitializing}) {
		return Result{}, false
	}
	return Result{Success: true}, true
}

// install stores sub in slot if session gen is still current. A stale
// subscription is removed immediately.
func (e *Engine) install(gen uint64, slot *sensor.Subscription, sub sensor.Subscription) bool {
	e.mu.Lock()
	if e.generation != gen {
		e.mu.Unlock()
		sub.Remove()
		return false
	}
	*slot = sub
	e.mu.Unlock()
	return true
}

// release drops the subscriptions of a failed attempt in session gen.
func (e *Engine) release(gen uint64) {
	e.mu.Lock()
	if e.generation != gen {
		e.mu.Unlock()
		return
	}
	subs := []sensor.Subscription{e.headingSub, e.magSub}
	e.headingSub, e.magSub = nil, nil
	e.enabled = false
	e.active = nil
	e.mu.Unlock()

	for _, sub := range subs {
		if sub != nil {
			sub.Remove()
		}
	}
}
