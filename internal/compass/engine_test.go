package compass

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"

	"github.com/shaunagostinho/qibla-dash/internal/gps"
	"github.com/shaunagostinho/qibla-dash/internal/magnetometer"
	"github.com/shaunagostinho/qibla-dash/internal/sensor"
	"github.com/shaunagostinho/qibla-dash/internal/store"
)

type fakeLocation struct {
	mu           sync.Mutex
	status       sensor.Permission
	grant        sensor.Permission
	requests     int
	services     bool
	servicesErr  error
	fix          *gps.Fix
	fixErr       error
	initial      *gps.HeadingReading
	panicOnWatch bool
	watches      int
	removes      int
	cb           func(gps.HeadingReading)
}

func (f *fakeLocation) Name() string { return "fake" }

func (f *fakeLocation) PermissionStatus(ctx context.Context) (sensor.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeLocation) RequestPermission(ctx context.Context) (sensor.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	f.status = f.grant
	return f.grant, nil
}

func (f *fakeLocation) ServicesEnabled(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.services, f.servicesErr
}

func (f *fakeLocation) CurrentPosition(ctx context.Context, timeout time.Duration) (*gps.Fix, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fixErr != nil {
		return nil, f.fixErr
	}
	if f.fix == nil {
		return nil, gps.ErrNoFix
	}
	fix := *f.fix
	return &fix, nil
}

func (f *fakeLocation) WatchHeading(cb func(gps.HeadingReading)) (sensor.Subscription, error) {
	f.mu.Lock()
	if f.panicOnWatch {
		f.mu.Unlock()
		panic("heading sensor exploded")
	}
	f.watches++
	f.cb = cb
	initial := f.initial
	f.mu.Unlock()

	if initial != nil {
		cb(*initial)
	}
	return sensor.SubscriptionFunc(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.removes++
		f.cb = nil
	}), nil
}

func (f *fakeLocation) emit(r gps.HeadingReading) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb(r)
	}
}

func (f *fakeLocation) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watches - f.removes
}

type fakeMagnetometer struct {
	mu        sync.Mutex
	perm      sensor.Permission
	available bool
	interval  time.Duration
	listeners int
	removes   int
	cb        func(magnetometer.Reading)
}

func (f *fakeMagnetometer) Name() string { return "fake" }

func (f *fakeMagnetometer) RequestPermission(ctx context.Context) (sensor.Permission, error) {
	return f.perm, nil
}

func (f *fakeMagnetometer) IsAvailable(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available, nil
}

func (f *fakeMagnetometer) SetUpdateInterval(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interval = d
}

func (f *fakeMagnetometer) AddListener(cb func(magnetometer.Reading)) (sensor.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners++
	f.cb = cb
	return sensor.SubscriptionFunc(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.removes++
		f.cb = nil
	}), nil
}

func (f *fakeMagnetometer) emit(r magnetometer.Reading) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb(r)
	}
}

func (f *fakeMagnetometer) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listeners - f.removes
}

type countingPrompter struct {
	mu     sync.Mutex
	choice PermissionChoice
	asks   int
}

func (p *countingPrompter) Ask(ctx context.Context) (PermissionChoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.asks++
	return p.choice, nil
}

func (p *countingPrompter) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.asks
}

// blockingPrompter waits until the acquisition context is cancelled.
type blockingPrompter struct {
	entered chan struct{}
}

func (p *blockingPrompter) Ask(ctx context.Context) (PermissionChoice, error) {
	close(p.entered)
	<-ctx.Done()
	return ChoiceNotNow, ctx.Err()
}

func grantedGPS() *fakeLocation {
	return &fakeLocation{
		status:   sensor.PermissionGranted,
		grant:    sensor.PermissionGranted,
		services: true,
		fix:      &gps.Fix{Valid: true, Latitude: 43.6532, Longitude: -79.3832},
		initial:  &gps.HeadingReading{TrueHeading: gps.NoHeading, MagneticHeading: 30, Accuracy: 3},
	}
}

func workingMagnetometer() *fakeMagnetometer {
	return &fakeMagnetometer{perm: sensor.PermissionGranted, available: true}
}

func newTestEngine(t *testing.T, cfg Config, deps Deps) (*Engine, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	deps.Clock = mock
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore()
	}
	return New(cfg, deps, zaptest.NewLogger(t).Sugar()), mock
}

func TestInitializeFallsBackToMagnetometer(t *testing.T) {
	loc := &fakeLocation{status: sensor.PermissionGranted, services: false}
	mag := workingMagnetometer()
	e, _ := newTestEngine(t, DefaultConfig(), Deps{Location: loc, Magnetometer: mag})

	res := e.Initialize(context.Background())
	test.That(t, res.Success, test.ShouldBeTrue)
	test.That(t, res.GPSLocation, test.ShouldBeNil)
	test.That(t, loc.watches, test.ShouldEqual, 0)
	test.That(t, mag.interval, test.ShouldEqual, 100*time.Millisecond)

	st := e.State()
	test.That(t, st.CompassEnabled, test.ShouldBeTrue)
	test.That(t, st.CompassMethod, test.ShouldEqual, "Magnetometer")
	test.That(t, st.AvailableMethods, test.ShouldResemble, []Source{SourceMagnetometer})
	test.That(t, st.CompassAccuracy.Level, test.ShouldEqual, AccuracyInitializing)
	test.That(t, st.Phase, test.ShouldEqual, PhaseActive)

	mag.emit(magnetometer.Reading{X: 30, Y: 0})
	st = e.State()
	test.That(t, st.CurrentHeading, test.ShouldAlmostEqual, 270.0, 1e-9)
	test.That(t, st.CompassAccuracy.Level, test.ShouldEqual, AccuracyLow)
}

func TestInitializePrefersMagneticGPS(t *testing.T) {
	loc := grantedGPS()
	mag := workingMagnetometer()
	e, mock := newTestEngine(t, DefaultConfig(), Deps{Location: loc, Magnetometer: mag})

	res := e.Initialize(context.Background())
	test.That(t, res.Success, test.ShouldBeTrue)
	test.That(t, res.GPSLocation, test.ShouldNotBeNil)
	test.That(t, res.GPSLocation.Latitude, test.ShouldAlmostEqual, 43.6532, 1e-9)
	test.That(t, mag.listeners, test.ShouldEqual, 0)
	test.That(t, e.State().CurrentHeading, test.ShouldAlmostEqual, 30.0, 1e-9)

	mock.Add(time.Second)
	loc.emit(gps.HeadingReading{TrueHeading: gps.NoHeading, MagneticHeading: 405, Accuracy: 3})
	st := e.State()
	test.That(t, st.CompassMethod, test.ShouldEqual, "GPS (Magnetic)")
	test.That(t, st.CurrentHeading, test.ShouldAlmostEqual, 45.0, 1e-9)
	test.That(t, st.CompassAccuracy.Level, test.ShouldEqual, AccuracyDegrees)
	test.That(t, *st.CompassAccuracy.Degrees, test.ShouldEqual, 3.0)
	test.That(t, st.UsingGPSLocation, test.ShouldBeTrue)
	test.That(t, *st.ActiveSource, test.ShouldEqual, SourceMagneticHeadingGPS)
	test.That(t, st.AvailableMethods, test.ShouldResemble, AllSources)
}

func TestPositionFailureKeepsHeading(t *testing.T) {
	loc := grantedGPS()
	loc.fix = nil
	e, _ := newTestEngine(t, DefaultConfig(), Deps{Location: loc})

	res := e.Initialize(context.Background())
	test.That(t, res.Success, test.ShouldBeTrue)
	test.That(t, res.GPSLocation, test.ShouldBeNil)
	st := e.State()
	test.That(t, st.CompassEnabled, test.ShouldBeTrue)
	test.That(t, st.UsingGPSLocation, test.ShouldBeFalse)
	test.That(t, st.GPSLocation, test.ShouldBeNil)
}

func TestHeadingThrottle(t *testing.T) {
	mag := workingMagnetometer()
	e, mock := newTestEngine(t, DefaultConfig(), Deps{Magnetometer: mag})
	test.That(t, e.Initialize(context.Background()).Success, test.ShouldBeTrue)

	// x=0,y=1 points forward at north.
	mag.emit(magnetometer.Reading{X: 0, Y: 20})
	test.That(t, e.State().CurrentHeading, test.ShouldAlmostEqual, 0.0, 1e-9)

	mag.emit(magnetometer.Reading{X: -20, Y: 0})
	test.That(t, e.State().CurrentHeading, test.ShouldAlmostEqual, 0.0, 1e-9)

	mock.Add(50 * time.Millisecond)
	mag.emit(magnetometer.Reading{X: -20, Y: 0})
	test.That(t, e.State().CurrentHeading, test.ShouldAlmostEqual, 90.0, 1e-9)
}

func TestCleanupIsIdempotent(t *testing.T) {
	loc := grantedGPS()
	e, _ := newTestEngine(t, DefaultConfig(), Deps{Location: loc})
	test.That(t, e.Initialize(context.Background()).Success, test.ShouldBeTrue)
	test.That(t, loc.active(), test.ShouldEqual, 1)

	e.Cleanup()
	e.Cleanup()
	test.That(t, loc.active(), test.ShouldEqual, 0)
	test.That(t, loc.removes, test.ShouldEqual, 1)

	st := e.State()
	test.That(t, st.CompassEnabled, test.ShouldBeFalse)
	test.That(t, st.Phase, test.ShouldEqual, PhaseIdle)
	test.That(t, st.ActiveSource, test.ShouldBeNil)
}

func TestStaleCallbackIgnored(t *testing.T) {
	loc := grantedGPS()
	mag := workingMagnetometer()
	e, mock := newTestEngine(t, DefaultConfig(), Deps{Location: loc, Magnetometer: mag})
	test.That(t, e.Initialize(context.Background()).Success, test.ShouldBeTrue)

	stale := loc.cb
	test.That(t, stale, test.ShouldNotBeNil)

	test.That(t, e.Swap(context.Background(), MethodFor(SourceMagnetometer)).Success, test.ShouldBeTrue)
	mock.Add(time.Second)
	mag.emit(magnetometer.Reading{X: -20, Y: 0})
	test.That(t, e.State().CurrentHeading, test.ShouldAlmostEqual, 90.0, 1e-9)

	mock.Add(time.Second)
	stale(gps.HeadingReading{TrueHeading: 200, MagneticHeading: 200, Accuracy: 1})
	st := e.State()
	test.That(t, st.CurrentHeading, test.ShouldAlmostEqual, 90.0, 1e-9)
	test.That(t, st.CompassMethod, test.ShouldEqual, "Magnetometer")
}

func TestTrueHeadingWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Priority = []Source{SourceTrueHeadingGPS, SourceMagnetometer}
	cfg.HeadingWindow = 20 * time.Millisecond

	t.Run("no true heading falls back", func(t *testing.T) {
		loc := grantedGPS()
		loc.initial = &gps.HeadingReading{TrueHeading: gps.NoHeading, MagneticHeading: 10}
		mag := workingMagnetometer()
		e, _ := newTestEngine(t, cfg, Deps{Location: loc, Magnetometer: mag})

		res := e.Initialize(context.Background())
		test.That(t, res.Success, test.ShouldBeTrue)
		test.That(t, loc.watches, test.ShouldEqual, 1)
		test.That(t, loc.active(), test.ShouldEqual, 0)
		test.That(t, e.State().CompassMethod, test.ShouldEqual, "Magnetometer")
	})

	t.Run("valid true heading", func(t *testing.T) {
		loc := grantedGPS()
		loc.initial = &gps.HeadingReading{TrueHeading: 100, MagneticHeading: 110, Accuracy: 4}
		e, _ := newTestEngine(t, cfg, Deps{Location: loc})

		res := e.Initialize(context.Background())
		test.That(t, res.Success, test.ShouldBeTrue)
		st := e.State()
		test.That(t, st.CompassMethod, test.ShouldEqual, "GPS (True North)")
		test.That(t, st.CurrentHeading, test.ShouldAlmostEqual, 100.0, 1e-9)
		test.That(t, *st.CompassAccuracy.Degrees, test.ShouldEqual, 4.0)
	})
}

func TestNothingAvailable(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(), Deps{})

	res := e.Initialize(context.Background())
	test.That(t, res.Success, test.ShouldBeFalse)
	st := e.State()
	test.That(t, st.CompassEnabled, test.ShouldBeFalse)
	test.That(t, st.CompassMethod, test.ShouldEqual, LabelUnavailable)
	test.That(t, st.CompassAccuracy, test.ShouldBeNil)
	test.That(t, st.Phase, test.ShouldEqual, PhaseUnavailable)
	test.That(t, st.AvailableMethods, test.ShouldBeEmpty)
}

func TestPermissionFreshInstallDoesNotPrompt(t *testing.T) {
	loc := grantedGPS()
	loc.status = sensor.PermissionUndetermined
	prompter := &countingPrompter{choice: ChoiceAllow}
	mag := workingMagnetometer()
	e, _ := newTestEngine(t, DefaultConfig(), Deps{Location: loc, Magnetometer: mag, Prompter: prompter})

	res := e.Initialize(context.Background())
	test.That(t, res.Success, test.ShouldBeTrue)
	test.That(t, prompter.count(), test.ShouldEqual, 0)
	test.That(t, loc.requests, test.ShouldEqual, 0)
	test.That(t, loc.watches, test.ShouldEqual, 0)
	test.That(t, e.State().CompassMethod, test.ShouldEqual, "Magnetometer")
}

func TestPermissionDialog(t *testing.T) {
	savedStore := func() *store.MemoryStore {
		st := store.NewMemoryStore()
		test.That(t, st.SetString(store.KeySavedLocation, "43.6532,-79.3832"), test.ShouldBeNil)
		return st
	}

	t.Run("allow requests permission", func(t *testing.T) {
		loc := grantedGPS()
		loc.status = sensor.PermissionUndetermined
		prompter := &countingPrompter{choice: ChoiceAllow}
		e, _ := newTestEngine(t, DefaultConfig(), Deps{Location: loc, Store: savedStore(), Prompter: prompter})

		test.That(t, e.Initialize(context.Background()).Success, test.ShouldBeTrue)
		test.That(t, prompter.count(), test.ShouldEqual, 1)
		test.That(t, loc.requests, test.ShouldEqual, 1)
		test.That(t, e.State().CompassMethod, test.ShouldEqual, "GPS (Magnetic)")
	})

	t.Run("not now fails without persisting", func(t *testing.T) {
		loc := grantedGPS()
		loc.status = sensor.PermissionUndetermined
		st := savedStore()
		prompter := &countingPrompter{choice: ChoiceNotNow}
		e, _ := newTestEngine(t, DefaultConfig(), Deps{Location: loc, Store: st, Prompter: prompter})

		test.That(t, e.Initialize(context.Background()).Success, test.ShouldBeFalse)
		test.That(t, loc.requests, test.ShouldEqual, 0)
		dismissed, err := st.Has(store.KeyPermissionDialogDismissed)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, dismissed, test.ShouldBeFalse)
	})

	t.Run("dont ask again is remembered", func(t *testing.T) {
		loc := grantedGPS()
		loc.status = sensor.PermissionUndetermined
		st := savedStore()
		prompter := &countingPrompter{choice: ChoiceDontAskAgain}
		e, _ := newTestEngine(t, DefaultConfig(), Deps{Location: loc, Store: st, Prompter: prompter})

		test.That(t, e.Initialize(context.Background()).Success, test.ShouldBeFalse)
		dismissed, err := st.Bool(store.KeyPermissionDialogDismissed)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, dismissed, test.ShouldBeTrue)

		// Both GPS sources were tried but only the first asked.
		test.That(t, prompter.count(), test.ShouldEqual, 1)
		test.That(t, e.Initialize(context.Background()).Success, test.ShouldBeFalse)
		test.That(t, prompter.count(), test.ShouldEqual, 1)
		test.That(t, loc.requests, test.ShouldEqual, 0)
	})

	t.Run("swap clears dismissal", func(t *testing.T) {
		loc := grantedGPS()
		loc.status = sensor.PermissionUndetermined
		st := savedStore()
		test.That(t, st.SetBool(store.KeyPermissionDialogDismissed, true), test.ShouldBeNil)
		prompter := &countingPrompter{choice: ChoiceAllow}
		e, _ := newTestEngine(t, DefaultConfig(), Deps{Location: loc, Store: st, Prompter: prompter})

		res := e.Swap(context.Background(), MethodFor(SourceMagneticHeadingGPS))
		test.That(t, res.Success, test.ShouldBeTrue)
		test.That(t, prompter.count(), test.ShouldEqual, 1)
		dismissed, _ := st.Bool(store.KeyPermissionDialogDismissed)
		test.That(t, dismissed, test.ShouldBeFalse)
	})
}

func TestExplicitSwapOnFreshInstallRequestsDirectly(t *testing.T) {
	loc := grantedGPS()
	loc.status = sensor.PermissionUndetermined
	prompter := &countingPrompter{choice: ChoiceNotNow}
	e, _ := newTestEngine(t, DefaultConfig(), Deps{Location: loc, Prompter: prompter})

	res := e.Swap(context.Background(), MethodFor(SourceMagneticHeadingGPS))
	test.That(t, res.Success, test.ShouldBeTrue)
	test.That(t, prompter.count(), test.ShouldEqual, 0)
	test.That(t, loc.requests, test.ShouldEqual, 1)
}

func TestForcedSource(t *testing.T) {
	loc := grantedGPS()
	mag := workingMagnetometer()
	e, _ := newTestEngine(t, DefaultConfig(), Deps{Location: loc, Magnetometer: mag})
	ctx := context.Background()

	test.That(t, e.Swap(ctx, MethodFor(SourceMagnetometer)).Success, test.ShouldBeTrue)
	test.That(t, loc.watches, test.ShouldEqual, 0)
	st := e.State()
	test.That(t, *st.ForcedSource, test.ShouldEqual, SourceMagnetometer)

	// Re-initializing keeps the user's choice.
	test.That(t, e.Initialize(ctx).Success, test.ShouldBeTrue)
	test.That(t, e.State().CompassMethod, test.ShouldEqual, "Magnetometer")
	test.That(t, loc.watches, test.ShouldEqual, 0)

	test.That(t, e.Swap(ctx, MethodAuto).Success, test.ShouldBeTrue)
	st = e.State()
	test.That(t, st.ForcedSource, test.ShouldBeNil)
	test.That(t, st.CompassMethod, test.ShouldEqual, "GPS (Magnetic)")
	test.That(t, mag.active(), test.ShouldEqual, 0)
	test.That(t, loc.active(), test.ShouldEqual, 1)
}

func TestSwapToUnavailableSource(t *testing.T) {
	loc := grantedGPS()
	e, _ := newTestEngine(t, DefaultConfig(), Deps{Location: loc})

	res := e.Swap(context.Background(), MethodFor(SourceMagnetometer))
	test.That(t, res.Success, test.ShouldBeFalse)
	st := e.State()
	test.That(t, st.CompassMethod, test.ShouldEqual, LabelUnavailable)
	test.That(t, st.ForcedSource, test.ShouldBeNil)
	test.That(t, st.AvailableMethods, test.ShouldNotContain, SourceMagnetometer)
	test.That(t, loc.active(), test.ShouldEqual, 0)
}

func TestGPSWithoutHeadingFallsBackToMagnetometer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeadingWindow = 20 * time.Millisecond
	loc := grantedGPS()
	loc.initial = nil
	mag := workingMagnetometer()
	e, _ := newTestEngine(t, cfg, Deps{Location: loc, Magnetometer: mag})

	res := e.Initialize(context.Background())
	test.That(t, res.Success, test.ShouldBeTrue)
	test.That(t, res.GPSLocation, test.ShouldBeNil)
	// Both GPS sources subscribed, heard nothing and let go.
	test.That(t, loc.watches, test.ShouldEqual, 2)
	test.That(t, loc.active(), test.ShouldEqual, 0)
	test.That(t, mag.active(), test.ShouldEqual, 1)

	st := e.State()
	test.That(t, st.CompassMethod, test.ShouldEqual, "Magnetometer")
	test.That(t, st.UsingGPSLocation, test.ShouldBeFalse)
}

func TestSwapDoesNotKeepPreviousHeading(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeadingWindow = 20 * time.Millisecond
	loc := grantedGPS()
	loc.initial = nil
	mag := workingMagnetometer()
	e, mock := newTestEngine(t, cfg, Deps{Location: loc, Magnetometer: mag})
	ctx := context.Background()

	test.That(t, e.Swap(ctx, MethodFor(SourceMagnetometer)).Success, test.ShouldBeTrue)
	mag.emit(magnetometer.Reading{X: -20, Y: 0})
	test.That(t, e.State().CurrentHeading, test.ShouldAlmostEqual, 90.0, 1e-9)

	test.That(t, e.Swap(ctx, MethodFor(SourceMagneticHeadingGPS)).Success, test.ShouldBeFalse)
	st := e.State()
	test.That(t, st.CompassEnabled, test.ShouldBeFalse)
	test.That(t, st.CurrentHeading, test.ShouldEqual, 0.0)
	test.That(t, st.CompassMethod, test.ShouldEqual, LabelUnavailable)
	test.That(t, mag.active()+loc.active(), test.ShouldEqual, 0)

	mock.Add(time.Second)
	loc.initial = &gps.HeadingReading{TrueHeading: gps.NoHeading, MagneticHeading: 30, Accuracy: 3}
	test.That(t, e.Swap(ctx, MethodFor(SourceMagneticHeadingGPS)).Success, test.ShouldBeTrue)
	st = e.State()
	test.That(t, st.CompassMethod, test.ShouldEqual, "GPS (Magnetic)")
	test.That(t, st.CurrentHeading, test.ShouldAlmostEqual, 30.0, 1e-9)
}

func TestAtMostOneSubscription(t *testing.T) {
	loc := grantedGPS()
	loc.initial = &gps.HeadingReading{TrueHeading: 10, MagneticHeading: 20}
	mag := workingMagnetometer()
	e, _ := newTestEngine(t, DefaultConfig(), Deps{Location: loc, Magnetometer: mag})
	ctx := context.Background()

	methods := []Method{
		MethodAuto,
		MethodFor(SourceMagnetometer),
		MethodFor(SourceTrueHeadingGPS),
		MethodFor(SourceMagneticHeadingGPS),
		MethodFor(SourceMagnetometer),
		MethodAuto,
	}
	for _, m := range methods {
		test.That(t, e.Swap(ctx, m).Success, test.ShouldBeTrue)
		test.That(t, loc.active()+mag.active(), test.ShouldEqual, 1)
		test.That(t, e.Initialize(ctx).Success, test.ShouldBeTrue)
		test.That(t, loc.active()+mag.active(), test.ShouldEqual, 1)
	}
	e.Cleanup()
	test.That(t, loc.active()+mag.active(), test.ShouldEqual, 0)
}

func TestAcquisitionPanicIsContained(t *testing.T) {
	loc := grantedGPS()
	loc.panicOnWatch = true
	mag := workingMagnetometer()
	e, _ := newTestEngine(t, DefaultConfig(), Deps{Location: loc, Magnetometer: mag})

	res := e.Initialize(context.Background())
	test.That(t, res.Success, test.ShouldBeTrue)
	test.That(t, e.State().CompassMethod, test.ShouldEqual, "Magnetometer")
}

func TestCleanupAbortsInFlightInitialize(t *testing.T) {
	loc := grantedGPS()
	loc.status = sensor.PermissionUndetermined
	st := store.NewMemoryStore()
	test.That(t, st.SetString(store.KeySavedLocation, "1,1"), test.ShouldBeNil)
	prompter := &blockingPrompter{entered: make(chan struct{})}
	mag := workingMagnetometer()
	e, _ := newTestEngine(t, DefaultConfig(), Deps{Location: loc, Magnetometer: mag, Store: st, Prompter: prompter})

	done := make(chan Result)
	go func() { done <- e.Initialize(context.Background()) }()

	<-prompter.entered
	e.Cleanup()
	res := <-done

	test.That(t, res.Success, test.ShouldBeFalse)
	test.That(t, e.State().Phase, test.ShouldEqual, PhaseIdle)
	test.That(t, mag.listeners, test.ShouldEqual, 0)
	test.That(t, loc.watches, test.ShouldEqual, 0)
}

func TestCheckAvailableMethods(t *testing.T) {
	loc := grantedGPS()
	loc.servicesErr = errors.New("gpsd gone")
	mag := workingMagnetometer()
	e, _ := newTestEngine(t, DefaultConfig(), Deps{Location: loc, Magnetometer: mag})
	ctx := context.Background()

	test.That(t, e.CheckAvailableMethods(ctx), test.ShouldResemble, []Source{SourceMagnetometer})

	loc.servicesErr = nil
	test.That(t, e.CheckAvailableMethods(ctx), test.ShouldResemble, AllSources)
	test.That(t, loc.requests, test.ShouldEqual, 0)
	test.That(t, loc.watches, test.ShouldEqual, 0)
}

func TestOnChange(t *testing.T) {
	mag := workingMagnetometer()
	e, _ := newTestEngine(t, DefaultConfig(), Deps{Magnetometer: mag})

	var mu sync.Mutex
	var phases []Phase
	unsubscribe := e.OnChange(func(s State) {
		mu.Lock()
		phases = append(phases, s.Phase)
		mu.Unlock()
	})
	test.That(t, e.Initialize(context.Background()).Success, test.ShouldBeTrue)
	unsubscribe()
	e.Cleanup()

	mu.Lock()
	defer mu.Unlock()
	test.That(t, phases, test.ShouldContain, PhaseDiscovering)
	test.That(t, phases[len(phases)-1], test.ShouldEqual, PhaseActive)
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("AUTO")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m, test.ShouldEqual, MethodAuto)
	_, forced := m.Source()
	test.That(t, forced, test.ShouldBeFalse)

	m, err = ParseMethod("gps_true")
	test.That(t, err, test.ShouldBeNil)
	src, forced := m.Source()
	test.That(t, forced, test.ShouldBeTrue)
	test.That(t, src, test.ShouldEqual, SourceTrueHeadingGPS)

	_, err = ParseMethod("compass")
	test.That(t, err, test.ShouldNotBeNil)

	c, err := ParsePermissionChoice("dont_ask_again")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c, test.ShouldEqual, ChoiceDontAskAgain)
	_, err = ParsePermissionChoice("maybe")
	test.That(t, err, test.ShouldNotBeNil)
}
