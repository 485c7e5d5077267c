package compass

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/shaunagostinho/qibla-dash/internal/gps"
	"github.com/shaunagostinho/qibla-dash/internal/magnetometer"
	"github.com/shaunagostinho/qibla-dash/internal/qibla"
	"github.com/shaunagostinho/qibla-dash/internal/sensor"
	"github.com/shaunagostinho/qibla-dash/internal/store"
)

// Config tunes source selection and acquisition.
type Config struct {
	// Priority is the auto-selection order. Empty uses DefaultPriority.
	Priority []Source
	// MinUpdateInterval drops heading callbacks arriving sooner than this
	// after the previous accepted one. Zero accepts everything.
	MinUpdateInterval time.Duration
	// MagnetometerInterval is passed to the magnetometer provider.
	MagnetometerInterval time.Duration
	// HeadingWindow bounds the wait for the first usable heading from a GPS
	// source. A source that stays silent is released and the next one tried.
	HeadingWindow time.Duration
	// PositionTimeout bounds the best-effort position fix after a GPS
	// source is acquired.
	PositionTimeout time.Duration
	// Calibration is applied to magnetometer readings.
	Calibration magnetometer.Calibration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Priority:             DefaultPriority,
		MinUpdateInterval:    30 * time.Millisecond,
		MagnetometerInterval: 100 * time.Millisecond,
		HeadingWindow:        3 * time.Second,
		PositionTimeout:      10 * time.Second,
	}
}

// Deps are the engine's collaborators.
type Deps struct {
	Location     gps.LocationProvider
	Magnetometer magnetometer.Provider
	Store        store.FlagStore
	// Prompter shows the in-app permission dialog. Nil answers "not now".
	Prompter Prompter
	// Clock drives throttling. Nil uses the wall clock.
	Clock clock.Clock
}

// Engine owns at most one heading subscription at a time and exposes the
// compass state to the presentation layer. Initialize and Swap are
// serialized; Cleanup may be called at any time and tears down whatever is
// in flight.
type Engine struct {
	cfg      Config
	loc      gps.LocationProvider
	mag      magnetometer.Provider
	store    store.FlagStore
	prompter Prompter
	clock    clock.Clock
	logger   *zap.SugaredLogger

	opMu sync.Mutex

	mu           sync.Mutex
	generation   uint64
	cancelOp     context.CancelFunc
	phase        Phase
	enabled      bool
	active       *Source
	forced       *Source
	heading      float64
	method       string
	accuracy     *Accuracy
	available    []Source
	gpsLocation  *qibla.Location
	usingGPS     bool
	headingSub   sensor.Subscription
	magSub       sensor.Subscription
	lastAccepted time.Time
	listeners    map[int]func(State)
	nextListener int
}

// New creates an idle engine. Nil providers are replaced by the
// unsupported ones.
func New(cfg Config, deps Deps, logger *zap.SugaredLogger) *Engine {
	if len(cfg.Priority) == 0 {
		cfg.Priority = DefaultPriority
	}
	cfg.Priority = lo.Uniq(cfg.Priority)
	def := DefaultConfig()
	if cfg.MagnetometerInterval <= 0 {
		cfg.MagnetometerInterval = def.MagnetometerInterval
	}
	if cfg.HeadingWindow <= 0 {
		cfg.HeadingWindow = def.HeadingWindow
	}
	if cfg.PositionTimeout <= 0 {
		cfg.PositionTimeout = def.PositionTimeout
	}
	if deps.Location == nil {
		deps.Location = gps.Unsupported{}
	}
	if deps.Magnetometer == nil {
		deps.Magnetometer = magnetometer.Unsupported{}
	}
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore()
	}
	if deps.Prompter == nil {
		deps.Prompter = StaticPrompter{Choice: ChoiceNotNow}
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	return &Engine{
		cfg:       cfg,
		loc:       deps.Location,
		mag:       deps.Magnetometer,
		store:     deps.Store,
		prompter:  deps.Prompter,
		clock:     deps.Clock,
		logger:    logger,
		listeners: make(map[int]func(State)),
	}
}

// State returns a snapshot of the compass session.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// OnChange registers fn to receive every state change. The returned func
// unregisters it.
func (e *Engine) OnChange(fn func(State)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

// CheckAvailableMethods reports which sources could be acquired right now.
// It never requests permissions and never fails: a check that errors just
// omits its source.
func (e *Engine) CheckAvailableMethods(ctx context.Context) []Source {
	var out []Source
	if e.check("location services", func() (bool, error) { return e.loc.ServicesEnabled(ctx) }) {
		out = append(out, SourceTrueHeadingGPS, SourceMagneticHeadingGPS)
	}
	if e.check("magnetometer", func() (bool, error) { return e.mag.IsAvailable(ctx) }) {
		out = append(out, SourceMagnetometer)
	}

	e.mu.Lock()
	e.available = out
	e.mu.Unlock()
	e.notify()
	return out
}

func (e *Engine) check(what string, fn func() (bool, error)) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("checking %s panicked: %v", what, r)
			ok = false
		}
	}()
	ok, err := fn()
	if err != nil {
		e.logger.Warnf("checking %s: %v", what, err)
		return false
	}
	return ok
}

// Initialize releases any current source and acquires the forced source, or
// the first obtainable one in priority order. Failure leaves the engine
// Unavailable until the next Initialize or Swap.
func (e *Engine) Initialize(ctx context.Context) Result {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.initialize(ctx)
}

func (e *Engine) initialize(parent context.Context) Result {
	ctx, gen, done := e.begin(parent)
	defer done()

	available := e.CheckAvailableMethods(ctx)
	candidates := e.candidates(available)
	e.logger.Infof("available methods %v, trying %v", available, candidates)

	for _, src := range candidates {
		if res, ok := e.acquire(ctx, gen, src, false); ok {
			return res
		}
		if e.stale(gen) {
			return Result{}
		}
	}
	e.markUnavailable(gen)
	return Result{}
}

func (e *Engine) candidates(available []Source) []Source {
	e.mu.Lock()
	forced := e.forced
	e.mu.Unlock()

	if forced != nil {
		if lo.Contains(available, *forced) {
			return []Source{*forced}
		}
		e.logger.Infof("forced method %s is not available, using auto selection", *forced)
		e.mu.Lock()
		e.forced = nil
		e.mu.Unlock()
	}
	return lo.Filter(e.cfg.Priority, func(s Source, _ int) bool {
		return lo.Contains(available, s)
	})
}

// Swap releases the current source and switches to method. Choosing a GPS
// method clears an earlier "don't ask again" so the permission flow is
// offered again. A method that is not currently available is not
// remembered.
func (e *Engine) Swap(ctx context.Context, method Method) Result {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	src, forced := method.Source()
	e.mu.Lock()
	e.forced = nil
	e.mu.Unlock()

	if !forced {
		e.logger.Infof("swapping to auto selection")
		return e.initialize(ctx)
	}

	e.logger.Infof("swapping to %s", src)
	if src.IsGPS() {
		if err := e.store.Delete(store.KeyPermissionDialogDismissed); err != nil {
			e.logger.Warnf("clear dialog dismissal: %v", err)
		}
	}

	opCtx, gen, done := e.begin(ctx)
	defer done()
	if !lo.Contains(e.CheckAvailableMethods(opCtx), src) {
		e.logger.Infof("%s is not available", src)
		e.markUnavailable(gen)
		return Result{}
	}
	e.mu.Lock()
	e.forced = &src
	e.mu.Unlock()

	res, ok := e.acquire(opCtx, gen, src, true)
	if !ok {
		e.markUnavailable(gen)
		return Result{}
	}
	return res
}

// Cleanup releases every subscription and returns the engine to Idle. It is
// idempotent and also aborts an Initialize or Swap in progress.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	e.generation++
	headingSub, magSub := e.headingSub, e.magSub
	e.headingSub, e.magSub = nil, nil
	cancel := e.cancelOp
	e.cancelOp = nil
	wasActive := e.enabled
	e.enabled = false
	e.active = nil
	e.phase = PhaseIdle
	e.method = ""
	e.accuracy = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if headingSub != nil {
		headingSub.Remove()
	}
	if magSub != nil {
		magSub.Remove()
	}
	if wasActive {
		e.logger.Infof("compass released")
	}
	e.notify()
}

// begin cleans up and opens a new session generation. done must be called
// when the operation returns.
func (e *Engine) begin(parent context.Context) (context.Context, uint64, func()) {
	e.Cleanup()

	ctx, cancel := context.WithCancel(parent)
	e.mu.Lock()
	e.cancelOp = cancel
	gen := e.generation
	e.phase = PhaseDiscovering
	e.method = LabelInitializing
	e.heading = 0
	e.gpsLocation = nil
	e.usingGPS = false
	e.lastAccepted = time.Time{}
	e.mu.Unlock()
	e.notify()

	return ctx, gen, func() {
		e.mu.Lock()
		if e.generation == gen {
			e.cancelOp = nil
		}
		e.mu.Unlock()
		cancel()
	}
}

func (e *Engine) stale(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation != gen
}

func (e *Engine) markUnavailable(gen uint64) {
	e.mu.Lock()
	if e.generation != gen {
		e.mu.Unlock()
		return
	}
	e.enabled = false
	e.active = nil
	e.phase = PhaseUnavailable
	e.method = LabelUnavailable
	e.accuracy = nil
	e.mu.Unlock()

	e.logger.Warnf("no compass method could be acquired")
	e.notify()
}

// activate marks src as the live source. It fails when the session was torn
// down in the meantime.
func (e *Engine) activate(gen uint64, src Source, acc *Accuracy) bool {
	e.mu.Lock()
	if e.generation != gen {
		e.mu.Unlock()
		return false
	}
	e.enabled = true
	e.active = &src
	e.phase = PhaseActive
	e.method = src.Label()
	e.accuracy = acc
	e.mu.Unlock()

	e.logger.Infof("compass active using %s", src.Label())
	e.notify()
	return true
}

// onHeading applies a heading from the subscription opened in session gen
// for src. Anything from an older session is discarded.
func (e *Engine) onHeading(gen uint64, src Source, heading float64, acc *Accuracy) {
	e.mu.Lock()
	if e.generation != gen || !e.enabled || e.active == nil || *e.active != src {
		e.mu.Unlock()
		return
	}
	now := e.clock.Now()
	if !e.lastAccepted.IsZero() && now.Sub(e.lastAccepted) < e.cfg.MinUpdateInterval {
		e.mu.Unlock()
		return
	}
	e.lastAccepted = now
	e.heading = qibla.NormalizeDegrees(heading)
	if acc != nil {
		e.accuracy = acc
	}
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) notify() {
	e.mu.Lock()
	st := e.snapshotLocked()
	fns := lo.Values(e.listeners)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (e *Engine) snapshotLocked() State {
	st := State{
		CompassEnabled:   e.enabled,
		CurrentHeading:   e.heading,
		CompassMethod:    e.method,
		AvailableMethods: append([]Source(nil), e.available...),
		UsingGPSLocation: e.usingGPS,
		Phase:            e.phase,
	}
	if e.accuracy != nil {
		acc := *e.accuracy
		st.CompassAccuracy = &acc
	}
	if e.gpsLocation != nil {
		loc := *e.gpsLocation
		st.GPSLocation = &loc
	}
	if e.active != nil {
		s := *e.active
		st.ActiveSource = &s
	}
	if e.forced != nil {
		s := *e.forced
		st.ForcedSource = &s
	}
	return st
}
