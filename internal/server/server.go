package server

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/shaunagostinho/qibla-dash/internal/compass"
	"github.com/shaunagostinho/qibla-dash/internal/logger"
	"github.com/shaunagostinho/qibla-dash/internal/qibla"
	"github.com/shaunagostinho/qibla-dash/internal/store"
)

// Server owns the compass engine on behalf of the connected browsers and
// broadcasts the qibla needle to them over WebSocket.
type Server struct {
	cfg      *Config
	engine   *compass.Engine
	store    store.FlagStore
	prompter *WebPrompter // nil when the dialog is answered by config
	webFS    fs.FS
	recorder *logger.Logger
	log      *zap.SugaredLogger
	needle   *qibla.Needle

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	locMu    sync.RWMutex
	location qibla.Location
	saved    bool

	stateMu sync.Mutex
	runCtx  context.Context
	lastKey string
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Compass *compass.State `json:"compass,omitempty"`
	Qibla   *QiblaData     `json:"qibla,omitempty"`
	Needle  *NeedleData    `json:"needle,omitempty"`
	Prompt  *PromptData    `json:"prompt,omitempty"`
	Stamp   int64          `json:"stamp"` // Unix ms
}

// QiblaData is the bearing for the location in use.
type QiblaData struct {
	Bearing    float64        `json:"bearing"`    // degrees from true north
	DistanceKm float64        `json:"distanceKm"` // to the Kaaba
	Location   qibla.Location `json:"location"`
	Saved      bool           `json:"saved"`
}

// NeedleData is what the browser draws.
type NeedleData struct {
	Rotation  float64         `json:"rotation"` // smoothed, degrees clockwise
	Offset    float64         `json:"offset"`   // bearing - heading in [-180,180]
	Alignment qibla.Alignment `json:"alignment"`
}

// New creates a new Server. prompter may be nil.
func New(cfg *Config, engine *compass.Engine, st store.FlagStore, prompter *WebPrompter, webFS fs.FS, log *zap.SugaredLogger) *Server {
	s := &Server{
		cfg:      cfg,
		engine:   engine,
		store:    st,
		prompter: prompter,
		webFS:    webFS,
		recorder: logger.New(cfg.RecorderConfig(), log.Named("recorder")),
		log:      log,
		needle:   qibla.NewNeedle(cfg.Compass.Smoothing),
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		location: cfg.ManualLocation(),
		runCtx:   context.Background(),
	}
	s.loadSavedLocation()
	engine.OnChange(s.onCompassChange)
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// Compass API
	mux.HandleFunc("/api/compass", s.handleCompass)
	mux.HandleFunc("/api/compass/init", s.handleCompassInit)
	mux.HandleFunc("/api/compass/swap", s.handleCompassSwap)
	mux.HandleFunc("/api/compass/cleanup", s.handleCompassCleanup)
	mux.HandleFunc("/api/compass/methods", s.handleCompassMethods)

	// Location API
	mux.HandleFunc("/api/location", s.handleLocation)
	mux.HandleFunc("/api/location/use-gps", s.handleUseGPS)

	// In-app permission dialog
	mux.HandleFunc("/api/permission", s.handlePermission)

	// Config API
	mux.HandleFunc("/api/config", s.handleConfig)

	return mux
}

// Run starts the HTTP server and the broadcast loop.
func (s *Server) Run(ctx context.Context) error {
	s.stateMu.Lock()
	s.runCtx = ctx
	s.stateMu.Unlock()

	go s.broadcastLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.engine.Cleanup()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.log.Warnf("shutdown: %v", err)
		}
	}()

	s.log.Infof("listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) baseContext() context.Context {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.runCtx
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("ws upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Send the current frame before registering so it is always first.
	if data, err := json.Marshal(s.frame()); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	s.log.Infof("client connected (%d total)", n)
	if n == 1 {
		go s.focus()
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			s.log.Infof("client disconnected (%d total)", n)
			if n == 0 {
				s.blur()
			}
		}()
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				break
			}
		}
	}()
}

// focus acquires a heading source when the first browser connects.
func (s *Server) focus() {
	if s.clientCount() == 0 {
		return
	}
	res := s.engine.Initialize(s.baseContext())
	st := s.engine.State()
	s.log.Infof("compass initialized: success=%v method=%q", res.Success, st.CompassMethod)
	// The last client may have left while sensors were being acquired.
	if s.clientCount() == 0 {
		s.blur()
	}
}

// blur releases the sensors once nobody is watching.
func (s *Server) blur() {
	s.engine.Cleanup()
	s.needle.Reset()
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// onCompassChange pushes a frame right away when the method or phase changes
// so the browser does not wait for the next tick.
func (s *Server) onCompassChange(st compass.State) {
	key := st.Phase.String() + "|" + st.CompassMethod
	s.stateMu.Lock()
	changed := key != s.lastKey
	s.lastKey = key
	s.stateMu.Unlock()
	if !changed {
		return
	}
	if st.Phase == compass.PhaseActive || st.Phase == compass.PhaseUnavailable {
		s.log.Infof("compass %s: %s", st.Phase, st.CompassMethod)
	}
	s.broadcast(s.frameFor(st))
}

// broadcastLoop sends a frame to every client at the configured rate and
// records it.
func (s *Server) broadcastLoop(ctx context.Context) {
	hz := s.cfg.Server.BroadcastHz
	if hz <= 0 {
		hz = 20
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.recorder.Close(); err != nil {
				s.log.Warnf("close recorder: %v", err)
			}
			return
		case <-ticker.C:
			if s.clientCount() == 0 {
				continue
			}
			frame, sample := s.buildFrame(s.engine.State(), true)
			s.broadcast(frame)
			s.recorder.Record(sample)
		}
	}
}

func (s *Server) frame() Frame {
	return s.frameFor(s.engine.State())
}

func (s *Server) frameFor(st compass.State) Frame {
	f, _ := s.buildFrame(st, false)
	return f
}

// buildFrame assembles a frame for st. Only the broadcast tick passes tick,
// so the needle eases at the broadcast rate however many frames are built.
func (s *Server) buildFrame(st compass.State, tick bool) (Frame, logger.Sample) {
	loc, saved := s.Location()
	bearing := loc.Direction()

	needle := &NeedleData{Alignment: qibla.AlignmentUnknown}
	target := bearing
	if st.CompassEnabled {
		target = bearing - st.CurrentHeading
		needle.Offset = qibla.Offset(bearing, st.CurrentHeading)
		needle.Alignment = s.cfg.Classifier().Classify(bearing, st.CurrentHeading)
	}
	if tick {
		needle.Rotation = s.needle.Step(target)
	} else {
		needle.Rotation = s.needle.Peek(target)
	}

	frame := Frame{
		Compass: &st,
		Qibla: &QiblaData{
			Bearing:    bearing,
			DistanceKm: qibla.DistanceKm(loc.Latitude, loc.Longitude),
			Location:   loc,
			Saved:      saved,
		},
		Needle: needle,
		Stamp:  time.Now().UnixMilli(),
	}
	if s.prompter != nil {
		frame.Prompt = s.prompter.Pending()
	}
	return frame, logger.Sample{
		Compass:   st,
		Location:  loc,
		Bearing:   bearing,
		Rotation:  needle.Rotation,
		Alignment: needle.Alignment,
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

// Location returns the location the bearing is computed for and whether the
// user saved it.
func (s *Server) Location() (qibla.Location, bool) {
	s.locMu.RLock()
	defer s.locMu.RUnlock()
	return s.location, s.saved
}

// SaveLocation persists loc as the user's location.
func (s *Server) SaveLocation(loc qibla.Location) error {
	if !loc.Valid() {
		return errors.Errorf("invalid location %.6f,%.6f", loc.Latitude, loc.Longitude)
	}
	data, err := json.Marshal(loc)
	if err != nil {
		return errors.Wrap(err, "marshal location")
	}
	if err := s.store.SetString(store.KeySavedLocation, string(data)); err != nil {
		return errors.Wrap(err, "save location")
	}
	s.locMu.Lock()
	s.location = loc
	s.saved = true
	s.locMu.Unlock()
	s.log.Infof("location saved: %.4f,%.4f (qibla %.1f°)", loc.Latitude, loc.Longitude, loc.Direction())
	return nil
}

func (s *Server) loadSavedLocation() {
	raw, err := s.store.String(store.KeySavedLocation)
	if err != nil {
		s.log.Warnf("read saved location: %v", err)
		return
	}
	if raw == "" {
		return
	}
	var loc qibla.Location
	if err := json.Unmarshal([]byte(raw), &loc); err != nil || !loc.Valid() {
		s.log.Warnf("ignoring unreadable saved location %q", raw)
		return
	}
	s.location = loc
	s.saved = true
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warnf("config save failed: %v", err)
		}
		s.recorder.SetEnabled(s.cfg.RecorderConfig().Enabled)
		s.broadcast(s.frame())
		writeOK(w)

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleCompass(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, s.engine.State())
}

func (s *Server) handleCompassInit(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	writeJSON(w, s.engine.Initialize(s.baseContext()))
}

type swapRequest struct {
	Method string `json:"method"`
}

func (s *Server) handleCompassSwap(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req swapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	method, err := compass.ParseMethod(req.Method)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	writeJSON(w, s.engine.Swap(s.baseContext(), method))
}

func (s *Server) handleCompassCleanup(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	s.blur()
	writeOK(w)
}

// MethodInfo describes one selectable compass method.
type MethodInfo struct {
	Method    compass.Method `json:"method"`
	Label     string         `json:"label"`
	Available bool           `json:"available"`
	Active    bool           `json:"active"`
}

func (s *Server) handleCompassMethods(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	available := s.engine.CheckAvailableMethods(r.Context())
	st := s.engine.State()

	methods := []MethodInfo{{
		Method:    compass.MethodAuto,
		Label:     "Automatic",
		Available: len(available) > 0,
		Active:    st.ForcedSource == nil,
	}}
	methods = append(methods, lo.Map(compass.AllSources, func(src compass.Source, _ int) MethodInfo {
		return MethodInfo{
			Method:    compass.MethodFor(src),
			Label:     src.Label(),
			Available: lo.Contains(available, src),
			Active:    st.ActiveSource != nil && *st.ActiveSource == src,
		}
	})...)
	writeJSON(w, map[string]interface{}{"methods": methods})
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var loc qibla.Location
		if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if !loc.Valid() {
			http.Error(w, "latitude must be within ±90 and longitude within ±180", 400)
			return
		}
		if err := s.SaveLocation(loc); err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		s.broadcast(s.frame())
	default:
		http.Error(w, "method not allowed", 405)
		return
	}
	loc, saved := s.Location()
	writeJSON(w, QiblaData{
		Bearing:    loc.Direction(),
		DistanceKm: qibla.DistanceKm(loc.Latitude, loc.Longitude),
		Location:   loc,
		Saved:      saved,
	})
}

// handleUseGPS adopts the engine's last GPS fix as the saved location. The
// fix is never applied without the user asking.
func (s *Server) handleUseGPS(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	st := s.engine.State()
	if !st.UsingGPSLocation || st.GPSLocation == nil {
		http.Error(w, "no GPS location available", 409)
		return
	}
	if err := s.SaveLocation(*st.GPSLocation); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	s.broadcast(s.frame())
	loc, saved := s.Location()
	writeJSON(w, QiblaData{
		Bearing:    loc.Direction(),
		DistanceKm: qibla.DistanceKm(loc.Latitude, loc.Longitude),
		Location:   loc,
		Saved:      saved,
	})
}

type permissionRequest struct {
	Choice string `json:"choice"`
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if s.prompter == nil {
		http.Error(w, "permission dialog is disabled", 409)
		return
	}
	var req permissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	choice, err := compass.ParsePermissionChoice(req.Choice)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.prompter.Answer(choice); err != nil {
		http.Error(w, err.Error(), 409)
		return
	}
	writeOK(w)
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "method not allowed", 405)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
