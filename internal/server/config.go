package server

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/qibla-dash/internal/compass"
	"github.com/shaunagostinho/qibla-dash/internal/gps"
	"github.com/shaunagostinho/qibla-dash/internal/logger"
	"github.com/shaunagostinho/qibla-dash/internal/magnetometer"
	"github.com/shaunagostinho/qibla-dash/internal/qibla"
)

// Prompt modes for the in-app location dialog.
const (
	PromptWeb   = "web"   // ask the browser
	PromptAllow = "allow" // headless: always allow
	PromptDeny  = "deny"  // headless: always "not now"
)

// Config holds all dashboard configuration.
type Config struct {
	mu sync.RWMutex

	// Sensors
	Location     LocationConfig     `yaml:"location" json:"location"`
	Magnetometer MagnetometerConfig `yaml:"magnetometer" json:"magnetometer"`

	// Compass engine and display
	Compass CompassConfig `yaml:"compass" json:"compass"`

	// Fallback manual location used until the user saves one
	Qibla QiblaConfig `yaml:"qibla" json:"qibla"`

	// Persistent flags
	Store StoreConfig `yaml:"store" json:"store"`

	// Process log level and CSV recording
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
	log  *zap.SugaredLogger
}

type LocationConfig struct {
	Type            string  `yaml:"type" json:"type"`          // "nmea", "demo" or "disabled"
	PortPath        string  `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyGPS
	BaudRate        int     `yaml:"baud_rate" json:"baudRate"`
	HeadingAccuracy float64 `yaml:"heading_accuracy_deg" json:"headingAccuracyDeg"`
}

type MagnetometerConfig struct {
	Type        string                   `yaml:"type" json:"type"`          // "serial", "demo" or "disabled"
	PortPath    string                   `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyMAG
	BaudRate    int                      `yaml:"baud_rate" json:"baudRate"`
	Calibration magnetometer.Calibration `yaml:"calibration" json:"calibration"`
}

type CompassConfig struct {
	Priority          []string         `yaml:"priority" json:"priority"` // source names, highest first
	Alignment         qibla.Classifier `yaml:"alignment" json:"alignment"`
	MinUpdateMs       int              `yaml:"min_update_ms" json:"minUpdateMs"`
	MagIntervalMs     int              `yaml:"magnetometer_interval_ms" json:"magnetometerIntervalMs"`
	HeadingWindowMs   int              `yaml:"heading_window_ms" json:"headingWindowMs"`
	PositionTimeoutMs int              `yaml:"position_timeout_ms" json:"positionTimeoutMs"`
	Prompt            string           `yaml:"prompt" json:"prompt"` // "web", "allow" or "deny"
	PromptTimeoutSec  int              `yaml:"prompt_timeout_sec" json:"promptTimeoutSec"`
	Smoothing         float64          `yaml:"smoothing" json:"smoothing"` // needle step factor, 0-1
}

type QiblaConfig struct {
	Location qibla.Location `yaml:"location" json:"location"`
}

type StoreConfig struct {
	Path string `yaml:"path" json:"path"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"` // debug, info, warn, error
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs"` // ms between log entries
}

type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr" json:"listenAddr"`
	BroadcastHz int    `yaml:"broadcast_hz" json:"broadcastHz"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	engine := compass.DefaultConfig()
	return &Config{
		Location: LocationConfig{
			Type:            "demo",
			PortPath:        "/dev/ttyGPS",
			BaudRate:        9600,
			HeadingAccuracy: 5,
		},
		Magnetometer: MagnetometerConfig{
			Type:     "demo",
			PortPath: "/dev/ttyMAG",
			BaudRate: 115200,
		},
		Compass: CompassConfig{
			Priority:          lo.Map(engine.Priority, func(s compass.Source, _ int) string { return s.String() }),
			Alignment:         qibla.DefaultClassifier(),
			MinUpdateMs:       int(engine.MinUpdateInterval / time.Millisecond),
			MagIntervalMs:     int(engine.MagnetometerInterval / time.Millisecond),
			HeadingWindowMs:   int(engine.HeadingWindow / time.Millisecond),
			PositionTimeoutMs: int(engine.PositionTimeout / time.Millisecond),
			Prompt:            PromptWeb,
			PromptTimeoutSec:  60,
			Smoothing:         0.3,
		},
		Qibla: QiblaConfig{
			Location: qibla.Location{Latitude: 43.6532, Longitude: -79.3832, City: "Toronto", Country: "CA"},
		},
		Store: StoreConfig{
			Path: "/var/lib/qibla-dash/flags.yaml",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Enabled:  false,
			Path:     "/var/log/qibla-dash",
			Interval: 100,
		},
		Server: ServerConfig{
			ListenAddr:  ":8080",
			BroadcastHz: 20,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string, log *zap.SugaredLogger) *Config {
	cfg := DefaultConfig()
	cfg.path = path
	cfg.log = log

	data, err := os.ReadFile(path)
	if err != nil {
		log.Infof("no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warnf("error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
		cfg.log = log
	} else {
		log.Infof("loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep, log)
	}

	// Apply environment variable overrides
	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string, log *zap.SugaredLogger) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Infof("loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: LOCATION_TYPE, LOCATION_PORT, LOCATION_BAUD, MAG_TYPE, MAG_PORT,
// MAG_BAUD, LISTEN_ADDR, QIBLA_LAT, QIBLA_LON, COMPASS_PROMPT,
// COMPASS_PRIORITY, STORE_PATH, LOG_LEVEL, LOG_ENABLED, LOG_PATH,
// LOG_INTERVAL_MS
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LOCATION_TYPE"); v != "" {
		c.Location.Type = v
	}
	if v := os.Getenv("LOCATION_PORT"); v != "" {
		c.Location.PortPath = v
	}
	if v := os.Getenv("LOCATION_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Location.BaudRate = n
		}
	}
	if v := os.Getenv("MAG_TYPE"); v != "" {
		c.Magnetometer.Type = v
	}
	if v := os.Getenv("MAG_PORT"); v != "" {
		c.Magnetometer.PortPath = v
	}
	if v := os.Getenv("MAG_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Magnetometer.BaudRate = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("QIBLA_LAT"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.Qibla.Location.Latitude = n
		}
	}
	if v := os.Getenv("QIBLA_LON"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.Qibla.Location.Longitude = n
		}
	}
	if v := os.Getenv("COMPASS_PROMPT"); v != "" {
		c.Compass.Prompt = v
	}
	if v := os.Getenv("COMPASS_PRIORITY"); v != "" {
		c.Compass.Priority = lo.Map(strings.Split(v, ","), func(s string, _ int) string {
			return strings.TrimSpace(s)
		})
	}
	if v := os.Getenv("STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	// Logging
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("LOG_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.Interval = n
		}
	}
}

// EngineConfig converts the compass section for compass.New. Unknown source
// names are logged and skipped.
func (c *Config) EngineConfig() compass.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	priority := lo.FilterMap(c.Compass.Priority, func(name string, _ int) (compass.Source, bool) {
		s, err := compass.ParseSource(name)
		if err != nil {
			if c.log != nil {
				c.log.Warnf("ignoring compass priority entry: %v", err)
			}
			return 0, false
		}
		return s, true
	})
	return compass.Config{
		Priority:             priority,
		MinUpdateInterval:    time.Duration(c.Compass.MinUpdateMs) * time.Millisecond,
		MagnetometerInterval: time.Duration(c.Compass.MagIntervalMs) * time.Millisecond,
		HeadingWindow:        time.Duration(c.Compass.HeadingWindowMs) * time.Millisecond,
		PositionTimeout:      time.Duration(c.Compass.PositionTimeoutMs) * time.Millisecond,
		Calibration:          c.Magnetometer.Calibration,
	}
}

// NMEAConfig returns the settings for the NMEA location provider.
func (c *Config) NMEAConfig() gps.NMEAConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return gps.NMEAConfig{
		PortPath:        c.Location.PortPath,
		BaudRate:        c.Location.BaudRate,
		HeadingAccuracy: c.Location.HeadingAccuracy,
	}
}

// SerialConfig returns the settings for the serial magnetometer.
func (c *Config) SerialConfig() magnetometer.SerialConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return magnetometer.SerialConfig{
		PortPath: c.Magnetometer.PortPath,
		BaudRate: c.Magnetometer.BaudRate,
	}
}

// RecorderConfig returns the CSV recorder settings.
func (c *Config) RecorderConfig() logger.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return logger.Config{
		Enabled:    c.Logging.Enabled,
		Path:       c.Logging.Path,
		IntervalMs: c.Logging.Interval,
	}
}

// Classifier returns the alignment thresholds, falling back to the defaults
// when they are unset or inverted.
func (c *Config) Classifier() qibla.Classifier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cl := c.Compass.Alignment
	if cl.Aligned <= 0 || cl.Close < cl.Aligned {
		return qibla.DefaultClassifier()
	}
	return cl
}

// ManualLocation returns the configured fallback location.
func (c *Config) ManualLocation() qibla.Location {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Qibla.Location
}

// PromptTimeout returns how long the web dialog waits for an answer.
func (c *Config) PromptTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Compass.PromptTimeoutSec <= 0 {
		return time.Minute
	}
	return time.Duration(c.Compass.PromptTimeoutSec) * time.Second
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = "/etc/qibladash/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0644), "write %s", path)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved (e.g. port paths, baud rates, logging).
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Marshal current config to a generic map
	currentBytes, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal current config")
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return errors.Wrap(err, "unmarshal current config")
	}

	// Unmarshal incoming partial update to a map
	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return errors.Wrap(err, "unmarshal patch")
	}

	deepMerge(base, patch)

	// Marshal merged result and unmarshal back into the config struct
	merged, err := json.Marshal(base)
	if err != nil {
		return errors.Wrap(err, "marshal merged config")
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
