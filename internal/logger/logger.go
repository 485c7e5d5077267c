package logger

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/shaunagostinho/qibla-dash/internal/compass"
	"github.com/shaunagostinho/qibla-dash/internal/qibla"
)

// Logger records timestamped heading and alignment samples to CSV files with
// automatic rotation.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	maxRows  int
	clock    clock.Clock
	log      *zap.SugaredLogger

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

const (
	maxRowsPerFile = 100_000 // Rotate after 100k rows (~2.7 hrs at 10 Hz)
)

var csvHeader = []string{
	"timestamp", "compass_enabled", "method", "heading_deg",
	"accuracy", "bearing_deg", "offset_deg", "needle_deg", "alignment",
	"lat", "lon", "using_gps",
}

// Sample is one row's worth of display state.
type Sample struct {
	Compass   compass.State
	Location  qibla.Location
	Bearing   float64
	Rotation  float64
	Alignment qibla.Alignment
}

// New creates a new Logger.
func New(cfg Config, log *zap.SugaredLogger) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/qibla-dash"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = 100 * time.Millisecond // Default 10 Hz
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		maxRows:  maxRowsPerFile,
		clock:    clock.New(),
		log:      log,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		if err := l.closeFile(); err != nil {
			l.log.Warnf("close log: %v", err)
		}
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes s if the minimum interval has elapsed. Samples without a
// live heading are skipped.
func (l *Logger) Record(s Sample) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || !s.Compass.CompassEnabled {
		return
	}

	now := l.clock.Now()
	if !l.lastTs.IsZero() && now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now

	// Open/rotate file if needed
	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(now); err != nil {
			l.log.Errorf("rotate failed: %v", err)
			return
		}
	}

	if err := l.writer.Write(buildRow(now, s)); err != nil {
		l.log.Errorf("write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	if err := l.closeFile(); err != nil {
		l.log.Warnf("close previous log: %v", err)
	}

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return errors.Wrapf(err, "mkdir %s", l.dir)
	}

	filename := fmt.Sprintf("qibla_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	l.log.Infof("opened %s", path)
	return nil
}

func (l *Logger) closeFile() error {
	var err error
	if l.writer != nil {
		l.writer.Flush()
		err = multierr.Append(err, l.writer.Error())
		l.writer = nil
	}
	if l.file != nil {
		err = multierr.Append(err, l.file.Close())
		l.file = nil
	}
	return err
}

func buildRow(ts time.Time, s Sample) []string {
	st := s.Compass
	row := make([]string, len(csvHeader))

	row[0] = ts.UTC().Format(time.RFC3339Nano)
	row[1] = boolStr(st.CompassEnabled)
	row[2] = st.CompassMethod
	row[3] = fmt.Sprintf("%.1f", st.CurrentHeading)
	if acc := st.CompassAccuracy; acc != nil {
		if acc.Degrees != nil {
			row[4] = fmt.Sprintf("%.1f", *acc.Degrees)
		} else {
			row[4] = string(acc.Level)
		}
	}
	row[5] = fmt.Sprintf("%.1f", s.Bearing)
	row[6] = fmt.Sprintf("%.1f", qibla.Offset(s.Bearing, st.CurrentHeading))
	row[7] = fmt.Sprintf("%.1f", s.Rotation)
	row[8] = s.Alignment.String()
	row[9] = fmt.Sprintf("%.6f", s.Location.Latitude)
	row[10] = fmt.Sprintf("%.6f", s.Location.Longitude)
	row[11] = boolStr(st.UsingGPSLocation)

	return row
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
