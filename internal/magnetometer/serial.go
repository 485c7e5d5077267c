package magnetometer

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/shaunagostinho/qibla-dash/internal/sensor"
)

// ErrBusy is returned when a second listener is added to a serial
// magnetometer; the port can only be read by one.
var ErrBusy = errors.New("magnetometer: listener already active")

// SerialConfig holds configuration for the serial magnetometer.
type SerialConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// SerialProvider reads "x,y,z" lines (microtesla) streamed by a
// microcontroller bridging a magnetometer such as an HMC5883L or QMC5883.
type SerialProvider struct {
	portPath string
	baudRate int
	logger   *zap.SugaredLogger
	clock    clock.Clock

	open   sensor.Opener
	ports  sensor.PortLister
	access func(string) sensor.Permission

	mu       sync.Mutex
	interval time.Duration
	active   bool
}

// NewSerial creates a serial magnetometer provider.
func NewSerial(cfg SerialConfig, logger *zap.SugaredLogger) *SerialProvider {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	return &SerialProvider{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
		logger:   logger,
		clock:    clock.New(),
		open:     sensor.OpenSerial,
		ports:    sensor.SerialPorts,
		access:   sensor.DeviceAccess,
		interval: 100 * time.Millisecond,
	}
}

func (s *SerialProvider) Name() string { return "Serial Magnetometer" }

func (s *SerialProvider) RequestPermission(ctx context.Context) (sensor.Permission, error) {
	p := s.access(s.portPath)
	if p != sensor.PermissionGranted {
		s.logger.Warnf("no access to %s (%s)", s.portPath, p)
	}
	return p, nil
}

func (s *SerialProvider) IsAvailable(ctx context.Context) (bool, error) {
	if s.portPath == "" {
		return false, nil
	}
	return sensor.PortPresent(s.ports, s.portPath), nil
}

func (s *SerialProvider) SetUpdateInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
}

func (s *SerialProvider) AddListener(cb func(Reading)) (sensor.Subscription, error) {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.active = true
	s.mu.Unlock()

	port, err := s.open(s.portPath, s.baudRate)
	if err != nil {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
		return nil, err
	}
	s.logger.Infof("connected to %s at %d baud", s.portPath, s.baudRate)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readLoop(port, cb)
	}()

	return sensor.SubscriptionFunc(func() {
		if err := port.Close(); err != nil {
			s.logger.Warnf("close %s: %v", s.portPath, err)
		}
		<-done
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
		s.logger.Infof("released %s", s.portPath)
	}), nil
}

func (s *SerialProvider) readLoop(r io.Reader, cb func(Reading)) {
	reader := bufio.NewReader(r)
	var last time.Time
	for {
		line, err := reader.ReadString('\n')
		if reading, ok := ParseLine(line); ok {
			now := s.clock.Now()
			s.mu.Lock()
			interval := s.interval
			s.mu.Unlock()
			if last.IsZero() || now.Sub(last) >= interval {
				last = now
				cb(reading)
			}
		}
		if err != nil {
			return
		}
	}
}

// ParseLine parses "x,y,z" or "x y z". Anything else is rejected.
func ParseLine(line string) (Reading, bool) {
	fields := strings.FieldsFunc(strings.TrimSpace(line), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) != 3 {
		return Reading{}, false
	}
	var v [3]float64
	for i, f := range fields {
		n, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return Reading{}, false
		}
		v[i] = n
	}
	return Reading{X: v[0], Y: v[1], Z: v[2]}, true
}
