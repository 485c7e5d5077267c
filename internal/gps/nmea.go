package gps

import (
	"bufio"
	"context"
	"io"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/adrianmo/go-nmea"
	"go.uber.org/zap"

	"github.com/shaunagostinho/qibla-dash/internal/qibla"
	"github.com/shaunagostinho/qibla-dash/internal/sensor"
)

const (
	// A fix younger than this satisfies CurrentPosition without waiting.
	freshFixAge = 2 * time.Second
	// HDG-derived true heading is only used when no HDT arrived recently.
	trueHeadingTTL = 3 * time.Second
)

// NMEAProvider reads standard NMEA 0183 sentences from a UART GPS or GPS
// compass. RMC and GGA update the position fix, HDT carries true heading and
// HDG or HDM carry magnetic heading (HDG also yields true heading when
// variation is present).
// The port is opened for the first subscriber and closed after the last.
type NMEAProvider struct {
	portPath        string
	baudRate        int
	headingAccuracy float64
	logger          *zap.SugaredLogger

	open   sensor.Opener
	ports  sensor.PortLister
	access func(string) sensor.Permission

	mu       sync.Mutex
	port     io.ReadCloser
	refs     int
	last     Fix
	fixAt    time.Time
	heading  HeadingReading
	trueAt   time.Time
	watchers map[int]func(HeadingReading)
	waiters  map[int]chan Fix
	nextID   int
}

// NMEAConfig holds configuration for the NMEA GPS provider.
type NMEAConfig struct {
	PortPath        string  `yaml:"port_path" json:"portPath"`
	BaudRate        int     `yaml:"baud_rate" json:"baudRate"`
	HeadingAccuracy float64 `yaml:"heading_accuracy_deg" json:"headingAccuracyDeg"`
}

// NewNMEA creates a new NMEA GPS provider.
func NewNMEA(cfg NMEAConfig, logger *zap.SugaredLogger) *NMEAProvider {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600 // Standard NMEA default
	}
	if cfg.HeadingAccuracy <= 0 {
		cfg.HeadingAccuracy = 5
	}
	return &NMEAProvider{
		portPath:        cfg.PortPath,
		baudRate:        cfg.BaudRate,
		headingAccuracy: cfg.HeadingAccuracy,
		logger:          logger,
		open:            sensor.OpenSerial,
		ports:           sensor.SerialPorts,
		access:          sensor.DeviceAccess,
		heading:         HeadingReading{TrueHeading: NoHeading, MagneticHeading: NoHeading},
		watchers:        make(map[int]func(HeadingReading)),
		waiters:         make(map[int]chan Fix),
	}
}

func (n *NMEAProvider) Name() string { return "NMEA GPS" }

func (n *NMEAProvider) PermissionStatus(ctx context.Context) (sensor.Permission, error) {
	return n.access(n.portPath), nil
}

// RequestPermission cannot elevate privileges; it re-checks access and logs
// a hint when the device is not usable.
func (n *NMEAProvider) RequestPermission(ctx context.Context) (sensor.Permission, error) {
	p := n.access(n.portPath)
	if p != sensor.PermissionGranted {
		n.logger.Warnf("no access to %s (%s); is the user in the dialout group?", n.portPath, p)
	}
	return p, nil
}

func (n *NMEAProvider) ServicesEnabled(ctx context.Context) (bool, error) {
	if n.portPath == "" {
		return false, nil
	}
	if sensor.PortPresent(n.ports, n.portPath) {
		return true, nil
	}
	// udev symlinks such as /dev/ttyGPS are not in the port list.
	_, err := os.Stat(n.portPath)
	return err == nil, nil
}

func (n *NMEAProvider) CurrentPosition(ctx context.Context, timeout time.Duration) (*Fix, error) {
	if err := n.acquire(); err != nil {
		return nil, err
	}
	defer n.release()

	n.mu.Lock()
	if n.last.Valid && time.Since(n.fixAt) < freshFixAge {
		fix := n.last
		n.mu.Unlock()
		return &fix, nil
	}
	id := n.nextID
	n.nextID++
	ch := make(chan Fix, 1)
	n.waiters[id] = ch
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.waiters, id)
		n.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case fix := <-ch:
		return &fix, nil
	case <-timer.C:
		return nil, ErrNoFix
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *NMEAProvider) WatchHeading(cb func(HeadingReading)) (sensor.Subscription, error) {
	if err := n.acquire(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.watchers[id] = cb
	n.mu.Unlock()

	return sensor.SubscriptionFunc(func() {
		n.mu.Lock()
		delete(n.watchers, id)
		n.mu.Unlock()
		n.release()
	}), nil
}

// Close drops every subscriber and closes the port.
func (n *NMEAProvider) Close() error {
	n.mu.Lock()
	port := n.port
	n.port = nil
	n.refs = 0
	n.watchers = make(map[int]func(HeadingReading))
	n.mu.Unlock()
	if port != nil {
		return port.Close()
	}
	return nil
}

func (n *NMEAProvider) acquire() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.refs++
	if n.port != nil {
		return nil
	}
	port, err := n.open(n.portPath, n.baudRate)
	if err != nil {
		n.refs--
		return err
	}
	n.port = port
	go n.readLoop(port)
	n.logger.Infof("connected to %s at %d baud", n.portPath, n.baudRate)
	return nil
}

func (n *NMEAProvider) release() {
	n.mu.Lock()
	if n.refs > 0 {
		n.refs--
	}
	if n.refs > 0 || n.port == nil {
		n.mu.Unlock()
		return
	}
	port := n.port
	n.port = nil
	n.mu.Unlock()

	if err := port.Close(); err != nil {
		n.logger.Warnf("close %s: %v", n.portPath, err)
	}
	n.logger.Infof("released %s", n.portPath)
}

func (n *NMEAProvider) readLoop(r io.ReadCloser) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			n.handleLine(line)
		}
		if err != nil {
			n.mu.Lock()
			owned := n.port == r
			if owned {
				n.port = nil
			}
			n.mu.Unlock()
			if owned {
				n.logger.Warnf("read %s stopped: %v", n.portPath, err)
				r.Close()
			}
			return
		}
	}
}

// handleLine parses one sentence and fans the result out to heading watchers
// and position waiters. Callbacks run outside the lock.
func (n *NMEAProvider) handleLine(line string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return
	}
	s, err := nmea.Parse(line)
	if err != nil {
		n.logger.Debugf("can't parse nmea sentence: %v", err)
		return
	}

	now := time.Now()
	headingChanged := false
	fixChanged := false

	n.mu.Lock()
	switch m := s.(type) {
	case nmea.RMC:
		n.last.Timestamp = m.Time.String()
		n.last.Valid = m.Validity == nmea.ValidRMC
		if n.last.Valid {
			n.last.Latitude = m.Latitude
			n.last.Longitude = m.Longitude
			n.last.Speed = m.Speed * 1.852 // Knots to km/h
			n.last.Course = m.Course
			n.fixAt = now
			fixChanged = true
		}
	case nmea.GGA:
		n.last.FixQuality = m.FixQuality
		n.last.Satellites = int(m.NumSatellites)
		n.last.HDOP = m.HDOP
		n.last.Altitude = m.Altitude
		if m.FixQuality != nmea.Invalid {
			n.last.Valid = true
			n.last.Latitude = m.Latitude
			n.last.Longitude = m.Longitude
			n.fixAt = now
			fixChanged = true
		}
	case nmea.HDT:
		n.heading.TrueHeading = qibla.NormalizeDegrees(m.Heading)
		n.trueAt = now
		headingChanged = true
	case nmea.HDG:
		magnetic := qibla.NormalizeDegrees(m.Heading + signed(m.Deviation, m.DeviationDirection))
		n.heading.MagneticHeading = magnetic
		if m.VariationDirection != "" && now.Sub(n.trueAt) > trueHeadingTTL {
			n.heading.TrueHeading = qibla.NormalizeDegrees(magnetic + signed(m.Variation, m.VariationDirection))
		}
		headingChanged = true
	case nmea.HDM:
		n.heading.MagneticHeading = qibla.NormalizeDegrees(m.Heading)
		headingChanged = true
	}

	n.heading.Accuracy = n.accuracyLocked()
	reading := n.heading
	fix := n.last

	var watchers []func(HeadingReading)
	if headingChanged {
		for _, cb := range n.watchers {
			watchers = append(watchers, cb)
		}
	}
	var waiters []chan Fix
	if fixChanged {
		for _, ch := range n.waiters {
			waiters = append(waiters, ch)
		}
	}
	n.mu.Unlock()

	for _, cb := range watchers {
		cb(reading)
	}
	for _, ch := range waiters {
		select {
		case ch <- fix:
		default:
		}
	}
}

// accuracyLocked scales the nominal heading accuracy by horizontal dilution.
func (n *NMEAProvider) accuracyLocked() float64 {
	acc := n.headingAccuracy
	if n.last.HDOP > 1 {
		acc *= n.last.HDOP
	}
	return math.Min(acc, 180)
}

// signed applies an NMEA E/W direction: east is positive, west negative.
func signed(v float64, dir string) float64 {
	if dir == "W" {
		return -v
	}
	return v
}
