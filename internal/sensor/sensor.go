// Package sensor holds the small contracts shared by every sensor provider:
// permission states, subscription handles and serial device access checks.
package sensor

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.bug.st/serial"
)

// Permission is the platform permission state for a sensor.
type Permission int

const (
	PermissionUndetermined Permission = iota
	PermissionGranted
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "undetermined"
	}
}

// Subscription is a live sensor listener. Remove stops delivery; it is safe to
// call more than once.
type Subscription interface {
	Remove()
}

// SubscriptionFunc adapts a function to Subscription. The function runs at
// most once.
func SubscriptionFunc(fn func()) Subscription {
	return &funcSubscription{fn: fn}
}

type funcSubscription struct {
	once sync.Once
	fn   func()
}

func (s *funcSubscription) Remove() {
	s.once.Do(s.fn)
}

// PortLister returns the serial ports present on the host.
type PortLister func() ([]string, error)

// SerialPorts lists ports through go.bug.st/serial.
var SerialPorts PortLister = serial.GetPortsList

// PortPresent reports whether path is among the ports returned by list. A nil
// list uses SerialPorts.
func PortPresent(list PortLister, path string) bool {
	if list == nil {
		list = SerialPorts
	}
	ports, err := list()
	if err != nil {
		return false
	}
	return lo.Contains(ports, path)
}

// Opener opens a serial device for reading.
type Opener func(path string, baudRate int) (io.ReadCloser, error)

// OpenSerial opens path as an 8N1 serial port.
func OpenSerial(path string, baudRate int) (io.ReadCloser, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	return port, nil
}
