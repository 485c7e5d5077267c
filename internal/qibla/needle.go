package qibla

import "sync"

// Needle smooths the displayed needle rotation toward a moving target. The
// displayed value is kept unwrapped internally so successive steps never spin
// through the 0/360 boundary.
type Needle struct {
	mu      sync.Mutex
	factor  float64
	value   float64
	started bool
}

// NewNeedle returns a Needle that covers factor of the remaining distance on
// every Step. factor is clamped to (0,1]; 1 disables smoothing.
func NewNeedle(factor float64) *Needle {
	if factor <= 0 || factor > 1 {
		factor = 1
	}
	return &Needle{factor: factor}
}

// Step advances toward target and returns the new rotation in [0,360).
func (n *Needle) Step(target float64) float64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.started {
		n.value = NormalizeDegrees(target)
		n.started = true
		return n.value
	}
	adjusted := WrapTarget(n.value, target)
	n.value += (adjusted - n.value) * n.factor
	// Keep the accumulator bounded without changing the displayed angle.
	n.value = WrapTarget(0, n.value)
	return NormalizeDegrees(n.value)
}

// Rotation returns the current displayed rotation in [0,360).
func (n *Needle) Rotation() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return NormalizeDegrees(n.value)
}

// Peek returns the displayed rotation without advancing it. A needle that
// has not stepped yet reports target.
func (n *Needle) Peek(target float64) float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return NormalizeDegrees(target)
	}
	return NormalizeDegrees(n.value)
}

// Reset forgets the previous rotation; the next Step jumps straight to its
// target.
func (n *Needle) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.value = 0
	n.started = false
}
