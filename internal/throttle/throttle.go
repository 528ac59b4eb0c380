// Package throttle decides when a client should push a location sample to
// the hub. Each local participant owns one Throttle.
package throttle

import (
	"math"
	"sync"
	"time"
)

const (
	DefaultMovementThreshold = 0.0002
	DefaultInterval          = 10 * time.Second
)

// Sample is a position reading with its capture time.
type Sample struct {
	Lat  float64
	Lng  float64
	Time time.Time
}

// Throttle keeps the last successfully emitted sample as its baseline.
type Throttle struct {
	threshold float64
	interval  time.Duration

	mu       sync.Mutex
	baseline *Sample
	lastEmit time.Time
	now      func() time.Time
}

// New creates a throttle. Zero values fall back to the defaults.
func New(threshold float64, interval time.Duration) *Throttle {
	if threshold <= 0 {
		threshold = DefaultMovementThreshold
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Throttle{threshold: threshold, interval: interval, now: time.Now}
}

// ShouldEmit reports whether s must be sent now. It never changes state.
func (t *Throttle) ShouldEmit(s Sample, attendanceChanged bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shouldEmitLocked(s, attendanceChanged)
}

func (t *Throttle) shouldEmitLocked(s Sample, attendanceChanged bool) bool {
	if attendanceChanged || t.baseline == nil {
		return true
	}
	if math.Abs(s.Lat-t.baseline.Lat) > t.threshold || math.Abs(s.Lng-t.baseline.Lng) > t.threshold {
		return true
	}
	return t.now().Sub(t.lastEmit) > t.interval
}

// Commit records s as the new baseline. Call it only after the transport
// accepted the emission.
func (t *Throttle) Commit(s Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commitLocked(s)
}

func (t *Throttle) commitLocked(s Sample) {
	b := s
	t.baseline = &b
	t.lastEmit = t.now()
}

// Offer runs the whole decision: if s should be emitted, send is invoked and
// the baseline moves only when send succeeds. It returns whether a send was
// attempted and the send error, if any.
func (t *Throttle) Offer(s Sample, attendanceChanged bool, send func() error) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.shouldEmitLocked(s, attendanceChanged) {
		return false, nil
	}
	if err := send(); err != nil {
		return true, err
	}
	t.commitLocked(s)
	return true, nil
}

// Baseline returns the last committed sample.
func (t *Throttle) Baseline() (Sample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.baseline == nil {
		return Sample{}, false
	}
	return *t.baseline, true
}
