package client

import (
	"sync"
	"time"
)

// PauseClock is the receiver's logical clock. While paused it stands still, and on resume it
// continues from where it stopped, so paused wall time never reaches the interpolator.
type PauseClock struct {
	mu       sync.Mutex
	now      func() time.Time
	origin   time.Time
	paused   bool
	pausedAt time.Time
	frozen   time.Duration
}

// NewPauseClock starts a running clock at zero. A nil source uses time.Now.
func NewPauseClock(now func() time.Time) *PauseClock {
	if now == nil {
		now = time.Now
	}
	return &PauseClock{now: now, origin: now()}
}

// Now returns logical nanoseconds since construction, excluding paused intervals.
func (c *PauseClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	at := c.now()
	if c.paused {
		at = c.pausedAt
	}
	return int64(at.Sub(c.origin) - c.frozen)
}

// Pause freezes the clock. Pausing twice is a no-op.
func (c *PauseClock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	c.paused = true
	c.pausedAt = c.now()
}

// Resume restarts the clock from the value it was frozen at.
func (c *PauseClock) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.frozen += c.now().Sub(c.pausedAt)
	c.paused = false
}

// DefaultClockSmoothing is the weight of a new offset sample.
const DefaultClockSmoothing = 0.05

// ClockSync estimates serverTime - localTime with exponential smoothing. The first sample is
// taken as is so the estimate does not ramp up from zero.
type ClockSync struct {
	mu      sync.Mutex
	alpha   float64
	offset  float64
	samples int
}

// NewClockSync returns an estimator weighting each new sample by alpha.
func NewClockSync(alpha float64) *ClockSync {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultClockSmoothing
	}
	return &ClockSync{alpha: alpha}
}

// Observe folds in one sample and returns the updated offset.
func (s *ClockSync) Observe(serverTs, localTs int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	sample := float64(serverTs - localTs)
	if s.samples == 0 {
		s.offset = sample
	} else {
		s.offset += s.alpha * (sample - s.offset)
	}
	s.samples++
	return int64(s.offset)
}

// Offset returns the current estimate in nanoseconds.
func (s *ClockSync) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.offset)
}

// Samples reports how many samples were observed.
func (s *ClockSync) Samples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}

// Reset forgets every sample, e.g. after reconnecting to a server with a different clock.
func (s *ClockSync) Reset() {
	s.mu.Lock()
	s.offset = 0
	s.samples = 0
	s.mu.Unlock()
}
