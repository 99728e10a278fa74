// Package clock provides the engine's time capability: a monotonic clock
// that can be replaced in tests, duration/RTP-tick conversions, and the
// exponentially-weighted drift smoother used for NTP offset estimation.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time. All engine components read time through a
// Clock so tests can drive timing deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System returns the real wall clock. time.Time carries a monotonic reading
// on this platform, so differences are immune to wall-clock adjustments.
func System() Clock { return systemClock{} }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a fake clock starting at a fixed, arbitrary instant.
func NewFake() *Fake {
	return &Fake{now: time.Date(2020, 7, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// DurationToRTP converts a duration to RTP ticks at the given timebase.
func DurationToRTP(d time.Duration, timebase int) int64 {
	return int64(d) * int64(timebase) / int64(time.Second)
}

// RTPToDuration converts an RTP tick delta at the given timebase to a
// duration. The delta is signed so callers can express backwards jumps.
func RTPToDuration(rtpDelta int64, timebase int) time.Duration {
	return time.Duration(rtpDelta * int64(time.Second) / int64(timebase))
}
