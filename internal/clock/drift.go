package clock

import "time"

// DefaultDriftTimeConstant is the smoothing time constant used for clock
// offset estimation when no other value is configured.
const DefaultDriftTimeConstant = 30 * time.Second

// DriftSmoother maintains an exponentially-weighted estimate of the offset
// between two clocks. Samples taken further apart carry more weight, so the
// estimate converges at a rate governed by the time constant rather than by
// the sampling frequency.
type DriftSmoother struct {
	timeConstant time.Duration
	estimateUs   float64
	lastUpdate   time.Time
}

// NewDriftSmoother returns a smoother with the given time constant. A
// non-positive value selects DefaultDriftTimeConstant.
func NewDriftSmoother(timeConstant time.Duration) *DriftSmoother {
	if timeConstant <= 0 {
		timeConstant = DefaultDriftTimeConstant
	}
	return &DriftSmoother{timeConstant: timeConstant}
}

// Current returns the present offset estimate, rounded to the nearest
// microsecond. It returns zero before the first Update or Reset.
func (s *DriftSmoother) Current() time.Duration {
	return time.Duration(s.estimateUs+0.5) * time.Microsecond
}

// Reset clamps the estimate to measured, forgetting all history. Callers use
// it to follow a new minimum offset immediately.
func (s *DriftSmoother) Reset(now time.Time, measured time.Duration) {
	s.lastUpdate = now
	s.estimateUs = float64(measured.Microseconds())
}

// Update folds a new offset measurement into the estimate. The weight of the
// sample is elapsed/(elapsed+timeConstant), so closely spaced samples barely
// move the estimate. A sample earlier than the last update is ignored.
func (s *DriftSmoother) Update(now time.Time, measured time.Duration) {
	if s.lastUpdate.IsZero() {
		s.Reset(now, measured)
		return
	}
	if now.Before(s.lastUpdate) {
		return
	}
	elapsedUs := float64(now.Sub(s.lastUpdate).Microseconds())
	s.lastUpdate = now
	weight := elapsedUs / (elapsedUs + float64(s.timeConstant.Microseconds()))
	s.estimateUs = weight*float64(measured.Microseconds()) + (1.0-weight)*s.estimateUs
}
