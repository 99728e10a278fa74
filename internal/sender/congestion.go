// Package sender implements the send side of the engine: frame admission
// and congestion accounting, RTCP report scheduling with the aggressive
// session bootstrap, adaptive playout delay, and the video sender that owns
// the encoder worker boundary.
package sender

import (
	"time"

	"github.com/sharecast/sharecast/internal/clock"
)

// CongestionControl tracks what is in flight between encoder output and
// receiver acknowledgement, and turns that plus round-trip time into a
// target bitrate for the encoder.
type CongestionControl interface {
	UpdateRTT(rtt time.Duration)
	UpdateTargetPlayoutDelay(delay time.Duration)
	SendFrameToTransport(frameID uint32, sizeBits int64, when time.Time)
	AckFrame(frameID uint32, when time.Time)
	GetBitrate(playoutTime time.Time, playoutDelay time.Duration) int
}

// fixedCongestionControl always reports the configured bitrate. It is the
// default policy.
type fixedCongestionControl struct {
	bitsPerSecond int
}

// NewFixedCongestionControl returns a congestion controller pinned to
// bitsPerSecond.
func NewFixedCongestionControl(bitsPerSecond int) CongestionControl {
	return &fixedCongestionControl{bitsPerSecond: bitsPerSecond}
}

func (f *fixedCongestionControl) UpdateRTT(time.Duration)                        {}
func (f *fixedCongestionControl) UpdateTargetPlayoutDelay(time.Duration)         {}
func (f *fixedCongestionControl) SendFrameToTransport(uint32, int64, time.Time)  {}
func (f *fixedCongestionControl) AckFrame(uint32, time.Time)                     {}
func (f *fixedCongestionControl) GetBitrate(time.Time, time.Duration) int        { return f.bitsPerSecond }

// adaptiveCongestionControl sizes the bitrate so the bits currently in
// flight would drain within the time left until the next frame's decode
// deadline, clamped to the configured range.
type adaptiveCongestionControl struct {
	clk     clock.Clock
	minBits int
	maxBits int

	rtt                time.Duration
	targetPlayoutDelay time.Duration

	inFlight []inFlightFrame
}

type inFlightFrame struct {
	frameID  uint32
	sizeBits int64
	sentTime time.Time
}

// NewAdaptiveCongestionControl returns a controller bounded to
// [minBitsPerSecond, maxBitsPerSecond].
func NewAdaptiveCongestionControl(clk clock.Clock, minBitsPerSecond, maxBitsPerSecond int) CongestionControl {
	return &adaptiveCongestionControl{
		clk:     clk,
		minBits: minBitsPerSecond,
		maxBits: maxBitsPerSecond,
	}
}

func (a *adaptiveCongestionControl) UpdateRTT(rtt time.Duration) {
	a.rtt = rtt
}

func (a *adaptiveCongestionControl) UpdateTargetPlayoutDelay(delay time.Duration) {
	a.targetPlayoutDelay = delay
}

func (a *adaptiveCongestionControl) SendFrameToTransport(frameID uint32, sizeBits int64, when time.Time) {
	a.inFlight = append(a.inFlight, inFlightFrame{frameID: frameID, sizeBits: sizeBits, sentTime: when})
}

func (a *adaptiveCongestionControl) AckFrame(frameID uint32, when time.Time) {
	for i, f := range a.inFlight {
		if f.frameID == frameID {
			a.inFlight = a.inFlight[i+1:]
			return
		}
	}
}

func (a *adaptiveCongestionControl) GetBitrate(playoutTime time.Time, playoutDelay time.Duration) int {
	var bitsInFlight int64
	for _, f := range a.inFlight {
		bitsInFlight += f.sizeBits
	}

	timeToDrain := playoutTime.Sub(a.clk.Now()) - a.rtt/2
	if timeToDrain < time.Millisecond {
		timeToDrain = time.Millisecond
	}

	// Whatever the backlog needs to drain in time is not available to
	// fresh media.
	backlogRate := int(float64(bitsInFlight) / timeToDrain.Seconds())
	available := a.maxBits - backlogRate
	if available < a.minBits {
		return a.minBits
	}
	return available
}
