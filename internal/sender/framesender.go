package sender

import (
	"log/slog"
	"time"

	"github.com/sharecast/sharecast/internal/clock"
	"github.com/sharecast/sharecast/internal/rtcp"
	"github.com/sharecast/sharecast/internal/runloop"
	"github.com/sharecast/sharecast/media"
)

const (
	// DefaultRTCPInterval is the steady-state sender report cadence.
	DefaultRTCPInterval = 500 * time.Millisecond

	// numAggressiveReportsSentAtStart is how many reports are sent
	// per-frame at session start so the receiver can establish lip sync
	// quickly over a lossy link.
	numAggressiveReportsSentAtStart = 100

	// maxFrameBurst is the extra frames allowed in flight when input
	// momentarily exceeds the frame rate.
	maxFrameBurst = 5

	// maxUnackedFrames bounds how many frames may sit in the pipeline.
	maxUnackedFrames = 1000
)

// Transport is the transport-sender surface the frame sender drives.
type Transport interface {
	InsertFrame(ssrc uint32, frame *media.EncodedFrame)
	SendSenderReport(ssrc uint32, now time.Time, nowAsRTPTimestamp uint32)
	ResendFrameForKickstart(ssrc uint32, frameID uint32)
	SendSenderPauseResume(ssrc uint32, lastSentFrameID, pauseID uint32)
}

// mediaSource reports the encoder-side state the admission rules need.
type mediaSource interface {
	NumberOfFramesInEncoder() int
	InFlightMediaDuration() time.Duration
}

// FrameSender owns the per-stream sending policy: admission, congestion
// accounting, RTCP scheduling, and playout delay negotiation. The concrete
// media sender (video, and symmetrically audio) supplies encoder state via
// mediaSource and frames via SendEncodedFrame.
type FrameSender struct {
	log  *slog.Logger
	clk  clock.Clock
	loop *runloop.Loop

	transport Transport
	source    mediaSource

	ssrc        uint32
	rtpTimebase int
	isAudio     bool

	maxFrameRate float64

	sendTargetPlayoutDelay bool
	targetPlayoutDelay     time.Duration
	minPlayoutDelay        time.Duration
	maxPlayoutDelay        time.Duration

	congestion CongestionControl

	numAggressiveReportsSent int

	lastSendTime    time.Time
	lastSentFrameID uint32
	localPauseID    uint32

	currentRoundTripTime time.Duration

	frameReferenceTimes [256]time.Time
	frameRTPTimestamps  [256]uint32
}

// NewFrameSender wires the sending policy for one stream. If log is nil,
// slog.Default() is used.
func NewFrameSender(log *slog.Logger, clk clock.Clock, loop *runloop.Loop, isAudio bool, transport Transport, rtpTimebase int, ssrc uint32, maxFrameRate float64, minPlayoutDelay, maxPlayoutDelay time.Duration, congestion CongestionControl, source mediaSource) *FrameSender {
	if log == nil {
		log = slog.Default()
	}
	if minPlayoutDelay == 0 {
		minPlayoutDelay = maxPlayoutDelay
	}
	f := &FrameSender{
		log:             log.With("component", "frame-sender", "ssrc", ssrc),
		clk:             clk,
		loop:            loop,
		transport:       transport,
		source:          source,
		ssrc:            ssrc,
		rtpTimebase:     rtpTimebase,
		isAudio:         isAudio,
		maxFrameRate:    maxFrameRate,
		minPlayoutDelay: minPlayoutDelay,
		maxPlayoutDelay: maxPlayoutDelay,
		congestion:      congestion,
	}
	f.SetTargetPlayoutDelay(minPlayoutDelay)
	f.sendTargetPlayoutDelay = false
	return f
}

// RTPTimebase returns the stream's RTP clock rate.
func (f *FrameSender) RTPTimebase() int { return f.rtpTimebase }

// TargetPlayoutDelay returns the current target playout delay.
func (f *FrameSender) TargetPlayoutDelay() time.Duration { return f.targetPlayoutDelay }

// MaxPlayoutDelay returns the upper bound for adaptive playout proposals.
func (f *FrameSender) MaxPlayoutDelay() time.Duration { return f.maxPlayoutDelay }

// RoundTripTime returns the last measured round-trip time.
func (f *FrameSender) RoundTripTime() time.Duration { return f.currentRoundTripTime }

// LastSentFrameID returns the id of the last frame handed to transport.
func (f *FrameSender) LastSentFrameID() uint32 { return f.lastSentFrameID }

// SetTargetPlayoutDelay clamps and adopts a new target playout delay; the
// next frames will carry it to the receiver in the RTP extension.
func (f *FrameSender) SetTargetPlayoutDelay(newDelay time.Duration) {
	if f.sendTargetPlayoutDelay && f.targetPlayoutDelay == newDelay {
		return
	}
	if newDelay < f.minPlayoutDelay {
		newDelay = f.minPlayoutDelay
	}
	if newDelay > f.maxPlayoutDelay {
		newDelay = f.maxPlayoutDelay
	}
	f.log.Info("target playout delay changing",
		"from", f.targetPlayoutDelay, "to", newDelay)
	f.targetPlayoutDelay = newDelay
	f.sendTargetPlayoutDelay = true
	f.congestion.UpdateTargetPlayoutDelay(newDelay)
}

// ScheduleNextRTCPReport arms the steady-state report timer.
func (f *FrameSender) ScheduleNextRTCPReport() {
	f.loop.PostDelayed(DefaultRTCPInterval, func() { f.SendRTCPReport(true) })
}

// SendRTCPReport emits one sender report. The RTP timestamp for "now" is
// interpolated from the last sent frame's reference time so the receiver
// can map RTP time onto the shared reference clock.
func (f *FrameSender) SendRTCPReport(scheduleFutureReports bool) {
	now := f.clk.Now()
	timeDelta := now.Sub(f.recordedReferenceTime(f.lastSentFrameID))
	rtpDelta := clock.DurationToRTP(timeDelta, f.rtpTimebase)
	nowAsRTPTimestamp := f.recordedRTPTimestamp(f.lastSentFrameID) + uint32(rtpDelta)
	f.transport.SendSenderReport(f.ssrc, now, nowAsRTPTimestamp)

	if scheduleFutureReports {
		f.ScheduleNextRTCPReport()
	}
}

// SendRTCPPauseResume emits the pause indication and keeps reporting.
func (f *FrameSender) SendRTCPPauseResume() {
	f.transport.SendSenderPauseResume(f.ssrc, f.lastSentFrameID, f.localPauseID)
	f.localPauseID = (f.localPauseID + 1) % 65536
	f.ScheduleNextRTCPReport()
}

// OnMeasuredRoundTripTime records a fresh RTT sample.
func (f *FrameSender) OnMeasuredRoundTripTime(rtt time.Duration) {
	f.currentRoundTripTime = rtt
}

// ResendForKickstart resends the last packet of the last sent frame so an
// unresponsive receiver rediscovers its losses.
func (f *FrameSender) ResendForKickstart() {
	if f.lastSendTime.IsZero() {
		return
	}
	f.log.Info("resending last packet to kick-start", "frame_id", f.lastSentFrameID)
	f.lastSendTime = f.clk.Now()
	f.transport.ResendFrameForKickstart(f.ssrc, f.lastSentFrameID)
}

func (f *FrameSender) recordLatestFrameTimestamps(frameID uint32, referenceTime time.Time, rtpTimestamp uint32) {
	f.frameReferenceTimes[frameID%256] = referenceTime
	f.frameRTPTimestamps[frameID%256] = rtpTimestamp
}

func (f *FrameSender) recordedReferenceTime(frameID uint32) time.Time {
	return f.frameReferenceTimes[frameID%256]
}

func (f *FrameSender) recordedRTPTimestamp(frameID uint32) uint32 {
	return f.frameRTPTimestamps[frameID%256]
}

// BitrateForNextFrame asks congestion control for the encoder bitrate
// given the expected playout instant of the next frame.
func (f *FrameSender) BitrateForNextFrame(playoutTime time.Time) int {
	return f.congestion.GetBitrate(playoutTime, f.targetPlayoutDelay)
}

// allowedInFlightMediaDuration is the media the link may hold: the playout
// window plus the time an acknowledgement needs to come back.
func (f *FrameSender) allowedInFlightMediaDuration() time.Duration {
	return f.targetPlayoutDelay + f.currentRoundTripTime/2
}

// SendEncodedFrame accounts for one encoder output and hands it to the
// transport, bootstrapping RTCP aggressively at session start.
func (f *FrameSender) SendEncodedFrame(frame *media.EncodedFrame) {
	frameID := frame.FrameID
	f.lastSendTime = f.clk.Now()
	f.lastSentFrameID = frameID

	f.recordLatestFrameTimestamps(frameID, frame.ReferenceTime, frame.RTPTimestamp)

	// Early reports ride with every frame: transmission is best effort,
	// and the receiver cannot compute playout times until one gets
	// through.
	if f.numAggressiveReportsSent < numAggressiveReportsSentAtStart {
		f.numAggressiveReportsSent++
		isLastAggressiveReport := f.numAggressiveReportsSent == numAggressiveReportsSentAtStart
		f.SendRTCPReport(isLastAggressiveReport)
	}

	f.congestion.SendFrameToTransport(frameID, int64(len(frame.Data))*8, f.lastSendTime)

	if f.sendTargetPlayoutDelay {
		frame.NewPlayoutDelayMS = uint16(f.targetPlayoutDelay.Milliseconds())
	}
	f.transport.InsertFrame(f.ssrc, frame)
}

// OnReceivedCastFeedback folds receiver feedback into the policy state:
// a valid RTT ends the aggressive report phase and updates congestion, and
// the acked frame is released from congestion accounting.
func (f *FrameSender) OnReceivedCastFeedback(feedback *rtcp.FeedbackMessage) {
	if f.currentRoundTripTime > 0 {
		f.congestion.UpdateRTT(f.currentRoundTripTime)

		// An RTT implies the receiver answered one of our reports, so
		// the aggressive phase has served its purpose.
		if f.numAggressiveReportsSent < numAggressiveReportsSentAtStart {
			f.log.Info("ending aggressive report phase",
				"reports_sent", f.numAggressiveReportsSent)
			f.numAggressiveReportsSent = numAggressiveReportsSentAtStart
			f.ScheduleNextRTCPReport()
		}
	}

	if f.lastSendTime.IsZero() {
		return // no ack can precede the first frame
	}
	f.congestion.AckFrame(feedback.AckFrameID, f.clk.Now())
}

// ShouldDropNextFrame applies the admission rules to a frame that would add
// frameDuration of media.
func (f *FrameSender) ShouldDropNextFrame(frameDuration time.Duration) bool {
	framesInFlight := f.source.NumberOfFramesInEncoder()
	if framesInFlight >= maxUnackedFrames {
		f.log.Warn("dropping frame: too many frames in flight", "count", framesInFlight)
		return true
	}

	durationInFlight := f.source.InFlightMediaDuration()
	maxFramesInFlight := f.maxFrameRate * durationInFlight.Seconds()
	if float64(framesInFlight) >= maxFramesInFlight+maxFrameBurst {
		f.log.Warn("dropping frame: burst threshold exceeded", "count", framesInFlight)
		return true
	}

	if durationInFlight+frameDuration > f.allowedInFlightMediaDuration() {
		f.log.Warn("dropping frame: in-flight duration too high",
			"in_flight", durationInFlight, "frame", frameDuration)
		return true
	}
	return false
}
