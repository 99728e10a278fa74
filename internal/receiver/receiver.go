package receiver

import (
	"log/slog"
	"time"

	"github.com/sharecast/sharecast/internal/clock"
	"github.com/sharecast/sharecast/internal/rtcp"
	"github.com/sharecast/sharecast/internal/rtp"
	"github.com/sharecast/sharecast/internal/runloop"
	"github.com/sharecast/sharecast/media"
)

const (
	minSchedulingDelay  = time.Millisecond
	defaultRTCPInterval = 500 * time.Millisecond

	// maxNetworkTimeout is the base of the escalating watchdog interval:
	// 2 s times one plus the consecutive-timeout count, the count capped
	// at maxNetworkTimeoutFails.
	maxNetworkTimeout      = 2000 * time.Millisecond
	maxNetworkTimeoutFails = 5
)

// Config parameterizes one receiving stream.
type Config struct {
	ReceiverSSRC    uint32
	SenderSSRC      uint32
	RTPMaxDelayMS   int
	TargetFrameRate int
	RTPTimebase     int
}

// FrameCallback receives one decoded-ready frame. ReferenceTime on the
// frame is its target playout time.
type FrameCallback func(frame *media.EncodedFrame)

// FrameReceiver glues the receive pipeline together: packets in, complete
// frames out at their playout times, with RTCP reports and Cast feedback
// flowing back to the sender.
type FrameReceiver struct {
	log  *slog.Logger
	clk  clock.Clock
	loop *runloop.Loop

	rtpTimebase           int
	targetPlayoutDelay    time.Duration
	expectedFrameDuration time.Duration

	rtcpSession *rtcp.Session
	stats       *Stats
	framer      *Framer

	reportsScheduled bool

	frameRequestQueue []FrameCallback

	waitingForConsecutiveFrame bool

	frameIDToRTPTimestamp [256]uint32

	lipSyncRTPTimestamp  uint32
	lipSyncReferenceTime time.Time
	lipSyncDrift         *clock.DriftSmoother

	onNetworkTimeout func()
	networkTimeouts  int
	lastReceivedTime time.Time
	lastFrameID      uint32
}

// NewFrameReceiver builds the receive pipeline for one stream, sending its
// RTCP through rtcpSender. If log is nil, slog.Default() is used.
func NewFrameReceiver(log *slog.Logger, clk clock.Clock, loop *runloop.Loop, config Config, rtcpSender rtcp.PacketSender) *FrameReceiver {
	if log == nil {
		log = slog.Default()
	}
	r := &FrameReceiver{
		log:                   log.With("component", "frame-receiver", "ssrc", config.ReceiverSSRC),
		clk:                   clk,
		loop:                  loop,
		rtpTimebase:           config.RTPTimebase,
		targetPlayoutDelay:    time.Duration(config.RTPMaxDelayMS) * time.Millisecond,
		expectedFrameDuration: time.Second / time.Duration(config.TargetFrameRate),
		stats:                 NewStats(clk),
		lipSyncDrift:          clock.NewDriftSmoother(clock.DefaultDriftTimeConstant),
	}
	r.rtcpSession = rtcp.NewSession(log, clk, rtcpSender, config.ReceiverSSRC, config.SenderSSRC, nil, nil)
	r.rtcpSession.SetPauseFunc(func(msg rtcp.PauseResumeMessage) {
		// Best-effort hint only: drop stale NACK state so the paused
		// sender is not hammered with retransmission requests.
		r.log.Info("sender paused", "pause_id", msg.PauseID, "last_sent", msg.LastSent)
		r.framer.ResetFeedbackBuilder()
	})
	r.framer = NewFramer(log, clk, r, config.SenderSSRC, true)
	return r
}

// SetOnNetworkTimeout registers the watchdog callback.
func (r *FrameReceiver) SetOnNetworkTimeout(fn func()) {
	r.onNetworkTimeout = fn
}

// RequestEncodedFrame queues a client request for the next playable frame.
func (r *FrameReceiver) RequestEncodedFrame(cb FrameCallback) {
	r.frameRequestQueue = append(r.frameRequestQueue, cb)
	r.emitAvailableEncodedFrames()
}

// FlushFrames drops all pending frame requests.
func (r *FrameReceiver) FlushFrames() {
	r.frameRequestQueue = nil
}

// LastFrameID returns the id of the last frame emitted.
func (r *FrameReceiver) LastFrameID() uint32 { return r.lastFrameID }

// ProcessRTCP feeds an inbound RTCP datagram to the session.
func (r *FrameReceiver) ProcessRTCP(addr string, data []byte) {
	r.rtcpSession.IncomingPacket(addr, data)
	r.scheduleReportsOnce()
}

// ProcessRTP feeds one parsed media packet through statistics, the framer,
// and lip-sync tracking, then emits whatever became playable.
func (r *FrameReceiver) ProcessRTP(pkt *rtp.Packet) {
	r.stats.UpdatePacket(pkt.SequenceNumber, pkt.Timestamp)

	now := r.clk.Now()
	r.lastReceivedTime = now
	r.networkTimeouts = 0

	r.frameIDToRTPTimestamp[pkt.FrameID&0xff] = pkt.Timestamp

	packetID := pkt.PacketID
	timestamp := pkt.Timestamp
	complete, duplicate := r.framer.InsertPacket(pkt)
	if duplicate {
		r.scheduleReportsOnce()
		return
	}

	// Refresh the lip-sync reference on each frame boundary, or as soon
	// as possible if it has never been set.
	if packetID == 0 || r.lipSyncReferenceTime.IsZero() {
		freshSyncRTP, freshSyncReference, ok := r.rtcpSession.LatestLipSyncTimes()
		if !ok {
			r.log.Debug("lip sync info missing, falling back to local clock")
			freshSyncRTP = timestamp
			freshSyncReference = now
		}

		if r.lipSyncReferenceTime.IsZero() {
			r.lipSyncReferenceTime = freshSyncReference
		} else {
			r.lipSyncReferenceTime = r.lipSyncReferenceTime.Add(
				clock.RTPToDuration(int64(int32(freshSyncRTP-r.lipSyncRTPTimestamp)), r.rtpTimebase))
		}
		r.lipSyncRTPTimestamp = freshSyncRTP
		r.lipSyncDrift.Update(now, freshSyncReference.Sub(r.lipSyncReferenceTime))
	}

	if complete {
		r.emitAvailableEncodedFrames()
	}
	r.scheduleReportsOnce()
}

// CastFeedback implements FeedbackSink: the framer's feedback rides out in
// a receiver RTCP compound stamped with the current target delay.
func (r *FrameReceiver) CastFeedback(msg *rtcp.FeedbackMessage) {
	now := r.clk.Now()
	r.rtcpSession.SendFromReceiver(r.rtcpSession.ConvertToNTPAndSave(now), msg, r.targetPlayoutDelay, nil)
}

func (r *FrameReceiver) scheduleReportsOnce() {
	if r.reportsScheduled {
		return
	}
	r.reportsScheduled = true
	r.scheduleNextRTCPReport()
	r.scheduleNextFeedback()
}

func (r *FrameReceiver) scheduleNextRTCPReport() {
	r.loop.PostDelayed(defaultRTCPInterval, r.sendNextRTCPReport)
}

func (r *FrameReceiver) sendNextRTCPReport() {
	now := r.clk.Now()
	r.checkNetworkTimeout(now)

	stats := r.stats.Snapshot()
	r.rtcpSession.SendFromReceiver(r.rtcpSession.ConvertToNTPAndSave(now), nil, 0, &stats)
	r.scheduleNextRTCPReport()
}

func (r *FrameReceiver) scheduleNextFeedback() {
	var delay time.Duration
	if sendTime, ok := r.framer.TimeToSendNextFeedback(); ok {
		delay = sendTime.Sub(r.clk.Now())
	}
	if delay < minSchedulingDelay {
		delay = minSchedulingDelay
	}
	r.loop.PostDelayed(delay, r.sendNextFeedback)
}

func (r *FrameReceiver) sendNextFeedback() {
	r.framer.SendFeedback()
	r.scheduleNextFeedback()
}

func (r *FrameReceiver) checkNetworkTimeout(now time.Time) {
	timeout := maxNetworkTimeout * time.Duration(1+r.networkTimeouts)
	delta := now.Sub(r.lastReceivedTime)
	if r.lastReceivedTime.IsZero() || delta <= timeout {
		return
	}
	r.log.Error("no network packets received", "since", delta)
	if r.networkTimeouts < maxNetworkTimeoutFails {
		r.networkTimeouts++
	}
	if r.onNetworkTimeout != nil {
		r.onNetworkTimeout()
	}
}

// emitAvailableEncodedFrames services pending frame requests while the
// framer can produce playable frames.
func (r *FrameReceiver) emitAvailableEncodedFrames() {
	for len(r.frameRequestQueue) > 0 {
		frame, isConsecutive, haveMultipleDecodable, ok := r.framer.GetEncodedFrame()
		if !ok {
			return
		}

		now := r.clk.Now()
		playoutTime := r.getPlayoutTime(frame)

		if haveMultipleDecodable && now.After(playoutTime) {
			// Too late for this frame and a newer decodable one is
			// waiting; skip ahead.
			r.framer.ReleaseFrame(frame.FrameID)
			continue
		}

		if !isConsecutive {
			// A frame is missing ahead of this one. If there is still
			// comfortably time before playout, wait for it instead of
			// skipping.
			earliestEndOfMissingFrame := now.Add(2 * r.expectedFrameDuration)
			if earliestEndOfMissingFrame.Before(playoutTime) {
				if !r.waitingForConsecutiveFrame {
					r.waitingForConsecutiveFrame = true
					r.loop.PostDelayed(playoutTime.Sub(now), r.emitAfterWaiting)
				}
				return
			}
		}

		r.lastFrameID = frame.FrameID
		r.framer.AckFrame(frame.FrameID)

		frame.ReferenceTime = playoutTime
		r.framer.ReleaseFrame(frame.FrameID)
		if frame.NewPlayoutDelayMS != 0 {
			r.targetPlayoutDelay = time.Duration(frame.NewPlayoutDelayMS) * time.Millisecond
		}

		cb := r.frameRequestQueue[0]
		r.frameRequestQueue = r.frameRequestQueue[1:]
		r.loop.Post(func() { cb(frame) })
	}
}

func (r *FrameReceiver) emitAfterWaiting() {
	r.waitingForConsecutiveFrame = false
	r.emitAvailableEncodedFrames()
}

// getPlayoutTime maps a frame's RTP timestamp onto the local clock via the
// lip-sync reference, then applies the target playout delay (overridden by
// the frame's own delay extension when present).
func (r *FrameReceiver) getPlayoutTime(frame *media.EncodedFrame) time.Time {
	targetPlayoutDelay := r.targetPlayoutDelay
	if frame.NewPlayoutDelayMS != 0 {
		targetPlayoutDelay = time.Duration(frame.NewPlayoutDelayMS) * time.Millisecond
	}
	return r.lipSyncReferenceTime.
		Add(r.lipSyncDrift.Current()).
		Add(clock.RTPToDuration(int64(int32(frame.RTPTimestamp-r.lipSyncRTPTimestamp)), r.rtpTimebase)).
		Add(targetPlayoutDelay)
}
