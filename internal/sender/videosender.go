package sender

import (
	"log/slog"
	"time"

	"github.com/sharecast/sharecast/internal/clock"
	"github.com/sharecast/sharecast/internal/runloop"
	"github.com/sharecast/sharecast/media"
)

const (
	// Adaptive playout proposal: enough delay for this many round trips
	// plus a constant floor.
	roundTripsNeeded = 4
	constantTime     = 75 * time.Millisecond

	// VideoSSRC and VideoFeedbackSSRC identify the video stream and its
	// feedback channel; AudioSSRC and AudioFeedbackSSRC are the audio
	// placeholders.
	VideoSSRC         = uint32(11)
	VideoFeedbackSSRC = uint32(12)
	AudioSSRC         = uint32(1)
	AudioFeedbackSSRC = uint32(2)

	// DefaultMaxPlayoutDelay bounds how far playout may be pushed back.
	DefaultMaxPlayoutDelay = 100 * time.Millisecond
)

// Config carries the sender session parameters. Zero playout delays mean
// the defaults: a fixed window of DefaultMaxPlayoutDelay.
type Config struct {
	InitialBitrate  int
	FrameRate       float64
	MinPlayoutDelay time.Duration
	MaxPlayoutDelay time.Duration
}

// PlayoutDelayChangeFunc is invoked when admission pressure proposes a new
// target playout delay.
type PlayoutDelayChangeFunc func(newDelay time.Duration)

// VideoSender feeds raw frames through the encoder worker and encoded
// frames into the transport, applying the admission and adaptive-delay
// policies. All methods run on the session loop; the encoder pump goroutine
// crosses back onto it via the loop.
type VideoSender struct {
	*FrameSender

	log  *slog.Logger
	clk  clock.Clock
	loop *runloop.Loop

	encoder              Encoder
	playoutDelayChangeFn PlayoutDelayChangeFunc

	frameRate   float64
	lastBitrate int

	framesInEncoder   int
	durationInEncoder time.Duration

	lastReferenceTime             time.Time
	lastEnqueuedFrameRTPTimestamp uint32

	isSending bool
	stopPump  chan struct{}
}

// NewVideoSender builds the video path of a sender session. The transport
// must already be initialized for the video SSRC pair. If log is nil,
// slog.Default() is used.
func NewVideoSender(log *slog.Logger, clk clock.Clock, loop *runloop.Loop, transport Transport, config Config, encoder Encoder, playoutDelayChangeFn PlayoutDelayChangeFunc) *VideoSender {
	if log == nil {
		log = slog.Default()
	}
	v := &VideoSender{
		log:                  log.With("component", "video-sender"),
		clk:                  clk,
		loop:                 loop,
		encoder:              encoder,
		playoutDelayChangeFn: playoutDelayChangeFn,
		frameRate:            config.FrameRate,
		stopPump:             make(chan struct{}),
	}
	maxDelay := config.MaxPlayoutDelay
	if maxDelay == 0 {
		maxDelay = DefaultMaxPlayoutDelay
	}
	v.FrameSender = NewFrameSender(log, clk, loop, false, transport,
		media.VideoTimebase, VideoSSRC, config.FrameRate,
		config.MinPlayoutDelay, maxDelay,
		NewFixedCongestionControl(config.InitialBitrate), v)
	return v
}

// NumberOfFramesInEncoder implements mediaSource.
func (v *VideoSender) NumberOfFramesInEncoder() int { return v.framesInEncoder }

// InFlightMediaDuration implements mediaSource.
func (v *VideoSender) InFlightMediaDuration() time.Duration { return v.durationInEncoder }

// StartSending begins pulling encoder results onto the session loop.
func (v *VideoSender) StartSending() {
	if v.isSending {
		return
	}
	v.isSending = true
	go v.pumpEncodedFrames()
}

// StopSending stops the encoder and resets in-encoder accounting.
func (v *VideoSender) StopSending() {
	if !v.isSending {
		return
	}
	v.isSending = false
	close(v.stopPump)
	v.encoder.Stop()
	v.framesInEncoder = 0
	v.durationInEncoder = 0
	v.lastReferenceTime = time.Time{}
	v.log.Info("stopped sending frames")
}

// ChangeEncoding forwards new encoding parameters to the encoder worker.
func (v *VideoSender) ChangeEncoding(config EncodingConfig) {
	if config.FrameRate > 0 {
		v.frameRate = config.FrameRate
	}
	v.encoder.ChangeEncoding(config)
}

// pumpEncodedFrames moves encoder worker output onto the session loop. The
// channel handoff transfers frame ownership; the worker never touches a
// frame again after sending it.
func (v *VideoSender) pumpEncodedFrames() {
	for {
		select {
		case frame, ok := <-v.encoder.Frames():
			if !ok {
				return
			}
			v.loop.Post(func() { v.onEncodedFrame(frame) })
		case <-v.stopPump:
			return
		}
	}
}

// InsertRawVideoFrame runs admission on one captured frame and, when
// admitted, hands it to the encoder. It returns false when the frame was
// dropped.
func (v *VideoSender) InsertRawVideoFrame(frame RawVideoFrame) bool {
	referenceTime := v.clk.Now()
	rtpTimestamp := uint32(clock.DurationToRTP(frame.Timestamp, media.VideoTimebase))

	if !v.lastReferenceTime.IsZero() &&
		(!media.IsNewerRTPTimestamp(rtpTimestamp, v.lastEnqueuedFrameRTPTimestamp) ||
			referenceTime.Before(v.lastReferenceTime)) {
		v.log.Warn("dropping video frame: rtp or reference time did not increase")
		return false
	}

	durationAddedByNextFrame := time.Duration(float64(time.Second) / v.frameRate)
	if v.framesInEncoder > 0 {
		durationAddedByNextFrame = referenceTime.Sub(v.lastReferenceTime)
	}

	if v.ShouldDropNextFrame(durationAddedByNextFrame) {
		newTargetDelay := v.RoundTripTime()*roundTripsNeeded + constantTime
		if newTargetDelay > v.MaxPlayoutDelay() {
			newTargetDelay = v.MaxPlayoutDelay()
		}
		if newTargetDelay > v.TargetPlayoutDelay() && v.playoutDelayChangeFn != nil {
			v.log.Warn("proposing new target playout delay", "delay", newTargetDelay)
			v.playoutDelayChangeFn(newTargetDelay)
		}
		return false
	}

	// Keep the encoder tracking the congestion-controlled bitrate.
	bitrate := v.BitrateForNextFrame(referenceTime.Add(v.TargetPlayoutDelay()))
	if bitrate > 0 && bitrate != v.lastBitrate {
		v.lastBitrate = bitrate
		v.encoder.ChangeEncoding(EncodingConfig{Bitrate: bitrate, FrameRate: v.frameRate})
	}

	v.framesInEncoder++
	v.durationInEncoder += durationAddedByNextFrame
	v.lastReferenceTime = referenceTime
	v.lastEnqueuedFrameRTPTimestamp = rtpTimestamp
	v.encoder.Encode(frame, referenceTime)
	return true
}

// onEncodedFrame receives one encoder result on the session loop.
func (v *VideoSender) onEncodedFrame(frame *media.EncodedFrame) {
	v.durationInEncoder = v.lastReferenceTime.Sub(frame.ReferenceTime)
	if v.durationInEncoder < 0 {
		v.durationInEncoder = 0
	}
	if v.framesInEncoder > 0 {
		v.framesInEncoder--
	}
	v.SendEncodedFrame(frame)
}
