package sender

import (
	"time"

	"github.com/sharecast/sharecast/internal/clock"
	"github.com/sharecast/sharecast/media"
)

// NopEncoder is a passthrough Encoder for tests and for sessions started
// without a codec: frames come out byte-identical to how they went in, stamped with ids, RTP
// timestamps, and a periodic key-frame cadence. A real deployment supplies
// a codec behind the same interface.
type NopEncoder struct {
	frames      chan *media.EncodedFrame
	keyInterval int

	nextFrameID uint32
	sinceKey    int
	stopped     bool
}

// NewNopEncoder returns a passthrough encoder emitting a key frame every
// keyInterval frames (and as the very first frame).
func NewNopEncoder(keyInterval int) *NopEncoder {
	if keyInterval <= 0 {
		keyInterval = 30
	}
	return &NopEncoder{
		frames:      make(chan *media.EncodedFrame, 64),
		keyInterval: keyInterval,
	}
}

// Encode implements Encoder. The "encode" is a copy; completion is
// immediate.
func (e *NopEncoder) Encode(frame RawVideoFrame, referenceTime time.Time) {
	if e.stopped {
		return
	}

	out := &media.EncodedFrame{
		FrameID:       e.nextFrameID,
		RTPTimestamp:  uint32(clock.DurationToRTP(frame.Timestamp, media.VideoTimebase)),
		ReferenceTime: referenceTime,
		Data:          append([]byte(nil), frame.Data...),
	}
	if e.sinceKey == 0 {
		out.Dependency = media.Key
		out.ReferencedFrameID = out.FrameID
	} else {
		out.Dependency = media.Dependent
		out.ReferencedFrameID = out.FrameID - 1
	}

	e.nextFrameID++
	e.sinceKey++
	if e.sinceKey >= e.keyInterval {
		e.sinceKey = 0
	}

	e.frames <- out
}

// Frames implements Encoder.
func (e *NopEncoder) Frames() <-chan *media.EncodedFrame { return e.frames }

// ChangeEncoding implements Encoder; a passthrough has nothing to retune.
func (e *NopEncoder) ChangeEncoding(config EncodingConfig) {}

// Stop implements Encoder.
func (e *NopEncoder) Stop() {
	if !e.stopped {
		e.stopped = true
		close(e.frames)
	}
}
