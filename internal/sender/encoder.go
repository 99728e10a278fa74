package sender

import (
	"time"

	"github.com/sharecast/sharecast/media"
)

// RawVideoFrame is one uncompressed frame handed to the encoder: an opaque
// buffer plus its capture timestamp on the media timeline.
type RawVideoFrame struct {
	Timestamp time.Duration
	Data      []byte
}

// EncodingConfig is the subset of sender configuration the encoder consumes.
type EncodingConfig struct {
	Bitrate   int
	FrameRate float64
}

// Encoder is the boundary to the external video codec. Implementations own
// a worker goroutine: Encode hands a raw frame over, and finished
// EncodedFrames come back on Frames() with FrameID, RTPTimestamp,
// Dependency, and ReferenceTime populated. The video sender moves results
// onto the session loop; nothing behind this interface may touch engine
// state.
type Encoder interface {
	// Encode submits one raw frame with its reference (capture) time.
	Encode(frame RawVideoFrame, referenceTime time.Time)

	// Frames is the completion stream. It closes after Stop.
	Frames() <-chan *media.EncodedFrame

	// ChangeEncoding updates bitrate/frame-rate for subsequent frames.
	ChangeEncoding(config EncodingConfig)

	// Stop flushes and shuts down the worker.
	Stop()
}
