// Package media defines the core frame types that flow through the sharecast
// engine, from the encoder boundary through packetization and back out of the
// receive-side framer.
package media

import "time"

// FrameDependency classifies how an encoded frame relates to earlier frames
// in the same stream. The receive side uses it to decide whether a frame is
// decodable before its predecessors have arrived.
type FrameDependency int

const (
	// UnknownDependency is the zero value, meaning the dependency has not
	// been set yet.
	UnknownDependency FrameDependency = iota

	// Dependent frames cannot be decoded without the frame named by
	// ReferencedFrameID.
	Dependent

	// Independent frames decode on their own, but later frames may still
	// reference earlier ones.
	Independent

	// Key frames decode on their own and guarantee that no future frame
	// references anything before them.
	Key
)

// StartFrameID is the sentinel value frame-id counters start from, chosen so
// the first real frame id is 0 after the wraparound-aware increment.
const StartFrameID = uint32(0xffffffff)

// VideoTimebase is the RTP clock rate for video streams, in ticks per second.
const VideoTimebase = 90000

// EncodedFrame is one encoder output unit together with the metadata the
// transport needs: identity, dependency, timing, and an optional playout
// delay change that rides to the receiver in an RTP extension.
type EncodedFrame struct {
	// Dependency is this frame's relationship to other frames.
	Dependency FrameDependency

	// FrameID orders frames within the stream. It is the 32-bit extension
	// of the 8-bit id space used on the wire for acknowledgements.
	FrameID uint32

	// ReferencedFrameID names the frame this one depends on. Key frames
	// reference themselves.
	ReferencedFrameID uint32

	// RTPTimestamp is the stream timestamp on the media timeline
	// (90 kHz for video).
	RTPTimestamp uint32

	// ReferenceTime is the common reference clock timestamp: capture time
	// on the sender, target playout time on the receiver.
	ReferenceTime time.Time

	// NewPlayoutDelayMS, when non-zero, changes the target playout delay
	// for this and all future frames.
	NewPlayoutDelayMS uint16

	// Data is the opaque encoded payload.
	Data []byte
}

// CopyMetadataTo copies every field except Data into dest.
func (f *EncodedFrame) CopyMetadataTo(dest *EncodedFrame) {
	data := dest.Data
	*dest = *f
	dest.Data = data
}
