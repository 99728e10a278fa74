// Package rtp implements the Cast-flavored RTP data plane: the packet format
// (a standard RTP header followed by the frame-aware payload header),
// packetization of encoded frames, bounded storage of sent packets for
// retransmission, and the RTP sender that services NACKs.
package rtp

const (
	// HeaderLength is the standard RTP header size; this stream never
	// carries CSRCs or RFC 5285 header extensions.
	HeaderLength = 12

	// CastHeaderLength is the payload-header allowance used when sizing
	// packet payloads.
	CastHeaderLength = 7

	// VideoPayloadType and AudioPayloadType identify the two media
	// streams on the wire.
	VideoPayloadType = uint8(96)
	AudioPayloadType = uint8(127)

	keyFrameBit         = 0x80
	referenceFrameIDBit = 0x40
	extensionCountMask  = 0x3f

	// ExtensionAdaptiveLatency is the payload-header extension carrying a
	// 16-bit playout delay in milliseconds.
	ExtensionAdaptiveLatency = 1

	// MaxUnackedFrames limits how much send history the engine retains
	// while waiting for acknowledgements. It is deliberately well under
	// half of the 8-bit wire id range times 256 so wraparound comparisons
	// stay unambiguous.
	MaxUnackedFrames = 1000
)

// IsAcceptedPayloadType reports whether pt (with the marker bit stripped) is
// one of the media payload types this engine carries.
func IsAcceptedPayloadType(pt uint8) bool {
	return pt == VideoPayloadType || pt == AudioPayloadType
}
