// Package rtcp implements the control plane: bit-exact building and parsing
// of the RTCP subset this engine speaks (sender reports, receiver reports,
// receiver reference time, Cast feedback, pause-resume), NTP conversions,
// and the per-stream RTCP session that derives round-trip time and lip-sync
// reference timing.
package rtcp

import "github.com/sharecast/sharecast/internal/packet"

// RTCP packet types. Anything in [packetTypeLow, packetTypeHigh] is treated
// as RTCP when classifying inbound datagrams.
const (
	packetTypeLow          = 194
	TypeSenderReport       = 200
	TypeReceiverReport     = 201
	TypeApplicationDefined = 204
	TypeGenericRTPFeedback = 205
	TypePayloadSpecific    = 206
	TypeXR                 = 207
	packetTypeHigh         = 210
)

// castMagic is the 4-byte "CAST" tag identifying Cast feedback inside a
// payload-specific feedback packet.
const castMagic = uint32(0x43415354)

// MinLength is the smallest datagram that can be RTCP.
const MinLength = 8

// MaxCastLossFields caps the loss fields in one feedback message.
const MaxCastLossFields = 100

// SenderInfo is the body of a sender report.
type SenderInfo struct {
	NTPSeconds      uint32
	NTPFraction     uint32
	RTPTimestamp    uint32
	SendPacketCount uint32
	SendOctetCount  uint32
}

// ReportBlock is one reception report block inside a receiver report.
type ReportBlock struct {
	RemoteSSRC                 uint32
	MediaSSRC                  uint32
	FractionLost               uint8
	CumulativeLost             uint32 // 24 bits valid
	ExtendedHighSequenceNumber uint32
	Jitter                     uint32
	LastSR                     uint32
	DelaySinceLastSR           uint32
}

// ReceiverReferenceTimeReport is the XR RRTR block (RFC 3611 §4.4).
type ReceiverReferenceTimeReport struct {
	RemoteSSRC  uint32
	NTPSeconds  uint32
	NTPFraction uint32
}

// PauseResumeMessage is the generic-RTP-feedback pause indication.
type PauseResumeMessage struct {
	PauseID  uint32
	LastSent uint32
}

// FeedbackMessage is the Cast ACK/NACK feedback: the latest fully received
// frame plus the missing packets of every incomplete frame.
type FeedbackMessage struct {
	MediaSSRC       uint32
	AckFrameID      uint32
	TargetDelayMS   uint16
	RequestKeyFrame bool
	MissingPackets  packet.MissingMap
}

// NewFeedbackMessage returns an empty feedback message for ssrc.
func NewFeedbackMessage(ssrc uint32) *FeedbackMessage {
	return &FeedbackMessage{MediaSSRC: ssrc, MissingPackets: make(packet.MissingMap)}
}

// ReceiverStatistics is the loss/jitter summary the receiver folds into its
// report blocks.
type ReceiverStatistics struct {
	FractionLost               uint8
	CumulativeLost             uint32
	ExtendedHighSequenceNumber uint32
	Jitter                     uint32
}
