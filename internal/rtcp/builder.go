package rtcp

import (
	"encoding/binary"
	"time"

	"github.com/sharecast/sharecast/internal/packet"
)

// Builder assembles compound RTCP packets. Each Add* call opens a sub-packet
// whose length field is back-patched when the next one begins or the
// compound is finished.
type Builder struct {
	ssrc uint32

	buf       []byte
	lengthPos int
}

// NewBuilder returns a builder stamping ssrc as the sending source.
func NewBuilder(ssrc uint32) *Builder {
	return &Builder{ssrc: ssrc, lengthPos: -1}
}

func (b *Builder) start() {
	b.buf = make([]byte, 0, packet.MaxIPPacketSize)
	b.lengthPos = -1
}

func (b *Builder) finish() packet.Packet {
	b.patchLength()
	p := packet.Packet(b.buf)
	b.buf = nil
	return p
}

// patchLength writes the 32-bit-word length of the sub-packet opened by the
// last addHeader. Sub-packets are always built padded to word boundaries.
func (b *Builder) patchLength() {
	if b.lengthPos < 0 {
		return
	}
	n := len(b.buf) - b.lengthPos - 2
	b.buf[b.lengthPos] = byte(n >> 10)
	b.buf[b.lengthPos+1] = byte(n >> 2)
	b.lengthPos = -1
}

// addHeader opens a sub-packet: version 2, the 5-bit format-or-count, the
// payload type, and a length placeholder.
func (b *Builder) addHeader(payloadType uint8, formatOrCount int) {
	b.patchLength()
	b.buf = append(b.buf, 0x80|byte(formatOrCount&0x1f), payloadType)
	b.lengthPos = len(b.buf)
	// A clearly illegal placeholder until back-patched.
	b.buf = append(b.buf, 0xde, 0xad)
}

func (b *Builder) writeU8(v uint8)   { b.buf = append(b.buf, v) }
func (b *Builder) writeU16(v uint16) { b.buf = binary.BigEndian.AppendUint16(b.buf, v) }
func (b *Builder) writeU32(v uint32) { b.buf = binary.BigEndian.AppendUint32(b.buf, v) }

// BuildFromSender returns the sender's periodic compound: a single SR.
func (b *Builder) BuildFromSender(info SenderInfo) packet.Packet {
	b.start()
	b.addSR(info)
	return b.finish()
}

// BuildFromReceiver returns the receiver's compound: an RR (with one report
// block when statistics are available), an RRTR, and optionally the Cast
// feedback message.
func (b *Builder) BuildFromReceiver(block *ReportBlock, rrtr *ReceiverReferenceTimeReport, feedback *FeedbackMessage, targetDelay time.Duration) packet.Packet {
	b.start()
	b.addRR(block)
	if rrtr != nil {
		b.addRRTR(rrtr)
	}
	if feedback != nil {
		b.addCastFeedback(feedback, targetDelay)
	}
	return b.finish()
}

// BuildPauseResume returns the sender's pause indication.
func (b *Builder) BuildPauseResume(msg PauseResumeMessage) packet.Packet {
	b.start()
	b.addPauseResume(msg)
	return b.finish()
}

func (b *Builder) addSR(info SenderInfo) {
	b.addHeader(TypeSenderReport, 0)
	b.writeU32(b.ssrc)
	b.writeU32(info.NTPSeconds)
	b.writeU32(info.NTPFraction)
	b.writeU32(info.RTPTimestamp)
	b.writeU32(info.SendPacketCount)
	b.writeU32(info.SendOctetCount)
}

func (b *Builder) addRR(block *ReportBlock) {
	count := 0
	if block != nil {
		count = 1
	}
	b.addHeader(TypeReceiverReport, count)
	b.writeU32(b.ssrc)
	if block != nil {
		b.writeU32(block.MediaSSRC)
		b.writeU8(block.FractionLost)
		b.writeU8(uint8(block.CumulativeLost >> 16))
		b.writeU8(uint8(block.CumulativeLost >> 8))
		b.writeU8(uint8(block.CumulativeLost))
		b.writeU32(block.ExtendedHighSequenceNumber)
		b.writeU32(block.Jitter)
		b.writeU32(block.LastSR)
		b.writeU32(block.DelaySinceLastSR)
	}
}

func (b *Builder) addRRTR(rrtr *ReceiverReferenceTimeReport) {
	b.addHeader(TypeXR, 0)
	b.writeU32(b.ssrc)
	b.writeU8(4) // block type: RRTR
	b.writeU8(0) // reserved
	b.writeU16(2)
	b.writeU32(rrtr.NTPSeconds)
	b.writeU32(rrtr.NTPFraction)
}

func (b *Builder) addPauseResume(msg PauseResumeMessage) {
	b.addHeader(TypeGenericRTPFeedback, 4)
	b.writeU32(b.ssrc)
	b.writeU32(0) // remote SSRC, unused
	b.writeU32(2)
	b.writeU32(2) // length of the type-specific part in words
	b.writeU32(msg.PauseID)
	b.writeU32(msg.LastSent)
}

// addCastFeedback appends the ACK/NACK message (RFC 4585 §6.4 application
// layer feedback, format 15).
func (b *Builder) addCastFeedback(feedback *FeedbackMessage, targetDelay time.Duration) {
	b.addHeader(TypePayloadSpecific, 15)
	b.writeU32(b.ssrc)
	b.writeU32(feedback.MediaSSRC)
	b.writeU32(castMagic)
	b.writeU32(feedback.AckFrameID)
	lossCountPos := len(b.buf)
	b.writeU8(0) // back-patched with the loss-field count
	b.writeU8(0) // padding
	b.writeU16(uint16(targetDelay.Milliseconds()))

	lossFields := 0
	maxLossFields := MaxCastLossFields

	for _, frameID := range feedback.MissingPackets.SortedFrameIDs() {
		if lossFields >= maxLossFields {
			break
		}
		missing := missingSetForWire(feedback.MissingPackets[frameID])
		if len(missing) == 0 {
			// The whole frame is lost.
			b.writeU32(frameID)
			b.writeU16(packet.AllPacketsLost)
			b.writeU8(0)
			b.writeU8(0)
			lossFields++
			continue
		}
		i := 0
		for i < len(missing) && lossFields < maxLossFields {
			packetID := missing[i]
			b.writeU32(frameID)
			b.writeU16(packetID)
			var bitmask uint8
			i++
			for i < len(missing) {
				shift := int(missing[i]-packetID) - 1
				if shift < 0 || shift > 7 {
					break
				}
				bitmask |= 1 << shift
				i++
			}
			b.writeU8(bitmask)
			b.writeU8(0)
			lossFields++
		}
	}
	b.buf[lossCountPos] = byte(lossFields)
}

// missingSetForWire returns the sorted packet ids, or nil when the set
// denotes a fully lost frame.
func missingSetForWire(set packet.IDSet) []uint16 {
	if len(set) == 0 || set.Has(packet.AllPacketsLost) {
		return nil
	}
	return set.Sorted()
}
