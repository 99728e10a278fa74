// Package receiver implements the receive side of the engine: per-frame
// packet buffers, the framer that orders and releases complete frames,
// NACK/ACK feedback generation, reception statistics, and the frame
// receiver that ties them to the RTCP session and playout timing.
package receiver

import (
	"github.com/sharecast/sharecast/internal/packet"
	"github.com/sharecast/sharecast/internal/rtp"
	"github.com/sharecast/sharecast/media"
)

// FrameBuffer accumulates the packets of a single frame until it is
// complete. The first inserted packet fixes the frame's metadata; every
// later packet must belong to the same frame.
type FrameBuffer struct {
	frameID            uint32
	maxPacketID        uint16
	numPacketsReceived uint16
	maxSeenPacketID    uint16
	newPlayoutDelayMS  uint16
	isKeyFrame         bool
	totalDataSize      int
	referencedFrameID  uint32
	rtpTimestamp       uint32
	packets            map[uint16]*rtp.Packet
}

// NewFrameBuffer returns an empty buffer.
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{packets: make(map[uint16]*rtp.Packet)}
}

// InsertPacket stores pkt. It returns false for duplicates and for packets
// that do not belong to this buffer's frame.
func (b *FrameBuffer) InsertPacket(pkt *rtp.Packet) bool {
	if len(b.packets) == 0 {
		b.frameID = pkt.FrameID
		b.maxPacketID = pkt.MaxPacketID
		b.isKeyFrame = pkt.IsKeyFrame
		b.newPlayoutDelayMS = pkt.NewPlayoutDelayMS
		b.referencedFrameID = pkt.ReferenceFrameID
		b.rtpTimestamp = pkt.Timestamp
	}

	if pkt.FrameID != b.frameID {
		return false
	}
	if _, ok := b.packets[pkt.PacketID]; ok {
		return false
	}

	b.packets[pkt.PacketID] = pkt
	b.numPacketsReceived++
	if pkt.PacketID > b.maxSeenPacketID {
		b.maxSeenPacketID = pkt.PacketID
	}
	b.totalDataSize += len(pkt.Payload)
	return true
}

// Complete reports whether every packet of the frame has arrived.
func (b *FrameBuffer) Complete() bool {
	return b.numPacketsReceived-1 == b.maxPacketID
}

// IsKeyFrame reports whether the frame is a key frame.
func (b *FrameBuffer) IsKeyFrame() bool { return b.isKeyFrame }

// FrameID returns the frame's id.
func (b *FrameBuffer) FrameID() uint32 { return b.frameID }

// ReferencedFrameID returns the id of the frame this one depends on.
func (b *FrameBuffer) ReferencedFrameID() uint32 { return b.referencedFrameID }

// AssembleEncodedFrame concatenates the payloads into an EncodedFrame. It
// returns false while the frame is incomplete.
func (b *FrameBuffer) AssembleEncodedFrame() (*media.EncodedFrame, bool) {
	if !b.Complete() {
		return nil, false
	}

	frame := &media.EncodedFrame{
		FrameID:           b.frameID,
		ReferencedFrameID: b.referencedFrameID,
		RTPTimestamp:      b.rtpTimestamp,
		NewPlayoutDelayMS: b.newPlayoutDelayMS,
	}
	switch {
	case b.isKeyFrame:
		frame.Dependency = media.Key
	case b.frameID == b.referencedFrameID:
		frame.Dependency = media.Independent
	default:
		frame.Dependency = media.Dependent
	}

	frame.Data = make([]byte, 0, b.totalDataSize)
	for id := uint16(0); ; id++ {
		frame.Data = append(frame.Data, b.packets[id].Payload...)
		if id == b.maxPacketID {
			break
		}
	}
	return frame, true
}

// MissingPackets adds the ids of the packets not yet received to missing.
// For the newest frame the scan is capped at the highest packet id seen, so
// packets the sender may simply not have sent yet are not reported.
func (b *FrameBuffer) MissingPackets(newestFrame bool, missing packet.IDSet) {
	maximum := b.maxPacketID
	if newestFrame {
		maximum = b.maxSeenPacketID
	}
	for id := uint16(0); ; id++ {
		if _, ok := b.packets[id]; !ok {
			missing.Add(id)
		}
		if id == maximum {
			break
		}
	}
}
