package rtp

import (
	"encoding/binary"
	"errors"
	"fmt"

	pionrtp "github.com/pion/rtp"
)

// Parse errors. Malformed packets are dropped at ingress; these errors exist
// so the caller can count them, never to abort the session.
var (
	ErrShortPacket      = errors.New("rtp: packet truncated")
	ErrBadVersion       = errors.New("rtp: version is not 2")
	ErrBadPayloadType   = errors.New("rtp: payload type not audio or video")
	ErrBadPacketID      = errors.New("rtp: packet id exceeds max packet id")
	ErrShortCastHeader = errors.New("rtp: cast payload header truncated")
	ErrShortExtension  = errors.New("rtp: cast extension truncated")
)

// Packet is a fully parsed Cast RTP packet: the standard header fields plus
// the frame-aware payload header and the remaining media payload.
type Packet struct {
	PayloadType    uint8
	Marker         bool
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32

	IsKeyFrame        bool
	FrameID           uint32
	PacketID          uint16
	MaxPacketID       uint16
	ReferenceFrameID  uint32
	NewPlayoutDelayMS uint16

	Payload []byte
}

// ParsePacket decodes data as a Cast RTP packet. The standard 12-byte header
// is parsed with pion/rtp; the Cast payload header is decoded from the start
// of the RTP payload. The returned packet aliases data's payload bytes.
func ParsePacket(data []byte) (*Packet, error) {
	var std pionrtp.Packet
	if err := std.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortPacket, err)
	}
	if std.Header.Version != 2 {
		return nil, ErrBadVersion
	}
	if !IsAcceptedPayloadType(std.Header.PayloadType) {
		return nil, ErrBadPayloadType
	}

	p := &Packet{
		PayloadType:    std.Header.PayloadType,
		Marker:         std.Header.Marker,
		SequenceNumber: std.Header.SequenceNumber,
		Timestamp:      std.Header.Timestamp,
		SSRC:           std.Header.SSRC,
	}

	// Fixed part of the payload header: flags byte plus frame id, packet
	// id, and max packet id.
	buf := std.Payload
	if len(buf) < 9 {
		return nil, ErrShortCastHeader
	}
	flags := buf[0]
	p.IsKeyFrame = flags&keyFrameBit != 0
	hasReference := flags&referenceFrameIDBit != 0
	extCount := int(flags & extensionCountMask)

	p.FrameID = binary.BigEndian.Uint32(buf[1:5])
	p.PacketID = binary.BigEndian.Uint16(buf[5:7])
	p.MaxPacketID = binary.BigEndian.Uint16(buf[7:9])
	if p.MaxPacketID < p.PacketID {
		return nil, ErrBadPacketID
	}
	buf = buf[9:]

	if hasReference {
		if len(buf) < 4 {
			return nil, ErrShortCastHeader
		}
		p.ReferenceFrameID = binary.BigEndian.Uint32(buf[:4])
		buf = buf[4:]
	} else {
		// An absent reference means self for key frames and the previous
		// frame otherwise.
		p.ReferenceFrameID = p.FrameID
		if !p.IsKeyFrame {
			p.ReferenceFrameID--
		}
	}

	for i := 0; i < extCount; i++ {
		if len(buf) < 2 {
			return nil, ErrShortExtension
		}
		typeAndSize := binary.BigEndian.Uint16(buf[:2])
		buf = buf[2:]
		size := int(typeAndSize & 0x3ff)
		if len(buf) < size {
			return nil, ErrShortExtension
		}
		chunk := buf[:size]
		buf = buf[size:]
		switch typeAndSize >> 10 {
		case ExtensionAdaptiveLatency:
			if size < 2 {
				return nil, ErrShortExtension
			}
			p.NewPlayoutDelayMS = binary.BigEndian.Uint16(chunk[:2])
		}
	}

	p.Payload = buf
	return p, nil
}
