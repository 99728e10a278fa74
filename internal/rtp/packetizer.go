package rtp

import (
	"encoding/binary"
	"errors"

	pionrtp "github.com/pion/rtp"

	"github.com/sharecast/sharecast/internal/pacing"
	"github.com/sharecast/sharecast/internal/packet"
	"github.com/sharecast/sharecast/media"
)

// Pacer is the subset of the paced sender the RTP layer drives.
type Pacer interface {
	SendPackets(packets []packet.SendPacket) bool
	ResendPackets(addr string, packets []packet.SendPacket, dedup pacing.DedupInfo) bool
	CancelSendingPacket(addr string, key packet.Key)
	LastByteSentForPacket(key packet.Key) int64
}

// PacketizerConfig carries the per-stream packetization parameters.
type PacketizerConfig struct {
	PayloadType      uint8
	MaxPayloadLength int
	SequenceNumber   uint16
	SSRC             uint32
}

// DefaultPacketizerConfig returns a config sized for IPv4/UDP.
func DefaultPacketizerConfig() PacketizerConfig {
	return PacketizerConfig{MaxPayloadLength: packet.MaxIPPacketSize - 31}
}

// ErrEmptyFrame is returned when a frame with no payload reaches the
// packetizer; such frames are a programming error upstream.
var ErrEmptyFrame = errors.New("rtp: cannot packetize an empty frame")

// Packetizer splits encoded frames into Cast RTP packets, assigns sequence
// numbers, stores the packets for retransmission, and hands them to the
// pacer.
type Packetizer struct {
	config  PacketizerConfig
	pacer   Pacer
	storage *PacketStorage

	sequenceNumber uint16
	packetID       uint16

	sendPacketCount int
	sendOctetCount  int64
}

// NewPacketizer wires a packetizer to its pacer and packet storage.
func NewPacketizer(pacer Pacer, storage *PacketStorage, config PacketizerConfig) *Packetizer {
	return &Packetizer{
		config:         config,
		pacer:          pacer,
		storage:        storage,
		sequenceNumber: config.SequenceNumber,
	}
}

// NextSequenceNumber hands out the next RTP sequence number. Retransmissions
// use it to stay on the monotone sequence the receiver's statistics expect.
func (p *Packetizer) NextSequenceNumber() uint16 {
	p.sequenceNumber++
	return p.sequenceNumber - 1
}

// SendPacketCount returns the number of packets sent, for sender reports.
func (p *Packetizer) SendPacketCount() int { return p.sendPacketCount }

// SendOctetCount returns the payload octets sent, for sender reports.
func (p *Packetizer) SendOctetCount() int64 { return p.sendOctetCount }

// SendFrameAsPackets splits frame into evenly sized packets, builds the wire
// form of each, stores the set for retransmission, and enqueues it on the
// pacer.
func (p *Packetizer) SendFrameAsPackets(frame *media.EncodedFrame) error {
	if len(frame.Data) == 0 {
		return ErrEmptyFrame
	}
	maxLength := p.config.MaxPayloadLength - HeaderLength - CastHeaderLength - 1

	// Split the payload evenly across the minimum number of packets.
	numPackets := (len(frame.Data) + maxLength - 1) / maxLength
	payloadLength := (len(frame.Data) + numPackets - 1) / numPackets

	packets := make([]packet.SendPacket, 0, numPackets)
	remaining := frame.Data
	for len(remaining) > 0 {
		n := payloadLength
		if n > len(remaining) {
			n = len(remaining)
		}
		chunk := remaining[:n]
		remaining = remaining[n:]

		pkt := p.buildPacket(frame, chunk, len(remaining) == 0, numPackets)
		key := pacing.MakePacketKey(frame.ReferenceTime, p.config.SSRC, p.packetID)
		packets = append(packets, packet.SendPacket{Key: key, Packet: pkt})
		p.packetID++

		p.sendPacketCount++
		p.sendOctetCount += int64(n)
	}
	if int(p.packetID) != numPackets {
		// The split above must produce exactly numPackets packets.
		p.packetID = 0
		return errors.New("rtp: packet split mismatch")
	}
	p.packetID = 0

	p.storage.StoreFrame(frame.FrameID, packets)
	p.pacer.SendPackets(packets)
	return nil
}

func (p *Packetizer) buildPacket(frame *media.EncodedFrame, payload []byte, marker bool, numPackets int) packet.Packet {
	hdr := pionrtp.Header{
		Version:        2,
		Marker:         marker,
		PayloadType:    p.config.PayloadType,
		SequenceNumber: p.sequenceNumber,
		Timestamp:      frame.RTPTimestamp,
		SSRC:           p.config.SSRC,
	}
	p.sequenceNumber++

	numExtensions := 0
	if frame.NewPlayoutDelayMS != 0 {
		numExtensions = 1
	}

	buf := make([]byte, hdr.MarshalSize(), hdr.MarshalSize()+13+4*numExtensions+len(payload))
	if _, err := hdr.MarshalTo(buf); err != nil {
		// The header is built from plain integers; marshal cannot fail.
		panic(err)
	}

	flags := byte(referenceFrameIDBit)
	if frame.Dependency == media.Key {
		flags |= keyFrameBit
	}
	flags |= byte(numExtensions) & extensionCountMask
	buf = append(buf, flags)

	var fixed [12]byte
	binary.BigEndian.PutUint32(fixed[0:4], frame.FrameID)
	binary.BigEndian.PutUint16(fixed[4:6], p.packetID)
	binary.BigEndian.PutUint16(fixed[6:8], uint16(numPackets-1))
	binary.BigEndian.PutUint32(fixed[8:12], frame.ReferencedFrameID)
	buf = append(buf, fixed[:]...)

	if frame.NewPlayoutDelayMS != 0 {
		var ext [4]byte
		binary.BigEndian.PutUint16(ext[0:2], ExtensionAdaptiveLatency<<10|2)
		binary.BigEndian.PutUint16(ext[2:4], frame.NewPlayoutDelayMS)
		buf = append(buf, ext[:]...)
	}

	return packet.Packet(append(buf, payload...))
}
