package rtp

import (
	"github.com/gammazero/deque"

	"github.com/sharecast/sharecast/internal/packet"
)

// PacketStorage keeps the packets of recently sent frames so NACKed packets
// can be retransmitted. Frames are stored contiguously by frame id in a
// bounded ring; released frames become zombies until they reach the front
// and can be popped.
type PacketStorage struct {
	frames       deque.Deque[any]
	firstFrameID uint32
	zombieCount  int
}

// NewPacketStorage returns empty storage.
func NewPacketStorage() *PacketStorage {
	return &PacketStorage{}
}

// NumberOfStoredFrames returns the count of frames that still hold packets.
func (s *PacketStorage) NumberOfStoredFrames() int {
	return s.frames.Len() - s.zombieCount
}

// StoreFrame appends the packets of frameID. Frame ids must arrive in
// consecutive ascending order; when the ring is full the oldest frames are
// evicted.
func (s *PacketStorage) StoreFrame(frameID uint32, packets []packet.SendPacket) {
	if len(packets) == 0 {
		return
	}

	if s.frames.Len() == 0 {
		s.firstFrameID = frameID
	} else {
		for s.frames.Len() >= MaxUnackedFrames {
			if len(s.frames.Front().([]packet.SendPacket)) == 0 {
				s.zombieCount--
			}
			s.frames.PopFront()
			s.firstFrameID++
		}
	}

	s.frames.PushBack(packets)
}

// ReleaseFrame drops the packets of an acknowledged frame. The slot stays in
// the ring as a zombie until everything older has been released too.
func (s *PacketStorage) ReleaseFrame(frameID uint32) {
	offset := frameID - s.firstFrameID
	if offset >= uint32(s.frames.Len()) {
		return
	}
	if len(s.frames.At(int(offset)).([]packet.SendPacket)) == 0 {
		return
	}

	s.frames.Set(int(offset), []packet.SendPacket(nil))
	s.zombieCount++

	for s.frames.Len() > 0 && len(s.frames.Front().([]packet.SendPacket)) == 0 {
		s.zombieCount--
		s.frames.PopFront()
		s.firstFrameID++
	}
}

// Frame returns the stored packets for frameID, or nil if the frame is
// unknown or already released.
func (s *PacketStorage) Frame(frameID uint32) []packet.SendPacket {
	offset := frameID - s.firstFrameID
	if offset >= uint32(s.frames.Len()) {
		return nil
	}
	packets := s.frames.At(int(offset)).([]packet.SendPacket)
	if len(packets) == 0 {
		return nil
	}
	return packets
}
