package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/sharecast/sharecast/internal/pacing"
	"github.com/sharecast/sharecast/internal/packet"
	"github.com/sharecast/sharecast/media"
)

// SenderConfig identifies one outbound RTP stream.
type SenderConfig struct {
	SSRC         uint32
	FeedbackSSRC uint32
	PayloadType  uint8
}

// randomSequenceStart picks a random initial sequence number, as RFC 3550
// recommends.
func randomSequenceStart() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}

// Sender splits encoded frames into packets, retains them until acked, and
// services retransmission requests from Cast feedback.
type Sender struct {
	log        *slog.Logger
	config     PacketizerConfig
	storage    *PacketStorage
	packetizer *Packetizer
	pacer      Pacer
}

// NewSender returns an RTP sender for one stream. If log is nil,
// slog.Default() is used.
func NewSender(log *slog.Logger, pacer Pacer, config SenderConfig) *Sender {
	if log == nil {
		log = slog.Default()
	}
	pktConfig := DefaultPacketizerConfig()
	pktConfig.SSRC = config.SSRC
	pktConfig.PayloadType = config.PayloadType
	pktConfig.SequenceNumber = randomSequenceStart()

	storage := NewPacketStorage()
	return &Sender{
		log:        log.With("component", "rtp-sender", "ssrc", config.SSRC),
		config:     pktConfig,
		storage:    storage,
		packetizer: NewPacketizer(pacer, storage, pktConfig),
		pacer:      pacer,
	}
}

// SSRC returns the stream's synchronization source id.
func (s *Sender) SSRC() uint32 { return s.config.SSRC }

// SendPacketCount returns packets sent so far, for sender reports.
func (s *Sender) SendPacketCount() int { return s.packetizer.SendPacketCount() }

// SendOctetCount returns payload octets sent so far, for sender reports.
func (s *Sender) SendOctetCount() int64 { return s.packetizer.SendOctetCount() }

// SendFrame packetizes and enqueues one encoded frame.
func (s *Sender) SendFrame(frame *media.EncodedFrame) error {
	if err := s.packetizer.SendFrameAsPackets(frame); err != nil {
		return err
	}
	if s.storage.NumberOfStoredFrames() > MaxUnackedFrames {
		s.log.Error("frames are not being released from storage")
	}
	return nil
}

// copyPacket returns a copy safe to mutate; the stored original must keep
// its bytes for later retransmissions.
func copyPacket(p packet.Packet) packet.Packet {
	dup := make(packet.Packet, len(p))
	copy(dup, p)
	return dup
}

// ResendPackets retransmits the requested packets of the requested frames.
// A frame's set may name individual packets, AllPacketsLost for the whole
// frame, or LastPacket for just the frame's final packet. When
// cancelIfNotInList is set, stored packets of a named frame that are not
// requested are cancelled from the pacer: the receiver has the frame's
// remainder already.
func (s *Sender) ResendPackets(addr string, missing packet.MissingMap, cancelIfNotInList bool, dedup pacing.DedupInfo) {
	for _, frameID := range missing.SortedFrameIDs() {
		missingSet := missing[frameID]
		resendAll := missingSet.Has(packet.AllPacketsLost)
		resendLast := missingSet.Has(packet.LastPacket)

		stored := s.storage.Frame(frameID)
		if stored == nil {
			s.log.Warn("cannot resend packets for unknown frame",
				"frame_id", frameID, "requested", len(missingSet))
			continue
		}

		var toResend []packet.SendPacket
		for i, sp := range stored {
			packetID := sp.Key.PacketID

			resend := resendAll
			if !resend && missingSet.Has(packetID) {
				resend = true
			}
			if !resend && resendLast && i == len(stored)-1 {
				resend = true
			}

			if resend {
				// Patch a fresh, monotone sequence number into the copy.
				dup := copyPacket(sp.Packet)
				binary.BigEndian.PutUint16(dup[2:4], s.packetizer.NextSequenceNumber())
				toResend = append(toResend, packet.SendPacket{Key: sp.Key, Packet: dup})
			} else if cancelIfNotInList {
				s.pacer.CancelSendingPacket(addr, sp.Key)
			}
		}
		s.pacer.ResendPackets(addr, toResend, dedup)
	}
}

// ResendFrameForKickstart resends only the last packet of frameID, which is
// enough for the receiver to discover what else it is missing.
func (s *Sender) ResendFrameForKickstart(frameID uint32, dedupeWindow time.Duration) {
	missing := packet.MissingMap{frameID: packet.IDSet{}}
	missing[frameID].Add(packet.LastPacket)

	// Kick-starting is rare; no need to optimize its dedup interval.
	dedup := pacing.DedupInfo{ResendInterval: dedupeWindow}
	s.ResendPackets(pacing.MulticastAddr, missing, false, dedup)
}

// LastByteSentForFrame returns the transport byte count when the final
// packet of frameID last left, or 0 if unknown.
func (s *Sender) LastByteSentForFrame(frameID uint32) int64 {
	stored := s.storage.Frame(frameID)
	if stored == nil {
		return 0
	}
	return s.pacer.LastByteSentForPacket(stored[len(stored)-1].Key)
}

// ReleaseFrame drops a frame's stored packets once it has been acked.
func (s *Sender) ReleaseFrame(frameID uint32) {
	s.storage.ReleaseFrame(frameID)
}
