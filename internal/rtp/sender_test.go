package rtp

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/sharecast/sharecast/internal/pacing"
	"github.com/sharecast/sharecast/internal/packet"
	"github.com/sharecast/sharecast/media"
)

func newTestSender(t *testing.T) (*Sender, *fakePacer) {
	t.Helper()
	pacer := &fakePacer{}
	s := NewSender(nil, pacer, SenderConfig{SSRC: 11, FeedbackSSRC: 12, PayloadType: VideoPayloadType})
	return s, pacer
}

func TestSenderResendSpecificPackets(t *testing.T) {
	t.Parallel()

	s, pacer := newTestSender(t)
	if err := s.SendFrame(testFrame(3, media.Key, 30000)); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	sent := len(pacer.sent)
	if sent < 20 {
		t.Fatalf("expected a multi-packet frame, got %d packets", sent)
	}

	missing := packet.MissingMap{3: packet.IDSet{}}
	missing[3].Add(7)

	s.ResendPackets(pacing.MulticastAddr, missing, false, pacing.DedupInfo{})
	if len(pacer.resent) != 1 {
		t.Fatalf("resent %d packets, want 1", len(pacer.resent))
	}
	p, err := ParsePacket(pacer.resent[0].Packet)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if p.PacketID != 7 {
		t.Errorf("resent packet id = %d, want 7", p.PacketID)
	}

	// The retransmission must carry the next sequence number, not the
	// original one.
	origSeq := binary.BigEndian.Uint16(pacer.sent[7].Packet[2:4])
	if p.SequenceNumber == origSeq {
		t.Error("retransmission should patch a fresh sequence number")
	}
}

func TestSenderResendAllPacketsLost(t *testing.T) {
	t.Parallel()

	s, pacer := newTestSender(t)
	if err := s.SendFrame(testFrame(4, media.Key, 30000)); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	total := len(pacer.sent)

	missing := packet.MissingMap{4: packet.IDSet{}}
	missing[4].Add(packet.AllPacketsLost)
	s.ResendPackets(pacing.MulticastAddr, missing, false, pacing.DedupInfo{})

	if len(pacer.resent) != total {
		t.Fatalf("resent %d packets, want all %d", len(pacer.resent), total)
	}
}

func TestSenderResendLastPacketSentinel(t *testing.T) {
	t.Parallel()

	s, pacer := newTestSender(t)
	if err := s.SendFrame(testFrame(5, media.Key, 30000)); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	total := len(pacer.sent)

	s.ResendFrameForKickstart(5, 10*time.Millisecond)
	if len(pacer.resent) != 1 {
		t.Fatalf("kickstart resent %d packets, want 1", len(pacer.resent))
	}
	p, _ := ParsePacket(pacer.resent[0].Packet)
	if int(p.PacketID) != total-1 {
		t.Errorf("kickstart packet id = %d, want last packet %d", p.PacketID, total-1)
	}
}

func TestSenderCancelIfNotInList(t *testing.T) {
	t.Parallel()

	s, pacer := newTestSender(t)
	if err := s.SendFrame(testFrame(6, media.Key, 30000)); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	total := len(pacer.sent)

	missing := packet.MissingMap{6: packet.IDSet{}}
	missing[6].Add(2)
	s.ResendPackets(pacing.MulticastAddr, missing, true, pacing.DedupInfo{})

	if len(pacer.resent) != 1 {
		t.Fatalf("resent %d packets, want 1", len(pacer.resent))
	}
	if len(pacer.cancelled) != total-1 {
		t.Fatalf("cancelled %d packets, want %d", len(pacer.cancelled), total-1)
	}
}

func TestSenderResendUnknownFrame(t *testing.T) {
	t.Parallel()

	s, pacer := newTestSender(t)
	missing := packet.MissingMap{99: packet.IDSet{}}
	missing[99].Add(packet.AllPacketsLost)
	s.ResendPackets(pacing.MulticastAddr, missing, false, pacing.DedupInfo{})
	if len(pacer.resent) != 0 {
		t.Fatal("nothing should be resent for an unknown frame")
	}
}
