package rtp

import (
	"bytes"
	"errors"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/sharecast/sharecast/internal/pacing"
	"github.com/sharecast/sharecast/internal/packet"
	"github.com/sharecast/sharecast/media"
)

// fakePacer records everything handed to it.
type fakePacer struct {
	sent      []packet.SendPacket
	resent    []packet.SendPacket
	cancelled []packet.Key
}

func (f *fakePacer) SendPackets(packets []packet.SendPacket) bool {
	f.sent = append(f.sent, packets...)
	return true
}

func (f *fakePacer) ResendPackets(addr string, packets []packet.SendPacket, dedup pacing.DedupInfo) bool {
	f.resent = append(f.resent, packets...)
	return true
}

func (f *fakePacer) CancelSendingPacket(addr string, key packet.Key) {
	f.cancelled = append(f.cancelled, key)
}

func (f *fakePacer) LastByteSentForPacket(key packet.Key) int64 { return 0 }

func testFrame(id uint32, dep media.FrameDependency, size int) *media.EncodedFrame {
	data := make([]byte, size)
	rng := rand.New(rand.NewSource(int64(id)))
	rng.Read(data)
	ref := id
	if dep == media.Dependent {
		ref = id - 1
	}
	return &media.EncodedFrame{
		Dependency:        dep,
		FrameID:           id,
		ReferencedFrameID: ref,
		RTPTimestamp:      id * 3000,
		ReferenceTime:     time.Unix(100, 0).Add(time.Duration(id) * 33 * time.Millisecond),
		Data:              data,
	}
}

func packetize(t *testing.T, frame *media.EncodedFrame) []packet.SendPacket {
	t.Helper()
	pacer := &fakePacer{}
	cfg := DefaultPacketizerConfig()
	cfg.PayloadType = VideoPayloadType
	cfg.SSRC = 11
	p := NewPacketizer(pacer, NewPacketStorage(), cfg)
	if err := p.SendFrameAsPackets(frame); err != nil {
		t.Fatalf("SendFrameAsPackets: %v", err)
	}
	return pacer.sent
}

// reassemble parses packets in any order and concatenates payloads by
// packet id.
func reassemble(t *testing.T, packets []packet.SendPacket) ([]byte, *Packet) {
	t.Helper()
	parsed := make([]*Packet, 0, len(packets))
	for _, sp := range packets {
		p, err := ParsePacket(sp.Packet)
		if err != nil {
			t.Fatalf("ParsePacket: %v", err)
		}
		parsed = append(parsed, p)
	}
	sort.Slice(parsed, func(i, j int) bool { return parsed[i].PacketID < parsed[j].PacketID })
	var data []byte
	for _, p := range parsed {
		data = append(data, p.Payload...)
	}
	return data, parsed[0]
}

func TestPacketizeParseRoundTrip(t *testing.T) {
	t.Parallel()

	maxLength := packet.MaxIPPacketSize - 31 - HeaderLength - CastHeaderLength - 1
	for _, numPackets := range []int{1, 2, 42, 513} {
		size := maxLength*(numPackets-1) + maxLength/2
		if numPackets == 1 {
			size = 100
		}
		frame := testFrame(7, media.Key, size)
		packets := packetize(t, frame)

		if len(packets) != numPackets {
			t.Fatalf("num packets = %d, want %d", len(packets), numPackets)
		}

		// Shuffle to prove order independence.
		rng := rand.New(rand.NewSource(42))
		rng.Shuffle(len(packets), func(i, j int) { packets[i], packets[j] = packets[j], packets[i] })

		data, first := reassemble(t, packets)
		if !bytes.Equal(data, frame.Data) {
			t.Fatalf("reassembled %d bytes do not match the original %d", len(data), len(frame.Data))
		}
		if first.FrameID != frame.FrameID || first.ReferenceFrameID != frame.FrameID {
			t.Errorf("frame metadata mismatch: %+v", first)
		}
		if !first.IsKeyFrame {
			t.Error("key frame bit lost")
		}
		if int(first.MaxPacketID) != numPackets-1 {
			t.Errorf("max packet id = %d, want %d", first.MaxPacketID, numPackets-1)
		}
	}
}

func TestPacketizerMarkerOnLastPacketOnly(t *testing.T) {
	t.Parallel()

	frame := testFrame(3, media.Dependent, 5000)
	packets := packetize(t, frame)
	for i, sp := range packets {
		p, err := ParsePacket(sp.Packet)
		if err != nil {
			t.Fatalf("ParsePacket: %v", err)
		}
		want := i == len(packets)-1
		if p.Marker != want {
			t.Errorf("packet %d marker = %v, want %v", i, p.Marker, want)
		}
	}
}

func TestPacketizerSequenceNumbersMonotone(t *testing.T) {
	t.Parallel()

	frame := testFrame(1, media.Key, 40000)
	packets := packetize(t, frame)
	var prev uint16
	for i, sp := range packets {
		p, _ := ParsePacket(sp.Packet)
		if i > 0 && p.SequenceNumber != prev+1 {
			t.Fatalf("sequence jumped from %d to %d", prev, p.SequenceNumber)
		}
		prev = p.SequenceNumber
	}
}

func TestPlayoutDelayExtensionRoundTrip(t *testing.T) {
	t.Parallel()

	frame := testFrame(2, media.Dependent, 100)
	frame.NewPlayoutDelayMS = 475
	packets := packetize(t, frame)
	p, err := ParsePacket(packets[0].Packet)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if p.NewPlayoutDelayMS != 475 {
		t.Fatalf("NewPlayoutDelayMS = %d, want 475", p.NewPlayoutDelayMS)
	}
}

func TestParsePacketRejectsMalformed(t *testing.T) {
	t.Parallel()

	frame := testFrame(2, media.Dependent, 100)
	good := packetize(t, frame)[0].Packet

	if _, err := ParsePacket(good[:6]); err == nil {
		t.Error("truncated packet should not parse")
	}

	bad := copyPacket(good)
	bad[0] = 0x40 // version 1
	if _, err := ParsePacket(bad); !errors.Is(err, ErrBadVersion) {
		t.Errorf("bad version error = %v", err)
	}

	bad = copyPacket(good)
	bad[1] = (bad[1] & 0x80) | 50 // unknown payload type
	if _, err := ParsePacket(bad); !errors.Is(err, ErrBadPayloadType) {
		t.Errorf("bad payload type error = %v", err)
	}

	// packet id greater than max packet id
	bad = copyPacket(good)
	bad[17] = 0xff
	bad[18] = 0xff
	if _, err := ParsePacket(bad); !errors.Is(err, ErrBadPacketID) {
		t.Errorf("bad packet id error = %v", err)
	}
}

func TestParsePacketImplicitReference(t *testing.T) {
	t.Parallel()

	// Build a packet without the explicit reference id by clearing the
	// reference bit and removing those four bytes.
	frame := testFrame(9, media.Dependent, 50)
	raw := copyPacket(packetize(t, frame)[0].Packet)
	raw[12] &^= referenceFrameIDBit
	raw = append(raw[:21], raw[25:]...)

	p, err := ParsePacket(raw)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if p.ReferenceFrameID != frame.FrameID-1 {
		t.Errorf("implicit reference = %d, want %d", p.ReferenceFrameID, frame.FrameID-1)
	}
}
