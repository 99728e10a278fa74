package pacing

import (
	"fmt"
	"testing"
	"time"

	"github.com/sharecast/sharecast/internal/clock"
	"github.com/sharecast/sharecast/internal/events"
	"github.com/sharecast/sharecast/internal/packet"
	"github.com/sharecast/sharecast/internal/runloop"
)

// fakeTransport records sends and can simulate socket backpressure.
type fakeTransport struct {
	sent      []packet.Packet
	blocked   bool
	bytesSent int64
	unblock   func()
}

func (f *fakeTransport) SendPacket(addr string, p packet.Packet, onUnblocked func()) bool {
	f.sent = append(f.sent, p)
	f.bytesSent += int64(len(p))
	f.unblock = onUnblocked
	return !f.blocked
}

func (f *fakeTransport) BytesSent() int64 { return f.bytesSent }

// testPacket builds a minimal well-formed packet for ssrc with a payload
// long enough for event extraction.
func testPacket(ssrc uint32, packetID uint16) packet.SendPacket {
	buf := make(packet.Packet, 24)
	buf[0] = 0x80
	buf[8] = byte(ssrc >> 24)
	buf[9] = byte(ssrc >> 16)
	buf[10] = byte(ssrc >> 8)
	buf[11] = byte(ssrc)
	buf[17] = byte(packetID)
	return packet.SendPacket{
		Key:    MakePacketKey(time.Unix(50, 0), ssrc, packetID),
		Packet: buf,
	}
}

func newTestPacer() (*PacedSender, *fakeTransport, *clock.Fake) {
	clk := clock.NewFake()
	transport := &fakeTransport{}
	s := NewPacedSender(nil, clk, runloop.New(), transport, events.NewDispatcher())
	s.RegisterVideoSSRC(11)
	return s, transport, clk
}

func TestPacerSendsImmediatelyWhenUnblocked(t *testing.T) {
	t.Parallel()

	s, transport, _ := newTestPacer()
	s.SendPackets([]packet.SendPacket{testPacket(11, 0), testPacket(11, 1)})

	if len(transport.sent) != 2 {
		t.Fatalf("sent %d packets, want 2", len(transport.sent))
	}
	if s.Size() != 0 {
		t.Fatalf("queue size = %d, want 0", s.Size())
	}
}

func TestPacerBurstLimit(t *testing.T) {
	t.Parallel()

	s, transport, clk := newTestPacer()

	packets := make([]packet.SendPacket, 25)
	for i := range packets {
		packets[i] = testPacket(11, uint16(i))
	}
	s.SendPackets(packets)

	// First burst: target size.
	if len(transport.sent) != TargetBurstSize {
		t.Fatalf("first burst sent %d, want %d", len(transport.sent), TargetBurstSize)
	}
	if s.Size() != 15 {
		t.Fatalf("queued = %d, want 15", s.Size())
	}

	// Next burst window drains ten more, then the remainder.
	clk.Advance(PacingInterval)
	s.sendStoredPackets()
	if len(transport.sent) != 20 {
		t.Fatalf("after second burst sent %d, want 20", len(transport.sent))
	}
	clk.Advance(PacingInterval)
	s.sendStoredPackets()
	if len(transport.sent) != 25 {
		t.Fatalf("after third burst sent %d, want 25", len(transport.sent))
	}
}

func TestPacerBurstGrowsWithDeepQueue(t *testing.T) {
	t.Parallel()

	s, transport, _ := newTestPacer()

	packets := make([]packet.SendPacket, 90)
	for i := range packets {
		packets[i] = testPacket(11, uint16(i))
	}
	s.SendPackets(packets)

	// 90 queued over three bursts caps at the max burst size.
	if len(transport.sent) != MaxBurstSize {
		t.Fatalf("deep-queue burst sent %d, want %d", len(transport.sent), MaxBurstSize)
	}
}

func TestPacerTransportBlockedAndResume(t *testing.T) {
	t.Parallel()

	s, transport, _ := newTestPacer()
	transport.blocked = true

	s.SendPackets([]packet.SendPacket{testPacket(11, 0), testPacket(11, 1)})
	if len(transport.sent) != 1 {
		t.Fatalf("blocked transport accepted %d sends, want 1 attempt", len(transport.sent))
	}
	if s.Size() != 1 {
		t.Fatalf("queued = %d, want 1", s.Size())
	}

	// More enqueues while blocked must not hit the socket.
	s.SendPackets([]packet.SendPacket{testPacket(11, 2)})
	if len(transport.sent) != 1 {
		t.Fatal("blocked pacer must not keep sending")
	}

	transport.blocked = false
	s.sendStoredPackets()
	if len(transport.sent) != 3 {
		t.Fatalf("after resume sent %d, want 3", len(transport.sent))
	}
}

func TestPacerPriorityLaneDrainsFirst(t *testing.T) {
	t.Parallel()

	s, transport, _ := newTestPacer()
	s.RegisterPrioritySSRC(2)
	transport.blocked = true

	// One normal packet goes out (and blocks the transport); everything
	// else queues.
	s.SendPackets([]packet.SendPacket{testPacket(11, 0), testPacket(11, 1), testPacket(11, 2)})
	s.SendPackets([]packet.SendPacket{testPacket(2, 0), testPacket(2, 1)})

	transport.blocked = false
	transport.sent = nil
	s.sendStoredPackets()

	if len(transport.sent) != 4 {
		t.Fatalf("sent %d packets after resume, want 4", len(transport.sent))
	}
	// The two priority-ssrc packets must precede the normal ones.
	for i, p := range transport.sent {
		ssrc := uint32(p[8])<<24 | uint32(p[9])<<16 | uint32(p[10])<<8 | uint32(p[11])
		wantPriority := i < 2
		if (ssrc == 2) != wantPriority {
			t.Fatalf("packet %d has ssrc %d; priority lane must drain first", i, ssrc)
		}
	}
}

func TestPacerRTCPPassThroughAndPreempt(t *testing.T) {
	t.Parallel()

	s, transport, _ := newTestPacer()

	// Unblocked: RTCP bypasses the queue.
	rtcpPacket := packet.Packet{0x80, 200, 0, 1, 0, 0, 0, 12}
	s.SendRTCPPacket(12, rtcpPacket)
	if len(transport.sent) != 1 {
		t.Fatal("RTCP should pass straight through when unblocked")
	}

	// Blocked: RTCP queues with an always-first key. The first media
	// packet hits the socket and trips the blocked state; the second
	// stays queued behind the RTCP packet.
	transport.blocked = true
	s.SendPackets([]packet.SendPacket{testPacket(11, 5), testPacket(11, 6)})
	s.SendRTCPPacket(12, rtcpPacket)

	transport.blocked = false
	transport.sent = nil
	s.sendStoredPackets()
	if len(transport.sent) != 2 {
		t.Fatalf("sent %d after resume, want 2", len(transport.sent))
	}
	if transport.sent[0][1] != 200 {
		t.Fatal("queued RTCP must preempt media packets on resume")
	}
}

func TestPacerShouldResendHonorsDedupWindow(t *testing.T) {
	t.Parallel()

	s, transport, clk := newTestPacer()
	sp := testPacket(11, 3)
	s.SendPackets([]packet.SendPacket{sp})
	if len(transport.sent) != 1 {
		t.Fatal("setup: packet not sent")
	}

	dedup := DedupInfo{ResendInterval: 40 * time.Millisecond}

	if s.ShouldResend(MulticastAddr, sp.Key, dedup, clk.Now()) {
		t.Fatal("resend allowed immediately after the original send")
	}
	clk.Advance(39 * time.Millisecond)
	if s.ShouldResend(MulticastAddr, sp.Key, dedup, clk.Now()) {
		t.Fatal("resend allowed inside the dedup window")
	}
	clk.Advance(time.Millisecond)
	if !s.ShouldResend(MulticastAddr, sp.Key, dedup, clk.Now()) {
		t.Fatal("resend blocked after the dedup window elapsed")
	}

	// A key with no history is always resendable.
	other := MakePacketKey(time.Unix(60, 0), 11, 99)
	if !s.ShouldResend(MulticastAddr, other, dedup, clk.Now()) {
		t.Fatal("unknown key should be resendable")
	}
}

func TestPacerResendSuppressionCountsEvent(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake()
	transport := &fakeTransport{}
	dispatch := events.NewDispatcher()
	stats := events.NewStats()
	dispatch.Subscribe(stats)
	s := NewPacedSender(nil, clk, runloop.New(), transport, dispatch)
	s.RegisterVideoSSRC(11)

	sp := testPacket(11, 3)
	s.SendPackets([]packet.SendPacket{sp})

	s.ResendPackets(MulticastAddr, []packet.SendPacket{sp}, DedupInfo{ResendInterval: time.Second})
	if got := stats.Snapshot().PacketsRejected; got != 1 {
		t.Fatalf("rejected count = %d, want 1", got)
	}

	clk.Advance(2 * time.Second)
	s.ResendPackets(MulticastAddr, []packet.SendPacket{sp}, DedupInfo{ResendInterval: time.Second})
	if got := stats.Snapshot().PacketsRetransmitted; got != 1 {
		t.Fatalf("retransmit count = %d, want 1", got)
	}
}

func TestPacerCancelSendingPacket(t *testing.T) {
	t.Parallel()

	s, transport, _ := newTestPacer()
	transport.blocked = true

	packets := []packet.SendPacket{testPacket(11, 0), testPacket(11, 1), testPacket(11, 2)}
	s.SendPackets(packets)

	s.CancelSendingPacket(MulticastAddr, packets[1].Key)
	s.CancelSendingPacket(MulticastAddr, packets[2].Key)

	transport.blocked = false
	transport.sent = nil
	s.sendStoredPackets()
	if len(transport.sent) != 0 {
		t.Fatalf("cancelled packets were sent: %d", len(transport.sent))
	}
}

func TestPacerDrainBound(t *testing.T) {
	t.Parallel()

	// The queue must drain within ceil(n/maxBurst) pacing intervals when
	// the transport never blocks.
	s, _, clk := newTestPacer()
	const n = 200
	packets := make([]packet.SendPacket, n)
	for i := range packets {
		packets[i] = testPacket(11, uint16(i))
	}
	s.SendPackets(packets)

	bursts := 1
	for s.Size() > 0 {
		clk.Advance(PacingInterval)
		s.sendStoredPackets()
		bursts++
		if bursts > n {
			t.Fatal("queue is not draining")
		}
	}
	maxBursts := (n + MaxBurstSize - 1) / MaxBurstSize
	if bursts > maxBursts {
		t.Fatalf("drained in %d bursts, want <= %d (%s)", bursts, maxBursts,
			fmt.Sprintf("%d packets at max burst %d", n, MaxBurstSize))
	}
}
