package receiver

import (
	"context"
	"testing"
	"time"

	"github.com/sharecast/sharecast/internal/clock"
	"github.com/sharecast/sharecast/internal/packet"
	"github.com/sharecast/sharecast/internal/rtcp"
	"github.com/sharecast/sharecast/internal/runloop"
	"github.com/sharecast/sharecast/media"
)

type rtcpCapture struct {
	packets []packet.Packet
}

func (c *rtcpCapture) SendRTCPPacket(ssrc uint32, p packet.Packet) bool {
	c.packets = append(c.packets, p)
	return true
}

func testConfig() Config {
	return Config{
		ReceiverSSRC:    12,
		SenderSSRC:      11,
		RTPMaxDelayMS:   100,
		TargetFrameRate: 30,
		RTPTimebase:     media.VideoTimebase,
	}
}

func startReceiver(t *testing.T) (*FrameReceiver, *runloop.Loop, *clock.Fake, *rtcpCapture) {
	t.Helper()
	clk := clock.NewFake()
	loop := runloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.Run(ctx)

	sink := &rtcpCapture{}
	r := NewFrameReceiver(nil, clk, loop, testConfig(), sink)
	return r, loop, clk, sink
}

// run executes fn on the loop and waits for it.
func run(t *testing.T, loop *runloop.Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	loop.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop task timed out")
	}
}

func TestFrameReceiverCleanDelivery(t *testing.T) {
	t.Parallel()

	r, loop, clk, _ := startReceiver(t)

	const numFrames = 10
	frames := make(chan *media.EncodedFrame, numFrames)
	run(t, loop, func() {
		for i := 0; i < numFrames; i++ {
			r.RequestEncodedFrame(func(f *media.EncodedFrame) { frames <- f })
		}
	})

	for id := uint32(0); id < numFrames; id++ {
		run(t, loop, func() {
			for _, p := range makePackets(id, 20, id == 0) {
				r.ProcessRTP(p)
			}
		})
		clk.Advance(33 * time.Millisecond)
	}

	for want := uint32(0); want < numFrames; want++ {
		select {
		case f := <-frames:
			if f.FrameID != want {
				t.Fatalf("frame %d delivered, want %d", f.FrameID, want)
			}
			if f.ReferenceTime.IsZero() {
				t.Fatal("delivered frame must carry its playout time")
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d never delivered", want)
		}
	}
}

func TestFrameReceiverPlayoutTimeUsesTargetDelay(t *testing.T) {
	t.Parallel()

	r, loop, clk, _ := startReceiver(t)

	frames := make(chan *media.EncodedFrame, 1)
	start := clk.Now()
	run(t, loop, func() {
		r.RequestEncodedFrame(func(f *media.EncodedFrame) { frames <- f })
		for _, p := range makePackets(0, 2, true) {
			r.ProcessRTP(p)
		}
	})

	select {
	case f := <-frames:
		// With no RTCP lip-sync info the local clock anchors the
		// reference, so playout is the arrival time plus the 100 ms
		// target delay.
		want := start.Add(100 * time.Millisecond)
		if !f.ReferenceTime.Equal(want) {
			t.Fatalf("playout time = %v, want %v", f.ReferenceTime, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame never delivered")
	}
}

func TestFrameReceiverFrameDelayOverridePersists(t *testing.T) {
	t.Parallel()

	r, loop, clk, _ := startReceiver(t)

	frames := make(chan *media.EncodedFrame, 2)
	start := clk.Now()
	run(t, loop, func() {
		r.RequestEncodedFrame(func(f *media.EncodedFrame) { frames <- f })
		r.RequestEncodedFrame(func(f *media.EncodedFrame) { frames <- f })

		withDelay := makePackets(0, 1, true)
		withDelay[0].NewPlayoutDelayMS = 250
		r.ProcessRTP(withDelay[0])
	})

	f := <-frames
	if want := start.Add(250 * time.Millisecond); !f.ReferenceTime.Equal(want) {
		t.Fatalf("frame 0 playout = %v, want %v", f.ReferenceTime, want)
	}

	// The next frame carries no extension but inherits the new target.
	run(t, loop, func() {
		r.ProcessRTP(makePackets(1, 1, false)[0])
	})
	f = <-frames
	if f.FrameID != 1 {
		t.Fatalf("second delivery is frame %d, want 1", f.FrameID)
	}
	want := start.Add(250 * time.Millisecond).Add(clock.RTPToDuration(3000, media.VideoTimebase))
	if !f.ReferenceTime.Equal(want) {
		t.Fatalf("frame 1 playout = %v, want %v", f.ReferenceTime, want)
	}
}

func TestFrameReceiverCatchUpSkipsLateFrame(t *testing.T) {
	t.Parallel()

	r, loop, clk, _ := startReceiver(t)

	frames := make(chan *media.EncodedFrame, 4)
	run(t, loop, func() {
		r.RequestEncodedFrame(func(f *media.EncodedFrame) { frames <- f })
		// Frames 0 and 1 arrive complete and decodable (1 is a key frame
		// too); neither playout time has passed yet.
		for _, p := range makePackets(0, 1, true) {
			r.ProcessRTP(p)
		}
	})

	run(t, loop, func() {
		for _, p := range makePackets(1, 1, true) {
			r.ProcessRTP(p)
		}
	})

	// First frame is delivered immediately (well before playout).
	select {
	case f := <-frames:
		if f.FrameID != 0 {
			t.Fatalf("first delivery is frame %d, want 0", f.FrameID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame 0 never delivered")
	}

	// Let both playout deadlines pass, then add a third decodable frame
	// and a request: frame 1 is now late with a newer decodable frame
	// queued, so it is skipped in favor of frame 2.
	clk.Advance(time.Second)
	run(t, loop, func() {
		for _, p := range makePackets(2, 1, true) {
			r.ProcessRTP(p)
		}
		r.RequestEncodedFrame(func(f *media.EncodedFrame) { frames <- f })
	})

	select {
	case f := <-frames:
		if f.FrameID != 2 {
			t.Fatalf("catch-up delivered frame %d, want 2", f.FrameID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("catch-up frame never delivered")
	}
}

func TestFrameReceiverSendsFeedbackWithTargetDelay(t *testing.T) {
	t.Parallel()

	r, loop, _, sink := startReceiver(t)

	msg := rtcp.NewFeedbackMessage(11)
	msg.AckFrameID = 5
	run(t, loop, func() {
		r.CastFeedback(msg)
	})

	if len(sink.packets) != 1 {
		t.Fatalf("sent %d RTCP packets, want 1", len(sink.packets))
	}
	p := rtcp.NewParser(11, 12)
	if err := p.Parse(sink.packets[0]); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !p.HasFeedback() {
		t.Fatal("compound should carry the feedback")
	}
	if got := p.Feedback().TargetDelayMS; got != 100 {
		t.Fatalf("target delay = %d, want the 100ms default", got)
	}
}
