package sender

import (
	"testing"
	"time"

	"github.com/sharecast/sharecast/internal/clock"
)

func TestFixedCongestionControlIsConstant(t *testing.T) {
	t.Parallel()

	c := NewFixedCongestionControl(2_000_000)
	c.UpdateRTT(time.Second)
	c.SendFrameToTransport(1, 1_000_000, time.Now())
	if got := c.GetBitrate(time.Now(), 100*time.Millisecond); got != 2_000_000 {
		t.Fatalf("GetBitrate = %d, want the fixed 2000000", got)
	}
}

func TestAdaptiveCongestionControlTracksBacklog(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake()
	c := NewAdaptiveCongestionControl(clk, 300_000, 4_000_000)
	c.UpdateRTT(40 * time.Millisecond)
	c.UpdateTargetPlayoutDelay(100 * time.Millisecond)

	playout := clk.Now().Add(100 * time.Millisecond)

	empty := c.GetBitrate(playout, 100*time.Millisecond)
	if empty != 4_000_000 {
		t.Fatalf("bitrate with nothing in flight = %d, want the max", empty)
	}

	// Bitrate decreases monotonically as more bits pile up in flight.
	prev := empty
	for i := uint32(0); i < 5; i++ {
		c.SendFrameToTransport(i, 100_000, clk.Now())
		cur := c.GetBitrate(playout, 100*time.Millisecond)
		if cur > prev {
			t.Fatalf("bitrate rose from %d to %d as backlog grew", prev, cur)
		}
		prev = cur
	}
	if prev < 300_000 {
		t.Fatalf("bitrate %d fell below the floor", prev)
	}

	// Acks drain the backlog and the bitrate recovers.
	for i := uint32(0); i < 5; i++ {
		c.AckFrame(i, clk.Now())
	}
	if got := c.GetBitrate(playout, 100*time.Millisecond); got != 4_000_000 {
		t.Fatalf("bitrate after full drain = %d, want the max", got)
	}
}
