package rtcp

import (
	"testing"
	"time"
)

func TestTimeNTPRoundTrip(t *testing.T) {
	t.Parallel()

	times := []time.Time{
		time.Unix(0, 0),
		time.Unix(1000000, 123456000),
		time.Date(2020, 7, 1, 12, 0, 0, 999999000, time.UTC),
	}
	for _, in := range times {
		sec, frac := TimeToNTP(in)
		out := NTPToTime(sec, frac)
		diff := out.Sub(in)
		if diff < -time.Microsecond || diff > time.Microsecond {
			t.Errorf("round trip of %v drifted by %v", in, diff)
		}
	}
}

func TestNTPEpochOffset(t *testing.T) {
	t.Parallel()

	sec, _ := TimeToNTP(time.Unix(0, 0))
	if sec != uint32(unixEpochInNTPSeconds) {
		t.Fatalf("NTP seconds at the unix epoch = %d, want %d", sec, unixEpochInNTPSeconds)
	}
}

func TestNTPDiffRoundTrip(t *testing.T) {
	t.Parallel()

	for _, d := range []time.Duration{
		0,
		time.Millisecond,
		50 * time.Millisecond,
		time.Second,
		10 * time.Second,
	} {
		got := FromNTPDiff(DurationToNTPDiff(d))
		diff := got - d
		if diff < -time.Millisecond || diff > time.Millisecond {
			t.Errorf("NTP diff round trip of %v came back as %v", d, got)
		}
	}
}

func TestToNTPDiffPacksMiddleBits(t *testing.T) {
	t.Parallel()

	// One second and half a second of fraction.
	got := ToNTPDiff(0x00010001, 0x80000000)
	want := uint32(0x0001<<16 | 0x8000)
	if got != want {
		t.Fatalf("ToNTPDiff = %#x, want %#x", got, want)
	}
}
