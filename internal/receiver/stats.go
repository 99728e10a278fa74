package receiver

import (
	"time"

	"github.com/sharecast/sharecast/internal/clock"
	"github.com/sharecast/sharecast/internal/rtcp"
	"github.com/sharecast/sharecast/media"
)

// maxSequenceNumber is the size of the 16-bit RTP sequence space.
const maxSequenceNumber = 65536

// videoTicksPerMillisecond converts 90 kHz RTP ticks to milliseconds.
const videoTicksPerMillisecond = media.VideoTimebase / 1000

// Stats tracks per-stream reception statistics: loss over the whole session
// and over the current report interval, the extended highest sequence
// number, and interarrival jitter.
type Stats struct {
	clk clock.Clock

	minSequenceNumber    uint16
	maxSequenceNumber    uint16
	totalPackets         uint32
	sequenceNumberCycles uint16

	lastReceivedTimestamp  uint32
	lastReceivedPacketTime time.Time
	jitter                 time.Duration

	intervalMinSequenceNumber uint16
	intervalPackets           int
	intervalWrapCount         int
}

// NewStats returns zeroed statistics.
func NewStats(clk clock.Clock) *Stats {
	return &Stats{clk: clk}
}

// UpdatePacket folds one received packet into the statistics.
func (s *Stats) UpdatePacket(sequenceNumber uint16, rtpTimestamp uint32) {
	if s.intervalPackets == 0 {
		s.intervalMinSequenceNumber = sequenceNumber
	}
	if s.totalPackets == 0 {
		s.minSequenceNumber = sequenceNumber
		s.maxSequenceNumber = sequenceNumber
	}

	if media.IsNewerSequenceNumber(sequenceNumber, s.maxSequenceNumber) {
		if sequenceNumber < s.maxSequenceNumber {
			// The sequence space wrapped.
			s.sequenceNumberCycles++
			s.intervalWrapCount++
		}
		s.maxSequenceNumber = sequenceNumber
	}

	now := s.clk.Now()
	if s.totalPackets > 0 {
		rtpDelta := int32(rtpTimestamp - s.lastReceivedTimestamp)
		expected := time.Duration(rtpDelta) * time.Millisecond / videoTicksPerMillisecond
		delta := now.Sub(s.lastReceivedPacketTime) - expected
		s.jitter += (delta - s.jitter) / 16
	}
	s.lastReceivedTimestamp = rtpTimestamp
	s.lastReceivedPacketTime = now

	s.totalPackets++
	s.intervalPackets++
}

// Snapshot computes the report-block statistics and resets the interval
// counters.
func (s *Stats) Snapshot() rtcp.ReceiverStatistics {
	var ret rtcp.ReceiverStatistics

	if s.intervalPackets > 0 {
		var expected int
		if s.intervalWrapCount == 0 {
			expected = int(s.maxSequenceNumber) - int(s.intervalMinSequenceNumber) + 1
		} else {
			expected = maxSequenceNumber*(s.intervalWrapCount-1) +
				int(s.maxSequenceNumber) - int(s.intervalMinSequenceNumber) + maxSequenceNumber + 1
		}
		if expected >= 1 {
			ratio := 1 - float64(s.intervalPackets)/float64(expected)
			if ratio < 0 {
				ratio = 0
			}
			ret.FractionLost = uint8(256 * ratio)
		}
	}

	expectedTotal := int(s.maxSequenceNumber) - int(s.minSequenceNumber) + 1
	switch {
	case s.totalPackets == 0:
		ret.CumulativeLost = 0
	case s.sequenceNumberCycles == 0:
		ret.CumulativeLost = uint32(expectedTotal - int(s.totalPackets))
	default:
		ret.CumulativeLost = uint32(maxSequenceNumber*(int(s.sequenceNumberCycles)-1) +
			expectedTotal - int(s.totalPackets) + maxSequenceNumber)
	}

	ret.ExtendedHighSequenceNumber = uint32(s.sequenceNumberCycles)<<16 | uint32(s.maxSequenceNumber)

	jitterMS := s.jitter.Milliseconds()
	if jitterMS < 0 {
		jitterMS = -jitterMS
	}
	ret.Jitter = uint32(jitterMS)

	s.intervalMinSequenceNumber = 0
	s.intervalPackets = 0
	s.intervalWrapCount = 0

	return ret
}
