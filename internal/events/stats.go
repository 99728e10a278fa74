package events

// Stats is a Subscriber that keeps running traffic counters. The session
// facade snapshots and resets it on its periodic report.
type Stats struct {
	packetsTotal         int
	packetsSent          int
	packetsRetransmitted int
	packetsRejected      int
	framesEncoded        int
	framesDropped        int
}

// NewStats returns a zeroed stats subscriber.
func NewStats() *Stats {
	return &Stats{}
}

// OnFrameEvent implements Subscriber.
func (s *Stats) OnFrameEvent(e *FrameEvent) {
	switch e.Type {
	case FrameEncoded:
		s.framesEncoded++
	case FrameDropped:
		s.framesDropped++
	}
}

// OnPacketEvent implements Subscriber.
func (s *Stats) OnPacketEvent(e *PacketEvent) {
	s.packetsTotal++
	switch e.Type {
	case PacketSentToNetwork:
		s.packetsSent++
	case PacketRetransmitted:
		s.packetsRetransmitted++
	case PacketRTXRejected:
		s.packetsRejected++
	}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	PacketsTotal         int
	PacketsSent          int
	PacketsRetransmitted int
	PacketsRejected      int
	FramesEncoded        int
	FramesDropped        int
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		PacketsTotal:         s.packetsTotal,
		PacketsSent:          s.packetsSent,
		PacketsRetransmitted: s.packetsRetransmitted,
		PacketsRejected:      s.packetsRejected,
		FramesEncoded:        s.framesEncoded,
		FramesDropped:        s.framesDropped,
	}
}

// Reset zeroes all counters.
func (s *Stats) Reset() {
	*s = Stats{}
}

// PacketsSent returns the sent-to-network count.
func (s *Stats) PacketsSent() int { return s.packetsSent }

// PacketsRetransmitted returns the retransmit count.
func (s *Stats) PacketsRetransmitted() int { return s.packetsRetransmitted }
