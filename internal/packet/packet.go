// Package packet holds the wire-agnostic packet types shared by the RTP,
// RTCP, and pacing layers: raw packet buffers, the ordered keys the pacer
// queues sort by, and the missing-packet bookkeeping carried in feedback.
package packet

import (
	"sort"
	"time"
)

// Packet is one raw datagram payload, headers included.
type Packet []byte

const (
	// MaxIPPacketSize bounds every packet the engine builds.
	MaxIPPacketSize = 1500

	// AllPacketsLost in a missing-packet set means the whole frame needs
	// to be retransmitted.
	AllPacketsLost = uint16(0xffff)

	// LastPacket asks for only the final packet of a frame, used to
	// kick-start a stalled session.
	LastPacket = uint16(0xfffe)
)

// Key identifies a queued packet for pacing and dedup purposes. Keys order
// lexicographically by enqueue time, then SSRC, then packet id, so older
// packets always drain first.
type Key struct {
	Ticks    time.Time
	SSRC     uint32
	PacketID uint16
}

// Less reports whether k sorts before other.
func (k Key) Less(other Key) bool {
	if !k.Ticks.Equal(other.Ticks) {
		return k.Ticks.Before(other.Ticks)
	}
	if k.SSRC != other.SSRC {
		return k.SSRC < other.SSRC
	}
	return k.PacketID < other.PacketID
}

// SendPacket pairs a queue key with its raw bytes. Packetizers emit ordered
// slices of these; storage and the pacer pass them through unchanged.
type SendPacket struct {
	Key    Key
	Packet Packet
}

// IDSet is a set of 16-bit packet ids within one frame.
type IDSet map[uint16]struct{}

// Add inserts id into the set.
func (s IDSet) Add(id uint16) { s[id] = struct{}{} }

// Has reports whether id is in the set.
func (s IDSet) Has(id uint16) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the ids in ascending order.
func (s IDSet) Sorted() []uint16 {
	ids := make([]uint16, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// MissingMap maps frame ids to the packet ids missing from each frame.
type MissingMap map[uint32]IDSet

// SortedFrameIDs returns the frame ids in ascending order so feedback and
// retransmission walk frames oldest-first.
func (m MissingMap) SortedFrameIDs() []uint32 {
	ids := make([]uint32, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
