// Package pacing schedules outbound packets into fixed-interval bursts with
// a priority lane for RTCP and configured SSRCs, keeps a short send history
// for retransmission dedup, and backs off when the transport signals
// pressure.
package pacing

import (
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/sharecast/sharecast/internal/clock"
	"github.com/sharecast/sharecast/internal/events"
	"github.com/sharecast/sharecast/internal/packet"
	"github.com/sharecast/sharecast/internal/runloop"
)

const (
	// PacingInterval is the length of one burst window.
	PacingInterval = 10 * time.Millisecond

	// TargetBurstSize and MaxBurstSize bound how many packets leave in
	// one burst window.
	TargetBurstSize = 10
	MaxBurstSize    = 20

	// maxBurstsPerFrame spreads a queue over this many upcoming bursts
	// when sizing the next burst.
	maxBurstsPerFrame = 3

	// maxDedupeWindow is roughly how much send history is retained for
	// retransmission dedup decisions.
	maxDedupeWindow = 500 * time.Millisecond

	// ridiculousNumberOfPackets is the queue depth that can only mean a
	// stuck consumer: ten seconds of maximum-rate bursts.
	ridiculousNumberOfPackets = 10 * (MaxBurstSize * int(time.Second/PacingInterval))
)

// DedupInfo parameterizes a retransmission request: packets resent within
// ResendInterval of their previous transmission are suppressed. The interval
// defaults to the current round-trip time.
type DedupInfo struct {
	ResendInterval        time.Duration
	LastByteAckedForAudio int64
}

// Transport is the datagram sink the pacer drains into. SendPacket returns
// false when the transport cannot accept more data; onUnblocked will then be
// invoked exactly once when sending may resume.
type Transport interface {
	SendPacket(addr string, p packet.Packet, onUnblocked func()) bool
	BytesSent() int64
}

// MulticastAddr is the logical address routed to the configured remote.
const MulticastAddr = "multicast"

// State is the pacer's drain state.
type State int

const (
	// Unblocked means packets flow as they are enqueued.
	Unblocked State = iota
	// TransportBlocked means the socket pushed back; draining resumes on
	// its completion callback.
	TransportBlocked
	// BurstFull means this burst window's quota is spent; draining
	// resumes at the window boundary.
	BurstFull
)

type packetType int

const (
	packetRTCP packetType = iota
	packetResend
	packetNormal
)

type addrKey struct {
	addr string
	key  packet.Key
}

func (a addrKey) less(b addrKey) bool {
	if a.addr != b.addr {
		return a.addr < b.addr
	}
	return a.key.Less(b.key)
}

type queueEntry struct {
	addrKey
	kind packetType
	pkt  packet.Packet
}

// packetQueue is an ordered mutable map keyed by (addr, packet key).
// Insertion with an existing key replaces the stored packet.
type packetQueue struct {
	entries []queueEntry
}

func (q *packetQueue) search(k addrKey) (int, bool) {
	lo, hi := 0, len(q.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if q.entries[mid].addrKey.less(k) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < len(q.entries) && q.entries[lo].addrKey == k
}

func (q *packetQueue) upsert(k addrKey, kind packetType, pkt packet.Packet) {
	i, found := q.search(k)
	if found {
		q.entries[i].kind = kind
		q.entries[i].pkt = pkt
		return
	}
	q.entries = append(q.entries, queueEntry{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = queueEntry{addrKey: k, kind: kind, pkt: pkt}
}

func (q *packetQueue) erase(k addrKey) {
	if i, found := q.search(k); found {
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
	}
}

func (q *packetQueue) popFront() queueEntry {
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e
}

func (q *packetQueue) len() int { return len(q.entries) }

type sendRecord struct {
	time                 time.Time
	lastByteSent         int64
	lastByteSentForAudio int64
}

// PacedSender drains two ordered packet lanes (priority, then normal) in
// 10 ms bursts. It is confined to the session's run loop; the transport's
// completion callback is trampolined back onto the loop.
type PacedSender struct {
	log       *slog.Logger
	clk       clock.Clock
	loop      *runloop.Loop
	transport Transport
	dispatch  *events.Dispatcher

	audioSSRC     uint32
	videoSSRC     uint32
	prioritySSRCs []uint32

	packetList   packetQueue
	priorityList packetQueue

	sendHistory       map[addrKey]sendRecord
	sendHistoryBuffer map[addrKey]sendRecord
	lastByteSent      map[uint32]int64

	currentMaxBurstSize  int
	nextMaxBurstSize     int
	nextNextMaxBurstSize int
	currentBurstSize     int

	burstEnd          time.Time
	state             State
	reachedUpperBound bool
}

// NewPacedSender returns a pacer sending through transport. If log is nil,
// slog.Default() is used.
func NewPacedSender(log *slog.Logger, clk clock.Clock, loop *runloop.Loop, transport Transport, dispatch *events.Dispatcher) *PacedSender {
	if log == nil {
		log = slog.Default()
	}
	return &PacedSender{
		log:                  log.With("component", "pacer"),
		clk:                  clk,
		loop:                 loop,
		transport:            transport,
		dispatch:             dispatch,
		sendHistory:          make(map[addrKey]sendRecord),
		sendHistoryBuffer:    make(map[addrKey]sendRecord),
		lastByteSent:         make(map[uint32]int64),
		currentMaxBurstSize:  TargetBurstSize,
		nextMaxBurstSize:     TargetBurstSize,
		nextNextMaxBurstSize: TargetBurstSize,
	}
}

// MakePacketKey builds the queue key for a packet.
func MakePacketKey(ticks time.Time, ssrc uint32, packetID uint16) packet.Key {
	return packet.Key{Ticks: ticks, SSRC: ssrc, PacketID: packetID}
}

// RegisterAudioSSRC tells the pacer which SSRC carries audio, for dedup
// bookkeeping.
func (s *PacedSender) RegisterAudioSSRC(ssrc uint32) { s.audioSSRC = ssrc }

// RegisterVideoSSRC tells the pacer which SSRC carries video.
func (s *PacedSender) RegisterVideoSSRC(ssrc uint32) { s.videoSSRC = ssrc }

// RegisterPrioritySSRC routes all packets of ssrc through the priority lane.
func (s *PacedSender) RegisterPrioritySSRC(ssrc uint32) {
	s.prioritySSRCs = append(s.prioritySSRCs, ssrc)
}

// LastByteSentForPacket returns the transport byte count recorded when the
// packet was last sent, or 0 if it has no history.
func (s *PacedSender) LastByteSentForPacket(key packet.Key) int64 {
	if rec, ok := s.sendHistory[addrKey{addr: MulticastAddr, key: key}]; ok {
		return rec.lastByteSent
	}
	return 0
}

// LastByteSentForSSRC returns the transport byte count when ssrc last sent.
func (s *PacedSender) LastByteSentForSSRC(ssrc uint32) int64 {
	return s.lastByteSent[ssrc]
}

// SendPackets enqueues freshly packetized packets and drains if unblocked.
// All packets of one call must share a priority class.
func (s *PacedSender) SendPackets(packets []packet.SendPacket) bool {
	if len(packets) == 0 {
		return true
	}
	highPriority := s.isHighPriority(packets[0].Key)
	for _, p := range packets {
		k := addrKey{addr: MulticastAddr, key: p.Key}
		if highPriority {
			s.priorityList.upsert(k, packetNormal, p.Packet)
		} else {
			s.packetList.upsert(k, packetNormal, p.Packet)
		}
	}
	if s.state == Unblocked {
		s.sendStoredPackets()
	}
	return true
}

// ShouldResend reports whether a retransmission of key to addr is allowed
// under the dedup rules at time now.
func (s *PacedSender) ShouldResend(addr string, key packet.Key, dedup DedupInfo, now time.Time) bool {
	rec, ok := s.sendHistory[addrKey{addr: addr, key: key}]
	if !ok {
		// No history of a previous transmission; it may simply have aged
		// out of the window.
		return true
	}
	return now.Sub(rec.time) >= dedup.ResendInterval
}

// ResendPackets enqueues retransmissions for addr, suppressing packets sent
// more recently than the dedup interval.
func (s *PacedSender) ResendPackets(addr string, packets []packet.SendPacket, dedup DedupInfo) bool {
	if len(packets) == 0 {
		return true
	}
	highPriority := s.isHighPriority(packets[0].Key)
	now := s.clk.Now()
	for _, p := range packets {
		k := addrKey{addr: addr, key: p.Key}
		if !s.ShouldResend(addr, p.Key, dedup, now) {
			s.logPacketEvent(p.Packet, events.PacketRTXRejected)
			s.log.Debug("suppressing retransmit inside dedup window",
				"addr", addr, "ssrc", p.Key.SSRC, "packet_id", p.Key.PacketID)
			continue
		}
		if highPriority {
			s.priorityList.upsert(k, packetResend, p.Packet)
		} else {
			s.packetList.upsert(k, packetResend, p.Packet)
		}
	}
	if s.state == Unblocked {
		s.sendStoredPackets()
	}
	return true
}

// SendRTCPPacket passes an RTCP packet straight through unless the transport
// is blocked, in which case it is queued with an always-first key so it
// preempts everything on resume.
func (s *PacedSender) SendRTCPPacket(ssrc uint32, p packet.Packet) bool {
	if s.state == TransportBlocked {
		k := addrKey{addr: MulticastAddr, key: MakePacketKey(time.Time{}, ssrc, 0)}
		s.priorityList.upsert(k, packetRTCP, p)
		return true
	}
	if !s.transport.SendPacket(MulticastAddr, p, s.onTransportUnblocked) {
		s.state = TransportBlocked
	}
	return true
}

// CancelSendingPacket removes a queued packet from both lanes. Send history
// is untouched so a later dedup decision still sees the transmission.
func (s *PacedSender) CancelSendingPacket(addr string, key packet.Key) {
	k := addrKey{addr: addr, key: key}
	s.packetList.erase(k)
	s.priorityList.erase(k)
}

// Size returns the number of queued packets across both lanes.
func (s *PacedSender) Size() int {
	return s.packetList.len() + s.priorityList.len()
}

func (s *PacedSender) empty() bool { return s.Size() == 0 }

func (s *PacedSender) isHighPriority(key packet.Key) bool {
	for _, ssrc := range s.prioritySSRCs {
		if ssrc == key.SSRC {
			return true
		}
	}
	return false
}

func (s *PacedSender) popNextPacket() queueEntry {
	if s.priorityList.len() > 0 {
		return s.priorityList.popFront()
	}
	return s.packetList.popFront()
}

func (s *PacedSender) onTransportUnblocked() {
	s.loop.Post(s.sendStoredPackets)
}

// sendStoredPackets drains queued packets. It runs on three triggers: an
// enqueue while unblocked, the transport's completion callback, and the
// delayed task armed when a burst fills.
func (s *PacedSender) sendStoredPackets() {
	previousState := s.state
	s.state = Unblocked
	if s.empty() {
		return
	}

	if s.Size() > ridiculousNumberOfPackets && !s.reachedUpperBound {
		s.reachedUpperBound = true
		s.log.Error("packet queue grew past any sane bound", "size", s.Size())
	}

	now := s.clk.Now()
	if !now.Before(s.burstEnd) || previousState == BurstFull {
		// Start a new burst. The queue is spread over the next three
		// bursts so the burst size grows monotonically as the queue
		// deepens, within [target, max].
		s.currentBurstSize = 0
		s.burstEnd = now.Add(PacingInterval)

		burst := s.Size() / maxBurstsPerFrame
		if burst < TargetBurstSize {
			burst = TargetBurstSize
		}
		if burst > MaxBurstSize {
			burst = MaxBurstSize
		}
		s.currentMaxBurstSize = max(s.nextMaxBurstSize, burst)
		s.nextMaxBurstSize = max(s.nextNextMaxBurstSize, burst)
		s.nextNextMaxBurstSize = burst
	}

	for !s.empty() {
		if s.currentBurstSize >= s.currentMaxBurstSize {
			s.state = BurstFull
			s.loop.PostDelayed(s.burstEnd.Sub(now), s.sendStoredPackets)
			return
		}

		entry := s.popNextPacket()
		switch entry.kind {
		case packetResend:
			s.logPacketEvent(entry.pkt, events.PacketRetransmitted)
		case packetNormal:
			s.logPacketEvent(entry.pkt, events.PacketSentToNetwork)
		}

		blocked := !s.transport.SendPacket(entry.addr, entry.pkt, s.onTransportUnblocked)

		rec := sendRecord{
			time:                 now,
			lastByteSent:         s.transport.BytesSent(),
			lastByteSentForAudio: s.lastByteSent[s.audioSSRC],
		}
		s.sendHistory[entry.addrKey] = rec
		s.sendHistoryBuffer[entry.addrKey] = rec
		s.lastByteSent[entry.key.SSRC] = rec.lastByteSent

		if blocked {
			s.state = TransportBlocked
			return
		}
		s.currentBurstSize++
	}

	// Double-buffer the history so dedup state spans roughly the dedup
	// window without growing unbounded.
	if len(s.sendHistoryBuffer) >= s.currentMaxBurstSize*int(maxDedupeWindow/PacingInterval) {
		s.sendHistory = s.sendHistoryBuffer
		s.sendHistoryBuffer = make(map[addrKey]sendRecord)
	}
	s.state = Unblocked
}

// logPacketEvent reconstructs the event fields from the raw packet bytes;
// the pacer deliberately does not retain parsed packet structures.
func (s *PacedSender) logPacketEvent(p packet.Packet, t events.PacketEventType) {
	if s.dispatch == nil || len(p) < 21 {
		return
	}
	e := &events.PacketEvent{
		Timestamp:    s.clk.Now(),
		Type:         t,
		RTPTimestamp: binary.BigEndian.Uint32(p[4:8]),
		PacketID:     binary.BigEndian.Uint16(p[17:19]),
		MaxPacketID:  binary.BigEndian.Uint16(p[19:21]),
		Size:         len(p),
	}
	switch ssrc := binary.BigEndian.Uint32(p[8:12]); ssrc {
	case s.audioSSRC:
		e.Media = events.AudioEvent
	case s.videoSSRC:
		e.Media = events.VideoEvent
	default:
		s.log.Debug("packet event for unknown ssrc", "ssrc", ssrc)
		return
	}
	s.dispatch.DispatchPacketEvent(e)
}
