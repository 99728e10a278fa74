package receiver

import (
	"time"

	"github.com/sharecast/sharecast/internal/clock"
	"github.com/sharecast/sharecast/internal/packet"
	"github.com/sharecast/sharecast/internal/rtcp"
	"github.com/sharecast/sharecast/media"
)

const (
	// FeedbackUpdateInterval is the cadence at which feedback messages
	// may be (re)built.
	FeedbackUpdateInterval = 33 * time.Millisecond

	// nackRepeatInterval keeps per-frame NACKs at least this far apart so
	// a slow retransmission does not trigger a feedback storm.
	nackRepeatInterval = 30 * time.Millisecond
)

// FeedbackSink consumes the Cast feedback messages the builder produces.
type FeedbackSink interface {
	CastFeedback(msg *rtcp.FeedbackMessage)
}

// FeedbackBuilder turns the framer's missing-packet state into Cast ACK/NACK
// messages on a fixed cadence, with per-frame NACK rate limiting.
type FeedbackBuilder struct {
	clk       clock.Clock
	sink      FeedbackSink
	framer    *Framer
	mediaSSRC uint32

	msg                  *rtcp.FeedbackMessage
	lastUpdateTime       time.Time
	timeLastNacked       map[uint32]time.Time
	lastCompletedFrameID uint32
	keyFrameRequested    bool
}

// NewFeedbackBuilder wires a builder to its framer and sink.
func NewFeedbackBuilder(clk clock.Clock, sink FeedbackSink, framer *Framer, mediaSSRC uint32) *FeedbackBuilder {
	b := &FeedbackBuilder{
		clk:                  clk,
		sink:                 sink,
		framer:               framer,
		mediaSSRC:            mediaSSRC,
		msg:                  rtcp.NewFeedbackMessage(mediaSSRC),
		timeLastNacked:       make(map[uint32]time.Time),
		lastCompletedFrameID: media.StartFrameID,
	}
	b.msg.AckFrameID = media.StartFrameID
	return b
}

// CompleteFrameReceived records a newly completed frame as the ACK point and
// clears the missing state accumulated behind it.
func (b *FeedbackBuilder) CompleteFrameReceived(frameID uint32) {
	if b.lastUpdateTime.IsZero() {
		b.lastUpdateTime = b.clk.Now()
	}
	if b.lastCompletedFrameID == frameID {
		return
	}

	delete(b.timeLastNacked, frameID)

	b.lastCompletedFrameID = frameID
	b.msg.AckFrameID = frameID
	b.msg.MissingPackets = make(packet.MissingMap)
	b.lastUpdateTime = b.clk.Now()
}

// TimeToSendNextMessage returns the next instant a feedback message may be
// built, or false when no packet has been seen yet.
func (b *FeedbackBuilder) TimeToSendNextMessage() (time.Time, bool) {
	if b.lastUpdateTime.IsZero() && b.framer.Empty() {
		return time.Time{}, false
	}
	return b.lastUpdateTime.Add(FeedbackUpdateInterval), true
}

// UpdateMessage rebuilds the NACK list and, when anything is missing, hands
// the message to the sink.
func (b *FeedbackBuilder) UpdateMessage() {
	msg, ok := b.buildMessage()
	if !ok {
		return
	}
	// No feedback is sent while nothing is missing.
	if len(msg.MissingPackets) == 0 && !msg.RequestKeyFrame {
		return
	}
	b.sink.CastFeedback(msg)
}

// Reset clears the NACK bookkeeping but keeps the ACK point.
func (b *FeedbackBuilder) Reset() {
	b.msg.MissingPackets = make(packet.MissingMap)
	b.timeLastNacked = make(map[uint32]time.Time)
}

// ResetTo clears the bookkeeping and moves the ACK point to frameID.
func (b *FeedbackBuilder) ResetTo(frameID uint32) {
	b.msg.AckFrameID = frameID
	b.msg.MissingPackets = make(packet.MissingMap)
	b.timeLastNacked = make(map[uint32]time.Time)
}

func (b *FeedbackBuilder) buildMessage() (*rtcp.FeedbackMessage, bool) {
	if b.lastUpdateTime.IsZero() {
		if !b.framer.Empty() {
			// Packets have arrived; start the cadence now.
			b.lastUpdateTime = b.clk.Now()
		}
		return nil, false
	}
	now := b.clk.Now()
	if now.Sub(b.lastUpdateTime) < FeedbackUpdateInterval {
		return nil, false
	}
	b.lastUpdateTime = now

	b.buildPacketList(now)

	msg := &rtcp.FeedbackMessage{
		MediaSSRC:       b.msg.MediaSSRC,
		AckFrameID:      b.msg.AckFrameID,
		RequestKeyFrame: b.msg.RequestKeyFrame,
		MissingPackets:  make(packet.MissingMap, len(b.msg.MissingPackets)),
	}
	for frameID, set := range b.msg.MissingPackets {
		msg.MissingPackets[frameID] = set
	}
	return msg, true
}

// buildPacketList walks every frame past the ACK point and records what is
// missing: the per-frame gaps when the frame is known, the whole frame when
// it is not. Frames NACKed less than nackRepeatInterval ago are skipped.
func (b *FeedbackBuilder) buildPacketList(now time.Time) {
	b.msg.MissingPackets = make(packet.MissingMap)

	if b.framer.Empty() {
		return
	}

	if b.framer.IsWaitingForKey() {
		// One request per waiting episode; the repeat would only add
		// noise while the sender's key frame is in flight.
		b.msg.RequestKeyFrame = !b.keyFrameRequested
		b.keyFrameRequested = true
		return
	}
	b.msg.RequestKeyFrame = false
	b.keyFrameRequested = false

	newestFrameID := b.framer.NewestFrameID()
	for next := b.msg.AckFrameID + 1; !media.IsNewerFrameID(next, newestFrameID); next++ {
		if nacked, ok := b.timeLastNacked[next]; ok && now.Sub(nacked) < nackRepeatInterval {
			continue
		}

		missing := make(packet.IDSet)
		if b.framer.FrameExists(next) {
			lastFrame := newestFrameID == next
			b.framer.GetMissingPackets(next, lastFrame, missing)
			if len(missing) > 0 {
				b.timeLastNacked[next] = now
				b.msg.MissingPackets[next] = missing
			}
		} else {
			b.timeLastNacked[next] = now
			missing.Add(packet.AllPacketsLost)
			b.msg.MissingPackets[next] = missing
		}
	}
}
