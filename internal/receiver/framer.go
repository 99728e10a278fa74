package receiver

import (
	"log/slog"
	"sort"
	"time"

	"github.com/sharecast/sharecast/internal/clock"
	"github.com/sharecast/sharecast/internal/packet"
	"github.com/sharecast/sharecast/internal/rtp"
	"github.com/sharecast/sharecast/media"
)

// oldFrameThreshold is how far the newest frame may run ahead of the last
// released frame before the framer gives up on the gap and demands a key
// frame.
const oldFrameThreshold = 120

// Framer orders incoming packets into frames and decides which complete
// frame to hand to the decoder next. It drives the feedback builder that
// turns its missing-packet state into Cast NACK messages.
type Framer struct {
	log *slog.Logger
	clk clock.Clock

	decoderFasterThanMaxFrameRate bool

	frames     map[uint32]*FrameBuffer
	msgBuilder *FeedbackBuilder

	waitingForKey        bool
	lastReleasedFrame    uint32
	lastKeyFrameReceived uint32
	newestFrameID        uint32
}

// NewFramer returns a framer for one media stream. feedback receives the
// generated Cast messages. If log is nil, slog.Default() is used.
func NewFramer(log *slog.Logger, clk clock.Clock, feedback FeedbackSink, ssrc uint32, decoderFasterThanMaxFrameRate bool) *Framer {
	if log == nil {
		log = slog.Default()
	}
	f := &Framer{
		log:                           log.With("component", "framer", "ssrc", ssrc),
		clk:                           clk,
		decoderFasterThanMaxFrameRate: decoderFasterThanMaxFrameRate,
		frames:                        make(map[uint32]*FrameBuffer),
		waitingForKey:                 true,
		lastReleasedFrame:             media.StartFrameID,
		lastKeyFrameReceived:          media.StartFrameID,
		newestFrameID:                 media.StartFrameID,
	}
	f.msgBuilder = NewFeedbackBuilder(clk, feedback, f, ssrc)
	return f
}

// sortedFrameIDs returns the buffered frame ids in ascending order.
func (f *Framer) sortedFrameIDs() []uint32 {
	ids := make([]uint32, 0, len(f.frames))
	for id := range f.frames {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// InsertPacket stores one parsed packet. It returns whether the packet's
// frame became complete and whether the packet was a duplicate.
func (f *Framer) InsertPacket(pkt *rtp.Packet) (complete, duplicate bool) {
	frameID := pkt.FrameID

	if media.IsOlderFrameID(f.lastReleasedFrame+oldFrameThreshold, frameID) {
		// The stream ran too far ahead of what we managed to release.
		// Either a key frame within the window saves us, or we must wait
		// for a fresh one.
		if media.IsOlderFrameID(f.lastKeyFrameReceived+oldFrameThreshold, frameID) {
			f.waitingForKey = true
		} else {
			f.lastReleasedFrame = f.lastKeyFrameReceived
			f.msgBuilder.ResetTo(f.lastReleasedFrame)
		}
	}

	if pkt.IsKeyFrame {
		if media.IsNewerFrameID(frameID, f.lastKeyFrameReceived) {
			f.lastKeyFrameReceived = frameID
		}
		if f.waitingForKey {
			f.waitingForKey = false
			f.lastReleasedFrame = frameID - 1
			f.msgBuilder.ResetTo(f.lastReleasedFrame)
		}
	}

	if media.IsOlderFrameID(frameID, f.lastReleasedFrame) && !f.waitingForKey {
		// Packet is too old.
		return false, false
	}

	if media.IsNewerFrameID(frameID, f.newestFrameID) {
		f.newestFrameID = frameID
	}

	buffer, ok := f.frames[frameID]
	if !ok {
		buffer = NewFrameBuffer()
		f.frames[frameID] = buffer
	}

	if !buffer.InsertPacket(pkt) {
		f.log.Debug("duplicate packet ignored", "frame_id", frameID, "packet_id", pkt.PacketID)
		return false, true
	}
	return buffer.Complete(), false
}

// GetEncodedFrame returns the next frame to hand to the decoder: the
// strictly consecutive frame when available, otherwise (if the decoder can
// outpace the frame rate) the oldest complete decodable frame. nextFrame
// reports whether the result is the consecutive one.
func (f *Framer) GetEncodedFrame() (frame *media.EncodedFrame, nextFrame, multipleDecodable bool, ok bool) {
	multipleDecodable = f.HaveMultipleDecodableFrames()

	var frameID uint32
	if id, found := f.NextContinuousFrame(); found {
		frameID = id
		nextFrame = true
	} else {
		if !f.decoderFasterThanMaxFrameRate {
			return nil, false, multipleDecodable, false
		}
		id, found := f.NextFrameAllowingSkippingFrames()
		if !found {
			return nil, false, multipleDecodable, false
		}
		frameID = id
	}

	buffer, found := f.frames[frameID]
	if !found {
		return nil, false, multipleDecodable, false
	}
	frame, ok = buffer.AssembleEncodedFrame()
	return frame, nextFrame, multipleDecodable, ok
}

// Empty reports whether no frames are buffered.
func (f *Framer) Empty() bool { return len(f.frames) == 0 }

// FrameExists reports whether any packet of frameID has arrived.
func (f *Framer) FrameExists(frameID uint32) bool {
	_, ok := f.frames[frameID]
	return ok
}

// NewestFrameID returns the newest frame id seen.
func (f *Framer) NewestFrameID() uint32 { return f.newestFrameID }

// IsWaitingForKey reports whether the framer needs a key frame to proceed.
func (f *Framer) IsWaitingForKey() bool { return f.waitingForKey }

// NumberOfCompleteFrames counts the buffered complete frames.
func (f *Framer) NumberOfCompleteFrames() int {
	count := 0
	for _, buffer := range f.frames {
		if buffer.Complete() {
			count++
		}
	}
	return count
}

// GetMissingPackets adds frameID's missing packets to missing.
func (f *Framer) GetMissingPackets(frameID uint32, lastFrame bool, missing packet.IDSet) {
	if buffer, ok := f.frames[frameID]; ok {
		buffer.MissingPackets(lastFrame, missing)
	}
}

// NextContinuousFrame finds the complete frame that directly follows the
// last released one.
func (f *Framer) NextContinuousFrame() (uint32, bool) {
	for _, id := range f.sortedFrameIDs() {
		buffer := f.frames[id]
		if buffer.Complete() && f.continuousFrame(buffer) {
			return id, true
		}
	}
	return 0, false
}

// HaveMultipleDecodableFrames reports whether more than one buffered frame
// is complete and decodable.
func (f *Framer) HaveMultipleDecodableFrames() bool {
	foundOne := false
	for _, buffer := range f.frames {
		if buffer.Complete() && f.decodableFrame(buffer) {
			if foundOne {
				return true
			}
			foundOne = true
		}
	}
	return false
}

// NextFrameAllowingSkippingFrames finds the oldest complete decodable frame.
func (f *Framer) NextFrameAllowingSkippingFrames() (uint32, bool) {
	found := false
	var best uint32
	for _, id := range f.sortedFrameIDs() {
		buffer := f.frames[id]
		if buffer.Complete() && f.decodableFrame(buffer) {
			if !found || media.IsOlderFrameID(id, best) {
				best = id
				found = true
			}
		}
	}
	return best, found
}

// AckFrame records a completed frame for the feedback builder.
func (f *Framer) AckFrame(frameID uint32) {
	f.msgBuilder.CompleteFrameReceived(frameID)
}

// ReleaseFrame evicts frameID and everything older. If older frames were
// skipped, the feedback state is rebuilt immediately.
func (f *Framer) ReleaseFrame(frameID uint32) {
	delete(f.frames, frameID)

	skippedOldFrame := false
	for id := range f.frames {
		if media.IsOlderFrameID(id, frameID) {
			delete(f.frames, id)
			skippedOldFrame = true
		}
	}

	f.lastReleasedFrame = frameID

	if skippedOldFrame {
		f.msgBuilder.UpdateMessage()
	}
}

// Reset returns the framer to its initial waiting-for-key state.
func (f *Framer) Reset() {
	f.waitingForKey = true
	f.lastReleasedFrame = media.StartFrameID
	f.newestFrameID = media.StartFrameID
	f.frames = make(map[uint32]*FrameBuffer)
	f.msgBuilder.Reset()
}

// TimeToSendNextFeedback returns when the next feedback message is due.
func (f *Framer) TimeToSendNextFeedback() (time.Time, bool) {
	return f.msgBuilder.TimeToSendNextMessage()
}

// SendFeedback builds and emits the feedback message if anything is missing.
func (f *Framer) SendFeedback() {
	f.msgBuilder.UpdateMessage()
}

// ResetFeedbackBuilder clears feedback state at the last released frame.
// Used when the sender signals a pause.
func (f *Framer) ResetFeedbackBuilder() {
	f.msgBuilder.ResetTo(f.lastReleasedFrame)
}

func (f *Framer) continuousFrame(buffer *FrameBuffer) bool {
	if f.waitingForKey && !buffer.IsKeyFrame() {
		return false
	}
	return f.lastReleasedFrame+1 == buffer.FrameID()
}

// decodableFrame reports whether the decoder could consume the frame right
// now: key frames always, self-referencing frames, and frames whose
// reference has already been released.
func (f *Framer) decodableFrame(buffer *FrameBuffer) bool {
	if buffer.IsKeyFrame() {
		return true
	}
	if f.waitingForKey {
		return false
	}
	if buffer.ReferencedFrameID() == buffer.FrameID() {
		return true
	}
	if media.IsOlderFrameID(buffer.ReferencedFrameID(), f.lastReleasedFrame) {
		return true
	}
	return buffer.ReferencedFrameID() == f.lastReleasedFrame
}
