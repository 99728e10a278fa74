package transport

import (
	"log/slog"
	"time"

	"github.com/sharecast/sharecast/internal/clock"
	"github.com/sharecast/sharecast/internal/events"
	"github.com/sharecast/sharecast/internal/pacing"
	"github.com/sharecast/sharecast/internal/packet"
	"github.com/sharecast/sharecast/internal/rtcp"
	"github.com/sharecast/sharecast/internal/rtp"
	"github.com/sharecast/sharecast/internal/runloop"
	"github.com/sharecast/sharecast/media"
)

// Sender composes the send-side transport for a session: one shared socket
// and pacer, plus an RTP sender and RTCP session per media stream (video
// today, audio symmetric when it lands).
//
//	Sender                      RTP                RTCP
//	--------------------------------------------------------
//	                    rtp.Sender (per stream)   rtcp.Session (per stream)
//	                              pacing.PacedSender (shared)
//	                              UDPTransport (shared)
type Sender struct {
	log  *slog.Logger
	clk  clock.Clock
	loop *runloop.Loop

	transport Socket
	pacer     *pacing.PacedSender

	validSSRCs map[uint32]struct{}

	videoSender *rtp.Sender
	videoRTCP   *rtcp.Session
}

// NewSender builds the shared transport machinery on top of an open socket.
// Inbound packets are posted onto the session loop. If log is nil,
// slog.Default() is used.
func NewSender(log *slog.Logger, clk clock.Clock, loop *runloop.Loop, dispatch *events.Dispatcher, transport Socket) *Sender {
	if log == nil {
		log = slog.Default()
	}
	s := &Sender{
		log:        log.With("component", "transport-sender"),
		clk:        clk,
		loop:       loop,
		transport:  transport,
		pacer:      pacing.NewPacedSender(log, clk, loop, transport, dispatch),
		validSSRCs: make(map[uint32]struct{}),
	}
	transport.StartReceiving(func(addr string, data []byte) {
		loop.Post(func() { s.onReceivedPacket(addr, data) })
	})
	return s
}

// Pacer exposes the shared paced sender.
func (s *Sender) Pacer() *pacing.PacedSender { return s.pacer }

// AddValidSSRC allows inbound RTCP from ssrc.
func (s *Sender) AddValidSSRC(ssrc uint32) {
	s.validSSRCs[ssrc] = struct{}{}
}

// InitializeVideo wires the video stream: its RTP sender, its RTCP session,
// and the retransmission path between them.
func (s *Sender) InitializeVideo(config rtp.SenderConfig, feedbackCb rtcp.FeedbackFunc, rttCb rtcp.RTTFunc) {
	s.videoSender = rtp.NewSender(s.log, s.pacer, config)

	s.videoRTCP = rtcp.NewSession(s.log, s.clk, s.pacer, config.SSRC, config.FeedbackSSRC,
		func(addr string, msg *rtcp.FeedbackMessage) {
			s.onReceivedCastMessage(config.SSRC, addr, feedbackCb, msg)
		}, rttCb)

	s.pacer.RegisterVideoSSRC(config.SSRC)
	s.AddValidSSRC(config.FeedbackSSRC)
}

// onReceivedPacket classifies an inbound datagram. Only RTCP from known
// feedback sources is expected on the sender's socket.
func (s *Sender) onReceivedPacket(addr string, data []byte) {
	if !rtcp.IsRTCPPacket(data) {
		s.log.Debug("dropping non-RTCP packet on sender socket")
		return
	}
	ssrc := rtcp.SenderSSRC(data)
	if _, ok := s.validSSRCs[ssrc]; !ok {
		s.log.Debug("dropping packet from unknown ssrc", "ssrc", ssrc)
		return
	}
	if s.videoRTCP != nil {
		s.videoRTCP.IncomingPacket(addr, data)
	}
}

// onReceivedCastMessage relays feedback upstream, retransmits whatever the
// receiver reported missing, and releases the acknowledged frame from
// storage.
func (s *Sender) onReceivedCastMessage(ssrc uint32, addr string, feedbackCb rtcp.FeedbackFunc, msg *rtcp.FeedbackMessage) {
	if feedbackCb != nil {
		feedbackCb(addr, msg)
	}

	var dedup pacing.DedupInfo
	if s.videoSender != nil && s.videoSender.SSRC() == ssrc {
		dedup.ResendInterval = s.videoRTCP.RoundTripTime()
		s.videoSender.ReleaseFrame(msg.AckFrameID)
	}

	if len(msg.MissingPackets) == 0 {
		return
	}
	s.ResendPackets(ssrc, addr, msg.MissingPackets, true, dedup)
}

// ResendPackets retransmits the requested packets of one stream.
func (s *Sender) ResendPackets(ssrc uint32, addr string, missing packet.MissingMap, cancelIfNotInList bool, dedup pacing.DedupInfo) {
	if s.videoSender != nil && s.videoSender.SSRC() == ssrc {
		s.videoSender.ResendPackets(addr, missing, cancelIfNotInList, dedup)
	}
}

// InsertFrame packetizes and enqueues one encoded frame of ssrc.
func (s *Sender) InsertFrame(ssrc uint32, frame *media.EncodedFrame) {
	if s.videoSender != nil && s.videoSender.SSRC() == ssrc {
		if err := s.videoSender.SendFrame(frame); err != nil {
			s.log.Error("failed to send frame", "frame_id", frame.FrameID, "error", err)
		}
	}
}

// SendSenderReport emits the stream's sender report through the pacer's
// priority path.
func (s *Sender) SendSenderReport(ssrc uint32, now time.Time, nowAsRTPTimestamp uint32) {
	if s.videoSender != nil && s.videoSender.SSRC() == ssrc {
		s.videoRTCP.SendFromSender(now, nowAsRTPTimestamp,
			s.videoSender.SendPacketCount(), s.videoSender.SendOctetCount())
	}
}

// SendSenderPauseResume emits the pause indication for ssrc.
func (s *Sender) SendSenderPauseResume(ssrc uint32, lastSentFrameID, pauseID uint32) {
	if s.videoSender != nil && s.videoSender.SSRC() == ssrc {
		s.videoRTCP.SendPauseResume(lastSentFrameID, pauseID)
	}
}

// ResendFrameForKickstart resends the last packet of frameID using the
// current round-trip time as the dedup window.
func (s *Sender) ResendFrameForKickstart(ssrc uint32, frameID uint32) {
	if s.videoSender != nil && s.videoSender.SSRC() == ssrc {
		s.videoSender.ResendFrameForKickstart(frameID, s.videoRTCP.RoundTripTime())
	}
}
