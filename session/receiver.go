package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sharecast/sharecast/internal/clock"
	"github.com/sharecast/sharecast/internal/pacing"
	"github.com/sharecast/sharecast/internal/packet"
	"github.com/sharecast/sharecast/internal/receiver"
	"github.com/sharecast/sharecast/internal/rtcp"
	"github.com/sharecast/sharecast/internal/rtp"
	"github.com/sharecast/sharecast/internal/runloop"
	"github.com/sharecast/sharecast/internal/transport"
	"github.com/sharecast/sharecast/media"
)

// directRTCPSender sends receiver reports straight out of the socket toward
// the media source; they must never wait behind media bursts.
type directRTCPSender struct {
	udp transport.Socket
}

func (d *directRTCPSender) SendRTCPPacket(ssrc uint32, p packet.Packet) bool {
	return d.udp.SendPacket(pacing.MulticastAddr, p, nil)
}

// Receiver is one receiving session: the socket, the per-stream frame
// receivers, and the packet classification between them.
type Receiver struct {
	log  *slog.Logger
	clk  clock.Clock
	loop *runloop.Loop

	udp   transport.Socket
	video *receiver.FrameReceiver

	videoSSRC uint32
	audioSSRC uint32

	cancel context.CancelFunc
}

// NewReceiver builds a receiver session listening on netConfig. If log is
// nil, slog.Default() is used.
func NewReceiver(log *slog.Logger, netConfig ReceiverNetConfig, videoConfig receiver.Config) (*Receiver, error) {
	if log == nil {
		log = slog.Default()
	}
	clk := clock.System()

	udp, err := transport.NewUDPTransport(log, fmt.Sprintf("%s:%d", netConfig.Address, netConfig.Port), "", 0)
	if err != nil {
		return nil, fmt.Errorf("receiver: %w", err)
	}

	r := &Receiver{
		log:       log.With("component", "receiver"),
		clk:       clk,
		loop:      runloop.New(),
		udp:       udp,
		videoSSRC: videoConfig.SenderSSRC,
		audioSSRC: DefaultAudioReceiverConfig().SenderSSRC,
	}
	r.video = receiver.NewFrameReceiver(log, clk, r.loop, videoConfig, &directRTCPSender{udp: udp})
	r.video.SetOnNetworkTimeout(func() {
		// A multicast deployment would re-join its group here; a
		// unicast socket has nothing to re-kick, so just surface the
		// outage.
		r.log.Warn("network timeout: no packets from sender")
	})

	udp.StartReceiving(func(addr string, data []byte) {
		r.loop.Post(func() { r.processPacket(addr, data) })
	})
	return r, nil
}

// LocalAddr returns the bound listening address.
func (r *Receiver) LocalAddr() string { return r.udp.LocalAddr() }

// Run drives the session until ctx is cancelled.
func (r *Receiver) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	err := r.loop.Run(ctx)
	r.udp.Close()
	if err == context.Canceled {
		return nil
	}
	return err
}

// Stop ends the session.
func (r *Receiver) Stop() {
	r.loop.Post(r.video.FlushFrames)
	if r.cancel != nil {
		r.cancel()
	}
}

// GetNextFrame requests one playable frame. The callback runs on the
// session loop at the frame's emission.
func (r *Receiver) GetNextFrame(cb receiver.FrameCallback) {
	r.loop.Post(func() { r.video.RequestEncodedFrame(cb) })
}

// Play keeps a standing request open: every delivered frame goes to cb and
// immediately re-requests the next one.
func (r *Receiver) Play(cb receiver.FrameCallback) {
	var again receiver.FrameCallback
	again = func(frame *media.EncodedFrame) {
		cb(frame)
		r.video.RequestEncodedFrame(again)
	}
	r.GetNextFrame(again)
}

// processPacket classifies one datagram and routes it to its stream.
func (r *Receiver) processPacket(addr string, data []byte) {
	if rtcp.IsRTCPPacket(data) {
		r.video.ProcessRTCP(addr, data)
		return
	}

	pkt, err := rtp.ParsePacket(data)
	if err != nil {
		r.log.Debug("dropping unparseable packet", "error", err)
		return
	}
	switch pkt.SSRC {
	case r.videoSSRC:
		r.video.ProcessRTP(pkt)
	case r.audioSSRC:
		// Audio is declared but its receive path is not built yet.
	default:
		r.log.Debug("packet from unknown source", "ssrc", pkt.SSRC)
	}
}
