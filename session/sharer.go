package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sharecast/sharecast/internal/clock"
	"github.com/sharecast/sharecast/internal/events"
	"github.com/sharecast/sharecast/internal/rtcp"
	"github.com/sharecast/sharecast/internal/rtp"
	"github.com/sharecast/sharecast/internal/runloop"
	"github.com/sharecast/sharecast/internal/sender"
	"github.com/sharecast/sharecast/internal/transport"
)

// reportInterval is how often a sender session logs its traffic counters.
const reportInterval = 5 * time.Second

// TrackSource produces the raw frames of a bound video track. The source
// owns its producer goroutine; Close stops it and closes Frames.
type TrackSource interface {
	Frames() <-chan sender.RawVideoFrame
	Close()
}

// SharerSender is one sending session: socket, pacer, RTP/RTCP machinery,
// and the video sender, all confined to the session's run loop.
type SharerSender struct {
	log *slog.Logger
	clk clock.Clock
	id  int

	loop     *runloop.Loop
	dispatch *events.Dispatcher
	stats    *events.Stats

	udp       *transport.UDPTransport
	transport *transport.Sender
	video     *sender.VideoSender

	track  TrackSource
	cancel context.CancelFunc
}

// NewSharerSender builds a sender session toward the configured remote.
// The encoder is the external codec boundary. If log is nil,
// slog.Default() is used.
func NewSharerSender(log *slog.Logger, id int, config SenderConfig, encoder sender.Encoder) (*SharerSender, error) {
	if log == nil {
		log = slog.Default()
	}
	clk := clock.System()
	log = log.With("sharer_id", id)

	if config.RemoteAddress == "" {
		return nil, fmt.Errorf("sharer %d: remote address missing", id)
	}

	udp, err := transport.NewUDPTransport(log, ":0", config.RemoteAddress, config.RemotePort)
	if err != nil {
		return nil, fmt.Errorf("sharer %d: %w", id, err)
	}

	s := &SharerSender{
		log:      log.With("component", "sharer-sender"),
		clk:      clk,
		id:       id,
		loop:     runloop.New(),
		dispatch: events.NewDispatcher(),
		stats:    events.NewStats(),
		udp:      udp,
	}
	s.dispatch.Subscribe(s.stats)

	s.transport = transport.NewSender(log, clk, s.loop, s.dispatch, udp)
	s.transport.InitializeVideo(
		rtp.SenderConfig{
			SSRC:         sender.VideoSSRC,
			FeedbackSSRC: sender.VideoFeedbackSSRC,
			PayloadType:  rtp.VideoPayloadType,
		},
		func(addr string, msg *rtcp.FeedbackMessage) { s.video.OnReceivedCastFeedback(msg) },
		func(rtt time.Duration) { s.video.OnMeasuredRoundTripTime(rtt) },
	)

	s.video = sender.NewVideoSender(log, clk, s.loop, s.transport,
		sender.Config{
			InitialBitrate:  config.InitialBitrate,
			FrameRate:       config.FrameRate,
			MinPlayoutDelay: config.MinPlayoutDelay,
			MaxPlayoutDelay: config.MaxPlayoutDelay,
		},
		encoder,
		func(newDelay time.Duration) {
			s.loop.Post(func() { s.video.SetTargetPlayoutDelay(newDelay) })
		},
	)

	return s, nil
}

// ID returns the sharer id.
func (s *SharerSender) ID() int { return s.id }

// Run drives the session until ctx is cancelled.
func (s *SharerSender) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loop.Run(ctx) })

	s.loop.PostDelayed(reportInterval, s.reportStats)

	err := g.Wait()
	s.udp.Close()
	if err == context.Canceled {
		return nil
	}
	return err
}

// Stop ends the session.
func (s *SharerSender) Stop() {
	s.StopTrack()
	s.loop.Post(func() { s.video.StopSending() })
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *SharerSender) reportStats() {
	snap := s.stats.Snapshot()
	s.stats.Reset()
	s.log.Info("traffic report",
		"packets_sent", snap.PacketsSent,
		"packets_retransmitted", snap.PacketsRetransmitted,
		"packets_rejected", snap.PacketsRejected)
	s.loop.PostDelayed(reportInterval, s.reportStats)
}

// SetTrack binds a video track source and starts pumping its frames
// through admission into the encoder. Any previous track is closed first.
func (s *SharerSender) SetTrack(track TrackSource) {
	s.StopTrack()
	s.track = track
	s.video.StartSending()

	go func() {
		for raw := range track.Frames() {
			raw := raw
			s.loop.Post(func() { s.video.InsertRawVideoFrame(raw) })
		}
	}()
}

// StopTrack unbinds the current track source.
func (s *SharerSender) StopTrack() {
	if s.track != nil {
		s.track.Close()
		s.track = nil
	}
}

// ChangeEncoding updates the encoder's bitrate and frame rate.
func (s *SharerSender) ChangeEncoding(config sender.EncodingConfig) {
	s.loop.Post(func() { s.video.ChangeEncoding(config) })
}

// StatsSnapshot returns the current traffic counters. Main-loop callers
// only; no control-plane command reports them.
func (s *SharerSender) StatsSnapshot() events.Snapshot {
	return s.stats.Snapshot()
}
