package session

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/sharecast/sharecast/internal/clock"
	"github.com/sharecast/sharecast/internal/sender"
	"github.com/sharecast/sharecast/media"
)

// Command is one control-plane request. Payload shape depends on Cmd.
type Command struct {
	Cmd     string          `json:"cmd"`
	CmdID   int             `json:"cmd_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply echoes a command's id with its outcome.
type Reply struct {
	CmdID   int  `json:"cmd_id"`
	Success bool `json:"success"`
	Payload any  `json:"payload,omitempty"`
}

// Control-plane payloads.
type startSharerPayload struct {
	IP      string  `json:"ip"`
	Port    int     `json:"port"`
	Bitrate int     `json:"bitrate"`
	FPS     float64 `json:"fps"`
}

type sharerIDPayload struct {
	SharerID int `json:"sharer_id"`
}

type changeEncodingPayload struct {
	SharerID int     `json:"sharer_id"`
	Bitrate  int     `json:"bitrate"`
	FPS      float64 `json:"fps"`
}

// HubConfig supplies the external collaborators command handling needs.
type HubConfig struct {
	// NewEncoder builds the codec for a new sender session.
	NewEncoder func(config SenderConfig) sender.Encoder

	// NewTrackSource binds a video track for setSharerTracks.
	NewTrackSource func(sharerID int) (TrackSource, error)

	// ReceiverNet configures where startReceiver listens.
	ReceiverNet ReceiverNetConfig

	// OnFrame receives the receiver's playout output.
	OnFrame func(frameID uint32, size int)
}

// Hub dispatches control-plane commands onto sessions.
type Hub struct {
	log *slog.Logger
	clk clock.Clock
	ctx context.Context

	config   HubConfig
	registry *Registry
	receiver *Receiver
}

// NewHub returns a command dispatcher. Sessions it starts live within ctx.
// If log is nil, slog.Default() is used.
func NewHub(ctx context.Context, log *slog.Logger, config HubConfig) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log.With("component", "hub"),
		clk:      clock.System(),
		ctx:      ctx,
		config:   config,
		registry: NewRegistry(log),
	}
}

// Registry exposes the sharer registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Dispatch executes one command and returns its reply. Unknown commands and
// malformed payloads fail the reply; they never fail the engine.
func (h *Hub) Dispatch(cmd Command) Reply {
	switch cmd.Cmd {
	case "startReceiver":
		return h.startReceiver(cmd)
	case "stopReceiver":
		return h.stopReceiver(cmd)
	case "startSharer":
		return h.startSharer(cmd)
	case "stopSharer":
		return h.stopSharer(cmd)
	case "setSharerTracks":
		return h.setSharerTracks(cmd)
	case "changeEncoding":
		return h.changeEncoding(cmd)
	default:
		h.log.Warn("unknown command", "cmd", cmd.Cmd, "cmd_id", cmd.CmdID)
		return Reply{CmdID: cmd.CmdID, Success: false}
	}
}

func (h *Hub) startReceiver(cmd Command) Reply {
	if h.receiver != nil {
		return Reply{CmdID: cmd.CmdID, Success: true}
	}
	r, err := NewReceiver(h.log, h.config.ReceiverNet, DefaultVideoReceiverConfig())
	if err != nil {
		h.log.Error("failed to start receiver", "error", err)
		return Reply{CmdID: cmd.CmdID, Success: false}
	}
	h.receiver = r
	go r.Run(h.ctx)

	onFrame := h.config.OnFrame
	r.Play(func(frame *media.EncodedFrame) {
		if onFrame != nil {
			onFrame(frame.FrameID, len(frame.Data))
		}
	})
	return Reply{CmdID: cmd.CmdID, Success: true}
}

func (h *Hub) stopReceiver(cmd Command) Reply {
	if h.receiver != nil {
		h.receiver.Stop()
		h.receiver = nil
	}
	return Reply{CmdID: cmd.CmdID, Success: true}
}

func (h *Hub) startSharer(cmd Command) Reply {
	var payload startSharerPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil || payload.IP == "" {
		h.log.Error("bad startSharer payload", "error", err)
		return Reply{CmdID: cmd.CmdID, Success: false}
	}
	if payload.Port == 0 {
		payload.Port = 5004
	}

	config := SenderConfig{
		InitialBitrate: payload.Bitrate,
		FrameRate:      payload.FPS,
		RemoteAddress:  payload.IP,
		RemotePort:     payload.Port,
	}

	id := h.registry.NextID()
	var encoder sender.Encoder
	if h.config.NewEncoder != nil {
		encoder = h.config.NewEncoder(config)
	} else {
		encoder = sender.NewNopEncoder(30)
	}

	s, err := NewSharerSender(h.log, id, config, encoder)
	if err != nil {
		h.log.Error("failed to start sharer", "error", err)
		return Reply{CmdID: cmd.CmdID, Success: false}
	}
	h.registry.Add(s)
	go s.Run(h.ctx)

	return Reply{CmdID: cmd.CmdID, Success: true, Payload: sharerIDPayload{SharerID: id}}
}

func (h *Hub) stopSharer(cmd Command) Reply {
	var payload sharerIDPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return Reply{CmdID: cmd.CmdID, Success: false}
	}
	s, ok := h.registry.Remove(payload.SharerID)
	if !ok {
		return Reply{CmdID: cmd.CmdID, Success: false}
	}
	s.Stop()
	return Reply{CmdID: cmd.CmdID, Success: true}
}

func (h *Hub) setSharerTracks(cmd Command) Reply {
	var payload sharerIDPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return Reply{CmdID: cmd.CmdID, Success: false}
	}
	s, ok := h.registry.Get(payload.SharerID)
	if !ok || h.config.NewTrackSource == nil {
		return Reply{CmdID: cmd.CmdID, Success: false}
	}
	track, err := h.config.NewTrackSource(payload.SharerID)
	if err != nil {
		h.log.Error("failed to bind track", "sharer_id", payload.SharerID, "error", err)
		return Reply{CmdID: cmd.CmdID, Success: false}
	}
	s.SetTrack(track)
	return Reply{CmdID: cmd.CmdID, Success: true}
}

func (h *Hub) changeEncoding(cmd Command) Reply {
	var payload changeEncodingPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return Reply{CmdID: cmd.CmdID, Success: false}
	}
	s, ok := h.registry.Get(payload.SharerID)
	if !ok {
		return Reply{CmdID: cmd.CmdID, Success: false}
	}
	s.ChangeEncoding(sender.EncodingConfig{Bitrate: payload.Bitrate, FrameRate: payload.FPS})
	return Reply{CmdID: cmd.CmdID, Success: true}
}
