// Package session is the engine's facade: it owns the lifecycle of sender
// and receiver sessions, the registry addressing senders by sharer id, and
// the control-plane command dispatch.
package session

import (
	"time"

	"github.com/sharecast/sharecast/internal/receiver"
	"github.com/sharecast/sharecast/media"
)

// SenderConfig parameterizes one sender session.
type SenderConfig struct {
	InitialBitrate int     `json:"bitrate"`
	FrameRate      float64 `json:"fps"`

	RemoteAddress string `json:"ip"`
	RemotePort    int    `json:"port"`
	Multicast     bool   `json:"multicast"`

	MinPlayoutDelay time.Duration `json:"-"`
	MaxPlayoutDelay time.Duration `json:"-"`
}

// ReceiverNetConfig is where a receiver session listens.
type ReceiverNetConfig struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// DefaultReceiverNetConfig listens on the conventional media port.
func DefaultReceiverNetConfig() ReceiverNetConfig {
	return ReceiverNetConfig{Address: "0.0.0.0", Port: 5004}
}

// DefaultVideoReceiverConfig returns the video stream's receiving
// parameters.
func DefaultVideoReceiverConfig() receiver.Config {
	return receiver.Config{
		ReceiverSSRC:    12,
		SenderSSRC:      11,
		RTPMaxDelayMS:   100,
		TargetFrameRate: 30,
		RTPTimebase:     media.VideoTimebase,
	}
}

// DefaultAudioReceiverConfig is the symmetric audio placeholder; the audio
// path itself is not constructed yet.
func DefaultAudioReceiverConfig() receiver.Config {
	return receiver.Config{
		ReceiverSSRC:    2,
		SenderSSRC:      1,
		RTPMaxDelayMS:   100,
		TargetFrameRate: 100,
		RTPTimebase:     48000,
	}
}
