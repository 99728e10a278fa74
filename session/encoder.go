package session

import "github.com/sharecast/sharecast/internal/sender"

// The encoder is an external collaborator; these aliases make its boundary
// types nameable by code outside this module.

// RawVideoFrame is one uncompressed frame handed to an encoder.
type RawVideoFrame = sender.RawVideoFrame

// EncodingConfig is the tunable subset of encoder configuration.
type EncodingConfig = sender.EncodingConfig

// Encoder is the codec boundary a sender session drives.
type Encoder = sender.Encoder

// NewNopEncoder returns the passthrough encoder used by tests and by the
// hub when HubConfig.NewEncoder is nil.
func NewNopEncoder(keyInterval int) Encoder {
	return sender.NewNopEncoder(keyInterval)
}
