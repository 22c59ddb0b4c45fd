package messages

import (
	"errors"

	"github.com/eljojo/livesync/types"
)

// Frame wraps one channel message for the websocket transport.
//
// Flow: both directions over a single websocket connection
//
// Version History:
//
//	v1 (2026-10): Initial version
type Frame struct {
	Channel types.Channel `json:"channel"`
	Payload []byte        `json:"payload,omitempty"`
}

// Validate checks if the payload is well-formed.
func (f *Frame) Validate() error {
	if f.Channel == "" {
		return errors.New("channel required")
	}
	return nil
}
