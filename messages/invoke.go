package messages

import (
	"encoding/json"
	"errors"

	"github.com/eljojo/livesync/types"
)

// Invocation asks the owning process to run a named operation.
//
// Channel: live:invoke:{op}
// Flow: Caller → Owner
// Response: InvocationResult on ReplyTo
//
// Version History:
//
//	v1 (2026-10): Initial version
type Invocation struct {
	// ID correlates the result with this request (ULID)
	ID string `json:"id"`

	// ReplyTo is the channel the result must be emitted on
	ReplyTo types.Channel `json:"reply_to"`

	// Args is the JSON encoding of the operation arguments (may be null)
	Args json.RawMessage `json:"args,omitempty"`
}

// Validate checks if the payload is well-formed.
func (p *Invocation) Validate() error {
	if p.ID == "" {
		return errors.New("id required")
	}
	if p.ReplyTo == "" {
		return errors.New("reply_to required")
	}
	return nil
}

// InvocationResult carries the outcome of one Invocation.
//
// Channel: live:invoke:reply:{client_id}
// Flow: Owner → Caller (response to Invocation)
//
// Exactly one of Result or Error is meaningful: a non-empty Error means the
// operation failed and Result must be ignored.
//
// Version History:
//
//	v1 (2026-10): Initial version
type InvocationResult struct {
	// ID is echoed back from the Invocation for correlation
	ID string `json:"id"`

	// Result is the JSON encoding of the operation's return value
	Result json.RawMessage `json:"result,omitempty"`

	// Error explains why the operation failed
	Error string `json:"error,omitempty"`
}

// Validate checks if the payload is well-formed.
func (p *InvocationResult) Validate() error {
	if p.ID == "" {
		return errors.New("id required")
	}
	return nil
}
