// Package messages contains all livesync wire payload types.
//
// This is the single source of truth for everything that crosses the
// transport besides raw object snapshots (those are the owner's own JSON
// encoding of the guarded value).
//
// # Structure
//
//   - discovery.go: Known-object queries
//   - invoke.go: Remote operation invocation envelopes
//   - frame.go: WebSocket framing of channel traffic
//
// # Adding New Messages
//
// When adding a new message type:
//
//  1. Add the payload struct with godoc comments:
//     - What the message does
//     - Channel: which channel carries it
//     - Flow: who sends to whom
//     - Response: what message comes back (if any)
//
//  2. Add a Validate() method for payload validation
//
//  3. Document version history in comments
package messages
