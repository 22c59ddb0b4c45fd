package messages

import "github.com/eljojo/livesync/types"

// DiscoveryResponse lists every object the owning process has published.
//
// Channel: live:discover:response
// Flow: Owner → every observer (broadcast answer to live:discover)
// Transport: any
//
// The request on live:discover carries no payload.
//
// Version History:
//
//	v1 (2026-10): Initial version
type DiscoveryResponse []types.ObjectID

// Contains reports whether id is part of the response.
func (r DiscoveryResponse) Contains(id types.ObjectID) bool {
	for _, known := range r {
		if known == id {
			return true
		}
	}
	return false
}
