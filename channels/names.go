// Package channels maps replicated types to their transport channel names.
//
// Every replicated type gets a stable ObjectID. The owner and the observers
// derive the same channel names from it without any static wiring:
//
//	live:init:{id}    observer → owner, "send me the current value"
//	live:change:{id}  owner → observer, "here is the new value"
//
// Discovery uses two fixed system channels, live:discover and
// live:discover:response. Remote invocation uses live:invoke:{op} and
// live:invoke:reply:{client}.
package channels

import (
	"github.com/eljojo/livesync/types"
)

const (
	// DiscoverRequest asks the owner for the full known-object set.
	DiscoverRequest types.Channel = "live:discover"
	// DiscoverResponse carries the known-object set back to observers.
	DiscoverResponse types.Channel = "live:discover:response"

	prefix       = "live:"
	initPrefix   = prefix + "init:"
	changePrefix = prefix + "change:"
	invokePrefix = prefix + "invoke:"
	replyPrefix  = invokePrefix + "reply:"
)

// Init returns the channel observers use to request a snapshot of id.
func Init(id types.ObjectID) types.Channel {
	return types.Channel(initPrefix + id.String())
}

// Change returns the channel the owner pushes snapshots of id on.
func Change(id types.ObjectID) types.Channel {
	return types.Channel(changePrefix + id.String())
}

// InitFor is Init for the ObjectID of T.
func InitFor[T any]() types.Channel {
	return Init(ObjectIDOf[T]())
}

// ChangeFor is Change for the ObjectID of T.
func ChangeFor[T any]() types.Channel {
	return Change(ObjectIDOf[T]())
}

// Invoke returns the request channel of a remote operation.
func Invoke(op string) types.Channel {
	return types.Channel(invokePrefix + op)
}

// InvokeReply returns the channel results for client are sent on.
func InvokeReply(client types.ClientID) types.Channel {
	return types.Channel(replyPrefix + client.String())
}
