package types

// ObjectID is a type-safe wrapper for the identifier of a replicated type
type ObjectID string

// Channel is a type-safe wrapper for transport channel names
type Channel string

// ClientID identifies one invocation client on the bus
type ClientID string

// String converts ObjectID to string
func (id ObjectID) String() string {
	return string(id)
}

// String converts Channel to string
func (c Channel) String() string {
	return string(c)
}

// String converts ClientID to string
func (c ClientID) String() string {
	return string(c)
}
