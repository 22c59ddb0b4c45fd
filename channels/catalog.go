package channels

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/eljojo/livesync/types"
	"github.com/mr-tron/base58"
)

// ErrInvalidID is returned for explicit ids that cannot be used as channel suffixes.
var ErrInvalidID = errors.New("invalid object id")

// Identified is implemented by types that name themselves.
//
// The method is called on the zero value, so it must not depend on content.
type Identified interface {
	LiveObjectID() string
}

// Entry is a single (type, id) association in a Catalog snapshot.
type Entry struct {
	Type reflect.Type
	ID   types.ObjectID
}

// Catalog maps replicated types to hand-assigned ids.
//
// Explicit ids survive rebuilds and renames, unlike the hashed fallback,
// which is only stable within one build of both processes.
type Catalog struct {
	mu     sync.RWMutex
	byType map[reflect.Type]types.ObjectID
	byID   map[types.ObjectID]reflect.Type
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		byType: make(map[reflect.Type]types.ObjectID),
		byID:   make(map[types.ObjectID]reflect.Type),
	}
}

// Default is the catalog consulted by ObjectIDOf.
var Default = NewCatalog()

// Register associates t with id. Registering the same pair again is a no-op;
// conflicting registrations return an error.
func (c *Catalog) Register(t reflect.Type, id types.ObjectID) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byType[t]; ok {
		if existing == id {
			return nil
		}
		return fmt.Errorf("%s already declared as %q", t, existing)
	}
	if other, ok := c.byID[id]; ok {
		return fmt.Errorf("id %q already declared for %s", id, other)
	}
	c.byType[t] = id
	c.byID[id] = t
	return nil
}

// Lookup returns the declared id of t.
func (c *Catalog) Lookup(t reflect.Type) (types.ObjectID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byType[t]
	return id, ok
}

// Entries returns a snapshot sorted by id.
func (c *Catalog) Entries() []Entry {
	c.mu.RLock()
	entries := make([]Entry, 0, len(c.byType))
	for t, id := range c.byType {
		entries = append(entries, Entry{Type: t, ID: id})
	}
	c.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID < entries[j].ID
	})
	return entries
}

// Declare registers T under id in the Default catalog.
func Declare[T any](id string) error {
	return Default.Register(typeOf[T](), types.ObjectID(id))
}

// MustDeclare is Declare that panics, for package-level var blocks.
func MustDeclare[T any](id string) types.ObjectID {
	if err := Declare[T](id); err != nil {
		panic(err)
	}
	return types.ObjectID(id)
}

// ObjectIDOf resolves the ObjectID of T: a LiveObjectID method first, then the
// Default catalog, then a hash of the qualified type name.
func ObjectIDOf[T any]() types.ObjectID {
	return Resolve[T](Default)
}

// Resolve is ObjectIDOf against an explicit catalog (nil skips the catalog).
func Resolve[T any](catalog *Catalog) types.ObjectID {
	var zero T
	if named, ok := any(&zero).(Identified); ok {
		if id := types.ObjectID(named.LiveObjectID()); ValidateID(id) == nil {
			return id
		}
	}

	t := typeOf[T]()
	if catalog != nil {
		if id, ok := catalog.Lookup(t); ok {
			return id
		}
	}
	return hashedID(t)
}

// ValidateID rejects ids that would break channel names or MQTT topic filters.
func ValidateID(id types.ObjectID) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if strings.ContainsAny(string(id), "+#\x00") {
		return fmt.Errorf("%w: %q contains a wildcard", ErrInvalidID, id)
	}
	return nil
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// hashedID names a type by its package path and name. Collisions between
// distinct types are possible but unresolved.
func hashedID(t reflect.Type) types.ObjectID {
	name := t.String()
	if t.PkgPath() != "" {
		name = t.PkgPath() + "." + t.Name()
	}
	sum := xxhash.Sum64String(name)
	var buf [8]byte
	for i := range buf {
		buf[7-i] = byte(sum >> (8 * i))
	}
	return types.ObjectID(base58.Encode(buf[:]))
}
