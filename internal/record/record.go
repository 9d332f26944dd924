// Package record provides the shared entity model for the local-first data
// layer: typed entity identifiers, the cached Record envelope, and the field
// map that carries entity payloads between the local store, the sync queue,
// and the remote document store.
package record

import (
	"fmt"
	"time"
)

// EntityType identifies one of the marketplace entity kinds handled by the
// data layer. Each entity type maps to its own local table namespace and its
// own remote collection.
type EntityType string

const (
	EntityAddress EntityType = "addresses"
	EntityCard    EntityType = "cards"
	EntityOrder   EntityType = "orders"
	EntityProduct EntityType = "products"
	EntityPost    EntityType = "posts"
	EntityStory   EntityType = "stories"
)

// KnownEntityTypes lists every entity type the data layer handles, in a
// stable order suitable for iteration.
var KnownEntityTypes = []EntityType{
	EntityAddress,
	EntityCard,
	EntityOrder,
	EntityProduct,
	EntityPost,
	EntityStory,
}

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	for _, known := range KnownEntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Origin records which write path produced a cached record.
type Origin string

const (
	// OriginLocal marks records written by the local write path and not yet
	// confirmed by the remote store.
	OriginLocal Origin = "local"

	// OriginRemote marks records merged in from the remote change feed.
	OriginRemote Origin = "remote"
)

// FieldMap is the opaque entity payload: field name to value. Values are
// restricted to what survives a JSON round trip (strings, float64, bool,
// nested maps/slices, nil).
type FieldMap map[string]any

// Clone returns a shallow copy of the field map. Nested values are shared;
// callers that mutate nested structures must copy them first.
func (f FieldMap) Clone() FieldMap {
	if f == nil {
		return nil
	}
	out := make(FieldMap, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// String returns the string value of a field, or "" when the field is absent
// or not a string.
func (f FieldMap) String(key string) string {
	if v, ok := f[key].(string); ok {
		return v
	}
	return ""
}

// Float returns the numeric value of a field. JSON decoding produces float64
// for all numbers, so int and int64 are accepted for values set in-process.
func (f FieldMap) Float(key string) (float64, bool) {
	switch v := f[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Time parses an RFC 3339 time field. Returns the zero time when the field
// is absent or malformed.
func (f FieldMap) Time(key string) time.Time {
	s := f.String(key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Record is one cached entity. For a given (EntityType, EntityID) the local
// store holds exactly one Record: the most recent one accepted by either the
// local write path or the remote change feed.
type Record struct {
	EntityType EntityType
	EntityID   string

	// Fields is the entity payload.
	Fields FieldMap

	// UpdatedAt is assigned at the moment of mutation. For local writes it
	// is the local clock; for remote records it is the server-assigned
	// timestamp. Last-write-wins conflict resolution compares this field.
	UpdatedAt time.Time

	// Origin records which write path produced this record.
	Origin Origin

	// Unsynced flags a record whose latest local write has not been
	// confirmed by the remote store. Set on every local write, cleared
	// when the write lands, and left set when the write goes dead, so the
	// cached value is always served with an honest sync indicator.
	Unsynced bool
}

// Key returns the (entityType, entityID) pair as a single string, used for
// per-key locking and queue coalescing.
func (r *Record) Key() string {
	return Key(r.EntityType, r.EntityID)
}

// Key builds the canonical per-entity key string.
func Key(entityType EntityType, entityID string) string {
	return string(entityType) + "/" + entityID
}

// Validate checks the invariants every record must satisfy before it is
// accepted by the local store.
func (r *Record) Validate() error {
	if !r.EntityType.Valid() {
		return fmt.Errorf("unknown entity type %q", r.EntityType)
	}
	if r.EntityID == "" {
		return fmt.Errorf("entity id is required")
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	if r.Origin != OriginLocal && r.Origin != OriginRemote {
		return fmt.Errorf("invalid origin %q", r.Origin)
	}
	return nil
}
