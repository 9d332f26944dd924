// Package adapters binds entity types to their remote storage shape.
//
// The sync queue and the reconciler are shape-agnostic; everything an entity
// type knows about the remote store lives here: its collection name, which
// payload fields carry its location, whether it is mirrored into the legacy
// flat collection, and how its feed documents become ranking candidates.
// Dual-write is an explicit per-adapter decision, never inferred.
package adapters

import (
	"fmt"

	"github.com/gigtown/localsync/internal/record"
	"github.com/gigtown/localsync/internal/remote"
)

// Adapter describes one entity type's remote storage shape.
type Adapter struct {
	EntityType record.EntityType

	// Collection is the remote collection name, shared by the partitioned
	// and the legacy flat path shapes.
	Collection string

	// DualWrite mirrors every write into the legacy flat collection for
	// consumers that predate partitioning.
	DualWrite bool

	// Reconciled marks entity types merged back from the per-partition
	// change feed.
	Reconciled bool

	// CityField and StateField name the payload fields carrying the
	// entity's location. Both empty means the entity is not partitioned
	// by its own payload (it then routes through the read fallback).
	CityField  string
	StateField string

	// SubscriptionQuery bounds the reconciler's change feed for this
	// entity type.
	SubscriptionQuery remote.Query
}

// Location extracts the (city, state) pair from an entity payload. Empty
// strings mean the payload carries no location.
func (a Adapter) Location(fields record.FieldMap) (city, state string) {
	if a.CityField == "" || a.StateField == "" {
		return "", ""
	}
	return fields.String(a.CityField), fields.String(a.StateField)
}

// WritePaths returns every remote document path a write must target:
// always the partitioned path, plus the legacy flat path for dual-write
// adapters.
func (a Adapter) WritePaths(locationID, docID string) []string {
	paths := []string{remote.PartitionPath(locationID, a.Collection, docID)}
	if a.DualWrite {
		paths = append(paths, remote.LegacyPath(a.Collection, docID))
	}
	return paths
}

// Registry holds the adapter for every known entity type.
type Registry struct {
	byType map[record.EntityType]Adapter
}

// NewRegistry builds the default adapter set for the marketplace entities.
//
// Posts and orders dual-write into their legacy flat collections; that list
// is fixed here, in one place, so the backward-compatibility surface stays
// explicit.
func NewRegistry() *Registry {
	feedQuery := remote.Query{
		Filters: []remote.Filter{{Field: "expired", Op: "==", Value: false}},
		OrderBy: "created_at",
		Desc:    true,
		Limit:   200,
	}

	adapters := []Adapter{
		{
			EntityType: record.EntityAddress,
			Collection: "addresses",
			CityField:  "city",
			StateField: "state",
		},
		{
			EntityType: record.EntityCard,
			Collection: "cards",
			CityField:  "billing_city",
			StateField: "billing_state",
		},
		{
			EntityType: record.EntityOrder,
			Collection: "orders",
			DualWrite:  true,
			Reconciled: true,
			CityField:  "city",
			StateField: "state",
			SubscriptionQuery: remote.Query{
				OrderBy: "created_at",
				Desc:    true,
				Limit:   100,
			},
		},
		{
			EntityType: record.EntityProduct,
			Collection: "products",
			Reconciled: true,
			CityField:  "city",
			StateField: "state",
			SubscriptionQuery: remote.Query{
				OrderBy: "created_at",
				Desc:    true,
				Limit:   200,
			},
		},
		{
			EntityType:        record.EntityPost,
			Collection:        "posts",
			DualWrite:         true,
			Reconciled:        true,
			CityField:         "city",
			StateField:        "state",
			SubscriptionQuery: feedQuery,
		},
		{
			EntityType:        record.EntityStory,
			Collection:        "stories",
			Reconciled:        true,
			CityField:         "city",
			StateField:        "state",
			SubscriptionQuery: feedQuery,
		},
	}

	byType := make(map[record.EntityType]Adapter, len(adapters))
	for _, a := range adapters {
		byType[a.EntityType] = a
	}
	return &Registry{byType: byType}
}

// ForType returns the adapter for an entity type.
func (r *Registry) ForType(entityType record.EntityType) (Adapter, error) {
	a, ok := r.byType[entityType]
	if !ok {
		return Adapter{}, fmt.Errorf("no adapter registered for entity type %q", entityType)
	}
	return a, nil
}

// All returns every registered adapter in entity-type order.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.byType))
	for _, entityType := range record.KnownEntityTypes {
		if a, ok := r.byType[entityType]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Reconciled returns the adapters whose collections the reconciler
// subscribes to.
func (r *Registry) Reconciled() []Adapter {
	var out []Adapter
	for _, a := range r.All() {
		if a.Reconciled {
			out = append(out, a)
		}
	}
	return out
}

// FromDoc converts a remote document into a Record with remote origin.
//
// Returns a *record.ConversionError when the document cannot be parsed;
// callers skip the document and continue with the rest of the batch.
func (a Adapter) FromDoc(doc remote.Doc) (record.Record, error) {
	if doc.ID() == "" {
		return record.Record{}, &record.ConversionError{Path: doc.Path, Reason: "empty document id"}
	}
	if doc.Fields == nil {
		return record.Record{}, &record.ConversionError{Path: doc.Path, Reason: "document has no fields"}
	}
	if doc.UpdatedAt.IsZero() {
		return record.Record{}, &record.ConversionError{Path: doc.Path, Reason: "missing server timestamp"}
	}

	return record.Record{
		EntityType: a.EntityType,
		EntityID:   doc.ID(),
		Fields:     doc.Fields.Clone(),
		UpdatedAt:  doc.UpdatedAt,
		Origin:     record.OriginRemote,
	}, nil
}
