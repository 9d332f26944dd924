// Package remote defines the boundary to the authoritative partitioned
// document store.
//
// The data layer never talks to a concrete cloud vendor directly; it consumes
// this narrow interface. Documents live under two path shapes:
//
//	partitions/{locationId}/{collection}/{docId}   (partitioned, read/write)
//	{collection}/{docId}                           (legacy flat, read-compatible)
//
// The package also provides an in-memory implementation used by tests and the
// daemon's development mode.
package remote

import (
	"context"
	"strings"
	"time"

	"github.com/gigtown/localsync/internal/record"
)

// Doc is one remote document.
type Doc struct {
	// Path is the full document path, either partitioned or legacy flat.
	Path string

	// Fields is the document payload.
	Fields record.FieldMap

	// UpdatedAt is the server-assigned modification timestamp.
	UpdatedAt time.Time
}

// ID returns the final path segment, the document id.
func (d Doc) ID() string {
	idx := strings.LastIndexByte(d.Path, '/')
	if idx < 0 {
		return d.Path
	}
	return d.Path[idx+1:]
}

// Filter is a single query predicate: Field Op Value.
// Supported operators: "==", "<", "<=", ">", ">=".
type Filter struct {
	Field string
	Op    string
	Value any
}

// Query bounds a collection read or subscription.
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// Subscription is a cancellable change feed over one collection.
//
// Batches yields snapshot batches until Unsubscribe is called or the feed
// fails; after the channel closes, Err reports the terminal error, nil for a
// clean unsubscribe.
type Subscription interface {
	Batches() <-chan []Doc
	Err() error
	Unsubscribe()
}

// Store is the authoritative remote document store.
//
// All calls are bounded by the passed context; implementations must surface
// timeouts as errors wrapping record.ErrTransientIO and permanent rejections
// as errors wrapping record.ErrUnauthorized.
type Store interface {
	// Get fetches a single document. Returns (nil, nil) when absent.
	Get(ctx context.Context, path string) (*Doc, error)

	// Set writes a document. With merge true, fields are merged into any
	// existing document; otherwise the document is replaced. Set is an
	// upsert: writing the same payload twice is a no-op the second time.
	Set(ctx context.Context, path string, fields record.FieldMap, merge bool) error

	// Delete removes a document. Deleting an absent document is a no-op.
	Delete(ctx context.Context, path string) error

	// Query reads a collection snapshot.
	Query(ctx context.Context, collectionPath string, q Query) ([]Doc, error)

	// Subscribe opens a change feed for a collection. The initial snapshot
	// is delivered as the first batch.
	Subscribe(ctx context.Context, collectionPath string, q Query) (Subscription, error)
}

// PartitionCollection builds the partitioned collection path for a location.
func PartitionCollection(locationID, collection string) string {
	return "partitions/" + locationID + "/" + collection
}

// PartitionPath builds the full partitioned document path.
func PartitionPath(locationID, collection, docID string) string {
	return PartitionCollection(locationID, collection) + "/" + docID
}

// LegacyPath builds the legacy flat document path. Legacy paths are written
// only by entity adapters that explicitly opt in to dual-write.
func LegacyPath(collection, docID string) string {
	return collection + "/" + docID
}
