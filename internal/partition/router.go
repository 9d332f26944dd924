// Package partition maps geographic keys to storage partitions.
//
// The remote store is sharded per location: every partitioned document lives
// under partitions/{locationId}/... where locationId is a deterministic slug
// of the normalized (city, state) pair. A reserved "unknown" partition holds
// legacy data that predates partitioning; it is readable but never a write
// target when a valid location is available.
package partition

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/gigtown/localsync/internal/record"
)

// Unknown is the sentinel partition for data lacking location information.
// Reads may fall back to it for legacy records; writes must not target it.
const Unknown = "unknown"

// Kind distinguishes read routing from write routing. Writes are strict:
// they fail without a normalizable location. Reads fall back to the legacy
// unknown partition.
type Kind int

const (
	Read Kind = iota
	Write
)

// String returns a human-readable representation of the routing kind.
func (k Kind) String() string {
	switch k {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return "unknown"
	}
}

// Partition is a storage shard addressed by a normalized geographic key.
type Partition struct {
	LocationID string
	City       string
	State      string
}

// stripDiacritics decomposes to NFD and removes combining marks, so that
// "São Paulo" and "Sao Paulo" normalize identically.
var stripDiacritics = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// Normalize derives the deterministic locationId slug for a (city, state)
// pair. Case, diacritics, and surrounding/internal whitespace runs do not
// affect the result: ("São Paulo", "SP") and ("  sao  paulo ", "sp") both
// yield "sao_paulo_sp".
//
// Returns record.ErrMissingLocation when either component is empty after
// trimming.
func Normalize(city, state string) (string, error) {
	citySlug := slugify(city)
	stateSlug := slugify(state)
	if citySlug == "" || stateSlug == "" {
		return "", fmt.Errorf("normalize city=%q state=%q: %w", city, state, record.ErrMissingLocation)
	}
	return citySlug + "_" + stateSlug, nil
}

// slugify lower-cases, strips diacritics, and joins whitespace-separated
// words with underscores.
func slugify(s string) string {
	s, _, err := transform.String(stripDiacritics, s)
	if err != nil {
		// Remove is total over valid UTF-8; a failure means malformed
		// input, which we treat as absent.
		return ""
	}
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), "_")
}

// Router resolves partitions for reads and writes.
//
// The router is pure and stateless; it exists as a type so dependents hold
// an explicit handle rather than reaching for package-level functions, and
// so tests can substitute it.
type Router struct{}

// NewRouter creates a Router.
func NewRouter() *Router {
	return &Router{}
}

// Route resolves the partition id for an operation.
//
// For Write, a normalizable (city, state) is required; otherwise the
// operation fails with record.ErrMissingLocation and must not be queued.
// Silently routing writes to the unknown partition would corrupt the
// partitioning invariant for every future read.
//
// For Read, missing location falls back to the unknown partition so legacy
// records stay reachable.
func (r *Router) Route(kind Kind, city, state string) (string, error) {
	locationID, err := Normalize(city, state)
	if err == nil {
		return locationID, nil
	}
	if kind == Read {
		return Unknown, nil
	}
	return "", err
}

// Resolve returns the full Partition for a normalizable (city, state) pair.
func (r *Router) Resolve(city, state string) (Partition, error) {
	locationID, err := Normalize(city, state)
	if err != nil {
		return Partition{}, err
	}
	return Partition{
		LocationID: locationID,
		City:       strings.TrimSpace(city),
		State:      strings.TrimSpace(state),
	}, nil
}
