// Package migrate imports legacy flat-collection exports into the local
// cache.
//
// The legacy backend predates partitioning; its export is a JSONL file with
// one document per line. Import seeds the cache so a client upgrading from
// the flat layout starts warm instead of waiting for the change feed.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gigtown/localsync/internal/adapters"
	"github.com/gigtown/localsync/internal/partition"
	"github.com/gigtown/localsync/internal/record"
	"github.com/gigtown/localsync/internal/store"
)

// legacyDoc is one line of the legacy export.
type legacyDoc struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Fields     record.FieldMap `json:"fields"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Options configures an import run.
type Options struct {
	// FromJSONL is the legacy export file path.
	FromJSONL string

	// DryRun parses and counts without touching the store.
	DryRun bool
}

// Result summarizes an import run.
type Result struct {
	Imported   int
	Skipped    int
	Partitions map[string]int
	Errors     []string
}

// Import reads the legacy export and upserts every recognizable document.
//
// Documents of unknown collections and documents that fail to parse are
// counted and reported, never fatal; the rest of the file proceeds. A
// document whose payload carries no location lands in the unknown
// partition bucket, mirroring the read fallback.
func Import(ctx context.Context, localStore *store.Store, registry *adapters.Registry, opts Options) (*Result, error) {
	if localStore == nil {
		return nil, fmt.Errorf("local store cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("adapter registry cannot be nil")
	}

	// #nosec G304 - controlled path from CLI
	file, err := os.Open(opts.FromJSONL)
	if err != nil {
		return nil, fmt.Errorf("failed to open legacy export: %w", err)
	}
	defer file.Close()

	byCollection := make(map[string]adapters.Adapter)
	for _, a := range registry.All() {
		byCollection[a.Collection] = a
	}

	router := partition.NewRouter()
	result := &Result{Partitions: make(map[string]int)}
	decoder := json.NewDecoder(file)
	line := 0

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		var doc legacyDoc
		if err := decoder.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return result, fmt.Errorf("invalid JSON at line %d: %w", line+1, err)
		}
		line++

		adapter, ok := byCollection[doc.Collection]
		if !ok {
			result.Skipped++
			result.Errors = append(result.Errors,
				fmt.Sprintf("line %d: unknown collection %q", line, doc.Collection))
			continue
		}
		if doc.ID == "" || doc.Fields == nil {
			result.Skipped++
			result.Errors = append(result.Errors,
				fmt.Sprintf("line %d: document missing id or fields", line))
			continue
		}

		city, state := adapter.Location(doc.Fields)
		locationID, err := router.Route(partition.Read, city, state)
		if err != nil {
			result.Skipped++
			result.Errors = append(result.Errors,
				fmt.Sprintf("line %d: failed to route %s/%s: %v", line, doc.Collection, doc.ID, err))
			continue
		}

		updatedAt := doc.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}

		rec := record.Record{
			EntityType: adapter.EntityType,
			EntityID:   doc.ID,
			Fields:     doc.Fields,
			UpdatedAt:  updatedAt,
			Origin:     record.OriginRemote,
		}

		if !opts.DryRun {
			if err := localStore.Upsert(ctx, rec); err != nil {
				result.Skipped++
				result.Errors = append(result.Errors,
					fmt.Sprintf("line %d: failed to store %s/%s: %v", line, doc.Collection, doc.ID, err))
				continue
			}
		}
		result.Imported++
		result.Partitions[locationID]++
	}

	return result, nil
}
