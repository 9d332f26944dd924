// Package store provides the durable local cache backing the data layer.
//
// Every entity read by the client is served from this store, and every local
// write lands here synchronously before it is queued for remote sync. The
// store is an embedded SQLite database (WAL mode) holding one row per
// (entity_type, entity_id), plus change notifications so consumers can
// observe snapshots of an entity type as it mutates.
//
// Architecture:
//   - Database file: shared with the pending-operation queue
//   - WAL mode: concurrent readers during writes
//   - Serialization: per entity key; writers to different keys proceed
//     independently, writers to the same key queue behind a key mutex
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/gigtown/localsync/internal/record"
)

// Store is the durable local entity cache.
type Store struct {
	conn *sql.DB
	path string

	keys keyLocks

	subsMu sync.Mutex
	subs   map[record.EntityType]map[*subscriber]struct{}
}

// Open creates a local store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created; call InitSchema before first use.
//
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn: conn,
		path: path,
		subs: make(map[record.EntityType]map[*subscriber]struct{}),
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection. The pending-operation
// queue shares this connection so local writes and their queue entries live
// in the same database file.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection after a WAL checkpoint.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	s.closeSubscribers()

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the records table if it doesn't exist. Idempotent.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		entity_type TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		fields      TEXT NOT NULL,  -- JSON object
		updated_at  TEXT NOT NULL,  -- RFC 3339 with nanoseconds
		origin      TEXT NOT NULL,  -- local | remote
		unsynced    INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (entity_type, entity_id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_type ON records(entity_type);
	CREATE INDEX IF NOT EXISTS idx_records_unsynced ON records(unsynced) WHERE unsynced = 1;
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Upsert writes a record, replacing any existing record for the same key,
// and notifies observers of the entity type. Valid input never fails except
// on storage errors.
func (s *Store) Upsert(ctx context.Context, rec record.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}

	unlock := s.keys.lock(rec.Key())
	defer unlock()

	query := `
	INSERT INTO records (entity_type, entity_id, fields, updated_at, origin, unsynced)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		fields     = excluded.fields,
		updated_at = excluded.updated_at,
		origin     = excluded.origin,
		unsynced   = excluded.unsynced
	`

	_, err = s.conn.ExecContext(ctx, query,
		string(rec.EntityType),
		rec.EntityID,
		string(fieldsJSON),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		string(rec.Origin),
		boolToInt(rec.Unsynced),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}

	s.publish(ctx, rec.EntityType)
	return nil
}

// Get retrieves a single record. Returns record.ErrNotFound when the store
// does not hold the key.
func (s *Store) Get(ctx context.Context, entityType record.EntityType, entityID string) (*record.Record, error) {
	query := `
	SELECT entity_type, entity_id, fields, updated_at, origin, unsynced
	FROM records
	WHERE entity_type = ? AND entity_id = ?
	`

	row := s.conn.QueryRowContext(ctx, query, string(entityType), entityID)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", entityType, entityID, record.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes a record and notifies observers. Deleting an absent record
// is a no-op.
func (s *Store) Delete(ctx context.Context, entityType record.EntityType, entityID string) error {
	unlock := s.keys.lock(record.Key(entityType, entityID))
	defer unlock()

	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM records WHERE entity_type = ? AND entity_id = ?`,
		string(entityType), entityID)
	if err != nil {
		return fmt.Errorf("failed to delete record %s/%s: %w", entityType, entityID, err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.publish(ctx, entityType)
	}
	return nil
}

// SetUnsynced flips the remote-confirmation flag on a record and notifies
// observers. Setting the flag on an absent record is a no-op.
func (s *Store) SetUnsynced(ctx context.Context, entityType record.EntityType, entityID string, unsynced bool) error {
	unlock := s.keys.lock(record.Key(entityType, entityID))
	defer unlock()

	res, err := s.conn.ExecContext(ctx,
		`UPDATE records SET unsynced = ? WHERE entity_type = ? AND entity_id = ?`,
		boolToInt(unsynced), string(entityType), entityID)
	if err != nil {
		return fmt.Errorf("failed to flag record %s/%s: %w", entityType, entityID, err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.publish(ctx, entityType)
	}
	return nil
}

// List returns the current snapshot of one entity type, ordered by
// updated_at descending.
func (s *Store) List(ctx context.Context, entityType record.EntityType) ([]record.Record, error) {
	query := `
	SELECT entity_type, entity_id, fields, updated_at, origin, unsynced
	FROM records
	WHERE entity_type = ?
	ORDER BY updated_at DESC, entity_id ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, string(entityType))
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return out, nil
}

// CountUnsynced returns how many records carry the unsynced flag.
func (s *Store) CountUnsynced(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE unsynced = 1`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsynced records: %w", err)
	}
	return count, nil
}

// scanRecord reads one row into a Record using the provided scan function.
func scanRecord(scan func(dest ...any) error) (*record.Record, error) {
	var (
		entityType, entityID  string
		fieldsJSON, updatedAt string
		origin                string
		unsynced              int
	)

	if err := scan(&entityType, &entityID, &fieldsJSON, &updatedAt, &origin, &unsynced); err != nil {
		return nil, err
	}

	rec := record.Record{
		EntityType: record.EntityType(entityType),
		EntityID:   entityID,
		Origin:     record.Origin(origin),
		Unsynced:   unsynced != 0,
	}

	if fieldsJSON != "" && fieldsJSON != "null" {
		if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
		}
	} else {
		rec.Fields = record.FieldMap{}
	}

	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	rec.UpdatedAt = t

	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// keyLocks serializes writers per entity key while letting different keys
// proceed in parallel. There is deliberately no global lock across entity
// types.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the mutex for a key and returns the release function.
func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
