// Package queue implements the durable sync queue: pending write operations
// recorded locally and applied to the remote store by a background worker.
//
// The queue lives in the same SQLite database as the local cache, so a local
// write and its pending operation survive a crash together. Invariant: at
// most one non-terminal operation per (entity_type, entity_id); a newer
// local write coalesces into the existing row instead of appending a second
// entry.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gigtown/localsync/internal/record"
)

// Kind is the operation type destined for the remote store.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Status is a pending operation's lifecycle state. SUCCEEDED is transient:
// a confirmed operation is deleted, so the terminal observable success state
// is absence from the queue.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusFailed   Status = "failed"
	StatusDead     Status = "dead"
)

// Operation is one queued write.
type Operation struct {
	ID          string
	EntityType  record.EntityType
	EntityID    string
	Kind        Kind
	Fields      record.FieldMap
	PartitionID string
	ScheduledAt time.Time
	Attempts    int
	Status      Status
	LastError   string
}

// Key returns the operation's entity key.
func (o *Operation) Key() string {
	return record.Key(o.EntityType, o.EntityID)
}

// Queue is the durable pending-operation table.
type Queue struct {
	conn *sql.DB
}

// New wraps an open database connection. The connection is shared with the
// local store; call InitSchema before first use.
func New(conn *sql.DB) *Queue {
	return &Queue{conn: conn}
}

// InitSchema creates the pending_ops table if it doesn't exist. Idempotent.
func (q *Queue) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_ops (
		id           TEXT PRIMARY KEY,
		entity_type  TEXT NOT NULL,
		entity_id    TEXT NOT NULL,
		kind         TEXT NOT NULL,     -- create | update | delete
		fields       TEXT NOT NULL,     -- JSON object, empty for delete
		partition_id TEXT NOT NULL,
		scheduled_at TEXT NOT NULL,
		attempts     INTEGER NOT NULL DEFAULT 0,
		status       TEXT NOT NULL DEFAULT 'pending',
		last_error   TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		UNIQUE (entity_type, entity_id)
	);

	CREATE INDEX IF NOT EXISTS idx_pending_ops_due
	    ON pending_ops(status, scheduled_at);
	`

	if _, err := q.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	return nil
}

// Schedule enqueues a write, coalescing with any existing operation for the
// same entity key: the payload is replaced, scheduled_at is pushed out to
// now+debounce, and attempts are preserved. A dead operation is re-armed
// with a fresh attempt budget. Kind resolution on coalesce: delete always
// wins; an unconfirmed create stays a create when followed by updates.
func (q *Queue) Schedule(ctx context.Context, op Operation, debounce time.Duration) error {
	if op.EntityID == "" {
		return fmt.Errorf("entity id is required")
	}
	if op.Kind != KindCreate && op.Kind != KindUpdate && op.Kind != KindDelete {
		return fmt.Errorf("invalid operation kind %q", op.Kind)
	}

	fieldsJSON, err := json.Marshal(op.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	scheduledAt := now.Add(debounce)

	query := `
	INSERT INTO pending_ops (
		id, entity_type, entity_id, kind, fields, partition_id,
		scheduled_at, attempts, status, last_error, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, 0, 'pending', '', ?)
	ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		kind = CASE
			WHEN excluded.kind = 'delete' THEN 'delete'
			WHEN pending_ops.kind = 'create' AND pending_ops.status != 'dead' THEN 'create'
			ELSE excluded.kind
		END,
		fields       = excluded.fields,
		partition_id = excluded.partition_id,
		scheduled_at = excluded.scheduled_at,
		attempts     = CASE WHEN pending_ops.status = 'dead' THEN 0 ELSE pending_ops.attempts END,
		status       = 'pending',
		last_error   = ''
	`

	_, err = q.conn.ExecContext(ctx, query,
		op.ID,
		string(op.EntityType),
		op.EntityID,
		string(op.Kind),
		string(fieldsJSON),
		op.PartitionID,
		scheduledAt.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule operation for %s/%s: %w", op.EntityType, op.EntityID, err)
	}
	return nil
}

// Cancel removes any queued operation for an entity key. Used when an
// entity is deleted before its create/update has propagated; the caller
// then schedules the delete explicitly.
func (q *Queue) Cancel(ctx context.Context, entityType record.EntityType, entityID string) error {
	_, err := q.conn.ExecContext(ctx,
		`DELETE FROM pending_ops WHERE entity_type = ? AND entity_id = ?`,
		string(entityType), entityID)
	if err != nil {
		return fmt.Errorf("failed to cancel operation for %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// HasPending reports whether an entity key has a non-terminal operation
// queued. The reconciler uses this to protect unconfirmed local edits from
// inbound remote records.
func (q *Queue) HasPending(ctx context.Context, entityType record.EntityType, entityID string) (bool, error) {
	var count int
	err := q.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_ops
		WHERE entity_type = ? AND entity_id = ?
		  AND status IN ('pending', 'in_flight', 'failed')`,
		string(entityType), entityID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check pending operation: %w", err)
	}
	return count > 0, nil
}

// ClaimDue transitions up to limit due operations to in-flight and returns
// them. An operation is due when its status is pending or failed and its
// scheduled_at has elapsed. The claim is a guarded update, so two pollers
// can never claim the same row.
func (q *Queue) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Operation, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := q.conn.QueryContext(ctx, `
		SELECT id FROM pending_ops
		WHERE status IN ('pending', 'failed') AND scheduled_at <= ?
		ORDER BY scheduled_at ASC
		LIMIT ?`,
		now.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due operations: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan operation id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating due operations: %w", err)
	}

	var claimed []Operation
	for _, id := range ids {
		res, err := q.conn.ExecContext(ctx, `
			UPDATE pending_ops SET status = 'in_flight'
			WHERE id = ? AND status IN ('pending', 'failed')`,
			id)
		if err != nil {
			return claimed, fmt.Errorf("failed to claim operation %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			continue
		}

		op, err := q.getByID(ctx, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, *op)
	}
	return claimed, nil
}

// RecoverOrphans resets in-flight operations back to pending. An in-flight
// row with no live worker is an orphan from a crash between claim and
// settle; resetting it on startup replays the write. Creates carry
// pre-generated ids, so a replay after a crash between remote success and
// local cleanup lands as an idempotent upsert. Returns how many operations
// were recovered.
func (q *Queue) RecoverOrphans(ctx context.Context) (int, error) {
	res, err := q.conn.ExecContext(ctx,
		`UPDATE pending_ops SET status = 'pending' WHERE status = 'in_flight'`)
	if err != nil {
		return 0, fmt.Errorf("failed to recover orphaned operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to recover orphaned operations: %w", err)
	}
	return int(n), nil
}

// Complete removes a confirmed operation. The status guard keeps a write
// that coalesced in while the operation was in flight: such a row is back
// in pending state and must survive to carry the newer payload out.
func (q *Queue) Complete(ctx context.Context, id string) (bool, error) {
	res, err := q.conn.ExecContext(ctx,
		`DELETE FROM pending_ops WHERE id = ? AND status = 'in_flight'`, id)
	if err != nil {
		return false, fmt.Errorf("failed to complete operation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to complete operation %s: %w", id, err)
	}
	return n > 0, nil
}

// Fail reschedules an operation after a transient failure. The same status
// guard as Complete applies.
func (q *Queue) Fail(ctx context.Context, id string, attempts int, nextAt time.Time, cause string) error {
	_, err := q.conn.ExecContext(ctx, `
		UPDATE pending_ops
		SET status = 'failed', attempts = ?, scheduled_at = ?, last_error = ?
		WHERE id = ? AND status = 'in_flight'`,
		attempts, nextAt.UTC().Format(time.RFC3339Nano), cause, id)
	if err != nil {
		return fmt.Errorf("failed to reschedule operation %s: %w", id, err)
	}
	return nil
}

// MarkDead parks an operation after exhausted retries or a permanent
// rejection. Dead operations are never polled; they stay visible for manual
// retry.
func (q *Queue) MarkDead(ctx context.Context, id string, attempts int, cause string) error {
	_, err := q.conn.ExecContext(ctx, `
		UPDATE pending_ops
		SET status = 'dead', attempts = ?, last_error = ?
		WHERE id = ? AND status = 'in_flight'`,
		attempts, cause, id)
	if err != nil {
		return fmt.Errorf("failed to mark operation %s dead: %w", id, err)
	}
	return nil
}

// RetryDead re-arms dead operations for an entity key (or all dead
// operations when entityID is empty) with a fresh attempt budget. Returns
// how many operations were re-armed.
func (q *Queue) RetryDead(ctx context.Context, entityType record.EntityType, entityID string) (int, error) {
	query := `
	UPDATE pending_ops
	SET status = 'pending', attempts = 0, scheduled_at = ?, last_error = ''
	WHERE status = 'dead'`
	args := []any{time.Now().UTC().Format(time.RFC3339Nano)}

	if entityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, string(entityType))
	}
	if entityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, entityID)
	}

	res, err := q.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to retry dead operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to retry dead operations: %w", err)
	}
	return int(n), nil
}

// Get retrieves the queued operation for an entity key. Returns
// record.ErrNotFound when none is queued.
func (q *Queue) Get(ctx context.Context, entityType record.EntityType, entityID string) (*Operation, error) {
	row := q.conn.QueryRowContext(ctx, `
		SELECT id, entity_type, entity_id, kind, fields, partition_id,
		       scheduled_at, attempts, status, last_error
		FROM pending_ops
		WHERE entity_type = ? AND entity_id = ?`,
		string(entityType), entityID)

	op, err := scanOperation(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s/%s: %w", entityType, entityID, record.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return op, nil
}

// getByID retrieves one operation by primary key.
func (q *Queue) getByID(ctx context.Context, id string) (*Operation, error) {
	row := q.conn.QueryRowContext(ctx, `
		SELECT id, entity_type, entity_id, kind, fields, partition_id,
		       scheduled_at, attempts, status, last_error
		FROM pending_ops
		WHERE id = ?`, id)

	op, err := scanOperation(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("operation %s: %w", id, record.ErrNotFound)
	}
	return op, err
}

// List returns every queued operation, oldest schedule first.
func (q *Queue) List(ctx context.Context) ([]Operation, error) {
	rows, err := q.conn.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, kind, fields, partition_id,
		       scheduled_at, attempts, status, last_error
		FROM pending_ops
		ORDER BY scheduled_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		op, err := scanOperation(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}
	return out, nil
}

// Stats returns operation counts by status.
func (q *Queue) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := q.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM pending_ops GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		stats[Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue stats: %w", err)
	}
	return stats, nil
}

// scanOperation reads one row into an Operation.
func scanOperation(scan func(dest ...any) error) (*Operation, error) {
	var (
		op                    Operation
		entityType, kind      string
		fieldsJSON, scheduled string
		status                string
	)

	err := scan(&op.ID, &entityType, &op.EntityID, &kind, &fieldsJSON,
		&op.PartitionID, &scheduled, &op.Attempts, &status, &op.LastError)
	if err != nil {
		return nil, err
	}

	op.EntityType = record.EntityType(entityType)
	op.Kind = Kind(kind)
	op.Status = Status(status)

	if fieldsJSON != "" && fieldsJSON != "null" {
		if err := json.Unmarshal([]byte(fieldsJSON), &op.Fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal operation fields: %w", err)
		}
	} else {
		op.Fields = record.FieldMap{}
	}

	t, err := time.Parse(time.RFC3339Nano, scheduled)
	if err != nil {
		return nil, fmt.Errorf("failed to parse scheduled_at: %w", err)
	}
	op.ScheduledAt = t

	return &op, nil
}
