package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gigtown/localsync/internal/record"
)

// setupTestStore creates a temporary store for testing.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "cache.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return s
}

func testRecord(entityType record.EntityType, id string, updatedAt time.Time) record.Record {
	return record.Record{
		EntityType: entityType,
		EntityID:   id,
		Fields:     record.FieldMap{"name": "Casa", "city": "São Paulo", "state": "SP"},
		UpdatedAt:  updatedAt,
		Origin:     record.OriginLocal,
	}
}

func TestUpsertGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rec := testRecord(record.EntityAddress, "addr-1", time.Now())
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := s.Get(ctx, record.EntityAddress, "addr-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Fields.String("name") != "Casa" {
		t.Errorf("expected name=Casa, got %q", got.Fields.String("name"))
	}
	if got.Origin != record.OriginLocal {
		t.Errorf("expected local origin, got %q", got.Origin)
	}
	if !got.UpdatedAt.Equal(rec.UpdatedAt) {
		t.Errorf("updated_at mismatch: want %v, got %v", rec.UpdatedAt.UTC(), got.UpdatedAt)
	}
}

func TestUpsertOverwritesSameKey(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first := testRecord(record.EntityCard, "c-1", time.Now())
	if err := s.Upsert(ctx, first); err != nil {
		t.Fatalf("first Upsert failed: %v", err)
	}

	second := first
	second.Fields = record.FieldMap{"name": "Trabalho"}
	second.UpdatedAt = first.UpdatedAt.Add(time.Second)
	if err := s.Upsert(ctx, second); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}

	got, err := s.Get(ctx, record.EntityCard, "c-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Fields.String("name") != "Trabalho" {
		t.Errorf("expected overwrite to win, got %q", got.Fields.String("name"))
	}

	// Exactly one record per key.
	recs, err := s.List(ctx, record.EntityCard)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("expected 1 record, got %d", len(recs))
	}
}

func TestGetNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.Get(context.Background(), record.EntityOrder, "missing")
	if !errors.Is(err, record.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertRejectsInvalid(t *testing.T) {
	s := setupTestStore(t)

	bad := record.Record{EntityType: "bogus", EntityID: "x"}
	if err := s.Upsert(context.Background(), bad); err == nil {
		t.Error("expected validation error for unknown entity type")
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rec := testRecord(record.EntityProduct, "p-1", time.Now())
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if err := s.Delete(ctx, record.EntityProduct, "p-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(ctx, record.EntityProduct, "p-1"); err != nil {
		t.Fatalf("second Delete should be a no-op: %v", err)
	}

	if _, err := s.Get(ctx, record.EntityProduct, "p-1"); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSetUnsynced(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rec := testRecord(record.EntityAddress, "addr-1", time.Now())
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if err := s.SetUnsynced(ctx, record.EntityAddress, "addr-1", true); err != nil {
		t.Fatalf("SetUnsynced failed: %v", err)
	}

	got, err := s.Get(ctx, record.EntityAddress, "addr-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Unsynced {
		t.Error("expected unsynced flag set")
	}

	count, err := s.CountUnsynced(ctx)
	if err != nil {
		t.Fatalf("CountUnsynced failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 unsynced record, got %d", count)
	}
}

func TestObserveEmitsImmediatelyThenOnMutation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seed := testRecord(record.EntityPost, "post-1", time.Now())
	if err := s.Upsert(ctx, seed); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	ch, cancel, err := s.Observe(ctx, record.EntityPost)
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	defer cancel()

	select {
	case snap := <-ch:
		if len(snap) != 1 {
			t.Fatalf("expected initial snapshot of 1 record, got %d", len(snap))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial snapshot")
	}

	next := testRecord(record.EntityPost, "post-2", time.Now())
	if err := s.Upsert(ctx, next); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-ch:
			if len(snap) == 2 {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for mutation snapshot")
		}
	}
}

func TestObserveIgnoresOtherEntityTypes(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ch, cancel, err := s.Observe(ctx, record.EntityStory)
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	defer cancel()

	// Drain initial empty snapshot.
	<-ch

	if err := s.Upsert(ctx, testRecord(record.EntityOrder, "o-1", time.Now())); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	select {
	case snap := <-ch:
		t.Errorf("unexpected snapshot for unrelated mutation: %v", snap)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestObserveCoalescesToLatest(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ch, cancel, err := s.Observe(ctx, record.EntityOrder)
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	defer cancel()

	// Do not consume; the buffered snapshot must be replaced, not queued.
	for i := 0; i < 5; i++ {
		rec := testRecord(record.EntityOrder, "ord-"+string(rune('a'+i)), time.Now())
		if err := s.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	// First receive may be any intermediate snapshot; the following one
	// must be the latest state.
	var last []record.Record
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-ch:
			last = snap
			if len(last) == 5 {
				return
			}
		case <-deadline:
			t.Fatalf("never observed final snapshot, last had %d records", len(last))
		}

		if err := s.SetUnsynced(ctx, record.EntityOrder, "ord-a", false); err != nil {
			t.Fatalf("SetUnsynced failed: %v", err)
		}
	}
}

func TestConcurrentWritersDifferentKeys(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				rec := testRecord(record.EntityAddress, "addr-"+string(rune('a'+n)), time.Now())
				if err := s.Upsert(ctx, rec); err != nil {
					t.Errorf("Upsert failed: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	recs, err := s.List(ctx, record.EntityAddress)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 8 {
		t.Errorf("expected 8 records, got %d", len(recs))
	}
}
