package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/gigtown/localsync/internal/config"
	"github.com/gigtown/localsync/internal/queue"
	"github.com/gigtown/localsync/internal/ranker"
	"github.com/gigtown/localsync/internal/record"
	"github.com/gigtown/localsync/internal/remote"
)

func setupTestEngine(t *testing.T) (*Engine, *remote.MemoryStore) {
	t.Helper()

	cfg, err := config.NewLoader("").Load()
	if err != nil {
		t.Fatalf("failed to load default config: %v", err)
	}
	cfg.Store.Path = filepath.Join(t.TempDir(), "cache.db")
	cfg.Sync.Debounce = 0
	cfg.Sync.BackoffBase = 0
	cfg.Sync.BackoffCap = 0
	cfg.Reconcile.Partitions = []string{"sao_paulo_sp"}
	cfg.Log.File = filepath.Join(t.TempDir(), "test.log")

	mem := remote.NewMemoryStore()
	e, err := New(cfg, mem)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { e.Stop() })
	return e, mem
}

func TestWriteIsVisibleImmediately(t *testing.T) {
	e, mem := setupTestEngine(t)
	ctx := context.Background()

	rec, err := e.Write(ctx, record.EntityAddress, "", record.FieldMap{
		"name":  "Casa",
		"city":  "São Paulo",
		"state": "SP",
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if rec.EntityID == "" {
		t.Fatal("expected a generated entity id")
	}
	if rec.Fields.String("id") != rec.EntityID {
		t.Error("expected the generated id in the payload")
	}

	// Readable before any sync happens.
	got, err := e.Get(ctx, record.EntityAddress, rec.EntityID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Unsynced || got.Origin != record.OriginLocal {
		t.Errorf("expected unsynced local record, got origin=%s unsynced=%v", got.Origin, got.Unsynced)
	}

	// Nothing remote yet.
	doc, err := mem.Get(ctx, "partitions/sao_paulo_sp/addresses/"+rec.EntityID)
	if err != nil {
		t.Fatalf("remote Get failed: %v", err)
	}
	if doc != nil {
		t.Error("remote write must not happen synchronously")
	}

	if err := e.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	doc, err = mem.Get(ctx, "partitions/sao_paulo_sp/addresses/"+rec.EntityID)
	if err != nil {
		t.Fatalf("remote Get failed: %v", err)
	}
	if doc == nil {
		t.Fatal("expected remote document after drain")
	}

	got, err = e.Get(ctx, record.EntityAddress, rec.EntityID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Unsynced {
		t.Error("expected unsynced flag cleared after drain")
	}
}

func TestWriteWithoutLocationFails(t *testing.T) {
	e, _ := setupTestEngine(t)
	ctx := context.Background()

	_, err := e.Write(ctx, record.EntityAddress, "", record.FieldMap{"name": "Casa"})
	if !errors.Is(err, record.ErrMissingLocation) {
		t.Fatalf("expected ErrMissingLocation, got %v", err)
	}

	// Neither cached nor queued.
	recs, err := e.List(ctx, record.EntityAddress)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("rejected write must not reach the cache, got %d records", len(recs))
	}
	stats, err := e.Queue().Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats[queue.StatusPending] != 0 {
		t.Errorf("rejected write must not be queued, got %v", stats)
	}
}

func TestSecondWriteIsUpdate(t *testing.T) {
	e, _ := setupTestEngine(t)
	ctx := context.Background()

	rec, err := e.Write(ctx, record.EntityCard, "", record.FieldMap{
		"label":         "pessoal",
		"billing_city":  "São Paulo",
		"billing_state": "SP",
	})
	if err != nil {
		t.Fatalf("first Write failed: %v", err)
	}

	if _, err := e.Write(ctx, record.EntityCard, rec.EntityID, record.FieldMap{
		"label":         "trabalho",
		"billing_city":  "São Paulo",
		"billing_state": "SP",
	}); err != nil {
		t.Fatalf("second Write failed: %v", err)
	}

	// Both writes coalesce into one pending operation carrying the second
	// payload; the unconfirmed create keeps its kind.
	op, err := e.Queue().Get(ctx, record.EntityCard, rec.EntityID)
	if err != nil {
		t.Fatalf("queue Get failed: %v", err)
	}
	if op.Kind != queue.KindCreate {
		t.Errorf("expected create to survive coalescing, got %s", op.Kind)
	}
	if op.Fields.String("label") != "trabalho" {
		t.Errorf("expected second payload, got %v", op.Fields)
	}
}

func TestRemoveQueuesDelete(t *testing.T) {
	e, mem := setupTestEngine(t)
	ctx := context.Background()

	rec, err := e.Write(ctx, record.EntityOrder, "", record.FieldMap{
		"status": "open",
		"city":   "São Paulo",
		"state":  "SP",
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := e.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	if err := e.Remove(ctx, record.EntityOrder, rec.EntityID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	// Gone locally at once.
	if _, err := e.Get(ctx, record.EntityOrder, rec.EntityID); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("expected ErrNotFound after remove, got %v", err)
	}

	if err := e.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	// Orders dual-write; the delete must clear both shapes.
	for _, path := range []string{
		"partitions/sao_paulo_sp/orders/" + rec.EntityID,
		"orders/" + rec.EntityID,
	} {
		doc, err := mem.Get(ctx, path)
		if err != nil {
			t.Fatalf("remote Get failed: %v", err)
		}
		if doc != nil {
			t.Errorf("expected %s deleted", path)
		}
	}
}

func TestFeedRanksViewerPartition(t *testing.T) {
	e, _ := setupTestEngine(t)
	ctx := context.Background()

	saoPaulo := ranker.LatLng{Latitude: -23.5505, Longitude: -46.6333}

	write := func(caption, city string, lat, lng float64, likes int) string {
		t.Helper()
		rec, err := e.Write(ctx, record.EntityPost, "", record.FieldMap{
			"caption":    caption,
			"city":       city,
			"state":      "SP",
			"latitude":   lat,
			"longitude":  lng,
			"like_count": likes,
			"created_at": time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		return rec.EntityID
	}

	popular := write("popular", "São Paulo", saoPaulo.Latitude+0.01, saoPaulo.Longitude, 80)
	quiet := write("quiet", "São Paulo", saoPaulo.Latitude-0.01, saoPaulo.Longitude, 0)
	write("elsewhere", "Campinas", -22.9056, -47.0608, 500)

	feed, err := e.Feed(ctx, FeedRequest{
		City:     "São Paulo",
		State:    "SP",
		Viewer:   saoPaulo,
		RadiusKm: 10,
	})
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(feed) != 2 {
		t.Fatalf("expected 2 posts in viewer partition, got %d", len(feed))
	}
	if feed[0].Candidate.ID != popular || feed[1].Candidate.ID != quiet {
		t.Errorf("unexpected feed order: %s, %s", feed[0].Candidate.ID, feed[1].Candidate.ID)
	}
	if feed[0].Score <= feed[1].Score {
		t.Errorf("expected descending scores, got %g then %g", feed[0].Score, feed[1].Score)
	}
}

func TestRetryDeadReArmsOperations(t *testing.T) {
	e, mem := setupTestEngine(t)
	ctx := context.Background()

	mem.Fail = func(op, path string) error {
		if op == "set" {
			return record.ErrTransientIO
		}
		return nil
	}

	rec, err := e.Write(ctx, record.EntityAddress, "", record.FieldMap{
		"name":  "Casa",
		"city":  "São Paulo",
		"state": "SP",
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := e.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	op, err := e.Queue().Get(ctx, record.EntityAddress, rec.EntityID)
	if err != nil {
		t.Fatalf("queue Get failed: %v", err)
	}
	if op.Status != queue.StatusDead {
		t.Fatalf("expected dead operation, got %s", op.Status)
	}

	mem.Fail = nil
	n, err := e.RetryDead(ctx, record.EntityAddress, rec.EntityID)
	if err != nil {
		t.Fatalf("RetryDead failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 re-armed operation, got %d", n)
	}
	if err := e.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	doc, err := mem.Get(ctx, "partitions/sao_paulo_sp/addresses/"+rec.EntityID)
	if err != nil {
		t.Fatalf("remote Get failed: %v", err)
	}
	if doc == nil {
		t.Error("expected remote document after retrying a dead operation")
	}
}

func TestRestartReplaysClaimedOperation(t *testing.T) {
	cfg, err := config.NewLoader("").Load()
	if err != nil {
		t.Fatalf("failed to load default config: %v", err)
	}
	cfg.Store.Path = filepath.Join(t.TempDir(), "cache.db")
	cfg.Sync.Debounce = 0
	cfg.Sync.BackoffBase = 0
	cfg.Sync.BackoffCap = 0
	cfg.Reconcile.Partitions = []string{"sao_paulo_sp"}
	cfg.Log.File = filepath.Join(t.TempDir(), "test.log")

	mem := remote.NewMemoryStore()
	ctx := context.Background()

	e1, err := New(cfg, mem)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	rec, err := e1.Write(ctx, record.EntityAddress, "", record.FieldMap{
		"name":  "Casa",
		"city":  "São Paulo",
		"state": "SP",
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Claim the operation and then shut down without settling it, the way
	// a crash between claim and remote write would leave the database.
	claimed, err := e1.Queue().ClaimDue(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDue failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected one claimed operation, got %d", len(claimed))
	}
	if err := e1.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	e2, err := New(cfg, mem)
	if err != nil {
		t.Fatalf("New after restart failed: %v", err)
	}
	t.Cleanup(func() { e2.Stop() })

	if err := e2.Drain(ctx); err != nil {
		t.Fatalf("Drain after restart failed: %v", err)
	}

	doc, err := mem.Get(ctx, "partitions/sao_paulo_sp/addresses/"+rec.EntityID)
	if err != nil {
		t.Fatalf("remote Get failed: %v", err)
	}
	if doc == nil {
		t.Fatal("expected the claimed write to reach the remote after restart")
	}

	if _, err := e2.Queue().Get(ctx, record.EntityAddress, rec.EntityID); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("expected the operation to be gone after replay, got %v", err)
	}
	got, err := e2.Get(ctx, record.EntityAddress, rec.EntityID)
	if err != nil {
		t.Fatalf("Get after restart failed: %v", err)
	}
	if got.Unsynced {
		t.Error("expected unsynced cleared after replay")
	}
}
