package loadtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gigtown/localsync/internal/config"
	"github.com/gigtown/localsync/internal/engine"
	"github.com/gigtown/localsync/internal/remote"
)

func setupTestEngine(t *testing.T) *engine.Engine {
	t.Helper()

	cfg, err := config.NewLoader("").Load()
	if err != nil {
		t.Fatalf("failed to load default config: %v", err)
	}
	cfg.Store.Path = filepath.Join(t.TempDir(), "cache.db")
	cfg.Sync.Debounce = time.Minute
	cfg.Log.File = filepath.Join(t.TempDir(), "test.log")

	e, err := engine.New(cfg, remote.NewMemoryStore())
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}
	t.Cleanup(func() { e.Stop() })
	return e
}

func TestRunSmallLoad(t *testing.T) {
	e := setupTestEngine(t)

	report, err := Run(context.Background(), e, Options{
		Posts:           20,
		Writers:         4,
		WritesPerWriter: 5,
		Readers:         4,
		FeedsPerReader:  5,
		Seed:            1,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Writes.Total != 20 {
		t.Errorf("expected 20 writes, got %d", report.Writes.Total)
	}
	if report.Writes.Errors != 0 {
		t.Errorf("expected no write errors, got %d", report.Writes.Errors)
	}
	if report.Feeds.Total != 20 {
		t.Errorf("expected 20 feed reads, got %d", report.Feeds.Total)
	}
	if report.Feeds.Errors != 0 {
		t.Errorf("expected no feed errors, got %d", report.Feeds.Errors)
	}
	if report.Writes.P95 < report.Writes.Min {
		t.Error("percentiles must not be below the minimum")
	}
}

func TestComputeLatencyStats(t *testing.T) {
	durations := make([]time.Duration, 100)
	for i := range durations {
		durations[i] = time.Duration(i+1) * time.Millisecond
	}

	stats := computeLatencyStats(durations)
	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("unexpected min/max: %s / %s", stats.Min, stats.Max)
	}
	if stats.P50 != 50*time.Millisecond {
		t.Errorf("expected P50 of 50ms, got %s", stats.P50)
	}
	if stats.P99 != 99*time.Millisecond {
		t.Errorf("expected P99 of 99ms, got %s", stats.P99)
	}
	if stats.Total != 100 {
		t.Errorf("expected 100 samples, got %d", stats.Total)
	}

	empty := computeLatencyStats(nil)
	if empty.Total != 0 {
		t.Errorf("expected empty stats, got %+v", empty)
	}
}
