// Package loadtest exercises the data layer under concurrent access.
//
// It simulates many clients writing entities and reading ranked feeds at
// once, to validate that local-first writes stay fast while the sync
// worker drains in the background.
package loadtest

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/gigtown/localsync/internal/engine"
	"github.com/gigtown/localsync/internal/ranker"
	"github.com/gigtown/localsync/internal/record"
)

// Options shapes one load test run.
type Options struct {
	// Posts is the number of feed posts seeded before the run.
	Posts int

	// Writers and WritesPerWriter shape the concurrent write load.
	Writers         int
	WritesPerWriter int

	// Readers and FeedsPerReader shape the concurrent feed load.
	Readers        int
	FeedsPerReader int

	// Seed makes the generated data reproducible.
	Seed int64
}

// DefaultOptions returns a modest smoke-test load.
func DefaultOptions() Options {
	return Options{
		Posts:           200,
		Writers:         8,
		WritesPerWriter: 25,
		Readers:         8,
		FeedsPerReader:  25,
		Seed:            42,
	}
}

// LatencyStats aggregates operation latencies.
type LatencyStats struct {
	Min    time.Duration
	Max    time.Duration
	Mean   time.Duration
	P50    time.Duration
	P95    time.Duration
	P99    time.Duration
	Total  int
	Errors int
}

// Report holds the outcome of one run.
type Report struct {
	Writes   LatencyStats
	Feeds    LatencyStats
	Duration time.Duration
}

var viewer = ranker.LatLng{Latitude: -23.5505, Longitude: -46.6333}

// Run seeds the engine with feed posts, then applies concurrent write and
// feed load. The engine should not be started; the run measures the local
// paths, not remote drains.
func Run(ctx context.Context, e *engine.Engine, opts Options) (*Report, error) {
	if e == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if opts.Posts < 0 || opts.Writers < 1 || opts.Readers < 0 {
		return nil, fmt.Errorf("invalid load options: %+v", opts)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	start := time.Now()

	if err := seedPosts(ctx, e, rng, opts.Posts); err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	writeDurations := make(chan []time.Duration, opts.Writers)
	writeErrors := make(chan int, opts.Writers)
	feedDurations := make(chan []time.Duration, opts.Readers)
	feedErrors := make(chan int, opts.Readers)

	for i := 0; i < opts.Writers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			durations := make([]time.Duration, 0, opts.WritesPerWriter)
			errs := 0
			for j := 0; j < opts.WritesPerWriter; j++ {
				fields := record.FieldMap{
					"name":  fmt.Sprintf("writer-%d-address-%d", id, j),
					"city":  "São Paulo",
					"state": "SP",
				}
				t0 := time.Now()
				_, err := e.Write(ctx, record.EntityAddress, "", fields)
				durations = append(durations, time.Since(t0))
				if err != nil {
					errs++
				}
			}
			writeDurations <- durations
			writeErrors <- errs
		}(i)
	}

	for i := 0; i < opts.Readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			durations := make([]time.Duration, 0, opts.FeedsPerReader)
			errs := 0
			for j := 0; j < opts.FeedsPerReader; j++ {
				t0 := time.Now()
				_, err := e.Feed(ctx, engine.FeedRequest{
					City:     "São Paulo",
					State:    "SP",
					Viewer:   viewer,
					RadiusKm: 25,
				})
				durations = append(durations, time.Since(t0))
				if err != nil {
					errs++
				}
			}
			feedDurations <- durations
			feedErrors <- errs
		}()
	}

	wg.Wait()
	close(writeDurations)
	close(writeErrors)
	close(feedDurations)
	close(feedErrors)

	report := &Report{Duration: time.Since(start)}
	report.Writes = collectStats(writeDurations, writeErrors)
	report.Feeds = collectStats(feedDurations, feedErrors)
	return report, nil
}

// seedPosts writes feed posts spread around the viewer so the feed path
// has real filtering and ranking work to do.
func seedPosts(ctx context.Context, e *engine.Engine, rng *rand.Rand, count int) error {
	now := time.Now().UTC()
	for i := 0; i < count; i++ {
		// Jitter within roughly +-10km of the viewer.
		lat := viewer.Latitude + (rng.Float64()-0.5)*0.2
		lng := viewer.Longitude + (rng.Float64()-0.5)*0.2

		fields := record.FieldMap{
			"caption":        fmt.Sprintf("seeded post %d", i),
			"city":           "São Paulo",
			"state":          "SP",
			"latitude":       lat,
			"longitude":      lng,
			"like_count":     rng.Intn(200),
			"comment_count":  rng.Intn(60),
			"rating_average": rng.Float64() * 5,
			"rating_count":   rng.Intn(40),
			"created_at":     now.Add(-time.Duration(rng.Intn(72)) * time.Hour).Format(time.RFC3339Nano),
			"expired":        false,
		}
		if _, err := e.Write(ctx, record.EntityPost, "", fields); err != nil {
			return fmt.Errorf("failed to seed post %d: %w", i, err)
		}
	}
	return nil
}

func collectStats(durations chan []time.Duration, errs chan int) LatencyStats {
	var all []time.Duration
	for batch := range durations {
		all = append(all, batch...)
	}
	errors := 0
	for n := range errs {
		errors += n
	}

	stats := computeLatencyStats(all)
	stats.Errors = errors
	return stats
}

func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  total / time.Duration(len(sorted)),
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
		Total: len(sorted),
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
