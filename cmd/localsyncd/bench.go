package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gigtown/localsync/internal/loadtest"
)

var (
	benchPosts   int
	benchWriters int
	benchWrites  int
	benchReaders int
	benchFeeds   int
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a concurrent write/feed load test",
	Long: `Measure local write and feed latencies under concurrent load.
The run uses a throwaway in-memory remote backend; it exercises the
local-first paths, not the network.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		e, err := openEngine(cfg)
		if err != nil {
			return err
		}
		defer e.Stop()

		opts := loadtest.DefaultOptions()
		opts.Posts = benchPosts
		opts.Writers = benchWriters
		opts.WritesPerWriter = benchWrites
		opts.Readers = benchReaders
		opts.FeedsPerReader = benchFeeds

		fmt.Printf("seeding %d posts, %d writers x %d writes, %d readers x %d feeds...\n",
			opts.Posts, opts.Writers, opts.WritesPerWriter, opts.Readers, opts.FeedsPerReader)

		report, err := loadtest.Run(context.Background(), e, opts)
		if err != nil {
			return err
		}

		fmt.Printf("\ncompleted in %s\n", report.Duration.Round(time.Millisecond))
		printStats("writes", report.Writes)
		printStats("feeds", report.Feeds)
		return nil
	},
}

func printStats(name string, s loadtest.LatencyStats) {
	fmt.Printf("%s: %d ops, %d errors\n", name, s.Total, s.Errors)
	fmt.Printf("  min=%s mean=%s p50=%s p95=%s p99=%s max=%s\n",
		s.Min, s.Mean, s.P50, s.P95, s.P99, s.Max)
}

func init() {
	benchCmd.Flags().IntVar(&benchPosts, "posts", 200, "feed posts to seed")
	benchCmd.Flags().IntVar(&benchWriters, "writers", 8, "concurrent writers")
	benchCmd.Flags().IntVar(&benchWrites, "writes", 25, "writes per writer")
	benchCmd.Flags().IntVar(&benchReaders, "readers", 8, "concurrent feed readers")
	benchCmd.Flags().IntVar(&benchFeeds, "feeds", 25, "feed reads per reader")
}
