package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gigtown/localsync/internal/adapters"
	"github.com/gigtown/localsync/internal/migrate"
)

var importDryRun bool

var importCmd = &cobra.Command{
	Use:   "import <export.jsonl>",
	Short: "Import a legacy flat-collection export into the cache",
	Long: `Seed the local cache from a JSONL export of the legacy
unpartitioned backend. Each line is one document:

  {"collection":"addresses","id":"a1","fields":{...},"updated_at":"..."}

Documents route to their partition by the location in their payload;
location-less documents land in the unknown partition, matching read
fallback.`,
	Args: cobra.ExactArgs(1),
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

		result, err := migrate.Import(context.Background(), e.Store(), adapters.NewRegistry(), migrate.Options{
			FromJSONL: args[0],
			DryRun:    importDryRun,
		})
		if err != nil {
			return err
		}

		verb := "imported"
		if importDryRun {
			verb = "would import"
		}
		fmt.Printf("%s %d document(s), skipped %d\n", verb, result.Imported, result.Skipped)
		for part, n := range result.Partitions {
			fmt.Printf("  %s: %d\n", part, n)
		}
		for _, msg := range result.Errors {
			fmt.Fprintf(os.Stderr, "  warning: %s\n", msg)
		}
		return nil
	},
}

func init() {
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "parse and count without writing")
}
