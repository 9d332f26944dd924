package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gigtown/localsync/internal/record"
)

var (
	retryEntityType string
	retryEntityID   string
	retrySync       bool
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-arm dead sync operations",
	Long: `Re-arm operations that exhausted their retry budget or hit a
permanent error. Re-armed operations start over with a fresh attempt
counter.

Example usage:
  localsyncd retry                         # re-arm everything dead
  localsyncd retry --type addresses        # one entity type
  localsyncd retry --type orders --id o-1  # one entity
  localsyncd retry --sync                  # re-arm and drain now`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if retryEntityID != "" && retryEntityType == "" {
			return fmt.Errorf("--id requires --type")
		}
		entityType := record.EntityType(retryEntityType)
		if retryEntityType != "" && !entityType.Valid() {
			return fmt.Errorf("unknown entity type %q", retryEntityType)
		}

		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		e, err := openEngine(cfg)
		if err != nil {
			return err
		}
		defer e.Stop()

		ctx := context.Background()
		n, err := e.RetryDead(ctx, entityType, retryEntityID)
		if err != nil {
			return err
		}
		fmt.Printf("re-armed %d operation(s)\n", n)

		if retrySync && n > 0 {
			if err := e.Drain(ctx); err != nil {
				return err
			}
			fmt.Println("drained")
		}
		return nil
	},
}

func init() {
	retryCmd.Flags().StringVar(&retryEntityType, "type", "", "entity type to retry (default: all)")
	retryCmd.Flags().StringVar(&retryEntityID, "id", "", "entity id to retry (requires --type)")
	retryCmd.Flags().BoolVar(&retrySync, "sync", false, "drain the queue after re-arming")
}
