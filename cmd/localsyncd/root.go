package main

import (
	"github.com/spf13/cobra"

	"github.com/gigtown/localsync/internal/config"
	"github.com/gigtown/localsync/internal/engine"
	"github.com/gigtown/localsync/internal/remote"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "localsyncd",
	Short: "Local-first marketplace data layer",
	Long: `localsyncd keeps a local cache of marketplace entities in sync with a
partitioned remote store.

Writes land in the local cache immediately and drain to the remote store
in the background through a durable retry queue. Remote changes stream
back through per-partition subscriptions without clobbering unconfirmed
local edits.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: built-in defaults + LOCALSYNC_* env)")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(feedCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(benchCmd)
}

// loadConfig reads the configuration for the current invocation.
func loadConfig() (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}

// openEngine builds an engine over the configured cache and the in-memory
// remote backend. Production deployments swap the backend by implementing
// remote.Store.
func openEngine(cfg *config.Config) (*engine.Engine, error) {
	return engine.New(cfg, remote.NewMemoryStore())
}
