package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gigtown/localsync/internal/config"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon",
	Long: `Run the background sync daemon: the retry queue worker, the
change-feed reconciler, and (when enabled) the status dashboard.

The daemon watches its config file and applies edits to the feed radius
and scoring weights without a restart; queue and partition changes need
one.

Example usage:
  localsyncd daemon
  localsyncd daemon --config /etc/localsync.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, loader, err := loadConfig()
		if err != nil {
			return err
		}

		e, err := openEngine(cfg)
		if err != nil {
			return err
		}

		if err := e.Start(); err != nil {
			_ = e.Stop()
			return err
		}

		loader.Watch(func(next *config.Config, err error) {
			if err != nil {
				fmt.Fprintf(os.Stderr, "config reload rejected: %v\n", err)
				return
			}
			e.ApplyFeedConfig(next.Feed)
			fmt.Println("feed config reloaded; restart to apply queue or partition changes")
		})

		fmt.Printf("localsyncd running (store=%s)\n", cfg.Store.Path)
		if cfg.Dashboard.Enabled {
			fmt.Printf("dashboard: http://%s\n", cfg.Dashboard.Addr)
		}
		fmt.Println("Press Ctrl+C to stop.")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down...")
		return e.Stop()
	},
}
