package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/gigtown/localsync/internal/queue"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	deadStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle   = lipgloss.NewStyle().Faint(true)
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync queue and cache status",
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

		ctx := context.Background()
		stats, err := e.Queue().Stats(ctx)
		if err != nil {
			return err
		}
		unsynced, err := e.Store().CountUnsynced(ctx)
		if err != nil {
			return err
		}

		fmt.Println(titleStyle.Render("Sync queue"))
		fmt.Printf("  %s %d\n", dimStyle.Render("pending:  "), stats[queue.StatusPending])
		fmt.Printf("  %s %d\n", dimStyle.Render("in flight:"), stats[queue.StatusInFlight])
		fmt.Printf("  %s %d\n", warnStyle.Render("failed:   "), stats[queue.StatusFailed])
		fmt.Printf("  %s %d\n", deadStyle.Render("dead:     "), stats[queue.StatusDead])

		fmt.Println(titleStyle.Render("Local cache"))
		if unsynced == 0 {
			fmt.Printf("  %s\n", okStyle.Render("everything synced"))
		} else {
			fmt.Printf("  %s %d\n", warnStyle.Render("awaiting remote confirmation:"), unsynced)
		}

		if stats[queue.StatusDead] > 0 {
			ops, err := e.Queue().List(ctx)
			if err != nil {
				return err
			}
			fmt.Println(titleStyle.Render("Dead operations"))
			for _, op := range ops {
				if op.Status != queue.StatusDead {
					continue
				}
				fmt.Printf("  %s %s/%s (%s, %d attempts): %s\n",
					deadStyle.Render("✗"), op.EntityType, op.EntityID, op.Kind, op.Attempts, op.LastError)
			}
			fmt.Println(dimStyle.Render("  run 'localsyncd retry' to re-arm them"))
		}
		return nil
	},
}
