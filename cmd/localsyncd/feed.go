package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/gigtown/localsync/internal/engine"
	"github.com/gigtown/localsync/internal/ranker"
)

var (
	feedCity   string
	feedState  string
	feedLat    float64
	feedLng    float64
	feedRadius float64
	feedLimit  int
)

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Show the ranked feed for a location",
	Long: `Rank the cached feed posts for a viewer position: geo-filter by
radius, score by interest, engagement, rating, and recency, and print
in ranked order.

Example usage:
  localsyncd feed --city "São Paulo" --state SP --lat -23.5505 --lng -46.6333`,
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

		feed, err := e.Feed(context.Background(), engine.FeedRequest{
			City:     feedCity,
			State:    feedState,
			Viewer:   ranker.LatLng{Latitude: feedLat, Longitude: feedLng},
			RadiusKm: feedRadius,
		})
		if err != nil {
			return err
		}
		if len(feed) == 0 {
			fmt.Println(dimStyle.Render("no posts in range"))
			return nil
		}

		scoreStyle := lipgloss.NewStyle().Bold(true)
		for i, item := range feed {
			if feedLimit > 0 && i >= feedLimit {
				break
			}
			fmt.Printf("%2d. %s  %s  %s\n", i+1,
				scoreStyle.Render(fmt.Sprintf("%+.3f", item.Score)),
				item.Candidate.ID,
				dimStyle.Render(fmt.Sprintf("%.1fkm", item.DistanceKm)))
		}
		return nil
	},
}

func init() {
	feedCmd.Flags().StringVar(&feedCity, "city", "", "viewer city")
	feedCmd.Flags().StringVar(&feedState, "state", "", "viewer state")
	feedCmd.Flags().Float64Var(&feedLat, "lat", 0, "viewer latitude")
	feedCmd.Flags().Float64Var(&feedLng, "lng", 0, "viewer longitude")
	feedCmd.Flags().Float64Var(&feedRadius, "radius", 0, "radius in km (default: configured feed radius)")
	feedCmd.Flags().IntVar(&feedLimit, "limit", 20, "maximum posts to print (0 for all)")
}
