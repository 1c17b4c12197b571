package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"companion/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store statistics, prediction accuracy, and recent rewards",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := store.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer s.Close()
		ctx := context.Background()

		stats, err := s.Stats()
		if err != nil {
			return err
		}
		fmt.Println("Store:")
		tables := make([]string, 0, len(stats))
		for table := range stats {
			tables = append(tables, table)
		}
		sort.Strings(tables)
		for _, table := range tables {
			fmt.Printf("  %-22s %d\n", table, stats[table])
		}
		if s.HasVectorExt() {
			fmt.Println("  vector search         vec0")
		} else {
			fmt.Println("  vector search         in-process cosine")
		}

		accuracy, err := s.PredictionAccuracy(ctx)
		if err == nil && len(accuracy) > 0 {
			fmt.Println("\nPrediction accuracy:")
			for typ, acc := range accuracy {
				fmt.Printf("  %-22s %.0f%%\n", typ, acc*100)
			}
		}

		rewards, err := s.RewardsSince(ctx, time.Now().Add(-7*24*time.Hour))
		if err == nil && len(rewards) > 0 {
			mean := 0.0
			for _, r := range rewards {
				mean += r.CombinedReward
			}
			fmt.Printf("\nRewards (7d): %d signals, mean %.2f\n", len(rewards), mean/float64(len(rewards)))
		}

		if state, err := s.CurrentCareState(ctx, time.Now()); err == nil && state != nil {
			fmt.Printf("\nUser state: %s (wellbeing %.2f)\n", state.UserState, state.Wellbeing)
		}
		return nil
	},
}
