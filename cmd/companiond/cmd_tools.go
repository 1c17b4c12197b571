package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"companion/internal/store"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List registered tools and their execution stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := store.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer s.Close()

		descriptors, err := s.ListToolDescriptors(context.Background())
		if err != nil {
			return err
		}
		if len(descriptors) == 0 {
			fmt.Println("No tools registered yet; they register when the daemon starts.")
			return nil
		}

		fmt.Printf("%-22s %-12s %-10s %-9s %s\n", "NAME", "CATEGORY", "COST", "CONFIRM", "SUCCESS/RUNS")
		for _, d := range descriptors {
			confirm := ""
			if d.RequiresConfirmation {
				confirm = "yes"
			}
			fmt.Printf("%-22s %-12s %-10s %-9s %d/%d\n",
				d.Name, d.Category, d.CostTier, confirm, d.TotalSuccesses, d.TotalExecutions)
		}
		return nil
	},
}
