package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"lof-monitor/internal/app"
)

var (
	showLimit      int
	showMinPremium string
	showLogs       int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the arbitrage snapshot and recent scrape outcomes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		if showLogs < 0 {
			return fmt.Errorf("--logs cannot be negative")
		}

		minPremium, err := parsePremium(showMinPremium)
		if err != nil {
			return err
		}

		opts := app.ShowOptions{
			Limit:      showLimit,
			MinPremium: minPremium,
			Logs:       showLogs,
		}

		return getApp().Show(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of funds to display")
	showCmd.Flags().StringVar(&showMinPremium, "min-premium", "", "Only show funds at or above this premium rate (%)")
	showCmd.Flags().IntVar(&showLogs, "logs", 5, "Number of recent scrape outcomes to display")
}
