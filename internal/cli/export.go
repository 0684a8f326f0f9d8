package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"lof-monitor/internal/app"
	"lof-monitor/internal/fund"
)

var (
	exportPNGPath    string
	exportCSVPath    string
	exportDataset    string
	exportMinPremium string
	exportMaxRows    int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the current snapshot as CSV and/or a premium PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		minPremium, err := parsePremium(exportMinPremium)
		if err != nil {
			return err
		}

		opts := app.ExportOptions{
			PNGPath:    exportPNGPath,
			CSVPath:    exportCSVPath,
			Dataset:    fund.Kind(exportDataset),
			MinPremium: minPremium,
			MaxRows:    exportMaxRows,
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func parsePremium(raw string) (*decimal.Decimal, error) {
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid premium %q: %w", raw, err)
	}
	return &d, nil
}

func init() {
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write the premium PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().StringVar(&exportDataset, "dataset", string(fund.KindArbitrage), "CSV dataset: arbitrage, commodity or index")
	exportCmd.Flags().StringVar(&exportMinPremium, "min-premium", "", "Only export arbitrage funds at or above this premium rate (%)")
	exportCmd.Flags().IntVar(&exportMaxRows, "max-rows", 0, "Maximum rows to export (defaults to config)")
}
