package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"lof-monitor/internal/fund"
	"lof-monitor/internal/storage"
)

// maxChartBars caps the premium chart to the highest-premium funds.
const maxChartBars = 40

// Export writes the current snapshot as CSV and/or a premium-rate PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Dataset == "" {
		opts.Dataset = fund.KindArbitrage
	}
	if opts.Dataset.Table() == "" {
		return fmt.Errorf("unknown dataset %q", opts.Dataset)
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = a.Config.Export.MaxRows
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	var arbitrage []fund.ArbitrageRow
	if opts.PNGPath != "" || opts.Dataset == fund.KindArbitrage {
		arbitrage, err = store.ListArbitrage(ctx, storage.ArbitrageFilter{MinPremium: opts.MinPremium})
		if err != nil {
			return err
		}
	}

	if opts.CSVPath != "" {
		n, err := a.exportCSV(ctx, store, opts, arbitrage)
		if err != nil {
			return err
		}
		a.Logger.Info().Str("dataset", string(opts.Dataset)).Int("rows", n).Str("path", opts.CSVPath).Msg("csv exported")
	}

	if opts.PNGPath != "" {
		if len(arbitrage) == 0 {
			a.Logger.Info().Msg("no arbitrage rows to chart")
			return nil
		}
		if err := writePremiumPNG(opts.PNGPath, arbitrage); err != nil {
			return err
		}
		a.Logger.Info().Str("path", opts.PNGPath).Msg("chart exported")
	}

	return nil
}

func (a *App) exportCSV(ctx context.Context, store storage.SnapshotReader, opts ExportOptions, arbitrage []fund.ArbitrageRow) (int, error) {
	var records [][]string
	switch opts.Dataset {
	case fund.KindArbitrage:
		records = arbitrageRecords(truncate(arbitrage, opts.MaxRows))
	case fund.KindCommodity:
		rows, err := store.ListCommodity(ctx)
		if err != nil {
			return 0, err
		}
		records = commodityRecords(truncate(rows, opts.MaxRows))
	case fund.KindIndex:
		rows, err := store.ListIndex(ctx)
		if err != nil {
			return 0, err
		}
		records = indexRecords(truncate(rows, opts.MaxRows))
	}
	return len(records) - 1, writeCSVFile(opts.CSVPath, records)
}

func truncate[T any](rows []T, max int) []T {
	if max > 0 && len(rows) > max {
		return rows[:max]
	}
	return rows
}

func arbitrageRecords(rows []fund.ArbitrageRow) [][]string {
	records := [][]string{{
		"fund_code", "fund_name", "fund_tags", "price", "change_pct", "amount", "premium_rate",
		"estimate_nav", "nav", "nav_date", "shares", "shares_change",
		"apply_fee", "apply_status", "apply_limit", "redeem_fee", "redeem_status", "fund_company",
	}}
	for _, row := range rows {
		navDate := ""
		if row.NAVDate != nil {
			navDate = row.NAVDate.Format(time.DateOnly)
		}
		records = append(records, []string{
			row.Code,
			row.Name,
			strings.Join(row.Tags, ","),
			nullDecimalString(row.Price),
			nullDecimalString(row.ChangePct),
			nullDecimalString(row.Amount),
			row.PremiumRate.String(),
			nullDecimalString(row.EstimateNAV),
			nullDecimalString(row.NAV),
			navDate,
			nullDecimalString(row.Shares),
			nullDecimalString(row.SharesChange),
			row.ApplyFee,
			string(row.ApplyStatus),
			row.ApplyLimit,
			row.RedeemFee,
			row.RedeemStatus,
			row.Company,
		})
	}
	return records
}

func commodityRecords(rows []fund.CommodityRow) [][]string {
	records := [][]string{{
		fund.FieldCode, fund.FieldName, fund.FieldPrice, fund.FieldChangePct, fund.FieldVolume,
		fund.FieldShares, fund.FieldSharesChange, fund.FieldNAVT2, fund.FieldValuationT1,
		fund.FieldPremiumRateT1, fund.FieldRTValuation, fund.FieldRTPremiumRate,
		fund.FieldApplyStatus, fund.FieldBenchmark,
	}}
	for _, row := range rows {
		records = append(records, []string{
			row.Code, row.Name, row.Price, row.ChangePct, row.Volume,
			row.Shares, row.SharesChange, row.NAVT2, row.ValuationT1,
			row.PremiumRateT1, row.RTValuation, row.RTPremiumRate,
			row.ApplyStatus, row.Benchmark,
		})
	}
	return records
}

func indexRecords(rows []fund.IndexRow) [][]string {
	records := [][]string{{
		fund.FieldCode, fund.FieldName, fund.FieldPrice, fund.FieldChangePct, fund.FieldVolume,
		fund.FieldPremiumRate, fund.FieldIndexName, fund.FieldIndexChangePct, fund.FieldApplyStatus,
	}}
	for _, row := range rows {
		records = append(records, []string{
			row.Code, row.Name, row.Price, row.ChangePct, row.Volume,
			row.PremiumRate, row.IndexName, row.IndexChangePct, row.ApplyStatus,
		})
	}
	return records
}

func writeCSVFile(path string, records [][]string) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return writeCSV(file, records)
}

func writeCSV(w io.Writer, records [][]string) error {
	writer := csv.NewWriter(w)
	if err := writer.WriteAll(records); err != nil {
		return err
	}
	return writer.Error()
}

func writePremiumPNG(path string, rows []fund.ArbitrageRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return renderPremiumChart(file, rows)
}

// renderPremiumChart draws one bar per fund in row order, which is premium descending.
func renderPremiumChart(w io.Writer, rows []fund.ArbitrageRow) error {
	rows = truncate(rows, maxChartBars)

	bars := make([]chart.Value, 0, len(rows))
	for _, row := range rows {
		bars = append(bars, chart.Value{
			Label: row.Code,
			Value: row.PremiumRate.InexactFloat64(),
		})
	}

	graph := chart.BarChart{
		Title:        fmt.Sprintf("LOF premium rate (%s)", time.Now().Format("2006-01-02 15:04")),
		Width:        1280,
		Height:       720,
		BarWidth:     20,
		UseBaseValue: true,
		BaseValue:    0,
		Background: chart.Style{
			Padding: chart.Box{Top: 40},
		},
		YAxis: chart.YAxis{
			Name: "Premium (%)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Bars: bars,
	}
	return graph.Render(chart.PNG, w)
}

func nullDecimalString(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
