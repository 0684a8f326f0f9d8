package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"lof-monitor/internal/fund"
	"lof-monitor/internal/storage"
)

// Show prints the current arbitrage snapshot and recent scrape outcomes.
func (a *App) Show(ctx context.Context, out io.Writer, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	rows, err := store.ListArbitrage(ctx, storage.ArbitrageFilter{MinPremium: opts.MinPremium})
	if err != nil {
		return err
	}
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}

	var outcomes []storage.Outcome
	if opts.Logs > 0 {
		outcomes, err = store.ListOutcomes(ctx, opts.Logs)
		if err != nil {
			return err
		}
	}

	return renderShow(out, rows, outcomes)
}

func renderShow(out io.Writer, rows []fund.ArbitrageRow, outcomes []storage.Outcome) error {
	if len(rows) == 0 {
		fmt.Fprintln(out, "no funds found")
	} else {
		writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Code\tName\tPrice\tPremium%\tNAV Date\tApply\tLimit\tCompany")
		for _, row := range rows {
			navDate := "-"
			if row.NAVDate != nil {
				navDate = row.NAVDate.Format(time.DateOnly)
			}
			fmt.Fprintf(
				writer,
				"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				row.Code,
				row.Name,
				formatNullDecimal(row.Price, 3),
				formatDecimal(row.PremiumRate, 2),
				navDate,
				row.ApplyStatus,
				sanitizeInline(row.ApplyLimit),
				row.Company,
			)
		}
		if err := writer.Flush(); err != nil {
			return err
		}
	}

	if len(outcomes) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time\tStatus\tRecords\tSeconds\tError")
	for _, o := range outcomes {
		errMsg := ""
		if o.Error != nil {
			errMsg = sanitizeInline(*o.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%s\t%s\n",
			o.ScrapeTime.Format(time.RFC3339),
			o.Status,
			o.RecordCount,
			formatNullDecimal(o.Duration, 2),
			errMsg,
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func formatNullDecimal(d decimal.NullDecimal, places int32) string {
	if !d.Valid {
		return "-"
	}
	return formatDecimal(d.Decimal, places)
}
