package fetcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"lof-monitor/internal/browser"
	"lof-monitor/internal/fund"
	"lof-monitor/internal/parser"
)

// Column counts of the site tables. Shorter rows are group headers or placeholders.
const (
	arbitrageColumns = 16
	commodityColumns = 14
	indexColumns     = 9
)

// arbitrage table columns
const (
	arbCode = iota
	arbName
	arbPrice
	arbChangePct
	arbAmount
	arbPremiumRate
	arbEstimateNAV
	arbNAV
	arbNAVDate
	arbShares
	arbSharesChange
	arbApplyFee
	arbApplyStatus
	arbRedeemFee
	arbRedeemStatus
	arbCompany
)

var commodityFields = []string{
	fund.FieldCode,
	fund.FieldName,
	fund.FieldPrice,
	fund.FieldChangePct,
	fund.FieldVolume,
	fund.FieldShares,
	fund.FieldSharesChange,
	fund.FieldNAVT2,
	fund.FieldValuationT1,
	fund.FieldPremiumRateT1,
	fund.FieldRTValuation,
	fund.FieldRTPremiumRate,
	fund.FieldApplyStatus,
	fund.FieldBenchmark,
}

var indexFields = []string{
	fund.FieldCode,
	fund.FieldName,
	fund.FieldPrice,
	fund.FieldChangePct,
	fund.FieldVolume,
	fund.FieldPremiumRate,
	fund.FieldIndexName,
	fund.FieldIndexChangePct,
	fund.FieldApplyStatus,
}

// Arbitrage extracts the LOF arbitrage table with parsed values.
func (e *extraction) Arbitrage(ctx context.Context) ([]fund.ArbitrageRow, error) {
	rows, err := e.load(ctx, e.j.opts.Arbitrage)
	if err != nil {
		return nil, fmt.Errorf("extract arbitrage: %w", err)
	}

	today := e.j.now()
	out := make([]fund.ArbitrageRow, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	e.each(fund.KindArbitrage, rows, arbitrageColumns, func(row browser.Row) bool {
		parsed, ok := parseArbitrageRow(row, today)
		if !ok {
			return false
		}
		// fund_code is unique within a snapshot; the first occurrence wins
		if _, dup := seen[parsed.Code]; dup {
			return false
		}
		seen[parsed.Code] = struct{}{}
		out = append(out, parsed)
		return true
	})
	return out, nil
}

// Commodity extracts the QDII commodity table as display text.
func (e *extraction) Commodity(ctx context.Context) ([]fund.CommodityRow, error) {
	rows, err := e.load(ctx, e.j.opts.Commodity)
	if err != nil {
		return nil, fmt.Errorf("extract commodity: %w", err)
	}

	out := make([]fund.CommodityRow, 0, len(rows))
	e.each(fund.KindCommodity, rows, commodityColumns, func(row browser.Row) bool {
		parsed, ok := parseCommodityRow(row)
		if ok {
			out = append(out, parsed)
		}
		return ok
	})
	return out, nil
}

// Index extracts the index LOF table in the order the site sorted it.
func (e *extraction) Index(ctx context.Context) ([]fund.IndexRow, error) {
	rows, err := e.load(ctx, e.j.opts.Index)
	if err != nil {
		return nil, fmt.Errorf("extract index: %w", err)
	}

	out := make([]fund.IndexRow, 0, len(rows))
	e.each(fund.KindIndex, rows, indexColumns, func(row browser.Row) bool {
		parsed, ok := parseIndexRow(row)
		if ok {
			out = append(out, parsed)
		}
		return ok
	})
	return out, nil
}

// each feeds rows with at least columns cells to fn. A panicking row is logged and skipped.
func (e *extraction) each(kind fund.Kind, rows []browser.Row, columns int, fn func(browser.Row) bool) {
	var short, skipped int
	for i, row := range rows {
		if len(row) < columns {
			short++
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					skipped++
					e.logger.Warn().Str("dataset", string(kind)).Int("row", i).Interface("panic", r).Msg("解析行数据失败")
				}
			}()
			if !fn(row) {
				skipped++
			}
		}()
	}
	e.logger.Info().
		Str("dataset", string(kind)).
		Int("rows", len(rows)).
		Int("short", short).
		Int("skipped", skipped).
		Msg("成功解析数据")
}

func parseArbitrageRow(row browser.Row, today time.Time) (fund.ArbitrageRow, bool) {
	code := parser.CleanText(row[arbCode].Text)
	premium := parser.ParseNumber(row[arbPremiumRate].Text)
	if code == "" || !premium.Valid {
		return fund.ArbitrageRow{}, false
	}

	name, tags := parser.ExtractNameAndTags(row[arbName].HTML)
	status, limit := parser.ParseApplyStatus(row[arbApplyStatus].Text)

	out := fund.ArbitrageRow{
		Code:         code,
		Name:         name,
		Tags:         tags,
		Price:        parser.ParseNumber(row[arbPrice].Text),
		ChangePct:    parser.ParseNumber(row[arbChangePct].Text),
		Amount:       parser.ParseNumber(row[arbAmount].Text),
		PremiumRate:  premium.Decimal,
		EstimateNAV:  parser.ParseNumber(row[arbEstimateNAV].Text),
		NAV:          parser.ParseNumber(row[arbNAV].Text),
		Shares:       parser.ParseNumber(row[arbShares].Text),
		SharesChange: parser.ParseNumber(row[arbSharesChange].Text),
		ApplyFee:     parser.CleanText(row[arbApplyFee].Text),
		ApplyStatus:  status,
		ApplyLimit:   limit,
		RedeemFee:    parser.CleanText(row[arbRedeemFee].Text),
		RedeemStatus: parser.CleanText(row[arbRedeemStatus].Text),
		Company:      parser.CleanText(row[arbCompany].Text),
		Styles: fund.ArbitrageStyles{
			ChangePctColor:        parser.ColorHex(row[arbChangePct].Color),
			PremiumRateColor:      parser.ColorHex(row[arbPremiumRate].Color),
			ApplyStatusColor:      parser.ColorHex(row[arbApplyStatus].Color),
			ApplyStatusBackground: parser.ColorHex(row[arbApplyStatus].Background),
		},
	}
	if d, ok := parser.ParseDate(row[arbNAVDate].Text, today); ok {
		out.NAVDate = &d
	}
	return out, true
}

func parseCommodityRow(row browser.Row) (fund.CommodityRow, bool) {
	text, colors := displayCells(row, commodityFields)
	if parser.CleanText(text[fund.FieldCode]) == "" {
		return fund.CommodityRow{}, false
	}
	return fund.CommodityRow{
		Code:          text[fund.FieldCode],
		Name:          text[fund.FieldName],
		Price:         text[fund.FieldPrice],
		ChangePct:     text[fund.FieldChangePct],
		Volume:        text[fund.FieldVolume],
		Shares:        text[fund.FieldShares],
		SharesChange:  text[fund.FieldSharesChange],
		NAVT2:         text[fund.FieldNAVT2],
		ValuationT1:   text[fund.FieldValuationT1],
		PremiumRateT1: text[fund.FieldPremiumRateT1],
		RTValuation:   text[fund.FieldRTValuation],
		RTPremiumRate: text[fund.FieldRTPremiumRate],
		ApplyStatus:   text[fund.FieldApplyStatus],
		Benchmark:     text[fund.FieldBenchmark],
		Colors:        colors,
	}, true
}

func parseIndexRow(row browser.Row) (fund.IndexRow, bool) {
	text, colors := displayCells(row, indexFields)
	if parser.CleanText(text[fund.FieldCode]) == "" {
		return fund.IndexRow{}, false
	}
	return fund.IndexRow{
		Code:           text[fund.FieldCode],
		Name:           text[fund.FieldName],
		Price:          text[fund.FieldPrice],
		ChangePct:      text[fund.FieldChangePct],
		Volume:         text[fund.FieldVolume],
		PremiumRate:    text[fund.FieldPremiumRate],
		IndexName:      text[fund.FieldIndexName],
		IndexChangePct: text[fund.FieldIndexChangePct],
		ApplyStatus:    text[fund.FieldApplyStatus],
		Colors:         colors,
	}, true
}

// displayCells maps fields onto the leading cells' trimmed text and hex colors.
func displayCells(row browser.Row, fields []string) (map[string]string, fund.Colors) {
	text := make(map[string]string, len(fields))
	colors := fund.Colors{}
	for i, field := range fields {
		cell := row[i]
		text[field] = strings.Join(strings.Fields(cell.Text), " ")
		if c := parser.ColorHex(cell.Color); c != "" {
			colors[field] = c
		}
	}
	return text, colors
}
