package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"lof-monitor/internal/fund"
	"lof-monitor/internal/storage"
)

// envelope wraps every JSON response.
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func respond(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{Code: 0, Message: "success", Data: data})
}

func fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, envelope{Code: status, Message: message})
}

type listData[T any] struct {
	UpdateTime *time.Time `json:"update_time"`
	Count      int        `json:"count"`
	Items      []T        `json:"items"`
}

type logsData struct {
	Count int       `json:"count"`
	Items []logItem `json:"items"`
}

type statusData struct {
	LastUpdate  *time.Time `json:"last_update"`
	LastStatus  *string    `json:"last_status"`
	LastError   *string    `json:"last_error"`
	RecordCount int64      `json:"record_count"`
	NextScrape  *time.Time `json:"next_scrape"`
}

// style is one rendered cell style.
type style struct {
	Color           *string `json:"color"`
	BackgroundColor *string `json:"backgroundColor,omitempty"`
}

type arbitrageItem struct {
	FundCode     string           `json:"fund_code"`
	FundName     string           `json:"fund_name"`
	FundTags     []string         `json:"fund_tags"`
	Price        *float64         `json:"price"`
	ChangePct    *float64         `json:"change_pct"`
	Amount       *float64         `json:"amount"`
	PremiumRate  float64          `json:"premium_rate"`
	EstimateNAV  *float64         `json:"estimate_nav"`
	NAV          *float64         `json:"nav"`
	NAVDate      *string          `json:"nav_date"`
	Shares       *float64         `json:"shares"`
	SharesChange *float64         `json:"shares_change"`
	ApplyFee     string           `json:"apply_fee"`
	ApplyStatus  fund.ApplyStatus `json:"apply_status"`
	ApplyLimit   string           `json:"apply_limit"`
	RedeemFee    string           `json:"redeem_fee"`
	RedeemStatus string           `json:"redeem_status"`
	FundCompany  string           `json:"fund_company"`
	Styles       map[string]style `json:"styles"`
}

func newArbitrageItem(row fund.ArbitrageRow) arbitrageItem {
	item := arbitrageItem{
		FundCode:     row.Code,
		FundName:     row.Name,
		FundTags:     row.Tags,
		Price:        floatPtr(row.Price),
		ChangePct:    floatPtr(row.ChangePct),
		Amount:       floatPtr(row.Amount),
		PremiumRate:  row.PremiumRate.InexactFloat64(),
		EstimateNAV:  floatPtr(row.EstimateNAV),
		NAV:          floatPtr(row.NAV),
		Shares:       floatPtr(row.Shares),
		SharesChange: floatPtr(row.SharesChange),
		ApplyFee:     row.ApplyFee,
		ApplyStatus:  row.ApplyStatus,
		ApplyLimit:   row.ApplyLimit,
		RedeemFee:    row.RedeemFee,
		RedeemStatus: row.RedeemStatus,
		FundCompany:  row.Company,
		Styles: map[string]style{
			fund.FieldChangePct:   {Color: strPtr(row.Styles.ChangePctColor)},
			fund.FieldPremiumRate: {Color: strPtr(row.Styles.PremiumRateColor)},
			fund.FieldApplyStatus: {
				Color:           strPtr(row.Styles.ApplyStatusColor),
				BackgroundColor: strPtr(row.Styles.ApplyStatusBackground),
			},
		},
	}
	if item.FundTags == nil {
		item.FundTags = []string{}
	}
	if row.NAVDate != nil {
		d := row.NAVDate.Format(time.DateOnly)
		item.NAVDate = &d
	}
	return item
}

type commodityItem struct {
	FundCode      string           `json:"fund_code"`
	FundName      string           `json:"fund_name"`
	Price         string           `json:"price"`
	ChangePct     string           `json:"change_pct"`
	Volume        string           `json:"volume"`
	Shares        string           `json:"shares"`
	SharesChange  string           `json:"shares_change"`
	NAVT2         string           `json:"nav_t2"`
	ValuationT1   string           `json:"valuation_t1"`
	PremiumRateT1 string           `json:"premium_rate_t1"`
	RTValuation   string           `json:"rt_valuation"`
	RTPremiumRate string           `json:"rt_premium_rate"`
	ApplyStatus   string           `json:"apply_status"`
	Benchmark     string           `json:"benchmark"`
	Styles        map[string]style `json:"styles"`
}

var commodityStyleFields = []string{fund.FieldChangePct, fund.FieldPremiumRateT1, fund.FieldRTPremiumRate, fund.FieldApplyStatus}

func newCommodityItem(row fund.CommodityRow) commodityItem {
	return commodityItem{
		FundCode:      row.Code,
		FundName:      row.Name,
		Price:         row.Price,
		ChangePct:     row.ChangePct,
		Volume:        row.Volume,
		Shares:        row.Shares,
		SharesChange:  row.SharesChange,
		NAVT2:         row.NAVT2,
		ValuationT1:   row.ValuationT1,
		PremiumRateT1: row.PremiumRateT1,
		RTValuation:   row.RTValuation,
		RTPremiumRate: row.RTPremiumRate,
		ApplyStatus:   row.ApplyStatus,
		Benchmark:     row.Benchmark,
		Styles:        colorStyles(row.Colors, commodityStyleFields),
	}
}

type indexItem struct {
	FundCode       string           `json:"fund_code"`
	FundName       string           `json:"fund_name"`
	Price          string           `json:"price"`
	ChangePct      string           `json:"change_pct"`
	Volume         string           `json:"volume"`
	PremiumRate    string           `json:"premium_rate"`
	IndexName      string           `json:"index_name"`
	IndexChangePct string           `json:"index_change_pct"`
	ApplyStatus    string           `json:"apply_status"`
	Styles         map[string]style `json:"styles"`
}

var indexStyleFields = []string{fund.FieldChangePct, fund.FieldPremiumRate, fund.FieldIndexChangePct, fund.FieldApplyStatus}

func newIndexItem(row fund.IndexRow) indexItem {
	return indexItem{
		FundCode:       row.Code,
		FundName:       row.Name,
		Price:          row.Price,
		ChangePct:      row.ChangePct,
		Volume:         row.Volume,
		PremiumRate:    row.PremiumRate,
		IndexName:      row.IndexName,
		IndexChangePct: row.IndexChangePct,
		ApplyStatus:    row.ApplyStatus,
		Styles:         colorStyles(row.Colors, indexStyleFields),
	}
}

type logItem struct {
	ID              int64     `json:"id"`
	ScrapeTime      time.Time `json:"scrape_time"`
	Status          string    `json:"status"`
	RecordCount     int       `json:"record_count"`
	ErrorMessage    *string   `json:"error_message"`
	DurationSeconds *float64  `json:"duration_seconds"`
}

func newLogItem(o storage.Outcome) logItem {
	return logItem{
		ID:              o.ID,
		ScrapeTime:      o.ScrapeTime,
		Status:          o.Status,
		RecordCount:     o.RecordCount,
		ErrorMessage:    o.Error,
		DurationSeconds: floatPtr(o.Duration),
	}
}

// colorStyles always carries the listed fields, null when uncolored, plus any
// other colored field.
func colorStyles(colors fund.Colors, fields []string) map[string]style {
	out := make(map[string]style, len(fields)+len(colors))
	for _, f := range fields {
		out[f] = style{}
	}
	for f, c := range colors {
		out[f] = style{Color: strPtr(c)}
	}
	return out
}

func floatPtr(d decimal.NullDecimal) *float64 {
	if !d.Valid {
		return nil
	}
	f := d.Decimal.InexactFloat64()
	return &f
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
