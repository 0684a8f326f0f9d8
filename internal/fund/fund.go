package fund

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies one of the scraped datasets.
type Kind string

const (
	KindArbitrage Kind = "arbitrage"
	KindCommodity Kind = "commodity"
	KindIndex     Kind = "index"
)

// Kinds lists datasets in scrape order.
var Kinds = []Kind{KindArbitrage, KindCommodity, KindIndex}

// Table returns the snapshot table backing the dataset.
func (k Kind) Table() string {
	switch k {
	case KindArbitrage:
		return "lof_data"
	case KindCommodity:
		return "qdii_data"
	case KindIndex:
		return "lof_index_data"
	default:
		return ""
	}
}

// ApplyStatus 申购状态。
type ApplyStatus string

const (
	ApplyOpen      ApplyStatus = "open"
	ApplyLimited   ApplyStatus = "limited"
	ApplySuspended ApplyStatus = "suspended"
	ApplyUnknown   ApplyStatus = "unknown"
)

// ParseApplyStatusFilter maps a query value onto a status; "all" and "" mean no filter.
func ParseApplyStatusFilter(v string) (ApplyStatus, bool) {
	switch ApplyStatus(v) {
	case ApplyOpen, ApplyLimited, ApplySuspended, ApplyUnknown:
		return ApplyStatus(v), true
	}
	return "", false
}

// ArbitrageStyles keeps the colors the site renders for an arbitrage row.
// Empty strings mean the style is absent.
type ArbitrageStyles struct {
	ChangePctColor        string
	PremiumRateColor      string
	ApplyStatusColor      string
	ApplyStatusBackground string
}

// ArbitrageRow is one parsed row of the LOF arbitrage table.
type ArbitrageRow struct {
	Code         string
	Name         string
	Tags         []string
	Price        decimal.NullDecimal
	ChangePct    decimal.NullDecimal
	Amount       decimal.NullDecimal
	PremiumRate  decimal.Decimal
	EstimateNAV  decimal.NullDecimal
	NAV          decimal.NullDecimal
	NAVDate      *time.Time
	Shares       decimal.NullDecimal
	SharesChange decimal.NullDecimal
	ApplyFee     string
	ApplyStatus  ApplyStatus
	ApplyLimit   string
	RedeemFee    string
	RedeemStatus string
	Company      string
	Styles       ArbitrageStyles
}

// Colors maps a field name to its rendered hex color. Fields without a color are omitted.
type Colors map[string]string

// Field names shared by the raw-text datasets. They double as color keys and JSON names.
const (
	FieldCode           = "fund_code"
	FieldName           = "fund_name"
	FieldPrice          = "price"
	FieldChangePct      = "change_pct"
	FieldVolume         = "volume"
	FieldShares         = "shares"
	FieldSharesChange   = "shares_change"
	FieldNAVT2          = "nav_t2"
	FieldValuationT1    = "valuation_t1"
	FieldPremiumRateT1  = "premium_rate_t1"
	FieldRTValuation    = "rt_valuation"
	FieldRTPremiumRate  = "rt_premium_rate"
	FieldApplyStatus    = "apply_status"
	FieldBenchmark      = "benchmark"
	FieldPremiumRate    = "premium_rate"
	FieldIndexName      = "index_name"
	FieldIndexChangePct = "index_change_pct"
)

// CommodityRow is one QDII commodity row kept as the site displays it.
type CommodityRow struct {
	Code          string
	Name          string
	Price         string
	ChangePct     string
	Volume        string
	Shares        string
	SharesChange  string
	NAVT2         string
	ValuationT1   string
	PremiumRateT1 string
	RTValuation   string
	RTPremiumRate string
	ApplyStatus   string
	Benchmark     string
	Colors        Colors
}

// IndexRow is one index-tracking LOF row kept as the site displays it.
type IndexRow struct {
	Code           string
	Name           string
	Price          string
	ChangePct      string
	Volume         string
	PremiumRate    string
	IndexName      string
	IndexChangePct string
	ApplyStatus    string
	Colors         Colors
}
