package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"lof-monitor/internal/fund"
)

// Outcome statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Outcome is one scrape_log entry. Duration is rounded to two decimals on write.
type Outcome struct {
	ID          int64
	ScrapeTime  time.Time
	Status      string
	RecordCount int
	Error       *string
	Duration    decimal.NullDecimal
}

// ArbitrageFilter narrows ListArbitrage. Zero value lists everything.
type ArbitrageFilter struct {
	MinPremium  *decimal.Decimal
	ApplyStatus fund.ApplyStatus
}
