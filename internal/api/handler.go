package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"lof-monitor/internal/fund"
	"lof-monitor/internal/storage"
)

const (
	defaultLogLimit = 10
	maxLogLimit     = 50
)

// NextRunSource reports when the scheduler fires next.
type NextRunSource interface {
	NextRun() (time.Time, bool)
}

// Handler serves the read-only snapshot endpoints.
type Handler struct {
	reader     storage.SnapshotReader
	next       NextRunSource
	minPremium decimal.Decimal
	logger     zerolog.Logger
}

// NewHandler builds the API handler. next may be nil when no scheduler runs in-process.
func NewHandler(reader storage.SnapshotReader, next NextRunSource, defaultMinPremium decimal.Decimal, logger zerolog.Logger) *Handler {
	return &Handler{
		reader:     reader,
		next:       next,
		minPremium: defaultMinPremium,
		logger:     logger.With().Str("component", "api").Logger(),
	}
}

// RegisterRoutes mounts the dataset and status endpoints on r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	lof := r.Group("/lof")
	{
		lof.GET("/list", h.ListPremium)
		lof.GET("/all", h.ListAll)
		lof.GET("/index", h.ListIndex)
	}
	r.GET("/qdii/commodity", h.ListCommodity)
	r.GET("/status", h.Status)
	r.GET("/logs", h.Logs)
}

// ListPremium returns arbitrage rows at or above min_premium, highest premium first.
func (h *Handler) ListPremium(c *gin.Context) {
	minPremium := h.minPremium
	if raw := c.Query("min_premium"); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			fail(c, http.StatusBadRequest, "invalid min_premium")
			return
		}
		minPremium = parsed
	}
	h.listArbitrage(c, &minPremium)
}

// ListAll returns every arbitrage row without a premium floor.
func (h *Handler) ListAll(c *gin.Context) {
	h.listArbitrage(c, nil)
}

func (h *Handler) listArbitrage(c *gin.Context, minPremium *decimal.Decimal) {
	status, ok := parseStatus(c.DefaultQuery("status", "all"))
	if !ok {
		fail(c, http.StatusBadRequest, "status must be one of all/open/limited/suspended/unknown")
		return
	}

	ctx := c.Request.Context()
	rows, err := h.reader.ListArbitrage(ctx, storage.ArbitrageFilter{MinPremium: minPremium, ApplyStatus: status})
	if err != nil {
		h.internal(c, err)
		return
	}
	updated, err := h.reader.LatestSuccessTime(ctx)
	if err != nil {
		h.internal(c, err)
		return
	}

	items := make([]arbitrageItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, newArbitrageItem(row))
	}
	respond(c, listData[arbitrageItem]{UpdateTime: updated, Count: len(items), Items: items})
}

// ListCommodity returns QDII commodity rows in site order.
func (h *Handler) ListCommodity(c *gin.Context) {
	ctx := c.Request.Context()
	rows, err := h.reader.ListCommodity(ctx)
	if err != nil {
		h.internal(c, err)
		return
	}
	updated, err := h.reader.LatestSuccessTime(ctx)
	if err != nil {
		h.internal(c, err)
		return
	}

	items := make([]commodityItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, newCommodityItem(row))
	}
	respond(c, listData[commodityItem]{UpdateTime: updated, Count: len(items), Items: items})
}

// ListIndex returns index-tracking rows in the site's premium order.
func (h *Handler) ListIndex(c *gin.Context) {
	ctx := c.Request.Context()
	rows, err := h.reader.ListIndex(ctx)
	if err != nil {
		h.internal(c, err)
		return
	}
	updated, err := h.reader.LatestSuccessTime(ctx)
	if err != nil {
		h.internal(c, err)
		return
	}

	items := make([]indexItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, newIndexItem(row))
	}
	respond(c, listData[indexItem]{UpdateTime: updated, Count: len(items), Items: items})
}

// Status reports the last outcome, snapshot size and the next scheduled run.
func (h *Handler) Status(c *gin.Context) {
	ctx := c.Request.Context()
	last, err := h.reader.LatestOutcome(ctx)
	if err != nil {
		h.internal(c, err)
		return
	}
	count, err := h.reader.CountArbitrage(ctx)
	if err != nil {
		h.internal(c, err)
		return
	}

	data := statusData{RecordCount: count}
	if last != nil {
		data.LastUpdate = &last.ScrapeTime
		data.LastStatus = &last.Status
		if last.Status == storage.StatusFailed {
			data.LastError = last.Error
		}
	}
	if h.next != nil {
		if next, ok := h.next.NextRun(); ok {
			data.NextScrape = &next
		}
	}
	respond(c, data)
}

// Logs returns the most recent scrape outcomes, newest first.
func (h *Handler) Logs(c *gin.Context) {
	limit := defaultLogLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxLogLimit {
			fail(c, http.StatusBadRequest, "limit must be between 1 and 50")
			return
		}
		limit = parsed
	}

	outcomes, err := h.reader.ListOutcomes(c.Request.Context(), limit)
	if err != nil {
		h.internal(c, err)
		return
	}

	items := make([]logItem, 0, len(outcomes))
	for _, o := range outcomes {
		items = append(items, newLogItem(o))
	}
	respond(c, logsData{Count: len(items), Items: items})
}

func (h *Handler) internal(c *gin.Context, err error) {
	h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("query failed")
	fail(c, http.StatusInternalServerError, "internal error")
}

func parseStatus(v string) (fund.ApplyStatus, bool) {
	if v == "" || v == "all" {
		return "", true
	}
	return fund.ParseApplyStatusFilter(v)
}
