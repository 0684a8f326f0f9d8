package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"lof-monitor/internal/fund"
	"lof-monitor/internal/storage"
)

const testToken = "testtoken"

type fakeReader struct {
	arbitrage   []fund.ArbitrageRow
	commodity   []fund.CommodityRow
	index       []fund.IndexRow
	outcomes    []storage.Outcome
	lastSuccess *time.Time

	gotFilter storage.ArbitrageFilter
	gotLimit  int
	err       error
}

func (f *fakeReader) ListArbitrage(_ context.Context, filter storage.ArbitrageFilter) ([]fund.ArbitrageRow, error) {
	f.gotFilter = filter
	if f.err != nil {
		return nil, f.err
	}
	var out []fund.ArbitrageRow
	for _, row := range f.arbitrage {
		if filter.MinPremium != nil && row.PremiumRate.LessThan(*filter.MinPremium) {
			continue
		}
		if filter.ApplyStatus != "" && row.ApplyStatus != filter.ApplyStatus {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (f *fakeReader) ListCommodity(context.Context) ([]fund.CommodityRow, error) {
	return f.commodity, f.err
}

func (f *fakeReader) ListIndex(context.Context) ([]fund.IndexRow, error) {
	return f.index, f.err
}

func (f *fakeReader) CountArbitrage(context.Context) (int64, error) {
	return int64(len(f.arbitrage)), f.err
}

func (f *fakeReader) LatestSuccessTime(context.Context) (*time.Time, error) {
	return f.lastSuccess, f.err
}

func (f *fakeReader) LatestOutcome(context.Context) (*storage.Outcome, error) {
	if f.err != nil || len(f.outcomes) == 0 {
		return nil, f.err
	}
	return &f.outcomes[0], nil
}

func (f *fakeReader) ListOutcomes(_ context.Context, limit int) ([]storage.Outcome, error) {
	f.gotLimit = limit
	if limit < len(f.outcomes) {
		return f.outcomes[:limit], f.err
	}
	return f.outcomes, f.err
}

type fixedNext time.Time

func (n fixedNext) NextRun() (time.Time, bool) { return time.Time(n), true }

var scrapedAt = time.Date(2026, time.October, 14, 9, 30, 0, 0, time.UTC)

func seededReader() *fakeReader {
	navDate := time.Date(2026, time.October, 13, 0, 0, 0, 0, time.UTC)
	failed := "fetcher: login failed"
	return &fakeReader{
		arbitrage: []fund.ArbitrageRow{
			{
				Code: "161129", Name: "原油LOF", Tags: []string{"T+0"},
				Price:       decimal.NewNullDecimal(decimal.RequireFromString("1.234")),
				PremiumRate: decimal.RequireFromString("5.12"),
				NAVDate:     &navDate,
				ApplyStatus: fund.ApplyLimited,
				Styles:      fund.ArbitrageStyles{PremiumRateColor: "#ff0000", ApplyStatusBackground: "#ffeeee"},
			},
			{Code: "160216", Name: "国泰商品", PremiumRate: decimal.RequireFromString("3.50"), ApplyStatus: fund.ApplyOpen},
			{Code: "501018", Name: "南方原油", PremiumRate: decimal.RequireFromString("0.40"), ApplyStatus: fund.ApplyOpen},
		},
		commodity: []fund.CommodityRow{{Code: "162411", Name: "华宝油气", ChangePct: "1.20%", Colors: fund.Colors{fund.FieldChangePct: "#ff0000"}}},
		index:     []fund.IndexRow{{Code: "161017", PremiumRate: "2.50%", IndexName: "中证500"}},
		outcomes: []storage.Outcome{
			{ID: 3, ScrapeTime: scrapedAt, Status: storage.StatusFailed, Error: &failed, Duration: decimal.NewNullDecimal(decimal.RequireFromString("12.35"))},
			{ID: 2, ScrapeTime: scrapedAt.Add(-time.Hour), Status: storage.StatusSuccess, RecordCount: 5},
		},
		lastSuccess: ptr(scrapedAt.Add(-time.Hour)),
	}
}

func ptr[T any](v T) *T { return &v }

func newTestRouter(reader *fakeReader, allowed ...string) http.Handler {
	h := NewHandler(reader, fixedNext(scrapedAt.Add(time.Hour)), decimal.NewFromInt(3), zerolog.Nop())
	return NewRouter(h, RouterOptions{Token: testToken, AllowedIPs: allowed}, zerolog.Nop())
}

type response struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func get(t *testing.T, h http.Handler, path string, headers map[string]string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	for k, v := range headers {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec, body
}

func TestHealthzNeedsNoToken(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(seededReader()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestTokenRequired(t *testing.T) {
	h := newTestRouter(seededReader())

	rec, body := get(t, h, "/api/status", map[string]string{"Authorization": ""})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Invalid token", body.Message)

	rec, _ = get(t, h, "/api/status", map[string]string{"Authorization": "Bearer wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIPAllowList(t *testing.T) {
	h := newTestRouter(seededReader(), "1.2.3.4", " 5.6.7.8")

	rec, _ := get(t, h, "/api/status", map[string]string{"X-Forwarded-For": "5.6.7.8, 10.0.0.1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := get(t, h, "/healthz", map[string]string{"X-Forwarded-For": "9.9.9.9"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "Access denied from 9.9.9.9", body.Message)

	// httptest requests come from 192.0.2.1
	rec, body = get(t, h, "/api/status", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "Access denied from 192.0.2.1", body.Message)
}

func TestIPAllowListWildcard(t *testing.T) {
	h := newTestRouter(seededReader(), "1.2.3.4", "*")
	rec, _ := get(t, h, "/api/status", map[string]string{"X-Forwarded-For": "9.9.9.9"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestListPremiumDefaultsToConfiguredFloor(t *testing.T) {
	reader := seededReader()
	rec, body := get(t, newTestRouter(reader), "/api/lof/list", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 0, body.Code)
	require.Equal(t, "success", body.Message)
	require.NotNil(t, reader.gotFilter.MinPremium)
	require.Equal(t, "3", reader.gotFilter.MinPremium.String())

	var data struct {
		UpdateTime *time.Time       `json:"update_time"`
		Count      int              `json:"count"`
		Items      []map[string]any `json:"items"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &data))
	require.Equal(t, 2, data.Count)
	require.Equal(t, "161129", data.Items[0]["fund_code"])
	require.Equal(t, 5.12, data.Items[0]["premium_rate"])
	require.Equal(t, 1.234, data.Items[0]["price"])
	require.Nil(t, data.Items[0]["change_pct"])
	require.Equal(t, "2026-10-13", data.Items[0]["nav_date"])
	require.Equal(t, []any{"T+0"}, data.Items[0]["fund_tags"])
	require.Equal(t, []any{}, data.Items[1]["fund_tags"])
	require.True(t, data.UpdateTime.Equal(scrapedAt.Add(-time.Hour)))

	styles := data.Items[0]["styles"].(map[string]any)
	require.Equal(t, map[string]any{"color": "#ff0000"}, styles["premium_rate"])
	require.Equal(t, map[string]any{"color": nil}, styles["change_pct"])
	require.Equal(t, map[string]any{"color": nil, "backgroundColor": "#ffeeee"}, styles["apply_status"])
}

func TestListPremiumFilters(t *testing.T) {
	reader := seededReader()
	h := newTestRouter(reader)

	_, body := get(t, h, "/api/lof/list?min_premium=0&status=open", nil)
	var data listData[map[string]any]
	require.NoError(t, json.Unmarshal(body.Data, &data))
	require.Equal(t, 2, data.Count)
	require.Equal(t, fund.ApplyOpen, reader.gotFilter.ApplyStatus)

	rec, body := get(t, h, "/api/lof/list?min_premium=abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, http.StatusBadRequest, body.Code)

	rec, _ = get(t, h, "/api/lof/list?status=closed", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAllHasNoFloor(t *testing.T) {
	reader := seededReader()
	_, body := get(t, newTestRouter(reader), "/api/lof/all", nil)

	var data listData[map[string]any]
	require.NoError(t, json.Unmarshal(body.Data, &data))
	require.Equal(t, 3, data.Count)
	require.Nil(t, reader.gotFilter.MinPremium)
}

func TestCommodityAndIndex(t *testing.T) {
	h := newTestRouter(seededReader())

	_, body := get(t, h, "/api/qdii/commodity", nil)
	var commodity listData[map[string]any]
	require.NoError(t, json.Unmarshal(body.Data, &commodity))
	require.Equal(t, 1, commodity.Count)
	require.Equal(t, "1.20%", commodity.Items[0]["change_pct"])
	styles := commodity.Items[0]["styles"].(map[string]any)
	require.Equal(t, map[string]any{"color": "#ff0000"}, styles["change_pct"])
	require.Contains(t, styles, "rt_premium_rate")

	_, body = get(t, h, "/api/lof/index", nil)
	var index listData[map[string]any]
	require.NoError(t, json.Unmarshal(body.Data, &index))
	require.Equal(t, "中证500", index.Items[0]["index_name"])
	require.Equal(t, "2.50%", index.Items[0]["premium_rate"])
}

func TestStatus(t *testing.T) {
	_, body := get(t, newTestRouter(seededReader()), "/api/status", nil)

	var data statusData
	require.NoError(t, json.Unmarshal(body.Data, &data))
	require.Equal(t, storage.StatusFailed, *data.LastStatus)
	require.Equal(t, "fetcher: login failed", *data.LastError)
	require.Equal(t, int64(3), data.RecordCount)
	require.True(t, data.LastUpdate.Equal(scrapedAt))
	require.True(t, data.NextScrape.Equal(scrapedAt.Add(time.Hour)))
}

func TestStatusWithoutHistory(t *testing.T) {
	h := NewHandler(&fakeReader{}, nil, decimal.NewFromInt(3), zerolog.Nop())
	router := NewRouter(h, RouterOptions{Token: testToken}, zerolog.Nop())

	_, body := get(t, router, "/api/status", nil)
	require.JSONEq(t, `{"last_update":null,"last_status":null,"last_error":null,"record_count":0,"next_scrape":null}`, string(body.Data))
}

func TestLogs(t *testing.T) {
	reader := seededReader()
	h := newTestRouter(reader)

	_, body := get(t, h, "/api/logs", nil)
	require.Equal(t, defaultLogLimit, reader.gotLimit)
	var data logsData
	require.NoError(t, json.Unmarshal(body.Data, &data))
	require.Equal(t, 2, data.Count)
	require.Equal(t, int64(3), data.Items[0].ID)
	require.InDelta(t, 12.35, *data.Items[0].DurationSeconds, 1e-9)
	require.Nil(t, data.Items[1].DurationSeconds)

	_, _ = get(t, h, "/api/logs?limit=1", nil)
	require.Equal(t, 1, reader.gotLimit)

	rec, _ := get(t, h, "/api/logs?limit=51", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryFailureIsInternalError(t *testing.T) {
	reader := seededReader()
	reader.err = errors.New("connection refused")

	rec, body := get(t, newTestRouter(reader), "/api/lof/all", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "internal error", body.Message)
}
