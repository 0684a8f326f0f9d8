package fetcher

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"lof-monitor/internal/browser"
	"lof-monitor/internal/browser/browsertest"
	"lof-monitor/internal/fund"
	"lof-monitor/internal/session"
)

const (
	loginURL     = "https://example.test/account/login/"
	arbURL       = "https://example.test/data/lof/#arb"
	qdiiURL      = "https://example.test/data/qdii/#qdiie"
	indexURL     = "https://example.test/data/lof/#index"
	arbRows      = "#flex_arb tbody tr"
	qdiiRows     = "#flex_qdiic tbody tr"
	indexRows    = "#flex_index tbody tr"
	applyAll     = "#apply_all"
	premiumSort  = "#flex_index th[data-field=premium_rt]"
	remember     = `input[name="auto_login"]`
	agree        = `.user_agree input[type="checkbox"]`
	submit       = `a.btn-jisilu[href*="login"]`
	identityMark = ".user-name, .nav-user"
)

func arbRow(code, name, premium string) browser.Row {
	row := browsertest.TextRow(
		code, name, "1.234", "-0.52%", "3.2万", premium, "1.1", "1.0", "02-01",
		"12.5万", "-0.3", "1.50%", "限100", "0.50%", "开放赎回", "易方达",
	)
	row[arbName].HTML = name + `<sup title="T+0交易">T+0</sup>`
	row[arbChangePct].Color = "rgb(0, 128, 0)"
	row[arbPremiumRate].Color = "rgb(255, 0, 0)"
	row[arbApplyStatus].Color = "rgba(51, 51, 51, 1)"
	row[arbApplyStatus].Background = "rgba(0, 0, 0, 0)"
	return row
}

func commodityRow(code string) browser.Row {
	row := browsertest.TextRow(
		code, "华宝油气", "0.712", "1.20%", "8812", "120.5", "-0.8", "0.7012",
		"0.7080", "0.56%", "0.7100", "0.28%", "限1000", "标普油气",
	)
	row[3].Color = "rgb(255, 0, 0)"
	return row
}

func indexRow(code, premium string) browser.Row {
	row := browsertest.TextRow(code, "中证500LOF", "1.5", "0.1%", "100", premium, "中证500", "0.2%", "开放申购")
	row[5].Color = "rgb(255, 0, 0)"
	return row
}

type fixture struct {
	site     *browsertest.Site
	sessions *session.Store
	jisilu   *Jisilu
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	site := browsertest.NewSite(browsertest.Login{
		URL:            loginURL,
		UserSelector:   `input[name="user_name"]`,
		PassSelector:   `input[name="password"]`,
		ButtonSelector: submit,
		Username:       "alice",
		Password:       "secret",
		Markers:        []string{identityMark},
	})
	for _, u := range []string{arbURL, qdiiURL, indexURL} {
		site.Protected[u] = true
	}
	site.Elements[loginURL] = []string{remember, agree}
	site.Elements[arbURL] = []string{applyAll}
	site.Elements[indexURL] = []string{premiumSort}

	site.SetRows(arbURL, arbRows, []browser.Row{
		arbRow("161129", "原油LOF", "3.21%"),
		arbRow("160216", "国泰商品", "-1.05%"),
		browsertest.TextRow("分组"),
	})
	site.SetRows(qdiiURL, qdiiRows, []browser.Row{commodityRow("162411"), commodityRow("160723")})

	ascending := []browser.Row{indexRow("160119", "0.10%"), indexRow("161017", "2.50%")}
	descending := []browser.Row{indexRow("161017", "2.50%"), indexRow("160119", "0.10%")}
	site.SetRows(indexURL, indexRows, ascending)
	site.OnClick[premiumSort] = func(s *browsertest.Site, n int) {
		if n%2 == 0 {
			s.SetRows(indexURL, indexRows, descending)
		} else {
			s.SetRows(indexURL, indexRows, ascending)
		}
	}

	sessions := session.New(session.Options{
		StatePath:   filepath.Join(t.TempDir(), "auth.json"),
		ProbeURL:    arbURL,
		RowSelector: arbRows,
	}, zerolog.Nop())

	j := NewJisilu(&browsertest.Launcher{Site: site}, sessions, Options{
		Login: LoginOptions{
			URL:              loginURL,
			Username:         "alice",
			Password:         "secret",
			UserSelector:     `input[name="user_name"]`,
			PasswordSelector: `input[name="password"]`,
			RememberSelector: remember,
			AgreeSelector:    agree,
			SubmitSelector:   submit,
			IdentitySelector: identityMark,
			Timeout:          time.Second,
			PollInterval:     100 * time.Millisecond,
		},
		Arbitrage: DatasetOptions{URL: arbURL, RowSelector: arbRows, TriggerSelector: applyAll, TriggerClicks: 1},
		Commodity: DatasetOptions{URL: qdiiURL, RowSelector: qdiiRows},
		Index:     DatasetOptions{URL: indexURL, RowSelector: indexRows, TriggerSelector: premiumSort, TriggerClicks: 2},
	}, zerolog.Nop())
	j.now = func() time.Time { return time.Date(2026, time.October, 14, 10, 0, 0, 0, time.Local) }

	return &fixture{site: site, sessions: sessions, jisilu: j}
}

type snapshot struct {
	arbitrage []fund.ArbitrageRow
	commodity []fund.CommodityRow
	index     []fund.IndexRow
}

func (f *fixture) scrape(t *testing.T) snapshot {
	t.Helper()
	ctx := context.Background()

	ex, err := f.jisilu.Open(ctx)
	require.NoError(t, err)
	defer ex.Close()

	var snap snapshot
	snap.arbitrage, err = ex.Arbitrage(ctx)
	require.NoError(t, err)
	snap.commodity, err = ex.Commodity(ctx)
	require.NoError(t, err)
	snap.index, err = ex.Index(ctx)
	require.NoError(t, err)
	return snap
}

func TestOpenLogsInAndSavesState(t *testing.T) {
	f := newFixture(t)
	require.False(t, f.sessions.HasSavedState())

	snap := f.scrape(t)

	require.Equal(t, 1, f.site.Logins())
	require.True(t, f.sessions.HasSavedState())
	require.True(t, f.site.Checked(remember))
	require.True(t, f.site.Checked(agree))
	require.Equal(t, 1, f.site.Clicks(applyAll))
	require.Equal(t, 0, f.site.OpenBrowsers())

	require.Len(t, snap.arbitrage, 2)
	require.Len(t, snap.commodity, 2)
	require.Len(t, snap.index, 2)
}

func TestOpenReusesSavedSession(t *testing.T) {
	f := newFixture(t)
	f.scrape(t)
	f.scrape(t)

	require.Equal(t, 1, f.site.Logins(), "second run must reuse the saved state")
	require.Equal(t, 2, f.site.Launches())
}

func TestOpenLogsInAgainWhenStateExpired(t *testing.T) {
	f := newFixture(t)
	f.scrape(t)
	f.site.Expire()
	f.scrape(t)

	require.Equal(t, 2, f.site.Logins())
}

func TestOpenFailsOnBadCredentials(t *testing.T) {
	f := newFixture(t)
	f.jisilu.opts.Login.Password = "wrong"

	_, err := f.jisilu.Open(context.Background())
	require.ErrorIs(t, err, ErrLoginFailed)
	require.False(t, f.sessions.HasSavedState())
	require.Equal(t, 0, f.site.OpenBrowsers(), "browser must be closed after a failed login")
}

func TestOpenFailsWithoutCredentials(t *testing.T) {
	f := newFixture(t)
	f.jisilu.opts.Login.Username = ""

	_, err := f.jisilu.Open(context.Background())
	require.ErrorIs(t, err, ErrLoginFailed)
	require.Equal(t, 0, f.site.Logins())
}

func TestOpenLaunchError(t *testing.T) {
	f := newFixture(t)
	f.site.LaunchErr = errors.New("chromium missing")

	_, err := f.jisilu.Open(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrLoginFailed)
}

func TestArbitrageParsesRows(t *testing.T) {
	f := newFixture(t)
	snap := f.scrape(t)

	first := snap.arbitrage[0]
	require.Equal(t, "161129", first.Code)
	require.Equal(t, "原油LOF", first.Name)
	require.Equal(t, []string{"T+0"}, first.Tags)
	require.Equal(t, "3.21", first.PremiumRate.String())
	require.Equal(t, "32000", first.Amount.Decimal.String())
	require.Equal(t, fund.ApplyLimited, first.ApplyStatus)
	require.Equal(t, "限100", first.ApplyLimit)
	require.Equal(t, "易方达", first.Company)
	require.NotNil(t, first.NAVDate)
	require.Equal(t, time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC), *first.NAVDate)
	require.Equal(t, fund.ArbitrageStyles{
		ChangePctColor:   "#008000",
		PremiumRateColor: "#ff0000",
		ApplyStatusColor: "#333333",
	}, first.Styles)
}

func TestArbitrageSkipsIncompleteRows(t *testing.T) {
	f := newFixture(t)
	noPremium := arbRow("150000", "无溢价", "-")
	noCode := arbRow("", "无代码", "1.00%")
	f.site.SetRows(arbURL, arbRows, []browser.Row{
		noPremium,
		arbRow("161129", "原油LOF", "3.21%"),
		noCode,
		arbRow("161129", "原油LOF重复", "9.99%"),
		browsertest.TextRow("161130", "短行"),
	})

	snap := f.scrape(t)
	require.Len(t, snap.arbitrage, 1)
	require.Equal(t, "原油LOF", snap.arbitrage[0].Name)
}

func TestCommodityKeepsDisplayText(t *testing.T) {
	f := newFixture(t)
	snap := f.scrape(t)

	row := snap.commodity[0]
	require.Equal(t, "162411", row.Code)
	require.Equal(t, "1.20%", row.ChangePct)
	require.Equal(t, "限1000", row.ApplyStatus)
	require.Equal(t, "标普油气", row.Benchmark)
	require.Equal(t, fund.Colors{fund.FieldChangePct: "#ff0000"}, row.Colors)
}

func TestIndexUsesSiteSortOrder(t *testing.T) {
	f := newFixture(t)
	snap := f.scrape(t)

	require.Equal(t, 2, f.site.Clicks(premiumSort))
	require.Equal(t, "161017", snap.index[0].Code)
	require.Equal(t, "2.50%", snap.index[0].PremiumRate)
	require.Equal(t, "中证500", snap.index[0].IndexName)
	require.Equal(t, fund.Colors{fund.FieldPremiumRate: "#ff0000"}, snap.index[0].Colors)
}

func TestExtractionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	first := f.scrape(t)
	second := f.scrape(t)

	require.Equal(t, first, second)
}

func TestDatasetErrorIsReturned(t *testing.T) {
	f := newFixture(t)
	f.site.ReadErr[qdiiRows] = errors.New("execution context was destroyed")

	ctx := context.Background()
	ex, err := f.jisilu.Open(ctx)
	require.NoError(t, err)
	defer ex.Close()

	_, err = ex.Commodity(ctx)
	require.Error(t, err)

	rows, err := ex.Index(ctx)
	require.NoError(t, err, "a failed dataset must not poison the next one")
	require.Len(t, rows, 2)
}

func TestCloseTwice(t *testing.T) {
	f := newFixture(t)
	ex, err := f.jisilu.Open(context.Background())
	require.NoError(t, err)

	require.NoError(t, ex.Close())
	require.NoError(t, ex.Close())
	require.Equal(t, 0, f.site.OpenBrowsers())
}
