package parser

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"lof-monitor/internal/fund"
)

func TestParseNumberPlaceholders(t *testing.T) {
	for _, text := range []string{"", "-", "--", "  ", " -- ", "abc", "1.2.3", "%", "万", "N/A"} {
		require.False(t, ParseNumber(text).Valid, "input %q", text)
	}
}

func TestParseNumberSuffixLaws(t *testing.T) {
	for _, s := range []string{"0", "1", "1.5", "-2.345", "100.01", "0.001"} {
		plain := ParseNumber(s)
		require.True(t, plain.Valid, s)

		pct := ParseNumber(s + "%")
		require.True(t, pct.Valid, s)
		require.True(t, pct.Decimal.Equal(plain.Decimal), "%s%% should equal %s", s, s)

		unit := ParseNumber(s + "万")
		require.True(t, unit.Valid, s)
		require.True(t, unit.Decimal.Equal(plain.Decimal.Mul(decimal.NewFromInt(10000))), "%s万", s)
	}
}

func TestParseNumberTrims(t *testing.T) {
	got := ParseNumber("  3.21% ")
	require.True(t, got.Valid)
	require.Equal(t, "3.21", got.Decimal.String())

	got = ParseNumber("12.5万")
	require.Equal(t, "125000", got.Decimal.String())
}

func TestParseDate(t *testing.T) {
	today := time.Date(2026, time.October, 14, 9, 30, 0, 0, time.Local)

	d, ok := ParseDate("02-01", today)
	require.True(t, ok)
	require.Equal(t, 2026, d.Year())
	require.Equal(t, time.February, d.Month())
	require.Equal(t, 1, d.Day())

	d, ok = ParseDate("2026-02-01", today)
	require.True(t, ok)
	require.Equal(t, time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC), d)

	for _, bad := range []string{"bad", "", "-", "2-1", "02/01", "13-01", "02-30", "2026-13-01", "2026-02-30", "20260201"} {
		_, ok := ParseDate(bad, today)
		require.False(t, ok, "input %q", bad)
	}
}

func TestParseDateCurrentYear(t *testing.T) {
	d, ok := ParseDateNow("03-15")
	require.True(t, ok)
	require.Equal(t, time.Now().Year(), d.Year())
}

func TestParseDateLeapDay(t *testing.T) {
	_, ok := ParseDate("02-29", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.False(t, ok)

	d, ok := ParseDate("02-29", time.Date(2028, 1, 1, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	require.Equal(t, 29, d.Day())
}

func TestParseApplyStatus(t *testing.T) {
	cases := []struct {
		in     string
		status fund.ApplyStatus
		text   string
	}{
		{"暂停申购", fund.ApplySuspended, ""},
		{"暂停大额", fund.ApplySuspended, ""},
		{"开放申购", fund.ApplyOpen, ""},
		{"限100", fund.ApplyLimited, "限100"},
		{" 限1万 ", fund.ApplyLimited, "限1万"},
		{"场内申购", fund.ApplyUnknown, "场内申购"},
		{"", fund.ApplyUnknown, ""},
	}

	for _, tc := range cases {
		status, text := ParseApplyStatus(tc.in)
		require.Equal(t, tc.status, status, tc.in)
		require.Equal(t, tc.text, text, tc.in)
	}
}

func TestExtractNameAndTags(t *testing.T) {
	name, tags := ExtractNameAndTags(`华宝油气<sup title="T+0交易">T+0</sup><sup>QD</sup>`)
	require.Equal(t, "华宝油气", name, "superscript tags are not repeated in the name")
	require.Equal(t, []string{"T+0", "QD"}, tags)

	name, tags = ExtractNameAndTags(`<a href="/data/lof/detail/161129">易方达原油</a>`)
	require.Equal(t, "易方达原油", name)
	require.Empty(t, tags)

	name, tags = ExtractNameAndTags("  plain  name ")
	require.Equal(t, "plain name", name)
	require.Empty(t, tags)
}

func TestColorHex(t *testing.T) {
	cases := map[string]string{
		"rgb(255, 0, 0)":      "#ff0000",
		"rgb(0,128,0)":        "#008000",
		"rgba(51, 51, 51, 1)": "#333333",
		"rgba(0, 0, 0, 0)":    "",
		"transparent":         "",
		"":                    "",
		"#AABBCC":             "#aabbcc",
		"red":                 "",
		"rgb(300, 0, 0)":      "",
		"hsl(0, 100%, 50%)":   "",
	}
	for in, want := range cases {
		require.Equal(t, want, ColorHex(in), in)
	}
}

func TestCleanText(t *testing.T) {
	require.Equal(t, "", CleanText(" - "))
	require.Equal(t, "", CleanText("--"))
	require.Equal(t, "1.50%", CleanText(" 1.50% "))
}
