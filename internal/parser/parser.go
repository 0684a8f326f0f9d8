// Package parser turns the display text of jisilu table cells into typed values.
// Every function is total: malformed input degrades to a null/zero result.
package parser

import (
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"lof-monitor/internal/fund"
)

const (
	percentSuffix     = "%"
	tenThousandSuffix = "万"

	suspendedMarker = "暂停"
	openMarker      = "开放"
	limitPrefix     = "限"
)

var tenThousand = decimal.NewFromInt(10_000)

// ParseNumber parses values such as "1.234", "-0.52%" or "3.2万".
func ParseNumber(text string) decimal.NullDecimal {
	text = strings.TrimSpace(text)
	if isPlaceholder(text) {
		return decimal.NullDecimal{}
	}

	text = strings.TrimSuffix(text, percentSuffix)

	multiplier := decimal.Decimal{}
	if strings.HasSuffix(text, tenThousandSuffix) {
		text = strings.TrimSuffix(text, tenThousandSuffix)
		multiplier = tenThousand
	}

	value, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return decimal.NullDecimal{}
	}
	if !multiplier.IsZero() {
		value = value.Mul(multiplier)
	}
	return decimal.NewNullDecimal(value)
}

// ParseDate accepts "MM-DD" (year taken from today) or "YYYY-MM-DD".
func ParseDate(text string, today time.Time) (time.Time, bool) {
	text = strings.TrimSpace(text)
	switch len(text) {
	case 5:
		month, err := strconv.Atoi(text[:2])
		if err != nil || text[2] != '-' {
			return time.Time{}, false
		}
		day, err := strconv.Atoi(text[3:])
		if err != nil {
			return time.Time{}, false
		}
		return civilDate(today.Year(), month, day)
	case 10:
		parsed, err := time.Parse(time.DateOnly, text)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

// ParseDateNow is ParseDate against the local wall clock.
func ParseDateNow(text string) (time.Time, bool) {
	return ParseDate(text, time.Now())
}

func civilDate(year, month, day int) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 {
		return time.Time{}, false
	}
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// time.Date normalises 02-30 into March; reject instead.
	if d.Month() != time.Month(month) || d.Day() != day {
		return time.Time{}, false
	}
	return d, true
}

// ParseApplyStatus classifies the subscription status cell. The returned text is the
// limit description for limited funds and the raw text for unknown ones.
func ParseApplyStatus(text string) (fund.ApplyStatus, string) {
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return fund.ApplyUnknown, ""
	case strings.Contains(text, suspendedMarker):
		return fund.ApplySuspended, ""
	case strings.Contains(text, openMarker):
		return fund.ApplyOpen, ""
	case strings.HasPrefix(text, limitPrefix):
		return fund.ApplyLimited, text
	default:
		return fund.ApplyUnknown, text
	}
}

// ExtractNameAndTags splits a name cell such as `华宝油气<sup>T+0</sup>` into the plain
// name and the superscript tags. The tag text is not kept in the name.
func ExtractNameAndTags(html string) (string, []string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return collapseSpaces(html), nil
	}

	var tags []string
	sups := doc.Find("sup")
	sups.Each(func(_ int, s *goquery.Selection) {
		if tag := collapseSpaces(s.Text()); tag != "" {
			tags = append(tags, tag)
		}
	})
	sups.Remove()

	return collapseSpaces(doc.Text()), tags
}

// CleanText trims a cell and maps placeholders to "".
func CleanText(text string) string {
	text = strings.TrimSpace(text)
	if isPlaceholder(text) {
		return ""
	}
	return text
}

func isPlaceholder(text string) bool {
	return text == "" || text == "-" || text == "--"
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
