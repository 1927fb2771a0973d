package utils

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DecimalFromNumber converts a loosely typed numeric value into a decimal,
// tolerating the mix of floats, ints and strings the legacy POS hands back.
func DecimalFromNumber(v any) decimal.Decimal {
	switch n := v.(type) {
	case decimal.Decimal:
		return n
	case float64:
		return decimal.NewFromFloat(n)
	case float32:
		return decimal.NewFromFloat32(n)
	case int:
		return decimal.NewFromInt(int64(n))
	case int64:
		return decimal.NewFromInt(n)
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		if err != nil {
			return decimal.Zero
		}
		return d
	default:
		return decimal.Zero
	}
}

// ParseTimeOrNow parses an ISO-8601 timestamp, falling back to the current
// time for blank or malformed values. Legacy rows frequently omit the zone;
// a bare timestamp is treated as UTC.
func ParseTimeOrNow(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Now().UTC()
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// FormatISO renders a timestamp the way the cloud consumers expect, UTC with
// milliseconds and a trailing Z.
func FormatISO(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// PriceWithoutTax backs a tax-inclusive price out to its net amount given a
// percentage rate, rounded to 2 places. A zero or negative rate returns the
// price unchanged.
func PriceWithoutTax(priceWithTax decimal.Decimal, ratePercent decimal.Decimal) decimal.Decimal {
	if !ratePercent.IsPositive() {
		return priceWithTax.Round(2)
	}
	divisor := decimal.NewFromInt(1).Add(ratePercent.Div(decimal.NewFromInt(100)))
	return priceWithTax.DivRound(divisor, 2)
}
