package utils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseDecimal accepts the loosely formatted numbers found in spreadsheets:
// "2,000", "$ 1,250.50", "USD -20", "(300)" and plain numeric types.
// Blank strings are an error; callers treat blanks as absent before parsing.
func ParseDecimal(i interface{}) (decimal.Decimal, error) {
	switch v := i.(type) {
	case decimal.Decimal:
		return v, nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		return parseDecimalString(v)
	default:
		return decimal.Zero, fmt.Errorf("%w: %T", ErrInvalidDecimal, i)
	}
}

func parseDecimalString(v string) (decimal.Decimal, error) {
	s := strings.TrimSpace(v)
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	s = strings.ReplaceAll(s, ",", "")
	// Drop currency codes and symbols ahead of the sign.
	s = strings.TrimLeftFunc(s, func(r rune) bool {
		return r != '-' && r != '.' && (r < '0' || r > '9')
	})
	if strings.HasPrefix(s, "-") {
		neg = !neg
		s = strings.TrimSpace(strings.TrimPrefix(s, "-"))
	}
	// Strip everything except digits and '.'.
	var b strings.Builder
	b.Grow(len(s) + 1)
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	clean := b.String()
	if clean == "" || strings.Count(clean, ".") > 1 {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidDecimal, v)
	}
	if neg {
		clean = "-" + clean
	}
	val, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidDecimal, v)
	}
	return val, nil
}
