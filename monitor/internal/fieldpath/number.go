package fieldpath

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Numeric converts a JSON number to a decimal. Strings are not numbers here,
// even when they look like one.
func Numeric(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case decimal.Decimal:
		return n, true
	}
	return decimal.Decimal{}, false
}

// Number is Numeric plus price-like strings: "19.99", "$1,299.00",
// "1.299,00 €" or "€ 12" convert after currency symbols and spaces are
// removed. The last of '.' and ',' is the decimal separator when both
// appear; a lone ',' is decimal unless exactly three digits follow it.
func Number(v any) (decimal.Decimal, bool) {
	if s, ok := v.(string); ok {
		return parseNumeric(s)
	}
	return Numeric(v)
}

func parseNumeric(s string) (decimal.Decimal, bool) {
	c := strings.Map(func(r rune) rune {
		switch r {
		case '$', '€', '£', '¥', ' ', '\u00a0', '\u202f', '\'', '%':
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	if c == "" {
		return decimal.Decimal{}, false
	}

	dot, comma := strings.LastIndex(c, "."), strings.LastIndex(c, ",")
	switch {
	case dot >= 0 && comma > dot:
		c = strings.Replace(strings.ReplaceAll(c, ".", ""), ",", ".", 1)
	case comma >= 0 && dot > comma:
		c = strings.ReplaceAll(c, ",", "")
	case comma >= 0:
		if strings.Count(c, ",") == 1 && len(c)-comma-1 != 3 {
			c = strings.Replace(c, ",", ".", 1)
		} else {
			c = strings.ReplaceAll(c, ",", "")
		}
	case strings.Count(c, ".") > 1:
		c = strings.ReplaceAll(c, ".", "")
	}

	d, err := decimal.NewFromString(c)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}
