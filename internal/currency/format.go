// Package currency renders monetary amounts for reports and logs.
package currency

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// symbols maps ISO codes to display prefixes. Unknown codes are printed as
// "<code> " instead.
var symbols = map[string]string{
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
}

// Round rounds to cents, half away from zero.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Format renders d with thousands separators and two decimals, e.g.
// "-$1,234.50". The digits come from the decimal itself, never a float.
func Format(d decimal.Decimal, code string) string {
	code = strings.ToUpper(code)
	sym, ok := symbols[code]
	if !ok {
		sym = code + " "
	}

	fixed := d.Abs().StringFixed(2)
	whole, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	if d.Round(2).IsNegative() {
		b.WriteByte('-')
	}
	b.WriteString(sym)
	b.WriteString(group(whole))
	b.WriteByte('.')
	b.WriteString(frac)
	return b.String()
}

// FormatUSD is Format(d, "USD").
func FormatUSD(d decimal.Decimal) string {
	return Format(d, "USD")
}

// Number renders an unsigned decimal count of units with grouping, keeping
// every fractional digit, e.g. "1,000,000.5".
func Number(d decimal.Decimal) string {
	s := d.String()
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	whole, frac, ok := strings.Cut(s, ".")
	if ok {
		return sign + group(whole) + "." + frac
	}
	return sign + group(whole)
}

// group inserts thousands separators into a run of digits.
func group(digits string) string {
	if len(digits) <= 18 {
		n, err := decimal.NewFromString(digits)
		if err == nil {
			return printer.Sprintf("%d", n.IntPart())
		}
	}
	// too large for int64, group by hand
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return b.String()
}

var title = cases.Title(language.English)

// Label turns an upper snake case constant such as RATE_MISMATCH into
// "Rate Mismatch".
func Label(s string) string {
	return title.String(strings.ToLower(strings.ReplaceAll(s, "_", " ")))
}
