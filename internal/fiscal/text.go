package fiscal

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var brl = message.NewPrinter(language.BrazilianPortuguese)

// FormatAmount renders value the way it is printed on coupons, e.g. "R$ 1.234,50".
func FormatAmount(value decimal.Decimal) string {
	f, _ := value.Round(2).Float64()
	return brl.Sprintf("R$ %v", number.Decimal(f, number.Scale(2)))
}

// ASCII strips diacritics and drops anything the printer character set lacks.
func ASCII(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e {
			return -1
		}
		return r
	}, out)
}

// Truncate cuts s to at most n runes; n <= 0 means no limit.
func Truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
