package gridcalc

import (
	"strconv"
	"strings"
)

// DateOrder enumerates the recognized orderings for date-like text
type DateOrder uint8

const (
	DateOrderMdy DateOrder = 0
	DateOrderDmy DateOrder = 1
	DateOrderYmd DateOrder = 2
)

// LocaleConfig enumerates the locale-sensitive characters the parser and
// the coercion rules recognize. it affects how text numerals parse and
// which character separates function arguments; display formatting is out
// of scope.
type LocaleConfig struct {
	DecimalSeparator rune
	GroupSeparator   rune
	ListSeparator    rune
	DateOrder        DateOrder
}

// DefaultLocale is the en-US convention: '.' decimal, ',' grouping,
// ',' list separator, month-day-year
func DefaultLocale() LocaleConfig {
	return LocaleConfig{
		DecimalSeparator: '.',
		GroupSeparator:   ',',
		ListSeparator:    ',',
		DateOrder:        DateOrderMdy,
	}
}

// Equal reports whether two locale configs are identical
func (lc LocaleConfig) Equal(other LocaleConfig) bool {
	return lc == other
}

// ParseNumber parses a text numeral per this locale's separators. group
// separators are stripped, the decimal separator maps to '.', and exponent
// notation is accepted. returns false for anything that is not a number.
func (lc LocaleConfig) ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	var b strings.Builder
	b.Grow(len(s))
	sawDecimal := false
	for i, ch := range s {
		switch {
		case ch == lc.DecimalSeparator:
			if sawDecimal {
				return 0, false
			}
			sawDecimal = true
			b.WriteByte('.')
		case ch == lc.GroupSeparator && lc.GroupSeparator != lc.DecimalSeparator:
			// group separators are only valid between digits
			if i == 0 || sawDecimal {
				return 0, false
			}
		default:
			b.WriteRune(ch)
		}
	}

	num, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0, false
	}
	return num, true
}
