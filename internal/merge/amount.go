package merge

import (
	"strconv"
	"strings"
)

// ParseAmount reads a monetary or numeric value out of a candidate value.
// Backends return strings shaped by the source document, so this accepts
// currency symbols, thousands separators and a comma decimal mark.
func ParseAmount(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}

	s := strings.TrimSpace(strings.Map(dropCurrencyRune, strings.TrimSpace(asString(v))))
	if s == "" {
		return 0, false
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	if strings.HasPrefix(s, "-") {
		negative = !negative
		s = s[1:]
	}

	s = normalizeSeparators(s)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if negative {
		f = -f
	}
	return f, true
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func dropCurrencyRune(r rune) rune {
	switch r {
	case '$', '€', '£', '¥', '₺', ' ', '\u00a0':
		return -1
	}
	if r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' {
		// Trailing or leading ISO codes ("EUR 12.50").
		return -1
	}
	return r
}

// normalizeSeparators resolves "." vs "," as decimal mark. When both appear
// the later one is the decimal separator; a lone comma is decimal only when
// it is followed by at most two digits.
func normalizeSeparators(s string) string {
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if len(s)-lastComma-1 <= 2 && strings.Count(s, ",") == 1 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	}
	return s
}
