package services

import (
	"fmt"
	"strings"
)

// FormatInt formatiert mit Leerzeichen als Tausendertrenner (12 345 678).
func FormatInt(n int64) string {
	s := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var parts []string
	for len(s) > 3 {
		parts = append([]string{s[len(s)-3:]}, parts...)
		s = s[:len(s)-3]
	}
	parts = append([]string{s}, parts...)
	out := strings.Join(parts, " ")
	if neg {
		return "-" + out
	}
	return out
}

// FormatBudget formatiert einen Budget-Betrag mit Währung ("12 345 PLN").
func FormatBudget(currency string, amount int64) string {
	formatted := FormatInt(amount)
	if currency == "" {
		return formatted
	}
	return formatted + " " + currency
}

// FormatShortNumber kürzt große Zahlen human-readable (1.2K, 3.4M).
func FormatShortNumber(n float64) string {
	neg := n < 0
	if neg {
		n = -n
	}
	units := []string{"", "K", "M", "B", "T", "Q"}
	i := 0
	for n >= 1000 && i < len(units)-1 {
		n /= 1000.0
		i++
	}
	var s string
	if n >= 100 || n == float64(int64(n)) {
		s = fmt.Sprintf("%d%s", int64(n+0.5), units[i])
	} else {
		s = fmt.Sprintf("%.1f%s", n, units[i])
	}
	if neg {
		return "-" + s
	}
	return s
}

// FormatVoteLength rendert die mittlere Ballot-Länge mit drei Nachkommastellen,
// "—" wenn unbekannt.
func FormatVoteLength(val *float64) string {
	if val == nil {
		return "—"
	}
	return fmt.Sprintf("%.3f", *val)
}
