package report

import (
	"fmt"
	"strings"
	"time"
)

// FormatInt formats an integer with comma separators.
func FormatInt(n int) string {
	if n < 0 {
		return "-" + FormatInt(-n)
	}
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	start := len(s) % 3
	if start > 0 {
		b.WriteString(s[:start])
	}
	for i := start; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatUSD formats a dollar amount (market cap, volume) with T/B/M/K
// suffixes.
func FormatUSD(v float64) string {
	switch {
	case v >= 1e12:
		return fmt.Sprintf("%.2fT", v/1e12)
	case v >= 1e9:
		return fmt.Sprintf("%.1fB", v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("%.1fM", v/1e6)
	case v >= 1e3:
		return fmt.Sprintf("%.1fK", v/1e3)
	default:
		return fmt.Sprintf("%.0f", v)
	}
}

// FormatPrice formats a price, keeping more decimals for sub-dollar values.
// Zero is "-".
func FormatPrice(p float64) string {
	switch {
	case p == 0:
		return "-"
	case p < 1:
		return fmt.Sprintf("%.6f", p)
	default:
		return fmt.Sprintf("%.2f", p)
	}
}

// FormatReturn formats a percentage return as "+X.X%" or "-X.X%". An absent
// return is "-". Magnitudes of 100% or more drop the decimal.
func FormatReturn(r *float64) string {
	if r == nil {
		return "-"
	}
	v := *r
	sign := "+"
	if v < 0 {
		sign, v = "-", -v
	}
	if v >= 100 {
		return fmt.Sprintf("%s%.0f%%", sign, v)
	}
	return fmt.Sprintf("%s%.1f%%", sign, v)
}

// FormatDuration rounds d to whole seconds, or milliseconds below one second.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}

// Truncate cuts s to at most n runes, marking the cut with "…".
func Truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}
