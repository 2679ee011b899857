package monitor

import (
	"fmt"
	"strings"
)

// FormatLatency formats latency in seconds as "X.Xms" or "X.Xs"
func FormatLatency(latencySeconds float64) string {
	if latencySeconds < 1.0 {
		ms := latencySeconds * 1000
		return fmt.Sprintf("%.1fms", ms)
	}
	return fmt.Sprintf("%.1fs", latencySeconds)
}

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.0f%%", ratio*100)
}

// FormatDuration formats duration in seconds to "Xh Ym", "Xm Ys" or "Xs"
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}

// Truncate shortens s to its first line and at most n runes.
func Truncate(s string, n int) string {
	line, _, multi := strings.Cut(s, "\n")
	r := []rune(line)
	if len(r) <= n && !multi {
		return line
	}
	if len(r) > n-1 {
		r = r[:n-1]
	}
	return string(r) + "…"
}
