package mcp

import (
	"fmt"
	"strconv"
	"strings"
)

// formatNumber adds comma separators to integers.
func formatNumber(n any) string {
	var s string
	switch v := n.(type) {
	case int:
		s = strconv.FormatInt(int64(v), 10)
	case int64:
		s = strconv.FormatInt(v, 10)
	case uint64:
		s = strconv.FormatUint(v, 10)
	case float64:
		if v != float64(int64(v)) {
			return fmt.Sprintf("%.1f", v)
		}
		s = strconv.FormatInt(int64(v), 10)
	default:
		return fmt.Sprintf("%v", n)
	}

	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	if len(s) > 3 {
		var grouped strings.Builder
		start := len(s) % 3
		if start > 0 {
			grouped.WriteString(s[:start])
		}
		for i := start; i < len(s); i += 3 {
			if grouped.Len() > 0 {
				grouped.WriteByte(',')
			}
			grouped.WriteString(s[i : i+3])
		}
		s = grouped.String()
	}
	if neg {
		return "-" + s
	}
	return s
}

// kv formats a key-value pair with aligned values (20 char key width).
func kv(key string, value any) string {
	return fmt.Sprintf("%-20s %v", key+":", value)
}

// section returns a markdown section header.
func section(title string) string {
	return "## " + title
}

// joinLines joins non-empty lines with newlines.
func joinLines(lines ...string) string {
	var result []string
	for _, l := range lines {
		if l != "" {
			result = append(result, l)
		}
	}
	return strings.Join(result, "\n")
}

// formatPct formats a float as a percentage string.
func formatPct(v float64) string {
	return fmt.Sprintf("%.1f%%", v)
}

// formatMs formats milliseconds with a "ms" suffix.
func formatMs(v float64) string {
	return fmt.Sprintf("%.1fms", v)
}

// formatMgas formats a throughput figure in Mgas/s.
func formatMgas(v float64) string {
	return fmt.Sprintf("%.1f Mgas/s", v)
}
