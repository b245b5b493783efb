package util

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const Day = 24 * time.Hour

var periodUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': Day,
	'w': 7 * Day,
}

// ParsePeriod parses a period such as "1d", "30m", "2.5h" or "2w".
// A bare number is interpreted as days. Anything else is handed to time.ParseDuration, so "1h30m" also works.
func ParsePeriod(period string) (time.Duration, error) {
	p := strings.TrimSpace(period)
	if p == "" {
		return 0, errors.New("empty period")
	}
	if days, err := strconv.ParseFloat(p, 64); err == nil {
		return time.Duration(days * float64(Day)), nil
	}
	if unit, ok := periodUnits[strings.ToLower(p[len(p)-1:])[0]]; ok {
		if value, err := strconv.ParseFloat(p[:len(p)-1], 64); err == nil {
			return time.Duration(value * float64(unit)), nil
		}
	}
	d, err := time.ParseDuration(p)
	if err != nil {
		return 0, errors.Errorf("invalid time-period spec: %s", period)
	}
	return d, nil
}

// FormatElapsed renders d as "1d, 2h, 3m, 4s", leaving out zero components.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	days := d / Day
	d -= days * Day
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second

	parts := make([]string, 0, 4)
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", seconds))
	}
	return strings.Join(parts, ", ")
}
