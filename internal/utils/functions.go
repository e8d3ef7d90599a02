package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDurationOrSeconds accepts Go duration strings ("90s", "2m") and bare
// numbers, which are read as seconds.
func ParseDurationOrSeconds(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	return d, nil
}

func FormatSpeed(mbps float64) string {
	return fmt.Sprintf("%.2f MB/s", mbps)
}

// FormatSeconds renders d as seconds with two decimals.
func FormatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.2f seconds", d.Seconds())
}

// FormatCountdown renders a remaining pause as whole seconds.
func FormatCountdown(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("%ds", secs)
}
