package watch

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// FormatInterval formats a duration for display using the largest units (7d, 1d12h, 90s -> 1m30s).
func FormatInterval(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	days := int(d / day)
	hours := int(d%day) / int(time.Hour)
	mins := int(d%time.Hour) / int(time.Minute)
	secs := int(d%time.Minute) / int(time.Second)

	var b strings.Builder
	if days > 0 {
		fmt.Fprintf(&b, "%dd", days)
	}
	if hours > 0 {
		fmt.Fprintf(&b, "%dh", hours)
	}
	if mins > 0 && days == 0 {
		fmt.Fprintf(&b, "%dm", mins)
	}
	if secs > 0 && days == 0 && hours == 0 {
		fmt.Fprintf(&b, "%ds", secs)
	}
	return b.String()
}

// ParseInterval parses a Go duration, optionally prefixed by a whole number of days (7d, 1d12h).
func ParseInterval(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	idx := strings.IndexByte(s, 'd')
	if idx <= 0 {
		return 0, fmt.Errorf("invalid interval format: %q (examples: 30m, 1h, 24h, 7d)", s)
	}
	days, err := strconv.Atoi(s[:idx])
	if err != nil || days < 0 {
		return 0, fmt.Errorf("invalid interval format: %q", s)
	}
	d := time.Duration(days) * day
	if rest := s[idx+1:]; rest != "" {
		extra, err := time.ParseDuration(rest)
		if err != nil {
			return 0, fmt.Errorf("invalid interval format: %q", s)
		}
		d += extra
	}
	return d, nil
}
