package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var intervalUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
}

// ParseInterval accepts Go durations ("90s", "1h30m"), a single integer with
// one of the suffixes s/m/h/d/w ("5m", "2d", "1w"), or a bare integer, which
// counts minutes.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty interval")
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("interval %q must be positive", s)
		}
		return time.Duration(n) * time.Minute, nil
	}
	if unit, ok := intervalUnits[s[len(s)-1]]; ok {
		if n, err := strconv.Atoi(s[:len(s)-1]); err == nil {
			if n <= 0 {
				return 0, fmt.Errorf("interval %q must be positive", s)
			}
			return time.Duration(n) * unit, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("interval %q not understood", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval %q must be positive", s)
	}
	return d, nil
}
