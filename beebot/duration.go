package beebot

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidDuration is returned when a user-entered duration string can't
// be parsed. Callers surface this as a validation message rather than
// scheduling garbage.
type ErrInvalidDuration struct {
	Input string
}

func (e ErrInvalidDuration) Error() string {
	return fmt.Sprintf("invalid duration: %q (expected something like 30s, 10m, 2h or 1d)", e.Input)
}

var durationPattern = regexp.MustCompile(`^(\d+)([smhd]?)$`)

var durationUnits = map[string]time.Duration{
	"":  time.Second,
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
}

// ParseReminderDuration converts a short human-entered string like "30s",
// "10m", "2h" or "1d" into a duration. A bare integer is treated as
// seconds. Whitespace is trimmed and matching is case-insensitive. Any
// input that doesn't match, or that works out to zero, returns
// [ErrInvalidDuration].
func ParseReminderDuration(input string) (time.Duration, error) {
	normalized := strings.ToLower(strings.TrimSpace(input))
	match := durationPattern.FindStringSubmatch(normalized)
	if match == nil {
		return 0, ErrInvalidDuration{Input: input}
	}
	value, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		// out-of-range integers land here
		return 0, ErrInvalidDuration{Input: input}
	}
	d := time.Duration(value) * durationUnits[match[2]]
	if d <= 0 {
		return 0, ErrInvalidDuration{Input: input}
	}
	return d, nil
}
