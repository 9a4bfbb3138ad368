// Package timeofday parses and repairs free-form "HH:MM" configuration values.
package timeofday

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Default is returned for any value that cannot be repaired.
const Default = "09:00"

// Normalize returns raw as a zero-padded 24h "HH:MM" or Default when raw is malformed.
// It never fails: "20:1" becomes "20:01", "" and "25:61" become "09:00".
func Normalize(raw string) string {
	h, m, ok := parse(raw)
	if !ok {
		return Default
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}

// Valid reports whether raw is already canonical.
func Valid(raw string) bool {
	return Normalize(raw) == raw
}

// Clock returns hour and minute of the normalized value.
func Clock(raw string) (hour, minute int) {
	h, m, ok := parse(raw)
	if !ok {
		h, m, _ = parse(Default)
	}
	return h, m
}

// On returns the instant at the normalized time of day on the calendar date of day in loc.
func On(day time.Time, raw string, loc *time.Location) time.Time {
	h, m := Clock(raw)
	y, mo, d := day.In(loc).Date()
	return time.Date(y, mo, d, h, m, 0, 0, loc)
}

func parse(raw string) (int, int, bool) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return 0, 0, false
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || h < 0 || h > 23 {
		return 0, 0, false
	}
	m, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}
