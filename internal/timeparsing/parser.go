// Package timeparsing turns the time expressions accepted by --from,
// --to and --park-date into concrete times. Three layers, tried in
// order: compact durations (+6h, -1d, +2w), natural language
// (tomorrow, next monday), then absolute dates and RFC3339.
package timeparsing

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Compact syntax is an optional sign, digits, and a single unit letter.
// Hours shift wall-clock time; d, w, m and y go through AddDate so a
// month means a calendar month, not 30 days.
var compactRe = regexp.MustCompile(`^([+-]?)(\d+)([hdwmy])$`)

// IsCompactDuration reports whether s uses the compact duration syntax.
func IsCompactDuration(s string) bool {
	return compactRe.MatchString(s)
}

// ParseCompactDuration resolves a compact duration against now.
// A missing sign means forward: "3m" and "+3m" are the same offset.
func ParseCompactDuration(s string, now time.Time) (time.Time, error) {
	m := compactRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("not a compact duration: %q", s)
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid duration amount: %q", m[2])
	}
	if m[1] == "-" {
		n = -n
	}
	switch m[3] {
	case "h":
		return now.Add(time.Duration(n) * time.Hour), nil
	case "d":
		return now.AddDate(0, 0, n), nil
	case "w":
		return now.AddDate(0, 0, 7*n), nil
	case "m":
		return now.AddDate(0, n, 0), nil
	default:
		return now.AddDate(n, 0, 0), nil
	}
}
