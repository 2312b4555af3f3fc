package orders

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	numberPrefix = "ORD"
	numberLayout = "20060102"
)

// FormatNumber renders ORD-YYYYMMDD-NNNN for the UTC day of t. Sequences past
// 9999 widen instead of wrapping.
func FormatNumber(t time.Time, seq int) string {
	return fmt.Sprintf("%s-%s-%04d", numberPrefix, t.UTC().Format(numberLayout), seq)
}

// ParseNumber is the inverse of FormatNumber.
func ParseNumber(s string) (time.Time, int, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 || parts[0] != numberPrefix {
		return time.Time{}, 0, fmt.Errorf("malformed order number %q", s)
	}
	day, err := time.ParseInLocation(numberLayout, parts[1], time.UTC)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("order number %q: %w", s, err)
	}
	if len(parts[2]) < 4 {
		return time.Time{}, 0, fmt.Errorf("order number %q: short sequence", s)
	}
	seq, err := strconv.Atoi(parts[2])
	if err != nil || seq <= 0 {
		return time.Time{}, 0, fmt.Errorf("order number %q: bad sequence", s)
	}
	return day, seq, nil
}

// Day truncates t to its UTC calendar day, the key of the sequence counter.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
