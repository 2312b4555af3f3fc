package orders

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatNumber(t *testing.T) {
	kigali := time.FixedZone("CAT", 2*3600)
	// 01:30 local is still the previous UTC day.
	at := time.Date(2026, 1, 2, 1, 30, 0, 0, kigali)

	assert.Equal(t, "ORD-20260101-0007", FormatNumber(at, 7))
	assert.Equal(t, "ORD-20260101-12345", FormatNumber(at, 12345))
}

func TestParseNumberRoundTrip(t *testing.T) {
	day, seq, err := ParseNumber("ORD-20260314-0042")
	require.NoError(t, err)
	assert.Equal(t, 42, seq)
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), day)
	assert.Equal(t, "ORD-20260314-0042", FormatNumber(day, seq))

	for _, bad := range []string{"", "ORD-2026-0001", "INV-20260314-0001", "ORD-20260314-01", "ORD-20260314-0000", "ORD-20261399-0001"} {
		_, _, err := ParseNumber(bad)
		assert.Error(t, err, bad)
	}
}

func TestDay(t *testing.T) {
	at := time.Date(2026, 5, 1, 23, 59, 59, 999, time.FixedZone("X", -3600))
	assert.Equal(t, time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC), Day(at))
}
