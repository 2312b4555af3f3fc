package momo

import (
	"strings"

	"github.com/teckw/go-shop-orders/internal/apperr"
)

var ErrInvalidPhone = apperr.New(apperr.Validation, "INVALID_PHONE", "invalid phone number")

// NormalizeMSISDN rewrites a phone number to +<country><subscriber>.
// Local numbers (leading 0 or no country code) are treated as domestic.
func NormalizeMSISDN(raw, countryCode string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if strings.Trim(cleaned, "+") == "" {
		return "", ErrInvalidPhone
	}

	switch {
	case strings.HasPrefix(cleaned, "+"+countryCode):
		return cleaned, nil
	case strings.HasPrefix(cleaned, countryCode):
		return "+" + cleaned, nil
	case strings.HasPrefix(cleaned, "0"):
		return "+" + countryCode + cleaned[1:], nil
	}
	return "+" + countryCode + cleaned, nil
}
