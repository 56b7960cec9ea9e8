// Package money converts between the host's minor-unit amounts (kopecks)
// and the gateway's two-decimal major-unit strings (rubles).
package money

import (
	"math"
	"strings"

	domainErrors "github.com/cassiomorais/fabricshop/internal/domain/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// MinorToMajor formats a minor-unit amount as a major-unit string with
// exactly two decimals, e.g. 45000 -> "450.00".
func MinorToMajor(minor float64) (string, error) {
	if math.IsNaN(minor) || math.IsInf(minor, 0) {
		return "", domainErrors.NewValidationError("amount", "must be a finite number")
	}
	if minor < 0 {
		return "", domainErrors.NewValidationError("amount", "must not be negative")
	}
	return decimal.NewFromFloat(minor).Div(hundred).StringFixed(2), nil
}

// MajorToMinor parses a major-unit string into minor units, rounding half
// away from zero. Blank, unparsable or negative input yields 0.
func MajorToMinor(major string) int64 {
	d, err := decimal.NewFromString(strings.TrimSpace(major))
	if err != nil || d.IsNegative() {
		return 0
	}
	return d.Mul(hundred).Round(0).IntPart()
}
