// Package core provides money parsing and handling utilities.
//
// Amounts are signed decimals with at most two fractional digits. Storage
// backends persist them as integer minor units (cents), so every amount that
// passes validation converts exactly in both directions.
package core

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxAmount bounds the magnitude of any single amount or balance input.
var MaxAmount = decimal.New(1, 12)

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrAmountPrecision = errors.New("amount has more than two decimal places")
	ErrAmountRange     = errors.New("amount out of range")
)

// ParseAmount parses a signed decimal string. Both dot (12.34) and comma
// (12,34) separators are accepted. Unlike display input, values with more than
// two decimals are rejected instead of rounded so that no money is invented.
//
// Examples:
//
//	ParseAmount("-12.34") -> -12.34, nil
//	ParseAmount("12,5")   -> 12.5, nil
//	ParseAmount("1.234")  -> 0, ErrAmountPrecision
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")
	if strings.Count(s, ".") > 1 {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if err := CheckAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// CheckAmount verifies precision and magnitude of d.
func CheckAmount(d decimal.Decimal) error {
	if !d.Equal(d.Round(2)) {
		return ErrAmountPrecision
	}
	if d.Abs().GreaterThan(MaxAmount) {
		return ErrAmountRange
	}
	return nil
}

// ToMinorUnits converts a two-decimal amount into cents.
func ToMinorUnits(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

// FromMinorUnits converts cents back into a decimal amount.
func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
