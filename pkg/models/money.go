package models

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// USD is a dollar amount carried as integer cents. Arithmetic on listings
// and deltas stays exact; the two fractional digits are preserved at every
// serialization boundary.
type USD int64

// USDFromFloat converts a dollar float to cents, rounding half away from zero.
func USDFromFloat(dollars float64) USD {
	if dollars < 0 {
		return USD(dollars*100 - 0.5)
	}
	return USD(dollars*100 + 0.5)
}

// Float64 returns the amount in dollars.
func (u USD) Float64() float64 {
	return float64(u) / 100.0
}

// String renders the amount as a plain two-digit decimal, e.g. "3200.00".
func (u USD) String() string {
	sign := ""
	v := int64(u)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// ParseUSD parses a US-format decimal dollar amount. Commas as thousands
// separators and a leading "$" are permitted: "$3,200.00" → 320000 cents.
func ParseUSD(s string) (USD, error) {
	cleaned := strings.TrimSpace(s)
	cleaned = strings.TrimPrefix(cleaned, "$")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	if cleaned == "" {
		return 0, fmt.Errorf("empty price")
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid price %q", s)
	}
	return USDFromFloat(f), nil
}

// MarshalJSON emits a JSON number with exactly two fractional digits.
func (u USD) MarshalJSON() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalJSON accepts either a JSON number or a quoted US-format string.
func (u *USD) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseUSD(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// UnmarshalYAML accepts registry values written as plain decimals.
func (u *USD) UnmarshalYAML(node *yaml.Node) error {
	var f float64
	if err := node.Decode(&f); err != nil {
		return err
	}
	*u = USDFromFloat(f)
	return nil
}
