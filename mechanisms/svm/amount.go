package svm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseDecimal parses a human amount such as "0.01" or "$0.01"
func ParseDecimal(amount string) (decimal.Decimal, error) {
	clean := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(amount), "$"))
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	return d, nil
}

// ParseAmount converts a decimal amount string to atomic units
func ParseAmount(amount string, decimals int) (uint64, error) {
	d, err := ParseDecimal(amount)
	if err != nil {
		return 0, err
	}
	return ToAtomicUnits(d, decimals)
}

// ToAtomicUnits scales d by 10^decimals. Amounts with more precision than the token
// supports, negative amounts and amounts beyond uint64 are rejected.
func ToAtomicUnits(d decimal.Decimal, decimals int) (uint64, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("amount must not be negative: %s", d)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", d, decimals)
	}
	atomic := scaled.BigInt()
	if !atomic.IsUint64() {
		return 0, fmt.Errorf("amount %s overflows", d)
	}
	return atomic.Uint64(), nil
}

// FormatAmount converts atomic units back to a decimal string
func FormatAmount(amount uint64, decimals int) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -int32(decimals)).String()
}
