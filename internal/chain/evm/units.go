package evm

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// TokenDecimals is the decimals of every token this platform deploys.
const TokenDecimals int32 = 18

// ToWei converts a whole-unit amount to base units, truncating dust below
// one base unit.
func ToWei(amount float64, decimals int32) *big.Int {
	if amount <= 0 {
		return new(big.Int)
	}
	return decimal.NewFromFloat(amount).Shift(decimals).Truncate(0).BigInt()
}

// FromWei converts base units to a whole-unit float.
func FromWei(v *big.Int, decimals int32) float64 {
	if v == nil {
		return 0
	}
	return decimal.NewFromBigInt(v, -decimals).InexactFloat64()
}
