package chain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// The ledger contract stores prices and staked amounts as 18-decimal scaled
// integers. These helpers are the only place that scaling exists; everything
// above the chain boundary works in decimal.Decimal.

func FromScaled(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -18)
}

func ToScaled(d decimal.Decimal) *big.Int {
	return d.Shift(18).Truncate(0).BigInt()
}
