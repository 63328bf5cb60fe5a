package web3

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a human amount into the token's smallest unit.
// Amounts that are not positive or carry more precision than the token
// supports are rejected rather than rounded.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("金额必须为正数: %s", amount.String())
	}
	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("金额 %s 超出 %d 位小数精度", amount.String(), decimals)
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits converts smallest units back into a human amount.
func FromBaseUnits(value *big.Int, decimals int32) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -decimals)
}
