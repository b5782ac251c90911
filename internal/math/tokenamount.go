// Package math converts interest-normalized scaled balances into token amounts.
// All intermediate arithmetic runs on math/big and is range-checked against the
// u128 / i128 widths the protocol computes with.
package math

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"SpotSnapshot/internal/protocol"

	"github.com/shopspring/decimal"
)

var (
	ErrMathOverflow    = errors.New("math overflow")
	ErrInvalidDecimals = errors.New("invalid spot market decimals")
	ErrCastingFailure  = errors.New("casting failure")
	ErrDivideByZero    = errors.New("divide by zero")
)

var (
	maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	maxI128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	ten     = big.NewInt(10)
)

// scratch ints for remainders and other short-lived values
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

type RoundingMode int

const (
	RoundDown RoundingMode = iota // truncate toward zero
	RoundUp                       // any remainder rounds away from zero
)

// DivideRounded returns numerator / denominator for non-negative operands.
func DivideRounded(numerator, denominator *big.Int, mode RoundingMode) (*big.Int, error) {
	if denominator.Sign() == 0 {
		return nil, ErrDivideByZero
	}

	quotient := new(big.Int)
	remainder := getBig()
	defer putBig(remainder)

	quotient.QuoRem(numerator, denominator, remainder)
	if mode == RoundUp && remainder.Sign() != 0 {
		quotient.Add(quotient, big.NewInt(1))
	}
	return quotient, nil
}

// precisionDecrease is 10^(19 - decimals): the divisor taking
// balance precision * interest precision down to token precision.
func precisionDecrease(decimals uint32) (*big.Int, error) {
	if decimals > protocol.MaxSpotDecimals {
		return nil, fmt.Errorf("%w: %d exceeds %d", ErrInvalidDecimals, decimals, protocol.MaxSpotDecimals)
	}
	exp := big.NewInt(int64(protocol.MaxSpotDecimals - decimals))
	return new(big.Int).Exp(ten, exp, nil), nil
}

// GetTokenAmount converts a scaled balance into an unsigned token amount in the
// market's base units. Deposits round down, borrows round up.
func GetTokenAmount(
	scaledBalance uint64,
	market *protocol.SpotMarket,
	balanceType protocol.SpotBalanceType,
) (*big.Int, error) {
	divisor, err := precisionDecrease(market.Decimals)
	if err != nil {
		return nil, err
	}

	interest := market.CumulativeInterest(balanceType).BigInt()

	product := new(big.Int).SetUint64(scaledBalance)
	product.Mul(product, interest)
	if product.Cmp(maxU128) > 0 {
		return nil, fmt.Errorf("%w: scaled_balance %d * cumulative_interest %s", ErrMathOverflow, scaledBalance, interest)
	}

	mode := RoundDown
	if balanceType == protocol.SpotBalanceTypeBorrow {
		mode = RoundUp
	}
	return DivideRounded(product, divisor, mode)
}

// GetSignedTokenAmount is GetTokenAmount cast to i128: positive for deposits,
// negative for borrows.
func GetSignedTokenAmount(
	scaledBalance uint64,
	market *protocol.SpotMarket,
	balanceType protocol.SpotBalanceType,
) (*big.Int, error) {
	amount, err := GetTokenAmount(scaledBalance, market, balanceType)
	if err != nil {
		return nil, err
	}
	if amount.Cmp(maxI128) > 0 {
		return nil, fmt.Errorf("%w: token amount %s does not fit i128", ErrCastingFailure, amount)
	}
	if balanceType == protocol.SpotBalanceTypeBorrow {
		amount.Neg(amount)
	}
	return amount, nil
}

// FormatTokenAmount renders a base-unit amount in the token's natural unit,
// e.g. 1500000000 with 9 decimals is "1.500000000".
func FormatTokenAmount(amount *big.Int, decimals uint32) string {
	return decimal.NewFromBigInt(amount, -int32(decimals)).StringFixed(int32(decimals))
}
