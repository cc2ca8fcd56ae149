package amm

import (
	"errors"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const (
	// BpsDenominator is the fee basis-point scale (10000 bps = 100%)
	BpsDenominator = 10_000

	// MaxFeeBps caps the trading fee at 10%
	MaxFeeBps = 1_000
)

var (
	ErrEmptyPool = errors.New("amm: pool reserve is zero")
	ErrOverflow  = errors.New("amm: arithmetic overflow")
)

var bpsDenominator = uint256.NewInt(BpsDenominator)

// SwapOut prices a trade against a constant-product pool.
//
//	k             = reserveIn * reserveOut
//	newReserveOut = floor(k / (reserveIn + amountIn))
//	amountOut     = reserveOut - newReserveOut
//
// The product is held in 512 bits so k never overflows. newReserveOut is
// floored at 1, which keeps amountOut < reserveOut even when truncation
// would round the remaining reserve down to zero.
func SwapOut(reserveIn, reserveOut, amountIn *uint256.Int) (*uint256.Int, error) {
	if reserveIn.IsZero() || reserveOut.IsZero() {
		return nil, ErrEmptyPool
	}

	denominator, overflow := new(uint256.Int).AddOverflow(reserveIn, amountIn)
	if overflow {
		return nil, ErrOverflow
	}

	// denominator >= reserveIn, so the quotient is <= reserveOut and cannot overflow
	newReserveOut, _ := new(uint256.Int).MulDivOverflow(reserveIn, reserveOut, denominator)
	if newReserveOut.IsZero() {
		newReserveOut.SetOne()
	}

	return new(uint256.Int).Sub(reserveOut, newReserveOut), nil
}

// ApplyFee splits a gross input into (afterFee, fee). The fee is computed
// on the gross amount and rounds down.
func ApplyFee(amountIn *uint256.Int, feeBps uint16) (afterFee, fee *uint256.Int) {
	if feeBps == 0 {
		return new(uint256.Int).Set(amountIn), new(uint256.Int)
	}

	fee, _ = new(uint256.Int).MulDivOverflow(amountIn, uint256.NewInt(uint64(feeBps)), bpsDenominator)
	afterFee = new(uint256.Int).Sub(amountIn, fee)
	return afterFee, fee
}

// ProRata returns floor(amount * numerator / denominator), or zero when the
// denominator is zero. The result never exceeds numerator when amount <= denominator.
func ProRata(amount, numerator, denominator *uint256.Int) *uint256.Int {
	if denominator.IsZero() || numerator.IsZero() {
		return new(uint256.Int)
	}
	share, _ := new(uint256.Int).MulDivOverflow(amount, numerator, denominator)
	return share
}

// ImpliedPrices returns the marginal YES and NO prices of a binary pool.
// Buying YES draws from the YES reserve, so a thin YES reserve means an
// expensive YES share: priceYes = noPool / (yesPool + noPool).
func ImpliedPrices(yesPool, noPool *uint256.Int) (yes, no decimal.Decimal) {
	y := decimal.NewFromBigInt(yesPool.ToBig(), 0)
	n := decimal.NewFromBigInt(noPool.ToBig(), 0)
	t := y.Add(n)
	if t.IsZero() {
		return decimal.Zero, decimal.Zero
	}

	return n.Div(t), y.Div(t)
}
