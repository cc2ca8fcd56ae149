package amm_test

import (
	"PredictionLedger/internal/amm"
	"testing"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

var epsilon = decimal.New(1, -12)

// ============================================================================
// SwapOut
// ============================================================================

func TestSwapOut_BalancedPool(t *testing.T) {
	out, err := amm.SwapOut(u(1000), u(1000), u(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(91), out.Uint64())
}

func TestSwapOut_EmptyReserve(t *testing.T) {
	_, err := amm.SwapOut(u(0), u(1000), u(100))
	assert.ErrorIs(t, err, amm.ErrEmptyPool)

	_, err = amm.SwapOut(u(1000), u(0), u(100))
	assert.ErrorIs(t, err, amm.ErrEmptyPool)
}

func TestSwapOut_NeverDrainsPool(t *testing.T) {
	cases := []struct {
		name                  string
		reserveIn, reserveOut *uint256.Int
		amountIn              *uint256.Int
	}{
		{"tiny pool huge input", u(1), u(1), u(1_000_000)},
		{"truncation to zero", u(3), u(5), u(100)},
		{"max input", u(1000), u(1000), new(uint256.Int).Sub(new(uint256.Int).SetAllOne(), u(1000))},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := amm.SwapOut(tc.reserveIn, tc.reserveOut, tc.amountIn)
			require.NoError(t, err)
			assert.True(t, out.Lt(tc.reserveOut), "amountOut %s must stay below reserve %s", out, tc.reserveOut)
		})
	}
}

func TestSwapOut_TruncatedReserveRaisedToOne(t *testing.T) {
	// floor(15/103) is 0; one unit stays in the pool
	out, err := amm.SwapOut(u(3), u(5), u(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), out.Uint64())

	out, err = amm.SwapOut(u(1), u(1), u(1_000_000))
	require.NoError(t, err)
	assert.True(t, out.IsZero())
}

func TestSwapOut_LargeReservesDoNotOverflowProduct(t *testing.T) {
	// 2^200 * 2^200 overflows 256 bits; the 512-bit intermediate must absorb it
	reserve := new(uint256.Int).Lsh(u(1), 200)
	out, err := amm.SwapOut(reserve, reserve, reserve)
	require.NoError(t, err)

	// Doubling reserveIn halves reserveOut
	half := new(uint256.Int).Rsh(reserve, 1)
	assert.Equal(t, half.Dec(), out.Dec())
}

func TestSwapOut_InputOverflow(t *testing.T) {
	maxReserve := new(uint256.Int).SetAllOne()
	_, err := amm.SwapOut(maxReserve, u(10), u(1))
	assert.ErrorIs(t, err, amm.ErrOverflow)
}

func TestSwapOut_PositiveInputAlwaysBuysSomething(t *testing.T) {
	out, err := amm.SwapOut(u(1_000_000), u(1_000_000), u(1))
	require.NoError(t, err)
	assert.False(t, out.IsZero())
}

// ============================================================================
// ApplyFee
// ============================================================================

func TestApplyFee(t *testing.T) {
	cases := []struct {
		amount   uint64
		bps      uint16
		afterFee uint64
		fee      uint64
	}{
		{100, 0, 100, 0},
		{100, 100, 99, 1},
		{99, 100, 99, 0}, // floor(0.99)
		{10_000, 1000, 9_000, 1_000},
		{1, 1000, 1, 0},
	}

	for _, tc := range cases {
		afterFee, fee := amm.ApplyFee(u(tc.amount), tc.bps)
		assert.Equal(t, tc.afterFee, afterFee.Uint64(), "afterFee for %d @ %d bps", tc.amount, tc.bps)
		assert.Equal(t, tc.fee, fee.Uint64(), "fee for %d @ %d bps", tc.amount, tc.bps)
	}
}

func TestApplyFee_DoesNotAliasInput(t *testing.T) {
	in := u(500)
	afterFee, _ := amm.ApplyFee(in, 0)
	afterFee.AddUint64(afterFee, 1)
	assert.Equal(t, uint64(500), in.Uint64())
}

// ============================================================================
// ProRata / prices
// ============================================================================

func TestProRata(t *testing.T) {
	assert.Equal(t, uint64(1100), amm.ProRata(u(91), u(1100), u(91)).Uint64())
	assert.Equal(t, uint64(366), amm.ProRata(u(1), u(1100), u(3)).Uint64())
	assert.True(t, amm.ProRata(u(5), u(100), u(0)).IsZero())
	assert.True(t, amm.ProRata(u(5), u(0), u(10)).IsZero())
}

func TestImpliedPrices(t *testing.T) {
	yes, no := amm.ImpliedPrices(u(909), u(1100))
	assert.True(t, yes.Add(no).Sub(decimal.NewFromInt(1)).Abs().LessThan(epsilon))
	assert.True(t, yes.GreaterThan(no), "thin YES reserve should price YES above NO")

	yes, no = amm.ImpliedPrices(u(0), u(0))
	assert.True(t, yes.IsZero())
	assert.True(t, no.IsZero())
}
