package market

import (
	"PredictionLedger/internal/event"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionLedger_TotalsTrackStakes(t *testing.T) {
	pl := NewPositionLedger()
	a := common.HexToAddress("0x01")
	b := common.HexToAddress("0x02")

	pl.Credit(event.SideYes, a, uint256.NewInt(10))
	pl.Credit(event.SideYes, b, uint256.NewInt(5))
	pl.Credit(event.SideYes, a, uint256.NewInt(1))
	pl.Credit(event.SideNo, b, uint256.NewInt(7))
	pl.Credit(event.SideNo, a, new(uint256.Int))

	assert.Equal(t, uint64(16), pl.Total(event.SideYes).Uint64())
	assert.Equal(t, uint64(7), pl.Total(event.SideNo).Uint64())
	assert.Equal(t, []common.Address{a, b}, pl.Accounts())

	cleared := pl.Clear(event.SideYes, a)
	assert.Equal(t, uint64(11), cleared.Uint64())
	assert.Equal(t, uint64(5), pl.Total(event.SideYes).Uint64())
	assert.True(t, pl.Stake(event.SideYes, a).IsZero())
	assert.True(t, pl.Clear(event.SideYes, a).IsZero(), "clearing twice yields nothing")
}

func TestPositionLedger_StakeIsACopy(t *testing.T) {
	pl := NewPositionLedger()
	a := common.HexToAddress("0x01")
	pl.Credit(event.SideNo, a, uint256.NewInt(3))

	s := pl.Stake(event.SideNo, a)
	s.SetUint64(999)
	assert.Equal(t, uint64(3), pl.Stake(event.SideNo, a).Uint64())
}

func TestPositionLedger_SnapshotRoundTrip(t *testing.T) {
	pl := NewPositionLedger()
	pl.Credit(event.SideYes, common.HexToAddress("0x01"), uint256.NewInt(4))
	pl.Credit(event.SideNo, common.HexToAddress("0x02"), uint256.NewInt(9))

	restored := restorePositions(pl.snapshot())
	require.Equal(t, pl.snapshot(), restored.snapshot())
	assert.Equal(t, uint64(4), restored.Total(event.SideYes).Uint64())
	assert.Equal(t, uint64(9), restored.Total(event.SideNo).Uint64())
}

func TestState_Transitions(t *testing.T) {
	assert.True(t, StateCreated.CanTransitionTo(StateActive))
	assert.True(t, StateActive.CanTransitionTo(StateResolved))
	assert.True(t, StateActive.CanTransitionTo(StateCancelled))
	assert.False(t, StateResolved.CanTransitionTo(StateCancelled))
	assert.False(t, StateCancelled.CanTransitionTo(StateActive))
	assert.True(t, StateResolved.IsTerminal())
	assert.False(t, StateActive.IsTerminal())
}
