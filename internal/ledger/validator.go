package ledger

import (
	"PredictionLedger/internal/event"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MarketState is the live view of a market the validator compares against
type MarketState struct {
	Address  common.Address
	YesPool  *uint256.Int
	NoPool   *uint256.Int
	TotalYes *uint256.Int
	TotalNo  *uint256.Int

	// Collateral balance of the market's custody account
	Custody *uint256.Int
}

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	if total := v.tracker.ComputeGlobalBalance(); !total.IsZero() {
		return fmt.Errorf("global balance is non-zero: %s", signed(total))
	}
	return nil
}

// ValidateMarket checks that the ledger agrees with the market's own
// bookkeeping and that custody covers everything the market owes:
//
//	custody + unfunded >= pool_yes + pool_no + positions_yes + positions_no
//
// unfunded is the part of the initial reserves the creator never pulled in.
func (v *InvariantValidator) ValidateMarket(s MarketState) error {
	internal := []struct {
		key  AccountKey
		want *uint256.Int
	}{
		{PoolKey(s.Address, event.SideYes), s.YesPool},
		{PoolKey(s.Address, event.SideNo), s.NoPool},
		{PositionsKey(s.Address, event.SideYes), s.TotalYes},
		{PositionsKey(s.Address, event.SideNo), s.TotalNo},
	}

	owed := new(uint256.Int)
	for _, acc := range internal {
		if err := v.tracker.ValidateNonNegative(acc.key); err != nil {
			return err
		}
		got := v.tracker.GetBalance(acc.key)
		if !got.Eq(acc.want) {
			return fmt.Errorf("account %s: ledger %s, market %s", acc.key.AccountPath(), got.Dec(), acc.want.Dec())
		}
		if _, overflow := owed.AddOverflow(owed, got); overflow {
			return fmt.Errorf("market %s: obligations overflow", s.Address.Hex())
		}
	}

	if !v.tracker.ComputeMarketBalance(s.Address).IsZero() {
		return fmt.Errorf("market %s: balances do not sum to zero", s.Address.Hex())
	}

	unfunded := new(uint256.Int).Neg(v.tracker.GetBalance(NewExternalAccountKey(s.Address, SubTypeExternalUnfunded)))
	backing, overflow := new(uint256.Int).AddOverflow(s.Custody, unfunded)
	if !overflow && backing.Lt(owed) {
		return fmt.Errorf("market %s insolvent: custody %s + unfunded %s < owed %s",
			s.Address.Hex(), s.Custody.Dec(), unfunded.Dec(), owed.Dec())
	}

	return nil
}
