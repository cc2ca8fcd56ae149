package market

import (
	"PredictionLedger/internal/access"
	"PredictionLedger/internal/amm"
	"PredictionLedger/internal/collateral"
	"PredictionLedger/internal/event"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// SetFee changes the trading fee. Admin only; allowed in any state.
func (m *Market) SetFee(ctx context.Context, caller common.Address, bps uint16) error {
	_, release, err := m.enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := access.Require(m.auth, access.RoleAdmin, caller); err != nil {
		return fmt.Errorf("set fee on %s: %w", m.address.Hex(), err)
	}
	if bps > amm.MaxFeeBps {
		return fmt.Errorf("%w: %d bps > %d", ErrFeeTooHigh, bps, amm.MaxFeeBps)
	}

	old := m.feeBps
	m.feeBps = bps
	m.sink.Emit(&event.FeeUpdated{Market: m.address, Admin: caller, OldBps: old, NewBps: bps})
	return nil
}

func (m *Market) SetFeeRecipient(ctx context.Context, caller, recipient common.Address) error {
	_, release, err := m.enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := access.Require(m.auth, access.RoleAdmin, caller); err != nil {
		return fmt.Errorf("set fee recipient on %s: %w", m.address.Hex(), err)
	}
	if recipient == (common.Address{}) {
		return fmt.Errorf("%w: fee recipient", ErrZeroAddress)
	}

	old := m.feeRecipient
	m.feeRecipient = recipient
	m.sink.Emit(&event.FeeRecipientUpdated{Market: m.address, Admin: caller, OldRecipient: old, NewRecipient: recipient})
	return nil
}

// Rescue sweeps a foreign asset that landed in market custody. The market's
// own collateral can never be rescued.
func (m *Market) Rescue(ctx context.Context, caller common.Address, asset collateral.Ledger, to common.Address, amount *uint256.Int) error {
	ctx, release, err := m.enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := access.Require(m.auth, access.RoleAdmin, caller); err != nil {
		return fmt.Errorf("rescue from %s: %w", m.address.Hex(), err)
	}
	if asset == nil {
		return fmt.Errorf("rescue from %s: asset is required", m.address.Hex())
	}
	if asset.Asset() == m.collateral.Asset() {
		return fmt.Errorf("%w: %s", ErrCannotRescueCollateral, asset.Asset().Hex())
	}
	if to == (common.Address{}) {
		return fmt.Errorf("%w: rescue destination", ErrZeroAddress)
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}

	if err := m.callOut(func() error {
		return asset.Transfer(ctx, m.address, to, amount)
	}); err != nil {
		return fmt.Errorf("%w: rescue %s of %s to %s: %v", ErrTransferFailed, amount.Dec(), asset.Asset().Hex(), to.Hex(), err)
	}

	m.sink.Emit(&event.AssetRescued{
		Market: m.address,
		Admin:  caller,
		Asset:  asset.Asset(),
		To:     to,
		Amount: new(uint256.Int).Set(amount),
	})
	return nil
}
