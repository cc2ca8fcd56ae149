package market

import (
	"PredictionLedger/internal/amm"
	"PredictionLedger/internal/event"
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Quote is the priced result of a prospective buy
type Quote struct {
	Side           event.Side
	AmountIn       *uint256.Int
	Fee            *uint256.Int
	AmountAfterFee *uint256.Int
	Units          *uint256.Int
}

// quote prices a buy against the current reserves. Buying YES adds the
// net input to the NO reserve and withdraws units from the YES reserve.
func (m *Market) quote(side event.Side, amountIn *uint256.Int) (*Quote, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSide, side)
	}
	if amountIn == nil || amountIn.IsZero() {
		return nil, ErrZeroAmount
	}

	afterFee, fee := amm.ApplyFee(amountIn, m.feeBps)
	units, err := amm.SwapOut(m.pool(side.Opposite()), m.pool(side), afterFee)
	if err != nil {
		return nil, fmt.Errorf("buy %s on %s: %w", side, m.address.Hex(), err)
	}

	return &Quote{
		Side:           side,
		AmountIn:       new(uint256.Int).Set(amountIn),
		Fee:            fee,
		AmountAfterFee: afterFee,
		Units:          units,
	}, nil
}

// QuoteBuy previews Buy without moving funds or changing state
func (m *Market) QuoteBuy(side event.Side, amountIn *uint256.Int) (*Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireState(StateActive); err != nil {
		return nil, err
	}
	return m.quote(side, amountIn)
}

// Buy exchanges amountIn of collateral from trader for units of side.
// The market pulls amountIn with its allowance, forwards the fee to the fee
// recipient and credits the trader's position with the swap output.
func (m *Market) Buy(ctx context.Context, trader common.Address, side event.Side, amountIn *uint256.Int) (*uint256.Int, error) {
	ctx, release, err := m.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := m.requireNotCustody(trader); err != nil {
		return nil, err
	}
	if err := m.requireState(StateActive); err != nil {
		return nil, err
	}

	// Pricing is pure, so a trade that cannot execute fails before any funds move
	q, err := m.quote(side, amountIn)
	if err != nil {
		return nil, err
	}

	if err := m.callOut(func() error {
		return m.collateral.TransferFrom(ctx, m.address, trader, m.address, q.AmountIn)
	}); err != nil {
		return nil, fmt.Errorf("%w: pull %s from %s: %v", ErrTransferFailed, q.AmountIn.Dec(), trader.Hex(), err)
	}

	if !q.Fee.IsZero() {
		if err := m.callOut(func() error {
			return m.collateral.Transfer(ctx, m.address, m.feeRecipient, q.Fee)
		}); err != nil {
			// Compensate the pull so the operation stays all-or-nothing
			if refundErr := m.callOut(func() error {
				return m.collateral.Transfer(ctx, m.address, trader, q.AmountIn)
			}); refundErr != nil {
				return nil, fmt.Errorf("%w: fee to %s: %v", ErrTransferFailed, m.feeRecipient.Hex(),
					errors.Join(err, fmt.Errorf("return input to trader: %w", refundErr)))
			}
			return nil, fmt.Errorf("%w: fee to %s: %v", ErrTransferFailed, m.feeRecipient.Hex(), err)
		}
	}

	// Step: commit. Nothing below can fail.
	opposite := m.pool(side.Opposite())
	opposite.Add(opposite, q.AmountAfterFee)
	chosen := m.pool(side)
	chosen.Sub(chosen, q.Units)
	m.positions.Credit(side, trader, q.Units)

	if !q.Fee.IsZero() {
		m.sink.Emit(&event.FeeCollected{
			Market:    m.address,
			Recipient: m.feeRecipient,
			Amount:    new(uint256.Int).Set(q.Fee),
		})
	}
	m.sink.Emit(&event.TradePlaced{
		Market:   m.address,
		Trader:   trader,
		Side:     side,
		AmountIn: new(uint256.Int).Set(q.AmountIn),
		Fee:      new(uint256.Int).Set(q.Fee),
		Units:    new(uint256.Int).Set(q.Units),
	})

	return new(uint256.Int).Set(q.Units), nil
}
