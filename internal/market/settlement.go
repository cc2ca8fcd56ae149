package market

import (
	"PredictionLedger/internal/access"
	"PredictionLedger/internal/amm"
	"PredictionLedger/internal/event"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Resolve settles the market. Yes/No move it to Resolved with that outcome;
// Cancel moves it to Cancelled so stakes can be refunded at par.
func (m *Market) Resolve(ctx context.Context, caller common.Address, outcome event.Outcome) error {
	_, release, err := m.enter(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := access.Require(m.auth, access.RoleOracle, caller); err != nil {
		return fmt.Errorf("resolve %s: %w", m.address.Hex(), err)
	}
	if err := m.requireState(StateActive); err != nil {
		return err
	}

	switch outcome {
	case event.OutcomeYes, event.OutcomeNo:
		m.state = StateResolved
		m.outcome = outcome
		m.resolver = caller
		m.sink.Emit(&event.MarketResolved{Market: m.address, Outcome: outcome, Resolver: caller})

	case event.OutcomeCancel:
		m.state = StateCancelled
		m.resolver = caller
		m.sink.Emit(&event.MarketCancelled{Market: m.address, Resolver: caller})

	default:
		return fmt.Errorf("%w: %d", ErrInvalidOutcome, outcome)
	}

	return nil
}

// claimAmounts computes (stake, winnings) for account against the live
// losing pool and the live winning total. Caller holds mu.
func (m *Market) claimAmounts(account common.Address) (side event.Side, stake, winnings *uint256.Int) {
	side = m.outcome.WinningSide()
	stake = m.positions.Stake(side, account)
	losingPool := m.pool(side.Opposite())
	winners := m.positions.Total(side)

	// stake <= winners, so winnings <= losingPool; the last claimant has
	// stake == winners and takes the whole remainder
	winnings = amm.ProRata(stake, losingPool, winners)
	return side, stake, winnings
}

// Claimable previews what Claim would pay account right now
func (m *Market) Claimable(account common.Address) *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateResolved {
		return new(uint256.Int)
	}
	_, stake, winnings := m.claimAmounts(account)
	return new(uint256.Int).Add(stake, winnings)
}

// Claim pays the caller's winning stake plus its pro-rata share of what is
// left of the losing pool. Both the losing pool and the winning total are
// decremented, so every later claim is priced against what remains.
func (m *Market) Claim(ctx context.Context, caller common.Address) (*uint256.Int, error) {
	ctx, release, err := m.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := m.requireNotCustody(caller); err != nil {
		return nil, err
	}
	if err := m.requireState(StateResolved); err != nil {
		return nil, err
	}

	side, stake, winnings := m.claimAmounts(caller)
	if stake.IsZero() {
		return nil, fmt.Errorf("%w: %s holds no %s stake in %s", ErrNoPosition, caller.Hex(), side, m.address.Hex())
	}
	payout := new(uint256.Int).Add(stake, winnings)

	// Commit before the outbound transfer; roll back if it is refused
	losingPool := m.pool(side.Opposite())
	losingPool.Sub(losingPool, winnings)
	m.positions.Clear(side, caller)

	if err := m.callOut(func() error {
		return m.collateral.Transfer(ctx, m.address, caller, payout)
	}); err != nil {
		losingPool.Add(losingPool, winnings)
		m.positions.Credit(side, caller, stake)
		return nil, fmt.Errorf("%w: pay %s to %s: %v", ErrTransferFailed, payout.Dec(), caller.Hex(), err)
	}

	m.sink.Emit(&event.PositionClaimed{
		Market:   m.address,
		Account:  caller,
		PayoutTo: caller,
		Side:     side,
		Stake:    stake,
		Winnings: winnings,
		Amount:   new(uint256.Int).Set(payout),
	})

	return payout, nil
}

// Refund returns the caller's stakes at par on a cancelled market. Both
// sides are paid in one transfer; one PositionClaimed is emitted per
// non-zero side.
func (m *Market) Refund(ctx context.Context, caller common.Address) (*uint256.Int, error) {
	ctx, release, err := m.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := m.requireNotCustody(caller); err != nil {
		return nil, err
	}
	if err := m.requireState(StateCancelled); err != nil {
		return nil, err
	}

	yes := m.positions.Clear(event.SideYes, caller)
	no := m.positions.Clear(event.SideNo, caller)
	if yes.IsZero() && no.IsZero() {
		return nil, fmt.Errorf("%w: %s holds no stake in %s", ErrNoPosition, caller.Hex(), m.address.Hex())
	}
	total := new(uint256.Int).Add(yes, no)

	if err := m.callOut(func() error {
		return m.collateral.Transfer(ctx, m.address, caller, total)
	}); err != nil {
		if !yes.IsZero() {
			m.positions.Credit(event.SideYes, caller, yes)
		}
		if !no.IsZero() {
			m.positions.Credit(event.SideNo, caller, no)
		}
		return nil, fmt.Errorf("%w: refund %s to %s: %v", ErrTransferFailed, total.Dec(), caller.Hex(), err)
	}

	for _, leg := range []struct {
		side  event.Side
		stake *uint256.Int
	}{{event.SideYes, yes}, {event.SideNo, no}} {
		if leg.stake.IsZero() {
			continue
		}
		m.sink.Emit(&event.PositionClaimed{
			Market:   m.address,
			Account:  caller,
			PayoutTo: caller,
			Side:     leg.side,
			Stake:    leg.stake,
			Winnings: new(uint256.Int),
			Amount:   new(uint256.Int).Set(leg.stake),
			Refund:   true,
		})
	}

	return total, nil
}
