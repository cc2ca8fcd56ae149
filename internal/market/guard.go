package market

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

type guardKey struct{ m *Market }

// enter serializes a mutating call. Re-entry is rejected with ErrReentrant
// in two ways: the returned ctx carries a marker for this market, and
// callingOut is set while the market is inside a collateral ledger call, so
// a hook that calls back with any context fails instead of blocking on mu.
//
// A caller on another goroutine that arrives while a ledger call is in
// flight is rejected the same way; the engine serializes commands, so this
// only affects direct concurrent use.
func (m *Market) enter(ctx context.Context) (context.Context, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if ctx.Value(guardKey{m}) != nil || m.callingOut.Load() {
		return nil, nil, fmt.Errorf("%w: market %s", ErrReentrant, m.address.Hex())
	}

	m.mu.Lock()
	return context.WithValue(ctx, guardKey{m}, struct{}{}), m.mu.Unlock, nil
}

// callOut runs one call into a collateral ledger. mu must be held.
func (m *Market) callOut(fn func() error) error {
	m.callingOut.Store(true)
	defer m.callingOut.Store(false)
	return fn()
}

// requireNotCustody rejects the market's own custody account as a trader or
// claimant: a transfer from custody to itself moves nothing
func (m *Market) requireNotCustody(account common.Address) error {
	if account == m.address {
		return fmt.Errorf("%w: %s", ErrCustodyAccount, account.Hex())
	}
	return nil
}
