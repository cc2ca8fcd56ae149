package market

import (
	"PredictionLedger/internal/access"
	"PredictionLedger/internal/collateral"
	"PredictionLedger/internal/event"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Snapshot is the full serializable state of one market
type Snapshot struct {
	Address          common.Address     `json:"address"`
	Question         common.Hash        `json:"question"`
	ResolveTimestamp time.Time          `json:"resolve_timestamp"`
	Collateral       common.Address     `json:"collateral"`
	State            State              `json:"state"`
	Outcome          event.Outcome      `json:"outcome"`
	Resolver         common.Address     `json:"resolver"`
	YesPool          *uint256.Int       `json:"yes_pool"`
	NoPool           *uint256.Int       `json:"no_pool"`
	FeeBps           uint16             `json:"fee_bps"`
	FeeRecipient     common.Address     `json:"fee_recipient"`
	TotalYes         *uint256.Int       `json:"total_yes"`
	TotalNo          *uint256.Int       `json:"total_no"`
	Positions        []PositionSnapshot `json:"positions"`
}

// Snapshot captures the market under its lock
func (m *Market) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return &Snapshot{
		Address:          m.address,
		Question:         m.question,
		ResolveTimestamp: m.resolveTimestamp,
		Collateral:       m.collateral.Asset(),
		State:            m.state,
		Outcome:          m.outcome,
		Resolver:         m.resolver,
		YesPool:          new(uint256.Int).Set(m.yesPool),
		NoPool:           new(uint256.Int).Set(m.noPool),
		FeeBps:           m.feeBps,
		FeeRecipient:     m.feeRecipient,
		TotalYes:         m.positions.Total(event.SideYes),
		TotalNo:          m.positions.Total(event.SideNo),
		Positions:        m.positions.snapshot(),
	}
}

// Restore rebuilds a market from a snapshot. The side totals are recomputed
// from the positions and must match the recorded totals.
func Restore(s *Snapshot, ledger collateral.Ledger, auth access.Authorizer, sink event.Sink) (*Market, error) {
	if ledger == nil {
		return nil, fmt.Errorf("restore market %s: collateral ledger is required", s.Address.Hex())
	}
	if ledger.Asset() != s.Collateral {
		return nil, fmt.Errorf("restore market %s: collateral %s, ledger is %s",
			s.Address.Hex(), s.Collateral.Hex(), ledger.Asset().Hex())
	}
	if sink == nil {
		sink = event.Discard
	}

	positions := restorePositions(s.Positions)
	if s.TotalYes != nil && !positions.Total(event.SideYes).Eq(s.TotalYes) {
		return nil, fmt.Errorf("restore market %s: yes total %s != sum of positions %s",
			s.Address.Hex(), s.TotalYes.Dec(), positions.Total(event.SideYes).Dec())
	}
	if s.TotalNo != nil && !positions.Total(event.SideNo).Eq(s.TotalNo) {
		return nil, fmt.Errorf("restore market %s: no total %s != sum of positions %s",
			s.Address.Hex(), s.TotalNo.Dec(), positions.Total(event.SideNo).Dec())
	}

	return &Market{
		address:          s.Address,
		question:         s.Question,
		resolveTimestamp: s.ResolveTimestamp,
		state:            s.State,
		outcome:          s.Outcome,
		resolver:         s.Resolver,
		yesPool:          cloneOrZero(s.YesPool),
		noPool:           cloneOrZero(s.NoPool),
		feeBps:           s.FeeBps,
		feeRecipient:     s.FeeRecipient,
		positions:        positions,
		collateral:       ledger,
		auth:             auth,
		sink:             sink,
	}, nil
}
