package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PositionClaimed is emitted once per paid side. For a winning claim
// Amount = Stake + Winnings; for a refund Winnings is zero and Refund is set.
type PositionClaimed struct {
	Market   common.Address `json:"market"`
	Account  common.Address `json:"account"`
	PayoutTo common.Address `json:"payout_to"`
	Side     Side           `json:"side"`
	Stake    *uint256.Int   `json:"stake"`
	Winnings *uint256.Int   `json:"winnings"`
	Amount   *uint256.Int   `json:"amount"`
	Refund   bool           `json:"refund"`
}

func (p *PositionClaimed) EventType() EventType { return EventTypePositionClaimed }
func (p *PositionClaimed) MarketAddress() common.Address { return p.Market }
