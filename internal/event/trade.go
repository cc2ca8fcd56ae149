package event

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Side is the outcome a position is held on
type Side int32

const (
	SideUnknown Side = iota
	SideYes
	SideNo
)

func (s Side) String() string {
	switch s {
	case SideYes:
		return "yes"
	case SideNo:
		return "no"
	default:
		return "unknown"
	}
}

func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// Opposite returns the other side of a binary market
func (s Side) Opposite() Side {
	switch s {
	case SideYes:
		return SideNo
	case SideNo:
		return SideYes
	default:
		return SideUnknown
	}
}

func ParseSide(s string) (Side, error) {
	switch s {
	case "yes", "YES", "Yes":
		return SideYes, nil
	case "no", "NO", "No":
		return SideNo, nil
	}
	return SideUnknown, fmt.Errorf("unknown side %q", s)
}

// TradePlaced records a buy against the pool. AmountIn is gross; Fee went
// to the fee recipient and AmountIn-Fee entered the opposite pool.
type TradePlaced struct {
	Market   common.Address `json:"market"`
	Trader   common.Address `json:"trader"`
	Side     Side           `json:"side"`
	AmountIn *uint256.Int   `json:"amount_in"`
	Fee      *uint256.Int   `json:"fee"`
	Units    *uint256.Int   `json:"units"`
}

func (t *TradePlaced) EventType() EventType { return EventTypeTradePlaced }
func (t *TradePlaced) MarketAddress() common.Address { return t.Market }

// AmountAfterFee is the part of AmountIn credited to the pool
func (t *TradePlaced) AmountAfterFee() *uint256.Int {
	return new(uint256.Int).Sub(t.AmountIn, t.Fee)
}

// FeeCollected records the fee leg of a buy
type FeeCollected struct {
	Market    common.Address `json:"market"`
	Recipient common.Address `json:"recipient"`
	Amount    *uint256.Int   `json:"amount"`
}

func (f *FeeCollected) EventType() EventType { return EventTypeFeeCollected }
func (f *FeeCollected) MarketAddress() common.Address { return f.Market }
