package event

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Outcome is the resolver's verdict. The numeric values are part of the
// wire contract: No=0, Yes=1, Cancel=2.
type Outcome uint8

const (
	OutcomeNo Outcome = iota
	OutcomeYes
	OutcomeCancel
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNo:
		return "no"
	case OutcomeYes:
		return "yes"
	case OutcomeCancel:
		return "cancel"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// WinningSide maps a Yes/No outcome to the side whose holders get paid
func (o Outcome) WinningSide() Side {
	switch o {
	case OutcomeYes:
		return SideYes
	case OutcomeNo:
		return SideNo
	default:
		return SideUnknown
	}
}

// MarketCreated is emitted by the registry once a market is live
type MarketCreated struct {
	Market           common.Address `json:"market"`
	Creator          common.Address `json:"creator"`
	Question         common.Hash    `json:"question"`
	ResolveTimestamp time.Time      `json:"resolve_timestamp"`
	Collateral       common.Address `json:"collateral"`
	YesPool          *uint256.Int   `json:"yes_pool"`
	NoPool           *uint256.Int   `json:"no_pool"`
	FeeBps           uint16         `json:"fee_bps"`
	FeeRecipient     common.Address `json:"fee_recipient"`

	// Funded is set when the registry pulled YesPool+NoPool from the
	// creator into market custody.
	Funded bool `json:"funded"`
}

func (m *MarketCreated) EventType() EventType { return EventTypeMarketCreated }
func (m *MarketCreated) MarketAddress() common.Address { return m.Market }

type MarketResolved struct {
	Market   common.Address `json:"market"`
	Outcome  Outcome        `json:"outcome"`
	Resolver common.Address `json:"resolver"`
}

func (m *MarketResolved) EventType() EventType { return EventTypeMarketResolved }
func (m *MarketResolved) MarketAddress() common.Address { return m.Market }

type MarketCancelled struct {
	Market   common.Address `json:"market"`
	Resolver common.Address `json:"resolver"`
}

func (m *MarketCancelled) EventType() EventType { return EventTypeMarketCancelled }
func (m *MarketCancelled) MarketAddress() common.Address { return m.Market }

type FeeUpdated struct {
	Market common.Address `json:"market"`
	Admin  common.Address `json:"admin"`
	OldBps uint16         `json:"old_bps"`
	NewBps uint16         `json:"new_bps"`
}

func (f *FeeUpdated) EventType() EventType { return EventTypeFeeUpdated }
func (f *FeeUpdated) MarketAddress() common.Address { return f.Market }

type FeeRecipientUpdated struct {
	Market       common.Address `json:"market"`
	Admin        common.Address `json:"admin"`
	OldRecipient common.Address `json:"old_recipient"`
	NewRecipient common.Address `json:"new_recipient"`
}

func (f *FeeRecipientUpdated) EventType() EventType { return EventTypeFeeRecipientUpdated }
func (f *FeeRecipientUpdated) MarketAddress() common.Address { return f.Market }

// AssetRescued records a foreign token swept out of market custody
type AssetRescued struct {
	Market common.Address `json:"market"`
	Admin  common.Address `json:"admin"`
	Asset  common.Address `json:"asset"`
	To     common.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

func (a *AssetRescued) EventType() EventType { return EventTypeAssetRescued }
func (a *AssetRescued) MarketAddress() common.Address { return a.Market }
