package core

import (
	"PredictionLedger/internal/event"
	"PredictionLedger/internal/registry"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// CommandType identifies the operation a command requests
type CommandType int32

const (
	CommandUnknown CommandType = iota
	CommandCreateMarket
	CommandBuy
	CommandResolve
	CommandClaim
	CommandRefund
	CommandSetFee
	CommandSetFeeRecipient
	CommandRescue
	CommandMint
	CommandApprove
)

var commandNames = map[CommandType]string{
	CommandCreateMarket:    "CreateMarket",
	CommandBuy:             "Buy",
	CommandResolve:         "Resolve",
	CommandClaim:           "Claim",
	CommandRefund:          "Refund",
	CommandSetFee:          "SetFee",
	CommandSetFeeRecipient: "SetFeeRecipient",
	CommandRescue:          "Rescue",
	CommandMint:            "Mint",
	CommandApprove:         "Approve",
}

func (ct CommandType) String() string {
	if name, ok := commandNames[ct]; ok {
		return name
	}
	return "Unknown"
}

// ParseCommandType accepts the names produced by String
func ParseCommandType(s string) (CommandType, error) {
	for ct, name := range commandNames {
		if name == s {
			return ct, nil
		}
	}
	return CommandUnknown, fmt.Errorf("unknown command type %q", s)
}

// Command is one request to the engine. Only the fields relevant to Type
// are read.
type Command struct {
	Type      CommandType
	RequestID string
	Caller    common.Address

	// Versioned input timestamp; the core never reads the wall clock
	Timestamp time.Time

	// Target market (all market-scoped commands)
	Market common.Address

	Side    event.Side    // Buy
	Outcome event.Outcome // Resolve
	FeeBps  uint16        // SetFee

	// Buy input, Rescue/Mint/Approve amount
	Amount *uint256.Int

	// SetFeeRecipient recipient, Rescue/Mint destination, Approve spender
	Account common.Address

	// Rescue/Mint/Approve token; zero means the collateral asset
	Asset common.Address

	Create *registry.CreateParams
}

// Result reports what a command did
type Result struct {
	// Duplicate is set when the request id was already applied; nothing ran
	Duplicate bool

	// Sequence of the last envelope produced, or the current tip if none
	Sequence int64

	Market common.Address

	// Units bought, collateral paid out or refunded; nil for other commands
	Amount *uint256.Int

	Events []event.Event
}
