package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// CollateralMinted records an admin faucet credit on a custodied token
type CollateralMinted struct {
	Asset  common.Address `json:"asset"`
	Admin  common.Address `json:"admin"`
	To     common.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

func (c *CollateralMinted) EventType() EventType { return EventTypeCollateralMinted }
func (c *CollateralMinted) MarketAddress() common.Address { return common.Address{} }

// AllowanceApproved records an owner letting spender (usually a market or
// the registry) pull up to Amount
type AllowanceApproved struct {
	Asset   common.Address `json:"asset"`
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Amount  *uint256.Int   `json:"amount"`
}

func (a *AllowanceApproved) EventType() EventType { return EventTypeAllowanceApproved }
func (a *AllowanceApproved) MarketAddress() common.Address { return common.Address{} }
