package ledger

import (
	"PredictionLedger/internal/event"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	// Balances held inside a market's custody
	AccountScopeMarket AccountScope = iota + 1
	// Boundary accounts where collateral enters or leaves a market
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Market sub-types
	SubTypePoolYes AccountSubType = iota + 1
	SubTypePoolNo
	SubTypePositionsYes
	SubTypePositionsNo

	// External sub-types
	SubTypeExternalLiquidity // reserves pulled from the creator at creation
	SubTypeExternalUnfunded  // reserves the creator still owes custody
	SubTypeExternalTraders
	SubTypeExternalFees
	SubTypeExternalPayouts
)

var subTypeNames = map[AccountSubType]string{
	SubTypePoolYes:           "pool_yes",
	SubTypePoolNo:            "pool_no",
	SubTypePositionsYes:      "positions_yes",
	SubTypePositionsNo:       "positions_no",
	SubTypeExternalLiquidity: "liquidity",
	SubTypeExternalUnfunded:  "unfunded",
	SubTypeExternalTraders:   "traders",
	SubTypeExternalFees:      "fees",
	SubTypeExternalPayouts:   "payouts",
}

// AccountKey is the in-memory key for balance tracking. Every account,
// external ones included, belongs to exactly one market.
type AccountKey struct {
	Scope   AccountScope
	Market  common.Address
	SubType AccountSubType
}

func NewMarketAccountKey(market common.Address, subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeMarket, Market: market, SubType: subType}
}

func NewExternalAccountKey(market common.Address, subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, Market: market, SubType: subType}
}

// PoolKey is the reserve account for side
func PoolKey(market common.Address, side event.Side) AccountKey {
	if side == event.SideYes {
		return NewMarketAccountKey(market, SubTypePoolYes)
	}
	return NewMarketAccountKey(market, SubTypePoolNo)
}

// PositionsKey is the aggregate stake account for side
func PositionsKey(market common.Address, side event.Side) AccountKey {
	if side == event.SideYes {
		return NewMarketAccountKey(market, SubTypePositionsYes)
	}
	return NewMarketAccountKey(market, SubTypePositionsNo)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	name, ok := subTypeNames[k.SubType]
	if !ok {
		name = "unknown"
	}

	switch k.Scope {
	case AccountScopeMarket:
		return fmt.Sprintf("market:%s:%s", k.Market.Hex(), name)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.Market.Hex(), name)
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	if len(parts) != 3 {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}

	var key AccountKey
	switch parts[0] {
	case "market":
		key.Scope = AccountScopeMarket
	case "external":
		key.Scope = AccountScopeExternal
	default:
		return AccountKey{}, fmt.Errorf("unknown scope in account path %q", path)
	}

	if !common.IsHexAddress(parts[1]) {
		return AccountKey{}, fmt.Errorf("bad market in account path %q", path)
	}
	key.Market = common.HexToAddress(parts[1])

	for st, name := range subTypeNames {
		if name == parts[2] {
			key.SubType = st
			return key, nil
		}
	}
	return AccountKey{}, fmt.Errorf("unknown sub-type in account path %q", path)
}
