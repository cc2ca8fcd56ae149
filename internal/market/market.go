package market

import (
	"PredictionLedger/internal/access"
	"PredictionLedger/internal/amm"
	"PredictionLedger/internal/collateral"
	"PredictionLedger/internal/event"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Params are the creation-time settings of a market
type Params struct {
	Address          common.Address
	Question         common.Hash
	ResolveTimestamp time.Time
	YesPool          *uint256.Int
	NoPool           *uint256.Int
	FeeBps           uint16
	FeeRecipient     common.Address
}

// Market is one binary prediction market: a YES/NO constant-product pool,
// the position ledger and the resolution state. All exported methods are
// safe for concurrent use; mutating methods are serialized per market.
type Market struct {
	mu         sync.Mutex
	callingOut atomic.Bool

	address          common.Address
	question         common.Hash
	resolveTimestamp time.Time

	state    State
	outcome  event.Outcome
	resolver common.Address

	yesPool *uint256.Int
	noPool  *uint256.Int

	feeBps       uint16
	feeRecipient common.Address

	positions *PositionLedger

	collateral collateral.Ledger
	auth       access.Authorizer
	sink       event.Sink
}

// New creates an Active market. The caller is responsible for funding the
// market's custody account with the initial reserves.
func New(p Params, ledger collateral.Ledger, auth access.Authorizer, sink event.Sink) (*Market, error) {
	if p.Address == (common.Address{}) {
		return nil, fmt.Errorf("new market: %w: market address", ErrZeroAddress)
	}
	if p.FeeRecipient == (common.Address{}) {
		return nil, fmt.Errorf("new market: %w: fee recipient", ErrZeroAddress)
	}
	if p.FeeBps > amm.MaxFeeBps {
		return nil, fmt.Errorf("new market: %w: %d bps > %d", ErrFeeTooHigh, p.FeeBps, amm.MaxFeeBps)
	}
	if ledger == nil {
		return nil, fmt.Errorf("new market: collateral ledger is required")
	}
	if sink == nil {
		sink = event.Discard
	}

	return &Market{
		address:          p.Address,
		question:         p.Question,
		resolveTimestamp: p.ResolveTimestamp,
		state:            StateActive,
		yesPool:          cloneOrZero(p.YesPool),
		noPool:           cloneOrZero(p.NoPool),
		feeBps:           p.FeeBps,
		feeRecipient:     p.FeeRecipient,
		positions:        NewPositionLedger(),
		collateral:       ledger,
		auth:             auth,
		sink:             sink,
	}, nil
}

// QuestionHash is the canonical identifier of a question text
func QuestionHash(text string) common.Hash {
	return crypto.Keccak256Hash([]byte(text))
}

func (m *Market) Address() common.Address { return m.address }
func (m *Market) Question() common.Hash { return m.question }
func (m *Market) ResolveTimestamp() time.Time { return m.resolveTimestamp }
func (m *Market) CollateralAsset() common.Address { return m.collateral.Asset() }
func (m *Market) Collateral() collateral.Ledger { return m.collateral }

func (m *Market) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Outcome returns the resolved outcome; ok is false unless the market is Resolved
func (m *Market) Outcome() (outcome event.Outcome, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateResolved {
		return 0, false
	}
	return m.outcome, true
}

// Pools returns copies of the YES and NO reserves
func (m *Market) Pools() (yes, no *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(uint256.Int).Set(m.yesPool), new(uint256.Int).Set(m.noPool)
}

func (m *Market) Fee() (bps uint16, recipient common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.feeBps, m.feeRecipient
}

// Position returns account's YES and NO stakes
func (m *Market) Position(account common.Address) (yes, no *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions.Stake(event.SideYes, account), m.positions.Stake(event.SideNo, account)
}

// Totals returns the outstanding YES and NO stake totals
func (m *Market) Totals() (yes, no *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions.Total(event.SideYes), m.positions.Total(event.SideNo)
}

// pool returns the live reserve for side (not a copy)
func (m *Market) pool(side event.Side) *uint256.Int {
	if side == event.SideYes {
		return m.yesPool
	}
	return m.noPool
}

func (m *Market) requireState(want State) error {
	if m.state != want {
		return fmt.Errorf("%w: market %s is %s, need %s", ErrInvalidState, m.address.Hex(), m.state, want)
	}
	return nil
}

func cloneOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
