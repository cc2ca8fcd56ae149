package registry

import (
	"PredictionLedger/internal/access"
	"PredictionLedger/internal/collateral"
	"PredictionLedger/internal/event"
	"PredictionLedger/internal/market"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var ErrMarketNotFound = errors.New("market not found")

// CreateParams are the caller-supplied settings of a new market
type CreateParams struct {
	Question         common.Hash
	ResolveTimestamp time.Time
	YesPool          *uint256.Int
	NoPool           *uint256.Int
	FeeBps           uint16
	FeeRecipient     common.Address

	// Admin, if set, holds the admin capability on this market only
	Admin common.Address

	// Fund pulls YesPool+NoPool from the creator into market custody using
	// the creator's allowance to the registry. Without it the creator funds
	// custody separately.
	Fund bool
}

// Registry creates markets and keeps the address → market index. It holds
// references to markets; markets never reference the registry.
type Registry struct {
	mu         sync.RWMutex
	address    common.Address
	nonce      uint64
	markets    map[common.Address]*entry
	order      []common.Address
	byQuestion map[common.Hash][]common.Address

	collateral collateral.Ledger
	auth       access.Authorizer
	sink       event.Sink
}

type entry struct {
	market *market.Market
	admin  common.Address
}

func New(address common.Address, ledger collateral.Ledger, auth access.Authorizer, sink event.Sink) *Registry {
	if sink == nil {
		sink = event.Discard
	}
	return &Registry{
		address:    address,
		markets:    make(map[common.Address]*entry),
		byQuestion: make(map[common.Hash][]common.Address),
		collateral: ledger,
		auth:       auth,
		sink:       sink,
	}
}

func (r *Registry) Address() common.Address { return r.address }
func (r *Registry) Collateral() collateral.Ledger { return r.collateral }

// CreateMarket instantiates an Active market at the next derived address
func (r *Registry) CreateMarket(ctx context.Context, caller common.Address, p CreateParams) (*market.Market, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := access.Require(r.auth, access.RoleCreator, caller); err != nil {
		return nil, fmt.Errorf("create market: %w", err)
	}

	// Nonces are burned by failed creations, as on chain
	r.mu.Lock()
	addr := crypto.CreateAddress(r.address, r.nonce)
	r.nonce++
	r.mu.Unlock()

	if caller == addr {
		return nil, fmt.Errorf("create market: %w: %s", market.ErrCustodyAccount, addr.Hex())
	}

	m, err := market.New(market.Params{
		Address:          addr,
		Question:         p.Question,
		ResolveTimestamp: p.ResolveTimestamp,
		YesPool:          p.YesPool,
		NoPool:           p.NoPool,
		FeeBps:           p.FeeBps,
		FeeRecipient:     p.FeeRecipient,
	}, r.collateral, scopedAuth(r.auth, p.Admin), r.sink)
	if err != nil {
		return nil, err
	}

	yes, no := m.Pools()
	if p.Fund {
		total, overflow := new(uint256.Int).AddOverflow(yes, no)
		if overflow {
			return nil, fmt.Errorf("create market: %w: initial reserves", market.ErrOverflow)
		}
		if !total.IsZero() {
			if err := r.collateral.TransferFrom(ctx, r.address, caller, addr, total); err != nil {
				return nil, fmt.Errorf("%w: fund market %s from %s: %v", market.ErrTransferFailed, addr.Hex(), caller.Hex(), err)
			}
		}
	}

	r.mu.Lock()
	r.insert(m, p.Admin)
	r.mu.Unlock()

	r.sink.Emit(&event.MarketCreated{
		Market:           addr,
		Creator:          caller,
		Question:         p.Question,
		ResolveTimestamp: p.ResolveTimestamp,
		Collateral:       r.collateral.Asset(),
		YesPool:          yes,
		NoPool:           no,
		FeeBps:           p.FeeBps,
		FeeRecipient:     p.FeeRecipient,
		Funded:           p.Fund,
	})

	return m, nil
}

func (r *Registry) insert(m *market.Market, admin common.Address) {
	addr := m.Address()
	r.markets[addr] = &entry{market: m, admin: admin}
	r.order = append(r.order, addr)
	r.byQuestion[m.Question()] = append(r.byQuestion[m.Question()], addr)
}

func (r *Registry) Get(addr common.Address) (*market.Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.markets[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, addr.Hex())
	}
	return e.market, nil
}

// List returns markets in creation order
func (r *Registry) List() []*market.Market {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*market.Market, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, r.markets[addr].market)
	}
	return out
}

// FindByQuestion returns every market created for question, oldest first
func (r *Registry) FindByQuestion(question common.Hash) []*market.Market {
	r.mu.RLock()
	defer r.mu.RUnlock()

	addrs := r.byQuestion[question]
	out := make([]*market.Market, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, r.markets[addr].market)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// marketAuth grants the admin capability on one market to its designated
// admin and defers every other check to the shared role table.
type marketAuth struct {
	base  access.Authorizer
	admin common.Address
}

func (a marketAuth) HasRole(role access.Role, account common.Address) bool {
	if role == access.RoleAdmin && account == a.admin {
		return true
	}
	return a.base != nil && a.base.HasRole(role, account)
}

func scopedAuth(base access.Authorizer, admin common.Address) access.Authorizer {
	if admin == (common.Address{}) {
		return base
	}
	return marketAuth{base: base, admin: admin}
}
