package collateral

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance   = errors.New("collateral: insufficient balance")
	ErrInsufficientAllowance = errors.New("collateral: insufficient allowance")
	ErrUnknownAsset          = errors.New("collateral: unknown asset")
)

// Ledger is the fungible-token surface a market needs: move collateral in
// (pull with allowance) and out (push from its own account).
type Ledger interface {
	Asset() common.Address
	BalanceOf(account common.Address) *uint256.Int
	Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *uint256.Int) error
}

// TransferHook observes every transfer before balances move. A non-nil
// error rejects the transfer. The hook runs without the token lock held and
// receives the caller's ctx, so it may call back into whoever initiated the
// transfer.
type TransferHook func(ctx context.Context, from, to common.Address, amount *uint256.Int) error

// Token is an in-memory ERC20-style ledger with allowances
type Token struct {
	mu         sync.Mutex
	asset      common.Address
	symbol     string
	supply     *uint256.Int
	balances   map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]*uint256.Int
	hook       TransferHook
}

func NewToken(asset common.Address, symbol string) *Token {
	return &Token{
		asset:      asset,
		symbol:     symbol,
		supply:     new(uint256.Int),
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]*uint256.Int),
	}
}

func (t *Token) Asset() common.Address { return t.asset }
func (t *Token) Symbol() string { return t.symbol }

// SetHook installs (or clears, with nil) the transfer hook
func (t *Token) SetHook(hook TransferHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hook = hook
}

func (t *Token) TotalSupply() *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(uint256.Int).Set(t.supply)
}

func (t *Token) BalanceOf(account common.Address) *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balanceLocked(account)
}

func (t *Token) Allowance(owner, spender common.Address) *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.allowances[owner][spender]; ok {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int)
}

// Mint credits new units to an account
func (t *Token) Mint(to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	supply, overflow := new(uint256.Int).AddOverflow(t.supply, amount)
	if overflow {
		return fmt.Errorf("mint %s %s: supply overflow", amount.Dec(), t.symbol)
	}
	t.supply = supply
	t.credit(to, amount)
	return nil
}

// Approve sets (not increments) spender's allowance over owner's balance
func (t *Token) Approve(owner, spender common.Address, amount *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.allowances[owner]
	if !ok {
		set = make(map[common.Address]*uint256.Int)
		t.allowances[owner] = set
	}
	set[spender] = new(uint256.Int).Set(amount)
}

func (t *Token) Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error {
	if err := t.runHook(ctx, from, to, amount); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.move(from, to, amount)
}

func (t *Token) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *uint256.Int) error {
	if err := t.runHook(ctx, from, to, amount); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	allowance := t.allowances[from][spender]
	if allowance == nil || allowance.Lt(amount) {
		return fmt.Errorf("%w: %s may spend %s of %s, needs %s",
			ErrInsufficientAllowance, spender.Hex(), decOrZero(allowance), from.Hex(), amount.Dec())
	}

	if err := t.move(from, to, amount); err != nil {
		return err
	}
	allowance.Sub(allowance, amount)
	return nil
}

func (t *Token) runHook(ctx context.Context, from, to common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	hook := t.hook
	t.mu.Unlock()

	if hook == nil {
		return nil
	}
	if err := hook(ctx, from, to, new(uint256.Int).Set(amount)); err != nil {
		return fmt.Errorf("transfer rejected: %w", err)
	}
	return nil
}

func (t *Token) move(from, to common.Address, amount *uint256.Int) error {
	bal := t.balanceLocked(from)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, from.Hex(), bal.Dec(), amount.Dec())
	}
	if from == to {
		return nil
	}

	t.balances[from] = bal.Sub(bal, amount)
	t.credit(to, amount)
	return nil
}

func (t *Token) credit(to common.Address, amount *uint256.Int) {
	bal := t.balanceLocked(to)
	t.balances[to] = bal.Add(bal, amount)
}

func (t *Token) balanceLocked(account common.Address) *uint256.Int {
	if b, ok := t.balances[account]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

func decOrZero(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// --- Snapshot ---

// TokenSnapshot is the serializable state of a Token
type TokenSnapshot struct {
	Asset      common.Address                                     `json:"asset"`
	Symbol     string                                             `json:"symbol"`
	Supply     *uint256.Int                                       `json:"supply"`
	Balances   map[common.Address]*uint256.Int                    `json:"balances"`
	Allowances map[common.Address]map[common.Address]*uint256.Int `json:"allowances"`
}

func (t *Token) Snapshot() TokenSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := TokenSnapshot{
		Asset:      t.asset,
		Symbol:     t.symbol,
		Supply:     new(uint256.Int).Set(t.supply),
		Balances:   make(map[common.Address]*uint256.Int, len(t.balances)),
		Allowances: make(map[common.Address]map[common.Address]*uint256.Int, len(t.allowances)),
	}
	for addr, b := range t.balances {
		if !b.IsZero() {
			snap.Balances[addr] = new(uint256.Int).Set(b)
		}
	}
	for owner, set := range t.allowances {
		cp := make(map[common.Address]*uint256.Int, len(set))
		for spender, a := range set {
			cp[spender] = new(uint256.Int).Set(a)
		}
		snap.Allowances[owner] = cp
	}
	return snap
}

// RestoreToken rebuilds a Token from a snapshot. Hooks are not restored.
func RestoreToken(snap TokenSnapshot) *Token {
	t := NewToken(snap.Asset, snap.Symbol)
	if snap.Supply != nil {
		t.supply.Set(snap.Supply)
	}
	for addr, b := range snap.Balances {
		t.balances[addr] = new(uint256.Int).Set(b)
	}
	for owner, set := range snap.Allowances {
		cp := make(map[common.Address]*uint256.Int, len(set))
		for spender, a := range set {
			cp[spender] = new(uint256.Int).Set(a)
		}
		t.allowances[owner] = cp
	}
	return t
}

// Holders returns every account with a non-zero balance, sorted
func (t *Token) Holders() []common.Address {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]common.Address, 0, len(t.balances))
	for addr, b := range t.balances {
		if !b.IsZero() {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}
