package collateral

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Bank indexes every token the service custodies by asset address. One of
// them is the markets' collateral; the rest are only reachable through
// rescue.
type Bank struct {
	mu     sync.RWMutex
	tokens map[common.Address]*Token
}

func NewBank(tokens ...*Token) *Bank {
	b := &Bank{tokens: make(map[common.Address]*Token, len(tokens))}
	for _, t := range tokens {
		b.tokens[t.Asset()] = t
	}
	return b
}

// Register adds a token; registering the same asset twice is an error
func (b *Bank) Register(t *Token) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.tokens[t.Asset()]; exists {
		return fmt.Errorf("register %s: asset %s already registered", t.Symbol(), t.Asset().Hex())
	}
	b.tokens[t.Asset()] = t
	return nil
}

func (b *Bank) Token(asset common.Address) (*Token, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.tokens[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset.Hex())
	}
	return t, nil
}

// Tokens returns all registered tokens ordered by asset address
func (b *Bank) Tokens() []*Token {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Token, 0, len(b.tokens))
	for _, t := range b.tokens {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset().Cmp(out[j].Asset()) < 0 })
	return out
}

func (b *Bank) Snapshot() []TokenSnapshot {
	tokens := b.Tokens()
	out := make([]TokenSnapshot, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, t.Snapshot())
	}
	return out
}

// Restore replaces the state of every registered token that appears in
// snaps. Tokens keep their identity so existing references stay valid.
func (b *Bank) Restore(snaps []TokenSnapshot) error {
	for _, snap := range snaps {
		t, err := b.Token(snap.Asset)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		restored := RestoreToken(snap)

		t.mu.Lock()
		t.supply = restored.supply
		t.balances = restored.balances
		t.allowances = restored.allowances
		t.mu.Unlock()
	}
	return nil
}
