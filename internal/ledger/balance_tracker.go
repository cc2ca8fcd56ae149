package ledger

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BalanceTracker maintains in-memory account balances. Balances are
// two's-complement 256-bit values: external accounts run negative by
// construction and a market account that goes negative is a bug the
// validator reports.
type BalanceTracker struct {
	balances map[AccountKey]*uint256.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*uint256.Int),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	debit := bt.slot(j.DebitAccount)
	debit.Add(debit, j.Amount)
	credit := bt.slot(j.CreditAccount)
	credit.Sub(credit, j.Amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

func (bt *BalanceTracker) slot(key AccountKey) *uint256.Int {
	b, ok := bt.balances[key]
	if !ok {
		b = new(uint256.Int)
		bt.balances[key] = b
	}
	return b
}

// GetBalance returns the raw (two's-complement) balance
func (bt *BalanceTracker) GetBalance(key AccountKey) *uint256.Int {
	if b, ok := bt.balances[key]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

// GetSignedBalance interprets the balance as a signed integer
func (bt *BalanceTracker) GetSignedBalance(key AccountKey) *big.Int {
	return signed(bt.GetBalance(key))
}

func (bt *BalanceTracker) IsNegative(key AccountKey) bool {
	return bt.GetBalance(key).Sign() < 0
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	if bt.IsNegative(key) {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), bt.GetSignedBalance(key))
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() *uint256.Int {
	total := new(uint256.Int)
	for _, b := range bt.balances {
		total.Add(total, b)
	}
	return total
}

// ComputeMarketBalance sums the accounts of one market, external included
func (bt *BalanceTracker) ComputeMarketBalance(market common.Address) *uint256.Int {
	total := new(uint256.Int)
	for k, b := range bt.balances {
		if k.Market == market {
			total.Add(total, b)
		}
	}
	return total
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]*uint256.Int {
	snapshot := make(map[AccountKey]*uint256.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(uint256.Int).Set(v)
	}
	return snapshot
}

// BalanceEntry is the portable form of one account balance
type BalanceEntry struct {
	Account string `json:"account"`
	Balance string `json:"balance"` // signed decimal
}

// Export returns every non-zero balance sorted by account path
func (bt *BalanceTracker) Export() []BalanceEntry {
	out := make([]BalanceEntry, 0, len(bt.balances))
	for k, b := range bt.balances {
		if b.IsZero() {
			continue
		}
		out = append(out, BalanceEntry{Account: k.AccountPath(), Balance: signed(b).String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// Import replaces all balances with entries produced by Export
func (bt *BalanceTracker) Import(entries []BalanceEntry) error {
	balances := make(map[AccountKey]*uint256.Int, len(entries))
	for _, e := range entries {
		key, err := ParseAccountPath(e.Account)
		if err != nil {
			return err
		}
		v, ok := new(big.Int).SetString(e.Balance, 10)
		if !ok {
			return fmt.Errorf("account %s: bad balance %q", e.Account, e.Balance)
		}
		b, err := unsigned(v)
		if err != nil {
			return fmt.Errorf("account %s: %w", e.Account, err)
		}
		balances[key] = b
	}
	bt.balances = balances
	return nil
}

var two256 = new(big.Int).Lsh(big.NewInt(1), 256)

func signed(v *uint256.Int) *big.Int {
	b := v.ToBig()
	if v.Sign() < 0 {
		b.Sub(b, two256)
	}
	return b
}

func unsigned(v *big.Int) (*uint256.Int, error) {
	b := new(big.Int).Set(v)
	if b.Sign() < 0 {
		b.Add(b, two256)
	}
	out, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("balance %s out of range", v)
	}
	return out, nil
}
