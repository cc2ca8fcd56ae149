package market

import (
	"PredictionLedger/internal/event"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PositionLedger tracks per-account stakes on each side together with the
// running side totals. totals[s] == Σ stakes[s][*] at every method boundary.
// Not thread-safe; the owning Market serializes access.
type PositionLedger struct {
	yes      map[common.Address]*uint256.Int
	no       map[common.Address]*uint256.Int
	totalYes *uint256.Int
	totalNo  *uint256.Int
}

func NewPositionLedger() *PositionLedger {
	return &PositionLedger{
		yes:      make(map[common.Address]*uint256.Int),
		no:       make(map[common.Address]*uint256.Int),
		totalYes: new(uint256.Int),
		totalNo:  new(uint256.Int),
	}
}

func (pl *PositionLedger) book(side event.Side) (map[common.Address]*uint256.Int, *uint256.Int) {
	if side == event.SideYes {
		return pl.yes, pl.totalYes
	}
	return pl.no, pl.totalNo
}

// Stake returns a copy of account's stake on side
func (pl *PositionLedger) Stake(side event.Side, account common.Address) *uint256.Int {
	stakes, _ := pl.book(side)
	if s, ok := stakes[account]; ok {
		return new(uint256.Int).Set(s)
	}
	return new(uint256.Int)
}

// Total returns a copy of the side total
func (pl *PositionLedger) Total(side event.Side) *uint256.Int {
	_, total := pl.book(side)
	return new(uint256.Int).Set(total)
}

// Credit adds units to account's stake and the side total
func (pl *PositionLedger) Credit(side event.Side, account common.Address, units *uint256.Int) {
	if units.IsZero() {
		return
	}
	stakes, total := pl.book(side)
	cur, ok := stakes[account]
	if !ok {
		cur = new(uint256.Int)
		stakes[account] = cur
	}
	cur.Add(cur, units)
	total.Add(total, units)
}

// Clear zeroes account's stake on side, removes it from the total and
// returns what was cleared.
func (pl *PositionLedger) Clear(side event.Side, account common.Address) *uint256.Int {
	stakes, total := pl.book(side)
	cur, ok := stakes[account]
	if !ok {
		return new(uint256.Int)
	}
	delete(stakes, account)
	total.Sub(total, cur)
	return cur
}

// Accounts returns every account holding a non-zero stake on either side
func (pl *PositionLedger) Accounts() []common.Address {
	seen := make(map[common.Address]struct{}, len(pl.yes)+len(pl.no))
	for a := range pl.yes {
		seen[a] = struct{}{}
	}
	for a := range pl.no {
		seen[a] = struct{}{}
	}
	out := make([]common.Address, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// PositionSnapshot is one account's holdings
type PositionSnapshot struct {
	Account common.Address `json:"account"`
	Yes     *uint256.Int   `json:"yes"`
	No      *uint256.Int   `json:"no"`
}

func (pl *PositionLedger) snapshot() []PositionSnapshot {
	accounts := pl.Accounts()
	out := make([]PositionSnapshot, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, PositionSnapshot{
			Account: a,
			Yes:     pl.Stake(event.SideYes, a),
			No:      pl.Stake(event.SideNo, a),
		})
	}
	return out
}

func restorePositions(snaps []PositionSnapshot) *PositionLedger {
	pl := NewPositionLedger()
	for _, p := range snaps {
		if p.Yes != nil && !p.Yes.IsZero() {
			pl.Credit(event.SideYes, p.Account, p.Yes)
		}
		if p.No != nil && !p.No.IsZero() {
			pl.Credit(event.SideNo, p.Account, p.No)
		}
	}
	return pl
}
