package registry

import (
	"PredictionLedger/internal/access"
	"PredictionLedger/internal/collateral"
	"PredictionLedger/internal/event"
	"PredictionLedger/internal/market"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Snapshot is the serializable state of a registry and all its markets
type Snapshot struct {
	Address common.Address `json:"address"`
	Nonce   uint64         `json:"nonce"`
	Markets []MarketEntry  `json:"markets"`
}

type MarketEntry struct {
	Admin  common.Address   `json:"admin"`
	Market *market.Snapshot `json:"market"`
}

func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := &Snapshot{
		Address: r.address,
		Nonce:   r.nonce,
		Markets: make([]MarketEntry, 0, len(r.order)),
	}
	for _, addr := range r.order {
		e := r.markets[addr]
		snap.Markets = append(snap.Markets, MarketEntry{Admin: e.admin, Market: e.market.Snapshot()})
	}
	return snap
}

// Restore rebuilds a registry. Markets are restored in creation order.
func Restore(snap *Snapshot, ledger collateral.Ledger, auth access.Authorizer, sink event.Sink) (*Registry, error) {
	r := New(snap.Address, ledger, auth, sink)
	r.nonce = snap.Nonce

	for _, me := range snap.Markets {
		if me.Market == nil {
			return nil, fmt.Errorf("restore registry: empty market entry")
		}
		if _, dup := r.markets[me.Market.Address]; dup {
			return nil, fmt.Errorf("restore registry: duplicate market %s", me.Market.Address.Hex())
		}
		m, err := market.Restore(me.Market, ledger, scopedAuth(auth, me.Admin), r.sink)
		if err != nil {
			return nil, fmt.Errorf("restore registry: %w", err)
		}
		r.insert(m, me.Admin)
	}

	return r, nil
}
