package core

import (
	"PredictionLedger/internal/event"
	"PredictionLedger/internal/ledger"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func TestStateHasher_ChainsFromGenesis(t *testing.T) {
	h := NewStateHasher()

	prev0, next0 := h.Next(0, []byte("a"))
	if prev0 != GenesisHash() {
		t.Fatal("first link must start at genesis")
	}
	prev1, next1 := h.Next(1, []byte("b"))
	if prev1 != next0 {
		t.Error("second link must start at the first hash")
	}
	if h.Tip() != next1 {
		t.Error("tip must follow the last link")
	}
	if ChainHash(next0, 1, []byte("b")) != next1 {
		t.Error("ChainHash must reproduce Next")
	}
	if ChainHash(next0, 2, []byte("b")) == next1 {
		t.Error("sequence must be part of the hash")
	}

	h.Reset(next0)
	if _, again := h.Next(1, []byte("b")); again != next1 {
		t.Error("reset tip must reproduce the chain")
	}
}

func TestStateDigest_AccountOrderIndependent(t *testing.T) {
	mkt := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	yes := ledger.PoolKey(mkt, event.SideYes)
	no := ledger.PoolKey(mkt, event.SideNo)
	traders := ledger.NewExternalAccountKey(mkt, ledger.SubTypeExternalTraders)

	balances := map[ledger.AccountKey]*uint256.Int{
		yes:     uint256.NewInt(900),
		no:      uint256.NewInt(1100),
		traders: uint256.NewInt(5),
	}
	balanceOf := func(k ledger.AccountKey) *uint256.Int { return balances[k] }

	a := &ledger.Batch{Journals: []ledger.Journal{
		{DebitAccount: no, CreditAccount: traders},
		{DebitAccount: traders, CreditAccount: yes},
	}}
	b := &ledger.Batch{Journals: []ledger.Journal{
		{DebitAccount: traders, CreditAccount: yes},
		{DebitAccount: no, CreditAccount: traders},
	}}

	da := newStateDigest(event.EventTypeTradePlaced, mkt)
	da.addBatch(a, balanceOf)
	db := newStateDigest(event.EventTypeTradePlaced, mkt)
	db.addBatch(b, balanceOf)
	if string(da.bytes()) != string(db.bytes()) {
		t.Error("digest must not depend on journal order")
	}

	balances[yes] = uint256.NewInt(901)
	dc := newStateDigest(event.EventTypeTradePlaced, mkt)
	dc.addBatch(a, balanceOf)
	if string(dc.bytes()) == string(da.bytes()) {
		t.Error("digest must change with a balance")
	}

	empty := newStateDigest(event.EventTypeTradePlaced, mkt)
	empty.addBatch(nil, balanceOf)
	if len(empty.bytes()) != 8+common.AddressLength {
		t.Errorf("nil batch digest length = %d", len(empty.bytes()))
	}
}
