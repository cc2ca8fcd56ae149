package ledger_test

import (
	"PredictionLedger/internal/event"
	"PredictionLedger/internal/ledger"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	mkt    = common.HexToAddress("0x000000000000000000000000000000000000aa01")
	trader = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	ts     = time.Unix(1_700_000_000, 0).UTC()
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_MarketPath(t *testing.T) {
	key := ledger.PoolKey(mkt, event.SideYes)

	path := key.AccountPath()
	expected := "market:" + mkt.Hex() + ":pool_yes"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(mkt, ledger.SubTypeExternalPayouts)

	path := key.AccountPath()
	expected := "external:" + mkt.Hex() + ":payouts"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.PoolKey(mkt, event.SideNo),
		ledger.PositionsKey(mkt, event.SideYes),
		ledger.NewExternalAccountKey(mkt, ledger.SubTypeExternalUnfunded),
	}
	for _, k := range keys {
		got, err := ledger.ParseAccountPath(k.AccountPath())
		if err != nil {
			t.Fatalf("parse %s: %v", k.AccountPath(), err)
		}
		if got != k {
			t.Errorf("round trip of %s gave %+v", k.AccountPath(), got)
		}
	}

	if _, err := ledger.ParseAccountPath("user:abc:collateral"); err == nil {
		t.Error("unknown scope should fail")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if !bt.GetBalance(ledger.PoolKey(mkt, event.SideYes)).IsZero() {
		t.Error("initial balance should be 0")
	}
}

func TestBalanceTracker_ApplyJournal(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	pool := ledger.PoolKey(mkt, event.SideNo)
	traders := ledger.NewExternalAccountKey(mkt, ledger.SubTypeExternalTraders)

	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		Market:        mkt,
		DebitAccount:  pool,
		CreditAccount: traders,
		Amount:        u(1_000),
	})

	if got := bt.GetBalance(pool).Uint64(); got != 1_000 {
		t.Errorf("pool balance: got %d, want 1000", got)
	}
	if !bt.IsNegative(traders) {
		t.Error("external traders account should be negative")
	}
	if got := bt.GetSignedBalance(traders).Int64(); got != -1_000 {
		t.Errorf("traders balance: got %d, want -1000", got)
	}
	if !bt.ComputeGlobalBalance().IsZero() {
		t.Error("ledger should be zero-sum")
	}
}

func TestBalanceTracker_ExportImport(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator()

	batch := gen.Generate(&event.MarketCreated{Market: mkt, YesPool: u(500), NoPool: u(700), Funded: true}, "r1", 1, ts)
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("apply: %v", err)
	}

	entries := bt.Export()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	restored := ledger.NewBalanceTracker()
	if err := restored.Import(entries); err != nil {
		t.Fatalf("import: %v", err)
	}
	liquidity := ledger.NewExternalAccountKey(mkt, ledger.SubTypeExternalLiquidity)
	if got := restored.GetSignedBalance(liquidity).Int64(); got != -1_200 {
		t.Errorf("liquidity after import: got %d, want -1200", got)
	}
	if !restored.ComputeGlobalBalance().IsZero() {
		t.Error("imported ledger should be zero-sum")
	}
}

// ============================================================================
// Test: Batch validation
// ============================================================================

func validBatch() *ledger.Batch {
	batchID := uuid.New()
	return &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			Market:        mkt,
			DebitAccount:  ledger.PoolKey(mkt, event.SideYes),
			CreditAccount: ledger.NewExternalAccountKey(mkt, ledger.SubTypeExternalTraders),
			Amount:        u(10),
		}},
	}
}

func TestBatchValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(b *ledger.Batch)
		wantErr bool
	}{
		{"valid", func(*ledger.Batch) {}, false},
		{"empty", func(b *ledger.Batch) { b.Journals = nil }, true},
		{"zero amount", func(b *ledger.Batch) { b.Journals[0].Amount = u(0) }, true},
		{"nil amount", func(b *ledger.Batch) { b.Journals[0].Amount = nil }, true},
		{"self transfer", func(b *ledger.Batch) { b.Journals[0].CreditAccount = b.Journals[0].DebitAccount }, true},
		{"mismatched batch id", func(b *ledger.Batch) { b.Journals[0].BatchID = uuid.New() }, true},
		{"cross market", func(b *ledger.Batch) {
			b.Journals[0].CreditAccount = ledger.NewExternalAccountKey(trader, ledger.SubTypeExternalTraders)
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := validBatch()
			tt.mutate(b)
			err := b.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// ============================================================================
// Test: JournalGenerator + InvariantValidator
// ============================================================================

// Canonical 1000/1000 market, a 100 YES buy with a fee of 1, then the
// sole winner claims.
func TestGenerator_MarketLifecycleStaysSolvent(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator()
	v := ledger.NewInvariantValidator(bt)

	apply := func(evt event.Event) {
		t.Helper()
		batch := gen.Generate(evt, "ref", 1, ts)
		if batch == nil {
			t.Fatalf("%s produced no journals", evt.EventType())
		}
		if err := bt.ApplyBatch(batch); err != nil {
			t.Fatalf("apply %s: %v", evt.EventType(), err)
		}
		if err := v.ValidateGlobalBalance(); err != nil {
			t.Fatalf("after %s: %v", evt.EventType(), err)
		}
	}

	apply(&event.MarketCreated{Market: mkt, YesPool: u(1_000), NoPool: u(1_000), Funded: true})
	if err := v.ValidateMarket(ledger.MarketState{
		Address: mkt, YesPool: u(1_000), NoPool: u(1_000), TotalYes: u(0), TotalNo: u(0), Custody: u(2_000),
	}); err != nil {
		t.Fatalf("after create: %v", err)
	}

	apply(&event.FeeCollected{Market: mkt, Amount: u(1)})
	apply(&event.TradePlaced{Market: mkt, Trader: trader, Side: event.SideYes, AmountIn: u(100), Fee: u(1), Units: u(91)})
	if err := v.ValidateMarket(ledger.MarketState{
		Address: mkt, YesPool: u(909), NoPool: u(1_099), TotalYes: u(91), TotalNo: u(0), Custody: u(2_099),
	}); err != nil {
		t.Fatalf("after trade: %v", err)
	}

	apply(&event.PositionClaimed{Market: mkt, Account: trader, Side: event.SideYes, Stake: u(91), Winnings: u(1_099), Amount: u(1_190)})
	if err := v.ValidateMarket(ledger.MarketState{
		Address: mkt, YesPool: u(909), NoPool: u(0), TotalYes: u(0), TotalNo: u(0), Custody: u(909),
	}); err != nil {
		t.Fatalf("after claim: %v", err)
	}
}

func TestGenerator_EventsWithoutCollateralMovement(t *testing.T) {
	gen := ledger.NewJournalGenerator()
	for _, evt := range []event.Event{
		&event.MarketResolved{Market: mkt, Outcome: event.OutcomeYes},
		&event.FeeUpdated{Market: mkt, NewBps: 10},
		&event.AssetRescued{Market: mkt, Amount: u(5)},
	} {
		if batch := gen.Generate(evt, "ref", 1, ts); batch != nil {
			t.Errorf("%s should not produce journals", evt.EventType())
		}
	}
}

func TestInvariantValidator_DetectsMismatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator()
	v := ledger.NewInvariantValidator(bt)

	if err := bt.ApplyBatch(gen.Generate(&event.MarketCreated{Market: mkt, YesPool: u(10), NoPool: u(10), Funded: true}, "r", 1, ts)); err != nil {
		t.Fatal(err)
	}

	err := v.ValidateMarket(ledger.MarketState{
		Address: mkt, YesPool: u(11), NoPool: u(10), TotalYes: u(0), TotalNo: u(0), Custody: u(20),
	})
	if err == nil {
		t.Error("pool mismatch should be reported")
	}

	err = v.ValidateMarket(ledger.MarketState{
		Address: mkt, YesPool: u(10), NoPool: u(10), TotalYes: u(0), TotalNo: u(0), Custody: u(19),
	})
	if err == nil {
		t.Error("custody shortfall should be reported")
	}
}

func TestInvariantValidator_UnfundedMarketIsNotInsolvent(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator()
	v := ledger.NewInvariantValidator(bt)

	if err := bt.ApplyBatch(gen.Generate(&event.MarketCreated{Market: mkt, YesPool: u(10), NoPool: u(10)}, "r", 1, ts)); err != nil {
		t.Fatal(err)
	}

	err := v.ValidateMarket(ledger.MarketState{
		Address: mkt, YesPool: u(10), NoPool: u(10), TotalYes: u(0), TotalNo: u(0), Custody: u(0),
	})
	if err != nil {
		t.Errorf("unfunded reserves are owed by the creator, not missing: %v", err)
	}
}
