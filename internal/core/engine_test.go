package core_test

import (
	"PredictionLedger/internal/access"
	"PredictionLedger/internal/collateral"
	"PredictionLedger/internal/core"
	"PredictionLedger/internal/event"
	"PredictionLedger/internal/ledger"
	"PredictionLedger/internal/market"
	"PredictionLedger/internal/registry"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	usdc    = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	regAddr = common.HexToAddress("0x000000000000000000000000000000000000fac7")
	admin   = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	alice   = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b02")

	firstMarket = crypto.CreateAddress(regAddr, 0)
)

// --- Test helpers ---

type harness struct {
	engine    *core.Engine
	token     *collateral.Token
	persistCh chan core.Output
	projCh    chan core.Output
	n         int
}

// newHarness creates an Engine with buffered channels and no DB checker.
func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithProjection(t, 1024)
}

func newHarnessWithProjection(t *testing.T, projCap int) *harness {
	t.Helper()

	tok := collateral.NewToken(usdc, "USDC")
	roles := access.NewRoles()
	roles.Grant(access.RoleAdmin, admin)
	roles.Grant(access.RoleCreator, admin)
	roles.Grant(access.RoleOracle, admin)

	persistCh := make(chan core.Output, 1024)
	projCh := make(chan core.Output, projCap)

	e, err := core.NewEngine(core.Config{
		RegistryAddress: regAddr,
		CollateralAsset: usdc,
		Bank:            collateral.NewBank(tok),
		Roles:           roles,
		LRUCapacity:     128,
		Logger:          zerolog.Nop(),
		PersistChan:     persistCh,
		ProjectionChan:  projCh,
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return &harness{engine: e, token: tok, persistCh: persistCh, projCh: projCh}
}

func (h *harness) exec(t *testing.T, cmd *core.Command) *core.Result {
	t.Helper()
	h.n++
	if cmd.RequestID == "" {
		cmd.RequestID = fmt.Sprintf("req-%d", h.n)
	}
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.UnixMicro(1_000_000 + int64(h.n)*1000)
	}
	res, err := h.engine.Execute(context.Background(), cmd)
	if err != nil {
		t.Fatalf("%s failed: %v", cmd.Type, err)
	}
	return res
}

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func mint(to common.Address, amount uint64) *core.Command {
	return &core.Command{Type: core.CommandMint, Caller: admin, Account: to, Amount: u(amount)}
}

func approve(owner, spender common.Address, amount uint64) *core.Command {
	return &core.Command{Type: core.CommandApprove, Caller: owner, Account: spender, Amount: u(amount)}
}

func createFunded() *core.Command {
	return &core.Command{
		Type:   core.CommandCreateMarket,
		Caller: admin,
		Create: &registry.CreateParams{
			Question:         market.QuestionHash("Will it rain tomorrow?"),
			ResolveTimestamp: time.Unix(1_900_000_000, 0).UTC(),
			YesPool:          u(1_000),
			NoPool:           u(1_000),
			FeeRecipient:     admin,
			Fund:             true,
		},
	}
}

func buy(trader common.Address, side event.Side, amount uint64) *core.Command {
	return &core.Command{Type: core.CommandBuy, Caller: trader, Market: firstMarket, Side: side, Amount: u(amount)}
}

// setupMarket funds a 1000/1000 market and gives alice 1000 approved to it
func (h *harness) setupMarket(t *testing.T) {
	t.Helper()
	h.exec(t, mint(admin, 2_000))
	h.exec(t, approve(admin, regAddr, 2_000))
	res := h.exec(t, createFunded())
	if res.Market != firstMarket {
		t.Fatalf("expected market %s, got %s", firstMarket.Hex(), res.Market.Hex())
	}
	h.exec(t, mint(alice, 1_000))
	h.exec(t, approve(alice, firstMarket, 1_000))
}

func drainOutputs(ch chan core.Output) []core.Output {
	var outputs []core.Output
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// ============================================================================
// Test: Market Lifecycle
// ============================================================================

func TestCreateMarket_BooksReserves(t *testing.T) {
	h := newHarness(t)
	h.setupMarket(t)

	outputs := drainOutputs(h.persistCh)
	if len(outputs) != 5 {
		t.Fatalf("expected 5 outputs, got %d", len(outputs))
	}
	for i, o := range outputs {
		if o.Envelope.Sequence != int64(i) {
			t.Errorf("output %d: expected sequence %d, got %d", i, i, o.Envelope.Sequence)
		}
	}

	created := outputs[2]
	if created.Envelope.EventType != event.EventTypeMarketCreated {
		t.Fatalf("expected MarketCreated, got %s", created.Envelope.EventType)
	}
	if created.Batch == nil || len(created.Batch.Journals) != 2 {
		t.Fatalf("expected 2 funding journals, got %+v", created.Batch)
	}
	for _, j := range created.Batch.Journals {
		if j.JournalType != ledger.JournalTypeMarketFunding {
			t.Errorf("expected MarketFunding, got %s", j.JournalType)
		}
		if j.Amount.Uint64() != 1_000 {
			t.Errorf("expected amount 1000, got %s", j.Amount.Dec())
		}
	}

	// Mint and approve move nothing inside a market
	if outputs[0].Batch != nil || outputs[1].Batch != nil {
		t.Error("expected nil batch for mint and approve")
	}
	if got := h.token.BalanceOf(firstMarket).Uint64(); got != 2_000 {
		t.Errorf("expected custody 2000, got %d", got)
	}
}

func TestBuyResolveClaim_FullLifecycle(t *testing.T) {
	h := newHarness(t)
	h.setupMarket(t)
	drainOutputs(h.persistCh)

	res := h.exec(t, buy(alice, event.SideYes, 100))
	if res.Amount.Uint64() != 91 {
		t.Fatalf("expected 91 units, got %s", res.Amount.Dec())
	}

	outputs := drainOutputs(h.persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output for a fee-free buy, got %d", len(outputs))
	}
	trade := outputs[0].Batch
	if len(trade.Journals) != 2 ||
		trade.Journals[0].JournalType != ledger.JournalTypeTradeCollateral ||
		trade.Journals[1].JournalType != ledger.JournalTypeTradeUnits {
		t.Fatalf("unexpected trade journals: %+v", trade.Journals)
	}

	h.exec(t, &core.Command{Type: core.CommandResolve, Caller: admin, Market: firstMarket, Outcome: event.OutcomeYes})

	res = h.exec(t, &core.Command{Type: core.CommandClaim, Caller: alice, Market: firstMarket})
	if res.Amount.Uint64() != 1_191 {
		t.Fatalf("expected payout 1191, got %s", res.Amount.Dec())
	}
	if got := h.token.BalanceOf(alice).Uint64(); got != 900+1_191 {
		t.Errorf("expected alice balance 2091, got %d", got)
	}
	if got := h.token.BalanceOf(firstMarket).Uint64(); got != 909 {
		t.Errorf("expected custody 909 left for the yes pool, got %d", got)
	}

	outputs = drainOutputs(h.persistCh)
	if len(outputs) != 2 {
		t.Fatalf("expected resolve + claim outputs, got %d", len(outputs))
	}
	if outputs[0].Batch != nil {
		t.Error("resolution should not journal")
	}
	claimed, ok := outputs[1].Envelope.Payload.(*event.PositionClaimed)
	if !ok {
		t.Fatalf("expected PositionClaimed, got %T", outputs[1].Envelope.Payload)
	}
	if claimed.Stake.Uint64() != 91 || claimed.Winnings.Uint64() != 1_100 {
		t.Errorf("expected stake 91 winnings 1100, got %s/%s", claimed.Stake.Dec(), claimed.Winnings.Dec())
	}
}

func TestBuyWithFee_EmitsFeeBeforeTrade(t *testing.T) {
	h := newHarness(t)
	h.setupMarket(t)
	h.exec(t, &core.Command{Type: core.CommandSetFeeRecipient, Caller: admin, Market: firstMarket, Account: bob})
	h.exec(t, &core.Command{Type: core.CommandSetFee, Caller: admin, Market: firstMarket, FeeBps: 100})
	drainOutputs(h.persistCh)

	h.exec(t, buy(alice, event.SideYes, 100))

	outputs := drainOutputs(h.persistCh)
	if len(outputs) != 2 {
		t.Fatalf("expected fee + trade outputs, got %d", len(outputs))
	}
	if outputs[0].Envelope.EventType != event.EventTypeFeeCollected {
		t.Errorf("expected FeeCollected first, got %s", outputs[0].Envelope.EventType)
	}
	if outputs[1].Envelope.EventType != event.EventTypeTradePlaced {
		t.Errorf("expected TradePlaced second, got %s", outputs[1].Envelope.EventType)
	}
	if outputs[0].Envelope.RequestID != outputs[1].Envelope.RequestID {
		t.Error("both envelopes should carry the buy's request id")
	}
	if got := h.token.BalanceOf(bob).Uint64(); got != 1 {
		t.Errorf("expected fee 1 paid to recipient, got %d", got)
	}
}

// ============================================================================
// Test: Rejections
// ============================================================================

func TestRejectedCommand_NoOutputsNoState(t *testing.T) {
	h := newHarness(t)
	h.setupMarket(t)
	drainOutputs(h.persistCh)
	seq := h.engine.GetSequence()
	tip := h.engine.GetStateHash()

	tests := []struct {
		name string
		cmd  *core.Command
		code string
	}{
		{"unknown market", &core.Command{Type: core.CommandBuy, Caller: alice, Market: bob, Side: event.SideYes, Amount: u(10)}, "MARKET_NOT_FOUND"},
		{"zero amount", buy(alice, event.SideYes, 0), market.CodeZeroAmount},
		{"bad side", buy(alice, event.SideUnknown, 10), market.CodeInvalidSide},
		{"over allowance", buy(alice, event.SideNo, 5_000), market.CodeTransferFailed},
		{"claim before resolve", &core.Command{Type: core.CommandClaim, Caller: alice, Market: firstMarket}, market.CodeInvalidState},
		{"resolve by non-oracle", &core.Command{Type: core.CommandResolve, Caller: alice, Market: firstMarket, Outcome: event.OutcomeYes}, market.CodeUnauthorized},
		{"mint by non-admin", &core.Command{Type: core.CommandMint, Caller: alice, Account: alice, Amount: u(1)}, market.CodeUnauthorized},
		{"rescue collateral", &core.Command{Type: core.CommandRescue, Caller: admin, Market: firstMarket, Account: admin, Amount: u(1)}, market.CodeCannotRescueCollateral},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cmd.RequestID = "reject-" + tt.name
			tt.cmd.Timestamp = time.UnixMicro(int64(i))
			_, err := h.engine.Execute(context.Background(), tt.cmd)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := core.ErrorCode(err); got != tt.code {
				t.Errorf("expected code %s, got %s (%v)", tt.code, got, err)
			}
		})
	}

	if outputs := drainOutputs(h.persistCh); len(outputs) != 0 {
		t.Errorf("expected no outputs, got %d", len(outputs))
	}
	if h.engine.GetSequence() != seq {
		t.Errorf("sequence moved from %d to %d", seq, h.engine.GetSequence())
	}
	if h.engine.GetStateHash() != tip {
		t.Error("state hash moved on rejected commands")
	}
	if got := h.token.BalanceOf(alice).Uint64(); got != 1_000 {
		t.Errorf("expected alice untouched at 1000, got %d", got)
	}
}

func TestCustodyCaller_Rejected(t *testing.T) {
	h := newHarness(t)
	h.setupMarket(t)
	drainOutputs(h.persistCh)
	seq := h.engine.GetSequence()

	tests := []struct {
		name string
		cmd  *core.Command
	}{
		{"market approves itself", approve(firstMarket, firstMarket, 1_000_000)},
		{"market buys from itself", buy(firstMarket, event.SideYes, 1_000)},
		{"market claims", &core.Command{Type: core.CommandClaim, Caller: firstMarket, Market: firstMarket}},
		{"registry approves", approve(regAddr, firstMarket, 1_000)},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cmd.RequestID = fmt.Sprintf("custody-%d", i)
			_, err := h.engine.Execute(context.Background(), tt.cmd)
			if !errors.Is(err, market.ErrCustodyAccount) {
				t.Fatalf("expected ErrCustodyAccount, got %v", err)
			}
			if got := core.ErrorCode(err); got != market.CodeCustodyAccount {
				t.Errorf("expected code %s, got %s", market.CodeCustodyAccount, got)
			}
		})
	}

	if h.engine.GetSequence() != seq {
		t.Errorf("sequence moved from %d to %d", seq, h.engine.GetSequence())
	}
	if got := h.token.BalanceOf(firstMarket).Uint64(); got != 2_000 {
		t.Errorf("expected custody untouched at 2000, got %d", got)
	}

	// the market stays usable and solvent for real traders
	h.exec(t, buy(alice, event.SideYes, 100))
}

func TestMissingRequestID_Rejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Execute(context.Background(), &core.Command{Type: core.CommandMint, Caller: admin, Account: alice, Amount: u(1)})
	if !errors.Is(err, core.ErrMissingRequestID) {
		t.Fatalf("expected ErrMissingRequestID, got %v", err)
	}
}

// ============================================================================
// Test: Idempotency
// ============================================================================

func TestIdempotency_DuplicateBuy_Ignored(t *testing.T) {
	h := newHarness(t)
	h.setupMarket(t)
	drainOutputs(h.persistCh)

	first := buy(alice, event.SideYes, 100)
	first.RequestID = "buy-1"
	h.exec(t, first)
	drainOutputs(h.persistCh)

	again := buy(alice, event.SideYes, 100)
	again.RequestID = "buy-1"
	res := h.exec(t, again)
	if !res.Duplicate {
		t.Fatal("expected duplicate result")
	}
	if outputs := drainOutputs(h.persistCh); len(outputs) != 0 {
		t.Errorf("expected no outputs for duplicate, got %d", len(outputs))
	}
	if got := h.token.BalanceOf(alice).Uint64(); got != 900 {
		t.Errorf("expected alice charged once (900 left), got %d", got)
	}

	// Same request id under a different command type is a distinct key
	approveAgain := approve(alice, firstMarket, 500)
	approveAgain.RequestID = "buy-1"
	if res := h.exec(t, approveAgain); res.Duplicate {
		t.Error("different command type should not be a duplicate")
	}
}

type stubDB struct {
	seen map[string]bool
	err  error
}

func (s *stubDB) IsDuplicate(commandType, requestID string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.seen[commandType+":"+requestID], nil
}

func TestIdempotency_Tier2Fallback(t *testing.T) {
	db := &stubDB{seen: map[string]bool{"Mint:old": true}}
	ic := core.NewIdempotencyChecker(4, db, nil, zerolog.Nop())

	if !ic.IsDuplicate("Mint", "old") {
		t.Error("expected postgres hit to be a duplicate")
	}
	if ic.IsDuplicate("Mint", "new") {
		t.Error("unexpected duplicate")
	}

	ic.MarkProcessed("Mint", "new")
	db.err = errors.New("connection refused")
	if !ic.IsDuplicate("Mint", "new") {
		t.Error("LRU hit should not consult the database")
	}
	if ic.IsDuplicate("Mint", "other") {
		t.Error("database errors must be treated as not-duplicate")
	}
}

func TestIdempotencyLRU_EvictsOldest(t *testing.T) {
	lru := core.NewIdempotencyLRU(2)
	lru.Add("a")
	lru.Add("b")
	lru.Contains("a")
	lru.Add("c")

	if lru.Contains("b") {
		t.Error("b should have been evicted")
	}
	if !lru.Contains("a") || !lru.Contains("c") {
		t.Error("a and c should be present")
	}
	if lru.Evictions() != 1 {
		t.Errorf("expected 1 eviction, got %d", lru.Evictions())
	}

	keys := lru.Keys()
	if len(keys) != 2 || keys[1] != "c" {
		t.Errorf("expected c most recent, got %v", keys)
	}
}

// ============================================================================
// Test: State Hash Chain
// ============================================================================

func TestStateHashChain_Deterministic(t *testing.T) {
	run := func() []core.Output {
		h := newHarness(t)
		h.setupMarket(t)
		h.exec(t, buy(alice, event.SideNo, 250))
		h.exec(t, &core.Command{Type: core.CommandResolve, Caller: admin, Market: firstMarket, Outcome: event.OutcomeCancel})
		h.exec(t, &core.Command{Type: core.CommandRefund, Caller: alice, Market: firstMarket})
		return drainOutputs(h.persistCh)
	}

	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("output counts differ: %d vs %d", len(a), len(b))
	}

	genesis := core.GenesisHash()
	if a[0].Envelope.PrevHash != genesis {
		t.Error("first envelope should chain from genesis")
	}
	for i := range a {
		if a[i].Envelope.StateHash != b[i].Envelope.StateHash {
			t.Errorf("output %d: hashes differ across identical runs", i)
		}
		if i > 0 && a[i].Envelope.PrevHash != a[i-1].Envelope.StateHash {
			t.Errorf("output %d: chain broken", i)
		}
	}
}

// ============================================================================
// Test: Snapshot / Restore
// ============================================================================

func TestSnapshot_RestoreContinuesChain(t *testing.T) {
	h := newHarness(t)
	h.setupMarket(t)
	first := buy(alice, event.SideYes, 100)
	first.RequestID = "buy-before-snapshot"
	h.exec(t, first)

	snap := h.engine.CreateSnapshotState()
	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	var decoded core.SnapshotState
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}

	restored := newHarness(t)
	if err := restored.engine.RestoreFromSnapshot(&decoded); err != nil {
		t.Fatalf("restore: %v", err)
	}
	restored.n = h.n

	if restored.engine.GetSequence() != h.engine.GetSequence() {
		t.Errorf("expected sequence %d, got %d", h.engine.GetSequence(), restored.engine.GetSequence())
	}
	if restored.engine.GetStateHash() != h.engine.GetStateHash() {
		t.Error("chain tip not restored")
	}
	if got := restored.token.BalanceOf(firstMarket).Uint64(); got != 2_100 {
		t.Errorf("expected restored custody 2100, got %d", got)
	}

	dup := buy(alice, event.SideYes, 100)
	dup.RequestID = "buy-before-snapshot"
	if res := restored.exec(t, dup); !res.Duplicate {
		t.Error("idempotency keys should survive the snapshot")
	}

	// Both engines must agree on what happens next
	for _, e := range []*harness{h, restored} {
		drainOutputs(e.persistCh)
		e.exec(t, &core.Command{Type: core.CommandResolve, Caller: admin, Market: firstMarket, Outcome: event.OutcomeYes, RequestID: "resolve"})
		res := e.exec(t, &core.Command{Type: core.CommandClaim, Caller: alice, Market: firstMarket, RequestID: "claim"})
		if res.Amount.Uint64() != 1_191 {
			t.Errorf("expected payout 1191, got %s", res.Amount.Dec())
		}
	}
	if restored.engine.GetStateHash() != h.engine.GetStateHash() {
		t.Error("restored engine diverged from the original")
	}
}

// ============================================================================
// Test: Output Channels
// ============================================================================

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	h := newHarnessWithProjection(t, 1)
	h.setupMarket(t)

	if got := len(drainOutputs(h.projCh)); got != 1 {
		t.Errorf("expected projection channel to hold 1, got %d", got)
	}
	if got := len(drainOutputs(h.persistCh)); got != 5 {
		t.Errorf("persistence must receive every output, got %d", got)
	}
}
