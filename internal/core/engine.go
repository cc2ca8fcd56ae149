package core

import (
	"PredictionLedger/internal/access"
	"PredictionLedger/internal/collateral"
	"PredictionLedger/internal/event"
	"PredictionLedger/internal/ledger"
	"PredictionLedger/internal/market"
	"PredictionLedger/internal/observability"
	"PredictionLedger/internal/registry"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	ErrMissingRequestID = errors.New("request id is required")
	ErrUnknownCommand   = errors.New("unknown command")
)

// Output is one sequenced event on its way to persistence and projections
type Output struct {
	Envelope *event.Envelope
	Batch    *ledger.Batch // nil when the event moves no collateral
}

// Config wires an Engine
type Config struct {
	StartSequence   int64
	RegistryAddress common.Address
	CollateralAsset common.Address
	Bank            *collateral.Bank
	Roles           *access.Roles
	LRUCapacity     int
	DBChecker       DBIdempotencyChecker
	Metrics         *observability.Metrics
	Logger          zerolog.Logger

	PersistChan    chan<- Output
	ProjectionChan chan<- Output
}

// Engine sequences commands against the registry and its markets. Commands
// are applied one at a time; every event they emit is journaled, checked
// against the market's own state, hashed into the chain and handed to the
// output channels in order.
type Engine struct {
	mu sync.Mutex

	sequence       int64
	hasher         *StateHasher
	bank           *collateral.Bank
	collateral     *collateral.Token
	roles          *access.Roles
	registry       *registry.Registry
	recorder       *event.Recorder
	balanceTracker *ledger.BalanceTracker
	journalGen     *ledger.JournalGenerator
	validator      *ledger.InvariantValidator
	idempotency    *IdempotencyChecker
	metrics        *observability.Metrics
	logger         zerolog.Logger

	persistChan    chan<- Output
	projectionChan chan<- Output
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Bank == nil {
		return nil, fmt.Errorf("new engine: bank is required")
	}
	token, err := cfg.Bank.Token(cfg.CollateralAsset)
	if err != nil {
		return nil, fmt.Errorf("new engine: collateral: %w", err)
	}
	roles := cfg.Roles
	if roles == nil {
		roles = access.NewRoles()
	}
	capacity := cfg.LRUCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}

	recorder := event.NewRecorder()
	balanceTracker := ledger.NewBalanceTracker()

	return &Engine{
		sequence:       cfg.StartSequence,
		hasher:         NewStateHasher(),
		bank:           cfg.Bank,
		collateral:     token,
		roles:          roles,
		registry:       registry.New(cfg.RegistryAddress, token, roles, recorder),
		recorder:       recorder,
		balanceTracker: balanceTracker,
		journalGen:     ledger.NewJournalGenerator(),
		validator:      ledger.NewInvariantValidator(balanceTracker),
		idempotency:    NewIdempotencyChecker(capacity, cfg.DBChecker, cfg.Metrics, cfg.Logger),
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
	}, nil
}

// Registry exposes the market index for read paths
func (e *Engine) Registry() *registry.Registry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry
}

func (e *Engine) Bank() *collateral.Bank { return e.bank }
func (e *Engine) Collateral() *collateral.Token { return e.collateral }

// Execute is the main processing pipeline
func (e *Engine) Execute(ctx context.Context, cmd *Command) (*Result, error) {
	start := time.Now()
	commandType := cmd.Type.String()

	if cmd.RequestID == "" {
		return nil, ErrMissingRequestID
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Step 1: Idempotency check (two-tier)
	if e.idempotency.IsDuplicate(commandType, cmd.RequestID) {
		e.logger.Debug().Str("command", commandType).Str("request_id", cmd.RequestID).Msg("duplicate command skipped")
		return &Result{Duplicate: true, Sequence: e.sequence - 1, Market: cmd.Market}, nil
	}

	// Step 2: Dispatch. Markets emit into the recorder only on success.
	result, err := e.dispatch(ctx, cmd)
	if err != nil {
		if leaked := e.recorder.Drain(); len(leaked) > 0 {
			panic(fmt.Sprintf("FATAL: %s failed after emitting %d events: %v", commandType, len(leaked), err))
		}
		if e.metrics != nil {
			e.metrics.CoreCommandsRejected.WithLabelValues(commandType, errorCode(err)).Inc()
		}
		e.logger.Info().Err(err).Str("command", commandType).Str("request_id", cmd.RequestID).
			Str("code", errorCode(err)).Msg("command rejected")
		return nil, err
	}

	evts := e.recorder.Drain()
	outputs := make([]Output, 0, len(evts))
	touched := make(map[common.Address]struct{})

	// Steps 3-6: journal, validate, apply, hash each event
	for _, evt := range evts {
		batch := e.journalGen.Generate(evt, cmd.RequestID, e.sequence, cmd.Timestamp)
		if batch != nil {
			if err := e.validator.ValidateBatchBalance(batch); err != nil {
				panic(fmt.Sprintf("FATAL: malformed batch: %v", err))
			}
			if err := e.balanceTracker.ApplyBatch(batch); err != nil {
				panic(fmt.Sprintf("FATAL: apply batch failed: %v", err))
			}
			if e.metrics != nil {
				for _, j := range batch.Journals {
					e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
				}
			}
		}

		mkt := evt.MarketAddress()
		if mkt != (common.Address{}) {
			touched[mkt] = struct{}{}
		}

		digest := newStateDigest(evt.EventType(), mkt)
		digest.addBatch(batch, e.balanceTracker.GetBalance)
		prevHash, stateHash := e.hasher.Next(e.sequence, digest.bytes())

		outputs = append(outputs, Output{
			Envelope: &event.Envelope{
				Sequence:    e.sequence,
				RequestID:   cmd.RequestID,
				CommandType: commandType,
				EventType:   evt.EventType(),
				Market:      mkt,
				Timestamp:   cmd.Timestamp,
				Payload:     evt,
				StateHash:   stateHash,
				PrevHash:    prevHash,
			},
			Batch: batch,
		})
		e.sequence++
	}

	// Step 7: Post-checks
	if err := e.postCheckInvariants(touched); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 8: Emit outputs. Persistence blocks (backpressure); projections
	// drop when full and rebuild from the event log.
	for _, output := range outputs {
		if e.persistChan != nil {
			e.persistChan <- output
		}
		if e.projectionChan != nil {
			select {
			case e.projectionChan <- output:
			default:
				if e.metrics != nil {
					e.metrics.ProjectionDrops.WithLabelValues("core").Inc()
				}
			}
		}
	}

	// Step 9: Mark as processed
	e.idempotency.MarkProcessed(commandType, cmd.RequestID)

	if e.metrics != nil {
		e.metrics.CoreCommandsApplied.WithLabelValues(commandType).Inc()
		e.metrics.CoreCommandDuration.WithLabelValues(commandType).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(e.sequence))
		e.recordDomainMetrics(evts)
	}

	result.Sequence = e.sequence - 1
	result.Events = evts
	return result, nil
}

// dispatch routes a command to the registry, a market or the bank
func (e *Engine) dispatch(ctx context.Context, cmd *Command) (*Result, error) {
	// Custody accounts never act: their balance is already owed to traders
	if cmd.Caller == e.registry.Address() {
		return nil, fmt.Errorf("%s: %w: %s", cmd.Type, market.ErrCustodyAccount, cmd.Caller.Hex())
	}
	if _, err := e.registry.Get(cmd.Caller); err == nil {
		return nil, fmt.Errorf("%s: %w: %s", cmd.Type, market.ErrCustodyAccount, cmd.Caller.Hex())
	}

	switch cmd.Type {
	case CommandCreateMarket:
		if cmd.Create == nil {
			return nil, fmt.Errorf("create market: params are required")
		}
		m, err := e.registry.CreateMarket(ctx, cmd.Caller, *cmd.Create)
		if err != nil {
			return nil, err
		}
		return &Result{Market: m.Address()}, nil

	case CommandMint:
		return e.handleMint(cmd)

	case CommandApprove:
		return e.handleApprove(cmd)
	}

	m, err := e.registry.Get(cmd.Market)
	if err != nil {
		return nil, err
	}
	result := &Result{Market: cmd.Market}

	switch cmd.Type {
	case CommandBuy:
		result.Amount, err = m.Buy(ctx, cmd.Caller, cmd.Side, cmd.Amount)
	case CommandResolve:
		err = m.Resolve(ctx, cmd.Caller, cmd.Outcome)
	case CommandClaim:
		result.Amount, err = m.Claim(ctx, cmd.Caller)
	case CommandRefund:
		result.Amount, err = m.Refund(ctx, cmd.Caller)
	case CommandSetFee:
		err = m.SetFee(ctx, cmd.Caller, cmd.FeeBps)
	case CommandSetFeeRecipient:
		err = m.SetFeeRecipient(ctx, cmd.Caller, cmd.Account)
	case CommandRescue:
		var asset *collateral.Token
		if asset, err = e.token(cmd.Asset); err == nil {
			err = m.Rescue(ctx, cmd.Caller, asset, cmd.Account, cmd.Amount)
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCommand, cmd.Type)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) token(asset common.Address) (*collateral.Token, error) {
	if asset == (common.Address{}) {
		return e.collateral, nil
	}
	return e.bank.Token(asset)
}

// handleMint is the admin faucet that credits collateral to an account
func (e *Engine) handleMint(cmd *Command) (*Result, error) {
	if err := access.Require(e.roles, access.RoleAdmin, cmd.Caller); err != nil {
		return nil, fmt.Errorf("mint: %w", err)
	}
	if cmd.Account == (common.Address{}) {
		return nil, fmt.Errorf("%w: mint destination", market.ErrZeroAddress)
	}
	if cmd.Amount == nil || cmd.Amount.IsZero() {
		return nil, market.ErrZeroAmount
	}
	tok, err := e.token(cmd.Asset)
	if err != nil {
		return nil, err
	}
	if err := tok.Mint(cmd.Account, cmd.Amount); err != nil {
		return nil, fmt.Errorf("%w: %v", market.ErrOverflow, err)
	}

	e.recorder.Emit(&event.CollateralMinted{
		Asset:  tok.Asset(),
		Admin:  cmd.Caller,
		To:     cmd.Account,
		Amount: new(uint256.Int).Set(cmd.Amount),
	})
	return &Result{Amount: new(uint256.Int).Set(cmd.Amount)}, nil
}

// handleApprove sets the caller's allowance for a spender (a market or the
// registry)
func (e *Engine) handleApprove(cmd *Command) (*Result, error) {
	if cmd.Account == (common.Address{}) {
		return nil, fmt.Errorf("%w: spender", market.ErrZeroAddress)
	}
	if cmd.Amount == nil {
		return nil, fmt.Errorf("approve: amount is required")
	}
	tok, err := e.token(cmd.Asset)
	if err != nil {
		return nil, err
	}
	tok.Approve(cmd.Caller, cmd.Account, cmd.Amount)

	e.recorder.Emit(&event.AllowanceApproved{
		Asset:   tok.Asset(),
		Owner:   cmd.Caller,
		Spender: cmd.Account,
		Amount:  new(uint256.Int).Set(cmd.Amount),
	})
	return &Result{}, nil
}

// postCheckInvariants compares the ledger with every market the command
// touched and periodically checks the global zero-sum
func (e *Engine) postCheckInvariants(touched map[common.Address]struct{}) error {
	for addr := range touched {
		m, err := e.registry.Get(addr)
		if err != nil {
			return err
		}
		yes, no := m.Pools()
		totalYes, totalNo := m.Totals()

		if err := e.validator.ValidateMarket(ledger.MarketState{
			Address:  addr,
			YesPool:  yes,
			NoPool:   no,
			TotalYes: totalYes,
			TotalNo:  totalNo,
			Custody:  e.collateral.BalanceOf(addr),
		}); err != nil {
			return fmt.Errorf("post-check: %w", err)
		}
	}

	if e.sequence > 0 && e.sequence%1000 == 0 {
		if err := e.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("post-check at seq %d: %w", e.sequence, err)
		}
	}

	return nil
}

func (e *Engine) recordDomainMetrics(evts []event.Event) {
	for _, evt := range evts {
		e.metrics.CoreEventsEmitted.WithLabelValues(evt.EventType().String()).Inc()

		switch ev := evt.(type) {
		case *event.MarketCreated:
			e.metrics.MarketsCreated.Inc()
		case *event.TradePlaced:
			e.metrics.TradeVolume.WithLabelValues(ev.Side.String()).Add(ev.AmountIn.Float64())
		case *event.FeeCollected:
			e.metrics.FeesCollected.Add(ev.Amount.Float64())
		case *event.PositionClaimed:
			kind := "claim"
			if ev.Refund {
				kind = "refund"
			}
			e.metrics.PayoutsTotal.WithLabelValues(kind).Add(ev.Amount.Float64())
		case *event.MarketResolved:
			e.metrics.MarketsResolved.WithLabelValues(ev.Outcome.String()).Inc()
		case *event.MarketCancelled:
			e.metrics.MarketsResolved.WithLabelValues(event.OutcomeCancel.String()).Inc()
		}
	}
}

// errorCode extends market.Code with the registry and engine errors
func errorCode(err error) string {
	switch {
	case errors.Is(err, registry.ErrMarketNotFound):
		return "MARKET_NOT_FOUND"
	case errors.Is(err, collateral.ErrUnknownAsset):
		return "UNKNOWN_ASSET"
	case errors.Is(err, ErrMissingRequestID):
		return "MISSING_REQUEST_ID"
	}
	return market.Code(err)
}

// ErrorCode is the stable code for any error Execute returns
func ErrorCode(err error) string { return errorCode(err) }

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore
type SnapshotState struct {
	Sequence        int64                      `json:"sequence"`
	StateHash       common.Hash                `json:"state_hash"`
	Registry        *registry.Snapshot         `json:"registry"`
	Tokens          []collateral.TokenSnapshot `json:"tokens"`
	Balances        []ledger.BalanceEntry      `json:"balances"`
	IdempotencyKeys []string                   `json:"idempotency_keys"`
}

// CreateSnapshotState captures the current in-memory state for persistence
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()

	return &SnapshotState{
		Sequence:        e.sequence - 1, // Last processed sequence
		StateHash:       e.hasher.Tip(),
		Registry:        e.registry.Snapshot(),
		Tokens:          e.bank.Snapshot(),
		Balances:        e.balanceTracker.Export(),
		IdempotencyKeys: e.idempotency.lru.Keys(),
	}
}

// RestoreFromSnapshot restores the engine's in-memory state. Tokens are
// restored in place so references held by callers stay valid.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.bank.Restore(snap.Tokens); err != nil {
		return err
	}

	reg, err := registry.Restore(snap.Registry, e.collateral, e.roles, e.recorder)
	if err != nil {
		return err
	}

	tracker := ledger.NewBalanceTracker()
	if err := tracker.Import(snap.Balances); err != nil {
		return fmt.Errorf("restore balances: %w", err)
	}

	e.registry = reg
	e.balanceTracker = tracker
	e.validator = ledger.NewInvariantValidator(tracker)
	e.sequence = snap.Sequence + 1
	e.hasher.Reset(snap.StateHash)
	e.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache
func (e *Engine) WarmLRU(keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the next sequence to assign
func (e *Engine) GetSequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip)
func (e *Engine) GetStateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.Tip()
}
