package query

import (
	"PredictionLedger/internal/amm"
	"PredictionLedger/internal/collateral"
	"PredictionLedger/internal/event"
	"PredictionLedger/internal/observability"
	"PredictionLedger/internal/registry"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrCacheMiss is returned by a ViewCache that does not hold the key
var ErrCacheMiss = errors.New("cache miss")

// ViewCache stores rendered market views. Implementations must be safe for
// concurrent use.
type ViewCache interface {
	GetMarket(ctx context.Context, addr common.Address) (*MarketView, error)
	SetMarket(ctx context.Context, view *MarketView) error
	InvalidateMarket(ctx context.Context, addr common.Address) error
}

// LiveState is the in-memory side of the service, normally *core.Engine
type LiveState interface {
	Registry() *registry.Registry
	Bank() *collateral.Bank
	GetSequence() int64
}

// QueryService serves reads. Point reads (a market, a position, a quote, a
// balance) come from live state and are exact as of AsOfSequence; listings
// and history come from the Postgres projections and the event log and may
// lag behind.
type QueryService struct {
	live    LiveState
	db      *sql.DB
	cache   ViewCache
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewQueryService wires the service; db and cache may be nil
func NewQueryService(live LiveState, db *sql.DB, cache ViewCache, metrics *observability.Metrics, logger zerolog.Logger) *QueryService {
	return &QueryService{
		live:    live,
		db:      db,
		cache:   cache,
		metrics: metrics,
		logger:  logger,
	}
}

func (qs *QueryService) asOf() int64 {
	return qs.live.GetSequence() - 1
}

// GetMarket returns a market view, read-through the view cache
func (qs *QueryService) GetMarket(ctx context.Context, addr common.Address) (*MarketView, error) {
	if qs.cache != nil {
		view, err := qs.cache.GetMarket(ctx, addr)
		switch {
		case err == nil:
			qs.recordCache("hit")
			return view, nil
		case errors.Is(err, ErrCacheMiss):
			qs.recordCache("miss")
		default:
			qs.recordCache("error")
			qs.logger.Warn().Err(err).Str("market", addr.Hex()).Msg("view cache read failed")
		}
	}

	// Sequence first: the view is at least as new as AsOfSequence
	asOf := qs.asOf()
	m, err := qs.live.Registry().Get(addr)
	if err != nil {
		return nil, err
	}
	view := NewMarketView(m.Snapshot(), asOf)

	if qs.cache != nil {
		if err := qs.cache.SetMarket(ctx, view); err != nil {
			qs.logger.Warn().Err(err).Str("market", addr.Hex()).Msg("view cache write failed")
		}
	}
	return view, nil
}

// FindByQuestion lists the live markets created for a question
func (qs *QueryService) FindByQuestion(ctx context.Context, question common.Hash) ([]*MarketView, error) {
	asOf := qs.asOf()
	markets := qs.live.Registry().FindByQuestion(question)
	views := make([]*MarketView, 0, len(markets))
	for _, m := range markets {
		views = append(views, NewMarketView(m.Snapshot(), asOf))
	}
	return views, nil
}

// GetPosition returns an account's stakes and what it could claim now
func (qs *QueryService) GetPosition(ctx context.Context, addr, account common.Address) (*PositionView, error) {
	asOf := qs.asOf()
	m, err := qs.live.Registry().Get(addr)
	if err != nil {
		return nil, err
	}
	yes, no := m.Position(account)
	return &PositionView{
		Market:       addr,
		Account:      account,
		Yes:          yes.Dec(),
		No:           no.Dec(),
		Claimable:    m.Claimable(account).Dec(),
		AsOfSequence: asOf,
	}, nil
}

// Quote prices a buy against the current pools
func (qs *QueryService) Quote(ctx context.Context, addr common.Address, side event.Side, amountIn *uint256.Int) (*QuoteView, error) {
	asOf := qs.asOf()
	m, err := qs.live.Registry().Get(addr)
	if err != nil {
		return nil, err
	}
	q, err := m.QuoteBuy(side, amountIn)
	if err != nil {
		return nil, err
	}

	avg := decimal.Zero
	if !q.Units.IsZero() {
		avg = decimal.NewFromBigInt(q.AmountIn.ToBig(), 0).
			DivRound(decimal.NewFromBigInt(q.Units.ToBig(), 0), 18)
	}
	return &QuoteView{
		Market:         addr,
		Side:           side.String(),
		AmountIn:       q.AmountIn.Dec(),
		Fee:            q.Fee.Dec(),
		AmountAfterFee: q.AmountAfterFee.Dec(),
		Units:          q.Units.Dec(),
		AvgPrice:       avg,
		AsOfSequence:   asOf,
	}, nil
}

// CollateralAsset is the token every market settles in
func (qs *QueryService) CollateralAsset() common.Address {
	return qs.live.Registry().Collateral().Asset()
}

// GetBalance returns an account's balance of a custodied token
func (qs *QueryService) GetBalance(ctx context.Context, asset, account common.Address) (*BalanceView, error) {
	asOf := qs.asOf()
	tok, err := qs.live.Bank().Token(asset)
	if err != nil {
		return nil, err
	}
	return &BalanceView{
		Asset:        asset,
		Account:      account,
		Balance:      tok.BalanceOf(account).Dec(),
		AsOfSequence: asOf,
	}, nil
}

// --- Projection-backed reads ---

var ErrNoDatabase = errors.New("query: projections database not configured")

// ListMarkets pages through the market projection, newest first. An empty
// state lists every market.
func (qs *QueryService) ListMarkets(ctx context.Context, state string, limit int, beforeSequence *int64) ([]MarketSummary, error) {
	if qs.db == nil {
		return nil, ErrNoDatabase
	}

	query := `
		SELECT market, question, state, COALESCE(outcome, ''), yes_pool::text, no_pool::text, fee_bps, last_sequence
		FROM projections.markets
		WHERE TRUE
	`
	args := []any{}
	argIdx := 1

	if state != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, state)
		argIdx++
	}
	if beforeSequence != nil {
		query += fmt.Sprintf(" AND last_sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY last_sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MarketSummary
	for rows.Next() {
		var s MarketSummary
		if err := rows.Scan(&s.Address, &s.Question, &s.State, &s.Outcome,
			&s.YesPool, &s.NoPool, &s.FeeBps, &s.LastSequence); err != nil {
			return nil, err
		}
		s.YesPrice, s.NoPrice = impliedPricesFromText(s.YesPool, s.NoPool)
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetTrades returns a market's trade history, newest first
func (qs *QueryService) GetTrades(ctx context.Context, addr common.Address, limit int, beforeSequence *int64) ([]TradeView, error) {
	if qs.db == nil {
		return nil, ErrNoDatabase
	}

	query := `
		SELECT sequence, market, trader, side, amount_in::text, fee::text, units::text, timestamp
		FROM projections.trades
		WHERE market = $1
	`
	args := []any{addr.Hex()}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []TradeView
	for rows.Next() {
		var t TradeView
		if err := rows.Scan(&t.Sequence, &t.Market, &t.Trader, &t.Side,
			&t.AmountIn, &t.Fee, &t.Units, &t.Timestamp); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// GetJournalHistory returns a market's ledger entries, newest first
func (qs *QueryService) GetJournalHistory(ctx context.Context, addr common.Address, limit int, beforeSequence *int64) ([]JournalHistoryEntry, error) {
	if qs.db == nil {
		return nil, ErrNoDatabase
	}

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount::text, journal_type, timestamp
		FROM event_log.journal
		WHERE market = $1
	`
	args := []any{addr.Hex()}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// IntegrityReport summarizes an event log audit
type IntegrityReport struct {
	HashChainBreaks []int64 `json:"hash_chain_breaks"`
	SequenceGaps    []int64 `json:"sequence_gaps"`
	IsHealthy       bool    `json:"is_healthy"`
}

// VerifyIntegrity checks hash chain continuity and sequence gaps in the
// persisted event log
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	if qs.db == nil {
		return nil, ErrNoDatabase
	}
	report := &IntegrityReport{}

	breaks, err := qs.sequences(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	report.HashChainBreaks = breaks

	gaps, err := qs.sequences(ctx, `
		SELECT e1.sequence + 1
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence + 1
		WHERE e2.sequence IS NULL
		  AND e1.sequence < (SELECT MAX(sequence) FROM event_log.events)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	report.SequenceGaps = gaps

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.SequenceGaps) == 0
	return report, nil
}

func (qs *QueryService) sequences(ctx context.Context, query string) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

// --- helpers ---

func (qs *QueryService) recordCache(result string) {
	if qs.metrics != nil {
		qs.metrics.CacheRequests.WithLabelValues(result).Inc()
	}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}

func impliedPricesFromText(yesPool, noPool string) (yes, no decimal.Decimal) {
	y, errY := uint256.FromDecimal(yesPool)
	n, errN := uint256.FromDecimal(noPool)
	if errY != nil || errN != nil {
		return decimal.Zero, decimal.Zero
	}
	return amm.ImpliedPrices(y, n)
}
