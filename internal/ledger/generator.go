package ledger

import (
	"PredictionLedger/internal/event"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalGenerator creates balanced journal batches from market events
type JournalGenerator struct{}

func NewJournalGenerator() *JournalGenerator {
	return &JournalGenerator{}
}

// batchBuilder accumulates legs for one event and drops zero amounts
type batchBuilder struct {
	batch  *Batch
	market common.Address
}

func newBatch(market common.Address, eventRef string, seq int64, ts time.Time) *batchBuilder {
	return &batchBuilder{
		batch: &Batch{
			BatchID:   uuid.New(),
			EventRef:  eventRef,
			Sequence:  seq,
			Timestamp: ts.UnixMicro(),
			Journals:  make([]Journal, 0, 2),
		},
		market: market,
	}
}

func (bb *batchBuilder) add(debit, credit AccountKey, amount *uint256.Int, jt JournalType) {
	if amount == nil || amount.IsZero() {
		return
	}
	bb.batch.Journals = append(bb.batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       bb.batch.BatchID,
		EventRef:      bb.batch.EventRef,
		Sequence:      bb.batch.Sequence,
		Market:        bb.market,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        new(uint256.Int).Set(amount),
		JournalType:   jt,
		Timestamp:     bb.batch.Timestamp,
	})
}

func (bb *batchBuilder) result() *Batch {
	if len(bb.batch.Journals) == 0 {
		return nil
	}
	return bb.batch
}

// Generate maps one event to its journals. Events that move no market
// collateral (resolution, fee config, mint, approve, rescue of a foreign
// asset) yield a nil batch.
func (jg *JournalGenerator) Generate(evt event.Event, eventRef string, seq int64, ts time.Time) *Batch {
	switch e := evt.(type) {
	case *event.MarketCreated:
		return jg.generateMarketCreated(e, eventRef, seq, ts)
	case *event.TradePlaced:
		return jg.generateTrade(e, eventRef, seq, ts)
	case *event.FeeCollected:
		return jg.generateFee(e, eventRef, seq, ts)
	case *event.PositionClaimed:
		return jg.generateClaim(e, eventRef, seq, ts)
	default:
		return nil
	}
}

// generateMarketCreated books the initial reserves.
// Moves funds: external:liquidity (or external:unfunded) → pool_yes, pool_no
func (jg *JournalGenerator) generateMarketCreated(evt *event.MarketCreated, ref string, seq int64, ts time.Time) *Batch {
	bb := newBatch(evt.Market, ref, seq, ts)

	source := NewExternalAccountKey(evt.Market, SubTypeExternalUnfunded)
	if evt.Funded {
		source = NewExternalAccountKey(evt.Market, SubTypeExternalLiquidity)
	}
	bb.add(PoolKey(evt.Market, event.SideYes), source, evt.YesPool, JournalTypeMarketFunding)
	bb.add(PoolKey(evt.Market, event.SideNo), source, evt.NoPool, JournalTypeMarketFunding)

	return bb.result()
}

// generateTrade books a buy of side S.
// Moves funds: external:traders → pool(opposite) (net input)
// Moves units: pool(S) → positions(S)
func (jg *JournalGenerator) generateTrade(evt *event.TradePlaced, ref string, seq int64, ts time.Time) *Batch {
	bb := newBatch(evt.Market, ref, seq, ts)

	bb.add(PoolKey(evt.Market, evt.Side.Opposite()), NewExternalAccountKey(evt.Market, SubTypeExternalTraders),
		evt.AmountAfterFee(), JournalTypeTradeCollateral)
	bb.add(PositionsKey(evt.Market, evt.Side), PoolKey(evt.Market, evt.Side),
		evt.Units, JournalTypeTradeUnits)

	return bb.result()
}

// generateFee books the fee leg, which never enters custody.
// Moves funds: external:traders → external:fees
func (jg *JournalGenerator) generateFee(evt *event.FeeCollected, ref string, seq int64, ts time.Time) *Batch {
	bb := newBatch(evt.Market, ref, seq, ts)
	bb.add(NewExternalAccountKey(evt.Market, SubTypeExternalFees), NewExternalAccountKey(evt.Market, SubTypeExternalTraders),
		evt.Amount, JournalTypeTradeFee)
	return bb.result()
}

// generateClaim books a claim or a refund leg.
// Moves funds: positions(S) → external:payouts (stake)
// Moves funds: pool(opposite) → external:payouts (winnings, claims only)
func (jg *JournalGenerator) generateClaim(evt *event.PositionClaimed, ref string, seq int64, ts time.Time) *Batch {
	bb := newBatch(evt.Market, ref, seq, ts)
	payouts := NewExternalAccountKey(evt.Market, SubTypeExternalPayouts)

	if evt.Refund {
		bb.add(payouts, PositionsKey(evt.Market, evt.Side), evt.Stake, JournalTypeRefund)
		return bb.result()
	}

	bb.add(payouts, PositionsKey(evt.Market, evt.Side), evt.Stake, JournalTypeClaimStake)
	bb.add(payouts, PoolKey(evt.Market, evt.Side.Opposite()), evt.Winnings, JournalTypeClaimWinnings)
	return bb.result()
}
