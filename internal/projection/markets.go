package projection

import (
	"PredictionLedger/internal/event"
	"PredictionLedger/internal/market"
	"context"
	"database/sql"
	"strconv"
	"time"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// applyEvent mirrors the market's bookkeeping for one event in SQL. Amounts
// are passed as decimal text and summed as NUMERIC(78,0).
func applyEvent(ctx context.Context, x execer, seq int64, ts time.Time, payload event.Event) error {
	switch e := payload.(type) {
	case *event.MarketCreated:
		_, err := x.ExecContext(ctx, `
			INSERT INTO projections.markets
				(market, question, resolve_time, collateral, state, yes_pool, no_pool,
				 total_yes, total_no, fee_bps, fee_recipient, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, 0, 0, $8, $9, $10)
			ON CONFLICT (market) DO NOTHING
		`, e.Market.Hex(), e.Question.Hex(), e.ResolveTimestamp, e.Collateral.Hex(),
			market.StateActive.String(), e.YesPool.Dec(), e.NoPool.Dec(),
			e.FeeBps, e.FeeRecipient.Hex(), seq)
		return err

	case *event.TradePlaced:
		chosen, opposite := poolColumns(e.Side)
		total := totalColumn(e.Side)
		if _, err := x.ExecContext(ctx, `
			UPDATE projections.markets
			SET `+opposite+` = `+opposite+` + $2::numeric,
			    `+chosen+` = `+chosen+` - $3::numeric,
			    `+total+` = `+total+` + $3::numeric,
			    last_sequence = $4, updated_at = NOW()
			WHERE market = $1 AND last_sequence < $4
		`, e.Market.Hex(), e.AmountAfterFee().Dec(), e.Units.Dec(), seq); err != nil {
			return err
		}

		units, other := unitsColumn(e.Side), unitsColumn(e.Side.Opposite())
		if _, err := x.ExecContext(ctx, `
			INSERT INTO projections.positions AS p (market, account, `+units+`, `+other+`, last_sequence)
			VALUES ($1, $2, $3::numeric, 0, $4)
			ON CONFLICT (market, account) DO UPDATE
			SET `+units+` = p.`+units+` + EXCLUDED.`+units+`, last_sequence = EXCLUDED.last_sequence
			WHERE p.last_sequence < EXCLUDED.last_sequence
		`, e.Market.Hex(), e.Trader.Hex(), e.Units.Dec(), seq); err != nil {
			return err
		}

		_, err := x.ExecContext(ctx, `
			INSERT INTO projections.trades (sequence, market, trader, side, amount_in, fee, units, timestamp)
			VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8)
			ON CONFLICT (sequence) DO NOTHING
		`, seq, e.Market.Hex(), e.Trader.Hex(), e.Side.String(),
			e.AmountIn.Dec(), e.Fee.Dec(), e.Units.Dec(), ts)
		return err

	case *event.PositionClaimed:
		total := totalColumn(e.Side)
		assignments := total + ` = ` + total + ` - $2::numeric`
		args := []any{e.Stake.Dec()}
		if !e.Refund {
			_, losing := poolColumns(e.Side)
			assignments += `, ` + losing + ` = ` + losing + ` - $3::numeric`
			args = append(args, e.Winnings.Dec())
		}
		if err := setMarket(ctx, x, seq, e.Market.Hex(), assignments, args...); err != nil {
			return err
		}

		units := unitsColumn(e.Side)
		_, err := x.ExecContext(ctx, `
			UPDATE projections.positions
			SET `+units+` = 0, last_sequence = $3
			WHERE market = $1 AND account = $2 AND last_sequence < $3
		`, e.Market.Hex(), e.Account.Hex(), seq)
		return err

	case *event.MarketResolved:
		return setMarket(ctx, x, seq, e.Market.Hex(),
			`state = $2, outcome = $3`, market.StateResolved.String(), e.Outcome.String())

	case *event.MarketCancelled:
		return setMarket(ctx, x, seq, e.Market.Hex(),
			`state = $2, outcome = $3`, market.StateCancelled.String(), event.OutcomeCancel.String())

	case *event.FeeUpdated:
		return setMarket(ctx, x, seq, e.Market.Hex(), `fee_bps = $2`, e.NewBps)

	case *event.FeeRecipientUpdated:
		return setMarket(ctx, x, seq, e.Market.Hex(), `fee_recipient = $2`, e.NewRecipient.Hex())
	}

	// FeeCollected, AssetRescued, CollateralMinted and AllowanceApproved
	// change nothing these projections hold
	return nil
}

// setMarket runs a single-row update. The address is $1, assignments use
// $2 onwards and the sequence is the last parameter.
func setMarket(ctx context.Context, x execer, seq int64, addr, assignments string, args ...any) error {
	n := len(args) + 2
	_, err := x.ExecContext(ctx, `
		UPDATE projections.markets
		SET `+assignments+`, last_sequence = $`+strconv.Itoa(n)+`, updated_at = NOW()
		WHERE market = $1 AND last_sequence < $`+strconv.Itoa(n),
		append(append([]any{addr}, args...), seq)...)
	return err
}

func poolColumns(side event.Side) (chosen, opposite string) {
	if side == event.SideYes {
		return "yes_pool", "no_pool"
	}
	return "no_pool", "yes_pool"
}

func totalColumn(side event.Side) string {
	if side == event.SideYes {
		return "total_yes"
	}
	return "total_no"
}

func unitsColumn(side event.Side) string {
	if side == event.SideYes {
		return "yes_units"
	}
	return "no_units"
}
