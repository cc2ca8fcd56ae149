package projection

import (
	"PredictionLedger/internal/core"
	"PredictionLedger/internal/event"
	"PredictionLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Invalidator drops cached read models of a market
type Invalidator interface {
	InvalidateMarket(ctx context.Context, addr common.Address) error
}

// ProjectionWorker updates projection tables from processed events.
// The projection channel is non-blocking with drop; if projections fall
// behind they are rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.Output
	cache     Invalidator
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

// NewProjectionWorker starts from lastSeq, the watermark already applied
// (-1 for an empty projection). cache may be nil.
func NewProjectionWorker(db *sql.DB, inputChan <-chan core.Output, cache Invalidator, lastSeq int64,
	metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		cache:     cache,
		metrics:   metrics,
		logger:    logger,
		lastSeq:   lastSeq,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			env := output.Envelope

			if env.Sequence <= pw.lastSeq {
				continue
			}
			if env.Sequence != pw.lastSeq+1 {
				pw.logger.Warn().Int64("expected", pw.lastSeq+1).Int64("got", env.Sequence).
					Msg("projection gap, rebuild from the event log to catch up")
			}

			start := time.Now()
			if err := pw.apply(ctx, env.Sequence, env.Timestamp, env.Payload); err != nil {
				// Projections are eventually consistent and can be rebuilt
				pw.logger.Warn().Err(err).Int64("seq", env.Sequence).Msg("projection update failed")
				continue
			}
			pw.lastSeq = env.Sequence

			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues(payloadLabel(env.Payload)).Observe(time.Since(start).Seconds())
			}
			pw.invalidate(ctx, env.Market)
		}
	}
}

func (pw *ProjectionWorker) invalidate(ctx context.Context, mkt common.Address) {
	if pw.cache == nil || mkt == (common.Address{}) {
		return
	}
	if err := pw.cache.InvalidateMarket(ctx, mkt); err != nil {
		pw.logger.Warn().Err(err).Str("market", mkt.Hex()).Msg("cache invalidation failed")
	}
}

// apply updates the projections for one event and advances the watermark
// in the same transaction
func (pw *ProjectionWorker) apply(ctx context.Context, seq int64, ts time.Time, payload event.Event) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := applyEvent(ctx, tx, seq, ts, payload); err != nil {
		return fmt.Errorf("%s: %w", payload.EventType(), err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (id, last_sequence, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// Watermark returns the last applied sequence, or -1 if nothing was applied
func Watermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `SELECT last_sequence FROM projections.watermark WHERE id = 1`).Scan(&seq)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	return seq, err
}

// RebuildProjections truncates every projection and replays the event log
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	for _, stmt := range []string{
		`TRUNCATE projections.markets, projections.positions, projections.trades`,
		`DELETE FROM projections.watermark`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	const page = 1000
	next := int64(0)
	replayed := 0
	for {
		rows, err := db.QueryContext(ctx, `
			SELECT sequence, event_type, payload, timestamp
			FROM event_log.events
			WHERE sequence >= $1
			ORDER BY sequence ASC
			LIMIT $2
		`, next, page)
		if err != nil {
			return fmt.Errorf("load events: %w", err)
		}

		type row struct {
			seq       int64
			eventType string
			payload   []byte
			ts        time.Time
		}
		var batch []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.seq, &r.eventType, &r.payload, &r.ts); err != nil {
				rows.Close()
				return err
			}
			batch = append(batch, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}

		pw := &ProjectionWorker{db: db, logger: logger}
		for _, r := range batch {
			evt, err := event.Decode(r.eventType, r.payload)
			if err != nil {
				return fmt.Errorf("seq %d: %w", r.seq, err)
			}
			if err := pw.apply(ctx, r.seq, r.ts, evt); err != nil {
				return fmt.Errorf("seq %d: %w", r.seq, err)
			}
			replayed++
		}
		next = batch[len(batch)-1].seq + 1
	}

	logger.Info().Int("events", replayed).Msg("projection rebuild complete")
	return nil
}

// payloadLabel names the projection table an event lands in
func payloadLabel(payload event.Event) string {
	switch payload.(type) {
	case *event.TradePlaced:
		return "trades"
	case *event.PositionClaimed:
		return "positions"
	default:
		return "markets"
	}
}
