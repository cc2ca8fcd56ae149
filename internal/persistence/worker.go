package persistence

import (
	"PredictionLedger/internal/core"
	"PredictionLedger/internal/event"
	"PredictionLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine sends on the persist channel with BLOCKING sends, so if this
// worker falls behind the engine stalls and no event is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan core.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	// committed envelopes are forwarded here for outbound publishing
	outbound chan<- *event.Envelope
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// SetOutbound forwards every envelope to ch once its batch has committed.
// Sends never block; a full channel drops the envelope.
func (pw *PersistenceWorker) SetOutbound(ch chan<- *event.Envelope) {
	pw.outbound = ch
}

// Run starts the persistence worker loop. It batches incoming outputs
// and flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled or the input channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	eventBatch := make([]EventRow, 0, pw.batchSize)
	journalBatch := make([]JournalRow, 0, pw.batchSize*2)
	var committed []*event.Envelope

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context, reason string) {
		if len(eventBatch) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, eventBatch, journalBatch); err != nil {
			pw.logger.Error().Err(err).Str("reason", reason).Int("events", len(eventBatch)).Msg("batch flush failed")
		} else {
			pw.forward(committed)
		}
		eventBatch = eventBatch[:0]
		journalBatch = journalBatch[:0]
		committed = committed[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: drain what the engine already handed over
		drain:
			for {
				select {
				case output, ok := <-pw.inputChan:
					if !ok {
						break drain
					}
					pw.append(output, &eventBatch, &journalBatch)
					committed = append(committed, output.Envelope)
				default:
					break drain
				}
			}
			flush(context.Background(), "shutdown")
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background(), "closed")
				return nil
			}

			pw.append(output, &eventBatch, &journalBatch)
			committed = append(committed, output.Envelope)
			if len(eventBatch) >= pw.batchSize {
				flush(ctx, "full")
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx, "timeout")
			timer.Reset(pw.flushTimeout)
		}
	}
}

func (pw *PersistenceWorker) append(output core.Output, events *[]EventRow, journals *[]JournalRow) {
	row, rows, err := RowsFromOutput(output.Envelope, output.Batch)
	if err != nil {
		// Payloads are plain structs; this only fires on a programming error
		panic(fmt.Sprintf("FATAL: seq %d: %v", output.Envelope.Sequence, err))
	}
	*events = append(*events, row)
	*journals = append(*journals, rows...)
}

// flushWithRetry retries with exponential backoff. The worker never drops
// events: it retries until the write succeeds or the context is cancelled,
// and then makes one last attempt with a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(events)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), events, journals); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, events, journals)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow, journals []JournalRow) error {
	start := time.Now()

	// Events and journals commit together
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.recordError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.recordError("write_events")
		return err
	}

	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.recordError("write_journals")
		return err
	}

	if err := tx.Commit(); err != nil {
		pw.recordError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
	}

	return nil
}

func (pw *PersistenceWorker) forward(envs []*event.Envelope) {
	if pw.outbound == nil {
		return
	}
	for _, env := range envs {
		select {
		case pw.outbound <- env:
		default:
			if pw.metrics != nil {
				pw.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (pw *PersistenceWorker) recordError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
