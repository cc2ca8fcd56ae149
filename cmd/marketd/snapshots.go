package main

import (
	"PredictionLedger/internal/core"
	"PredictionLedger/internal/observability"
	"PredictionLedger/internal/persistence"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// snapshotStore is the part of persistence.SnapshotManager the helpers use
type snapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *core.SnapshotState, createdAt time.Time) (int, error)
	VerifySnapshot(ctx context.Context, snap *core.SnapshotState) error
}

// snapshotSource is normally *core.Engine
type snapshotSource interface {
	GetSequence() int64
	CreateSnapshotState() *core.SnapshotState
}

// runPeriodicSnapshots checks every tick whether interval sequences have
// passed since the last snapshot and takes one if so
func runPeriodicSnapshots(ctx context.Context, src snapshotSource, store snapshotStore,
	interval int64, tick time.Duration, metrics *observability.Metrics, logger zerolog.Logger) {
	if interval <= 0 {
		interval = 100_000
	}
	if tick <= 0 {
		tick = 10 * time.Second
	}

	last := src.GetSequence()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := src.GetSequence()
			if current-last < interval {
				continue
			}
			snap := src.CreateSnapshotState()
			if err := saveSnapshot(ctx, store, snap, metrics); err != nil {
				logger.Warn().Err(err).Int64("sequence", snap.Sequence).Msg("periodic snapshot failed")
				continue
			}
			last = current
			logger.Info().Int64("sequence", snap.Sequence).Msg("periodic snapshot")
		}
	}
}

// saveSnapshot stores snap and marks it verified once the event log has
// caught up with it. A mismatched state hash is never retried.
func saveSnapshot(ctx context.Context, store snapshotStore, snap *core.SnapshotState, metrics *observability.Metrics) error {
	start := time.Now()

	size, err := store.SaveSnapshot(ctx, snap, start.UTC())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	backoff := 50 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err = store.VerifySnapshot(ctx, snap)
		if err == nil || errors.Is(err, persistence.ErrSnapshotMismatch) || attempt == 5 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if err != nil {
		return err
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return nil
}
