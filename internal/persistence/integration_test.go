package persistence_test

import (
	"PredictionLedger/internal/core"
	"PredictionLedger/internal/event"
	"PredictionLedger/internal/persistence"
	"PredictionLedger/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// persistAll runs the worker over outputs until the input closes
func persistAll(t *testing.T, pw *persistence.PersistenceWorker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, pw.Run(ctx))
}

func TestIntegration_WorkerCommitsAndForwards(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	outputs := persistence.TradeOutputs(t)

	in := make(chan core.Output, len(outputs))
	for _, o := range outputs {
		in <- o
	}
	close(in)

	outbound := make(chan *event.Envelope, len(outputs))
	pw := persistence.NewPersistenceWorker(db, in, 2, 5*time.Millisecond, nil, zerolog.Nop())
	pw.SetOutbound(outbound)
	persistAll(t, pw)

	assert.Len(t, outbound, len(outputs))

	snapMgr := persistence.NewSnapshotManager(db)
	head, err := snapMgr.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, outputs[len(outputs)-1].Envelope.Sequence, head)

	rows, err := snapMgr.LoadEventsFrom(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, rows, len(outputs))
	for i, row := range rows {
		assert.Equal(t, outputs[i].Envelope.Sequence, row.Sequence)
		assert.Equal(t, outputs[i].Envelope.RequestID, row.RequestID)
	}
}

func TestIntegration_IdempotencyLookups(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	outputs := persistence.TradeOutputs(t)

	in := make(chan core.Output, len(outputs))
	for _, o := range outputs {
		in <- o
	}
	close(in)
	persistAll(t, persistence.NewPersistenceWorker(db, in, 100, 5*time.Millisecond, nil, zerolog.Nop()))

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate("Buy", "req-5")
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = checker.IsDuplicate("Claim", "req-5")
	require.NoError(t, err)
	assert.False(t, dup)

	keys, err := checker.RecentKeys(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"Mint:req-3", "Approve:req-4", "Buy:req-5"}, keys)
}

func TestIntegration_SnapshotVerifyAgainstLog(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	outputs := persistence.TradeOutputs(t)
	last := outputs[len(outputs)-1].Envelope

	snapMgr := persistence.NewSnapshotManager(db)
	snap := &core.SnapshotState{Sequence: last.Sequence, StateHash: common.Hash(last.StateHash)}

	_, err := snapMgr.SaveSnapshot(ctx, snap, time.Now().UTC())
	require.NoError(t, err)
	// the event is not persisted yet
	require.Error(t, snapMgr.VerifySnapshot(ctx, snap))

	loaded, err := snapMgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded, "unverified snapshots are never loaded")

	in := make(chan core.Output, len(outputs))
	for _, o := range outputs {
		in <- o
	}
	close(in)
	persistAll(t, persistence.NewPersistenceWorker(db, in, 100, 5*time.Millisecond, nil, zerolog.Nop()))

	require.NoError(t, snapMgr.VerifySnapshot(ctx, snap))
	loaded, err = snapMgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snap.Sequence, loaded.Sequence)
	assert.Equal(t, snap.StateHash, loaded.StateHash)

	forged := &core.SnapshotState{Sequence: last.Sequence - 1, StateHash: common.Hash(last.StateHash)}
	_, err = snapMgr.SaveSnapshot(ctx, forged, time.Now().UTC())
	require.NoError(t, err)
	assert.ErrorIs(t, snapMgr.VerifySnapshot(ctx, forged), persistence.ErrSnapshotMismatch)
}
