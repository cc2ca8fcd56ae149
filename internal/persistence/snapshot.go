package persistence

import (
	"PredictionLedger/internal/core"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrSnapshotMismatch means a snapshot's state hash disagrees with the event
// log at the same sequence
var ErrSnapshotMismatch = errors.New("snapshot state hash does not match event log")

const snapshotFormatVersion = 1 // v1: JSON-encoded core.SnapshotState

// SnapshotManager saves and loads engine snapshots for recovery
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists an unverified snapshot and returns its encoded size
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState, createdAt time.Time) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6, verified = FALSE
	`, uuid.New(), snap.Sequence, data, snap.StateHash.Bytes(), snapshotFormatVersion, len(data), createdAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// VerifySnapshot marks a snapshot verified once the event at its sequence is
// in the log with the same state hash. A snapshot taken before any event is
// verified trivially.
func (sm *SnapshotManager) VerifySnapshot(ctx context.Context, snap *core.SnapshotState) error {
	if snap.Sequence >= 0 {
		var logged []byte
		err := sm.db.QueryRowContext(ctx,
			`SELECT state_hash FROM event_log.events WHERE sequence = $1`, snap.Sequence,
		).Scan(&logged)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("verify snapshot %d: event not persisted", snap.Sequence)
		}
		if err != nil {
			return fmt.Errorf("verify snapshot %d: %w", snap.Sequence, err)
		}
		if !bytes.Equal(logged, snap.StateHash.Bytes()) {
			return fmt.Errorf("verify snapshot %d: %w", snap.Sequence, ErrSnapshotMismatch)
		}
	}

	_, err := sm.db.ExecContext(ctx,
		`UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1`, snap.Sequence)
	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. It returns
// nil, nil on a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	var (
		data    []byte
		version int32
	)
	err := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormatVersion {
		return nil, fmt.Errorf("load snapshot: unsupported format version %d", version)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LoadEventsFrom loads events from a given sequence, used to rebuild
// projections and to audit the hash chain
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, request_id, command_type, event_type, market, payload,
		       state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.RequestID, &e.CommandType, &e.EventType, &e.Market, &e.Payload,
			&e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or -1
// when the log is empty
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
