package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresIdempotencyChecker is the tier-2 dedup lookup against the event log
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate reports whether any event was logged for the command.
// Rejected commands produce no events and so are never duplicates.
func (pic *PostgresIdempotencyChecker) IsDuplicate(commandType string, requestID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pic.timeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.events
		WHERE command_type = $1 AND request_id = $2
		LIMIT 1
	`, commandType, requestID).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentKeys returns the newest distinct command keys, oldest first, in the
// "CommandType:requestID" form the in-memory LRU uses
func (pic *PostgresIdempotencyChecker) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT command_type, request_id FROM (
			SELECT command_type, request_id, MAX(sequence) AS seq
			FROM event_log.events
			GROUP BY command_type, request_id
			ORDER BY seq DESC
			LIMIT $1
		) recent
		ORDER BY seq ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var commandType, requestID string
		if err := rows.Scan(&commandType, &requestID); err != nil {
			return nil, err
		}
		keys = append(keys, commandType+":"+requestID)
	}
	return keys, rows.Err()
}
