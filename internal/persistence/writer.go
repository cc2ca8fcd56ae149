package persistence

import (
	"PredictionLedger/internal/event"
	"PredictionLedger/internal/ledger"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// execer is satisfied by both *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes events and journals to Postgres using multi-row
// INSERTs. Writes are idempotent on the primary keys so a retried batch is
// harmless.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence    int64
	RequestID   string
	CommandType string
	EventType   string
	Market      *string // hex address; nil for mint/approve
	Payload     []byte  // JSON-encoded event payload
	StateHash   []byte
	PrevHash    []byte
	Timestamp   time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	Market        string
	DebitAccount  string
	CreditAccount string
	Amount        string // NUMERIC(78,0)
	JournalType   string
	Timestamp     int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowsFromOutput converts one sequenced envelope and its batch into rows
func RowsFromOutput(env *event.Envelope, batch *ledger.Batch) (EventRow, []JournalRow, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return EventRow{}, nil, fmt.Errorf("marshal %s payload: %w", env.EventType, err)
	}

	row := EventRow{
		Sequence:    env.Sequence,
		RequestID:   env.RequestID,
		CommandType: env.CommandType,
		EventType:   env.EventType.String(),
		Payload:     payload,
		StateHash:   env.StateHash[:],
		PrevHash:    env.PrevHash[:],
		Timestamp:   env.Timestamp,
	}
	if env.Market != (common.Address{}) {
		hex := env.Market.Hex()
		row.Market = &hex
	}

	if batch == nil {
		return row, nil, nil
	}

	journals := make([]JournalRow, 0, len(batch.Journals))
	for _, j := range batch.Journals {
		journals = append(journals, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      env.Sequence,
			Market:        j.Market.Hex(),
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Amount:        j.Amount.Dec(),
			JournalType:   j.JournalType.String(),
			Timestamp:     j.Timestamp,
		})
	}
	return row, journals, nil
}

// WriteEventBatch writes a batch of events to event_log.events
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, x execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, request_id, command_type, event_type, market, payload, state_hash, prev_hash, timestamp)
		VALUES `

	const cols = 9
	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*cols)

	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.RequestID, e.CommandType, e.EventType, e.Market,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := x.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, x execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, market, debit_account, credit_account, amount, journal_type, timestamp)
		VALUES `

	const cols = 10
	values := make([]string, 0, len(journals))
	args := make([]any, 0, len(journals)*cols)

	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence, j.Market,
			j.DebitAccount, j.CreditAccount, j.Amount, j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := x.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)"
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}
