package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeMarketFunding JournalType = iota
	JournalTypeTradeCollateral
	JournalTypeTradeUnits
	JournalTypeTradeFee
	JournalTypeClaimStake
	JournalTypeClaimWinnings
	JournalTypeRefund
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeMarketFunding:
		return "market_funding"
	case JournalTypeTradeCollateral:
		return "trade_collateral"
	case JournalTypeTradeUnits:
		return "trade_units"
	case JournalTypeTradeFee:
		return "trade_fee"
	case JournalTypeClaimStake:
		return "claim_stake"
	case JournalTypeClaimWinnings:
		return "claim_winnings"
	case JournalTypeRefund:
		return "refund"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID      // Unique identifier
	BatchID       uuid.UUID      // Groups balanced entries
	EventRef      string         // Idempotency key of source command
	Sequence      int64          // Global event sequence
	Market        common.Address // Market the entry belongs to
	DebitAccount  AccountKey     // Account receiving debit (balance increases)
	CreditAccount AccountKey     // Account receiving credit (balance decreases)
	Amount        *uint256.Int   // Collateral units (ALWAYS positive)
	JournalType   JournalType    // Entry type
	Timestamp     int64          // Versioned input timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount from its credit account to its debit account, so every entry is
// balanced on its own and so is any batch of them.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Market != j.Market || j.CreditAccount.Market != j.Market {
			return fmt.Errorf("journal %s crosses markets", j.JournalID)
		}
	}

	return nil
}

// SetSequence stamps the global sequence on the batch and its journals
func (b *Batch) SetSequence(seq int64) {
	b.Sequence = seq
	for i := range b.Journals {
		b.Journals[i].Sequence = seq
	}
}
