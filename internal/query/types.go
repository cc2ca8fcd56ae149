package query

import (
	"PredictionLedger/internal/amm"
	"PredictionLedger/internal/market"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// MarketView is the read model of one market. Amounts are decimal strings
// in collateral base units; prices are the pool-implied probabilities.
type MarketView struct {
	Address          common.Address  `json:"address"`
	Question         common.Hash     `json:"question"`
	ResolveTimestamp time.Time       `json:"resolve_timestamp"`
	Collateral       common.Address  `json:"collateral"`
	State            string          `json:"state"`
	Outcome          string          `json:"outcome,omitempty"`
	YesPool          string          `json:"yes_pool"`
	NoPool           string          `json:"no_pool"`
	TotalYes         string          `json:"total_yes"`
	TotalNo          string          `json:"total_no"`
	FeeBps           uint16          `json:"fee_bps"`
	FeeRecipient     common.Address  `json:"fee_recipient"`
	YesPrice         decimal.Decimal `json:"yes_price"`
	NoPrice          decimal.Decimal `json:"no_price"`
	AsOfSequence     int64           `json:"as_of_sequence"`
}

// NewMarketView builds a view from a consistent market snapshot
func NewMarketView(s *market.Snapshot, asOf int64) *MarketView {
	yesPrice, noPrice := amm.ImpliedPrices(s.YesPool, s.NoPool)
	v := &MarketView{
		Address:          s.Address,
		Question:         s.Question,
		ResolveTimestamp: s.ResolveTimestamp,
		Collateral:       s.Collateral,
		State:            s.State.String(),
		YesPool:          s.YesPool.Dec(),
		NoPool:           s.NoPool.Dec(),
		TotalYes:         s.TotalYes.Dec(),
		TotalNo:          s.TotalNo.Dec(),
		FeeBps:           s.FeeBps,
		FeeRecipient:     s.FeeRecipient,
		YesPrice:         yesPrice,
		NoPrice:          noPrice,
		AsOfSequence:     asOf,
	}
	if s.State == market.StateResolved {
		v.Outcome = s.Outcome.String()
	}
	return v
}

// PositionView is an account's holding in one market
type PositionView struct {
	Market       common.Address `json:"market"`
	Account      common.Address `json:"account"`
	Yes          string         `json:"yes"`
	No           string         `json:"no"`
	Claimable    string         `json:"claimable"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// QuoteView prices a prospective buy without executing it
type QuoteView struct {
	Market         common.Address  `json:"market"`
	Side           string          `json:"side"`
	AmountIn       string          `json:"amount_in"`
	Fee            string          `json:"fee"`
	AmountAfterFee string          `json:"amount_after_fee"`
	Units          string          `json:"units"`
	AvgPrice       decimal.Decimal `json:"avg_price"`
	AsOfSequence   int64           `json:"as_of_sequence"`
}

// BalanceView is a token balance of one account
type BalanceView struct {
	Asset        common.Address `json:"asset"`
	Account      common.Address `json:"account"`
	Balance      string         `json:"balance"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// MarketSummary is one row of the market listing projection
type MarketSummary struct {
	Address      string          `json:"address"`
	Question     string          `json:"question"`
	State        string          `json:"state"`
	Outcome      string          `json:"outcome,omitempty"`
	YesPool      string          `json:"yes_pool"`
	NoPool       string          `json:"no_pool"`
	YesPrice     decimal.Decimal `json:"yes_price"`
	NoPrice      decimal.Decimal `json:"no_price"`
	FeeBps       int32           `json:"fee_bps"`
	LastSequence int64           `json:"last_sequence"`
}

// TradeView is one buy from the trade history projection
type TradeView struct {
	Sequence  int64     `json:"sequence"`
	Market    string    `json:"market"`
	Trader    string    `json:"trader"`
	Side      string    `json:"side"`
	AmountIn  string    `json:"amount_in"`
	Fee       string    `json:"fee"`
	Units     string    `json:"units"`
	Timestamp time.Time `json:"timestamp"`
}

// JournalHistoryEntry is one ledger entry of a market
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}
