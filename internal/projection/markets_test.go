package projection

import (
	"PredictionLedger/internal/event"
	"context"
	"database/sql"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedExec struct {
	query string
	args  []any
}

type recordingExecer struct {
	calls []recordedExec
}

func (r *recordingExecer) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	r.calls = append(r.calls, recordedExec{query: query, args: args})
	return nil, nil
}

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// every parameter must be referenced and every reference bound
func requireParamsBound(t *testing.T, call recordedExec) {
	t.Helper()
	seen := map[int]bool{}
	for _, m := range placeholderRe.FindAllStringSubmatch(call.query, -1) {
		n, err := strconv.Atoi(m[1])
		require.NoError(t, err)
		seen[n] = true
	}
	require.Len(t, seen, len(call.args), "query: %s", call.query)
	for i := 1; i <= len(call.args); i++ {
		assert.True(t, seen[i], "$%d unused in: %s", i, call.query)
	}
}

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

var (
	mkt    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	trader = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

func TestApplyEvent_ParametersMatchPlaceholders(t *testing.T) {
	events := []event.Event{
		&event.MarketCreated{Market: mkt, YesPool: u(1000), NoPool: u(1000), FeeBps: 100},
		&event.TradePlaced{Market: mkt, Trader: trader, Side: event.SideYes, AmountIn: u(100), Fee: u(1), Units: u(90)},
		&event.TradePlaced{Market: mkt, Trader: trader, Side: event.SideNo, AmountIn: u(50), Fee: u(0), Units: u(48)},
		&event.MarketResolved{Market: mkt, Outcome: event.OutcomeYes},
		&event.MarketCancelled{Market: mkt},
		&event.PositionClaimed{Market: mkt, Account: trader, Side: event.SideYes, Stake: u(90), Winnings: u(40), Amount: u(130)},
		&event.PositionClaimed{Market: mkt, Account: trader, Side: event.SideNo, Stake: u(48), Winnings: u(0), Amount: u(48), Refund: true},
		&event.FeeUpdated{Market: mkt, OldBps: 100, NewBps: 50},
		&event.FeeRecipientUpdated{Market: mkt, NewRecipient: trader},
	}

	for i, evt := range events {
		rec := &recordingExecer{}
		require.NoError(t, applyEvent(context.Background(), rec, int64(i), time.Unix(0, 0), evt))
		require.NotEmpty(t, rec.calls, "%s wrote nothing", evt.EventType())
		for _, call := range rec.calls {
			requireParamsBound(t, call)
		}
	}
}

func TestApplyEvent_TradeTouchesSideColumns(t *testing.T) {
	rec := &recordingExecer{}
	evt := &event.TradePlaced{Market: mkt, Trader: trader, Side: event.SideNo, AmountIn: u(100), Fee: u(2), Units: u(90)}
	require.NoError(t, applyEvent(context.Background(), rec, 7, time.Unix(0, 0), evt))
	require.Len(t, rec.calls, 3)

	assert.Contains(t, rec.calls[0].query, "yes_pool = yes_pool + $2::numeric")
	assert.Contains(t, rec.calls[0].query, "no_pool = no_pool - $3::numeric")
	assert.Contains(t, rec.calls[0].query, "total_no = total_no + $3::numeric")
	assert.Equal(t, "98", rec.calls[0].args[1], "pool grows by the amount after fee")
	assert.Contains(t, rec.calls[1].query, "no_units")
}

func TestApplyEvent_RefundLeavesPools(t *testing.T) {
	rec := &recordingExecer{}
	evt := &event.PositionClaimed{Market: mkt, Account: trader, Side: event.SideYes, Stake: u(5), Winnings: u(0), Amount: u(5), Refund: true}
	require.NoError(t, applyEvent(context.Background(), rec, 3, time.Unix(0, 0), evt))
	assert.NotContains(t, rec.calls[0].query, "_pool")
}

func TestApplyEvent_IgnoresNonProjectedEvents(t *testing.T) {
	rec := &recordingExecer{}
	require.NoError(t, applyEvent(context.Background(), rec, 1, time.Unix(0, 0),
		&event.FeeCollected{Market: mkt, Recipient: trader, Amount: u(1)}))
	assert.Empty(t, rec.calls)
}
