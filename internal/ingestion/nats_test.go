package ingestion

import (
	"PredictionLedger/internal/core"
	"PredictionLedger/internal/event"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMsg overrides what the subscriber touches; anything else panics
type fakeMsg struct {
	jetstream.Msg
	subject string
	data    []byte
	acked   bool
	naked   bool
	termed  bool
}

func (m *fakeMsg) Subject() string { return m.subject }
func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Ack() error      { m.acked = true; return nil }
func (m *fakeMsg) Nak() error      { m.naked = true; return nil }
func (m *fakeMsg) Term() error     { m.termed = true; return nil }

type fakeExecutor struct {
	got []*core.Command
	res *core.Result
	err error
}

func (f *fakeExecutor) Execute(_ context.Context, cmd *core.Command) (*core.Result, error) {
	f.got = append(f.got, cmd)
	return f.res, f.err
}

func claimMsg() *fakeMsg {
	return &fakeMsg{
		subject: CommandSubject("Claim"),
		data:    []byte(`{"request_id":"r-1","caller":"0x00000000000000000000000000000000000000c1","market":"0x00000000000000000000000000000000000000a1"}`),
	}
}

func TestSubscriber_AppliedCommandIsAcked(t *testing.T) {
	exec := &fakeExecutor{res: &core.Result{Sequence: 4}}
	cs := NewCommandSubscriber(nil, exec, "", nil, zerolog.Nop())

	msg := claimMsg()
	cs.handle(context.Background(), msg)

	require.Len(t, exec.got, 1)
	assert.Equal(t, core.CommandClaim, exec.got[0].Type)
	assert.Equal(t, "r-1", exec.got[0].RequestID)
	assert.True(t, msg.acked)
}

func TestSubscriber_RejectionIsAckedNotRetried(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("NO_POSITION")}
	cs := NewCommandSubscriber(nil, exec, "", nil, zerolog.Nop())

	msg := claimMsg()
	cs.handle(context.Background(), msg)

	assert.True(t, msg.acked)
	assert.False(t, msg.naked)
}

func TestSubscriber_CancelledContextNaks(t *testing.T) {
	exec := &fakeExecutor{err: context.Canceled}
	cs := NewCommandSubscriber(nil, exec, "", nil, zerolog.Nop())

	msg := claimMsg()
	cs.handle(context.Background(), msg)

	assert.True(t, msg.naked)
	assert.False(t, msg.acked)
}

func TestSubscriber_MalformedIsTerminated(t *testing.T) {
	exec := &fakeExecutor{}
	cs := NewCommandSubscriber(nil, exec, "", nil, zerolog.Nop())

	msg := &fakeMsg{subject: CommandSubject("Buy"), data: []byte(`{"request_id":"r-2"}`)}
	cs.handle(context.Background(), msg)

	assert.True(t, msg.termed)
	assert.Empty(t, exec.got, "malformed commands never reach the core")
}

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	out []published
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.out = append(f.out, published{subject: subject, data: data})
	return &jetstream.PubAck{}, nil
}

func TestPublisher_SubjectsAndPayload(t *testing.T) {
	mkt := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	trader := common.HexToAddress("0x00000000000000000000000000000000000000b1")

	in := make(chan *event.Envelope, 2)
	in <- &event.Envelope{
		Sequence:    9,
		RequestID:   "r-9",
		CommandType: "Buy",
		EventType:   event.EventTypeTradePlaced,
		Market:      mkt,
		Timestamp:   time.Unix(100, 0).UTC(),
		Payload: &event.TradePlaced{Market: mkt, Trader: trader, Side: event.SideYes,
			AmountIn: uint256.NewInt(100), Fee: uint256.NewInt(0), Units: uint256.NewInt(91)},
		StateHash: [32]byte{1},
	}
	in <- &event.Envelope{
		Sequence:  10,
		EventType: event.EventTypeCollateralMinted,
		Payload:   &event.CollateralMinted{To: trader, Amount: uint256.NewInt(5)},
	}
	close(in)

	fp := &fakePublisher{}
	op := &OutboundPublisher{js: fp, inputChan: in, logger: zerolog.Nop()}
	require.NoError(t, op.Run(context.Background()))

	require.Len(t, fp.out, 2)
	assert.Equal(t, "market.events.TradePlaced."+mkt.Hex(), fp.out[0].subject)
	assert.Equal(t, "market.events.CollateralMinted.global", fp.out[1].subject)

	var got PublishableEvent
	require.NoError(t, json.Unmarshal(fp.out[0].data, &got))
	assert.Equal(t, int64(9), got.Sequence)
	assert.Equal(t, "r-9", got.RequestID)
	assert.Equal(t, "TradePlaced", got.EventType)
	require.NotNil(t, got.Market)
	assert.Equal(t, mkt.Hex(), *got.Market)
	assert.Equal(t, "01"+strings.Repeat("0", 62), got.StateHash)

	evt, err := event.Decode(got.EventType, got.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(91), evt.(*event.TradePlaced).Units.Uint64())
}
