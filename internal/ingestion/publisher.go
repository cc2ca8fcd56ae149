package ingestion

import (
	"PredictionLedger/internal/event"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	EventStream   = "MARKET_EVENTS"
	EventSubjects = "market.events.>"
)

// publisher is the subset of jetstream.JetStream the outbound side uses
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed events to NATS for downstream
// consumers. Envelopes arrive only after persistence has committed them.
// Subjects follow market.events.{event_type}.{market}; events outside any
// market use "global" as the last token.
type OutboundPublisher struct {
	js        publisher
	inputChan <-chan *event.Envelope
	logger    zerolog.Logger
}

// PublishableEvent is the outbound wire form of an envelope
type PublishableEvent struct {
	Sequence    int64           `json:"sequence"`
	RequestID   string          `json:"request_id"`
	CommandType string          `json:"command_type"`
	EventType   string          `json:"event_type"`
	Market      *string         `json:"market,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	StateHash   string          `json:"state_hash"`
	PrevHash    string          `json:"prev_hash"`
	Timestamp   time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan *event.Envelope, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, env); err != nil {
				// downstream consumers can read the event log directly
				op.logger.Warn().Err(err).Int64("seq", env.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, env *event.Envelope) error {
	data, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	// the sequence doubles as the JetStream dedup id
	_, err = op.js.Publish(ctx, EventSubject(env), data,
		jetstream.WithMsgID(strconv.FormatInt(env.Sequence, 10)))
	return err
}

// EventSubject is the subject an envelope is published on
func EventSubject(env *event.Envelope) string {
	tail := "global"
	if env.Market != (common.Address{}) {
		tail = env.Market.Hex()
	}
	return fmt.Sprintf("market.events.%s.%s", env.EventType, tail)
}

// EncodeEnvelope renders an envelope in its outbound JSON form
func EncodeEnvelope(env *event.Envelope) ([]byte, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	out := PublishableEvent{
		Sequence:    env.Sequence,
		RequestID:   env.RequestID,
		CommandType: env.CommandType,
		EventType:   env.EventType.String(),
		Payload:     payload,
		StateHash:   hex.EncodeToString(env.StateHash[:]),
		PrevHash:    hex.EncodeToString(env.PrevHash[:]),
		Timestamp:   env.Timestamp,
	}
	if env.Market != (common.Address{}) {
		m := env.Market.Hex()
		out.Market = &m
	}
	return json.Marshal(out)
}
