package ingestion

import (
	"PredictionLedger/internal/core"
	"PredictionLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream   = "MARKET_COMMANDS"
	CommandSubjects = "market.commands.>"
	commandPrefix   = "market.commands."
)

// Executor runs one command against the ledger core
type Executor interface {
	Execute(ctx context.Context, cmd *core.Command) (*core.Result, error)
}

// CommandSubscriber consumes commands from NATS JetStream and feeds them to
// the core. Each op has its own subject, market.commands.<op>, under a
// single durable consumer so commands reach the core in stream order.
type CommandSubscriber struct {
	js       jetstream.JetStream
	executor Executor
	metrics  *observability.Metrics
	logger   zerolog.Logger
	durable  string
	consumer jetstream.ConsumeContext
}

func NewCommandSubscriber(js jetstream.JetStream, executor Executor, durable string,
	metrics *observability.Metrics, logger zerolog.Logger) *CommandSubscriber {
	if durable == "" {
		durable = "ledger-commands"
	}
	return &CommandSubscriber{
		js:       js,
		executor: executor,
		metrics:  metrics,
		logger:   logger,
		durable:  durable,
	}
}

// CommandSubject is the subject a producer publishes op on
func CommandSubject(op string) string {
	return commandPrefix + op
}

// Subscribe creates the durable consumer and starts delivering.
// Explicit ACK, max_deliver=5, ack_wait=30s.
func (cs *CommandSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := cs.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
		Durable:       cs.durable,
		FilterSubject: CommandSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", cs.durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		cs.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", cs.durable, err)
	}
	cs.consumer = cc
	cs.logger.Info().Str("subject", CommandSubjects).Str("consumer", cs.durable).Msg("subscribed")
	return nil
}

func (cs *CommandSubscriber) handle(ctx context.Context, msg jetstream.Msg) {
	start := time.Now()
	op := strings.TrimPrefix(msg.Subject(), commandPrefix)

	cmd, err := ParseCommand(msg.Data(), op, start.UTC())
	if err != nil {
		// redelivery cannot fix a malformed payload
		result := "malformed"
		if !errors.Is(err, ErrMalformedCommand) {
			result = "rejected"
		}
		cs.logger.Warn().Err(err).Str("subject", msg.Subject()).Str("code", core.ErrorCode(err)).Msg("dropping unparseable command")
		cs.record(op, result, start)
		_ = msg.Term()
		return
	}

	res, err := cs.executor.Execute(ctx, cmd)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		cs.record(op, "retry", start)
		_ = msg.Nak()
		return
	case err != nil:
		// rejections are deterministic; the core already logged the code
		cs.record(op, "rejected", start)
	case res.Duplicate:
		cs.record(op, "duplicate", start)
	default:
		cs.record(op, "applied", start)
	}

	if err := msg.Ack(); err != nil {
		cs.logger.Warn().Err(err).Str("request_id", cmd.RequestID).Msg("ack failed")
	}
}

func (cs *CommandSubscriber) record(op, result string, start time.Time) {
	if cs.metrics == nil {
		return
	}
	cs.metrics.IngestMessages.WithLabelValues(op, result).Inc()
	cs.metrics.IngestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Stop stops delivery; in-flight handlers finish first
func (cs *CommandSubscriber) Stop() {
	if cs.consumer != nil {
		cs.consumer.Stop()
	}
	cs.logger.Info().Msg("NATS command subscriber stopped")
}

// EnsureStreams creates the command and event streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      CommandStream,
			Subjects:  []string{CommandSubjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      EventStream,
			Subjects:  []string{EventSubjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("marketd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
