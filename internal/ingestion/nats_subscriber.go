package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"NFTLend/internal/core"
	"NFTLend/internal/event"
	"NFTLend/internal/failure"
	"NFTLend/internal/observability"
	"NFTLend/internal/types"
)

const (
	CommandStream = "NFTLEND_COMMANDS"
	EventStream   = "NFTLEND_EVENTS"

	commandPrefix = "nftlend.commands"
	eventPrefix   = "nftlend.events"
)

// Submitter is the engine surface the ingestion paths drive.
type Submitter interface {
	Submit(ctx context.Context, cmd event.Command) (core.Receipt, error)
}

// CommandSubject is nftlend.commands.{kind}.{entity}.{message_type}.
func CommandSubject(kind types.EntityKind, entity types.EntityID, mt event.MessageType) string {
	return fmt.Sprintf("%s.%s.%s.%s", commandPrefix, kind, entity, mt)
}

// ParseCommandSubject splits a command subject into its entity and type.
func ParseCommandSubject(subject string) (types.EntityID, event.MessageType, error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 5 || parts[0]+"."+parts[1] != commandPrefix {
		return "", "", fmt.Errorf("%w: bad subject %q", ErrMalformed, subject)
	}
	if !types.EntityKind(parts[2]).Valid() {
		return "", "", fmt.Errorf("%w: unknown entity kind %q", ErrMalformed, parts[2])
	}
	return types.EntityID(parts[3]), event.MessageType(parts[4]), nil
}

// NATSSubscriber consumes commands from JetStream, one durable consumer per
// entity kind. A consumer's callback runs serially, so commands for one
// entity are submitted in stream order.
type NATSSubscriber struct {
	js        jetstream.JetStream
	submitter Submitter
	metrics   *observability.Metrics
	log       zerolog.Logger
	consumers []jetstream.ConsumeContext
}

func NewNATSSubscriber(js jetstream.JetStream, submitter Submitter, metrics *observability.Metrics, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{js: js, submitter: submitter, metrics: metrics, log: logger}
}

// Subscribe creates explicit-ack consumers for every entity kind.
func (ns *NATSSubscriber) Subscribe(ctx context.Context) error {
	for _, kind := range types.AllKinds {
		name := "nftlend-" + string(kind)
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
			Durable:       name,
			FilterSubject: fmt.Sprintf("%s.%s.>", commandPrefix, kind),
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", name, err)
		}

		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			ns.handle(ctx, msg)
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", name, err)
		}
		ns.consumers = append(ns.consumers, cc)
		ns.log.Info().Str("consumer", name).Msg("subscribed")
	}
	return nil
}

// Outcome is how a delivered message is acknowledged.
type Outcome int

const (
	Ack  Outcome = iota // applied, duplicate or rejected by the protocol
	Nak                 // transient, redeliver
	Term                // malformed, never redeliver
)

func (ns *NATSSubscriber) handle(ctx context.Context, msg jetstream.Msg) {
	switch ns.Process(ctx, msg.Subject(), msg.Data()) {
	case Ack:
		_ = msg.Ack()
	case Nak:
		_ = msg.NakWithDelay(time.Second)
	case Term:
		_ = msg.Term()
	}
}

// Process parses and submits one message and classifies the result.
func (ns *NATSSubscriber) Process(ctx context.Context, subject string, data []byte) Outcome {
	start := time.Now()
	entity, mt, err := ParseCommandSubject(subject)
	if err != nil {
		ns.countError("subject")
		ns.log.Warn().Err(err).Msg("dropping message")
		return Term
	}
	if ns.metrics != nil {
		ns.metrics.IngestReceived.WithLabelValues("nats", string(mt)).Inc()
	}

	cmd, err := ParseCommand(mt, data, Route{Entity: entity})
	if err != nil {
		ns.countError("parse")
		ns.log.Warn().Err(err).Str("subject", subject).Msg("dropping message")
		return Term
	}

	rcpt, err := ns.submitter.Submit(ctx, cmd)
	switch {
	case err == nil:
		if ns.metrics != nil {
			ns.metrics.IngestToApply.WithLabelValues("nats").Observe(time.Since(start).Seconds())
		}
		ns.log.Debug().Str("message_type", string(mt)).Int64("sequence", rcpt.Sequence).
			Bool("duplicate", rcpt.Duplicate).Msg("applied")
		return Ack
	case failure.KindOf(err) != 0:
		ns.log.Info().Err(err).Str("message_type", string(mt)).Str("entity", string(entity)).Msg("rejected")
		return Ack
	case errors.Is(err, core.ErrUnknownEntity), errors.Is(err, core.ErrInvalidCommand):
		ns.countError("invalid")
		ns.log.Warn().Err(err).Str("subject", subject).Msg("dropping message")
		return Term
	default:
		ns.countError("transient")
		ns.log.Warn().Err(err).Str("subject", subject).Msg("redelivering")
		return Nak
	}
}

func (ns *NATSSubscriber) countError(reason string) {
	if ns.metrics != nil {
		ns.metrics.IngestErrors.WithLabelValues("nats", reason).Inc()
	}
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// EnsureStreams creates the command and event streams.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      CommandStream,
			Subjects:  []string{commandPrefix + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      EventStream,
			Subjects:  []string{eventPrefix + ".>"},
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
		nats.Name("nftlend"),
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
