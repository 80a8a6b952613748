package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"NFTLend/internal/core"
	"NFTLend/internal/event"
	"NFTLend/internal/observability"
)

// Publisher is the slice of jetstream.JetStream the outbound path uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// PublishedEvent is the outbound wire form of one emitted event.
type PublishedEvent struct {
	Sequence       int64           `json:"sequence"`
	Ordinal        int             `json:"ordinal"`
	EventType      event.EventType `json:"event_type"`
	Entity         string          `json:"entity"`
	IdempotencyKey string          `json:"idempotency_key"`
	Timestamp      int64           `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
}

// EventSubject is nftlend.events.{event_type}.{entity}.
func EventSubject(et event.EventType, entity string) string {
	return fmt.Sprintf("%s.%s.%s", eventPrefix, et, entity)
}

// OutboundPublisher fans emitted events out to NATS. Offer never blocks the
// projection worker; when the buffer is full the output is dropped and
// consumers fall back to the event log.
type OutboundPublisher struct {
	js      Publisher
	queue   chan core.CoreOutput
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewOutboundPublisher(js Publisher, buffer int, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:      js,
		queue:   make(chan core.CoreOutput, buffer),
		metrics: metrics,
		log:     logger,
	}
}

func (op *OutboundPublisher) Offer(out core.CoreOutput) {
	select {
	case op.queue <- out:
	default:
		if op.metrics != nil {
			op.metrics.PublishDrops.Inc()
		}
	}
}

func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out := <-op.queue:
			if err := op.publish(ctx, out); err != nil {
				op.log.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.CoreOutput) error {
	env := out.Envelope
	var records []event.Record
	if err := json.Unmarshal(env.Events, &records); err != nil {
		return fmt.Errorf("decode event records: %w", err)
	}

	for i, r := range records {
		data, err := json.Marshal(PublishedEvent{
			Sequence:       env.Sequence,
			Ordinal:        i,
			EventType:      r.Type,
			Entity:         string(r.Entity),
			IdempotencyKey: env.IdempotencyKey,
			Timestamp:      env.Timestamp,
			Payload:        r.Payload,
		})
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		// The message id lets JetStream drop republished duplicates.
		msgID := fmt.Sprintf("%d-%d", env.Sequence, i)
		if _, err := op.js.Publish(ctx, EventSubject(r.Type, string(r.Entity)), data, jetstream.WithMsgID(msgID)); err != nil {
			return err
		}
	}
	return nil
}
