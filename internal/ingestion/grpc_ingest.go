package ingestion

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"NFTLend/internal/core"
	"NFTLend/internal/event"
	"NFTLend/internal/observability"
	"NFTLend/internal/types"
)

// DirectIngest submits commands that arrive over gRPC or HTTP. Unlike NATS
// these callers wait for the receipt and see protocol errors directly.
type DirectIngest struct {
	submitter Submitter
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewDirectIngest(submitter Submitter, metrics *observability.Metrics, logger zerolog.Logger) *DirectIngest {
	return &DirectIngest{submitter: submitter, metrics: metrics, log: logger}
}

// Submit parses a wire payload and applies it.
func (d *DirectIngest) Submit(ctx context.Context, surface string, mt event.MessageType, data []byte, route Route) (core.Receipt, error) {
	start := time.Now()
	if d.metrics != nil {
		d.metrics.IngestReceived.WithLabelValues(surface, string(mt)).Inc()
	}

	cmd, err := ParseCommand(mt, data, route)
	if err != nil {
		if d.metrics != nil {
			d.metrics.IngestErrors.WithLabelValues(surface, "parse").Inc()
		}
		return core.Receipt{}, err
	}

	rcpt, err := d.submitter.Submit(ctx, cmd)
	if err != nil {
		d.log.Info().Err(err).Str("surface", surface).Str("message_type", string(mt)).Msg("rejected")
		return rcpt, err
	}
	if d.metrics != nil {
		d.metrics.IngestToApply.WithLabelValues(surface).Observe(time.Since(start).Seconds())
	}
	return rcpt, nil
}

// InjectOraclePrice is the operator's manual price path: a SetOraclePrice
// on a loan with a fresh message id.
func (d *DirectIngest) InjectOraclePrice(ctx context.Context, loan types.EntityID, sender types.Address, price, updatedAt, sentAt int64) (core.Receipt, error) {
	if _, ok := types.EntityOf(sender); ok {
		return core.Receipt{}, ErrInternalOnly.With("sender %s is an entity identity", sender)
	}
	cmd := &event.SetOraclePrice{
		Header:    event.Header{MessageID: uuid.New(), Entity: loan, Sender: sender, SentAt: sentAt},
		Price:     price,
		UpdatedAt: updatedAt,
	}
	if d.metrics != nil {
		d.metrics.IngestReceived.WithLabelValues("admin", string(cmd.MessageType())).Inc()
	}
	return d.submitter.Submit(ctx, cmd)
}
