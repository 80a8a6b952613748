package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"NFTLend/internal/core"
	"NFTLend/internal/event"
	"NFTLend/internal/ledger"
	"NFTLend/internal/observability"
)

// Update is the read-model change derived from one sequenced command.
type Update struct {
	Sequence   int64
	Timestamp  int64
	EntityID   string
	EntityKind string
	State      json.RawMessage
	Balances   []BalanceDelta
	Events     []event.Record
}

// BalanceDelta is the net change to one account. Debits increase.
type BalanceDelta struct {
	AccountPath string
	AssetID     int16
	Delta       int64
}

// Store applies updates to the read model.
type Store interface {
	Watermark(ctx context.Context) (int64, error)
	Apply(ctx context.Context, u Update) error
}

// Sink receives outputs after the read model is updated. Offer must not block.
type Sink interface {
	Offer(out core.CoreOutput)
}

// BuildUpdate derives the read-model change from a core output.
func BuildUpdate(out core.CoreOutput) (Update, error) {
	env := out.Envelope
	u := Update{
		Sequence:   env.Sequence,
		Timestamp:  env.Timestamp,
		EntityID:   string(env.EntityID),
		EntityKind: string(env.EntityKind),
		State:      out.State,
	}

	if len(env.Events) > 0 {
		if err := json.Unmarshal(env.Events, &u.Events); err != nil {
			return Update{}, fmt.Errorf("decode event records: %w", err)
		}
	}

	if out.Batch != nil {
		type key struct {
			path  string
			asset ledger.AssetID
		}
		net := make(map[key]int64)
		for _, j := range out.Batch.Journals {
			net[key{j.DebitAccount.AccountPath(), j.AssetID}] += j.Amount
			net[key{j.CreditAccount.AccountPath(), j.AssetID}] -= j.Amount
		}
		for k, d := range net {
			if d == 0 {
				continue
			}
			u.Balances = append(u.Balances, BalanceDelta{AccountPath: k.path, AssetID: int16(k.asset), Delta: d})
		}
		sort.Slice(u.Balances, func(i, j int) bool { return u.Balances[i].AccountPath < u.Balances[j].AccountPath })
	}
	return u, nil
}

// ProjectionWorker keeps the read model current from the projection channel.
// That channel drops under load, so a sequence gap is logged and counted;
// RebuildProjections restores exact balances from the journal.
type ProjectionWorker struct {
	store     Store
	inputChan <-chan core.CoreOutput
	sinks     []Sink
	metrics   *observability.Metrics
	log       zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(
	store Store,
	inputChan <-chan core.CoreOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	sinks ...Sink,
) *ProjectionWorker {
	return &ProjectionWorker{
		store:     store,
		inputChan: inputChan,
		sinks:     sinks,
		metrics:   metrics,
		log:       logger,
	}
}

func (pw *ProjectionWorker) Run(ctx context.Context) error {
	last, err := pw.store.Watermark(ctx)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	pw.lastSeq = last

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if out.Envelope == nil {
				continue
			}
			pw.process(ctx, out)
		}
	}
}

func (pw *ProjectionWorker) process(ctx context.Context, out core.CoreOutput) {
	seq := out.Envelope.Sequence
	if seq > pw.lastSeq {
		if pw.lastSeq > 0 && seq != pw.lastSeq+1 {
			pw.log.Warn().Int64("expected", pw.lastSeq+1).Int64("got", seq).Msg("projection gap")
			if pw.metrics != nil {
				pw.metrics.ProjectionDrops.WithLabelValues("gap").Inc()
			}
		}
		pw.apply(ctx, out)
		pw.lastSeq = seq
	}

	// Replayed outputs already reached subscribers before the restart.
	if out.Replayed {
		return
	}
	for _, s := range pw.sinks {
		s.Offer(out)
	}
}

func (pw *ProjectionWorker) apply(ctx context.Context, out core.CoreOutput) {
	start := time.Now()
	u, err := BuildUpdate(out)
	if err == nil {
		err = pw.store.Apply(ctx, u)
	}
	if err != nil {
		pw.log.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("projection update failed")
		return
	}
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(string(out.Kind)).Observe(time.Since(start).Seconds())
	}
}
