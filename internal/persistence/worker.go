package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"NFTLend/internal/core"
	"NFTLend/internal/observability"
)

// BatchStore is the write side the worker flushes to.
type BatchStore interface {
	WriteEventBatch(ctx context.Context, events []EventRow) error
	WriteJournalBatch(ctx context.Context, journals []JournalRow) error
}

// PostgresStore writes events through database/sql and journals over COPY.
type PostgresStore struct {
	events   *EventLogWriter
	journals *JournalWriter
}

func NewPostgresStore(db *sql.DB, pool *pgxpool.Pool) PostgresStore {
	return PostgresStore{events: NewEventLogWriter(db), journals: NewJournalWriter(pool)}
}

func (s PostgresStore) WriteEventBatch(ctx context.Context, events []EventRow) error {
	return s.events.WriteEventBatch(ctx, events)
}

func (s PostgresStore) WriteJournalBatch(ctx context.Context, journals []JournalRow) error {
	return s.journals.WriteJournalBatch(ctx, journals)
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends on that channel with a blocking send, so a slow worker
// stalls sequencing instead of losing envelopes.
type PersistenceWorker struct {
	store        BatchStore
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewPersistenceWorker(
	store BatchStore,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		store:        store,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          logger,
	}
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. It returns once the input channel is closed and the
// tail is written, or when ctx is cancelled.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	events := make([]EventRow, 0, pw.batchSize)
	journals := make([]JournalRow, 0, pw.batchSize*4)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context, reason string) {
		if len(events) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, events, journals); err != nil {
			pw.log.Error().Err(err).Str("reason", reason).Int("events", len(events)).
				Msg("persistence flush failed")
		}
		events = events[:0]
		journals = journals[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background(), "shutdown")
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background(), "closed")
				return nil
			}
			if out.Replayed || out.Envelope == nil {
				continue
			}

			row, js := RowsFromOutput(out)
			events = append(events, row)
			journals = append(journals, js...)

			if len(events) >= pw.batchSize {
				flush(ctx, "full")
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx, "timeout")
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// On shutdown it makes one last attempt with a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.log.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(events)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), events, journals); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}

		err := pw.flush(ctx, events, journals)
		if err == nil {
			if attempt > 0 {
				pw.log.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		pw.log.Debug().Err(err).Msg("persistence flush error")
	}
}

// flush writes events before journals. Both writes skip rows that already
// exist, so a retry after a partial failure converges.
func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow, journals []JournalRow) error {
	start := time.Now()

	if err := pw.store.WriteEventBatch(ctx, events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.store.WriteJournalBatch(ctx, journals); err != nil {
		pw.countError("write_journals")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
	}
	return nil
}

func (pw *PersistenceWorker) countError(op string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(op).Inc()
	}
}
