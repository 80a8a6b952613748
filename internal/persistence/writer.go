package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"NFTLend/internal/core"
	"NFTLend/internal/event"
	"NFTLend/internal/types"
)

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	IdempotencyKey string
	MessageType    string
	EntityID       string
	EntityKind     string
	Sender         string
	Timestamp      int64  // versioned input time, epoch seconds
	Payload        []byte // JSON-encoded command
	Events         []byte // JSON-encoded event records
	StateHash      []byte
	PrevHash       []byte
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       int16
	Amount        int64
	JournalType   string
	Timestamp     int64
}

const eventColumns = 11

// RowsFromOutput flattens one core output into its event row and journal rows.
func RowsFromOutput(out core.CoreOutput) (EventRow, []JournalRow) {
	env := out.Envelope
	row := EventRow{
		Sequence:       env.Sequence,
		IdempotencyKey: env.IdempotencyKey,
		MessageType:    string(env.MessageType),
		EntityID:       string(env.EntityID),
		EntityKind:     string(env.EntityKind),
		Sender:         string(env.Sender),
		Timestamp:      env.Timestamp,
		Payload:        env.Payload,
		Events:         env.Events,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
	}
	if out.Batch == nil {
		return row, nil
	}

	journals := make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		journals = append(journals, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			AssetID:       int16(j.AssetID),
			Amount:        j.Amount,
			JournalType:   j.JournalType.String(),
			Timestamp:     j.Timestamp,
		})
	}
	return row, journals
}

// EnvelopeFromRow is the inverse of RowsFromOutput for the event row.
func EnvelopeFromRow(r EventRow) (*event.Envelope, error) {
	env := &event.Envelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		MessageType:    event.MessageType(r.MessageType),
		EntityID:       types.EntityID(r.EntityID),
		EntityKind:     types.EntityKind(r.EntityKind),
		Sender:         types.Address(r.Sender),
		Timestamp:      r.Timestamp,
		Payload:        r.Payload,
		Events:         r.Events,
	}
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, fmt.Errorf("sequence %d: hash columns must be 32 bytes", r.Sequence)
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}

// EventLogWriter appends envelopes to event_log.events with multi-row INSERT.
// Writes are idempotent on sequence so a retried batch is harmless.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes events inside a single transaction.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin events tx: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO event_log.events
		(sequence, idempotency_key, message_type, entity_id, entity_kind, sender,
		 timestamp, payload, events, state_hash, prev_hash)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*eventColumns)
	for i, e := range events {
		base := i * eventColumns
		placeholders := make([]string, eventColumns)
		for c := range placeholders {
			placeholders[c] = fmt.Sprintf("$%d", base+c+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			e.Sequence, e.IdempotencyKey, e.MessageType, e.EntityID, e.EntityKind, e.Sender,
			e.Timestamp, e.Payload, e.Events, e.StateHash, e.PrevHash,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT DO NOTHING"

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	return tx.Commit()
}

// JournalWriter bulk-loads journal rows through the COPY protocol. COPY
// cannot skip conflicts, so rows land in a temp table first and are merged
// with ON CONFLICT DO NOTHING.
type JournalWriter struct {
	pool *pgxpool.Pool
}

func NewJournalWriter(pool *pgxpool.Pool) *JournalWriter {
	return &JournalWriter{pool: pool}
}

var journalColumns = []string{
	"journal_id", "batch_id", "event_ref", "sequence", "debit_account",
	"credit_account", "asset_id", "amount", "journal_type", "timestamp",
}

func (w *JournalWriter) WriteJournalBatch(ctx context.Context, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin journal tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE journal_stage (LIKE event_log.journal INCLUDING DEFAULTS)
		ON COMMIT DROP
	`); err != nil {
		return fmt.Errorf("create journal stage: %w", err)
	}

	_, err = tx.CopyFrom(ctx, pgx.Identifier{"journal_stage"}, journalColumns,
		pgx.CopyFromSlice(len(journals), func(i int) ([]any, error) {
			j := journals[i]
			return []any{
				j.JournalID, j.BatchID, j.EventRef, j.Sequence, j.DebitAccount,
				j.CreditAccount, j.AssetID, j.Amount, j.JournalType, j.Timestamp,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy journals: %w", err)
	}

	cols := strings.Join(journalColumns, ", ")
	if _, err := tx.Exec(ctx,
		"INSERT INTO event_log.journal ("+cols+") SELECT "+cols+
			" FROM journal_stage ON CONFLICT (journal_id) DO NOTHING",
	); err != nil {
		return fmt.Errorf("merge journals: %w", err)
	}
	return tx.Commit(ctx)
}
