package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

const workerID = "main"

// PostgresStore writes the read model in the projections schema.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Watermark(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = $1`, workerID,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq.Int64, err
}

// Apply writes one update and advances the watermark in one transaction.
func (s *PostgresStore) Apply(ctx context.Context, u Update) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if len(u.State) > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.entity_views (entity_id, entity_kind, state, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (entity_id) DO UPDATE
				SET state = EXCLUDED.state, last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
		`, u.EntityID, u.EntityKind, []byte(u.State), u.Sequence); err != nil {
			return fmt.Errorf("entity view: %w", err)
		}
	}

	for _, b := range u.Balances {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account_path, asset_id)
			DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
		`, b.AccountPath, b.AssetID, b.Delta, u.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	for i, r := range u.Events {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.entity_events (sequence, ordinal, entity_id, event_type, payload, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (sequence, ordinal) DO NOTHING
		`, u.Sequence, i, string(r.Entity), string(r.Type), []byte(r.Payload), u.Timestamp); err != nil {
			return fmt.Errorf("event history: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, workerID, u.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// RebuildProjections recomputes balances and event history from the event
// log. Entity views carry full state and heal on the entity's next command.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []struct{ name, sql string }{
		{"truncate balances", `TRUNCATE projections.balances`},
		{"truncate events", `TRUNCATE projections.entity_events`},
		{"balances", `
			INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
			SELECT account_path, asset_id, SUM(delta), MAX(sequence)
			FROM (
				SELECT debit_account AS account_path, asset_id, amount AS delta, sequence
				FROM event_log.journal
				UNION ALL
				SELECT credit_account, asset_id, -amount, sequence
				FROM event_log.journal
			) legs
			GROUP BY account_path, asset_id`},
		{"events", `
			INSERT INTO projections.entity_events (sequence, ordinal, entity_id, event_type, payload, timestamp)
			SELECT e.sequence, (r.ordinality - 1)::INT, r.value->>'entity', r.value->>'type',
			       r.value->'payload', e.timestamp
			FROM event_log.events e,
			     jsonb_array_elements(e.events) WITH ORDINALITY AS r(value, ordinality)`},
		{"watermark", `
			INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
			SELECT 'main', COALESCE(MAX(sequence), 0), NOW() FROM event_log.events
			ON CONFLICT (worker_id) DO UPDATE SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()`},
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.sql); err != nil {
			return fmt.Errorf("rebuild %s: %w", st.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	logger.Info().Msg("projection rebuild complete")
	return nil
}
