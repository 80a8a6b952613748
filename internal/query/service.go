package query

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"NFTLend/internal/core"
	"NFTLend/internal/types"
)

// ErrNotFound is returned when a projected row does not exist.
var ErrNotFound = errors.New("not found")

// MaxPageSize caps list queries.
const MaxPageSize = 500

// QueryService serves history and read-model queries from Postgres. Every
// response carries as_of_sequence, the projection watermark it reflects.
// Live protocol getters are answered by the engine, not here.
type QueryService struct {
	pool *pgxpool.Pool
}

func NewQueryService(pool *pgxpool.Pool) *QueryService {
	return &QueryService{pool: pool}
}

// GetEntity returns the projected state of one entity.
func (qs *QueryService) GetEntity(ctx context.Context, id types.EntityID) (*EntitySnapshot, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	snap := &EntitySnapshot{ID: string(id), AsOfSequence: asOf}
	err = qs.pool.QueryRow(ctx, `
		SELECT entity_kind, state, last_sequence
		FROM projections.entity_views
		WHERE entity_id = $1
	`, string(id)).Scan(&snap.Kind, &snap.State, &snap.LastSequence)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// GetEntityEvents pages an entity's emitted events, newest first.
// beforeSequence of 0 starts from the latest.
func (qs *QueryService) GetEntityEvents(ctx context.Context, id types.EntityID, limit int, beforeSequence int64) ([]EventHistoryEntry, error) {
	query := `
		SELECT sequence, ordinal, event_type, payload, timestamp
		FROM projections.entity_events
		WHERE entity_id = $1`
	args := []any{string(id)}
	if beforeSequence > 0 {
		query += " AND sequence < $2"
		args = append(args, beforeSequence)
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC, ordinal DESC LIMIT $%d", len(args)+1)
	args = append(args, clampLimit(limit))

	rows, err := qs.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[EventHistoryEntry])
}

// GetJournalHistory pages journal entries touching any account owned by
// owner (a wallet address or an entity ID), newest first. Backslash is the
// default LIKE escape, which escapeLike relies on.
func (qs *QueryService) GetJournalHistory(ctx context.Context, owner string, limit int, beforeSequence int64) ([]JournalHistoryEntry, error) {
	o := escapeLike(owner)
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE ANY($1) OR credit_account LIKE ANY($1))`
	args := []any{[]string{"wallet:" + o + ":%", "custody:" + o + ":%"}}
	if beforeSequence > 0 {
		query += " AND sequence < $2"
		args = append(args, beforeSequence)
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC, journal_id LIMIT $%d", len(args)+1)
	args = append(args, clampLimit(limit))

	rows, err := qs.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[JournalHistoryEntry])
}

// --- Admin APIs ---

// VerifyIntegrity checks the persisted hash chain, sequence contiguity and
// the zero-sum of projected balances.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if err := qs.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM event_log.events`,
	).Scan(&report.LatestSequence); err != nil {
		return nil, err
	}

	rows, err := qs.pool.Query(ctx, `
		SELECT e1.sequence, e1.prev_hash, e2.state_hash
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		ORDER BY e1.sequence
	`)
	if err != nil {
		return nil, err
	}
	genesis := core.GenesisHash()
	for rows.Next() {
		var (
			seq      int64
			prev     []byte
			expected []byte
		)
		if err := rows.Scan(&seq, &prev, &expected); err != nil {
			rows.Close()
			return nil, err
		}
		switch {
		case seq == 1:
			expected = genesis[:]
		case expected == nil:
			report.SequenceGaps = append(report.SequenceGaps, seq)
			continue
		}
		if !bytes.Equal(prev, expected) {
			report.HashChainBreaks = append(report.HashChainBreaks, seq)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balRows, err := qs.pool.Query(ctx, `
		SELECT asset_id, SUM(balance)::BIGINT
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	report.UnbalancedAssets, err = pgx.CollectRows(balRows, pgx.RowToStructByPos[UnbalancedAsset])
	if err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.SequenceGaps) == 0 &&
		len(report.HashChainBreaks) == 0 &&
		len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.pool.QueryRow(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'`,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }
