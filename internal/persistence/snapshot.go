package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"NFTLend/internal/core"
	"NFTLend/internal/event"
	"NFTLend/internal/observability"
)

// snapshotFormat is bumped whenever core.SnapshotState changes shape.
const snapshotFormat = 1

// SnapshotManager stores engine snapshots and reads the event log back for
// warm and cold restarts. A snapshot is only trusted for recovery once its
// state hash has been matched against the persisted envelope at the same
// sequence.
type SnapshotManager struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewSnapshotManager(db *sql.DB, metrics *observability.Metrics) *SnapshotManager {
	return &SnapshotManager{db: db, metrics: metrics}
}

// Snapshotter cuts a consistent engine snapshot.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*core.SnapshotState, error)
}

// Capture cuts a snapshot from src and saves it.
func (sm *SnapshotManager) Capture(ctx context.Context, src Snapshotter) (*core.SnapshotState, int, error) {
	start := time.Now()
	snap, err := src.Snapshot(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("capture snapshot: %w", err)
	}
	size, err := sm.Save(ctx, snap)
	if err != nil {
		return nil, 0, fmt.Errorf("save snapshot: %w", err)
	}
	if sm.metrics != nil {
		sm.metrics.SnapshotTaken.Inc()
		sm.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		sm.metrics.SnapshotSizeBytes.Set(float64(size))
		sm.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return snap, size, nil
}

// Save writes an unverified snapshot and returns its encoded size.
func (sm *SnapshotManager) Save(ctx context.Context, snap *core.SnapshotState) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE
			SET data = $3, state_hash = $4, format_version = $5, size_bytes = $6, verified = FALSE
	`, uuid.New(), snap.Sequence, data, snap.StateHash[:], snapshotFormat, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// VerifyPending marks every unverified snapshot whose hash matches the event
// log. Snapshots whose sequence has not been persisted yet stay pending; a
// hash mismatch is an error.
func (sm *SnapshotManager) VerifyPending(ctx context.Context) (int, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT s.sequence, s.state_hash, e.state_hash
		FROM event_log.snapshots s
		JOIN event_log.events e ON e.sequence = s.sequence
		WHERE s.verified = FALSE
		ORDER BY s.sequence
	`)
	if err != nil {
		return 0, err
	}

	type pending struct {
		seq          int64
		snap, logged []byte
	}
	var candidates []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.seq, &p.snap, &p.logged); err != nil {
			rows.Close()
			return 0, err
		}
		candidates = append(candidates, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	verified := 0
	for _, p := range candidates {
		if !bytes.Equal(p.snap, p.logged) {
			return verified, fmt.Errorf("snapshot at sequence %d: %w", p.seq, core.ErrReplayDivergence)
		}
		if err := sm.MarkVerified(ctx, p.seq); err != nil {
			return verified, err
		}
		verified++
	}
	return verified, nil
}

// LoadLatest returns the most recent verified snapshot, or nil on a cold start.
func (sm *SnapshotManager) LoadLatest(ctx context.Context) (*core.SnapshotState, error) {
	var (
		data    []byte
		version int
	)
	err := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormat {
		return nil, fmt.Errorf("snapshot format %d is not supported", version)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx,
		`UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1`, sequence)
	return err
}

// LoadEnvelopesFrom returns up to limit envelopes with sequence >= from.
func (sm *SnapshotManager) LoadEnvelopesFrom(ctx context.Context, from int64, limit int) ([]*event.Envelope, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, idempotency_key, message_type, entity_id, entity_kind, sender,
		       timestamp, payload, events, state_hash, prev_hash
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, from, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*event.Envelope
	for rows.Next() {
		var r EventRow
		if err := rows.Scan(
			&r.Sequence, &r.IdempotencyKey, &r.MessageType, &r.EntityID, &r.EntityKind, &r.Sender,
			&r.Timestamp, &r.Payload, &r.Events, &r.StateHash, &r.PrevHash,
		); err != nil {
			return nil, err
		}
		env, err := EnvelopeFromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}
