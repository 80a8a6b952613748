package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"NFTLend/internal/event"
	"NFTLend/internal/ledger"
	"NFTLend/internal/pipeline"
	"NFTLend/internal/types"
)

// SnapshotState is the full in-memory state at one sequence: every entity,
// ledger balances, pipeline links, the hash chain tip and recent
// idempotency keys for LRU warming.
type SnapshotState struct {
	Sequence        int64            `json:"sequence"`
	StateHash       [32]byte         `json:"state_hash"`
	Clock           int64            `json:"clock"`
	Entities        []EntityRecord   `json:"entities"`
	Balances        []ledger.Balance `json:"balances"`
	Router          json.RawMessage  `json:"router"`
	IdempotencyKeys []string         `json:"idempotency_keys"`
	CreatedAt       time.Time        `json:"created_at"`
}

// EntityRecord is one serialized entity.
type EntityRecord struct {
	ID    types.EntityID   `json:"id"`
	Kind  types.EntityKind `json:"kind"`
	State json.RawMessage  `json:"state"`
}

// Snapshot captures a consistent cut. It closes the submit gate, waits for
// in-flight commands and pending follow-ons to drain, then reads state.
func (e *Engine) Snapshot(ctx context.Context) (*SnapshotState, error) {
	e.gate.Lock()
	defer e.gate.Unlock()

	if err := e.WaitIdle(ctx); err != nil {
		return nil, fmt.Errorf("wait idle: %w", err)
	}

	snap := &SnapshotState{Clock: e.Now(), CreatedAt: time.Now().UTC()}

	var routerErr error
	err := e.readSequencer(ctx, func() {
		snap.Sequence = e.sequence
		snap.StateHash = e.hasher.GetPrevHash()
		snap.Balances = e.balances.Balances()
		snap.Router, routerErr = e.router.MarshalState()
	})
	if err != nil {
		return nil, err
	}
	if routerErr != nil {
		return nil, fmt.Errorf("marshal router: %w", routerErr)
	}

	e.mu.RLock()
	ids := make([]types.EntityID, 0, len(e.actors))
	for id := range e.actors {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		err := e.Inspect(ctx, id, func(ent Entity) error {
			state, err := ent.MarshalState()
			if err != nil {
				return err
			}
			snap.Entities = append(snap.Entities, EntityRecord{ID: id, Kind: ent.Kind(), State: state})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", id, err)
		}
	}

	snap.IdempotencyKeys = e.idempotency.Keys()
	return snap, nil
}

// Restore loads a snapshot into a stopped engine with no entities.
func (e *Engine) Restore(snap *SnapshotState) error {
	if e.started.Load() {
		return fmt.Errorf("restore: engine already started")
	}
	if len(e.actors) > 0 {
		return fmt.Errorf("restore: engine already has %d entities", len(e.actors))
	}

	if len(snap.Router) > 0 {
		router, err := pipeline.Restore(snap.Router)
		if err != nil {
			return err
		}
		e.router = router
	}
	for _, rec := range snap.Entities {
		ent, err := RestoreEntity(rec.Kind, rec.State)
		if err != nil {
			return fmt.Errorf("restore %s: %w", rec.ID, err)
		}
		if err := e.deploy(ent); err != nil {
			return err
		}
	}

	e.balances.Load(snap.Balances)
	e.sequence = snap.Sequence
	e.hasher.SetPrevHash(snap.StateHash)
	e.clock = snap.Clock
	e.idempotency.Warm(snap.IdempotencyKeys)

	e.log.Info().
		Int64("sequence", snap.Sequence).
		Int("entities", len(snap.Entities)).
		Int("idempotency_keys", len(snap.IdempotencyKeys)).
		Msg("snapshot restored")
	return nil
}

// Replay re-applies persisted envelopes after the current sequence. Each
// envelope must chain onto the tip and reproduce its recorded sequence and
// state hash. It returns the number of envelopes applied.
func (e *Engine) Replay(ctx context.Context, envs []*event.Envelope) (int, error) {
	start := time.Now()
	seq, err := e.Sequence(ctx)
	if err != nil {
		return 0, err
	}
	tip, err := e.StateHash(ctx)
	if err != nil {
		return 0, err
	}
	v := NewLogValidator(seq, tip)

	applied := 0
	for _, env := range envs {
		if err := v.Validate(env); err != nil {
			return applied, err
		}
		cmd, err := event.DecodeCommand(env.MessageType, env.Payload)
		if err != nil {
			return applied, fmt.Errorf("%w: envelope %d: %v", ErrReplayDivergence, env.Sequence, err)
		}
		if _, err := e.submit(ctx, cmd, env); err != nil {
			return applied, err
		}
		applied++
	}

	if e.metrics != nil {
		e.metrics.ReplayEventsTotal.Add(float64(applied))
		e.metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	if applied > 0 {
		e.log.Info().
			Int("envelopes", applied).
			Int64("sequence", v.ExpectedNext()-1).
			Dur("duration", time.Since(start)).
			Msg("replay complete")
	}
	return applied, nil
}
