package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"NFTLend/internal/event"
	"NFTLend/internal/ledger"
	"NFTLend/internal/pipeline"
	"NFTLend/internal/types"
)

// seqItem is anything the sequencer goroutine executes.
type seqItem interface{ isSeqItem() }

type commandRequest struct {
	cmd     event.Command
	replay  *event.Envelope
	started time.Time
	reply   chan commandResult

	// Filled in by the actor
	now     int64
	kind    types.EntityKind
	events  []event.Event
	state   []byte
	custody []custodyCheck
}

type commandResult struct {
	receipt Receipt
	err     error
}

// controlRequest runs fn on the sequencer goroutine.
type controlRequest struct {
	fn   func()
	done chan struct{}
}

func (*commandRequest) isSeqItem() {}
func (*controlRequest) isSeqItem() {}

func (e *Engine) control(ctx context.Context, fn func()) error {
	req := &controlRequest{fn: fn, done: make(chan struct{})}
	select {
	case e.seqCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stop:
		return ErrStopped
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stop:
		return ErrStopped
	}
}

func (e *Engine) runSequencer() {
	defer e.wg.Done()
	for {
		select {
		case item := <-e.seqCh:
			switch it := item.(type) {
			case *commandRequest:
				e.sequenceCommand(it)
			case *controlRequest:
				it.fn()
				close(it.done)
			}
		case <-e.stop:
			return
		}
	}
}

// sequenceCommand is the deterministic core step for one accepted command:
// journals, invariants, hash chain, outputs, then pipeline routing.
func (e *Engine) sequenceCommand(req *commandRequest) {
	h := req.cmd.Meta()
	mt := req.cmd.MessageType()
	key := req.cmd.IdempotencyKey()
	seq := e.sequence + 1

	if req.replay != nil && req.replay.Sequence != seq {
		e.failReplay(req, fmt.Errorf("%w: envelope %d sequenced as %d", ErrReplayDivergence, req.replay.Sequence, seq))
		return
	}

	batch, err := e.journals.Generate(key, seq, req.now, req.events)
	if err != nil {
		panic(fmt.Sprintf("FATAL: journal generation failed at seq %d: %v", seq, err))
	}
	if batch != nil {
		if err := e.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := e.balances.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch failed: %v", err))
		}
		if err := e.validator.ValidateCustodyNonNegative(batch); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
	}
	for _, c := range req.custody {
		if err := e.validator.ValidateCustodyMatches(c.key, c.expected); err != nil {
			panic(fmt.Sprintf("FATAL: ledger drift: %v", err))
		}
	}

	hashStart := time.Now()
	prev := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(seq, computeStateDigest(h.Entity, req.state, batch, e.balances))
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	if req.replay != nil && req.replay.StateHash != stateHash {
		e.hasher.SetPrevHash(prev)
		e.failReplay(req, fmt.Errorf("%w: envelope %d state hash mismatch", ErrReplayDivergence, seq))
		return
	}

	payload, err := json.Marshal(req.cmd)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode command %s: %v", mt, err))
	}
	encoded, err := event.EncodeEvents(req.events)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode events for %s: %v", mt, err))
	}

	env := &event.Envelope{
		Sequence:       seq,
		IdempotencyKey: key,
		MessageType:    mt,
		EntityID:       h.Entity,
		EntityKind:     req.kind,
		Sender:         h.Sender,
		Timestamp:      req.now,
		Payload:        payload,
		Events:         encoded,
		StateHash:      stateHash,
		PrevHash:       prev,
	}
	e.sequence = seq

	e.emit(CoreOutput{
		Envelope: env,
		Batch:    batch,
		Events:   req.events,
		Kind:     req.kind,
		State:    req.state,
		Replayed: req.replay != nil,
	})

	e.idempotency.MarkProcessed(string(mt), h.Entity, key)

	e.route(pipeline.Source{Key: key, Entity: h.Entity, Timestamp: req.now}, req.events, req.replay != nil)

	if e.metrics != nil {
		e.metrics.CoreCommandsApplied.WithLabelValues(string(mt)).Inc()
		e.metrics.CoreCommandDuration.WithLabelValues(string(mt)).Observe(time.Since(req.started).Seconds())
		e.metrics.CoreSequence.Set(float64(seq))
		e.metrics.DedupLRUSize.Set(float64(e.idempotency.Size()))
		if batch != nil {
			for _, j := range batch.Journals {
				e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	e.log.Debug().
		Int64("sequence", seq).
		Str("entity", string(h.Entity)).
		Str("message_type", string(mt)).
		Int("events", len(req.events)).
		Msg("command sequenced")

	req.reply <- commandResult{receipt: Receipt{Sequence: seq, StateHash: stateHash, Events: req.events}}
	e.idle.done()
}

// failReplay reports a divergence. The entity has already applied the
// command, so the engine must not be used after this.
func (e *Engine) failReplay(req *commandRequest, err error) {
	e.log.Error().Err(err).Msg("replay diverged")
	req.reply <- commandResult{err: err}
	e.idle.done()
}

// emit sends to persistence with a BLOCKING send, applying backpressure to
// the core, and to projections with a NON-BLOCKING send that drops when
// full; projections rebuild from the event log if they fall behind.
// Replayed outputs are already persisted and skip the persist channel.
func (e *Engine) emit(out CoreOutput) {
	if e.persistChan != nil && !out.Replayed {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			select {
			case e.persistChan <- out:
			case <-e.stop:
				return
			}
		}
	}

	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

// route executes pipeline actions. Deploys always run so replay rebuilds
// provisioned entities; sends are skipped on replay because the follow-on
// commands are themselves in the log.
func (e *Engine) route(src pipeline.Source, events []event.Event, replay bool) {
	for _, action := range e.router.Route(src, events) {
		switch {
		case action.Deploy != nil:
			if e.Has(action.Deploy.ID) {
				continue
			}
			ent, err := newAuction(*action.Deploy)
			if err == nil {
				err = e.deploy(ent)
			}
			if err != nil {
				e.log.Error().Err(err).Str("entity", string(action.Deploy.ID)).Msg("provisioning failed")
				e.countFollowOn("Deploy", "failed")
				continue
			}
			e.countFollowOn("Deploy", "applied")
		case action.Command != nil && !replay:
			e.idle.add(1)
			e.followOns.push(action.Command)
		}
	}
}

func (e *Engine) countFollowOn(mt, outcome string) {
	if e.metrics != nil {
		e.metrics.FollowOns.WithLabelValues(mt, outcome).Inc()
	}
}

// custodyCheck pairs a custody account with the balance its entity reports.
type custodyCheck struct {
	key      ledger.AccountKey
	expected int64
}
