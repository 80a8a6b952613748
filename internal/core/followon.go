package core

import (
	"context"
	"errors"
	"sync"

	"NFTLend/internal/event"
	"NFTLend/internal/failure"
)

// followOnQueue is an unbounded FIFO between the sequencer and the
// follow-on goroutine. The sequencer never blocks on push, so a follow-on
// waiting for an actor cannot stall the command that produced it.
type followOnQueue struct {
	mu     sync.Mutex
	items  []event.Command
	signal chan struct{}
	closed bool
}

func newFollowOnQueue() *followOnQueue {
	return &followOnQueue{signal: make(chan struct{}, 1)}
}

func (q *followOnQueue) push(cmd event.Command) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, cmd)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until a command is available. ok is false once closed.
func (q *followOnQueue) pop() (event.Command, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.items) > 0 {
			cmd := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return cmd, true
		}
		q.mu.Unlock()
		<-q.signal
	}
}

func (q *followOnQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *followOnQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// runFollowOns submits pipeline commands in the order they were routed.
// Follow-ons bypass the snapshot gate: they belong to a command that is
// already sequenced, and Snapshot waits for them through the idle tracker.
func (e *Engine) runFollowOns() {
	defer e.wg.Done()
	for {
		cmd, ok := e.followOns.pop()
		if !ok {
			return
		}
		e.deliverFollowOn(cmd)
		e.idle.done()
	}
}

func (e *Engine) deliverFollowOn(cmd event.Command) {
	mt := string(cmd.MessageType())
	h := cmd.Meta()

	receipt, err := e.submit(context.Background(), cmd, nil)
	switch {
	case errors.Is(err, ErrStopped):
		return
	case err != nil:
		e.countFollowOn(mt, "failed")
		e.log.Warn().
			Err(err).
			Str("entity", string(h.Entity)).
			Str("message_type", mt).
			Str("reason", failure.ReasonOf(err)).
			Msg("follow-on rejected")
		for _, comp := range e.router.Compensate(cmd) {
			e.countFollowOn(string(comp.MessageType()), "compensation")
			e.idle.add(1)
			e.followOns.push(comp)
		}
	case receipt.Duplicate:
		e.countFollowOn(mt, "duplicate")
	default:
		e.countFollowOn(mt, "applied")
	}
	if e.metrics != nil {
		e.metrics.ChannelSize.WithLabelValues("follow_ons").Set(float64(e.followOns.len()))
	}
}
