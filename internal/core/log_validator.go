package core

import (
	"fmt"

	"NFTLend/internal/event"
)

// LogValidator checks that a persisted envelope stream is contiguous and
// hash-chained before it is replayed.
// Not thread-safe; replay is sequential.
type LogValidator struct {
	expectedNext int64
	prevHash     [32]byte
	metrics      LogMetrics
}

// NewLogValidator expects the envelope after lastSequence whose PrevHash
// is tip.
func NewLogValidator(lastSequence int64, tip [32]byte) *LogValidator {
	return &LogValidator{expectedNext: lastSequence + 1, prevHash: tip}
}

// Validate accepts the next envelope or reports where the log is broken.
func (v *LogValidator) Validate(env *event.Envelope) error {
	switch {
	case env.Sequence < v.expectedNext:
		v.metrics.OutOfOrder++
		return fmt.Errorf("%w: out-of-order envelope: expected=%d, got=%d",
			ErrReplayDivergence, v.expectedNext, env.Sequence)
	case env.Sequence > v.expectedNext:
		v.metrics.Gaps++
		return fmt.Errorf("%w: sequence gap: expected=%d, got=%d",
			ErrReplayDivergence, v.expectedNext, env.Sequence)
	}

	if env.PrevHash != v.prevHash {
		v.metrics.BrokenLinks++
		return fmt.Errorf("%w: envelope %d prev_hash %x does not match tip %x",
			ErrReplayDivergence, env.Sequence, env.PrevHash[:8], v.prevHash[:8])
	}

	v.expectedNext = env.Sequence + 1
	v.prevHash = env.StateHash
	return nil
}

// ExpectedNext returns the next sequence the validator accepts
func (v *LogValidator) ExpectedNext() int64 { return v.expectedNext }

func (v *LogValidator) Metrics() LogMetrics { return v.metrics }

// LogMetrics counts log integrity failures.
type LogMetrics struct {
	Gaps        int64
	OutOfOrder  int64
	BrokenLinks int64
}
