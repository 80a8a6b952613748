package core

import "errors"

var (
	ErrUnknownEntity    = errors.New("unknown entity")
	ErrEntityExists     = errors.New("entity already deployed")
	ErrInvalidCommand   = errors.New("invalid command")
	ErrStopped          = errors.New("engine stopped")
	ErrNotStarted       = errors.New("engine not started")
	ErrReplayDivergence = errors.New("replay diverged from event log")
)
