// Package oracle aggregates three independent price sources into one
// effective price. A price is defined only while enough sources are fresh.
package oracle

import (
	"encoding/json"
	"fmt"

	"NFTLend/internal/event"
	"NFTLend/internal/failure"
	fpmath "NFTLend/internal/math"
	"NFTLend/internal/types"
)

const (
	SourceCount = 3
	// QuorumSize is the number of fresh sources required without fallback.
	QuorumSize = 2
)

var (
	ErrNotOwner          = failure.Unauthorized("not_owner")
	ErrUnknownSource     = failure.Unauthorized("unknown_oracle_source")
	ErrInvalidPrice      = failure.Guarded("invalid_oracle_price")
	ErrFutureTimestamp   = failure.Guarded("oracle_timestamp_in_future")
	ErrOutOfOrder        = failure.Guarded("oracle_submission_out_of_order")
	ErrQuorumUnavailable = failure.Guarded("oracle_quorum_unavailable")
)

type Config struct {
	ID              types.EntityID             `json:"id"`
	Owner           types.Address              `json:"owner"`
	Sources         [SourceCount]types.Address `json:"sources"`
	FreshnessWindow int64                      `json:"freshness_window"`
}

func (c Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("oracle: id is required")
	}
	if c.Owner.IsZero() {
		return fmt.Errorf("oracle %s: owner is required", c.ID)
	}
	if c.FreshnessWindow <= 0 {
		return fmt.Errorf("oracle %s: freshness window must be positive", c.ID)
	}
	seen := make(map[types.Address]struct{}, SourceCount)
	for i, s := range c.Sources {
		if s.IsZero() {
			return fmt.Errorf("oracle %s: source %d is empty", c.ID, i)
		}
		if _, dup := seen[s]; dup {
			return fmt.Errorf("oracle %s: duplicate source %s", c.ID, s)
		}
		seen[s] = struct{}{}
	}
	return nil
}

// Submission is one source's latest report.
type Submission struct {
	Price     int64 `json:"price"`
	UpdatedAt int64 `json:"updated_at"`
}

type State struct {
	Submissions           [SourceCount]Submission `json:"submissions"`
	ManualFallbackEnabled bool                    `json:"manual_fallback_enabled"`
}

// Quorum is not safe for concurrent use; the owning actor serializes calls.
type Quorum struct {
	cfg   Config
	state State
}

func New(cfg Config) (*Quorum, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Quorum{cfg: cfg}, nil
}

func (q *Quorum) ID() types.EntityID     { return q.cfg.ID }
func (q *Quorum) Kind() types.EntityKind { return types.KindOracle }
func (q *Quorum) Config() Config         { return q.cfg }
func (q *Quorum) State() State           { return q.state }

func (q *Quorum) Handle(cmd event.Command, now int64) ([]event.Event, error) {
	switch c := cmd.(type) {
	case *event.SubmitOraclePrice:
		return q.submit(c, now)
	case *event.SetManualFallbackEnabled:
		return q.setFallback(c)
	default:
		return nil, failure.ErrUnknownMessage.With("oracle cannot handle %s", cmd.MessageType())
	}
}

func (q *Quorum) sourceIndex(addr types.Address) int {
	for i, s := range q.cfg.Sources {
		if s == addr {
			return i
		}
	}
	return -1
}

func (q *Quorum) submit(c *event.SubmitOraclePrice, now int64) ([]event.Event, error) {
	idx := q.sourceIndex(c.Sender)
	if idx < 0 {
		return nil, ErrUnknownSource.With("sender %s", c.Sender)
	}
	if c.Price <= 0 || c.UpdatedAt <= 0 {
		return nil, ErrInvalidPrice.With("price=%d updated_at=%d", c.Price, c.UpdatedAt)
	}
	if c.UpdatedAt > now {
		return nil, ErrFutureTimestamp.With("updated_at=%d now=%d", c.UpdatedAt, now)
	}
	if prev := q.state.Submissions[idx]; c.UpdatedAt < prev.UpdatedAt {
		return nil, ErrOutOfOrder.With("updated_at=%d older than %d", c.UpdatedAt, prev.UpdatedAt)
	}

	q.state.Submissions[idx] = Submission{Price: c.Price, UpdatedAt: c.UpdatedAt}

	evts := []event.Event{&event.OracleSubmitted{
		Origin:    event.From(q.cfg.ID),
		Reporter:  c.Sender,
		Price:     c.Price,
		UpdatedAt: c.UpdatedAt,
	}}
	if p, err := q.EffectivePrice(now); err == nil {
		evts = append(evts, &event.QuorumPriceUpdated{
			Origin:       event.From(q.cfg.ID),
			Price:        p.Price,
			UpdatedAt:    p.UpdatedAt,
			FreshSources: p.FreshSources,
		})
	}
	return evts, nil
}

// Manual fallback is the emergency override and applies immediately.
func (q *Quorum) setFallback(c *event.SetManualFallbackEnabled) ([]event.Event, error) {
	if c.Sender != q.cfg.Owner {
		return nil, ErrNotOwner
	}
	q.state.ManualFallbackEnabled = c.Enabled
	return []event.Event{&event.ManualFallbackChanged{Origin: event.From(q.cfg.ID), Enabled: c.Enabled}}, nil
}

// Price is a derived effective price.
type Price struct {
	Price        int64 `json:"price"`
	UpdatedAt    int64 `json:"updated_at"` // oldest contributing submission
	FreshSources int   `json:"fresh_sources"`
}

// EffectivePrice derives the price as of now. Two or more fresh sources
// yield their median. A single fresh source counts only under manual
// fallback. Anything less fails closed.
func (q *Quorum) EffectivePrice(now int64) (Price, error) {
	prices := make([]int64, 0, SourceCount)
	var oldest int64
	for _, s := range q.state.Submissions {
		if s.UpdatedAt <= 0 || now-s.UpdatedAt > q.cfg.FreshnessWindow {
			continue
		}
		prices = append(prices, s.Price)
		if oldest == 0 || s.UpdatedAt < oldest {
			oldest = s.UpdatedAt
		}
	}

	switch {
	case len(prices) >= QuorumSize:
	case len(prices) == 1 && q.state.ManualFallbackEnabled:
	default:
		return Price{}, ErrQuorumUnavailable.With("%d of %d sources fresh", len(prices), SourceCount)
	}
	return Price{Price: fpmath.Median(prices), UpdatedAt: oldest, FreshSources: len(prices)}, nil
}

type View struct {
	ID                    types.EntityID             `json:"id"`
	Owner                 types.Address              `json:"owner"`
	Sources               [SourceCount]types.Address `json:"sources"`
	Submissions           [SourceCount]Submission    `json:"submissions"`
	FreshnessWindow       int64                      `json:"freshness_window"`
	ManualFallbackEnabled bool                       `json:"manual_fallback_enabled"`
	EffectivePrice        *Price                     `json:"effective_price,omitempty"`
}

func (q *Quorum) View(now int64) View {
	v := View{
		ID:                    q.cfg.ID,
		Owner:                 q.cfg.Owner,
		Sources:               q.cfg.Sources,
		Submissions:           q.state.Submissions,
		FreshnessWindow:       q.cfg.FreshnessWindow,
		ManualFallbackEnabled: q.state.ManualFallbackEnabled,
	}
	if p, err := q.EffectivePrice(now); err == nil {
		v.EffectivePrice = &p
	}
	return v
}

type snapshot struct {
	Config Config `json:"config"`
	State  State  `json:"state"`
}

func (q *Quorum) MarshalState() ([]byte, error) {
	return json.Marshal(snapshot{Config: q.cfg, State: q.state})
}

func Restore(data []byte) (*Quorum, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("restore oracle: %w", err)
	}
	if err := s.Config.Validate(); err != nil {
		return nil, fmt.Errorf("restore oracle: %w", err)
	}
	return &Quorum{cfg: s.Config, state: s.State}, nil
}
