// Package reserve implements the reserve and backstop vault that absorbs
// principal shortfalls. Coverage draws reserve first, then backstop, and
// anything left over is recorded as bad debt instead of failing.
package reserve

import (
	"encoding/json"
	"fmt"
	"sort"

	"NFTLend/internal/event"
	"NFTLend/internal/failure"
	"NFTLend/internal/types"
)

var (
	ErrNotOwner         = failure.Unauthorized("not_owner")
	ErrNotAuthorized    = failure.Unauthorized("not_authorized_manager")
	ErrInvalidRecipient = failure.Guarded("invalid_recipient")
	ErrInvalidManager   = failure.Guarded("invalid_manager")
)

type Config struct {
	ID    types.EntityID `json:"id"`
	Owner types.Address  `json:"owner"`
}

func (c Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("reserve: id is required")
	}
	if c.Owner.IsZero() {
		return fmt.Errorf("reserve %s: owner is required", c.ID)
	}
	return nil
}

type State struct {
	ReserveBalance  int64                  `json:"reserve_balance"`
	BackstopBalance int64                  `json:"backstop_balance"`
	BadDebtTotal    int64                  `json:"bad_debt_total"`
	CoveredTotal    int64                  `json:"covered_total"`
	Managers        map[types.Address]bool `json:"managers"`
}

// Vault is not safe for concurrent use; the owning actor serializes calls.
type Vault struct {
	cfg   Config
	state State
}

func New(cfg Config) (*Vault, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Vault{cfg: cfg, state: State{Managers: make(map[types.Address]bool)}}, nil
}

func (v *Vault) ID() types.EntityID     { return v.cfg.ID }
func (v *Vault) Kind() types.EntityKind { return types.KindReserve }
func (v *Vault) Config() Config         { return v.cfg }

func (v *Vault) Handle(cmd event.Command, now int64) ([]event.Event, error) {
	switch c := cmd.(type) {
	case *event.SetAuthorizedManager:
		return v.setManager(c)
	case *event.TopUpReserve:
		return v.topUp(c.Meta(), &v.state.ReserveBalance, func(amount int64) event.Event {
			return &event.ReserveToppedUp{Origin: event.From(v.cfg.ID), Payer: c.Sender, Amount: amount}
		})
	case *event.TopUpBackstop:
		return v.topUp(c.Meta(), &v.state.BackstopBalance, func(amount int64) event.Event {
			return &event.BackstopToppedUp{Origin: event.From(v.cfg.ID), Payer: c.Sender, Amount: amount}
		})
	case *event.RequestCoverage:
		return v.cover(c)
	default:
		return nil, failure.ErrUnknownMessage.With("reserve cannot handle %s", cmd.MessageType())
	}
}

func (v *Vault) setManager(c *event.SetAuthorizedManager) ([]event.Event, error) {
	if c.Sender != v.cfg.Owner {
		return nil, ErrNotOwner
	}
	if c.Manager.IsZero() {
		return nil, ErrInvalidManager
	}
	if c.Enabled {
		v.state.Managers[c.Manager] = true
	} else {
		delete(v.state.Managers, c.Manager)
	}
	return []event.Event{&event.ManagerAuthorizationChanged{
		Origin: event.From(v.cfg.ID), Manager: c.Manager, Enabled: c.Enabled,
	}}, nil
}

func (v *Vault) topUp(h *event.Header, balance *int64, emit func(int64) event.Event) ([]event.Event, error) {
	if h.Sender != v.cfg.Owner {
		return nil, ErrNotOwner
	}
	if h.Value <= 0 {
		return nil, failure.ErrInsufficientValue.With("top up of %d", h.Value)
	}
	*balance += h.Value
	return []event.Event{emit(h.Value)}, nil
}

// Coverage is how a request was satisfied.
type Coverage struct {
	FromReserve  int64
	FromBackstop int64
	Uncovered    int64
}

// Disbursed is what actually leaves the vault.
func (c Coverage) Disbursed() int64 { return c.FromReserve + c.FromBackstop }

// Plan splits amount across the reserve, then the backstop. Disbursement
// is capped at available funds; the remainder is uncovered.
func Plan(amount, reserveBalance, backstopBalance int64) Coverage {
	var c Coverage
	c.FromReserve = min(amount, reserveBalance)
	rest := amount - c.FromReserve
	c.FromBackstop = min(rest, backstopBalance)
	c.Uncovered = rest - c.FromBackstop
	return c
}

func (v *Vault) cover(c *event.RequestCoverage) ([]event.Event, error) {
	if !v.state.Managers[c.Sender] {
		return nil, ErrNotAuthorized.With("sender %s", c.Sender)
	}
	if c.Amount <= 0 {
		return nil, failure.ErrInvalidAmount.With("coverage of %d", c.Amount)
	}
	if c.To.IsZero() {
		return nil, ErrInvalidRecipient
	}

	plan := Plan(c.Amount, v.state.ReserveBalance, v.state.BackstopBalance)
	v.state.ReserveBalance -= plan.FromReserve
	v.state.BackstopBalance -= plan.FromBackstop
	v.state.CoveredTotal += plan.Disbursed()
	v.state.BadDebtTotal += plan.Uncovered

	if v.state.ReserveBalance < 0 || v.state.BackstopBalance < 0 {
		panic(fmt.Sprintf("FATAL: reserve %s negative balance after coverage: %+v", v.cfg.ID, v.state))
	}

	evts := []event.Event{&event.CoverageProvided{
		Origin:       event.From(v.cfg.ID),
		To:           c.To,
		Requested:    c.Amount,
		FromReserve:  plan.FromReserve,
		FromBackstop: plan.FromBackstop,
		Uncovered:    plan.Uncovered,
	}}
	if plan.Uncovered > 0 {
		evts = append(evts, &event.CoverageShortfall{
			Origin:       event.From(v.cfg.ID),
			Uncovered:    plan.Uncovered,
			BadDebtTotal: v.state.BadDebtTotal,
		})
	}
	return evts, nil
}

type View struct {
	ID              types.EntityID  `json:"id"`
	Owner           types.Address   `json:"owner"`
	ReserveBalance  int64           `json:"reserve_balance"`
	BackstopBalance int64           `json:"backstop_balance"`
	BadDebtTotal    int64           `json:"bad_debt_total"`
	CoveredTotal    int64           `json:"covered_total"`
	Managers        []types.Address `json:"managers"`
}

func (v *Vault) View() View {
	managers := make([]types.Address, 0, len(v.state.Managers))
	for m := range v.state.Managers {
		managers = append(managers, m)
	}
	sort.Slice(managers, func(i, j int) bool { return managers[i] < managers[j] })
	return View{
		ID:              v.cfg.ID,
		Owner:           v.cfg.Owner,
		ReserveBalance:  v.state.ReserveBalance,
		BackstopBalance: v.state.BackstopBalance,
		BadDebtTotal:    v.state.BadDebtTotal,
		CoveredTotal:    v.state.CoveredTotal,
		Managers:        managers,
	}
}

type snapshot struct {
	Config Config `json:"config"`
	State  State  `json:"state"`
}

func (v *Vault) MarshalState() ([]byte, error) {
	return json.Marshal(snapshot{Config: v.cfg, State: v.state})
}

func Restore(data []byte) (*Vault, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("restore reserve: %w", err)
	}
	if err := s.Config.Validate(); err != nil {
		return nil, fmt.Errorf("restore reserve: %w", err)
	}
	if s.State.Managers == nil {
		s.State.Managers = make(map[types.Address]bool)
	}
	return &Vault{cfg: s.Config, state: s.State}, nil
}
