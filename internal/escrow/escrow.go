// Package escrow tracks custody of the collateral NFT, decoupled from the
// loan's own status.
package escrow

import (
	"encoding/json"
	"fmt"

	"NFTLend/internal/event"
	"NFTLend/internal/failure"
	"NFTLend/internal/types"
)

type Status uint8

const (
	StatusUnlocked Status = iota
	StatusLocked
	StatusReleased
	StatusLiquidated
)

func (s Status) String() string {
	switch s {
	case StatusUnlocked:
		return "UNLOCKED"
	case StatusLocked:
		return "LOCKED"
	case StatusReleased:
		return "RELEASED"
	case StatusLiquidated:
		return "LIQUIDATED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

var (
	ErrNotNft           = failure.Unauthorized("not_nft_confirmation")
	ErrNotManager       = failure.Unauthorized("not_manager")
	ErrNotUnlocked      = failure.BadState("escrow_not_unlocked")
	ErrNotLocked        = failure.BadState("escrow_not_locked")
	ErrInvalidRecipient = failure.Guarded("invalid_recipient")
)

type Config struct {
	ID       types.EntityID `json:"id"`
	Owner    types.Address  `json:"owner"`
	Manager  types.Address  `json:"manager"`
	Borrower types.Address  `json:"borrower"`
	// Nft is the identity whose transfer confirmation locks the escrow.
	Nft types.Address `json:"nft"`
	// Loan is the position this escrow secures, if any.
	Loan types.EntityID `json:"loan,omitempty"`
}

func (c Config) Validate() error {
	switch {
	case c.ID == "":
		return fmt.Errorf("escrow: id is required")
	case c.Owner.IsZero() || c.Manager.IsZero():
		return fmt.Errorf("escrow %s: owner and manager are required", c.ID)
	case c.Borrower.IsZero():
		return fmt.Errorf("escrow %s: borrower is required", c.ID)
	case c.Nft.IsZero():
		return fmt.Errorf("escrow %s: nft is required", c.ID)
	}
	return nil
}

type State struct {
	Status     Status        `json:"status"`
	LockedAt   int64         `json:"locked_at"`
	ReleasedAt int64         `json:"released_at"`
	Custodian  types.Address `json:"custodian,omitempty"`
}

// Escrow is not safe for concurrent use; the owning actor serializes calls.
type Escrow struct {
	cfg   Config
	state State
}

func New(cfg Config) (*Escrow, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Escrow{cfg: cfg}, nil
}

func (e *Escrow) ID() types.EntityID     { return e.cfg.ID }
func (e *Escrow) Kind() types.EntityKind { return types.KindEscrow }
func (e *Escrow) Config() Config         { return e.cfg }
func (e *Escrow) State() State           { return e.state }

// IsLocked answers GetIsLocked.
func (e *Escrow) IsLocked() bool { return e.state.Status == StatusLocked }

func (e *Escrow) Handle(cmd event.Command, now int64) ([]event.Event, error) {
	switch c := cmd.(type) {
	case *event.ConfirmEscrowedByNft:
		return e.confirm(c, now)
	case *event.ReleaseToAuctionWinner:
		if c.Winner.IsZero() {
			if c.Sender != e.cfg.Manager {
				return nil, ErrNotManager
			}
			return nil, ErrInvalidRecipient
		}
		return e.release(c.Meta(), now, StatusLiquidated, c.Winner, event.ReleasedToWinner)
	case *event.ReleaseToBorrower:
		return e.release(c.Meta(), now, StatusReleased, e.cfg.Borrower, event.ReleasedToBorrower)
	case *event.ReleaseToProtocol:
		return e.release(c.Meta(), now, StatusLiquidated, e.cfg.Owner, event.ReleasedToProtocol)
	default:
		return nil, failure.ErrUnknownMessage.With("escrow cannot handle %s", cmd.MessageType())
	}
}

func (e *Escrow) confirm(c *event.ConfirmEscrowedByNft, now int64) ([]event.Event, error) {
	if c.Sender != e.cfg.Nft {
		return nil, ErrNotNft.With("sender %s", c.Sender)
	}
	if e.state.Status != StatusUnlocked {
		return nil, ErrNotUnlocked.With("status %s", e.state.Status)
	}
	e.state.Status = StatusLocked
	e.state.LockedAt = now
	e.state.Custodian = types.EntityAddress(e.cfg.ID)
	return []event.Event{&event.EscrowLocked{
		Origin: event.From(e.cfg.ID), Nft: e.cfg.Nft, Borrower: e.cfg.Borrower,
	}}, nil
}

func (e *Escrow) release(h *event.Header, now int64, to Status, custodian types.Address, reason event.ReleaseReason) ([]event.Event, error) {
	if h.Sender != e.cfg.Manager {
		return nil, ErrNotManager
	}
	if e.state.Status != StatusLocked {
		return nil, ErrNotLocked.With("status %s", e.state.Status)
	}
	e.state.Status = to
	e.state.ReleasedAt = now
	e.state.Custodian = custodian
	return []event.Event{&event.EscrowReleased{
		Origin: event.From(e.cfg.ID), Custodian: custodian, Reason: reason,
	}}, nil
}

type View struct {
	ID          types.EntityID `json:"id"`
	Status      Status         `json:"status"`
	StatusLabel string         `json:"status_label"`
	Nft         types.Address  `json:"nft"`
	Manager     types.Address  `json:"manager"`
	Borrower    types.Address  `json:"borrower"`
	Custodian   types.Address  `json:"custodian,omitempty"`
	LockedAt    int64          `json:"locked_at"`
	ReleasedAt  int64          `json:"released_at"`
	IsLocked    bool           `json:"is_locked"`
}

func (e *Escrow) View() View {
	return View{
		ID:          e.cfg.ID,
		Status:      e.state.Status,
		StatusLabel: e.state.Status.String(),
		Nft:         e.cfg.Nft,
		Manager:     e.cfg.Manager,
		Borrower:    e.cfg.Borrower,
		Custodian:   e.state.Custodian,
		LockedAt:    e.state.LockedAt,
		ReleasedAt:  e.state.ReleasedAt,
		IsLocked:    e.IsLocked(),
	}
}

type snapshot struct {
	Config Config `json:"config"`
	State  State  `json:"state"`
}

func (e *Escrow) MarshalState() ([]byte, error) {
	return json.Marshal(snapshot{Config: e.cfg, State: e.state})
}

func Restore(data []byte) (*Escrow, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("restore escrow: %w", err)
	}
	if err := s.Config.Validate(); err != nil {
		return nil, fmt.Errorf("restore escrow: %w", err)
	}
	return &Escrow{cfg: s.Config, state: s.State}, nil
}
