// Package auction runs the time-boxed sale of defaulted collateral.
// Bids must strictly increase; ties never displace the incumbent.
package auction

import (
	"encoding/json"
	"fmt"

	"NFTLend/internal/event"
	"NFTLend/internal/failure"
	"NFTLend/internal/types"
)

type Status uint8

const (
	StatusNotStarted Status = iota
	StatusActive
	StatusSettled
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "NOT_STARTED"
	case StatusActive:
		return "ACTIVE"
	case StatusSettled:
		return "SETTLED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

var (
	ErrNotManager     = failure.Unauthorized("not_manager")
	ErrNotStarted     = failure.BadState("auction_not_active")
	ErrAlreadyStarted = failure.BadState("auction_already_started")
	ErrInvalidParams  = failure.Guarded("invalid_auction_params")
	ErrAuctionEnded   = failure.Guarded("auction_ended")
	ErrAuctionRunning = failure.Guarded("auction_still_running")
	ErrBidTooLow      = failure.Guarded("bid_not_higher")
)

type Config struct {
	ID         types.EntityID `json:"id"`
	Owner      types.Address  `json:"owner"`
	Manager    types.Address  `json:"manager"`
	Collateral string         `json:"collateral"`
	Borrower   types.Address  `json:"borrower"`
	Lender     types.Address  `json:"lender"`
	// Debt is the principal the sale must recover for the lender.
	Debt int64 `json:"debt"`
}

func (c Config) Validate() error {
	switch {
	case c.ID == "":
		return fmt.Errorf("auction: id is required")
	case c.Manager.IsZero():
		return fmt.Errorf("auction %s: manager is required", c.ID)
	case c.Lender.IsZero() || c.Borrower.IsZero():
		return fmt.Errorf("auction %s: lender and borrower are required", c.ID)
	case c.Debt < 0:
		return fmt.Errorf("auction %s: debt must not be negative", c.ID)
	}
	return nil
}

type State struct {
	Status          Status        `json:"status"`
	MinBid          int64         `json:"min_bid"`
	StartTime       int64         `json:"start_time"`
	DurationSeconds int64         `json:"duration_seconds"`
	BestBid         int64         `json:"best_bid"`
	BestBidder      types.Address `json:"best_bidder,omitempty"`
	Bids            int           `json:"bids"`
	Sold            bool          `json:"sold"`
	SettledAt       int64         `json:"settled_at"`
}

// EndsAt is the first instant at which bidding is closed.
func (s State) EndsAt() int64 { return s.StartTime + s.DurationSeconds }

// Auction is not safe for concurrent use; the owning actor serializes calls.
type Auction struct {
	cfg   Config
	state State
}

func New(cfg Config) (*Auction, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Auction{cfg: cfg}, nil
}

func (a *Auction) ID() types.EntityID     { return a.cfg.ID }
func (a *Auction) Kind() types.EntityKind { return types.KindAuction }
func (a *Auction) Config() Config         { return a.cfg }
func (a *Auction) State() State           { return a.state }

func (a *Auction) Handle(cmd event.Command, now int64) ([]event.Event, error) {
	switch c := cmd.(type) {
	case *event.StartAuction:
		return a.start(c, now)
	case *event.PlaceBid:
		return a.bid(c, now)
	case *event.FinalizeAuction:
		return a.finalize(c, now)
	default:
		return nil, failure.ErrUnknownMessage.With("auction cannot handle %s", cmd.MessageType())
	}
}

func (a *Auction) origin() event.Origin { return event.From(a.cfg.ID) }

func (a *Auction) start(c *event.StartAuction, now int64) ([]event.Event, error) {
	if c.Sender != a.cfg.Manager {
		return nil, ErrNotManager
	}
	if a.state.Status != StatusNotStarted {
		return nil, ErrAlreadyStarted.With("status %s", a.state.Status)
	}
	if c.MinBid <= 0 || c.DurationSeconds <= 0 {
		return nil, ErrInvalidParams.With("min_bid=%d duration=%d", c.MinBid, c.DurationSeconds)
	}
	a.state.Status = StatusActive
	a.state.MinBid = c.MinBid
	a.state.StartTime = now
	a.state.DurationSeconds = c.DurationSeconds
	return []event.Event{&event.AuctionStarted{
		Origin: a.origin(), MinBid: c.MinBid, StartTime: now, DurationSeconds: c.DurationSeconds,
	}}, nil
}

// bid accepts the attached value only if it strictly beats the best bid,
// refunding the displaced leader in the same step.
func (a *Auction) bid(c *event.PlaceBid, now int64) ([]event.Event, error) {
	if a.state.Status != StatusActive {
		return nil, ErrNotStarted.With("status %s", a.state.Status)
	}
	if now >= a.state.EndsAt() {
		return nil, ErrAuctionEnded.With("ended at %d", a.state.EndsAt())
	}
	if c.Value <= a.state.BestBid {
		return nil, ErrBidTooLow.With("bid %d, best %d", c.Value, a.state.BestBid)
	}

	var evts []event.Event
	if !a.state.BestBidder.IsZero() {
		evts = append(evts, &event.BidRefunded{Origin: a.origin(), Bidder: a.state.BestBidder, Amount: a.state.BestBid})
	}
	a.state.BestBid = c.Value
	a.state.BestBidder = c.Sender
	a.state.Bids++
	evts = append(evts, &event.BidPlaced{Origin: a.origin(), Bidder: c.Sender, Amount: c.Value})
	return evts, nil
}

// Proceeds is how a settlement splits the winning bid.
type Proceeds struct {
	PaidToLender   int64
	PaidToBorrower int64
	Shortfall      int64
}

// Split pays the lender up to debt and the borrower any surplus.
func Split(winningBid, debt int64) Proceeds {
	toLender := min(winningBid, debt)
	return Proceeds{
		PaidToLender:   toLender,
		PaidToBorrower: winningBid - toLender,
		Shortfall:      debt - toLender,
	}
}

func (a *Auction) finalize(c *event.FinalizeAuction, now int64) ([]event.Event, error) {
	if c.Sender != a.cfg.Manager {
		return nil, ErrNotManager
	}
	if a.state.Status != StatusActive {
		return nil, ErrNotStarted.With("status %s", a.state.Status)
	}
	if now < a.state.EndsAt() {
		return nil, ErrAuctionRunning.With("ends at %d, now %d", a.state.EndsAt(), now)
	}

	sold := !a.state.BestBidder.IsZero() && a.state.BestBid >= a.state.MinBid
	settled := &event.AuctionSettled{
		Origin:     a.origin(),
		Sold:       sold,
		Lender:     a.cfg.Lender,
		Borrower:   a.cfg.Borrower,
		Collateral: a.cfg.Collateral,
		Debt:       a.cfg.Debt,
	}

	var evts []event.Event
	if sold {
		p := Split(a.state.BestBid, a.cfg.Debt)
		settled.Winner = a.state.BestBidder
		settled.WinningBid = a.state.BestBid
		settled.PaidToLender = p.PaidToLender
		settled.PaidToBorrower = p.PaidToBorrower
		settled.Shortfall = p.Shortfall
	} else {
		// No sale: the standing bid below the reserve goes back.
		if !a.state.BestBidder.IsZero() {
			evts = append(evts, &event.BidRefunded{Origin: a.origin(), Bidder: a.state.BestBidder, Amount: a.state.BestBid})
		}
		settled.Shortfall = a.cfg.Debt
	}

	a.state.Status = StatusSettled
	a.state.Sold = sold
	a.state.SettledAt = now
	return append(evts, settled), nil
}

type View struct {
	ID              types.EntityID `json:"id"`
	Status          Status         `json:"status"`
	StatusLabel     string         `json:"status_label"`
	Collateral      string         `json:"collateral"`
	Lender          types.Address  `json:"lender"`
	Borrower        types.Address  `json:"borrower"`
	Debt            int64          `json:"debt"`
	MinBid          int64          `json:"min_bid"`
	StartTime       int64          `json:"start_time"`
	DurationSeconds int64          `json:"duration_seconds"`
	EndsAt          int64          `json:"ends_at"`
	BestBid         int64          `json:"best_bid"`
	BestBidder      types.Address  `json:"best_bidder,omitempty"`
	Bids            int            `json:"bids"`
	Sold            bool           `json:"sold"`
	SettledAt       int64          `json:"settled_at"`
}

func (a *Auction) View() View {
	return View{
		ID:              a.cfg.ID,
		Status:          a.state.Status,
		StatusLabel:     a.state.Status.String(),
		Collateral:      a.cfg.Collateral,
		Lender:          a.cfg.Lender,
		Borrower:        a.cfg.Borrower,
		Debt:            a.cfg.Debt,
		MinBid:          a.state.MinBid,
		StartTime:       a.state.StartTime,
		DurationSeconds: a.state.DurationSeconds,
		EndsAt:          a.state.EndsAt(),
		BestBid:         a.state.BestBid,
		BestBidder:      a.state.BestBidder,
		Bids:            a.state.Bids,
		Sold:            a.state.Sold,
		SettledAt:       a.state.SettledAt,
	}
}

type snapshot struct {
	Config Config `json:"config"`
	State  State  `json:"state"`
}

func (a *Auction) MarshalState() ([]byte, error) {
	return json.Marshal(snapshot{Config: a.cfg, State: a.state})
}

func Restore(data []byte) (*Auction, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("restore auction: %w", err)
	}
	if err := s.Config.Validate(); err != nil {
		return nil, fmt.Errorf("restore auction: %w", err)
	}
	return &Auction{cfg: s.Config, state: s.State}, nil
}
