// Package pool aggregates LP deposits and routes borrow/repay cash flows
// for pooled lending. Exits (withdraw, repay) are never pause-gated.
package pool

import (
	"encoding/json"
	"fmt"
	"sort"

	"NFTLend/internal/event"
	"NFTLend/internal/failure"
	fpmath "NFTLend/internal/math"
	"NFTLend/internal/types"
)

// MaxTier is the highest accepted deposit tier.
const MaxTier = 2

var (
	ErrNotOwner              = failure.Unauthorized("not_owner")
	ErrNotManager            = failure.Unauthorized("not_manager")
	ErrInvalidTier           = failure.Guarded("invalid_tier")
	ErrTierMismatch          = failure.Guarded("tier_mismatch")
	ErrInsufficientLiquidity = failure.Guarded("insufficient_liquidity")
	ErrBorrowCapExceeded     = failure.Guarded("borrow_cap_exceeded")
	ErrRepayExceedsDebt      = failure.Guarded("repay_exceeds_outstanding")
	ErrNoPosition            = failure.Guarded("no_lp_position")
	ErrInvalidRecipient      = failure.Guarded("invalid_recipient")
	ErrAmountOverflow        = failure.Guarded("amount_overflow")
	ErrNothingToWriteOff     = failure.Guarded("nothing_to_write_off")
)

type Config struct {
	ID      types.EntityID `json:"id"`
	Owner   types.Address  `json:"owner"`
	Manager types.Address  `json:"manager"`
	// MaxOutstanding caps borrowed principal in flight; 0 disables the cap.
	MaxOutstanding int64 `json:"max_outstanding"`
}

func (c Config) Validate() error {
	switch {
	case c.ID == "":
		return fmt.Errorf("pool: id is required")
	case c.Owner.IsZero():
		return fmt.Errorf("pool %s: owner is required", c.ID)
	case c.Manager.IsZero():
		return fmt.Errorf("pool %s: manager is required", c.ID)
	case c.MaxOutstanding < 0:
		return fmt.Errorf("pool %s: max outstanding must not be negative", c.ID)
	}
	return nil
}

// Position is one LP's claim on the pool.
type Position struct {
	Principal int64 `json:"principal"`
	Accrued   int64 `json:"accrued"`
	Tier      int   `json:"tier"`
}

// Claim is what a withdrawal pays out.
func (p Position) Claim() int64 { return p.Principal + p.Accrued }

type State struct {
	Cash           int64                      `json:"cash"`
	Outstanding    int64                      `json:"outstanding"`
	TotalLiquidity int64                      `json:"total_liquidity"`
	Residual       int64                      `json:"residual"`
	Paused         bool                       `json:"paused"`
	Positions      map[types.Address]Position `json:"positions"`
}

// Pool is not safe for concurrent use; the owning actor serializes calls.
type Pool struct {
	cfg   Config
	state State
}

func New(cfg Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pool{cfg: cfg, state: State{Positions: make(map[types.Address]Position)}}, nil
}

func (p *Pool) ID() types.EntityID     { return p.cfg.ID }
func (p *Pool) Kind() types.EntityKind { return types.KindPool }
func (p *Pool) Config() Config         { return p.cfg }

func (p *Pool) Handle(cmd event.Command, now int64) ([]event.Event, error) {
	var (
		evts []event.Event
		err  error
	)
	switch c := cmd.(type) {
	case *event.DepositLiquidity:
		evts, err = p.deposit(c)
	case *event.BorrowTo:
		evts, err = p.borrow(c)
	case *event.RepayFromLoan:
		evts, err = p.repay(c)
	case *event.WithdrawLiquidity:
		evts, err = p.withdraw(c)
	case *event.SetPoolPaused:
		evts, err = p.setPaused(c)
	case *event.WriteOffLoss:
		evts, err = p.writeOff(c)
	default:
		return nil, failure.ErrUnknownMessage.With("pool cannot handle %s", cmd.MessageType())
	}
	if err != nil {
		return nil, err
	}
	p.checkInvariants()
	return evts, nil
}

func (p *Pool) origin() event.Origin { return event.From(p.cfg.ID) }

func (p *Pool) deposit(c *event.DepositLiquidity) ([]event.Event, error) {
	if c.Value <= 0 {
		return nil, failure.ErrInsufficientValue.With("deposit of %d", c.Value)
	}
	if c.Tier < 0 || c.Tier > MaxTier {
		return nil, ErrInvalidTier.With("tier %d", c.Tier)
	}
	pos, exists := p.state.Positions[c.Sender]
	if exists && pos.Claim() > 0 && pos.Tier != c.Tier {
		return nil, ErrTierMismatch.With("position tier %d, deposit tier %d", pos.Tier, c.Tier)
	}

	if _, ok := fpmath.AddNonNegative(p.state.Cash, p.state.Outstanding, c.Value); !ok {
		return nil, ErrAmountOverflow.With("deposit of %d", c.Value)
	}

	pos.Principal += c.Value
	pos.Tier = c.Tier
	p.state.Positions[c.Sender] = pos
	p.state.Cash += c.Value
	p.state.TotalLiquidity += c.Value

	return []event.Event{&event.LiquidityDeposited{
		Origin: p.origin(), Provider: c.Sender, Tier: c.Tier, Amount: c.Value,
	}}, nil
}

func (p *Pool) borrow(c *event.BorrowTo) ([]event.Event, error) {
	if c.Sender != p.cfg.Manager {
		return nil, ErrNotManager
	}
	if p.state.Paused {
		return nil, failure.ErrPaused.With("pool %s", p.cfg.ID)
	}
	if c.To.IsZero() {
		return nil, ErrInvalidRecipient
	}
	if c.Amount <= 0 {
		return nil, failure.ErrInvalidAmount.With("borrow of %d", c.Amount)
	}
	if c.Amount > p.state.Cash {
		return nil, ErrInsufficientLiquidity.With("borrow %d, available %d", c.Amount, p.state.Cash)
	}
	if p.cfg.MaxOutstanding > 0 && p.state.Outstanding+c.Amount > p.cfg.MaxOutstanding {
		return nil, ErrBorrowCapExceeded.With("outstanding %d + %d > cap %d",
			p.state.Outstanding, c.Amount, p.cfg.MaxOutstanding)
	}

	p.state.Cash -= c.Amount
	p.state.Outstanding += c.Amount
	return []event.Event{&event.LiquidityBorrowed{Origin: p.origin(), To: c.To, Amount: c.Amount}}, nil
}

// repay returns principal to the pool and accrues interest and penalty to
// LPs pro-rata by principal. Rounding dust stays in Residual.
func (p *Pool) repay(c *event.RepayFromLoan) ([]event.Event, error) {
	if c.Sender != p.cfg.Manager {
		return nil, ErrNotManager
	}
	if c.PrincipalRepaid < 0 || c.InterestPaid < 0 || c.PenaltyPaid < 0 {
		return nil, failure.ErrInvalidAmount.With("negative repayment component")
	}
	total, ok := fpmath.AddNonNegative(c.PrincipalRepaid, c.InterestPaid, c.PenaltyPaid)
	if !ok {
		return nil, ErrAmountOverflow.With("repayment components %d+%d+%d", c.PrincipalRepaid, c.InterestPaid, c.PenaltyPaid)
	}
	if _, ok := fpmath.AddNonNegative(p.state.Cash, p.state.Outstanding, total); !ok {
		return nil, ErrAmountOverflow.With("repayment of %d", total)
	}
	if total <= 0 {
		return nil, failure.ErrInvalidAmount.With("empty repayment")
	}
	if c.Value < total {
		return nil, failure.ErrInsufficientValue.With("attached %d, repayment %d", c.Value, total)
	}
	if c.PrincipalRepaid > p.state.Outstanding {
		return nil, ErrRepayExceedsDebt.With("principal %d, outstanding %d", c.PrincipalRepaid, p.state.Outstanding)
	}

	yield := c.InterestPaid + c.PenaltyPaid
	dist := fpmath.ProRata(yield, p.shares())
	for _, credit := range dist.Credits {
		addr := types.Address(credit.Holder)
		pos := p.state.Positions[addr]
		pos.Accrued += credit.Amount
		p.state.Positions[addr] = pos
	}

	p.state.Cash += total
	p.state.Outstanding -= c.PrincipalRepaid
	p.state.TotalLiquidity += yield - dist.Residual
	p.state.Residual += dist.Residual

	payer := c.Payer
	if payer.IsZero() {
		payer = c.Sender
	}
	return []event.Event{&event.PoolRepaid{
		Origin:          p.origin(),
		Payer:           payer,
		PrincipalRepaid: c.PrincipalRepaid,
		InterestPaid:    c.InterestPaid,
		PenaltyPaid:     c.PenaltyPaid,
		Distributed:     yield - dist.Residual,
		Residual:        dist.Residual,
	}}, nil
}

func (p *Pool) shares() []fpmath.Share {
	shares := make([]fpmath.Share, 0, len(p.state.Positions))
	for addr, pos := range p.state.Positions {
		shares = append(shares, fpmath.Share{Holder: string(addr), Weight: pos.Principal})
	}
	return shares
}

// withdraw is all-or-nothing and never pause-gated.
func (p *Pool) withdraw(c *event.WithdrawLiquidity) ([]event.Event, error) {
	pos, ok := p.state.Positions[c.Sender]
	if !ok || pos.Claim() == 0 {
		return nil, ErrNoPosition.With("provider %s", c.Sender)
	}
	claim := pos.Claim()
	if claim > p.state.Cash {
		return nil, ErrInsufficientLiquidity.With("claim %d, available %d", claim, p.state.Cash)
	}

	p.state.Cash -= claim
	p.state.TotalLiquidity -= claim
	p.state.Positions[c.Sender] = Position{Tier: pos.Tier}

	return []event.Event{&event.LiquidityWithdrawn{
		Origin: p.origin(), Provider: c.Sender, Principal: pos.Principal, Accrued: pos.Accrued,
	}}, nil
}

// writeOff removes lost principal from Outstanding and charges it to LPs
// pro-rata by claim. Rounding dust is taken from Residual first, then one
// nanoton at a time from providers in address order.
func (p *Pool) writeOff(c *event.WriteOffLoss) ([]event.Event, error) {
	if c.Sender != p.cfg.Manager {
		return nil, ErrNotManager
	}
	if c.Amount <= 0 {
		return nil, failure.ErrInvalidAmount.With("write off of %d", c.Amount)
	}
	loss := min(c.Amount, p.state.Outstanding, p.state.TotalLiquidity)
	if loss == 0 {
		return nil, ErrNothingToWriteOff.With("outstanding %d", p.state.Outstanding)
	}

	shares := make([]fpmath.Share, 0, len(p.state.Positions))
	for addr, pos := range p.state.Positions {
		shares = append(shares, fpmath.Share{Holder: string(addr), Weight: pos.Claim()})
	}
	dist := fpmath.ProRata(loss, shares)
	charges := make(map[types.Address]int64, len(dist.Credits))
	for _, credit := range dist.Credits {
		charges[types.Address(credit.Holder)] = credit.Amount
	}

	fromResidual := min(dist.Residual, p.state.Residual)
	dust := dist.Residual - fromResidual
	for _, addr := range p.Providers() {
		if dust == 0 {
			break
		}
		if p.state.Positions[addr].Claim() > charges[addr] {
			charges[addr]++
			dust--
		}
	}
	if dust != 0 {
		panic(fmt.Sprintf("FATAL: pool %s cannot place %d of write off %d", p.cfg.ID, dust, loss))
	}

	for addr, charge := range charges {
		pos := p.state.Positions[addr]
		fromPrincipal := min(charge, pos.Principal)
		pos.Principal -= fromPrincipal
		pos.Accrued -= charge - fromPrincipal
		p.state.Positions[addr] = pos
	}
	p.state.Outstanding -= loss
	p.state.TotalLiquidity -= loss - fromResidual
	p.state.Residual -= fromResidual

	return []event.Event{&event.PoolLossWrittenOff{
		Origin: p.origin(), Requested: c.Amount, WrittenOff: loss, FromResidual: fromResidual,
	}}, nil
}

func (p *Pool) setPaused(c *event.SetPoolPaused) ([]event.Event, error) {
	if c.Sender != p.cfg.Owner {
		return nil, ErrNotOwner
	}
	p.state.Paused = c.Paused
	return []event.Event{&event.PoolPauseChanged{Origin: p.origin(), Paused: c.Paused}}, nil
}

// checkInvariants aborts on accounting drift; it cannot be reached through
// validated handlers.
func (p *Pool) checkInvariants() {
	var claims int64
	for addr, pos := range p.state.Positions {
		if pos.Principal < 0 || pos.Accrued < 0 {
			panic(fmt.Sprintf("FATAL: pool %s negative position for %s: %+v", p.cfg.ID, addr, pos))
		}
		claims += pos.Claim()
	}
	if claims != p.state.TotalLiquidity {
		panic(fmt.Sprintf("FATAL: pool %s total liquidity %d != sum of claims %d",
			p.cfg.ID, p.state.TotalLiquidity, claims))
	}
	if p.state.Cash < 0 || p.state.Outstanding < 0 {
		panic(fmt.Sprintf("FATAL: pool %s negative balance cash=%d outstanding=%d",
			p.cfg.ID, p.state.Cash, p.state.Outstanding))
	}
}

type View struct {
	ID             types.EntityID `json:"id"`
	Owner          types.Address  `json:"owner"`
	Manager        types.Address  `json:"manager"`
	TotalLiquidity int64          `json:"total_liquidity"`
	Available      int64          `json:"available"`
	Outstanding    int64          `json:"outstanding"`
	MaxOutstanding int64          `json:"max_outstanding"`
	Residual       int64          `json:"residual"`
	Paused         bool           `json:"paused"`
	Providers      int            `json:"providers"`
}

func (p *Pool) View() View {
	providers := 0
	for _, pos := range p.state.Positions {
		if pos.Claim() > 0 {
			providers++
		}
	}
	return View{
		ID:             p.cfg.ID,
		Owner:          p.cfg.Owner,
		Manager:        p.cfg.Manager,
		TotalLiquidity: p.state.TotalLiquidity,
		Available:      p.state.Cash,
		Outstanding:    p.state.Outstanding,
		MaxOutstanding: p.cfg.MaxOutstanding,
		Residual:       p.state.Residual,
		Paused:         p.state.Paused,
		Providers:      providers,
	}
}

// Position answers GetLpPosition; unknown providers read as zero.
func (p *Pool) Position(addr types.Address) Position {
	return p.state.Positions[addr]
}

// Providers lists addresses with a non-zero claim, sorted.
func (p *Pool) Providers() []types.Address {
	out := make([]types.Address, 0, len(p.state.Positions))
	for addr, pos := range p.state.Positions {
		if pos.Claim() > 0 {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type snapshot struct {
	Config Config `json:"config"`
	State  State  `json:"state"`
}

func (p *Pool) MarshalState() ([]byte, error) {
	return json.Marshal(snapshot{Config: p.cfg, State: p.state})
}

func Restore(data []byte) (*Pool, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("restore pool: %w", err)
	}
	if err := s.Config.Validate(); err != nil {
		return nil, fmt.Errorf("restore pool: %w", err)
	}
	if s.State.Positions == nil {
		s.State.Positions = make(map[types.Address]Position)
	}
	restored := &Pool{cfg: s.Config, state: s.State}
	restored.checkInvariants()
	return restored, nil
}
