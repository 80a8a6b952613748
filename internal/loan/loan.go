// Package loan implements the per-position state machine: fund against a
// fresh oracle price, repay, liquidate after the due date, and the
// loan-local timelocked risk parameters.
package loan

import (
	"encoding/json"
	"fmt"

	"NFTLend/internal/event"
	"NFTLend/internal/failure"
	fpmath "NFTLend/internal/math"
	"NFTLend/internal/types"
)

type Status uint8

const (
	StatusOpen Status = iota
	StatusFunded
	StatusRepaid
	StatusLiquidated
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "OPEN"
	case StatusFunded:
		return "FUNDED"
	case StatusRepaid:
		return "REPAID"
	case StatusLiquidated:
		return "LIQUIDATED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusRepaid || s == StatusLiquidated || s == StatusCancelled
}

// transitions is the complete edge set. Anything not listed is an invariant violation.
var transitions = map[Status][]Status{
	StatusOpen:   {StatusFunded, StatusCancelled},
	StatusFunded: {StatusRepaid, StatusLiquidated},
}

// CanTransition reports whether from→to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Config holds the deploy-time terms and links of a loan.
type Config struct {
	ID               types.EntityID `json:"id"`
	Owner            types.Address  `json:"owner"`
	Borrower         types.Address  `json:"borrower"`
	Collateral       string         `json:"collateral"`
	Principal        int64          `json:"principal"`
	RepayAmount      int64          `json:"repay_amount"`
	TermSeconds      int64          `json:"term_seconds"`
	MaxLtvBps        int64          `json:"max_ltv_bps"`
	OracleMaxAge     int64          `json:"oracle_max_age"`
	RiskTimelockSecs int64          `json:"risk_timelock_secs"`

	// Optional links to other entities. Messages from a link are accepted
	// only when sent with that entity's identity.
	Oracle        types.EntityID `json:"oracle,omitempty"`
	RiskAuthority types.EntityID `json:"risk_authority,omitempty"`
	Escrow        types.EntityID `json:"escrow,omitempty"`
	Pool          types.EntityID `json:"pool,omitempty"`

	// Keeper acts for a pool lender on Liquidate.
	Keeper types.Address `json:"keeper,omitempty"`
}

// Validate checks the deploy-time terms.
func (c Config) Validate() error {
	switch {
	case c.ID == "":
		return fmt.Errorf("loan: id is required")
	case c.Owner.IsZero():
		return fmt.Errorf("loan %s: owner is required", c.ID)
	case c.Borrower.IsZero():
		return fmt.Errorf("loan %s: borrower is required", c.ID)
	case c.Principal <= 0:
		return fmt.Errorf("loan %s: principal must be positive", c.ID)
	case c.RepayAmount < c.Principal:
		return fmt.Errorf("loan %s: repay amount %d below principal %d", c.ID, c.RepayAmount, c.Principal)
	case c.TermSeconds <= 0:
		return fmt.Errorf("loan %s: term must be positive", c.ID)
	case c.RiskTimelockSecs < 0:
		return fmt.Errorf("loan %s: risk timelock must not be negative", c.ID)
	}
	if err := ValidateRiskParams(c.MaxLtvBps, c.OracleMaxAge); err != nil {
		return fmt.Errorf("loan %s: %w", c.ID, err)
	}
	return nil
}

// ValidateRiskParams bounds LTV to (0, 100%] and requires a positive oracle age.
func ValidateRiskParams(maxLtvBps, oracleMaxAge int64) error {
	if maxLtvBps <= 0 || maxLtvBps > types.BpsDenominator {
		return ErrInvalidRisk.With("max ltv %d bps out of range", maxLtvBps)
	}
	if oracleMaxAge <= 0 {
		return ErrInvalidRisk.With("oracle max age %d must be positive", oracleMaxAge)
	}
	return nil
}

// PendingRisk is a loan-local proposal waiting out its timelock.
type PendingRisk struct {
	NextMaxLtvBps    int64 `json:"next_max_ltv_bps"`
	NextOracleMaxAge int64 `json:"next_oracle_max_age"`
	Eta              int64 `json:"eta"`
}

// State is the mutable part of a loan.
type State struct {
	Status           Status        `json:"status"`
	Lender           types.Address `json:"lender,omitempty"`
	StartedAt        int64         `json:"started_at"`
	DueAt            int64         `json:"due_at"`
	OraclePrice      int64         `json:"oracle_price"`
	OracleUpdatedAt  int64         `json:"oracle_updated_at"`
	Paused           bool          `json:"paused"`
	MaxLtvBps        int64         `json:"max_ltv_bps"`
	OracleMaxAge     int64         `json:"oracle_max_age"`
	Pending          *PendingRisk  `json:"pending,omitempty"`
	RiskVersion      int64         `json:"risk_version"`
	ProtocolVersion  int64         `json:"protocol_version"`
	CollateralLocked bool          `json:"collateral_locked"`
}

// Loan is one secured position. It is not safe for concurrent use; the
// owning actor serializes every call.
type Loan struct {
	cfg   Config
	state State
}

// New deploys an OPEN loan.
func New(cfg Config) (*Loan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Loan{
		cfg: cfg,
		state: State{
			Status:       StatusOpen,
			MaxLtvBps:    cfg.MaxLtvBps,
			OracleMaxAge: cfg.OracleMaxAge,
			RiskVersion:  1,
		},
	}, nil
}

func (l *Loan) ID() types.EntityID     { return l.cfg.ID }
func (l *Loan) Kind() types.EntityKind { return types.KindLoan }
func (l *Loan) Config() Config         { return l.cfg }
func (l *Loan) State() State           { return l.state }

// Handle applies one command. Every guard runs before any field is
// written, so a returned error leaves the loan untouched.
func (l *Loan) Handle(cmd event.Command, now int64) ([]event.Event, error) {
	switch c := cmd.(type) {
	case *event.SetOraclePrice:
		return l.setOraclePrice(c, now)
	case *event.SetLoanPaused:
		return l.setPaused(c)
	case *event.FundLoan:
		return l.fund(c, now)
	case *event.Repay:
		return l.repay(c)
	case *event.Liquidate:
		return l.liquidate(c, now)
	case *event.CancelLoan:
		return l.cancel(c)
	case *event.ProposeRiskParams:
		return l.proposeRisk(c, now)
	case *event.ApplyRiskParams:
		return l.applyRisk(c, now)
	case *event.SyncOraclePrice:
		return l.syncOraclePrice(c, now)
	case *event.SyncProtocolRisk:
		return l.syncProtocolRisk(c)
	case *event.CollateralLocked:
		return l.collateralLocked(c)
	default:
		return nil, failure.ErrUnknownMessage.With("loan cannot handle %s", cmd.MessageType())
	}
}

func (l *Loan) origin() event.Origin { return event.From(l.cfg.ID) }

func (l *Loan) transition(to Status) {
	if !CanTransition(l.state.Status, to) {
		panic(fmt.Sprintf("FATAL: loan %s illegal transition %s -> %s", l.cfg.ID, l.state.Status, to))
	}
	l.state.Status = to
}

func (l *Loan) setOraclePrice(c *event.SetOraclePrice, now int64) ([]event.Event, error) {
	if c.Sender != l.cfg.Owner {
		return nil, ErrNotOwner
	}
	if err := validatePrice(c.Price, c.UpdatedAt, now); err != nil {
		return nil, err
	}
	l.state.OraclePrice = c.Price
	l.state.OracleUpdatedAt = c.UpdatedAt
	return []event.Event{&event.OraclePriceSet{Origin: l.origin(), Price: c.Price, UpdatedAt: c.UpdatedAt}}, nil
}

func (l *Loan) syncOraclePrice(c *event.SyncOraclePrice, now int64) ([]event.Event, error) {
	if l.cfg.Oracle == "" || c.Sender != types.EntityAddress(l.cfg.Oracle) {
		return nil, ErrNotOracleFeed
	}
	if err := validatePrice(c.Price, c.UpdatedAt, now); err != nil {
		return nil, err
	}
	if c.UpdatedAt < l.state.OracleUpdatedAt {
		return nil, ErrOracleStale.With("pushed price at %d older than recorded %d", c.UpdatedAt, l.state.OracleUpdatedAt)
	}
	l.state.OraclePrice = c.Price
	l.state.OracleUpdatedAt = c.UpdatedAt
	return []event.Event{&event.OraclePriceSet{Origin: l.origin(), Price: c.Price, UpdatedAt: c.UpdatedAt, Pushed: true}}, nil
}

func validatePrice(price, updatedAt, now int64) error {
	if price <= 0 || updatedAt <= 0 {
		return ErrInvalidPrice.With("price=%d updated_at=%d", price, updatedAt)
	}
	if updatedAt > now {
		return ErrFutureTimestamp.With("updated_at=%d now=%d", updatedAt, now)
	}
	return nil
}

func (l *Loan) setPaused(c *event.SetLoanPaused) ([]event.Event, error) {
	if c.Sender != l.cfg.Owner {
		return nil, ErrNotOwner
	}
	l.state.Paused = c.Paused
	return []event.Event{&event.LoanPauseChanged{Origin: l.origin(), Paused: c.Paused}}, nil
}

// OracleFresh reports now − oracleUpdatedAt ≤ oracleMaxAge for a recorded price.
func (l *Loan) OracleFresh(now int64) bool {
	if l.state.OraclePrice <= 0 || l.state.OracleUpdatedAt <= 0 {
		return false
	}
	return now-l.state.OracleUpdatedAt <= l.state.OracleMaxAge
}

func (l *Loan) fund(c *event.FundLoan, now int64) ([]event.Event, error) {
	if l.state.Status != StatusOpen {
		return nil, ErrNotOpen.With("status %s", l.state.Status)
	}
	if l.state.Paused {
		return nil, failure.ErrPaused.With("loan %s", l.cfg.ID)
	}
	if l.state.OraclePrice <= 0 || l.state.OracleUpdatedAt <= 0 {
		return nil, ErrOracleMissing
	}
	if !l.OracleFresh(now) {
		return nil, ErrOracleStale.With("age %ds exceeds %ds", now-l.state.OracleUpdatedAt, l.state.OracleMaxAge)
	}
	if !fpmath.WithinLTV(l.cfg.Principal, l.state.OraclePrice, l.state.MaxLtvBps) {
		return nil, ErrLTVBreach.With("ltv %d bps exceeds %d bps",
			fpmath.LTVBps(l.cfg.Principal, l.state.OraclePrice), l.state.MaxLtvBps)
	}
	if l.cfg.Escrow != "" && !l.state.CollateralLocked {
		return nil, ErrCollateralMissing.With("escrow %s", l.cfg.Escrow)
	}
	if c.Value < l.cfg.Principal {
		return nil, failure.ErrInsufficientValue.With("attached %d, principal %d", c.Value, l.cfg.Principal)
	}

	// Pool funding arrives after BorrowTo routed the principal to this loan.
	payer := c.Sender
	if l.cfg.Pool != "" && c.Sender == types.EntityAddress(l.cfg.Pool) {
		payer = types.EntityAddress(l.cfg.ID)
	}

	l.transition(StatusFunded)
	l.state.Lender = c.Sender
	l.state.StartedAt = now
	l.state.DueAt = now + l.cfg.TermSeconds

	return []event.Event{&event.LoanFunded{
		Origin:    l.origin(),
		Lender:    c.Sender,
		Borrower:  l.cfg.Borrower,
		Payer:     payer,
		Principal: l.cfg.Principal,
		StartedAt: l.state.StartedAt,
		DueAt:     l.state.DueAt,
	}}, nil
}

// Repay is deliberately not pause-gated: borrowers can always exit.
func (l *Loan) repay(c *event.Repay) ([]event.Event, error) {
	if c.Sender != l.cfg.Borrower {
		return nil, ErrNotBorrower
	}
	if l.state.Status != StatusFunded {
		return nil, ErrNotFunded.With("status %s", l.state.Status)
	}
	if c.Value < l.cfg.RepayAmount {
		return nil, failure.ErrInsufficientValue.With("attached %d, repay amount %d", c.Value, l.cfg.RepayAmount)
	}
	l.transition(StatusRepaid)
	return []event.Event{&event.LoanRepaid{
		Origin:    l.origin(),
		Borrower:  l.cfg.Borrower,
		Lender:    l.state.Lender,
		Principal: l.cfg.Principal,
		Amount:    l.cfg.RepayAmount,
	}}, nil
}

func (l *Loan) liquidate(c *event.Liquidate, now int64) ([]event.Event, error) {
	if !l.canActAsLender(c.Sender) {
		return nil, ErrNotLender
	}
	if l.state.Status != StatusFunded {
		return nil, ErrNotFunded.With("status %s", l.state.Status)
	}
	if now <= l.state.DueAt {
		return nil, ErrNotDue.With("due at %d, now %d", l.state.DueAt, now)
	}
	l.transition(StatusLiquidated)
	return []event.Event{&event.LoanLiquidated{
		Origin:      l.origin(),
		Lender:      l.state.Lender,
		Borrower:    l.cfg.Borrower,
		Collateral:  l.cfg.Collateral,
		Principal:   l.cfg.Principal,
		RepayAmount: l.cfg.RepayAmount,
	}}, nil
}

func (l *Loan) canActAsLender(sender types.Address) bool {
	if sender.IsZero() || l.state.Lender.IsZero() {
		return false
	}
	if sender == l.state.Lender {
		return true
	}
	// A pool cannot sign for itself; the keeper acts on its behalf.
	pooled := l.cfg.Pool != "" && l.state.Lender == types.EntityAddress(l.cfg.Pool)
	return pooled && !l.cfg.Keeper.IsZero() && sender == l.cfg.Keeper
}

func (l *Loan) cancel(c *event.CancelLoan) ([]event.Event, error) {
	if c.Sender != l.cfg.Borrower {
		return nil, ErrNotBorrower
	}
	if l.state.Status != StatusOpen {
		return nil, ErrNotOpen.With("status %s", l.state.Status)
	}
	l.transition(StatusCancelled)
	return []event.Event{&event.LoanCancelled{Origin: l.origin(), Borrower: l.cfg.Borrower}}, nil
}

func (l *Loan) proposeRisk(c *event.ProposeRiskParams, now int64) ([]event.Event, error) {
	if c.Sender != l.cfg.Owner {
		return nil, ErrNotOwner
	}
	if l.state.Status.Terminal() {
		return nil, ErrTerminal.With("status %s", l.state.Status)
	}
	if err := ValidateRiskParams(c.NextMaxLtvBps, c.NextOracleMaxAge); err != nil {
		return nil, err
	}
	l.state.Pending = &PendingRisk{
		NextMaxLtvBps:    c.NextMaxLtvBps,
		NextOracleMaxAge: c.NextOracleMaxAge,
		Eta:              now + l.cfg.RiskTimelockSecs,
	}
	return []event.Event{&event.LoanRiskProposed{
		Origin:           l.origin(),
		NextMaxLtvBps:    c.NextMaxLtvBps,
		NextOracleMaxAge: c.NextOracleMaxAge,
		Eta:              l.state.Pending.Eta,
	}}, nil
}

func (l *Loan) applyRisk(c *event.ApplyRiskParams, now int64) ([]event.Event, error) {
	if c.Sender != l.cfg.Owner {
		return nil, ErrNotOwner
	}
	if l.state.Status.Terminal() {
		return nil, ErrTerminal.With("status %s", l.state.Status)
	}
	p := l.state.Pending
	if p == nil {
		return nil, ErrNoPendingRisk
	}
	if now < p.Eta {
		return nil, ErrTimelockActive.With("eta %d, now %d", p.Eta, now)
	}
	l.state.MaxLtvBps = p.NextMaxLtvBps
	l.state.OracleMaxAge = p.NextOracleMaxAge
	l.state.RiskVersion++
	l.state.Pending = nil
	return []event.Event{l.riskApplied(event.RiskScopeLoan)}, nil
}

// syncProtocolRisk applies parameters whose timelock the multisig already enforced.
func (l *Loan) syncProtocolRisk(c *event.SyncProtocolRisk) ([]event.Event, error) {
	if l.cfg.RiskAuthority == "" || c.Sender != types.EntityAddress(l.cfg.RiskAuthority) {
		return nil, ErrNotRiskAuthority
	}
	if l.state.Status.Terminal() {
		return nil, ErrTerminal.With("status %s", l.state.Status)
	}
	if c.Version <= l.state.ProtocolVersion {
		return nil, ErrStaleRiskVersion.With("version %d, applied %d", c.Version, l.state.ProtocolVersion)
	}
	if err := ValidateRiskParams(c.MaxLtvBps, c.OracleMaxAge); err != nil {
		return nil, err
	}
	l.state.MaxLtvBps = c.MaxLtvBps
	l.state.OracleMaxAge = c.OracleMaxAge
	l.state.ProtocolVersion = c.Version
	l.state.RiskVersion++
	return []event.Event{l.riskApplied(event.RiskScopeProtocol)}, nil
}

func (l *Loan) riskApplied(scope event.RiskScope) event.Event {
	return &event.LoanRiskApplied{
		Origin:       l.origin(),
		MaxLtvBps:    l.state.MaxLtvBps,
		OracleMaxAge: l.state.OracleMaxAge,
		RiskVersion:  l.state.RiskVersion,
		Scope:        scope,
	}
}

func (l *Loan) collateralLocked(c *event.CollateralLocked) ([]event.Event, error) {
	if l.cfg.Escrow == "" || c.Sender != types.EntityAddress(l.cfg.Escrow) {
		return nil, ErrNotEscrow
	}
	if l.state.Status != StatusOpen {
		return nil, ErrNotOpen.With("status %s", l.state.Status)
	}
	l.state.CollateralLocked = true
	return []event.Event{&event.LoanCollateralLocked{Origin: l.origin(), Escrow: l.cfg.Escrow}}, nil
}

type snapshot struct {
	Config Config `json:"config"`
	State  State  `json:"state"`
}

// MarshalState serializes config and state for snapshots and projections.
func (l *Loan) MarshalState() ([]byte, error) {
	return json.Marshal(snapshot{Config: l.cfg, State: l.state})
}

// Restore rebuilds a loan from MarshalState output.
func Restore(data []byte) (*Loan, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("restore loan: %w", err)
	}
	if err := s.Config.Validate(); err != nil {
		return nil, fmt.Errorf("restore loan: %w", err)
	}
	return &Loan{cfg: s.Config, state: s.State}, nil
}
