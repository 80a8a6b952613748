// Package multisig governs protocol-wide risk parameters: any signer
// proposes, a second signer approves, and nothing applies before the
// timelock elapses.
package multisig

import (
	"encoding/json"
	"fmt"
	"sort"

	"NFTLend/internal/event"
	"NFTLend/internal/failure"
	"NFTLend/internal/loan"
	"NFTLend/internal/types"
)

const (
	SignerCount = 3
	Threshold   = 2
)

var (
	ErrNotSigner            = failure.Unauthorized("not_signer")
	ErrNoPendingProposal    = failure.Guarded("no_pending_proposal")
	ErrProposalMismatch     = failure.Guarded("proposal_mismatch")
	ErrInsufficientApproval = failure.Guarded("insufficient_approvals")
	ErrTimelockActive       = failure.Guarded("risk_timelock_active")
)

type Config struct {
	ID              types.EntityID             `json:"id"`
	Signers         [SignerCount]types.Address `json:"signers"`
	MaxLtvBps       int64                      `json:"max_ltv_bps"`
	OracleMaxAge    int64                      `json:"oracle_max_age"`
	TimelockSeconds int64                      `json:"timelock_seconds"`
}

func (c Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("multisig: id is required")
	}
	if c.TimelockSeconds < 0 {
		return fmt.Errorf("multisig %s: timelock must not be negative", c.ID)
	}
	seen := make(map[types.Address]struct{}, SignerCount)
	for i, s := range c.Signers {
		if s.IsZero() {
			return fmt.Errorf("multisig %s: signer %d is empty", c.ID, i)
		}
		if _, dup := seen[s]; dup {
			return fmt.Errorf("multisig %s: duplicate signer %s", c.ID, s)
		}
		seen[s] = struct{}{}
	}
	if err := loan.ValidateRiskParams(c.MaxLtvBps, c.OracleMaxAge); err != nil {
		return fmt.Errorf("multisig %s: %w", c.ID, err)
	}
	return nil
}

type Proposal struct {
	ID               int64                  `json:"id"`
	Proposer         types.Address          `json:"proposer"`
	NextMaxLtvBps    int64                  `json:"next_max_ltv_bps"`
	NextOracleMaxAge int64                  `json:"next_oracle_max_age"`
	ProposedAt       int64                  `json:"proposed_at"`
	Approvals        map[types.Address]bool `json:"approvals"`
}

type State struct {
	MaxLtvBps      int64     `json:"max_ltv_bps"`
	OracleMaxAge   int64     `json:"oracle_max_age"`
	RiskVersion    int64     `json:"risk_version"`
	LastProposalID int64     `json:"last_proposal_id"`
	Pending        *Proposal `json:"pending,omitempty"`
}

// Multisig is not safe for concurrent use; the owning actor serializes calls.
type Multisig struct {
	cfg   Config
	state State
}

func New(cfg Config) (*Multisig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Multisig{
		cfg: cfg,
		state: State{
			MaxLtvBps:    cfg.MaxLtvBps,
			OracleMaxAge: cfg.OracleMaxAge,
			RiskVersion:  1,
		},
	}, nil
}

func (m *Multisig) ID() types.EntityID     { return m.cfg.ID }
func (m *Multisig) Kind() types.EntityKind { return types.KindMultisig }
func (m *Multisig) Config() Config         { return m.cfg }

func (m *Multisig) Handle(cmd event.Command, now int64) ([]event.Event, error) {
	if !m.isSigner(cmd.Meta().Sender) {
		return nil, ErrNotSigner.With("sender %s", cmd.Meta().Sender)
	}
	switch c := cmd.(type) {
	case *event.ProposeRiskUpdate:
		return m.propose(c, now)
	case *event.ApproveRiskUpdate:
		return m.approve(c)
	case *event.ApplyRiskUpdate:
		return m.apply(now)
	default:
		return nil, failure.ErrUnknownMessage.With("multisig cannot handle %s", cmd.MessageType())
	}
}

func (m *Multisig) isSigner(addr types.Address) bool {
	for _, s := range m.cfg.Signers {
		if s == addr {
			return true
		}
	}
	return false
}

// propose overwrites any pending proposal and resets approvals to the proposer.
func (m *Multisig) propose(c *event.ProposeRiskUpdate, now int64) ([]event.Event, error) {
	if err := loan.ValidateRiskParams(c.NextMaxLtvBps, c.NextOracleMaxAge); err != nil {
		return nil, err
	}
	m.state.LastProposalID++
	m.state.Pending = &Proposal{
		ID:               m.state.LastProposalID,
		Proposer:         c.Sender,
		NextMaxLtvBps:    c.NextMaxLtvBps,
		NextOracleMaxAge: c.NextOracleMaxAge,
		ProposedAt:       now,
		Approvals:        map[types.Address]bool{c.Sender: true},
	}
	return []event.Event{&event.RiskUpdateProposed{
		Origin:           event.From(m.cfg.ID),
		ProposalID:       m.state.Pending.ID,
		Proposer:         c.Sender,
		NextMaxLtvBps:    c.NextMaxLtvBps,
		NextOracleMaxAge: c.NextOracleMaxAge,
		ProposedAt:       now,
		Eta:              now + m.cfg.TimelockSeconds,
	}}, nil
}

// approve is a no-op for a signer who already approved.
func (m *Multisig) approve(c *event.ApproveRiskUpdate) ([]event.Event, error) {
	p := m.state.Pending
	if p == nil {
		return nil, ErrNoPendingProposal
	}
	if c.ProposalID != 0 && c.ProposalID != p.ID {
		return nil, ErrProposalMismatch.With("approving %d, pending %d", c.ProposalID, p.ID)
	}
	if p.Approvals[c.Sender] {
		return nil, nil
	}
	p.Approvals[c.Sender] = true
	return []event.Event{&event.RiskUpdateApproved{
		Origin:     event.From(m.cfg.ID),
		ProposalID: p.ID,
		Signer:     c.Sender,
		Approvals:  len(p.Approvals),
	}}, nil
}

func (m *Multisig) apply(now int64) ([]event.Event, error) {
	p := m.state.Pending
	if p == nil {
		return nil, ErrNoPendingProposal
	}
	if len(p.Approvals) < Threshold {
		return nil, ErrInsufficientApproval.With("%d of %d", len(p.Approvals), Threshold)
	}
	if eta := p.ProposedAt + m.cfg.TimelockSeconds; now < eta {
		return nil, ErrTimelockActive.With("eta %d, now %d", eta, now)
	}
	m.state.MaxLtvBps = p.NextMaxLtvBps
	m.state.OracleMaxAge = p.NextOracleMaxAge
	m.state.RiskVersion++
	m.state.Pending = nil
	return []event.Event{&event.RiskUpdateApplied{
		Origin:       event.From(m.cfg.ID),
		ProposalID:   p.ID,
		MaxLtvBps:    m.state.MaxLtvBps,
		OracleMaxAge: m.state.OracleMaxAge,
		RiskVersion:  m.state.RiskVersion,
	}}, nil
}

type PendingView struct {
	ID               int64           `json:"id"`
	Proposer         types.Address   `json:"proposer"`
	NextMaxLtvBps    int64           `json:"next_max_ltv_bps"`
	NextOracleMaxAge int64           `json:"next_oracle_max_age"`
	ProposedAt       int64           `json:"proposed_at"`
	Eta              int64           `json:"eta"`
	Approvals        []types.Address `json:"approvals"`
}

type View struct {
	ID              types.EntityID             `json:"id"`
	Signers         [SignerCount]types.Address `json:"signers"`
	Threshold       int                        `json:"threshold"`
	TimelockSeconds int64                      `json:"timelock_seconds"`
	MaxLtvBps       int64                      `json:"max_ltv_bps"`
	OracleMaxAge    int64                      `json:"oracle_max_age"`
	RiskVersion     int64                      `json:"risk_version"`
	Pending         *PendingView               `json:"pending,omitempty"`
}

func (m *Multisig) View() View {
	v := View{
		ID:              m.cfg.ID,
		Signers:         m.cfg.Signers,
		Threshold:       Threshold,
		TimelockSeconds: m.cfg.TimelockSeconds,
		MaxLtvBps:       m.state.MaxLtvBps,
		OracleMaxAge:    m.state.OracleMaxAge,
		RiskVersion:     m.state.RiskVersion,
	}
	if p := m.state.Pending; p != nil {
		approvals := make([]types.Address, 0, len(p.Approvals))
		for a := range p.Approvals {
			approvals = append(approvals, a)
		}
		sort.Slice(approvals, func(i, j int) bool { return approvals[i] < approvals[j] })
		v.Pending = &PendingView{
			ID:               p.ID,
			Proposer:         p.Proposer,
			NextMaxLtvBps:    p.NextMaxLtvBps,
			NextOracleMaxAge: p.NextOracleMaxAge,
			ProposedAt:       p.ProposedAt,
			Eta:              p.ProposedAt + m.cfg.TimelockSeconds,
			Approvals:        approvals,
		}
	}
	return v
}

type snapshot struct {
	Config Config `json:"config"`
	State  State  `json:"state"`
}

func (m *Multisig) MarshalState() ([]byte, error) {
	return json.Marshal(snapshot{Config: m.cfg, State: m.state})
}

func Restore(data []byte) (*Multisig, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("restore multisig: %w", err)
	}
	if err := s.Config.Validate(); err != nil {
		return nil, fmt.Errorf("restore multisig: %w", err)
	}
	return &Multisig{cfg: s.Config, state: s.State}, nil
}
