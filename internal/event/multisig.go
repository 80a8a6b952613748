package event

import "NFTLend/internal/types"

const (
	MsgProposeRiskUpdate MessageType = "ProposeRiskUpdate"
	MsgApproveRiskUpdate MessageType = "ApproveRiskUpdate"
	MsgApplyRiskUpdate   MessageType = "ApplyRiskUpdate"
)

const (
	EvtRiskUpdateProposed EventType = "RiskUpdateProposed"
	EvtRiskUpdateApproved EventType = "RiskUpdateApproved"
	EvtRiskUpdateApplied  EventType = "RiskUpdateApplied"
)

type ProposeRiskUpdate struct {
	Header
	NextMaxLtvBps    int64 `json:"next_max_ltv_bps"`
	NextOracleMaxAge int64 `json:"next_oracle_max_age"`
}

func (*ProposeRiskUpdate) MessageType() MessageType { return MsgProposeRiskUpdate }

// ApproveRiskUpdate approves the pending proposal. A non-zero ProposalID
// pins the approval to the proposal the signer reviewed.
type ApproveRiskUpdate struct {
	Header
	ProposalID int64 `json:"proposal_id,omitempty"`
}

func (*ApproveRiskUpdate) MessageType() MessageType { return MsgApproveRiskUpdate }

type ApplyRiskUpdate struct{ Header }

func (*ApplyRiskUpdate) MessageType() MessageType { return MsgApplyRiskUpdate }

type RiskUpdateProposed struct {
	Origin
	ProposalID       int64         `json:"proposal_id"`
	Proposer         types.Address `json:"proposer"`
	NextMaxLtvBps    int64         `json:"next_max_ltv_bps"`
	NextOracleMaxAge int64         `json:"next_oracle_max_age"`
	ProposedAt       int64         `json:"proposed_at"`
	Eta              int64         `json:"eta"`
}

func (*RiskUpdateProposed) EventType() EventType { return EvtRiskUpdateProposed }

type RiskUpdateApproved struct {
	Origin
	ProposalID int64         `json:"proposal_id"`
	Signer     types.Address `json:"signer"`
	Approvals  int           `json:"approvals"`
}

func (*RiskUpdateApproved) EventType() EventType { return EvtRiskUpdateApproved }

type RiskUpdateApplied struct {
	Origin
	ProposalID   int64 `json:"proposal_id"`
	MaxLtvBps    int64 `json:"max_ltv_bps"`
	OracleMaxAge int64 `json:"oracle_max_age"`
	RiskVersion  int64 `json:"risk_version"`
}

func (*RiskUpdateApplied) EventType() EventType { return EvtRiskUpdateApplied }
