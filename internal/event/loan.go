package event

import "NFTLend/internal/types"

const (
	MsgSetOraclePrice    MessageType = "SetOraclePrice"
	MsgSetLoanPaused     MessageType = "SetLoanPaused"
	MsgFundLoan          MessageType = "FundLoan"
	MsgRepay             MessageType = "Repay"
	MsgLiquidate         MessageType = "Liquidate"
	MsgCancelLoan        MessageType = "CancelLoan"
	MsgProposeRiskParams MessageType = "ProposeRiskParams"
	MsgApplyRiskParams   MessageType = "ApplyRiskParams"
	MsgSyncOraclePrice   MessageType = "SyncOraclePrice"
	MsgSyncProtocolRisk  MessageType = "SyncProtocolRisk"
	MsgCollateralLocked  MessageType = "CollateralLocked"
)

const (
	EvtOraclePriceSet      EventType = "OraclePriceSet"
	EvtLoanPauseChanged    EventType = "LoanPauseChanged"
	EvtLoanFunded          EventType = "LoanFunded"
	EvtLoanRepaid          EventType = "LoanRepaid"
	EvtLoanLiquidated      EventType = "LoanLiquidated"
	EvtLoanCancelled       EventType = "LoanCancelled"
	EvtLoanRiskProposed    EventType = "LoanRiskProposed"
	EvtLoanRiskApplied     EventType = "LoanRiskApplied"
	EvtLoanCollateralReady EventType = "LoanCollateralLocked"
)

// --- Commands ---

type SetOraclePrice struct {
	Header
	Price     int64 `json:"price"`
	UpdatedAt int64 `json:"updated_at"`
}

func (*SetOraclePrice) MessageType() MessageType { return MsgSetOraclePrice }

type SetLoanPaused struct {
	Header
	Paused bool `json:"paused"`
}

func (*SetLoanPaused) MessageType() MessageType { return MsgSetLoanPaused }

// FundLoan carries the principal as attached value; the sender becomes lender.
type FundLoan struct{ Header }

func (*FundLoan) MessageType() MessageType { return MsgFundLoan }

// Repay carries the repayment as attached value.
type Repay struct{ Header }

func (*Repay) MessageType() MessageType { return MsgRepay }

type Liquidate struct{ Header }

func (*Liquidate) MessageType() MessageType { return MsgLiquidate }

type CancelLoan struct{ Header }

func (*CancelLoan) MessageType() MessageType { return MsgCancelLoan }

type ProposeRiskParams struct {
	Header
	NextMaxLtvBps    int64 `json:"next_max_ltv_bps"`
	NextOracleMaxAge int64 `json:"next_oracle_max_age"`
}

func (*ProposeRiskParams) MessageType() MessageType { return MsgProposeRiskParams }

type ApplyRiskParams struct{ Header }

func (*ApplyRiskParams) MessageType() MessageType { return MsgApplyRiskParams }

// SyncOraclePrice pushes a quorum price into a linked loan.
type SyncOraclePrice struct {
	Header
	Price     int64 `json:"price"`
	UpdatedAt int64 `json:"updated_at"`
}

func (*SyncOraclePrice) MessageType() MessageType { return MsgSyncOraclePrice }

// SyncProtocolRisk pushes multisig-applied parameters into a linked loan.
type SyncProtocolRisk struct {
	Header
	MaxLtvBps    int64 `json:"max_ltv_bps"`
	OracleMaxAge int64 `json:"oracle_max_age"`
	Version      int64 `json:"version"`
}

func (*SyncProtocolRisk) MessageType() MessageType { return MsgSyncProtocolRisk }

// CollateralLocked notifies a loan that its escrow holds the NFT.
type CollateralLocked struct{ Header }

func (*CollateralLocked) MessageType() MessageType { return MsgCollateralLocked }

// --- Events ---

type OraclePriceSet struct {
	Origin
	Price     int64 `json:"price"`
	UpdatedAt int64 `json:"updated_at"`
	Pushed    bool  `json:"pushed"`
}

func (*OraclePriceSet) EventType() EventType { return EvtOraclePriceSet }

type LoanPauseChanged struct {
	Origin
	Paused bool `json:"paused"`
}

func (*LoanPauseChanged) EventType() EventType { return EvtLoanPauseChanged }

type LoanFunded struct {
	Origin
	Lender    types.Address `json:"lender"`
	Borrower  types.Address `json:"borrower"`
	Payer     types.Address `json:"payer"` // account the principal is drawn from
	Principal int64         `json:"principal"`
	StartedAt int64         `json:"started_at"`
	DueAt     int64         `json:"due_at"`
}

func (*LoanFunded) EventType() EventType { return EvtLoanFunded }

type LoanRepaid struct {
	Origin
	Borrower  types.Address `json:"borrower"`
	Lender    types.Address `json:"lender"`
	Principal int64         `json:"principal"`
	Amount    int64         `json:"amount"`
}

func (*LoanRepaid) EventType() EventType { return EvtLoanRepaid }

type LoanLiquidated struct {
	Origin
	Lender      types.Address `json:"lender"`
	Borrower    types.Address `json:"borrower"`
	Collateral  string        `json:"collateral"`
	Principal   int64         `json:"principal"`
	RepayAmount int64         `json:"repay_amount"`
}

func (*LoanLiquidated) EventType() EventType { return EvtLoanLiquidated }

type LoanCancelled struct {
	Origin
	Borrower types.Address `json:"borrower"`
}

func (*LoanCancelled) EventType() EventType { return EvtLoanCancelled }

type LoanRiskProposed struct {
	Origin
	NextMaxLtvBps    int64 `json:"next_max_ltv_bps"`
	NextOracleMaxAge int64 `json:"next_oracle_max_age"`
	Eta              int64 `json:"eta"`
}

func (*LoanRiskProposed) EventType() EventType { return EvtLoanRiskProposed }

// RiskScope tells which governance path changed a loan's parameters.
type RiskScope string

const (
	RiskScopeLoan     RiskScope = "loan"
	RiskScopeProtocol RiskScope = "protocol"
)

type LoanRiskApplied struct {
	Origin
	MaxLtvBps    int64     `json:"max_ltv_bps"`
	OracleMaxAge int64     `json:"oracle_max_age"`
	RiskVersion  int64     `json:"risk_version"`
	Scope        RiskScope `json:"scope"`
}

func (*LoanRiskApplied) EventType() EventType { return EvtLoanRiskApplied }

type LoanCollateralLocked struct {
	Origin
	Escrow types.EntityID `json:"escrow"`
}

func (*LoanCollateralLocked) EventType() EventType { return EvtLoanCollateralReady }
