package event

import "NFTLend/internal/types"

const (
	MsgDepositLiquidity  MessageType = "DepositLiquidity"
	MsgBorrowTo          MessageType = "BorrowTo"
	MsgRepayFromLoan     MessageType = "RepayFromLoan"
	MsgWithdrawLiquidity MessageType = "WithdrawLiquidity"
	MsgSetPoolPaused     MessageType = "SetPoolPaused"
	MsgWriteOffLoss      MessageType = "WriteOffLoss"
)

const (
	EvtLiquidityDeposited EventType = "LiquidityDeposited"
	EvtLiquidityBorrowed  EventType = "LiquidityBorrowed"
	EvtPoolRepaid         EventType = "PoolRepaid"
	EvtLiquidityWithdrawn EventType = "LiquidityWithdrawn"
	EvtPoolPauseChanged   EventType = "PoolPauseChanged"
	EvtPoolLossWrittenOff EventType = "PoolLossWrittenOff"
)

// DepositLiquidity carries the deposit as attached value.
type DepositLiquidity struct {
	Header
	Tier int `json:"tier"`
}

func (*DepositLiquidity) MessageType() MessageType { return MsgDepositLiquidity }

type BorrowTo struct {
	Header
	To     types.Address `json:"to"`
	Amount int64         `json:"amount"`
}

func (*BorrowTo) MessageType() MessageType { return MsgBorrowTo }

// RepayFromLoan carries principal+interest+penalty as attached value.
// Payer defaults to the sender.
type RepayFromLoan struct {
	Header
	PrincipalRepaid int64         `json:"principal_repaid"`
	InterestPaid    int64         `json:"interest_paid"`
	PenaltyPaid     int64         `json:"penalty_paid"`
	Payer           types.Address `json:"payer,omitempty"`
}

func (*RepayFromLoan) MessageType() MessageType { return MsgRepayFromLoan }

type WithdrawLiquidity struct{ Header }

func (*WithdrawLiquidity) MessageType() MessageType { return MsgWithdrawLiquidity }

type SetPoolPaused struct {
	Header
	Paused bool `json:"paused"`
}

func (*SetPoolPaused) MessageType() MessageType { return MsgSetPoolPaused }

// WriteOffLoss removes unrecoverable borrowed principal from the pool.
type WriteOffLoss struct {
	Header
	Amount int64 `json:"amount"`
}

func (*WriteOffLoss) MessageType() MessageType { return MsgWriteOffLoss }

type LiquidityDeposited struct {
	Origin
	Provider types.Address `json:"provider"`
	Tier     int           `json:"tier"`
	Amount   int64         `json:"amount"`
}

func (*LiquidityDeposited) EventType() EventType { return EvtLiquidityDeposited }

type LiquidityBorrowed struct {
	Origin
	To     types.Address `json:"to"`
	Amount int64         `json:"amount"`
}

func (*LiquidityBorrowed) EventType() EventType { return EvtLiquidityBorrowed }

type PoolRepaid struct {
	Origin
	Payer           types.Address `json:"payer"`
	PrincipalRepaid int64         `json:"principal_repaid"`
	InterestPaid    int64         `json:"interest_paid"`
	PenaltyPaid     int64         `json:"penalty_paid"`
	Distributed     int64         `json:"distributed"`
	Residual        int64         `json:"residual"`
}

func (*PoolRepaid) EventType() EventType { return EvtPoolRepaid }

// Total is the amount moved into the pool.
func (e *PoolRepaid) Total() int64 { return e.PrincipalRepaid + e.InterestPaid + e.PenaltyPaid }

type LiquidityWithdrawn struct {
	Origin
	Provider  types.Address `json:"provider"`
	Principal int64         `json:"principal"`
	Accrued   int64         `json:"accrued"`
}

func (*LiquidityWithdrawn) EventType() EventType { return EvtLiquidityWithdrawn }

type PoolPauseChanged struct {
	Origin
	Paused bool `json:"paused"`
}

func (*PoolPauseChanged) EventType() EventType { return EvtPoolPauseChanged }

// PoolLossWrittenOff charges WrittenOff against LP claims. FromResidual is
// the part absorbed by unattributed rounding dust.
type PoolLossWrittenOff struct {
	Origin
	Requested    int64 `json:"requested"`
	WrittenOff   int64 `json:"written_off"`
	FromResidual int64 `json:"from_residual"`
}

func (*PoolLossWrittenOff) EventType() EventType { return EvtPoolLossWrittenOff }
