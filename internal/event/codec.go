package event

import (
	"encoding/json"
	"fmt"
	"sort"
)

var commandFactories = map[MessageType]func() Command{
	// Loan
	MsgSetOraclePrice:    func() Command { return &SetOraclePrice{} },
	MsgSetLoanPaused:     func() Command { return &SetLoanPaused{} },
	MsgFundLoan:          func() Command { return &FundLoan{} },
	MsgRepay:             func() Command { return &Repay{} },
	MsgLiquidate:         func() Command { return &Liquidate{} },
	MsgCancelLoan:        func() Command { return &CancelLoan{} },
	MsgProposeRiskParams: func() Command { return &ProposeRiskParams{} },
	MsgApplyRiskParams:   func() Command { return &ApplyRiskParams{} },
	MsgSyncOraclePrice:   func() Command { return &SyncOraclePrice{} },
	MsgSyncProtocolRisk:  func() Command { return &SyncProtocolRisk{} },
	MsgCollateralLocked:  func() Command { return &CollateralLocked{} },

	// Oracle
	MsgSubmitOraclePrice:        func() Command { return &SubmitOraclePrice{} },
	MsgSetManualFallbackEnabled: func() Command { return &SetManualFallbackEnabled{} },

	// Multisig
	MsgProposeRiskUpdate: func() Command { return &ProposeRiskUpdate{} },
	MsgApproveRiskUpdate: func() Command { return &ApproveRiskUpdate{} },
	MsgApplyRiskUpdate:   func() Command { return &ApplyRiskUpdate{} },

	// Pool
	MsgDepositLiquidity:  func() Command { return &DepositLiquidity{} },
	MsgBorrowTo:          func() Command { return &BorrowTo{} },
	MsgRepayFromLoan:     func() Command { return &RepayFromLoan{} },
	MsgWithdrawLiquidity: func() Command { return &WithdrawLiquidity{} },
	MsgSetPoolPaused:     func() Command { return &SetPoolPaused{} },
	MsgWriteOffLoss:      func() Command { return &WriteOffLoss{} },

	// Reserve
	MsgSetAuthorizedManager: func() Command { return &SetAuthorizedManager{} },
	MsgTopUpReserve:         func() Command { return &TopUpReserve{} },
	MsgTopUpBackstop:        func() Command { return &TopUpBackstop{} },
	MsgRequestCoverage:      func() Command { return &RequestCoverage{} },

	// Auction
	MsgStartAuction:    func() Command { return &StartAuction{} },
	MsgPlaceBid:        func() Command { return &PlaceBid{} },
	MsgFinalizeAuction: func() Command { return &FinalizeAuction{} },

	// Escrow
	MsgConfirmEscrowedByNft:   func() Command { return &ConfirmEscrowedByNft{} },
	MsgReleaseToAuctionWinner: func() Command { return &ReleaseToAuctionWinner{} },
	MsgReleaseToBorrower:      func() Command { return &ReleaseToBorrower{} },
	MsgReleaseToProtocol:      func() Command { return &ReleaseToProtocol{} },
}

// NewCommand returns an empty command for a message type.
func NewCommand(mt MessageType) (Command, bool) {
	f, ok := commandFactories[mt]
	if !ok {
		return nil, false
	}
	return f(), true
}

// MessageTypes lists every known message type, sorted.
func MessageTypes() []MessageType {
	out := make([]MessageType, 0, len(commandFactories))
	for mt := range commandFactories {
		out = append(out, mt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DecodeCommand decodes the canonical JSON form of a command, as written to
// the event log.
func DecodeCommand(mt MessageType, payload []byte) (Command, error) {
	cmd, ok := NewCommand(mt)
	if !ok {
		return nil, fmt.Errorf("unknown message type %q", mt)
	}
	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", mt, err)
	}
	return cmd, nil
}

var eventFactories = map[EventType]func() Event{
	EvtOraclePriceSet:      func() Event { return &OraclePriceSet{} },
	EvtLoanPauseChanged:    func() Event { return &LoanPauseChanged{} },
	EvtLoanFunded:          func() Event { return &LoanFunded{} },
	EvtLoanRepaid:          func() Event { return &LoanRepaid{} },
	EvtLoanLiquidated:      func() Event { return &LoanLiquidated{} },
	EvtLoanCancelled:       func() Event { return &LoanCancelled{} },
	EvtLoanRiskProposed:    func() Event { return &LoanRiskProposed{} },
	EvtLoanRiskApplied:     func() Event { return &LoanRiskApplied{} },
	EvtLoanCollateralReady: func() Event { return &LoanCollateralLocked{} },

	EvtOracleSubmitted:       func() Event { return &OracleSubmitted{} },
	EvtQuorumPriceUpdated:    func() Event { return &QuorumPriceUpdated{} },
	EvtManualFallbackChanged: func() Event { return &ManualFallbackChanged{} },

	EvtRiskUpdateProposed: func() Event { return &RiskUpdateProposed{} },
	EvtRiskUpdateApproved: func() Event { return &RiskUpdateApproved{} },
	EvtRiskUpdateApplied:  func() Event { return &RiskUpdateApplied{} },

	EvtLiquidityDeposited: func() Event { return &LiquidityDeposited{} },
	EvtLiquidityBorrowed:  func() Event { return &LiquidityBorrowed{} },
	EvtPoolRepaid:         func() Event { return &PoolRepaid{} },
	EvtLiquidityWithdrawn: func() Event { return &LiquidityWithdrawn{} },
	EvtPoolPauseChanged:   func() Event { return &PoolPauseChanged{} },
	EvtPoolLossWrittenOff: func() Event { return &PoolLossWrittenOff{} },

	EvtManagerAuthorizationChanged: func() Event { return &ManagerAuthorizationChanged{} },
	EvtReserveToppedUp:             func() Event { return &ReserveToppedUp{} },
	EvtBackstopToppedUp:            func() Event { return &BackstopToppedUp{} },
	EvtCoverageProvided:            func() Event { return &CoverageProvided{} },
	EvtCoverageShortfall:           func() Event { return &CoverageShortfall{} },

	EvtAuctionStarted: func() Event { return &AuctionStarted{} },
	EvtBidPlaced:      func() Event { return &BidPlaced{} },
	EvtBidRefunded:    func() Event { return &BidRefunded{} },
	EvtAuctionSettled: func() Event { return &AuctionSettled{} },

	EvtEscrowLocked:   func() Event { return &EscrowLocked{} },
	EvtEscrowReleased: func() Event { return &EscrowReleased{} },
}

// DecodeEvents is the inverse of EncodeEvents.
func DecodeEvents(data []byte) ([]Event, error) {
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode event records: %w", err)
	}
	out := make([]Event, 0, len(records))
	for _, r := range records {
		f, ok := eventFactories[r.Type]
		if !ok {
			return nil, fmt.Errorf("unknown event type %q", r.Type)
		}
		evt := f()
		if err := json.Unmarshal(r.Payload, evt); err != nil {
			return nil, fmt.Errorf("decode %s: %w", r.Type, err)
		}
		out = append(out, evt)
	}
	return out, nil
}
