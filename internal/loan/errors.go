package loan

import "NFTLend/internal/failure"

var (
	ErrNotOwner         = failure.Unauthorized("not_owner")
	ErrNotBorrower      = failure.Unauthorized("not_borrower")
	ErrNotLender        = failure.Unauthorized("not_lender")
	ErrNotOracleFeed    = failure.Unauthorized("not_linked_oracle")
	ErrNotRiskAuthority = failure.Unauthorized("not_linked_risk_authority")
	ErrNotEscrow        = failure.Unauthorized("not_linked_escrow")

	ErrNotOpen   = failure.BadState("loan_not_open")
	ErrNotFunded = failure.BadState("loan_not_funded")
	ErrTerminal  = failure.BadState("loan_terminal")

	ErrOracleMissing     = failure.Guarded("oracle_missing")
	ErrOracleStale       = failure.Guarded("oracle_stale")
	ErrInvalidPrice      = failure.Guarded("invalid_oracle_price")
	ErrFutureTimestamp   = failure.Guarded("oracle_timestamp_in_future")
	ErrLTVBreach         = failure.Guarded("ltv_breach")
	ErrCollateralMissing = failure.Guarded("collateral_not_locked")
	ErrNotDue            = failure.Guarded("loan_not_due")
	ErrNoPendingRisk     = failure.Guarded("no_pending_risk_proposal")
	ErrTimelockActive    = failure.Guarded("risk_timelock_active")
	ErrInvalidRisk       = failure.Guarded("invalid_risk_params")
	ErrStaleRiskVersion  = failure.Guarded("stale_protocol_risk_version")
)
