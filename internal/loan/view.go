package loan

import "NFTLend/internal/types"

// Health labels for dashboards.
const (
	HealthOracleLock       = "ORACLE_LOCK"
	HealthOpen             = "OPEN"
	HealthPausedFunded     = "PAUSED_FUNDED"
	HealthOverdue          = "OVERDUE"
	HealthActive           = "ACTIVE"
	HealthClosedRepaid     = "CLOSED_REPAID"
	HealthClosedLiquidated = "CLOSED_LIQUIDATED"
	HealthClosedCancelled  = "CLOSED_CANCELLED"
)

type LoanView struct {
	ID               types.EntityID `json:"id"`
	Owner            types.Address  `json:"owner"`
	Borrower         types.Address  `json:"borrower"`
	Lender           types.Address  `json:"lender,omitempty"`
	Collateral       string         `json:"collateral"`
	Principal        int64          `json:"principal"`
	RepayAmount      int64          `json:"repay_amount"`
	TermSeconds      int64          `json:"term_seconds"`
	Status           Status         `json:"status"`
	StatusLabel      string         `json:"status_label"`
	StartedAt        int64          `json:"started_at"`
	DueAt            int64          `json:"due_at"`
	OraclePrice      int64          `json:"oracle_price"`
	OracleUpdatedAt  int64          `json:"oracle_updated_at"`
	Paused           bool           `json:"paused"`
	OracleFresh      bool           `json:"oracle_fresh"`
	CollateralLocked bool           `json:"collateral_locked"`
	Health           string         `json:"health"`
}

type RiskView struct {
	MaxLtvBps           int64 `json:"max_ltv_bps"`
	OracleMaxAge        int64 `json:"oracle_max_age"`
	RiskTimelock        int64 `json:"risk_timelock"`
	PendingMaxLtvBps    int64 `json:"pending_max_ltv_bps"`
	PendingOracleMaxAge int64 `json:"pending_oracle_max_age"`
	PendingEta          int64 `json:"pending_eta"`
	RiskVersion         int64 `json:"risk_version"`
}

// View evaluates the loan as of now; freshness and health are time-dependent.
func (l *Loan) View(now int64) LoanView {
	fresh := l.OracleFresh(now)
	return LoanView{
		ID:               l.cfg.ID,
		Owner:            l.cfg.Owner,
		Borrower:         l.cfg.Borrower,
		Lender:           l.state.Lender,
		Collateral:       l.cfg.Collateral,
		Principal:        l.cfg.Principal,
		RepayAmount:      l.cfg.RepayAmount,
		TermSeconds:      l.cfg.TermSeconds,
		Status:           l.state.Status,
		StatusLabel:      l.state.Status.String(),
		StartedAt:        l.state.StartedAt,
		DueAt:            l.state.DueAt,
		OraclePrice:      l.state.OraclePrice,
		OracleUpdatedAt:  l.state.OracleUpdatedAt,
		Paused:           l.state.Paused,
		OracleFresh:      fresh,
		CollateralLocked: l.state.CollateralLocked,
		Health:           l.health(now, fresh),
	}
}

func (l *Loan) health(now int64, fresh bool) string {
	switch l.state.Status {
	case StatusOpen:
		if !fresh {
			return HealthOracleLock
		}
		return HealthOpen
	case StatusFunded:
		if l.state.Paused {
			return HealthPausedFunded
		}
		if l.state.DueAt > 0 && now > l.state.DueAt {
			return HealthOverdue
		}
		return HealthActive
	case StatusRepaid:
		return HealthClosedRepaid
	case StatusLiquidated:
		return HealthClosedLiquidated
	default:
		return HealthClosedCancelled
	}
}

func (l *Loan) RiskView() RiskView {
	v := RiskView{
		MaxLtvBps:    l.state.MaxLtvBps,
		OracleMaxAge: l.state.OracleMaxAge,
		RiskTimelock: l.cfg.RiskTimelockSecs,
		RiskVersion:  l.state.RiskVersion,
	}
	if p := l.state.Pending; p != nil {
		v.PendingMaxLtvBps = p.NextMaxLtvBps
		v.PendingOracleMaxAge = p.NextOracleMaxAge
		v.PendingEta = p.Eta
	}
	return v
}

// Owner answers the get_owner query.
func (l *Loan) Owner() types.Address { return l.cfg.Owner }
