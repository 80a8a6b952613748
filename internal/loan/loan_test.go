package loan_test

import (
	"NFTLend/internal/event"
	"NFTLend/internal/failure"
	"NFTLend/internal/loan"
	"NFTLend/internal/types"
	"errors"
	"testing"
)

const (
	owner    types.Address = "EQowner"
	borrower types.Address = "EQborrower"
	lender   types.Address = "EQlender"
	outsider types.Address = "EQoutsider"

	t0 int64 = 1_700_000_000
)

var (
	principal = types.MustTON("0.2")
	repayAmt  = types.MustTON("0.22")
)

// --- Test helpers ---

func mustLoan(t *testing.T, mutate ...func(*loan.Config)) *loan.Loan {
	t.Helper()
	cfg := loan.Config{
		ID:               "loan-1",
		Owner:            owner,
		Borrower:         borrower,
		Collateral:       "EQnft",
		Principal:        principal,
		RepayAmount:      repayAmt,
		TermSeconds:      86400,
		MaxLtvBps:        5000,
		OracleMaxAge:     600,
		RiskTimelockSecs: 86400,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	l, err := loan.New(cfg)
	if err != nil {
		t.Fatalf("loan.New: %v", err)
	}
	return l
}

func hdr(sender types.Address, value int64) event.Header {
	return event.Header{Entity: "loan-1", Sender: sender, Value: value}
}

func mustHandle(t *testing.T, l *loan.Loan, cmd event.Command, now int64) []event.Event {
	t.Helper()
	evts, err := l.Handle(cmd, now)
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", cmd.MessageType(), err)
	}
	return evts
}

func expectErr(t *testing.T, l *loan.Loan, cmd event.Command, now int64, want error) {
	t.Helper()
	before := l.State()
	_, err := l.Handle(cmd, now)
	if !errors.Is(err, want) {
		t.Fatalf("%s: expected %v, got %v", cmd.MessageType(), want, err)
	}
	if l.State() != before {
		t.Fatalf("%s: rejected call mutated state", cmd.MessageType())
	}
}

func fundedLoan(t *testing.T) *loan.Loan {
	t.Helper()
	l := mustLoan(t)
	mustHandle(t, l, &event.SetOraclePrice{Header: hdr(owner, 0), Price: types.MustTON("1"), UpdatedAt: t0}, t0)
	mustHandle(t, l, &event.FundLoan{Header: hdr(lender, principal)}, t0+10)
	return l
}

// ============================================================================
// Test: Deployment
// ============================================================================

func TestNew_RejectsRepayBelowPrincipal(t *testing.T) {
	_, err := loan.New(loan.Config{
		ID: "x", Owner: owner, Borrower: borrower, Principal: 10, RepayAmount: 9,
		TermSeconds: 1, MaxLtvBps: 5000, OracleMaxAge: 1,
	})
	if err == nil {
		t.Fatal("expected deploy validation error")
	}
}

func TestNew_RejectsLtvAboveHundredPercent(t *testing.T) {
	_, err := loan.New(loan.Config{
		ID: "x", Owner: owner, Borrower: borrower, Principal: 10, RepayAmount: 10,
		TermSeconds: 1, MaxLtvBps: 10001, OracleMaxAge: 1,
	})
	if !errors.Is(err, loan.ErrInvalidRisk) {
		t.Fatalf("expected invalid risk, got %v", err)
	}
}

func TestNew_StartsOpenAtRiskVersionOne(t *testing.T) {
	l := mustLoan(t)
	if l.State().Status != loan.StatusOpen {
		t.Errorf("expected OPEN, got %s", l.State().Status)
	}
	if l.RiskView().RiskVersion != 1 {
		t.Errorf("expected risk version 1, got %d", l.RiskView().RiskVersion)
	}
}

// ============================================================================
// Test: Funding guards (fail-closed)
// ============================================================================

func TestFund_ExampleScenario(t *testing.T) {
	l := mustLoan(t)
	now := t0 + 10_000

	// No oracle set.
	expectErr(t, l, &event.FundLoan{Header: hdr(lender, principal)}, now, loan.ErrOracleMissing)

	// Stale price.
	mustHandle(t, l, &event.SetOraclePrice{Header: hdr(owner, 0), Price: types.MustTON("1"), UpdatedAt: now - 601}, now)
	expectErr(t, l, &event.FundLoan{Header: hdr(lender, principal)}, now, loan.ErrOracleStale)

	// Fresh but low price: 0.2 / 0.1 = 200% > 50%.
	mustHandle(t, l, &event.SetOraclePrice{Header: hdr(owner, 0), Price: types.MustTON("0.1"), UpdatedAt: now}, now)
	expectErr(t, l, &event.FundLoan{Header: hdr(lender, principal)}, now, loan.ErrLTVBreach)

	// Fresh valid price.
	mustHandle(t, l, &event.SetOraclePrice{Header: hdr(owner, 0), Price: types.MustTON("1"), UpdatedAt: now}, now)
	evts := mustHandle(t, l, &event.FundLoan{Header: hdr(lender, principal)}, now)

	st := l.State()
	if st.Status != loan.StatusFunded {
		t.Fatalf("expected FUNDED, got %s", st.Status)
	}
	if st.Lender != lender || st.StartedAt != now || st.DueAt != now+86400 {
		t.Errorf("unexpected funding record: %+v", st)
	}
	funded, ok := evts[0].(*event.LoanFunded)
	if !ok {
		t.Fatalf("expected LoanFunded, got %T", evts[0])
	}
	if funded.Payer != lender || funded.Principal != principal {
		t.Errorf("unexpected event: %+v", funded)
	}
}

func TestFund_StaleRegardlessOfPrice(t *testing.T) {
	for _, price := range []int64{1, types.MustTON("1"), types.MustTON("1000")} {
		l := mustLoan(t)
		mustHandle(t, l, &event.SetOraclePrice{Header: hdr(owner, 0), Price: price, UpdatedAt: t0}, t0)
		expectErr(t, l, &event.FundLoan{Header: hdr(lender, principal)}, t0+601, loan.ErrOracleStale)
	}
}

func TestFund_AgeBoundaryIsInclusive(t *testing.T) {
	l := mustLoan(t)
	mustHandle(t, l, &event.SetOraclePrice{Header: hdr(owner, 0), Price: types.MustTON("1"), UpdatedAt: t0}, t0)
	mustHandle(t, l, &event.FundLoan{Header: hdr(lender, principal)}, t0+600)
}

func TestFund_BlockedWhilePaused(t *testing.T) {
	l := mustLoan(t)
	mustHandle(t, l, &event.SetOraclePrice{Header: hdr(owner, 0), Price: types.MustTON("1"), UpdatedAt: t0}, t0)
	mustHandle(t, l, &event.SetLoanPaused{Header: hdr(owner, 0), Paused: true}, t0)
	expectErr(t, l, &event.FundLoan{Header: hdr(lender, principal)}, t0, failure.ErrPaused)
}

func TestFund_InsufficientValue(t *testing.T) {
	l := mustLoan(t)
	mustHandle(t, l, &event.SetOraclePrice{Header: hdr(owner, 0), Price: types.MustTON("1"), UpdatedAt: t0}, t0)
	expectErr(t, l, &event.FundLoan{Header: hdr(lender, principal-1)}, t0, failure.ErrInsufficientValue)
}

func TestFund_OnlyOnce(t *testing.T) {
	l := fundedLoan(t)
	expectErr(t, l, &event.FundLoan{Header: hdr(outsider, principal)}, t0+20, loan.ErrNotOpen)
}

func TestFund_WaitsForEscrow(t *testing.T) {
	l := mustLoan(t, func(c *loan.Config) { c.Escrow = "escrow-1" })
	mustHandle(t, l, &event.SetOraclePrice{Header: hdr(owner, 0), Price: types.MustTON("1"), UpdatedAt: t0}, t0)
	expectErr(t, l, &event.FundLoan{Header: hdr(lender, principal)}, t0, loan.ErrCollateralMissing)

	expectErr(t, l, &event.CollateralLocked{Header: hdr(outsider, 0)}, t0, loan.ErrNotEscrow)
	mustHandle(t, l, &event.CollateralLocked{Header: hdr(types.EntityAddress("escrow-1"), 0)}, t0)
	mustHandle(t, l, &event.FundLoan{Header: hdr(lender, principal)}, t0)
}

func TestFund_FromLinkedPoolDrawsFromLoanAddress(t *testing.T) {
	l := mustLoan(t, func(c *loan.Config) { c.Pool = "pool-1" })
	mustHandle(t, l, &event.SetOraclePrice{Header: hdr(owner, 0), Price: types.MustTON("1"), UpdatedAt: t0}, t0)
	evts := mustHandle(t, l, &event.FundLoan{Header: hdr(types.EntityAddress("pool-1"), principal)}, t0)

	funded := evts[0].(*event.LoanFunded)
	if funded.Lender != types.EntityAddress("pool-1") {
		t.Errorf("expected pool as lender, got %s", funded.Lender)
	}
	if funded.Payer != types.EntityAddress("loan-1") {
		t.Errorf("expected loan address as payer, got %s", funded.Payer)
	}
}

// ============================================================================
// Test: Oracle input validation
// ============================================================================

func TestSetOraclePrice_Guards(t *testing.T) {
	l := mustLoan(t)
	expectErr(t, l, &event.SetOraclePrice{Header: hdr(outsider, 0), Price: 1, UpdatedAt: t0}, t0, loan.ErrNotOwner)
	expectErr(t, l, &event.SetOraclePrice{Header: hdr(owner, 0), Price: 0, UpdatedAt: t0}, t0, loan.ErrInvalidPrice)
	expectErr(t, l, &event.SetOraclePrice{Header: hdr(owner, 0), Price: 1, UpdatedAt: t0 + 1}, t0, loan.ErrFutureTimestamp)
}

func TestSyncOraclePrice_OnlyFromLinkedQuorum(t *testing.T) {
	l := mustLoan(t, func(c *loan.Config) { c.Oracle = "quorum-1" })
	expectErr(t, l, &event.SyncOraclePrice{Header: hdr(owner, 0), Price: 1, UpdatedAt: t0}, t0, loan.ErrNotOracleFeed)

	evts := mustHandle(t, l, &event.SyncOraclePrice{Header: hdr(types.EntityAddress("quorum-1"), 0), Price: 5, UpdatedAt: t0}, t0)
	if !evts[0].(*event.OraclePriceSet).Pushed {
		t.Error("pushed price must be flagged")
	}
	expectErr(t, l, &event.SyncOraclePrice{Header: hdr(types.EntityAddress("quorum-1"), 0), Price: 6, UpdatedAt: t0 - 1}, t0, loan.ErrOracleStale)
}

// ============================================================================
// Test: Repay / Liquidate / Cancel
// ============================================================================

func TestRepay_SucceedsWhilePaused(t *testing.T) {
	l := fundedLoan(t)
	mustHandle(t, l, &event.SetLoanPaused{Header: hdr(owner, 0), Paused: true}, t0+20)
	evts := mustHandle(t, l, &event.Repay{Header: hdr(borrower, repayAmt)}, t0+30)

	if l.State().Status != loan.StatusRepaid {
		t.Fatalf("expected REPAID, got %s", l.State().Status)
	}
	repaid := evts[0].(*event.LoanRepaid)
	if repaid.Amount != repayAmt || repaid.Lender != lender {
		t.Errorf("unexpected event: %+v", repaid)
	}
}

func TestRepay_Guards(t *testing.T) {
	open := mustLoan(t)
	expectErr(t, open, &event.Repay{Header: hdr(borrower, repayAmt)}, t0, loan.ErrNotFunded)

	l := fundedLoan(t)
	expectErr(t, l, &event.Repay{Header: hdr(outsider, repayAmt)}, t0, loan.ErrNotBorrower)
	expectErr(t, l, &event.Repay{Header: hdr(borrower, repayAmt-1)}, t0, failure.ErrInsufficientValue)
}

func TestLiquidate_OnlyAfterDueDate(t *testing.T) {
	l := fundedLoan(t)
	due := l.State().DueAt

	expectErr(t, l, &event.Liquidate{Header: hdr(lender, 0)}, due, loan.ErrNotDue)
	expectErr(t, l, &event.Liquidate{Header: hdr(outsider, 0)}, due+1, loan.ErrNotLender)

	evts := mustHandle(t, l, &event.Liquidate{Header: hdr(lender, 0)}, due+1)
	if l.State().Status != loan.StatusLiquidated {
		t.Fatalf("expected LIQUIDATED, got %s", l.State().Status)
	}
	if _, ok := evts[0].(*event.LoanLiquidated); !ok {
		t.Fatalf("expected LoanLiquidated, got %T", evts[0])
	}

	expectErr(t, l, &event.Repay{Header: hdr(borrower, repayAmt)}, due+2, loan.ErrNotFunded)
}

func TestLiquidate_KeeperActsForPoolLender(t *testing.T) {
	const keeper types.Address = "EQkeeper"
	l := mustLoan(t, func(c *loan.Config) { c.Pool = "pool-1"; c.Keeper = keeper })
	mustHandle(t, l, &event.SetOraclePrice{Header: hdr(owner, 0), Price: types.MustTON("1"), UpdatedAt: t0}, t0)
	mustHandle(t, l, &event.FundLoan{Header: hdr(types.EntityAddress("pool-1"), principal)}, t0)

	mustHandle(t, l, &event.Liquidate{Header: hdr(keeper, 0)}, l.State().DueAt+1)
}

func TestLiquidate_KeeperCannotActForWalletLender(t *testing.T) {
	const keeper types.Address = "EQkeeper"
	l := mustLoan(t, func(c *loan.Config) { c.Pool = "pool-1"; c.Keeper = keeper })
	mustHandle(t, l, &event.SetOraclePrice{Header: hdr(owner, 0), Price: types.MustTON("1"), UpdatedAt: t0}, t0)
	mustHandle(t, l, &event.FundLoan{Header: hdr(lender, principal)}, t0)

	expectErr(t, l, &event.Liquidate{Header: hdr(keeper, 0)}, l.State().DueAt+1, loan.ErrNotLender)
}

func TestCancel(t *testing.T) {
	l := mustLoan(t)
	expectErr(t, l, &event.CancelLoan{Header: hdr(outsider, 0)}, t0, loan.ErrNotBorrower)
	mustHandle(t, l, &event.CancelLoan{Header: hdr(borrower, 0)}, t0)
	if l.State().Status != loan.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", l.State().Status)
	}
	expectErr(t, l, &event.FundLoan{Header: hdr(lender, principal)}, t0, loan.ErrNotOpen)
}

func TestCancel_AfterFundingFails(t *testing.T) {
	l := fundedLoan(t)
	expectErr(t, l, &event.CancelLoan{Header: hdr(borrower, 0)}, t0, loan.ErrNotOpen)
}

// ============================================================================
// Test: Status transition graph
// ============================================================================

func TestCanTransition_EdgeSet(t *testing.T) {
	all := []loan.Status{loan.StatusOpen, loan.StatusFunded, loan.StatusRepaid, loan.StatusLiquidated, loan.StatusCancelled}
	allowed := map[[2]loan.Status]bool{
		{loan.StatusOpen, loan.StatusFunded}:       true,
		{loan.StatusOpen, loan.StatusCancelled}:    true,
		{loan.StatusFunded, loan.StatusRepaid}:     true,
		{loan.StatusFunded, loan.StatusLiquidated}: true,
	}
	for _, from := range all {
		for _, to := range all {
			if got := loan.CanTransition(from, to); got != allowed[[2]loan.Status{from, to}] {
				t.Errorf("CanTransition(%s, %s) = %v", from, to, got)
			}
		}
	}
}

// ============================================================================
// Test: Loan-local risk timelock
// ============================================================================

func TestRiskTimelock(t *testing.T) {
	l := mustLoan(t)

	expectErr(t, l, &event.ProposeRiskParams{Header: hdr(outsider, 0), NextMaxLtvBps: 4000, NextOracleMaxAge: 300}, t0, loan.ErrNotOwner)
	expectErr(t, l, &event.ApplyRiskParams{Header: hdr(owner, 0)}, t0, loan.ErrNoPendingRisk)

	mustHandle(t, l, &event.ProposeRiskParams{Header: hdr(owner, 0), NextMaxLtvBps: 4000, NextOracleMaxAge: 300}, t0)
	if eta := l.RiskView().PendingEta; eta != t0+86400 {
		t.Fatalf("expected eta %d, got %d", t0+86400, eta)
	}

	expectErr(t, l, &event.ApplyRiskParams{Header: hdr(owner, 0)}, t0+86399, loan.ErrTimelockActive)

	mustHandle(t, l, &event.ApplyRiskParams{Header: hdr(owner, 0)}, t0+86400)
	rv := l.RiskView()
	if rv.MaxLtvBps != 4000 || rv.OracleMaxAge != 300 || rv.RiskVersion != 2 {
		t.Fatalf("unexpected risk view after apply: %+v", rv)
	}
	if rv.PendingEta != 0 {
		t.Error("proposal must be cleared after apply")
	}

	// Applying again needs a fresh proposal; the version moves exactly once.
	expectErr(t, l, &event.ApplyRiskParams{Header: hdr(owner, 0)}, t0+90000, loan.ErrNoPendingRisk)
	if l.RiskView().RiskVersion != 2 {
		t.Error("risk version must increment exactly once")
	}
}

func TestRiskProposal_RejectedWhenTerminal(t *testing.T) {
	l := mustLoan(t)
	mustHandle(t, l, &event.CancelLoan{Header: hdr(borrower, 0)}, t0)
	expectErr(t, l, &event.ProposeRiskParams{Header: hdr(owner, 0), NextMaxLtvBps: 4000, NextOracleMaxAge: 300}, t0, loan.ErrTerminal)
}

func TestRiskProposal_AffectsFunding(t *testing.T) {
	l := mustLoan(t, func(c *loan.Config) { c.RiskTimelockSecs = 0 })
	mustHandle(t, l, &event.ProposeRiskParams{Header: hdr(owner, 0), NextMaxLtvBps: 1000, NextOracleMaxAge: 600}, t0)
	mustHandle(t, l, &event.ApplyRiskParams{Header: hdr(owner, 0)}, t0)

	// 0.2 against 1 TON is 20%, now above the 10% limit.
	mustHandle(t, l, &event.SetOraclePrice{Header: hdr(owner, 0), Price: types.MustTON("1"), UpdatedAt: t0}, t0)
	expectErr(t, l, &event.FundLoan{Header: hdr(lender, principal)}, t0, loan.ErrLTVBreach)
}

func TestSyncProtocolRisk(t *testing.T) {
	ms := types.EntityAddress("multisig-1")
	l := mustLoan(t, func(c *loan.Config) { c.RiskAuthority = "multisig-1" })

	expectErr(t, l, &event.SyncProtocolRisk{Header: hdr(owner, 0), MaxLtvBps: 4500, OracleMaxAge: 500, Version: 2}, t0, loan.ErrNotRiskAuthority)
	mustHandle(t, l, &event.SyncProtocolRisk{Header: hdr(ms, 0), MaxLtvBps: 4500, OracleMaxAge: 500, Version: 2}, t0)

	if rv := l.RiskView(); rv.MaxLtvBps != 4500 || rv.RiskVersion != 2 {
		t.Fatalf("unexpected risk view: %+v", rv)
	}
	expectErr(t, l, &event.SyncProtocolRisk{Header: hdr(ms, 0), MaxLtvBps: 4000, OracleMaxAge: 500, Version: 2}, t0, loan.ErrStaleRiskVersion)
}

// ============================================================================
// Test: Views and snapshots
// ============================================================================

func TestView_HealthLabels(t *testing.T) {
	l := mustLoan(t)
	if h := l.View(t0).Health; h != loan.HealthOracleLock {
		t.Errorf("expected ORACLE_LOCK, got %s", h)
	}

	f := fundedLoan(t)
	if h := f.View(t0 + 20).Health; h != loan.HealthActive {
		t.Errorf("expected ACTIVE, got %s", h)
	}
	if h := f.View(f.State().DueAt + 1).Health; h != loan.HealthOverdue {
		t.Errorf("expected OVERDUE, got %s", h)
	}
	mustHandle(t, f, &event.SetLoanPaused{Header: hdr(owner, 0), Paused: true}, t0+20)
	if h := f.View(t0 + 20).Health; h != loan.HealthPausedFunded {
		t.Errorf("expected PAUSED_FUNDED, got %s", h)
	}
}

func TestView_OracleFreshIsTimeDependent(t *testing.T) {
	l := fundedLoan(t)
	if !l.View(t0 + 600).OracleFresh {
		t.Error("expected fresh at max age")
	}
	if l.View(t0 + 601).OracleFresh {
		t.Error("expected stale past max age")
	}
}

func TestMarshalRestore(t *testing.T) {
	l := fundedLoan(t)
	mustHandle(t, l, &event.ProposeRiskParams{Header: hdr(owner, 0), NextMaxLtvBps: 4000, NextOracleMaxAge: 300}, t0+20)

	data, err := l.MarshalState()
	if err != nil {
		t.Fatalf("MarshalState: %v", err)
	}
	restored, err := loan.Restore(data)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.View(t0+30) != l.View(t0+30) || restored.RiskView() != l.RiskView() {
		t.Fatal("restored loan differs from original")
	}
}
