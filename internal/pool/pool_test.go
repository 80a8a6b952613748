package pool_test

import (
	"NFTLend/internal/event"
	"NFTLend/internal/failure"
	"NFTLend/internal/pool"
	"NFTLend/internal/types"
	"errors"
	"math"
	"testing"
)

const (
	owner    types.Address = "EQowner"
	manager  types.Address = "EQmanager"
	lpA      types.Address = "EQlpA"
	lpB      types.Address = "EQlpB"
	borrower types.Address = "EQborrower"
)

func mustPool(t *testing.T, maxOutstanding int64) *pool.Pool {
	t.Helper()
	p, err := pool.New(pool.Config{ID: "pool-1", Owner: owner, Manager: manager, MaxOutstanding: maxOutstanding})
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	return p
}

func mustCall(t *testing.T, p *pool.Pool, cmd event.Command) []event.Event {
	t.Helper()
	evts, err := p.Handle(cmd, 0)
	if err != nil {
		t.Fatalf("%s: %v", cmd.MessageType(), err)
	}
	return evts
}

func expectErr(t *testing.T, p *pool.Pool, cmd event.Command, want error) {
	t.Helper()
	before := p.View()
	if _, err := p.Handle(cmd, 0); !errors.Is(err, want) {
		t.Fatalf("%s: expected %v, got %v", cmd.MessageType(), want, err)
	}
	if p.View() != before {
		t.Fatalf("%s: rejected call mutated pool", cmd.MessageType())
	}
}

func deposit(sender types.Address, amount int64, tier int) *event.DepositLiquidity {
	return &event.DepositLiquidity{Header: event.Header{Sender: sender, Value: amount}, Tier: tier}
}

func borrow(sender, to types.Address, amount int64) *event.BorrowTo {
	return &event.BorrowTo{Header: event.Header{Sender: sender}, To: to, Amount: amount}
}

func repayFromLoan(sender types.Address, principal, interest, penalty int64) *event.RepayFromLoan {
	return &event.RepayFromLoan{
		Header:          event.Header{Sender: sender, Value: principal + interest + penalty},
		PrincipalRepaid: principal,
		InterestPaid:    interest,
		PenaltyPaid:     penalty,
	}
}

func withdraw(sender types.Address) *event.WithdrawLiquidity {
	return &event.WithdrawLiquidity{Header: event.Header{Sender: sender}}
}

// ============================================================================
// Test: Smoke sequence
// ============================================================================

func TestSmokeSequence(t *testing.T) {
	p := mustPool(t, types.MustTON("5"))

	mustCall(t, p, deposit(lpA, types.MustTON("1"), 0))
	if v := p.View(); v.TotalLiquidity != types.MustTON("1") {
		t.Fatalf("expected total liquidity 1 TON, got %s", types.FormatTON(v.TotalLiquidity))
	}

	mustCall(t, p, borrow(manager, borrower, types.MustTON("0.2")))
	if v := p.View(); v.Available != types.MustTON("0.8") || v.Outstanding != types.MustTON("0.2") {
		t.Fatalf("unexpected pool after borrow: %+v", v)
	}

	mustCall(t, p, repayFromLoan(manager, types.MustTON("0.2"), types.MustTON("0.04"), types.MustTON("0.01")))
	pos := p.Position(lpA)
	if pos.Accrued != types.MustTON("0.05") {
		t.Fatalf("expected sole LP to accrue 0.05, got %s", types.FormatTON(pos.Accrued))
	}

	evts := mustCall(t, p, withdraw(lpA))
	w := evts[0].(*event.LiquidityWithdrawn)
	if w.Principal+w.Accrued != types.MustTON("1.05") {
		t.Errorf("expected payout 1.05, got %s", types.FormatTON(w.Principal+w.Accrued))
	}
	if pos := p.Position(lpA); pos.Principal != 0 || pos.Accrued != 0 {
		t.Fatalf("withdraw must zero the position, got %+v", pos)
	}
	if v := p.View(); v.TotalLiquidity != 0 || v.Available != 0 {
		t.Errorf("expected empty pool, got %+v", v)
	}
}

// ============================================================================
// Test: Yield distribution
// ============================================================================

func TestRepay_ProRataByPrincipal(t *testing.T) {
	p := mustPool(t, 0)
	mustCall(t, p, deposit(lpA, 3_000, 0))
	mustCall(t, p, deposit(lpB, 1_000, 1))
	mustCall(t, p, borrow(manager, borrower, 2_000))

	evts := mustCall(t, p, repayFromLoan(manager, 2_000, 101, 0))
	repaid := evts[0].(*event.PoolRepaid)

	a, b := p.Position(lpA), p.Position(lpB)
	if a.Accrued != 75 || b.Accrued != 25 {
		t.Fatalf("expected 75/25 split, got %d/%d", a.Accrued, b.Accrued)
	}
	if repaid.Residual != 1 || p.View().Residual != 1 {
		t.Errorf("expected 1 unit residual, got event=%d pool=%d", repaid.Residual, p.View().Residual)
	}
	if v := p.View(); v.TotalLiquidity != 4_100 {
		t.Errorf("expected total liquidity 4100, got %d", v.TotalLiquidity)
	}
}

func TestRepay_Guards(t *testing.T) {
	p := mustPool(t, 0)
	mustCall(t, p, deposit(lpA, 1_000, 0))
	mustCall(t, p, borrow(manager, borrower, 500))

	expectErr(t, p, repayFromLoan(lpA, 100, 0, 0), pool.ErrNotManager)
	expectErr(t, p, repayFromLoan(manager, 501, 0, 0), pool.ErrRepayExceedsDebt)

	short := repayFromLoan(manager, 100, 10, 0)
	short.Value = 109
	expectErr(t, p, short, failure.ErrInsufficientValue)
}

func TestRepay_RejectsOverflowingComponents(t *testing.T) {
	p := mustPool(t, 0)
	mustCall(t, p, deposit(lpA, 1_000, 0))
	mustCall(t, p, borrow(manager, borrower, 500))

	wrapped := &event.RepayFromLoan{
		Header:          event.Header{Sender: manager, Value: math.MaxInt64},
		PrincipalRepaid: 4,
		InterestPaid:    math.MaxInt64,
		PenaltyPaid:     math.MaxInt64,
	}
	expectErr(t, p, wrapped, pool.ErrAmountOverflow)
	if v := p.View(); v.Residual != 0 || v.Outstanding != 500 {
		t.Fatalf("pool changed after rejected repay: %+v", v)
	}
}

// ============================================================================
// Test: Loss write-off
// ============================================================================

func writeOff(sender types.Address, amount int64) *event.WriteOffLoss {
	return &event.WriteOffLoss{Header: event.Header{Sender: sender}, Amount: amount}
}

func TestWriteOff_ChargesClaimsProRata(t *testing.T) {
	p := mustPool(t, 0)
	mustCall(t, p, deposit(lpA, 600, 0))
	mustCall(t, p, deposit(lpB, 400, 0))
	mustCall(t, p, borrow(manager, borrower, 500))

	evts := mustCall(t, p, writeOff(manager, 101))
	w := evts[0].(*event.PoolLossWrittenOff)
	if w.WrittenOff != 101 || w.FromResidual != 0 {
		t.Fatalf("unexpected write off event %+v", w)
	}

	// 101 splits 60.6/40.4: floors 60 and 40, the dust nanoton goes to lpA.
	if got := p.Position(lpA).Claim(); got != 539 {
		t.Errorf("lpA claim: got %d, want 539", got)
	}
	if got := p.Position(lpB).Claim(); got != 360 {
		t.Errorf("lpB claim: got %d, want 360", got)
	}
	v := p.View()
	if v.Outstanding != 399 || v.TotalLiquidity != 899 || v.Available != 500 {
		t.Fatalf("unexpected pool after write off: %+v", v)
	}

	// The rest of the book is recovered; both LPs can exit in full.
	mustCall(t, p, repayFromLoan(manager, 399, 0, 0))
	mustCall(t, p, withdraw(lpA))
	mustCall(t, p, withdraw(lpB))
	if v := p.View(); v.TotalLiquidity != 0 || v.Available != 0 {
		t.Fatalf("expected pool drained, got %+v", v)
	}
}

func TestWriteOff_UsesResidualDustFirst(t *testing.T) {
	p := mustPool(t, 0)
	mustCall(t, p, deposit(lpA, 1, 0))
	mustCall(t, p, deposit(lpB, 2, 0))
	mustCall(t, p, borrow(manager, borrower, 3))
	// Yield of 1 over weights 1:2 floors to nothing and lands in Residual.
	mustCall(t, p, repayFromLoan(manager, 0, 1, 0))
	if v := p.View(); v.Residual != 1 {
		t.Fatalf("expected residual 1, got %+v", v)
	}

	w := mustCall(t, p, writeOff(manager, 1))[0].(*event.PoolLossWrittenOff)
	if w.FromResidual != 1 {
		t.Fatalf("expected dust absorbed by residual, got %+v", w)
	}
	if p.Position(lpA).Claim() != 1 || p.Position(lpB).Claim() != 2 {
		t.Fatal("residual absorption must leave LP claims untouched")
	}
}

func TestWriteOff_CappedAndGuarded(t *testing.T) {
	p := mustPool(t, 0)
	mustCall(t, p, deposit(lpA, 1_000, 0))

	expectErr(t, p, writeOff(manager, 10), pool.ErrNothingToWriteOff)
	mustCall(t, p, borrow(manager, borrower, 100))
	expectErr(t, p, writeOff(lpA, 10), pool.ErrNotManager)
	expectErr(t, p, writeOff(manager, 0), failure.ErrInvalidAmount)

	w := mustCall(t, p, writeOff(manager, 5_000))[0].(*event.PoolLossWrittenOff)
	if w.Requested != 5_000 || w.WrittenOff != 100 {
		t.Fatalf("expected write off capped at outstanding, got %+v", w)
	}
	if v := p.View(); v.Outstanding != 0 || v.TotalLiquidity != 900 {
		t.Fatalf("unexpected pool %+v", v)
	}
}

// ============================================================================
// Test: Borrow / withdraw guards
// ============================================================================

func TestBorrow_Guards(t *testing.T) {
	p := mustPool(t, 800)
	mustCall(t, p, deposit(lpA, 1_000, 0))

	expectErr(t, p, borrow(lpA, borrower, 100), pool.ErrNotManager)
	expectErr(t, p, borrow(manager, borrower, 1_001), pool.ErrInsufficientLiquidity)
	expectErr(t, p, borrow(manager, borrower, 801), pool.ErrBorrowCapExceeded)
	expectErr(t, p, borrow(manager, borrower, 0), failure.ErrInvalidAmount)
	expectErr(t, p, borrow(manager, "", 10), pool.ErrInvalidRecipient)
}

func TestPause_BlocksBorrowOnly(t *testing.T) {
	p := mustPool(t, 0)
	mustCall(t, p, deposit(lpA, 1_000, 0))
	mustCall(t, p, borrow(manager, borrower, 100))

	expectErr(t, p, &event.SetPoolPaused{Header: event.Header{Sender: manager}, Paused: true}, pool.ErrNotOwner)
	mustCall(t, p, &event.SetPoolPaused{Header: event.Header{Sender: owner}, Paused: true})

	expectErr(t, p, borrow(manager, borrower, 100), failure.ErrPaused)
	mustCall(t, p, repayFromLoan(manager, 100, 10, 0))
	mustCall(t, p, withdraw(lpA))
}

func TestWithdraw_AllOrNothing(t *testing.T) {
	p := mustPool(t, 0)
	mustCall(t, p, deposit(lpA, 1_000, 0))
	mustCall(t, p, borrow(manager, borrower, 600))

	expectErr(t, p, withdraw(lpA), pool.ErrInsufficientLiquidity)
	if pos := p.Position(lpA); pos.Principal != 1_000 {
		t.Fatalf("failed withdraw must leave position intact, got %+v", pos)
	}
	expectErr(t, p, withdraw(lpB), pool.ErrNoPosition)
}

func TestDeposit_TierRules(t *testing.T) {
	p := mustPool(t, 0)
	expectErr(t, p, deposit(lpA, 100, 3), pool.ErrInvalidTier)
	expectErr(t, p, deposit(lpA, 0, 0), failure.ErrInsufficientValue)

	mustCall(t, p, deposit(lpA, 100, 1))
	expectErr(t, p, deposit(lpA, 100, 2), pool.ErrTierMismatch)
	mustCall(t, p, deposit(lpA, 100, 1))
	if pos := p.Position(lpA); pos.Principal != 200 || pos.Tier != 1 {
		t.Fatalf("unexpected position: %+v", pos)
	}
}

func TestMarshalRestore(t *testing.T) {
	p := mustPool(t, 0)
	mustCall(t, p, deposit(lpA, 1_000, 0))
	mustCall(t, p, borrow(manager, borrower, 100))

	data, err := p.MarshalState()
	if err != nil {
		t.Fatalf("MarshalState: %v", err)
	}
	r, err := pool.Restore(data)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if r.View() != p.View() || r.Position(lpA) != p.Position(lpA) {
		t.Fatal("restored pool differs")
	}
}
