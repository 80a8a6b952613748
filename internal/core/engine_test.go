package core_test

import (
	"NFTLend/internal/auction"
	"NFTLend/internal/core"
	"NFTLend/internal/escrow"
	"NFTLend/internal/event"
	"NFTLend/internal/ledger"
	"NFTLend/internal/loan"
	"NFTLend/internal/observability"
	"NFTLend/internal/oracle"
	"NFTLend/internal/pipeline"
	"NFTLend/internal/pool"
	"NFTLend/internal/reserve"
	"NFTLend/internal/types"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const (
	owner    types.Address = "EQowner"
	operator types.Address = "EQoperator"
	borrower types.Address = "EQborrower"
	lender   types.Address = "EQlender"
	nft      types.Address = "EQnft"
	bidder   types.Address = "EQbidder"
	lpA      types.Address = "EQlpA"
)

// --- Test helpers ---

type harness struct {
	t       *testing.T
	engine  *core.Engine
	persist chan core.CoreOutput
	metrics *observability.Metrics
	n       int
}

func newHarness(t *testing.T, entities ...core.Entity) *harness {
	t.Helper()
	h := newStoppedHarness(t, entities...)
	h.engine.Start()
	t.Cleanup(h.engine.Stop)
	return h
}

func newStoppedHarness(t *testing.T, entities ...core.Entity) *harness {
	t.Helper()
	persist := make(chan core.CoreOutput, 1024)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	e := core.NewEngine(core.Config{
		Pipeline: pipeline.Settings{Operator: operator, Reserve: "vault"},
		Metrics:  metrics,
	}, persist, nil)
	for _, ent := range entities {
		if err := e.Deploy(ent); err != nil {
			t.Fatalf("Deploy %s: %v", ent.ID(), err)
		}
	}
	return &harness{t: t, engine: e, persist: persist, metrics: metrics}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (h *harness) header(entity types.EntityID, sender types.Address, value, at int64) event.Header {
	h.n++
	return event.Header{
		MessageID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%d", h.t.Name(), h.n))),
		Entity:    entity,
		Sender:    sender,
		Value:     value,
		SentAt:    at,
	}
}

func (h *harness) mustSubmit(cmd event.Command) core.Receipt {
	h.t.Helper()
	r, err := h.engine.Submit(testCtx(h.t), cmd)
	if err != nil {
		h.t.Fatalf("%s on %s: %v", cmd.MessageType(), cmd.Meta().Entity, err)
	}
	return r
}

func (h *harness) mustIdle() {
	h.t.Helper()
	if err := h.engine.WaitIdle(testCtx(h.t)); err != nil {
		h.t.Fatalf("WaitIdle: %v", err)
	}
}

func inspect[T core.Entity](h *harness, id types.EntityID, fn func(T)) {
	h.t.Helper()
	err := h.engine.Inspect(testCtx(h.t), id, func(ent core.Entity) error {
		x, ok := ent.(T)
		if !ok {
			return fmt.Errorf("%s is a %s", id, ent.Kind())
		}
		fn(x)
		return nil
	})
	if err != nil {
		h.t.Fatalf("Inspect %s: %v", id, err)
	}
}

func (h *harness) loan(id types.EntityID) loan.LoanView {
	var v loan.LoanView
	inspect(h, id, func(l *loan.Loan) { v = l.View(h.engine.Now()) })
	return v
}

func (h *harness) escrow(id types.EntityID) escrow.View {
	var v escrow.View
	inspect(h, id, func(e *escrow.Escrow) { v = e.View() })
	return v
}

func (h *harness) auction(id types.EntityID) auction.View {
	var v auction.View
	inspect(h, id, func(a *auction.Auction) { v = a.View() })
	return v
}

func (h *harness) vault() reserve.View {
	var v reserve.View
	inspect(h, "vault", func(x *reserve.Vault) { v = x.View() })
	return v
}

func (h *harness) pool() pool.View {
	var v pool.View
	inspect(h, "pool-1", func(p *pool.Pool) { v = p.View() })
	return v
}

func (h *harness) balance(path string) int64 {
	h.t.Helper()
	rows, err := h.engine.Balances(testCtx(h.t))
	if err != nil {
		h.t.Fatalf("Balances: %v", err)
	}
	for _, r := range rows {
		if r.Account.AccountPath() == path {
			return r.Amount
		}
	}
	return 0
}

func (h *harness) assertZeroSum() {
	h.t.Helper()
	rows, err := h.engine.Balances(testCtx(h.t))
	if err != nil {
		h.t.Fatalf("Balances: %v", err)
	}
	var sum int64
	for _, r := range rows {
		sum += r.Amount
	}
	if sum != 0 {
		h.t.Fatalf("ledger does not sum to zero: %d", sum)
	}
}

func drain(ch chan core.CoreOutput) []*event.Envelope {
	var out []*event.Envelope
	for {
		select {
		case o := <-ch:
			out = append(out, o.Envelope)
		default:
			return out
		}
	}
}

func mustLoan(t *testing.T, cfg loan.Config) *loan.Loan {
	t.Helper()
	if cfg.Owner == "" {
		cfg.Owner = owner
	}
	if cfg.Borrower == "" {
		cfg.Borrower = borrower
	}
	cfg.Collateral = "EQcollection/1"
	cfg.Principal = 200
	cfg.RepayAmount = 220
	cfg.TermSeconds = 100
	cfg.MaxLtvBps = 5_000
	cfg.OracleMaxAge = 1_000
	l, err := loan.New(cfg)
	if err != nil {
		t.Fatalf("loan.New: %v", err)
	}
	return l
}

func mustEscrow(t *testing.T, id, loanID types.EntityID) *escrow.Escrow {
	t.Helper()
	e, err := escrow.New(escrow.Config{ID: id, Owner: owner, Manager: operator, Borrower: borrower, Nft: nft, Loan: loanID})
	if err != nil {
		t.Fatalf("escrow.New: %v", err)
	}
	return e
}

func mustVault(t *testing.T) *reserve.Vault {
	t.Helper()
	v, err := reserve.New(reserve.Config{ID: "vault", Owner: owner})
	if err != nil {
		t.Fatalf("reserve.New: %v", err)
	}
	return v
}

func mustPool(t *testing.T) *pool.Pool {
	t.Helper()
	p, err := pool.New(pool.Config{ID: "pool-1", Owner: owner, Manager: operator})
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	return p
}

// escrowedLoan deploys a directly funded loan secured by an escrow and a vault.
func escrowedLoan(t *testing.T) []core.Entity {
	return []core.Entity{
		mustVault(t),
		mustEscrow(t, "escrow-1", "loan-1"),
		mustLoan(t, loan.Config{ID: "loan-1", Escrow: "escrow-1"}),
	}
}

// fundEscrowedLoan prices, locks and funds loan-1 at t=12.
func (h *harness) fundEscrowedLoan() {
	h.t.Helper()
	h.mustSubmit(&event.SetOraclePrice{Header: h.header("loan-1", owner, 0, 10), Price: 1_000, UpdatedAt: 10})
	h.mustSubmit(&event.ConfirmEscrowedByNft{Header: h.header("escrow-1", nft, 0, 11)})
	h.mustIdle()
	h.mustSubmit(&event.FundLoan{Header: h.header("loan-1", lender, 200, 12)})
}

// ============================================================================
// Lifecycle and admission
// ============================================================================

func TestSubmit_BeforeStart(t *testing.T) {
	h := newStoppedHarness(t, mustVault(t))
	_, err := h.engine.Submit(context.Background(), &event.TopUpReserve{Header: h.header("vault", owner, 10, 1)})
	if !errors.Is(err, core.ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestSubmit_UnknownEntity(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Submit(testCtx(t), &event.TopUpReserve{Header: h.header("nope", owner, 10, 1)})
	if !errors.Is(err, core.ErrUnknownEntity) {
		t.Fatalf("expected ErrUnknownEntity, got %v", err)
	}
}

func TestSubmit_MissingMessageID(t *testing.T) {
	h := newHarness(t, mustVault(t))
	cmd := &event.TopUpReserve{Header: event.Header{Entity: "vault", Sender: owner, Value: 10}}
	if _, err := h.engine.Submit(testCtx(t), cmd); !errors.Is(err, core.ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand, got %v", err)
	}
}

func TestDeploy_DuplicateRejected(t *testing.T) {
	h := newHarness(t, mustVault(t))
	if err := h.engine.Deploy(mustVault(t)); !errors.Is(err, core.ErrEntityExists) {
		t.Fatalf("expected ErrEntityExists, got %v", err)
	}
}

func TestSequence_StartsAtOneAndIsContiguous(t *testing.T) {
	h := newHarness(t, mustVault(t))
	for i := int64(1); i <= 3; i++ {
		r := h.mustSubmit(&event.TopUpReserve{Header: h.header("vault", owner, 10, i)})
		if r.Sequence != i {
			t.Fatalf("expected sequence %d, got %d", i, r.Sequence)
		}
	}
	envs := drain(h.persist)
	if len(envs) != 3 {
		t.Fatalf("expected 3 persisted envelopes, got %d", len(envs))
	}
	if envs[0].PrevHash != core.GenesisHash() {
		t.Fatal("first envelope must chain from genesis")
	}
	for i := 1; i < len(envs); i++ {
		if envs[i].PrevHash != envs[i-1].StateHash {
			t.Fatalf("envelope %d does not chain onto %d", envs[i].Sequence, envs[i-1].Sequence)
		}
	}
}

// ============================================================================
// Idempotency
// ============================================================================

func TestIdempotency_DuplicateIgnored(t *testing.T) {
	h := newHarness(t, mustVault(t))
	cmd := &event.TopUpReserve{Header: h.header("vault", owner, 10, 1)}

	first := h.mustSubmit(cmd)
	second := h.mustSubmit(cmd)
	if first.Duplicate || !second.Duplicate {
		t.Fatalf("expected only the replayed copy to be a duplicate: %+v %+v", first, second)
	}
	if got := h.balance("custody:vault:reserve:TON"); got != 10 {
		t.Fatalf("duplicate moved value: reserve=%d", got)
	}
	if got := testutil.ToFloat64(h.metrics.CoreCommandsRejected.WithLabelValues("TopUpReserve", "duplicate")); got != 1 {
		t.Fatalf("expected 1 duplicate counted, got %v", got)
	}
}

func TestIdempotency_RejectedKeyMayRetry(t *testing.T) {
	h := newHarness(t, mustVault(t))
	hdr := h.header("vault", lender, 10, 1)

	if _, err := h.engine.Submit(testCtx(t), &event.TopUpReserve{Header: hdr}); err == nil {
		t.Fatal("expected non-owner top up to be rejected")
	}
	seq, _ := h.engine.Sequence(testCtx(t))
	if seq != 0 {
		t.Fatalf("rejection advanced sequence to %d", seq)
	}

	hdr.Sender = owner
	r := h.mustSubmit(&event.TopUpReserve{Header: hdr})
	if r.Duplicate || r.Sequence != 1 {
		t.Fatalf("expected retry to apply at sequence 1, got %+v", r)
	}
}

// ============================================================================
// Pipeline: escrow, liquidation, auction, coverage
// ============================================================================

func TestPipeline_EscrowLockReachesLoan(t *testing.T) {
	h := newHarness(t, escrowedLoan(t)...)
	h.mustSubmit(&event.ConfirmEscrowedByNft{Header: h.header("escrow-1", nft, 0, 11)})
	h.mustIdle()

	if !h.loan("loan-1").CollateralLocked {
		t.Fatal("expected CollateralLocked follow-on to reach the loan")
	}
	envs := drain(h.persist)
	if len(envs) != 2 || envs[1].MessageType != event.MsgCollateralLocked {
		t.Fatalf("expected lock and follow-on envelopes, got %d", len(envs))
	}
	if envs[1].Sender != types.EntityAddress("escrow-1") {
		t.Fatalf("follow-on must carry the escrow identity, got %s", envs[1].Sender)
	}
}

func TestPipeline_FundingMovesPrincipal(t *testing.T) {
	h := newHarness(t, escrowedLoan(t)...)
	h.fundEscrowedLoan()
	h.mustIdle()

	if got := h.loan("loan-1").StatusLabel; got != "FUNDED" {
		t.Fatalf("expected FUNDED, got %s", got)
	}
	if got := h.balance("wallet:EQborrower:TON"); got != 200 {
		t.Fatalf("expected borrower +200, got %d", got)
	}
	if got := h.balance("wallet:EQlender:TON"); got != -200 {
		t.Fatalf("expected lender -200, got %d", got)
	}
	h.assertZeroSum()
}

func TestPipeline_RepayReleasesEscrow(t *testing.T) {
	h := newHarness(t, escrowedLoan(t)...)
	h.fundEscrowedLoan()
	h.mustSubmit(&event.Repay{Header: h.header("loan-1", borrower, 220, 50)})
	h.mustIdle()

	esc := h.escrow("escrow-1")
	if esc.StatusLabel != "RELEASED" || esc.Custodian != borrower {
		t.Fatalf("expected escrow released to borrower, got %+v", esc)
	}
	if got := h.balance("wallet:EQlender:TON"); got != 20 {
		t.Fatalf("expected lender net +20, got %d", got)
	}
	h.assertZeroSum()
}

// The full default path: liquidation provisions an auction, the auction
// fails to clear its reserve, the NFT goes to the protocol and the vault
// covers what it can of the lender's loss.
func TestPipeline_LiquidationAuctionCoverage(t *testing.T) {
	h := newHarness(t, escrowedLoan(t)...)
	h.mustSubmit(&event.SetAuthorizedManager{Header: h.header("vault", owner, 0, 1), Manager: operator, Enabled: true})
	h.mustSubmit(&event.TopUpReserve{Header: h.header("vault", owner, 50, 2)})
	h.mustSubmit(&event.TopUpBackstop{Header: h.header("vault", owner, 100, 3)})
	h.fundEscrowedLoan()

	h.mustSubmit(&event.Liquidate{Header: h.header("loan-1", lender, 0, 200)})
	h.mustIdle()

	auctionID := pipeline.AuctionFor("loan-1")
	if !h.engine.Has(auctionID) {
		t.Fatal("expected liquidation to provision an auction")
	}
	a := h.auction(auctionID)
	if a.StatusLabel != "ACTIVE" || a.MinBid != 210 || a.Debt != 200 {
		t.Fatalf("unexpected auction after provisioning: %+v", a)
	}

	h.mustSubmit(&event.PlaceBid{Header: h.header(auctionID, bidder, 100, 300)})
	if got := h.balance("custody:" + string(auctionID) + ":auction_bids:TON"); got != 100 {
		t.Fatalf("expected bid held in custody, got %d", got)
	}
	h.mustSubmit(&event.FinalizeAuction{Header: h.header(auctionID, operator, 0, 300+pipeline.DefaultAuctionDuration)})
	h.mustIdle()

	if a := h.auction(auctionID); a.Sold {
		t.Fatal("bid below reserve must not sell")
	}
	esc := h.escrow("escrow-1")
	if esc.StatusLabel != "LIQUIDATED" || esc.Custodian != owner {
		t.Fatalf("expected NFT released to protocol, got %+v", esc)
	}
	v := h.vault()
	if v.ReserveBalance != 0 || v.BackstopBalance != 0 || v.BadDebtTotal != 50 {
		t.Fatalf("unexpected vault after coverage: %+v", v)
	}
	if got := h.balance("wallet:EQbidder:TON"); got != 0 {
		t.Fatalf("expected bidder refunded, got %d", got)
	}
	if got := h.balance("wallet:EQlender:TON"); got != -50 {
		t.Fatalf("expected lender loss of 50 after coverage, got %d", got)
	}
	h.assertZeroSum()
}

func TestPipeline_SoldAuctionPaysLenderAndBorrower(t *testing.T) {
	h := newHarness(t, escrowedLoan(t)...)
	h.fundEscrowedLoan()
	h.mustSubmit(&event.Liquidate{Header: h.header("loan-1", lender, 0, 200)})
	h.mustIdle()

	auctionID := pipeline.AuctionFor("loan-1")
	h.mustSubmit(&event.PlaceBid{Header: h.header(auctionID, bidder, 250, 300)})
	h.mustSubmit(&event.FinalizeAuction{Header: h.header(auctionID, operator, 0, 300+pipeline.DefaultAuctionDuration)})
	h.mustIdle()

	esc := h.escrow("escrow-1")
	if esc.Custodian != bidder {
		t.Fatalf("expected NFT released to winner, got %+v", esc)
	}
	if got := h.balance("wallet:EQlender:TON"); got != 0 {
		t.Fatalf("expected lender made whole, got %d", got)
	}
	if got := h.balance("wallet:EQborrower:TON"); got != 250 {
		t.Fatalf("expected borrower principal plus 50 surplus, got %d", got)
	}
	if got := h.vault().BadDebtTotal; got != 0 {
		t.Fatalf("sold auction must not request coverage, bad debt %d", got)
	}
	h.assertZeroSum()
}

func TestPipeline_QuorumPricePushedToLoan(t *testing.T) {
	q, err := oracle.New(oracle.Config{
		ID:              "oracle-1",
		Owner:           owner,
		Sources:         [oracle.SourceCount]types.Address{"EQsrcA", "EQsrcB", "EQsrcC"},
		FreshnessWindow: 600,
	})
	if err != nil {
		t.Fatalf("oracle.New: %v", err)
	}
	h := newHarness(t, q, mustLoan(t, loan.Config{ID: "loan-1", Oracle: "oracle-1"}))

	h.mustSubmit(&event.SubmitOraclePrice{Header: h.header("oracle-1", "EQsrcA", 0, 100), Price: 900, UpdatedAt: 100})
	h.mustSubmit(&event.SubmitOraclePrice{Header: h.header("oracle-1", "EQsrcB", 0, 101), Price: 1_100, UpdatedAt: 101})
	h.mustIdle()

	v := h.loan("loan-1")
	if v.OraclePrice != 1_000 || v.OracleUpdatedAt != 100 {
		t.Fatalf("expected median 1000 at oldest timestamp 100, got %d at %d", v.OraclePrice, v.OracleUpdatedAt)
	}
}

// ============================================================================
// Pipeline: pool-funded loans
// ============================================================================

func pooledLoan(t *testing.T) []core.Entity {
	return []core.Entity{
		mustPool(t),
		mustLoan(t, loan.Config{ID: "loan-2", Pool: "pool-1", Keeper: operator}),
	}
}

func TestPipeline_PoolFundedLoanLifecycle(t *testing.T) {
	h := newHarness(t, pooledLoan(t)...)
	h.mustSubmit(&event.DepositLiquidity{Header: h.header("pool-1", lpA, 1_000, 1)})
	h.mustSubmit(&event.SetOraclePrice{Header: h.header("loan-2", owner, 0, 2), Price: 1_000, UpdatedAt: 2})
	h.mustSubmit(&event.BorrowTo{Header: h.header("pool-1", operator, 0, 3), To: types.EntityAddress("loan-2"), Amount: 200})
	h.mustIdle()

	l := h.loan("loan-2")
	if l.StatusLabel != "FUNDED" || l.Lender != types.EntityAddress("pool-1") {
		t.Fatalf("expected loan funded by pool, got %+v", l)
	}
	if got := h.balance("wallet:entity:loan-2:TON"); got != 0 {
		t.Fatalf("pass-through wallet must net to zero, got %d", got)
	}

	h.mustSubmit(&event.Repay{Header: h.header("loan-2", borrower, 220, 50)})
	h.mustIdle()

	p := h.pool()
	if p.Available != 1_020 || p.Outstanding != 0 {
		t.Fatalf("expected repayment returned to pool, got %+v", p)
	}
	if got := h.balance("custody:pool-1:pool_liquidity:TON"); got != 1_020 {
		t.Fatalf("expected pool custody 1020, got %d", got)
	}
	h.assertZeroSum()
}

func TestPipeline_FailedPoolFundingIsCompensated(t *testing.T) {
	h := newHarness(t, pooledLoan(t)...)
	h.mustSubmit(&event.DepositLiquidity{Header: h.header("pool-1", lpA, 1_000, 1)})

	// No oracle price: FundLoan is rejected after the pool has lent.
	h.mustSubmit(&event.BorrowTo{Header: h.header("pool-1", operator, 0, 3), To: types.EntityAddress("loan-2"), Amount: 200})
	h.mustIdle()

	if got := h.loan("loan-2").StatusLabel; got != "OPEN" {
		t.Fatalf("expected loan to stay OPEN, got %s", got)
	}
	p := h.pool()
	if p.Available != 1_000 || p.Outstanding != 0 {
		t.Fatalf("expected compensation to restore pool, got %+v", p)
	}
	if got := h.balance("wallet:entity:loan-2:TON"); got != 0 {
		t.Fatalf("expected pass-through wallet drained, got %d", got)
	}
	if got := testutil.ToFloat64(h.metrics.FollowOns.WithLabelValues(string(event.MsgFundLoan), "failed")); got != 1 {
		t.Fatalf("expected one failed follow-on, got %v", got)
	}
	h.assertZeroSum()
}

// A pool-funded loan that the auction and the reserve can only partly
// repay: the remainder is written off against LP claims so the pool stays
// fully withdrawable.
func TestPipeline_PoolLossWrittenOffAfterPartialCoverage(t *testing.T) {
	h := newHarness(t, mustPool(t), mustVault(t), mustLoan(t, loan.Config{ID: "loan-2", Pool: "pool-1", Keeper: operator}))
	h.mustSubmit(&event.SetAuthorizedManager{Header: h.header("vault", owner, 0, 1), Manager: operator, Enabled: true})
	h.mustSubmit(&event.TopUpReserve{Header: h.header("vault", owner, 50, 1)})
	h.mustSubmit(&event.DepositLiquidity{Header: h.header("pool-1", lpA, 1_000, 1)})
	h.mustSubmit(&event.SetOraclePrice{Header: h.header("loan-2", owner, 0, 2), Price: 1_000, UpdatedAt: 2})
	h.mustSubmit(&event.BorrowTo{Header: h.header("pool-1", operator, 0, 3), To: types.EntityAddress("loan-2"), Amount: 200})
	h.mustIdle()

	h.mustSubmit(&event.Liquidate{Header: h.header("loan-2", operator, 0, 200)})
	h.mustIdle()
	auctionID := pipeline.AuctionFor("loan-2")
	h.mustSubmit(&event.FinalizeAuction{Header: h.header(auctionID, operator, 0, 200+pipeline.DefaultAuctionDuration)})
	h.mustIdle()

	if v := h.vault(); v.BadDebtTotal != 150 {
		t.Fatalf("expected bad debt 150, got %+v", v)
	}
	p := h.pool()
	if p.Outstanding != 0 || p.Available != 850 || p.TotalLiquidity != 850 {
		t.Fatalf("expected loss written off, got %+v", p)
	}
	var pos pool.Position
	inspect(h, "pool-1", func(x *pool.Pool) { pos = x.Position(lpA) })
	if pos.Claim() != 850 {
		t.Fatalf("expected LP claim 850, got %+v", pos)
	}

	h.mustSubmit(&event.WithdrawLiquidity{Header: h.header("pool-1", lpA, 0, 400)})
	if got := h.balance("wallet:EQlpA:TON"); got != -150 {
		t.Fatalf("expected LP net loss 150, got %d", got)
	}
	h.assertZeroSum()
}

// ============================================================================
// Outputs
// ============================================================================

func TestOutputs_BatchAttachedWhenValueMoves(t *testing.T) {
	persist := make(chan core.CoreOutput, 16)
	proj := make(chan core.CoreOutput, 16)
	e := core.NewEngine(core.Config{Pipeline: pipeline.Settings{Operator: operator}}, persist, proj)
	if err := e.Deploy(mustVault(t)); err != nil {
		t.Fatal(err)
	}
	e.Start()
	defer e.Stop()

	h := &harness{t: t, engine: e, persist: persist}
	h.mustSubmit(&event.SetAuthorizedManager{Header: h.header("vault", owner, 0, 1), Manager: operator, Enabled: true})
	h.mustSubmit(&event.TopUpReserve{Header: h.header("vault", owner, 75, 2)})

	outs := []core.CoreOutput{<-proj, <-proj}
	if outs[0].Batch != nil {
		t.Fatal("manager change must not produce a batch")
	}
	b := outs[1].Batch
	if b == nil || len(b.Journals) != 1 || b.Journals[0].JournalType != ledger.JournalTypeReserveTopUp {
		t.Fatalf("expected one reserve top-up journal, got %+v", b)
	}
	if outs[1].Kind != types.KindReserve || len(outs[1].State) == 0 {
		t.Fatal("expected entity kind and state on the output")
	}
	if len(persist) != 2 {
		t.Fatalf("expected both outputs persisted, got %d", len(persist))
	}
}

// ============================================================================
// Snapshot, restore and replay
// ============================================================================

func runLiquidation(h *harness) {
	h.t.Helper()
	h.mustSubmit(&event.SetAuthorizedManager{Header: h.header("vault", owner, 0, 1), Manager: operator, Enabled: true})
	h.mustSubmit(&event.TopUpReserve{Header: h.header("vault", owner, 500, 2)})
	h.fundEscrowedLoan()
	h.mustSubmit(&event.Liquidate{Header: h.header("loan-1", lender, 0, 200)})
	h.mustIdle()
	auctionID := pipeline.AuctionFor("loan-1")
	h.mustSubmit(&event.PlaceBid{Header: h.header(auctionID, bidder, 100, 300)})
	h.mustSubmit(&event.FinalizeAuction{Header: h.header(auctionID, operator, 0, 300+pipeline.DefaultAuctionDuration)})
	h.mustIdle()
}

func TestReplay_FromGenesisReproducesTip(t *testing.T) {
	src := newHarness(t, escrowedLoan(t)...)
	runLiquidation(src)
	envs := drain(src.persist)
	wantTip, _ := src.engine.StateHash(testCtx(t))

	dst := newHarness(t, escrowedLoan(t)...)
	n, err := dst.engine.Replay(testCtx(t), envs)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != len(envs) {
		t.Fatalf("replayed %d of %d", n, len(envs))
	}
	gotTip, _ := dst.engine.StateHash(testCtx(t))
	if gotTip != wantTip {
		t.Fatal("replayed tip differs from source")
	}
	if !dst.engine.Has(pipeline.AuctionFor("loan-1")) {
		t.Fatal("replay must re-provision the auction")
	}
	if len(drain(dst.persist)) != 0 {
		t.Fatal("replayed outputs must not be persisted again")
	}
	if got := dst.vault().CoveredTotal; got != 200 {
		t.Fatalf("expected coverage rebuilt by replay, got %d", got)
	}
}

func TestSnapshot_RestoreThenReplayTail(t *testing.T) {
	src := newHarness(t, escrowedLoan(t)...)
	src.fundEscrowedLoan()
	src.mustIdle()
	snap, err := src.engine.Snapshot(testCtx(t))
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	head := drain(src.persist)
	if snap.Sequence != int64(len(head)) {
		t.Fatalf("snapshot at %d, %d envelopes before it", snap.Sequence, len(head))
	}

	src.mustSubmit(&event.Liquidate{Header: src.header("loan-1", lender, 0, 200)})
	src.mustIdle()
	tail := drain(src.persist)
	wantTip, _ := src.engine.StateHash(testCtx(t))

	dst := newStoppedHarness(t)
	if err := dst.engine.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	dst.engine.Start()
	t.Cleanup(dst.engine.Stop)

	if _, err := dst.engine.Replay(testCtx(t), tail); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	gotTip, _ := dst.engine.StateHash(testCtx(t))
	if gotTip != wantTip {
		t.Fatal("restored engine diverged from source")
	}
	if got := dst.loan("loan-1").StatusLabel; got != "LIQUIDATED" {
		t.Fatalf("expected LIQUIDATED after tail replay, got %s", got)
	}

	// Keys from before the snapshot are still remembered.
	r, err := dst.engine.Submit(testCtx(t), &event.FundLoan{Header: event.Header{
		MessageID: uuid.MustParse(head[len(head)-1].IdempotencyKey),
		Entity:    "loan-1",
		Sender:    lender,
		Value:     200,
		SentAt:    12,
	}})
	if err != nil || !r.Duplicate {
		t.Fatalf("expected pre-snapshot key to dedupe, got %+v %v", r, err)
	}
}

func TestReplay_GapIsDivergence(t *testing.T) {
	src := newHarness(t, mustVault(t))
	for i := int64(1); i <= 3; i++ {
		src.mustSubmit(&event.TopUpReserve{Header: src.header("vault", owner, 10, i)})
	}
	envs := drain(src.persist)

	dst := newHarness(t, mustVault(t))
	_, err := dst.engine.Replay(testCtx(t), []*event.Envelope{envs[0], envs[2]})
	if !errors.Is(err, core.ErrReplayDivergence) {
		t.Fatalf("expected ErrReplayDivergence, got %v", err)
	}
}

func TestReplay_TamperedPayloadIsDivergence(t *testing.T) {
	src := newHarness(t, mustVault(t))
	src.mustSubmit(&event.TopUpReserve{Header: src.header("vault", owner, 10, 1)})
	envs := drain(src.persist)

	bad := *envs[0]
	bad.Payload = []byte(`{"message_id":"` + bad.IdempotencyKey + `","entity":"vault","sender":"EQowner","value":11,"sent_at":1}`)

	dst := newHarness(t, mustVault(t))
	if _, err := dst.engine.Replay(testCtx(t), []*event.Envelope{&bad}); !errors.Is(err, core.ErrReplayDivergence) {
		t.Fatalf("expected ErrReplayDivergence, got %v", err)
	}
}

// ============================================================================
// Named getters
// ============================================================================

func TestQuery_NamedGetters(t *testing.T) {
	h := newHarness(t, escrowedLoan(t)...)
	h.fundEscrowedLoan()
	h.mustIdle()
	ctx := testCtx(t)

	got, err := h.engine.Query(ctx, "loan-1", "get_owner", "")
	if err != nil || got != owner {
		t.Fatalf("get_owner: %v %v", got, err)
	}
	fresh, err := h.engine.Query(ctx, "loan-1", "get_oracle_is_fresh", "")
	if err != nil || fresh != true {
		t.Fatalf("get_oracle_is_fresh: %v %v", fresh, err)
	}
	locked, err := h.engine.Query(ctx, "escrow-1", "get_is_locked", "")
	if err != nil || locked != true {
		t.Fatalf("get_is_locked: %v %v", locked, err)
	}
	state, err := h.engine.Query(ctx, "loan-1", "get_loan_state", "")
	if err != nil {
		t.Fatal(err)
	}
	if v := state.(loan.LoanView); v.Status != loan.StatusFunded {
		t.Fatalf("expected FUNDED, got %s", v.StatusLabel)
	}
}

func TestQuery_UnknownGetterAndMissingArg(t *testing.T) {
	h := newHarness(t, mustPool(t))
	ctx := testCtx(t)

	if _, err := h.engine.Query(ctx, "pool-1", "get_owner", ""); !errors.Is(err, core.ErrUnknownGetter) {
		t.Fatalf("expected ErrUnknownGetter, got %v", err)
	}
	if _, err := h.engine.Query(ctx, "pool-1", "get_lp_position", ""); !errors.Is(err, core.ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand, got %v", err)
	}
	if names := core.Getters(types.KindPool); len(names) != 2 || names[0] != "get_lp_position" {
		t.Fatalf("unexpected pool getters %v", names)
	}
}
