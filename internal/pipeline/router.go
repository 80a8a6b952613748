// Package pipeline turns emitted events into follow-on commands for linked
// entities. It never reads another entity's state: links are deploy-time
// configuration and every cross-entity effect is an explicit message.
package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"NFTLend/internal/auction"
	"NFTLend/internal/event"
	"NFTLend/internal/loan"
	fpmath "NFTLend/internal/math"
	"NFTLend/internal/types"
)

// followOnNamespace seeds UUIDv5 message IDs so replays dedupe.
var followOnNamespace = uuid.MustParse("0b8f6c2d-4e1a-5f37-8c90-2d4b6a8e1f53")

const (
	DefaultMinBidBps       int64 = 10_500
	DefaultAuctionDuration int64 = 3_600
)

// Settings are protocol-wide pipeline parameters.
type Settings struct {
	// Operator is the keeper identity used for manager-gated follow-ons
	// (auction start, escrow release, coverage, pool repayment).
	Operator types.Address `json:"operator"`

	// Reserve receives shortfall coverage requests; empty disables coverage.
	Reserve types.EntityID `json:"reserve,omitempty"`

	// MinBidBps sizes the auction reserve price against principal.
	MinBidBps int64 `json:"min_bid_bps"`

	AuctionDurationSeconds int64 `json:"auction_duration_seconds"`
}

func (s Settings) withDefaults() Settings {
	if s.MinBidBps <= 0 {
		s.MinBidBps = DefaultMinBidBps
	}
	if s.AuctionDurationSeconds <= 0 {
		s.AuctionDurationSeconds = DefaultAuctionDuration
	}
	return s
}

// Links is the routing-relevant subset of a loan's configuration.
type Links struct {
	Loan          types.EntityID `json:"loan"`
	Oracle        types.EntityID `json:"oracle,omitempty"`
	RiskAuthority types.EntityID `json:"risk_authority,omitempty"`
	Escrow        types.EntityID `json:"escrow,omitempty"`
	Pool          types.EntityID `json:"pool,omitempty"`
}

// LinksOf extracts routing links from a loan configuration.
func LinksOf(cfg loan.Config) Links {
	return Links{
		Loan:          cfg.ID,
		Oracle:        cfg.Oracle,
		RiskAuthority: cfg.RiskAuthority,
		Escrow:        cfg.Escrow,
		Pool:          cfg.Pool,
	}
}

// Source identifies the sequenced command whose events are being routed.
type Source struct {
	// Key is the source command's idempotency key
	Key       string
	Entity    types.EntityID
	Timestamp int64
}

// Action is one pipeline output: provision an entity, or send a command.
// Exactly one field is set.
type Action struct {
	Deploy  *auction.Config
	Command event.Command
}

// Router holds link state and maps events to follow-ons. It is owned by
// the sequencer goroutine and is not safe for concurrent use.
type Router struct {
	settings Settings

	loans    map[types.EntityID]Links
	byEscrow map[types.EntityID]types.EntityID
	byOracle map[types.EntityID][]types.EntityID
	byRisk   map[types.EntityID][]types.EntityID

	// auction -> loan, recorded when the pipeline provisions an auction
	auctions map[types.EntityID]types.EntityID
}

func NewRouter(s Settings) *Router {
	return &Router{
		settings: s.withDefaults(),
		loans:    make(map[types.EntityID]Links),
		byEscrow: make(map[types.EntityID]types.EntityID),
		byOracle: make(map[types.EntityID][]types.EntityID),
		byRisk:   make(map[types.EntityID][]types.EntityID),
		auctions: make(map[types.EntityID]types.EntityID),
	}
}

func (r *Router) Settings() Settings { return r.settings }

// Link registers a loan's links. Re-linking the same loan replaces it.
func (r *Router) Link(l Links) {
	if _, ok := r.loans[l.Loan]; ok {
		r.unlink(l.Loan)
	}
	r.loans[l.Loan] = l
	if l.Escrow != "" {
		r.byEscrow[l.Escrow] = l.Loan
	}
	if l.Oracle != "" {
		r.byOracle[l.Oracle] = insertSorted(r.byOracle[l.Oracle], l.Loan)
	}
	if l.RiskAuthority != "" {
		r.byRisk[l.RiskAuthority] = insertSorted(r.byRisk[l.RiskAuthority], l.Loan)
	}
}

func (r *Router) unlink(id types.EntityID) {
	old := r.loans[id]
	delete(r.byEscrow, old.Escrow)
	r.byOracle[old.Oracle] = remove(r.byOracle[old.Oracle], id)
	r.byRisk[old.RiskAuthority] = remove(r.byRisk[old.RiskAuthority], id)
	delete(r.loans, id)
}

// AuctionFor names the auction provisioned for a liquidated loan.
func AuctionFor(loanID types.EntityID) types.EntityID { return loanID + "-auction" }

// Route maps one command's events to follow-on actions, in event order.
func (r *Router) Route(src Source, events []event.Event) []Action {
	var out []Action
	for i, evt := range events {
		out = append(out, r.routeOne(src, i, evt)...)
	}
	return out
}

func (r *Router) routeOne(src Source, idx int, evt event.Event) []Action {
	b := &builder{src: src, idx: idx, op: r.settings.Operator}

	switch e := evt.(type) {
	case *event.EscrowLocked:
		if loanID, ok := r.byEscrow[e.Entity]; ok {
			return b.send(&event.CollateralLocked{Header: b.from(loanID, e.Entity)})
		}

	case *event.QuorumPriceUpdated:
		var out []Action
		for _, loanID := range r.byOracle[e.Entity] {
			out = append(out, b.send(&event.SyncOraclePrice{
				Header: b.from(loanID, e.Entity), Price: e.Price, UpdatedAt: e.UpdatedAt,
			})...)
		}
		return out

	case *event.RiskUpdateApplied:
		var out []Action
		for _, loanID := range r.byRisk[e.Entity] {
			out = append(out, b.send(&event.SyncProtocolRisk{
				Header:    b.from(loanID, e.Entity),
				MaxLtvBps: e.MaxLtvBps, OracleMaxAge: e.OracleMaxAge, Version: e.RiskVersion,
			})...)
		}
		return out

	case *event.LiquidityBorrowed:
		loanID, ok := types.EntityOf(e.To)
		if !ok {
			return nil
		}
		if l, linked := r.loans[loanID]; linked && l.Pool == e.Entity {
			h := b.from(loanID, e.Entity)
			h.Value = e.Amount
			return b.send(&event.FundLoan{Header: h})
		}

	case *event.LoanLiquidated:
		return r.liquidated(b, e)

	case *event.AuctionSettled:
		return r.settled(b, e)

	case *event.CoverageProvided:
		// Coverage paid to a pool lender is returned to LPs as principal;
		// whatever the reserve could not cover is written off.
		poolID, ok := types.EntityOf(e.To)
		if !ok {
			return nil
		}
		var out []Action
		if covered := e.FromReserve + e.FromBackstop; covered > 0 {
			out = append(out, b.send(r.poolRecovery(b, poolID, covered))...)
		}
		if e.Uncovered > 0 {
			out = append(out, b.send(&event.WriteOffLoss{Header: b.operator(poolID), Amount: e.Uncovered})...)
		}
		return out

	case *event.LoanRepaid:
		l := r.loans[e.Entity]
		var out []Action
		if l.Escrow != "" {
			out = append(out, b.send(&event.ReleaseToBorrower{Header: b.operator(l.Escrow)})...)
		}
		if l.Pool != "" && e.Lender == types.EntityAddress(l.Pool) {
			h := b.operator(l.Pool)
			h.Value = e.Amount
			out = append(out, b.send(&event.RepayFromLoan{
				Header:          h,
				PrincipalRepaid: e.Principal,
				InterestPaid:    e.Amount - e.Principal,
				Payer:           e.Lender,
			})...)
		}
		return out

	case *event.LoanCancelled:
		if l := r.loans[e.Entity]; l.Escrow != "" {
			return b.send(&event.ReleaseToBorrower{Header: b.operator(l.Escrow)})
		}
	}
	return nil
}

func (r *Router) liquidated(b *builder, e *event.LoanLiquidated) []Action {
	auctionID := AuctionFor(e.Entity)
	if _, exists := r.auctions[auctionID]; exists {
		return nil
	}
	r.auctions[auctionID] = e.Entity

	minBid := fpmath.BpsOf(e.Principal, r.settings.MinBidBps)
	if minBid <= 0 {
		minBid = 1
	}
	cfg := auction.Config{
		ID:         auctionID,
		Owner:      r.settings.Operator,
		Manager:    r.settings.Operator,
		Collateral: e.Collateral,
		Borrower:   e.Borrower,
		Lender:     e.Lender,
		Debt:       e.Principal,
	}
	return append([]Action{{Deploy: &cfg}}, b.send(&event.StartAuction{
		Header:          b.operator(auctionID),
		MinBid:          minBid,
		DurationSeconds: r.settings.AuctionDurationSeconds,
	})...)
}

func (r *Router) settled(b *builder, e *event.AuctionSettled) []Action {
	loanID, ok := r.auctions[e.Entity]
	if !ok {
		return nil
	}
	l := r.loans[loanID]

	var out []Action
	if l.Escrow != "" {
		if e.Sold {
			out = append(out, b.send(&event.ReleaseToAuctionWinner{Header: b.operator(l.Escrow), Winner: e.Winner})...)
		} else {
			out = append(out, b.send(&event.ReleaseToProtocol{Header: b.operator(l.Escrow)})...)
		}
	}
	poolID, isPool := types.EntityOf(e.Lender)
	if isPool && e.PaidToLender > 0 {
		out = append(out, b.send(r.poolRecovery(b, poolID, e.PaidToLender))...)
	}
	switch {
	case e.Shortfall <= 0:
	case r.settings.Reserve != "":
		out = append(out, b.send(&event.RequestCoverage{
			Header: b.operator(r.settings.Reserve), Amount: e.Shortfall, To: e.Lender,
		})...)
	case isPool:
		out = append(out, b.send(&event.WriteOffLoss{Header: b.operator(poolID), Amount: e.Shortfall})...)
	}
	return out
}

// poolRecovery forwards value that reached a pool's pass-through wallet
// into pool custody as repaid principal.
func (r *Router) poolRecovery(b *builder, poolID types.EntityID, amount int64) event.Command {
	h := b.operator(poolID)
	h.Value = amount
	return &event.RepayFromLoan{Header: h, PrincipalRepaid: amount, Payer: types.EntityAddress(poolID)}
}

// Compensate returns the commands that undo a failed follow-on's value
// movement. Only pool-originated funding moves value before the target
// accepts it; everything else needs no compensation.
func (r *Router) Compensate(failed event.Command) []event.Command {
	fund, ok := failed.(*event.FundLoan)
	if !ok {
		return nil
	}
	poolID, ok := types.EntityOf(fund.Sender)
	if !ok || fund.Value <= 0 {
		return nil
	}
	b := &builder{src: Source{Key: "compensate/" + fund.IdempotencyKey(), Timestamp: fund.SentAt}, op: r.settings.Operator}
	h := b.operator(poolID)
	h.Value = fund.Value
	return []event.Command{&event.RepayFromLoan{
		Header:          h,
		PrincipalRepaid: fund.Value,
		Payer:           types.EntityAddress(fund.Entity),
	}}
}

// builder derives deterministic headers for one source event.
type builder struct {
	src Source
	idx int
	n   int
	op  types.Address
}

func (b *builder) header(target types.EntityID, sender types.Address) event.Header {
	seed := fmt.Sprintf("%s/%d/%d/%s", b.src.Key, b.idx, b.n, target)
	b.n++
	return event.Header{
		MessageID: uuid.NewSHA1(followOnNamespace, []byte(seed)),
		Entity:    target,
		Sender:    sender,
		SentAt:    b.src.Timestamp,
	}
}

// from sends with the emitting entity's identity.
func (b *builder) from(target, emitter types.EntityID) event.Header {
	return b.header(target, types.EntityAddress(emitter))
}

// operator sends with the keeper identity.
func (b *builder) operator(target types.EntityID) event.Header {
	return b.header(target, b.op)
}

func (b *builder) send(cmd event.Command) []Action {
	return []Action{{Command: cmd}}
}

func insertSorted(ids []types.EntityID, id types.EntityID) []types.EntityID {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	if i < len(ids) && ids[i] == id {
		return ids
	}
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

func remove(ids []types.EntityID, id types.EntityID) []types.EntityID {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// --- Persistence ---

type routerState struct {
	Settings Settings                          `json:"settings"`
	Loans    []Links                           `json:"loans"`
	Auctions map[types.EntityID]types.EntityID `json:"auctions"`
}

// MarshalState serializes link state for snapshots.
func (r *Router) MarshalState() ([]byte, error) {
	ids := make([]types.EntityID, 0, len(r.loans))
	for id := range r.loans {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	loans := make([]Links, 0, len(ids))
	for _, id := range ids {
		loans = append(loans, r.loans[id])
	}
	return json.Marshal(routerState{Settings: r.settings, Loans: loans, Auctions: r.auctions})
}

// Restore rebuilds a Router from MarshalState output.
func Restore(data []byte) (*Router, error) {
	var s routerState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode router state: %w", err)
	}
	r := NewRouter(s.Settings)
	for _, l := range s.Loans {
		r.Link(l)
	}
	for a, l := range s.Auctions {
		r.auctions[a] = l
	}
	return r, nil
}
