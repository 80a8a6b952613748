package core

import (
	"encoding/json"
	"fmt"
	"sync"

	"NFTLend/internal/auction"
	"NFTLend/internal/escrow"
	"NFTLend/internal/ledger"
	"NFTLend/internal/loan"
	"NFTLend/internal/multisig"
	"NFTLend/internal/observability"
	"NFTLend/internal/oracle"
	"NFTLend/internal/pipeline"
	"NFTLend/internal/pool"
	"NFTLend/internal/reserve"
	"NFTLend/internal/types"
)

// restorers rebuild an entity from its MarshalState bytes, keyed by kind.
var restorers = map[types.EntityKind]func([]byte) (Entity, error){
	types.KindLoan:     func(b []byte) (Entity, error) { return wrap(loan.Restore(b)) },
	types.KindOracle:   func(b []byte) (Entity, error) { return wrap(oracle.Restore(b)) },
	types.KindMultisig: func(b []byte) (Entity, error) { return wrap(multisig.Restore(b)) },
	types.KindPool:     func(b []byte) (Entity, error) { return wrap(pool.Restore(b)) },
	types.KindReserve:  func(b []byte) (Entity, error) { return wrap(reserve.Restore(b)) },
	types.KindAuction:  func(b []byte) (Entity, error) { return wrap(auction.Restore(b)) },
	types.KindEscrow:   func(b []byte) (Entity, error) { return wrap(escrow.Restore(b)) },
}

func wrap[T Entity](ent T, err error) (Entity, error) {
	if err != nil {
		return nil, err
	}
	return ent, nil
}

// RestoreEntity rebuilds one entity from serialized state.
func RestoreEntity(kind types.EntityKind, state json.RawMessage) (Entity, error) {
	restore, ok := restorers[kind]
	if !ok {
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	return restore(state)
}

func newAuction(cfg auction.Config) (Entity, error) {
	return wrap(auction.New(cfg))
}

// linksOf returns pipeline links for entities that declare them.
func linksOf(ent Entity) (pipeline.Links, bool) {
	l, ok := ent.(*loan.Loan)
	if !ok {
		return pipeline.Links{}, false
	}
	return pipeline.LinksOf(l.Config()), true
}

// custodyOf reports the custody balances an entity believes it holds. The
// sequencer checks them against the ledger after every command.
func custodyOf(ent Entity) []custodyCheck {
	switch e := ent.(type) {
	case *pool.Pool:
		return []custodyCheck{
			{ledger.NewCustodyAccountKey(e.ID(), ledger.SubTypePoolLiquidity, ledger.AssetTON), e.View().Available},
		}
	case *reserve.Vault:
		v := e.View()
		return []custodyCheck{
			{ledger.NewCustodyAccountKey(e.ID(), ledger.SubTypeReserve, ledger.AssetTON), v.ReserveBalance},
			{ledger.NewCustodyAccountKey(e.ID(), ledger.SubTypeBackstop, ledger.AssetTON), v.BackstopBalance},
		}
	case *auction.Auction:
		var held int64
		if s := e.State(); s.Status == auction.StatusActive {
			held = s.BestBid
		}
		return []custodyCheck{
			{ledger.NewCustodyAccountKey(e.ID(), ledger.SubTypeAuctionBids, ledger.AssetTON), held},
		}
	}
	return nil
}

// observeEntity refreshes domain gauges after a state change.
func (e *Engine) observeEntity(ent Entity) {
	if e.metrics == nil {
		return
	}
	id := string(ent.ID())
	switch x := ent.(type) {
	case *pool.Pool:
		v := x.View()
		e.metrics.PoolLiquidity.WithLabelValues(id).Set(float64(v.Available))
		e.metrics.PoolOutstanding.WithLabelValues(id).Set(float64(v.Outstanding))
	case *reserve.Vault:
		v := x.View()
		e.metrics.VaultBalance.WithLabelValues(id, "reserve").Set(float64(v.ReserveBalance))
		e.metrics.VaultBalance.WithLabelValues(id, "backstop").Set(float64(v.BackstopBalance))
		e.metrics.BadDebtTotal.WithLabelValues(id).Set(float64(v.BadDebtTotal))
	case *loan.Loan:
		e.loanGauge.set(x.ID(), x.State().Status)
	}
}

// loanStatusGauge keeps the per-status loan count consistent across actors.
type loanStatusGauge struct {
	mu      sync.Mutex
	status  map[types.EntityID]loan.Status
	metrics *observability.Metrics
}

func newLoanStatusGauge(m *observability.Metrics) *loanStatusGauge {
	return &loanStatusGauge{status: make(map[types.EntityID]loan.Status), metrics: m}
}

func (g *loanStatusGauge) set(id types.EntityID, s loan.Status) {
	if g.metrics == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	prev, seen := g.status[id]
	if seen && prev == s {
		return
	}
	if seen {
		g.metrics.LoansByStatus.WithLabelValues(prev.String()).Dec()
	}
	g.status[id] = s
	g.metrics.LoansByStatus.WithLabelValues(s.String()).Inc()
}
