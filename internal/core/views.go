package core

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"NFTLend/internal/auction"
	"NFTLend/internal/escrow"
	"NFTLend/internal/loan"
	"NFTLend/internal/multisig"
	"NFTLend/internal/oracle"
	"NFTLend/internal/pool"
	"NFTLend/internal/reserve"
	"NFTLend/internal/types"
)

// EntityView is the read-only view of one entity as of the engine clock.
type EntityView struct {
	ID   types.EntityID   `json:"id"`
	Kind types.EntityKind `json:"kind"`
	View any              `json:"view"`
}

// View reads an entity's getters inside its actor.
func (e *Engine) View(ctx context.Context, id types.EntityID) (EntityView, error) {
	now := e.Now()
	var out EntityView
	err := e.Inspect(ctx, id, func(ent Entity) error {
		out = EntityView{ID: ent.ID(), Kind: ent.Kind(), View: viewOf(ent, now)}
		return nil
	})
	return out, err
}

func viewOf(ent Entity, now int64) any {
	switch x := ent.(type) {
	case *loan.Loan:
		return struct {
			loan.LoanView
			Risk loan.RiskView `json:"risk"`
		}{x.View(now), x.RiskView()}
	case *oracle.Quorum:
		return x.View(now)
	case *multisig.Multisig:
		return x.View()
	case *pool.Pool:
		return x.View()
	case *reserve.Vault:
		return x.View()
	case *auction.Auction:
		return x.View()
	case *escrow.Escrow:
		return x.View()
	}
	return nil
}

// PoolPosition reads one provider's position.
func (e *Engine) PoolPosition(ctx context.Context, id types.EntityID, provider types.Address) (pool.Position, error) {
	var out pool.Position
	err := e.Inspect(ctx, id, func(ent Entity) error {
		p, ok := ent.(*pool.Pool)
		if !ok {
			return ErrUnknownEntity
		}
		out = p.Position(provider)
		return nil
	})
	return out, err
}

// ErrUnknownGetter is returned by Query for a getter the entity kind lacks.
var ErrUnknownGetter = errors.New("unknown getter")

// getter answers one named query. arg is the optional address argument.
type getter func(ent Entity, now int64, arg types.Address) (any, error)

var getters = map[types.EntityKind]map[string]getter{
	types.KindLoan: {
		"get_loan_state": func(ent Entity, now int64, _ types.Address) (any, error) {
			return ent.(*loan.Loan).View(now), nil
		},
		"get_risk_state": func(ent Entity, _ int64, _ types.Address) (any, error) {
			return ent.(*loan.Loan).RiskView(), nil
		},
		"get_owner": func(ent Entity, _ int64, _ types.Address) (any, error) {
			return ent.(*loan.Loan).Owner(), nil
		},
		"get_oracle_is_fresh": func(ent Entity, now int64, _ types.Address) (any, error) {
			return ent.(*loan.Loan).OracleFresh(now), nil
		},
	},
	types.KindOracle: {
		"get_effective_price": func(ent Entity, now int64, _ types.Address) (any, error) {
			return ent.(*oracle.Quorum).EffectivePrice(now)
		},
		"get_oracle_state": func(ent Entity, now int64, _ types.Address) (any, error) {
			return ent.(*oracle.Quorum).View(now), nil
		},
	},
	types.KindMultisig: {
		"get_risk_multisig_state": func(ent Entity, _ int64, _ types.Address) (any, error) {
			return ent.(*multisig.Multisig).View(), nil
		},
	},
	types.KindPool: {
		"get_pool_state": func(ent Entity, _ int64, _ types.Address) (any, error) {
			return ent.(*pool.Pool).View(), nil
		},
		"get_lp_position": func(ent Entity, _ int64, addr types.Address) (any, error) {
			if addr.IsZero() {
				return nil, fmt.Errorf("%w: get_lp_position needs an address", ErrInvalidCommand)
			}
			return ent.(*pool.Pool).Position(addr), nil
		},
	},
	types.KindReserve: {
		"get_reserve_state": func(ent Entity, _ int64, _ types.Address) (any, error) {
			return ent.(*reserve.Vault).View(), nil
		},
	},
	types.KindAuction: {
		"get_auction_state": func(ent Entity, _ int64, _ types.Address) (any, error) {
			return ent.(*auction.Auction).View(), nil
		},
	},
	types.KindEscrow: {
		"get_escrow_state": func(ent Entity, _ int64, _ types.Address) (any, error) {
			return ent.(*escrow.Escrow).View(), nil
		},
		"get_is_locked": func(ent Entity, _ int64, _ types.Address) (any, error) {
			return ent.(*escrow.Escrow).IsLocked(), nil
		},
	},
}

// Getters lists the named queries an entity kind answers, sorted.
func Getters(kind types.EntityKind) []string {
	out := make([]string, 0, len(getters[kind]))
	for name := range getters[kind] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Query runs one named getter inside the entity's actor.
func (e *Engine) Query(ctx context.Context, id types.EntityID, name string, arg types.Address) (any, error) {
	now := e.Now()
	var out any
	err := e.Inspect(ctx, id, func(ent Entity) error {
		g, ok := getters[ent.Kind()][name]
		if !ok {
			return fmt.Errorf("%w: %s has no %q", ErrUnknownGetter, ent.Kind(), name)
		}
		v, err := g(ent, now, arg)
		out = v
		return err
	})
	return out, err
}
