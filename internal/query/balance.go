package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"NFTLend/internal/ledger"
	"NFTLend/internal/types"
)

// BalanceResponse is one projected account balance. Wallets may be
// negative: a negative wallet is net value paid into the protocol.
type BalanceResponse struct {
	Account      string `json:"account"`
	Asset        string `json:"asset"`
	Balance      int64  `json:"balance"`
	BalanceTON   string `json:"balance_ton"`
	LastSequence int64  `json:"last_sequence"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// GetWalletBalance returns the TON wallet balance of a participant.
func (qs *QueryService) GetWalletBalance(ctx context.Context, addr types.Address) (*BalanceResponse, error) {
	return qs.GetBalance(ctx, ledger.NewWalletAccountKey(addr, ledger.AssetTON))
}

// GetCustodyBalances returns every custody account held by an entity.
func (qs *QueryService) GetCustodyBalances(ctx context.Context, id types.EntityID) ([]BalanceResponse, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.pool.Query(ctx, `
		SELECT account_path, asset_id, balance, last_sequence
		FROM projections.balances
		WHERE account_path LIKE $1 ESCAPE '\'
		ORDER BY account_path
	`, "custody:"+escapeLike(string(id))+":%")
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (BalanceResponse, error) {
		var (
			b     BalanceResponse
			asset int16
		)
		if err := row.Scan(&b.Account, &asset, &b.Balance, &b.LastSequence); err != nil {
			return b, err
		}
		b.Asset = assetName(asset)
		b.BalanceTON = types.FormatTON(b.Balance)
		b.AsOfSequence = asOf
		return b, nil
	})
}

// GetBalance returns one account's projected balance; unknown accounts are zero.
func (qs *QueryService) GetBalance(ctx context.Context, key ledger.AccountKey) (*BalanceResponse, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &BalanceResponse{
		Account:      key.AccountPath(),
		Asset:        assetName(int16(key.AssetID)),
		AsOfSequence: asOf,
	}
	err = qs.pool.QueryRow(ctx, `
		SELECT balance, last_sequence FROM projections.balances
		WHERE account_path = $1 AND asset_id = $2
	`, resp.Account, int16(key.AssetID)).Scan(&resp.Balance, &resp.LastSequence)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	resp.BalanceTON = types.FormatTON(resp.Balance)
	return resp, nil
}

func assetName(id int16) string {
	if name, ok := ledger.GetAssetName(ledger.AssetID(id)); ok {
		return name
	}
	return fmt.Sprintf("asset%d", id)
}
