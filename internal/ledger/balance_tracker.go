package ledger

import (
	"fmt"
	"sort"

	"NFTLend/internal/types"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// WalletBalance returns the net position of a participant. Negative means
// the participant has paid more into the protocol than it received.
func (bt *BalanceTracker) WalletBalance(addr types.Address) int64 {
	return bt.GetBalance(NewWalletAccountKey(addr, AssetTON))
}

// CustodyBalance returns the value an entity holds under a sub-type
func (bt *BalanceTracker) CustodyBalance(id types.EntityID, subType AccountSubType) int64 {
	return bt.GetBalance(NewCustodyAccountKey(id, subType, AssetTON))
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Balance is one account row in serialized form.
type Balance struct {
	Account AccountKey `json:"account"`
	Amount  int64      `json:"amount"`
}

// Balances returns all balances sorted by account path, the canonical
// order used for snapshots and state hashing.
func (bt *BalanceTracker) Balances() []Balance {
	out := make([]Balance, 0, len(bt.balances))
	for k, v := range bt.balances {
		out = append(out, Balance{Account: k, Amount: v})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Account.AccountPath() < out[j].Account.AccountPath()
	})
	return out
}

// Load replaces all balances, used when restoring from a snapshot
func (bt *BalanceTracker) Load(rows []Balance) {
	bt.balances = make(map[AccountKey]int64, len(rows))
	for _, r := range rows {
		bt.balances[r.Account] = r.Amount
	}
}
