package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateCustodyNonNegative checks every custody account the batch touched.
// Wallets are exempt.
func (v *InvariantValidator) ValidateCustodyNonNegative(batch *Batch) error {
	for _, key := range batch.Accounts() {
		if !key.IsCustody() {
			continue
		}
		if err := v.tracker.ValidateNonNegative(key); err != nil {
			return err
		}
	}
	return nil
}

// ValidateCustodyMatches reconciles a custody account against the balance
// the owning entity reports in its own state.
func (v *InvariantValidator) ValidateCustodyMatches(key AccountKey, expected int64) error {
	if got := v.tracker.GetBalance(key); got != expected {
		return fmt.Errorf("account %s: ledger %d, entity state %d", key.AccountPath(), got, expected)
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}
