package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeLoanFunding JournalType = iota
	JournalTypeLoanRepayment
	JournalTypeLiquidityDeposit
	JournalTypeLiquidityBorrow
	JournalTypePoolRepayment
	JournalTypeLiquidityWithdrawal
	JournalTypeReserveTopUp
	JournalTypeBackstopTopUp
	JournalTypeReserveCoverage
	JournalTypeBackstopCoverage
	JournalTypeBidHold
	JournalTypeBidRefund
	JournalTypeAuctionProceeds
	JournalTypeAuctionSurplus
)

var journalTypeNames = [...]string{
	JournalTypeLoanFunding:         "loan_funding",
	JournalTypeLoanRepayment:       "loan_repayment",
	JournalTypeLiquidityDeposit:    "liquidity_deposit",
	JournalTypeLiquidityBorrow:     "liquidity_borrow",
	JournalTypePoolRepayment:       "pool_repayment",
	JournalTypeLiquidityWithdrawal: "liquidity_withdrawal",
	JournalTypeReserveTopUp:        "reserve_top_up",
	JournalTypeBackstopTopUp:       "backstop_top_up",
	JournalTypeReserveCoverage:     "reserve_coverage",
	JournalTypeBackstopCoverage:    "backstop_coverage",
	JournalTypeBidHold:             "bid_hold",
	JournalTypeBidRefund:           "bid_refund",
	JournalTypeAuctionProceeds:     "auction_proceeds",
	JournalTypeAuctionSurplus:      "auction_surplus",
}

func (t JournalType) String() string {
	if t >= 0 && int(t) < len(journalTypeNames) {
		return journalTypeNames[t]
	}
	return fmt.Sprintf("journal_type(%d)", int32(t))
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Deterministic per (event ref, sequence, leg)
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source command
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        int64       // Minor units (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Versioned input timestamp (epoch seconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal moves one positive amount from credit to debit, so every entry
// balances by construction; multi-leg settlements (auction proceeds split
// between lender and borrower) use several entries under one batch_id.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}

// Accounts returns every account the batch touches, in journal order
func (b *Batch) Accounts() []AccountKey {
	seen := make(map[AccountKey]struct{}, 2*len(b.Journals))
	out := make([]AccountKey, 0, 2*len(b.Journals))
	for _, j := range b.Journals {
		for _, k := range [2]AccountKey{j.DebitAccount, j.CreditAccount} {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}
