package ledger

import (
	"fmt"

	"github.com/google/uuid"

	"NFTLend/internal/event"
	"NFTLend/internal/types"
)

// journalNamespace seeds deterministic journal and batch IDs so that a
// replayed log reproduces identical rows.
var journalNamespace = uuid.MustParse("6f1c2a4e-3b57-5d88-9a0e-4c7b1f2d9e61")

// JournalGenerator turns value-moving domain events into balanced batches.
// Events that move no value (pause toggles, price pushes, escrow custody)
// produce no journals.
type JournalGenerator struct {
	assetID AssetID
}

func NewJournalGenerator() *JournalGenerator {
	return &JournalGenerator{assetID: AssetTON}
}

// leg is an unbalanced intent: amount moves from -> to.
type leg struct {
	from, to AccountKey
	amount   int64
	kind     JournalType
}

// Generate builds the batch for every event emitted by one command.
// Returns (nil, nil) when no event moves value.
func (jg *JournalGenerator) Generate(ref string, seq, ts int64, events []event.Event) (*Batch, error) {
	var legs []leg
	for _, evt := range events {
		l, err := jg.legsFor(evt)
		if err != nil {
			return nil, err
		}
		legs = append(legs, l...)
	}
	if len(legs) == 0 {
		return nil, nil
	}

	batchID := uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("%s/%d", ref, seq)))
	batch := &Batch{
		BatchID:   batchID,
		EventRef:  ref,
		Sequence:  seq,
		Timestamp: ts,
		Journals:  make([]Journal, 0, len(legs)),
	}
	for i, l := range legs {
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.NewSHA1(batchID, []byte(fmt.Sprintf("leg/%d", i))),
			BatchID:       batchID,
			EventRef:      ref,
			Sequence:      seq,
			DebitAccount:  l.to,
			CreditAccount: l.from,
			AssetID:       jg.assetID,
			Amount:        l.amount,
			JournalType:   l.kind,
			Timestamp:     ts,
		})
	}
	return batch, nil
}

func (jg *JournalGenerator) wallet(addr types.Address) AccountKey {
	return NewWalletAccountKey(addr, jg.assetID)
}

func (jg *JournalGenerator) custody(id types.EntityID, sub AccountSubType) AccountKey {
	return NewCustodyAccountKey(id, sub, jg.assetID)
}

func (jg *JournalGenerator) legsFor(evt event.Event) ([]leg, error) {
	var legs []leg
	add := func(from, to AccountKey, amount int64, kind JournalType) {
		// Zero legs are legal (e.g. no surplus for the borrower) and skipped.
		if amount > 0 {
			legs = append(legs, leg{from: from, to: to, amount: amount, kind: kind})
		}
	}

	switch e := evt.(type) {
	// Loan
	case *event.LoanFunded:
		add(jg.wallet(e.Payer), jg.wallet(e.Borrower), e.Principal, JournalTypeLoanFunding)
	case *event.LoanRepaid:
		add(jg.wallet(e.Borrower), jg.wallet(e.Lender), e.Amount, JournalTypeLoanRepayment)

	// Pool
	case *event.LiquidityDeposited:
		add(jg.wallet(e.Provider), jg.custody(e.Entity, SubTypePoolLiquidity), e.Amount, JournalTypeLiquidityDeposit)
	case *event.LiquidityBorrowed:
		add(jg.custody(e.Entity, SubTypePoolLiquidity), jg.wallet(e.To), e.Amount, JournalTypeLiquidityBorrow)
	case *event.PoolRepaid:
		add(jg.wallet(e.Payer), jg.custody(e.Entity, SubTypePoolLiquidity), e.Total(), JournalTypePoolRepayment)
	case *event.LiquidityWithdrawn:
		add(jg.custody(e.Entity, SubTypePoolLiquidity), jg.wallet(e.Provider), e.Principal+e.Accrued, JournalTypeLiquidityWithdrawal)

	// Reserve
	case *event.ReserveToppedUp:
		add(jg.wallet(e.Payer), jg.custody(e.Entity, SubTypeReserve), e.Amount, JournalTypeReserveTopUp)
	case *event.BackstopToppedUp:
		add(jg.wallet(e.Payer), jg.custody(e.Entity, SubTypeBackstop), e.Amount, JournalTypeBackstopTopUp)
	case *event.CoverageProvided:
		add(jg.custody(e.Entity, SubTypeReserve), jg.wallet(e.To), e.FromReserve, JournalTypeReserveCoverage)
		add(jg.custody(e.Entity, SubTypeBackstop), jg.wallet(e.To), e.FromBackstop, JournalTypeBackstopCoverage)

	// Auction
	case *event.BidPlaced:
		add(jg.wallet(e.Bidder), jg.custody(e.Entity, SubTypeAuctionBids), e.Amount, JournalTypeBidHold)
	case *event.BidRefunded:
		add(jg.custody(e.Entity, SubTypeAuctionBids), jg.wallet(e.Bidder), e.Amount, JournalTypeBidRefund)
	case *event.AuctionSettled:
		if !e.Sold {
			return nil, nil
		}
		if e.PaidToLender+e.PaidToBorrower != e.WinningBid {
			return nil, fmt.Errorf("auction %s settlement split %d+%d != winning bid %d",
				e.Entity, e.PaidToLender, e.PaidToBorrower, e.WinningBid)
		}
		bids := jg.custody(e.Entity, SubTypeAuctionBids)
		add(bids, jg.wallet(e.Lender), e.PaidToLender, JournalTypeAuctionProceeds)
		add(bids, jg.wallet(e.Borrower), e.PaidToBorrower, JournalTypeAuctionSurplus)
	}

	for _, l := range legs {
		if l.from == l.to {
			return nil, fmt.Errorf("%s: self-transfer on %s", evt.EventType(), l.from)
		}
	}
	return legs, nil
}
