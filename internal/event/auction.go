package event

import "NFTLend/internal/types"

const (
	MsgStartAuction    MessageType = "StartAuction"
	MsgPlaceBid        MessageType = "PlaceBid"
	MsgFinalizeAuction MessageType = "FinalizeAuction"
)

const (
	EvtAuctionStarted EventType = "AuctionStarted"
	EvtBidPlaced      EventType = "BidPlaced"
	EvtBidRefunded    EventType = "BidRefunded"
	EvtAuctionSettled EventType = "AuctionSettled"
)

type StartAuction struct {
	Header
	MinBid          int64 `json:"min_bid"`
	DurationSeconds int64 `json:"duration_seconds"`
}

func (*StartAuction) MessageType() MessageType { return MsgStartAuction }

// PlaceBid carries the bid as attached value.
type PlaceBid struct{ Header }

func (*PlaceBid) MessageType() MessageType { return MsgPlaceBid }

type FinalizeAuction struct{ Header }

func (*FinalizeAuction) MessageType() MessageType { return MsgFinalizeAuction }

type AuctionStarted struct {
	Origin
	MinBid          int64 `json:"min_bid"`
	StartTime       int64 `json:"start_time"`
	DurationSeconds int64 `json:"duration_seconds"`
}

func (*AuctionStarted) EventType() EventType { return EvtAuctionStarted }

type BidPlaced struct {
	Origin
	Bidder types.Address `json:"bidder"`
	Amount int64         `json:"amount"`
}

func (*BidPlaced) EventType() EventType { return EvtBidPlaced }

type BidRefunded struct {
	Origin
	Bidder types.Address `json:"bidder"`
	Amount int64         `json:"amount"`
}

func (*BidRefunded) EventType() EventType { return EvtBidRefunded }

type AuctionSettled struct {
	Origin
	Sold           bool          `json:"sold"`
	Winner         types.Address `json:"winner,omitempty"`
	WinningBid     int64         `json:"winning_bid"`
	Lender         types.Address `json:"lender"`
	Borrower       types.Address `json:"borrower"`
	Collateral     string        `json:"collateral"`
	Debt           int64         `json:"debt"`
	PaidToLender   int64         `json:"paid_to_lender"`
	PaidToBorrower int64         `json:"paid_to_borrower"`
	Shortfall      int64         `json:"shortfall"`
}

func (*AuctionSettled) EventType() EventType { return EvtAuctionSettled }
