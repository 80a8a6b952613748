package event

import "NFTLend/internal/types"

const (
	MsgConfirmEscrowedByNft   MessageType = "ConfirmEscrowedByNft"
	MsgReleaseToAuctionWinner MessageType = "ReleaseToAuctionWinner"
	MsgReleaseToBorrower      MessageType = "ReleaseToBorrower"
	MsgReleaseToProtocol      MessageType = "ReleaseToProtocol"
)

const (
	EvtEscrowLocked   EventType = "EscrowLocked"
	EvtEscrowReleased EventType = "EscrowReleased"
)

// ConfirmEscrowedByNft is the NFT's transfer-confirmation message.
type ConfirmEscrowedByNft struct{ Header }

func (*ConfirmEscrowedByNft) MessageType() MessageType { return MsgConfirmEscrowedByNft }

type ReleaseToAuctionWinner struct {
	Header
	Winner types.Address `json:"winner"`
}

func (*ReleaseToAuctionWinner) MessageType() MessageType { return MsgReleaseToAuctionWinner }

type ReleaseToBorrower struct{ Header }

func (*ReleaseToBorrower) MessageType() MessageType { return MsgReleaseToBorrower }

type ReleaseToProtocol struct{ Header }

func (*ReleaseToProtocol) MessageType() MessageType { return MsgReleaseToProtocol }

type EscrowLocked struct {
	Origin
	Nft      types.Address `json:"nft"`
	Borrower types.Address `json:"borrower"`
}

func (*EscrowLocked) EventType() EventType { return EvtEscrowLocked }

// ReleaseReason tells why custody moved.
type ReleaseReason string

const (
	ReleasedToWinner   ReleaseReason = "auction_winner"
	ReleasedToBorrower ReleaseReason = "borrower"
	ReleasedToProtocol ReleaseReason = "protocol"
)

type EscrowReleased struct {
	Origin
	Custodian types.Address `json:"custodian"`
	Reason    ReleaseReason `json:"reason"`
}

func (*EscrowReleased) EventType() EventType { return EvtEscrowReleased }
