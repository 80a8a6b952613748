package event

import "NFTLend/internal/types"

const (
	MsgSetAuthorizedManager MessageType = "SetAuthorizedManager"
	MsgTopUpReserve         MessageType = "TopUpReserve"
	MsgTopUpBackstop        MessageType = "TopUpBackstop"
	MsgRequestCoverage      MessageType = "RequestCoverage"
)

const (
	EvtManagerAuthorizationChanged EventType = "ManagerAuthorizationChanged"
	EvtReserveToppedUp             EventType = "ReserveToppedUp"
	EvtBackstopToppedUp            EventType = "BackstopToppedUp"
	EvtCoverageProvided            EventType = "CoverageProvided"
	EvtCoverageShortfall           EventType = "CoverageShortfall"
)

type SetAuthorizedManager struct {
	Header
	Manager types.Address `json:"manager"`
	Enabled bool          `json:"enabled"`
}

func (*SetAuthorizedManager) MessageType() MessageType { return MsgSetAuthorizedManager }

type TopUpReserve struct{ Header }

func (*TopUpReserve) MessageType() MessageType { return MsgTopUpReserve }

type TopUpBackstop struct{ Header }

func (*TopUpBackstop) MessageType() MessageType { return MsgTopUpBackstop }

type RequestCoverage struct {
	Header
	Amount int64         `json:"amount"`
	To     types.Address `json:"to"`
}

func (*RequestCoverage) MessageType() MessageType { return MsgRequestCoverage }

type ManagerAuthorizationChanged struct {
	Origin
	Manager types.Address `json:"manager"`
	Enabled bool          `json:"enabled"`
}

func (*ManagerAuthorizationChanged) EventType() EventType { return EvtManagerAuthorizationChanged }

type ReserveToppedUp struct {
	Origin
	Payer  types.Address `json:"payer"`
	Amount int64         `json:"amount"`
}

func (*ReserveToppedUp) EventType() EventType { return EvtReserveToppedUp }

type BackstopToppedUp struct {
	Origin
	Payer  types.Address `json:"payer"`
	Amount int64         `json:"amount"`
}

func (*BackstopToppedUp) EventType() EventType { return EvtBackstopToppedUp }

type CoverageProvided struct {
	Origin
	To           types.Address `json:"to"`
	Requested    int64         `json:"requested"`
	FromReserve  int64         `json:"from_reserve"`
	FromBackstop int64         `json:"from_backstop"`
	Uncovered    int64         `json:"uncovered"`
}

func (*CoverageProvided) EventType() EventType { return EvtCoverageProvided }

// CoverageShortfall records exposure neither buffer could absorb.
type CoverageShortfall struct {
	Origin
	Uncovered    int64 `json:"uncovered"`
	BadDebtTotal int64 `json:"bad_debt_total"`
}

func (*CoverageShortfall) EventType() EventType { return EvtCoverageShortfall }
