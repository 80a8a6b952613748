package event

import "NFTLend/internal/types"

const (
	MsgSubmitOraclePrice        MessageType = "SubmitOraclePrice"
	MsgSetManualFallbackEnabled MessageType = "SetManualFallbackEnabled"
)

const (
	EvtOracleSubmitted       EventType = "OracleSubmitted"
	EvtQuorumPriceUpdated    EventType = "QuorumPriceUpdated"
	EvtManualFallbackChanged EventType = "ManualFallbackChanged"
)

type SubmitOraclePrice struct {
	Header
	Price     int64 `json:"price"`
	UpdatedAt int64 `json:"updated_at"`
}

func (*SubmitOraclePrice) MessageType() MessageType { return MsgSubmitOraclePrice }

type SetManualFallbackEnabled struct {
	Header
	Enabled bool `json:"enabled"`
}

func (*SetManualFallbackEnabled) MessageType() MessageType { return MsgSetManualFallbackEnabled }

type OracleSubmitted struct {
	Origin
	Reporter  types.Address `json:"source"`
	Price     int64         `json:"price"`
	UpdatedAt int64         `json:"updated_at"`
}

func (*OracleSubmitted) EventType() EventType { return EvtOracleSubmitted }

// QuorumPriceUpdated is announced whenever an accepted submission leaves the
// quorum with a defined effective price.
type QuorumPriceUpdated struct {
	Origin
	Price        int64 `json:"price"`
	UpdatedAt    int64 `json:"updated_at"`
	FreshSources int   `json:"fresh_sources"`
}

func (*QuorumPriceUpdated) EventType() EventType { return EvtQuorumPriceUpdated }

type ManualFallbackChanged struct {
	Origin
	Enabled bool `json:"enabled"`
}

func (*ManualFallbackChanged) EventType() EventType { return EvtManualFallbackChanged }
