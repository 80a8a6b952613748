package query

import "encoding/json"

// EntitySnapshot is the projected state of one entity.
type EntitySnapshot struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	State        json.RawMessage `json:"state"`
	LastSequence int64           `json:"last_sequence"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// EventHistoryEntry is one event emitted by an entity.
type EventHistoryEntry struct {
	Sequence  int64           `json:"sequence"`
	Ordinal   int32           `json:"ordinal"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       int16  `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	LatestSequence   int64             `json:"latest_sequence"`
	SequenceGaps     []int64           `json:"sequence_gaps,omitempty"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset is an asset whose projected balances do not sum to zero.
type UnbalancedAsset struct {
	AssetID   int16 `json:"asset_id"`
	Imbalance int64 `json:"imbalance"`
}
