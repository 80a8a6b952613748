package ledger

import (
	"fmt"

	"NFTLend/internal/types"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	// Participant wallets sit outside the protocol and may run negative:
	// a negative wallet balance is net value paid in.
	AccountScopeWallet AccountScope = iota

	// Custody accounts hold value on behalf of an entity and never go negative.
	AccountScopeCustody
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	SubTypeWallet AccountSubType = iota

	// Custody sub-types
	SubTypePoolLiquidity
	SubTypeReserve
	SubTypeBackstop
	SubTypeAuctionBids
)

var subTypeNames = map[AccountSubType]string{
	SubTypeWallet:        "wallet",
	SubTypePoolLiquidity: "pool_liquidity",
	SubTypeReserve:       "reserve",
	SubTypeBackstop:      "backstop",
	SubTypeAuctionBids:   "auction_bids",
}

func (s AccountSubType) String() string {
	if name, ok := subTypeNames[s]; ok {
		return name
	}
	return "unknown"
}

// AssetID maps asset strings to numeric IDs
type AssetID uint16

// AssetTON is the settlement asset; every amount in the protocol is nanoton.
const AssetTON AssetID = 1

var (
	assetToID = map[string]AssetID{"TON": AssetTON}
	idToAsset = map[AssetID]string{AssetTON: "TON"}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking.
// Owner is a participant address for wallets and an entity ID for custody.
type AccountKey struct {
	Scope   AccountScope   `json:"scope"`
	Owner   string         `json:"owner"`
	SubType AccountSubType `json:"sub_type"`
	AssetID AssetID        `json:"asset_id"`
}

// NewWalletAccountKey creates a key for a participant wallet. Entity
// addresses (entity:<id>) get wallets too, for pass-through value.
func NewWalletAccountKey(addr types.Address, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeWallet,
		Owner:   string(addr),
		SubType: SubTypeWallet,
		AssetID: assetID,
	}
}

// NewCustodyAccountKey creates a key for value held by an entity
func NewCustodyAccountKey(id types.EntityID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeCustody,
		Owner:   string(id),
		SubType: subType,
		AssetID: assetID,
	}
}

// IsCustody reports whether the account must stay non-negative
func (k AccountKey) IsCustody() bool { return k.Scope == AccountScopeCustody }

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, ok := GetAssetName(k.AssetID)
	if !ok {
		assetName = fmt.Sprintf("asset%d", k.AssetID)
	}

	switch k.Scope {
	case AccountScopeWallet:
		return fmt.Sprintf("wallet:%s:%s", k.Owner, assetName)
	case AccountScopeCustody:
		return fmt.Sprintf("custody:%s:%s:%s", k.Owner, k.SubType, assetName)
	}
	return "unknown"
}

func (k AccountKey) String() string { return k.AccountPath() }
