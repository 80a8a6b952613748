package core

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"NFTLend/internal/ledger"
	"NFTLend/internal/types"
)

const GenesisHashSeed = "NFTLend:genesis:v1"

// StateHasher computes deterministic state hashes
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: GenesisHash(),
	}
}

// GenesisHash is the chain tip before the first sequenced command.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))

	h.prevHash = hash

	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resets the chain tip, used when restoring from a snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

// computeStateDigest covers the post-command state of the target entity and
// every ledger account the command touched, in account-path order.
func computeStateDigest(entity types.EntityID, state []byte, batch *ledger.Batch, balances *ledger.BalanceTracker) []byte {
	var accounts []ledger.AccountKey
	if batch != nil {
		accounts = batch.Accounts()
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(entity)+len(state)+len(accounts)*64+8)
	digest = appendLengthPrefixed(digest, []byte(entity))
	digest = appendLengthPrefixed(digest, state)

	for _, key := range accounts {
		digest = appendLengthPrefixed(digest, []byte(key.AccountPath()))
		digest = binary.LittleEndian.AppendUint64(digest, uint64(balances.GetBalance(key)))
	}

	return digest
}

func appendLengthPrefixed(buf, data []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(data)))
	return append(buf, data...)
}
