package core

import (
	"container/list"
	"fmt"
	"sync"

	"NFTLend/internal/types"
)

// IdempotencyChecker implements two-tier deduplication. Unlike the LRU it
// wraps, it is safe for concurrent use: submitters reserve keys before
// dispatch so that two racing copies of one message cannot both apply.
type IdempotencyChecker struct {
	mu sync.Mutex

	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Keys dispatched but not yet sequenced or rejected
	inFlight map[string]struct{}

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics *IdempotencyMetrics
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(messageType string, entity types.EntityID, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		inFlight:  make(map[string]struct{}),
		dbChecker: dbChecker,
		metrics:   NewIdempotencyMetrics(),
	}
}

func compositeKey(messageType string, entity types.EntityID, key string) string {
	return fmt.Sprintf("%s:%s:%s", entity, messageType, key)
}

// Reserve claims a message for processing. It returns false when the
// message was already processed or another copy is in flight.
func (ic *IdempotencyChecker) Reserve(messageType string, entity types.EntityID, idempotencyKey string) bool {
	return ic.reserve(messageType, entity, idempotencyKey, true)
}

// ReserveLocal is Reserve without the Postgres tier. Replayed envelopes are
// already in the database, so only in-memory history can flag them.
func (ic *IdempotencyChecker) ReserveLocal(messageType string, entity types.EntityID, idempotencyKey string) bool {
	return ic.reserve(messageType, entity, idempotencyKey, false)
}

func (ic *IdempotencyChecker) reserve(messageType string, entity types.EntityID, idempotencyKey string, tier2 bool) bool {
	ck := compositeKey(messageType, entity, idempotencyKey)

	ic.mu.Lock()
	defer ic.mu.Unlock()

	if _, busy := ic.inFlight[ck]; busy {
		ic.metrics.RecordDuplicate(messageType, "inflight")
		return false
	}
	if ic.lru.Contains(ck) {
		ic.metrics.RecordDuplicate(messageType, "lru")
		return false
	}

	if tier2 && ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(messageType, entity, idempotencyKey)
		if err != nil {
			// Conservative: a DB outage must not block processing
			ic.metrics.RecordTier2Error()
		} else if isDup {
			ic.metrics.RecordDuplicate(messageType, "postgres")
			ic.lru.Add(ck)
			return false
		}
	}

	ic.inFlight[ck] = struct{}{}
	return true
}

// Release drops a reservation after a rejection so the sender may retry.
func (ic *IdempotencyChecker) Release(messageType string, entity types.EntityID, idempotencyKey string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	delete(ic.inFlight, compositeKey(messageType, entity, idempotencyKey))
}

// MarkProcessed turns a reservation into a remembered key
func (ic *IdempotencyChecker) MarkProcessed(messageType string, entity types.EntityID, idempotencyKey string) {
	ck := compositeKey(messageType, entity, idempotencyKey)

	ic.mu.Lock()
	defer ic.mu.Unlock()
	delete(ic.inFlight, ck)
	ic.lru.Add(ck)
}

// Warm loads recently processed composite keys, oldest first.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.lru.WarmFromKeys(keys)
}

// Keys returns the remembered composite keys, oldest first.
func (ic *IdempotencyChecker) Keys() []string {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.lru.Keys()
}

func (ic *IdempotencyChecker) Size() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.lru.Size()
}

// GetMetrics returns a copy of the dedup counters
func (ic *IdempotencyChecker) GetMetrics() IdempotencyMetrics {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.metrics.clone()
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for idempotency keys.
// Not thread-safe; IdempotencyChecker serializes access.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	lru.cache[key] = lru.lruList.PushFront(key)

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads a batch of composite keys into the LRU, oldest first,
// so that on restart recent keys skip the Postgres lookup.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// Keys lists keys from least to most recently used.
func (lru *IdempotencyLRU) Keys() []string {
	out := make([]string, 0, lru.lruList.Len())
	for elem := lru.lruList.Back(); elem != nil; elem = elem.Prev() {
		out = append(out, elem.Value.(string))
	}
	return out
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}

// --- Metrics ---

// IdempotencyMetrics tracks dedup stats by message type and tier.
type IdempotencyMetrics struct {
	Duplicates  map[string]map[string]int64 // tier -> message_type -> count
	Tier2Errors int64
}

func NewIdempotencyMetrics() *IdempotencyMetrics {
	return &IdempotencyMetrics{Duplicates: make(map[string]map[string]int64)}
}

func (m *IdempotencyMetrics) RecordDuplicate(messageType string, tier string) {
	byType, ok := m.Duplicates[tier]
	if !ok {
		byType = make(map[string]int64)
		m.Duplicates[tier] = byType
	}
	byType[messageType]++
}

func (m *IdempotencyMetrics) RecordTier2Error() {
	m.Tier2Errors++
}

func (m *IdempotencyMetrics) clone() IdempotencyMetrics {
	out := IdempotencyMetrics{Duplicates: make(map[string]map[string]int64, len(m.Duplicates)), Tier2Errors: m.Tier2Errors}
	for tier, byType := range m.Duplicates {
		cp := make(map[string]int64, len(byType))
		for k, v := range byType {
			cp[k] = v
		}
		out.Duplicates[tier] = cp
	}
	return out
}
