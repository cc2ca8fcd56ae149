package core

import (
	"PredictionLedger/internal/observability"
	"container/list"
	"fmt"

	"github.com/rs/zerolog"
)

// IdempotencyChecker implements two-tier deduplication of commands keyed by
// (command type, request id)
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(commandType string, requestID string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics, logger zerolog.Logger) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
		logger:    logger,
	}
}

func compositeKey(commandType, requestID string) string {
	return fmt.Sprintf("%s:%s", commandType, requestID)
}

// IsDuplicate checks if a command has been applied (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(commandType string, requestID string) bool {
	key := compositeKey(commandType, requestID)

	// Tier 1: LRU check (hot path)
	if ic.lru.Contains(key) {
		ic.recordDuplicate(commandType, "lru")
		return true
	}

	// Tier 2: Postgres check (cold path)
	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(commandType, requestID)
		if err != nil {
			// Conservative: a DB outage must not block command processing
			ic.logger.Warn().Err(err).Str("command", commandType).Str("request_id", requestID).
				Msg("tier-2 dedup lookup failed, treating as new")
			if ic.metrics != nil {
				ic.metrics.DedupTier2Errors.Inc()
			}
			return false
		}

		if isDup {
			ic.recordDuplicate(commandType, "postgres")
			ic.lru.Add(key)
			return true
		}
	}

	return false
}

// MarkProcessed adds key to LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(commandType string, requestID string) {
	ic.lru.Add(compositeKey(commandType, requestID))
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

func (ic *IdempotencyChecker) recordDuplicate(commandType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(commandType, tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for idempotency keys.
// Not thread-safe; only accessed under the engine lock.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key string
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
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

	elem := lru.lruList.PushFront(&lruEntry{key: key})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
	}
}

// WarmFromKeys loads composite keys, oldest first, so the newest end up
// most recently used.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// Keys returns keys from least to most recently used
func (lru *IdempotencyLRU) Keys() []string {
	out := make([]string, 0, lru.lruList.Len())
	for e := lru.lruList.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value.(*lruEntry).key)
	}
	return out
}

func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
