package core

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// IdempotencyChecker implements two-tier deduplication
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU
	lru *lru.Cache[string, struct{}]

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics *IdempotencyMetrics
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(requestType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) (*IdempotencyChecker, error) {
	metrics := NewIdempotencyMetrics()
	cache, err := lru.NewWithEvict[string, struct{}](capacity, func(string, struct{}) {
		metrics.evictions++
	})
	if err != nil {
		return nil, fmt.Errorf("idempotency cache: %w", err)
	}
	return &IdempotencyChecker{
		lru:       cache,
		dbChecker: dbChecker,
		metrics:   metrics,
	}, nil
}

func compositeKey(requestType, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", requestType, idempotencyKey)
}

// IsDuplicate checks if a request has been processed (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(requestType string, idempotencyKey string) bool {
	key := compositeKey(requestType, idempotencyKey)

	// Tier 1: LRU check (hot path)
	if _, ok := ic.lru.Get(key); ok {
		ic.metrics.RecordDuplicate(requestType, "lru")
		return true
	}

	// Tier 2: Postgres check (cold path)
	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(requestType, idempotencyKey)
		if err != nil {
			// Assume not duplicate: a DB outage must not block the core
			ic.metrics.RecordTier2Error()
			return false
		}

		if isDup {
			ic.metrics.RecordDuplicate(requestType, "postgres")
			ic.lru.Add(key, struct{}{})
			return true
		}
	}

	return false
}

// MarkProcessed adds key to LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(requestType string, idempotencyKey string) {
	ic.lru.Add(compositeKey(requestType, idempotencyKey), struct{}{})
}

// WarmFromKeys loads composite keys (type:key) into the LRU on restart.
func (ic *IdempotencyChecker) WarmFromKeys(keys []string) {
	for _, k := range keys {
		ic.lru.Add(k, struct{}{})
	}
}

func (ic *IdempotencyChecker) SetDBChecker(dbChecker DBIdempotencyChecker) {
	ic.dbChecker = dbChecker
}

// Keys returns cached composite keys, oldest first.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.lru.Keys()
}

func (ic *IdempotencyChecker) Size() int {
	return ic.lru.Len()
}

func (ic *IdempotencyChecker) GetMetrics() *IdempotencyMetrics {
	return ic.metrics
}

// --- Metrics ---

// IdempotencyMetrics tracks dedup stats.
// Not thread-safe; only accessed from the single-threaded deterministic core.
type IdempotencyMetrics struct {
	duplicatesLRU      map[string]int64 // request_type -> count
	duplicatesPostgres map[string]int64
	tier2Errors        int64
	evictions          int64
}

func NewIdempotencyMetrics() *IdempotencyMetrics {
	return &IdempotencyMetrics{
		duplicatesLRU:      make(map[string]int64),
		duplicatesPostgres: make(map[string]int64),
	}
}

func (m *IdempotencyMetrics) RecordDuplicate(requestType string, tier string) {
	if tier == "lru" {
		m.duplicatesLRU[requestType]++
	} else {
		m.duplicatesPostgres[requestType]++
	}
}

func (m *IdempotencyMetrics) RecordTier2Error() {
	m.tier2Errors++
}

func (m *IdempotencyMetrics) GetDuplicates(requestType string) (lru int64, postgres int64) {
	return m.duplicatesLRU[requestType], m.duplicatesPostgres[requestType]
}

func (m *IdempotencyMetrics) GetTier2Errors() int64 {
	return m.tier2Errors
}

func (m *IdempotencyMetrics) Evictions() int64 {
	return m.evictions
}
