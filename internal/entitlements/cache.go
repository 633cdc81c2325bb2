package entitlements

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"curio/internal/store"
)

// RecordCache is a bounded TTL cache over entitlement records for the read
// path. Every write path invalidates explicitly; the TTL only bounds how
// stale a read can get when an invalidation is missed (e.g. a webhook
// processed by another instance).
type RecordCache struct {
	lru *expirable.LRU[string, store.EntitlementRecord]
}

func NewRecordCache(size int, ttl time.Duration) *RecordCache {
	if size <= 0 {
		size = 4096
	}
	return &RecordCache{
		lru: expirable.NewLRU[string, store.EntitlementRecord](size, nil, ttl),
	}
}

func (c *RecordCache) Get(userID string) (store.EntitlementRecord, bool) {
	if c == nil {
		return store.EntitlementRecord{}, false
	}
	return c.lru.Get(userID)
}

func (c *RecordCache) Put(rec store.EntitlementRecord) {
	if c == nil {
		return
	}
	c.lru.Add(rec.UserID, rec)
}

func (c *RecordCache) Invalidate(userID string) {
	if c == nil {
		return
	}
	c.lru.Remove(userID)
}
