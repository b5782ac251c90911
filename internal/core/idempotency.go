package core

import (
	"container/list"
	"context"

	"SpotSnapshot/internal/event"

	"github.com/google/uuid"
)

// RequestDeduper implements two-tier deduplication of on-demand snapshot
// requests. NATS may redeliver a request after a crash or an ack timeout;
// a request id that already produced a snapshot is not served twice.
// Not thread-safe; the Snapshotter guards it with its mutex.
type RequestDeduper struct {
	// Tier 1: In-memory LRU
	lru *RequestLRU

	// Tier 2: Postgres (optional)
	store RequestStore
}

// RequestStore looks up request ids in the persisted snapshot log.
type RequestStore interface {
	HasRequest(ctx context.Context, requestID uuid.UUID) (bool, error)
}

func NewRequestDeduper(capacity int, store RequestStore) *RequestDeduper {
	return &RequestDeduper{
		lru:   NewRequestLRU(capacity),
		store: store,
	}
}

// Lookup reports whether requestID was already served and, when this process
// served it, returns the snapshot it produced. A store error counts as not
// duplicate so a database outage cannot block requests; the snapshot writer
// tolerates the resulting repeated id.
func (d *RequestDeduper) Lookup(ctx context.Context, requestID uuid.UUID) (*event.TokenAmountSnapshot, bool, string) {
	if snap, ok := d.lru.Get(requestID); ok {
		return snap, true, "lru"
	}

	if d.store != nil {
		dup, err := d.store.HasRequest(ctx, requestID)
		if err == nil && dup {
			d.lru.Add(requestID, nil)
			return nil, true, "postgres"
		}
	}
	return nil, false, ""
}

// MarkServed records requestID and the snapshot it produced.
func (d *RequestDeduper) MarkServed(requestID uuid.UUID, snap *event.TokenAmountSnapshot) {
	d.lru.Add(requestID, snap)
}

// --- LRU ---

// RequestLRU is a fixed-capacity LRU of request ids and the snapshot each one
// produced (nil when only known from the store).
type RequestLRU struct {
	capacity int
	cache    map[uuid.UUID]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	id   uuid.UUID
	snap *event.TokenAmountSnapshot
}

func NewRequestLRU(capacity int) *RequestLRU {
	if capacity < 1 {
		capacity = 1
	}
	return &RequestLRU{
		capacity: capacity,
		cache:    make(map[uuid.UUID]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if id exists (promotes to front)
func (lru *RequestLRU) Contains(id uuid.UUID) bool {
	_, ok := lru.Get(id)
	return ok
}

// Get returns the snapshot recorded for id (promotes to front)
func (lru *RequestLRU) Get(id uuid.UUID) (*event.TokenAmountSnapshot, bool) {
	elem, exists := lru.cache[id]
	if !exists {
		return nil, false
	}
	lru.lruList.MoveToFront(elem)
	return elem.Value.(*lruEntry).snap, true
}

// Add inserts an id (or promotes if exists). A non-nil snap replaces the
// recorded one.
func (lru *RequestLRU) Add(id uuid.UUID, snap *event.TokenAmountSnapshot) {
	if elem, exists := lru.cache[id]; exists {
		if snap != nil {
			elem.Value.(*lruEntry).snap = snap
		}
		lru.lruList.MoveToFront(elem)
		return
	}

	lru.cache[id] = lru.lruList.PushFront(&lruEntry{id: id, snap: snap})
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *RequestLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(*lruEntry).id)
		lru.evictions++
	}
}

// Size returns current number of entries
func (lru *RequestLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *RequestLRU) Evictions() int64 {
	return lru.evictions
}
