package services

import (
	"log"
	"sync"
	"time"

	"github.com/cornerstone-re/referral-backend/internal/storage"
)

// Admission is the verdict on one webhook delivery.
type Admission string

const (
	Admitted  Admission = "admitted"
	Duplicate Admission = "duplicate"
)

// IdempotencyGuard turns the carrier's at-least-once webhook delivery into
// at-most-once-effective processing. A dedup key becomes durable only when
// the state machine commits it inside its transaction; until then the guard
// holds an in-process reservation so concurrent deliveries of the same key
// cannot race, and Release after a failed attempt lets carrier redelivery
// retry the event.
type IdempotencyGuard struct {
	store storage.Store

	mu         sync.Mutex
	inflight   map[string]struct{}
	phoneLocks map[string]*phoneLock
}

// phoneLock is reference-counted so its map entry can be dropped once the
// last holder releases it.
type phoneLock struct {
	mu   sync.Mutex
	refs int
}

// NewIdempotencyGuard creates a guard backed by the given store.
func NewIdempotencyGuard(store storage.Store) *IdempotencyGuard {
	return &IdempotencyGuard{
		store:      store,
		inflight:   make(map[string]struct{}),
		phoneLocks: make(map[string]*phoneLock),
	}
}

// Admit reserves a dedup key. Duplicate means the event was already
// durably processed, or is being processed right now, and must be dropped.
func (g *IdempotencyGuard) Admit(dedupKey string) (Admission, error) {
	seen, err := g.store.HasWebhookEvent(dedupKey)
	if err != nil {
		return Duplicate, err
	}
	if seen {
		return Duplicate, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inflight[dedupKey]; busy {
		return Duplicate, nil
	}
	g.inflight[dedupKey] = struct{}{}
	return Admitted, nil
}

// Release drops the in-process reservation. Call it after processing
// finishes either way; once the commit succeeded the stored row keeps
// future deliveries out.
func (g *IdempotencyGuard) Release(dedupKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, dedupKey)
}

// LockPhone serializes processing per tenant so near-simultaneous inbound
// messages are handled strictly in arrival order. The returned func
// releases the lock; the map only holds phones with in-flight work.
func (g *IdempotencyGuard) LockPhone(phone string) func() {
	g.mu.Lock()
	lock, exists := g.phoneLocks[phone]
	if !exists {
		lock = &phoneLock{}
		g.phoneLocks[phone] = lock
	}
	lock.refs++
	g.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		g.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(g.phoneLocks, phone)
		}
		g.mu.Unlock()
	}
}

// PurgeExpired deletes dedup rows older than the retention window. The
// carrier gives up redelivery long before retention expires.
func (g *IdempotencyGuard) PurgeExpired(retention time.Duration) (int64, error) {
	deleted, err := g.store.DeleteWebhookEventsBefore(time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		log.Printf("Purged %d expired webhook events", deleted)
	}
	return deleted, nil
}
