package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"pkt.systems/editlock/api"
)

// Lease is the relay's record of one item lock.
type Lease struct {
	AccountID              string
	ItemID                 string
	User                   api.User
	WindowID               string
	LockVisibleByInitiator bool
	LockedAt               time.Time
	ExpiresAt              time.Time
}

// Expired reports whether the lease ran out at now.
func (l Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// LockedItem renders the lease as a wire entry.
func (l Lease) LockedItem() api.LockedItem {
	return api.LockedItem{
		ItemID:                 l.ItemID,
		User:                   l.User,
		WindowID:               l.WindowID,
		LockVisibleByInitiator: l.LockVisibleByInitiator,
		LockedAtUnix:           l.LockedAt.Unix(),
	}
}

// LeaseStore is the authoritative lock table, keyed by account and item.
//
// In every call the request lease's LockedAt is the request time and its
// ExpiresAt the new deadline.
type LeaseStore interface {
	// Acquire grants the lease when the item is free, expired or held by the
	// same window (a renewal, which keeps the original LockedAt). Otherwise it
	// returns the live holder and false.
	Acquire(ctx context.Context, req Lease) (Lease, bool, error)
	// Override makes req the holder and returns the live lease it replaced.
	Override(ctx context.Context, req Lease) (Lease, bool, error)
	// Release deletes the lease when windowID holds it.
	Release(ctx context.Context, accountID, itemID, windowID string) (Lease, bool, error)
	// List returns the account's live leases ordered by item id.
	List(ctx context.Context, accountID string, now time.Time) ([]Lease, error)
	// Expire deletes and returns every lease that ran out at now.
	Expire(ctx context.Context, now time.Time) ([]Lease, error)
	Close() error
}

type leaseKey struct {
	account string
	item    string
}

// MemoryLeaseStore keeps leases in process memory.
type MemoryLeaseStore struct {
	mu     sync.Mutex
	leases map[leaseKey]Lease
}

// NewMemoryLeaseStore returns an empty in-memory store.
func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{leases: make(map[leaseKey]Lease)}
}

func (m *MemoryLeaseStore) Acquire(_ context.Context, req Lease) (Lease, bool, error) {
	key := leaseKey{req.AccountID, req.ItemID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[key]; ok && !cur.Expired(req.LockedAt) {
		if cur.WindowID != req.WindowID {
			return cur, false, nil
		}
		req.LockedAt = cur.LockedAt
	}
	m.leases[key] = req
	return req, true, nil
}

func (m *MemoryLeaseStore) Override(_ context.Context, req Lease) (Lease, bool, error) {
	key := leaseKey{req.AccountID, req.ItemID}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.leases[key]
	m.leases[key] = req
	if !ok || prev.Expired(req.LockedAt) {
		return Lease{}, false, nil
	}
	return prev, true, nil
}

func (m *MemoryLeaseStore) Release(_ context.Context, accountID, itemID, windowID string) (Lease, bool, error) {
	key := leaseKey{accountID, itemID}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[key]
	if !ok || cur.WindowID != windowID {
		return Lease{}, false, nil
	}
	delete(m.leases, key)
	return cur, true, nil
}

func (m *MemoryLeaseStore) List(_ context.Context, accountID string, now time.Time) ([]Lease, error) {
	m.mu.Lock()
	out := make([]Lease, 0)
	for key, lease := range m.leases {
		if key.account == accountID && !lease.Expired(now) {
			out = append(out, lease)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

func (m *MemoryLeaseStore) Expire(_ context.Context, now time.Time) ([]Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Lease
	for key, lease := range m.leases {
		if lease.Expired(now) {
			out = append(out, lease)
			delete(m.leases, key)
		}
	}
	return out, nil
}

func (m *MemoryLeaseStore) Close() error { return nil }
