// Package lockstore mirrors the server's view of which items are locked and
// by whom, together with a pending forced redirection.
//
// The store does no I/O. It is written by the lock coordinator and read by
// everything else through copies and change signals.
package lockstore

import (
	"context"
	"sync"
	"time"

	"pkt.systems/editlock/api"
)

// ItemLock is the claim a window holds on an item.
type ItemLock struct {
	ItemID                 string
	Owner                  api.User
	WindowID               string
	LockedInThisWindow     bool
	LockVisibleByInitiator bool
	LockedAt               time.Time
}

// Equal compares every field.
func (l ItemLock) Equal(o ItemLock) bool {
	return l.ItemID == o.ItemID &&
		l.Owner == o.Owner &&
		l.WindowID == o.WindowID &&
		l.LockedInThisWindow == o.LockedInThisWindow &&
		l.LockVisibleByInitiator == o.LockVisibleByInitiator &&
		l.LockedAt.Equal(o.LockedAt)
}

// ItemLockOverride describes one window taking the lock from whoever held it.
type ItemLockOverride struct {
	ItemID                 string
	Owner                  api.User
	WindowID               string
	OverriddenByThisWindow bool
	LockVisibleByInitiator bool
	// LockedAt is when the override took effect. Zero keeps the previous
	// entry's time.
	LockedAt time.Time
}

// Store holds the lock map and the pending redirection. It is safe for
// concurrent use; every mutation is applied atomically.
type Store struct {
	mu        sync.RWMutex
	itemLocks map[string]ItemLock
	redirect  *api.RedirectionPolicy
	subs      map[uint64]chan struct{}
	nextSub   uint64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		itemLocks: make(map[string]ItemLock),
		subs:      make(map[uint64]chan struct{}),
	}
}

// SetLockedItems replaces the whole lock map with a server snapshot.
func (s *Store) SetLockedItems(locks []ItemLock) {
	next := make(map[string]ItemLock, len(locks))
	for _, lock := range locks {
		if lock.ItemID == "" {
			continue
		}
		next[lock.ItemID] = lock
	}
	s.mu.Lock()
	s.itemLocks = next
	s.notifyLocked()
	s.mu.Unlock()
}

// SetItemLockAndRedirectionPolicy upserts one lock and stages redirection when non-nil.
func (s *Store) SetItemLockAndRedirectionPolicy(lock ItemLock, redirection *api.RedirectionPolicy) {
	if lock.ItemID == "" {
		return
	}
	s.mu.Lock()
	s.itemLocks[lock.ItemID] = lock
	if redirection != nil {
		s.redirect = clonePolicy(redirection)
	}
	s.notifyLocked()
	s.mu.Unlock()
}

// OverrideItemLock records that the override's window now holds the item.
// Without an active item in view the override is stale and ignored. It
// reports whether the store changed.
func (s *Store) OverrideItemLock(override ItemLockOverride, activeItemID string) bool {
	if activeItemID == "" || override.ItemID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.itemLocks[override.ItemID]
	lock := ItemLock{
		ItemID:                 override.ItemID,
		Owner:                  override.Owner,
		WindowID:               override.WindowID,
		LockedInThisWindow:     override.OverriddenByThisWindow,
		LockVisibleByInitiator: override.LockVisibleByInitiator,
		LockedAt:               override.LockedAt,
	}
	if lock.LockedAt.IsZero() && ok {
		lock.LockedAt = prev.LockedAt
	}
	s.itemLocks[override.ItemID] = lock
	s.notifyLocked()
	return true
}

// ReleaseItemLockAndSetRedirectionPolicy drops the lock on itemID, if any,
// and stages redirection when non-nil.
func (s *Store) ReleaseItemLockAndSetRedirectionPolicy(itemID string, redirection *api.RedirectionPolicy) {
	s.mu.Lock()
	_, had := s.itemLocks[itemID]
	delete(s.itemLocks, itemID)
	if redirection != nil {
		s.redirect = clonePolicy(redirection)
	}
	if had || redirection != nil {
		s.notifyLocked()
	}
	s.mu.Unlock()
}

// StageRedirection sets the pending redirection, replacing any unconsumed one.
func (s *Store) StageRedirection(redirection *api.RedirectionPolicy) {
	if redirection == nil {
		return
	}
	s.mu.Lock()
	s.redirect = clonePolicy(redirection)
	s.notifyLocked()
	s.mu.Unlock()
}

// ClearForceRedirectionRequest drops the pending redirection.
func (s *Store) ClearForceRedirectionRequest() {
	s.mu.Lock()
	s.redirect = nil
	s.mu.Unlock()
}

// TakeForceRedirectionRequest returns the pending redirection and clears it
// in one step, so each staged value is handed out at most once.
func (s *Store) TakeForceRedirectionRequest() *api.RedirectionPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.redirect
	s.redirect = nil
	return p
}

// ForceRedirectionRequest returns a copy of the pending redirection, or nil.
func (s *Store) ForceRedirectionRequest() *api.RedirectionPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePolicy(s.redirect)
}

// ItemLocks returns a copy of the lock map.
func (s *Store) ItemLocks() map[string]ItemLock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ItemLock, len(s.itemLocks))
	for k, v := range s.itemLocks {
		out[k] = v
	}
	return out
}

// ItemLock returns the lock on itemID.
func (s *Store) ItemLock(itemID string) (ItemLock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lock, ok := s.itemLocks[itemID]
	return lock, ok
}

// Subscribe returns a channel signalled after every change. Signals
// coalesce: a slow reader sees one pending signal, never a backlog. The
// returned func stops delivery.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// WatchItemLocks calls fn with the current lock map and then again each time
// it changes structurally, until ctx ends.
func (s *Store) WatchItemLocks(ctx context.Context, fn func(map[string]ItemLock)) {
	signal, cancel := s.Subscribe()
	defer cancel()
	prev := s.ItemLocks()
	fn(prev)
	for {
		select {
		case <-ctx.Done():
			return
		case <-signal:
			cur := s.ItemLocks()
			if AreLockedItemsEqual(prev, cur) {
				continue
			}
			prev = cur
			fn(cur)
		}
	}
}

// AreLockedItemsEqual reports whether a and b hold the same entries with
// equal field values.
func AreLockedItemsEqual(a, b map[string]ItemLock) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !av.Equal(bv) {
			return false
		}
	}
	return true
}

// notifyLocked must run with s.mu held for writing.
func (s *Store) notifyLocked() {
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func clonePolicy(p *api.RedirectionPolicy) *api.RedirectionPolicy {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
