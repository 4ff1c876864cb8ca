package coordinator

import (
	"context"
	"sync"
	"time"

	"pkt.systems/editlock/api"
	"pkt.systems/editlock/internal/clock"
	"pkt.systems/editlock/internal/lockstore"
)

// EditSession is one editor view of one item. It acquires the item's lock,
// renews it on a heartbeat while the user is active and releases it once
// when closed.
type EditSession struct {
	c      *Coordinator
	ctx    context.Context
	itemID string

	mu sync.Mutex
	// store entry seen by the previous evaluation
	evaluated bool
	lastOK    bool
	last      lockstore.ItemLock

	ticker   clock.Ticker
	stop     chan struct{}
	loopDone chan struct{}

	lastActivity time.Time
	inactive     chan struct{}
	isInactive   bool

	released        bool
	disallowRelease bool
	closed          bool
}

func newEditSession(ctx context.Context, c *Coordinator, itemID string) *EditSession {
	return &EditSession{
		c:            c,
		ctx:          ctx,
		itemID:       itemID,
		lastActivity: c.clock.Now(),
		inactive:     make(chan struct{}),
	}
}

// ItemID returns the edited item.
func (s *EditSession) ItemID() string {
	return s.itemID
}

// evaluate dispatches LOCK_ITEM when the store has no lock for the item, or
// when the item's lockedInThisWindow flag flipped since the last look. It
// also makes sure the heartbeat runs. Without force it does nothing unless
// the item's store entry changed.
func (s *EditSession) evaluate(force bool) {
	id := s.c.identity.Load()
	if id == nil {
		return
	}
	lock, ok := s.c.store.ItemLock(s.itemID)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !force && s.evaluated && ok == s.lastOK && (!ok || lock.Equal(s.last)) {
		s.mu.Unlock()
		return
	}
	prevOK, prevHere := s.lastOK, s.last.LockedInThisWindow
	s.evaluated = true
	s.lastOK = ok
	s.last = lock
	send := !ok || (prevOK && prevHere != lock.LockedInThisWindow)
	if !s.isInactive {
		s.startHeartbeatLocked()
	}
	s.mu.Unlock()
	if send {
		s.c.dispatch(s.ctx, id, api.RequestLockItem, s.itemID, s.lockRequest(id))
	}
}

func (s *EditSession) lockRequest(id *Identity) api.LockItemRequest {
	return api.LockItemRequest{
		ItemID:                 s.itemID,
		User:                   id.User,
		WindowID:               s.c.windowID,
		LockVisibleByInitiator: s.c.visible,
	}
}

func (s *EditSession) startHeartbeatLocked() {
	if s.ticker != nil {
		return
	}
	ticker := s.c.clock.NewTicker(s.c.heartbeat)
	stop := make(chan struct{})
	done := make(chan struct{})
	s.ticker, s.stop, s.loopDone = ticker, stop, done
	go s.heartbeatLoop(ticker, stop, done)
}

// stopHeartbeatLocked stops the ticker and returns a channel closed once the
// loop has exited. The caller must not wait on it while holding s.mu.
func (s *EditSession) stopHeartbeatLocked() <-chan struct{} {
	if s.ticker == nil {
		return nil
	}
	s.ticker.Stop()
	close(s.stop)
	done := s.loopDone
	s.ticker, s.stop, s.loopDone = nil, nil, nil
	return done
}

func (s *EditSession) heartbeatLoop(ticker clock.Ticker, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			if !s.beat(stop) {
				return
			}
		}
	}
}

// beat runs one heartbeat tick. It returns false when the loop should end.
func (s *EditSession) beat(stop chan struct{}) bool {
	now := s.c.clock.Now()
	s.mu.Lock()
	select {
	case <-stop:
		s.mu.Unlock()
		return false
	default:
	}
	if now.Sub(s.lastActivity) >= s.c.idleTimeout {
		s.isInactive = true
		s.stopHeartbeatLocked()
		close(s.inactive)
		s.mu.Unlock()
		s.c.metrics.recordInactive(s.ctx)
		s.c.logger.Info("coordinator.session.inactive", "item_id", s.itemID, "idle", s.c.idleTimeout)
		return false
	}
	s.mu.Unlock()

	id := s.c.identity.Load()
	if id == nil {
		return true
	}
	// Renew only what this window holds or what nobody holds.
	if lock, ok := s.c.store.ItemLock(s.itemID); ok && !lock.LockedInThisWindow {
		s.c.logger.Trace("coordinator.heartbeat.skipped", "item_id", s.itemID, "holder_window_id", lock.WindowID)
		return true
	}
	s.c.metrics.recordHeartbeat(s.ctx)
	s.c.dispatch(s.ctx, id, api.RequestLockItem, s.itemID, s.lockRequest(id))
	return true
}

// Touch records user activity and postpones the inactivity timeout.
func (s *EditSession) Touch() {
	now := s.c.clock.Now()
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// Inactive is closed when the session paused its heartbeat because the user
// was idle for the idle timeout. The lock is kept until the relay lease
// runs out. Resume installs a fresh channel.
func (s *EditSession) Inactive() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inactive
}

// Resume restarts a session paused for inactivity and re-asserts its lock.
func (s *EditSession) Resume() {
	now := s.c.clock.Now()
	s.mu.Lock()
	if s.closed || !s.isInactive {
		s.lastActivity = now
		s.mu.Unlock()
		return
	}
	s.isInactive = false
	s.inactive = make(chan struct{})
	s.lastActivity = now
	s.startHeartbeatLocked()
	s.mu.Unlock()
	s.c.logger.Info("coordinator.session.resumed", "item_id", s.itemID)
	if id := s.c.identity.Load(); id != nil {
		s.c.dispatch(s.ctx, id, api.RequestLockItem, s.itemID, s.lockRequest(id))
	}
}

// DisallowRelease keeps Close from sending RELEASE_ITEM. It is set when the
// lock already belongs to another window.
func (s *EditSession) DisallowRelease() {
	s.mu.Lock()
	s.disallowRelease = true
	s.mu.Unlock()
}

// Released reports whether Close sent RELEASE_ITEM.
func (s *EditSession) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Close ends the session: the heartbeat stops and RELEASE_ITEM is sent at
// most once, unless DisallowRelease was called. Safe to call repeatedly,
// e.g. from both unmount and page-hide paths.
func (s *EditSession) Close(ctx context.Context) {
	id := s.c.identity.Load()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	done := s.stopHeartbeatLocked()
	send := id != nil && !s.released && !s.disallowRelease
	if send {
		s.released = true
	}
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	s.c.detach(s)
	if !send {
		s.c.logger.Debug("coordinator.session.closed", "item_id", s.itemID, "released", false)
		return
	}
	s.c.dispatch(ctx, id, api.RequestReleaseItem, s.itemID, api.ReleaseItemRequest{
		ItemID:   s.itemID,
		UserID:   id.User.ID,
		WindowID: s.c.windowID,
	})
	s.c.logger.Debug("coordinator.session.closed", "item_id", s.itemID, "released", true)
}
