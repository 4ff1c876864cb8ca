// Package coordinator runs the client side of the edit-lock protocol.
//
// The relay is the lock arbiter. A Coordinator mirrors what the relay
// announces into a lockstore.Store, asks for locks on the item being edited,
// keeps them alive with heartbeats and gives them back when the editor
// closes. A window that loses its lock to an override is redirected instead
// of releasing.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/editlock/api"
	"pkt.systems/editlock/internal/channel"
	"pkt.systems/editlock/internal/clock"
	"pkt.systems/editlock/internal/lockstore"
	"pkt.systems/editlock/internal/svcfields"
	"pkt.systems/editlock/internal/windowid"
)

const (
	// DefaultHeartbeatInterval is how often a held lock is renewed.
	DefaultHeartbeatInterval = time.Minute
	// DefaultIdleTimeout is how long an editor may go without activity
	// before heartbeats pause.
	DefaultIdleTimeout = 15 * time.Minute
)

// ErrNoIdentity is returned by operations that need the current user before
// SetIdentity was called.
var ErrNoIdentity = errors.New("coordinator: identity not set")

// Identity is the signed-in user and their account.
type Identity struct {
	AccountID string
	User      api.User
}

// Coordinator owns the lock store of one window.
type Coordinator struct {
	store       *lockstore.Store
	conn        channel.Conn
	windowID    string
	clock       clock.Clock
	logger      pslog.Logger
	metrics     *coordinatorMetrics
	heartbeat   time.Duration
	idleTimeout time.Duration
	visible     bool

	identity atomic.Pointer[Identity]

	mu     sync.Mutex
	active *EditSession
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithWindowID overrides the process window id. Useful when several windows
// share one process.
func WithWindowID(id string) Option {
	return func(c *Coordinator) {
		if id != "" {
			c.windowID = id
		}
	}
}

// WithClock injects a clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithLogger supplies a logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithHeartbeatInterval overrides DefaultHeartbeatInterval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

// WithLockVisibleByInitiator marks locks from this window as visible to
// their own user.
func WithLockVisibleByInitiator(v bool) Option {
	return func(c *Coordinator) {
		c.visible = v
	}
}

// New returns a Coordinator that mirrors lock state into store and talks to
// the relay through conn.
func New(store *lockstore.Store, conn channel.Conn, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		conn:        conn,
		windowID:    windowid.Get(),
		clock:       clock.Real{},
		heartbeat:   DefaultHeartbeatInterval,
		idleTimeout: DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = svcfields.WithWindow(svcfields.WithSubsystem(c.logger, "coordinator"), c.windowID, "")
	c.metrics = newCoordinatorMetrics(c.logger)
	return c
}

// WindowID returns the window id this coordinator acts for.
func (c *Coordinator) WindowID() string {
	return c.windowID
}

// Store returns the mirrored lock store.
func (c *Coordinator) Store() *lockstore.Store {
	return c.store
}

// SetIdentity records the signed-in user, subscribes to the account's
// events and lets a waiting edit session acquire its lock.
func (c *Coordinator) SetIdentity(ctx context.Context, id Identity) error {
	if err := api.AccountKey(id.AccountID).Validate(); err != nil {
		return err
	}
	c.identity.Store(&id)
	c.logger.Info("coordinator.identity.set", "account_id", id.AccountID, "user_id", id.User.ID)
	if err := c.conn.Subscribe(ctx, api.AccountKey(id.AccountID)); err != nil {
		return err
	}
	if s := c.activeSession(); s != nil {
		s.evaluate(true)
	}
	return nil
}

// ActiveItemID returns the item of the open edit session, or "".
func (c *Coordinator) ActiveItemID() string {
	if s := c.activeSession(); s != nil {
		return s.itemID
	}
	return ""
}

func (c *Coordinator) activeSession() *EditSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Run feeds events from the connection into HandleEvent until ctx ends or
// the connection closes.
func (c *Coordinator) Run(ctx context.Context) error {
	events := c.conn.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent applies one inbound event. Malformed and unknown events are
// logged and dropped.
func (c *Coordinator) HandleEvent(ctx context.Context, ev api.Event) {
	c.mu.Lock()
	active := c.active
	c.metrics.recordEvent(ctx, string(ev.Type))
	switch ev.Type {
	case api.EventAllLockedItems:
		c.applySnapshot(ev)
	case api.EventItemLocked:
		c.applyLocked(ev)
	case api.EventOverrideItemLock:
		c.applyOverride(ctx, ev, active)
	case api.EventItemReleased:
		c.applyReleased(ev)
	default:
		c.logger.Debug("coordinator.event.unknown", "type", string(ev.Type), "routing_key", ev.RoutingKey.String())
	}
	c.mu.Unlock()
	if active != nil {
		active.evaluate(false)
	}
}

func (c *Coordinator) applySnapshot(ev api.Event) {
	var body api.AllLockedItems
	if err := ev.DecodeBody(&body); err != nil {
		c.logger.Warn("coordinator.event.malformed", "type", string(ev.Type), "error", err)
		return
	}
	locks := make([]lockstore.ItemLock, 0, len(body.Edits))
	for _, edit := range body.Edits {
		locks = append(locks, c.toItemLock(edit))
	}
	c.store.SetLockedItems(locks)
	c.logger.Debug("coordinator.snapshot.applied", "locks", len(locks))
}

func (c *Coordinator) applyLocked(ev api.Event) {
	var body api.LockedItem
	if err := ev.DecodeBody(&body); err != nil {
		c.logger.Warn("coordinator.event.malformed", "type", string(ev.Type), "error", err)
		return
	}
	c.store.SetItemLockAndRedirectionPolicy(c.toItemLock(body), body.RedirectionPolicy)
	c.logger.Trace("coordinator.item.locked", "item_id", body.ItemID, "holder_window_id", body.WindowID)
}

func (c *Coordinator) applyOverride(ctx context.Context, ev api.Event, active *EditSession) {
	var body api.LockedItem
	if err := ev.DecodeBody(&body); err != nil {
		c.logger.Warn("coordinator.event.malformed", "type", string(ev.Type), "error", err)
		return
	}
	activeItemID := ""
	if active != nil {
		activeItemID = active.itemID
	}
	prev, hadPrev := c.store.ItemLock(body.ItemID)
	byThisWindow := body.WindowID == c.windowID
	override := lockstore.ItemLockOverride{
		ItemID:                 body.ItemID,
		Owner:                  body.User,
		WindowID:               body.WindowID,
		OverriddenByThisWindow: byThisWindow,
		LockVisibleByInitiator: body.LockVisibleByInitiator,
	}
	if body.LockedAtUnix > 0 {
		override.LockedAt = time.Unix(body.LockedAtUnix, 0).UTC()
	}
	applied := c.store.OverrideItemLock(override, activeItemID)
	if !applied {
		c.logger.Debug("coordinator.override.ignored", "item_id", body.ItemID, "reason", "no_active_item")
		return
	}
	if !hadPrev || !prev.LockedInThisWindow || byThisWindow {
		return
	}
	c.metrics.recordDisplaced(ctx)
	c.logger.Info("coordinator.override.displaced", "item_id", body.ItemID, "by_user_id", body.User.ID, "by_window_id", body.WindowID)
	if active != nil && active.itemID == body.ItemID {
		active.DisallowRelease()
	}
	c.store.StageRedirection(body.RedirectionPolicy)
}

func (c *Coordinator) applyReleased(ev api.Event) {
	var body api.ItemReleased
	if err := ev.DecodeBody(&body); err != nil {
		c.logger.Warn("coordinator.event.malformed", "type", string(ev.Type), "error", err)
		return
	}
	c.store.ReleaseItemLockAndSetRedirectionPolicy(body.ItemID, body.RedirectionPolicy)
	c.logger.Trace("coordinator.item.released", "item_id", body.ItemID)
}

func (c *Coordinator) toItemLock(item api.LockedItem) lockstore.ItemLock {
	lock := lockstore.ItemLock{
		ItemID:                 item.ItemID,
		Owner:                  item.User,
		WindowID:               item.WindowID,
		LockedInThisWindow:     item.WindowID == c.windowID,
		LockVisibleByInitiator: item.LockVisibleByInitiator,
	}
	if item.LockedAtUnix > 0 {
		lock.LockedAt = time.Unix(item.LockedAtUnix, 0).UTC()
	}
	return lock
}

// Open starts an edit session for itemID, closing the previous session.
func (c *Coordinator) Open(ctx context.Context, itemID string) *EditSession {
	s := newEditSession(context.WithoutCancel(ctx), c, itemID)
	c.mu.Lock()
	prev := c.active
	c.active = s
	c.mu.Unlock()
	if prev != nil {
		prev.Close(ctx)
	}
	c.logger.Debug("coordinator.session.open", "item_id", itemID)
	s.evaluate(true)
	return s
}

// OverrideLock asks the relay to hand the lock on itemID to this window.
// The store changes only once the relay echoes the override back.
func (c *Coordinator) OverrideLock(ctx context.Context, itemID, redirectCollectionID string) error {
	id := c.identity.Load()
	if id == nil {
		return ErrNoIdentity
	}
	c.dispatch(ctx, id, api.RequestOverrideItemLock, itemID, api.OverrideItemLockRequest{
		ItemID:                 itemID,
		User:                   id.User,
		WindowID:               c.windowID,
		LockVisibleByInitiator: c.visible,
		RedirectCollectionID:   redirectCollectionID,
	})
	return nil
}

// dispatch sends a request and swallows failures; the relay's snapshot on
// the next subscribe reconciles anything lost.
func (c *Coordinator) dispatch(ctx context.Context, id *Identity, kind api.RequestType, itemID string, body any) {
	req, err := api.NewRequest(kind, api.AccountKey(id.AccountID), body)
	if err != nil {
		c.logger.Error("coordinator.dispatch.encode_failed", "type", string(kind), "item_id", itemID, "error", err)
		return
	}
	err = c.conn.Dispatch(ctx, req)
	c.metrics.recordDispatch(ctx, string(kind), err)
	if err != nil {
		c.logger.Warn("coordinator.dispatch.failed", "type", string(kind), "item_id", itemID, "error", err)
		return
	}
	c.logger.Trace("coordinator.dispatch", "type", string(kind), "item_id", itemID)
}

func (c *Coordinator) detach(s *EditSession) {
	c.mu.Lock()
	if c.active == s {
		c.active = nil
	}
	c.mu.Unlock()
}
