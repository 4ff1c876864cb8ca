// Package relay is the server side of the edit-lock notification channel.
//
// The Engine arbitrates locks through a LeaseStore, fans events out through
// a Broker and serves subscriber sessions attached over websockets or in
// process.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/editlock/api"
	"pkt.systems/editlock/internal/clock"
	"pkt.systems/editlock/internal/correlation"
	"pkt.systems/editlock/internal/svcfields"
)

const (
	// DefaultLeaseTTL covers three missed heartbeats.
	DefaultLeaseTTL = 3 * time.Minute
	// DefaultSweepInterval is how often expired leases are collected.
	DefaultSweepInterval = 15 * time.Second

	sessionBuffer = 256
)

// Engine handles client requests for every attached session.
type Engine struct {
	leases  LeaseStore
	broker  Broker
	clock   clock.Clock
	ttl     time.Duration
	logger  pslog.Logger
	metrics *relayMetrics
	tracer  trace.Tracer

	// opMu is held shared by request handlers and exclusively by sweeps so
	// expiry announcements never race a fresh grant.
	opMu     sync.RWMutex
	accounts sync.Map // account id -> *sync.Mutex

	mu       sync.Mutex
	sessions map[*Session]struct{}
	topics   map[string]*topicState
	closed   bool
}

type topicState struct {
	sub     Subscription
	members map[*Session]struct{}
	stop    chan struct{}
	done    chan struct{}
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithClock injects a clock.
func WithClock(clk clock.Clock) EngineOption {
	return func(e *Engine) {
		if clk != nil {
			e.clock = clk
		}
	}
}

// WithLogger supplies a logger.
func WithLogger(logger pslog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithLeaseTTL overrides DefaultLeaseTTL.
func WithLeaseTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) {
		if ttl > 0 {
			e.ttl = ttl
		}
	}
}

// NewEngine returns an Engine over leases and broker. The engine does not
// own either; callers close them after Close.
func NewEngine(leases LeaseStore, broker Broker, opts ...EngineOption) *Engine {
	e := &Engine{
		leases:   leases,
		broker:   broker,
		clock:    clock.Real{},
		ttl:      DefaultLeaseTTL,
		tracer:   otel.Tracer("pkt.systems/editlock/relay"),
		sessions: make(map[*Session]struct{}),
		topics:   make(map[string]*topicState),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = svcfields.WithSubsystem(e.logger, "relay")
	e.metrics = newRelayMetrics(e.logger)
	return e
}

// LeaseTTL reports the lease lifetime granted per request.
func (e *Engine) LeaseTTL() time.Duration {
	return e.ttl
}

// Attach registers a new subscriber session. The session id comes from the
// correlation id on ctx, or is generated.
func (e *Engine) Attach(ctx context.Context) (*Session, error) {
	id := correlation.ID(ctx)
	if id == "" {
		id = correlation.Generate()
		ctx = correlation.With(ctx, id)
	}
	s := &Session{
		id:       id,
		engine:   e,
		ctx:      context.WithoutCancel(ctx),
		logger:   e.logger.With("conn_id", id),
		out:      make(chan api.Event, sessionBuffer),
		accounts: make(map[string]struct{}),
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.sessions[s] = struct{}{}
	e.mu.Unlock()
	e.metrics.recordSession(ctx, 1)
	s.logger.Debug("relay.session.attached")
	return s, nil
}

// Handle applies one request from s. Failures are returned as Failure or
// wrap ErrUnknownRequest; lock denials are not failures.
func (e *Engine) Handle(ctx context.Context, s *Session, req api.Request) error {
	start := e.clock.Now()
	ctx, span := e.tracer.Start(ctx, "editlock.relay."+strings.ToLower(string(req.Type)), trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(
		attribute.String("editlock.request", string(req.Type)),
		attribute.String("editlock.account_id", req.RoutingKey.Value),
		attribute.String("editlock.conn_id", s.id),
	)
	err := e.handle(ctx, s, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, AsFailure(err).Code)
		s.logger.Debug("relay.request.failed", "type", string(req.Type), "error", err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	e.metrics.recordRequest(ctx, string(req.Type), e.clock.Now().Sub(start), err)
	return err
}

func (e *Engine) handle(ctx context.Context, s *Session, req api.Request) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := req.RoutingKey.Validate(); err != nil {
		return Failure{Code: CodeInvalidRoutingKey, Detail: err.Error()}
	}
	account := req.RoutingKey.Value
	switch req.Type {
	case api.RequestSubscribe:
		return e.subscribe(ctx, s, account)
	case api.RequestUnsubscribe:
		e.unsubscribe(s, account)
		return nil
	case api.RequestLockItem:
		return e.lockItem(ctx, s, account, req)
	case api.RequestReleaseItem:
		return e.releaseItem(ctx, s, account, req)
	case api.RequestOverrideItemLock:
		return e.overrideItemLock(ctx, s, account, req)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRequest, req.Type)
	}
}

func (e *Engine) lockAccount(account string) func() {
	e.opMu.RLock()
	v, _ := e.accounts.LoadOrStore(account, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return func() {
		mu.Unlock()
		e.opMu.RUnlock()
	}
}

func (e *Engine) newLease(account, itemID string, user api.User, windowID string, visible bool) Lease {
	now := e.clock.Now().UTC()
	return Lease{
		AccountID:              account,
		ItemID:                 itemID,
		User:                   user,
		WindowID:               windowID,
		LockVisibleByInitiator: visible,
		LockedAt:               now,
		ExpiresAt:              now.Add(e.ttl),
	}
}

func (e *Engine) lockItem(ctx context.Context, s *Session, account string, req api.Request) error {
	var body api.LockItemRequest
	if err := req.DecodeBody(&body); err != nil {
		return invalid("%v", err)
	}
	if body.ItemID == "" || body.WindowID == "" {
		return invalid("itemId and windowId are required")
	}
	unlock := e.lockAccount(account)
	defer unlock()
	want := e.newLease(account, body.ItemID, body.User, body.WindowID, body.LockVisibleByInitiator)
	lease, granted, err := e.leases.Acquire(ctx, want)
	if err != nil {
		return err
	}
	if !granted {
		e.metrics.recordLease(ctx, "denied")
		s.logger.Debug("relay.lease.denied", "item_id", body.ItemID, "window_id", body.WindowID, "holder_window_id", lease.WindowID)
		return s.send(api.EventItemLocked, account, lease.LockedItem())
	}
	if lease.LockedAt.Before(want.LockedAt) {
		e.metrics.recordLease(ctx, "renewed")
		s.logger.Trace("relay.lease.renewed", "item_id", body.ItemID, "window_id", body.WindowID)
		return s.send(api.EventItemLocked, account, lease.LockedItem())
	}
	e.metrics.recordLease(ctx, "granted")
	s.logger.Info("relay.lease.granted", "account_id", account, "item_id", body.ItemID, "window_id", body.WindowID, "user_id", body.User.ID)
	return e.publish(ctx, account, api.EventItemLocked, lease.LockedItem())
}

func (e *Engine) overrideItemLock(ctx context.Context, s *Session, account string, req api.Request) error {
	var body api.OverrideItemLockRequest
	if err := req.DecodeBody(&body); err != nil {
		return invalid("%v", err)
	}
	if body.ItemID == "" || body.WindowID == "" {
		return invalid("itemId and windowId are required")
	}
	unlock := e.lockAccount(account)
	defer unlock()
	lease := e.newLease(account, body.ItemID, body.User, body.WindowID, body.LockVisibleByInitiator)
	prev, hadPrev, err := e.leases.Override(ctx, lease)
	if err != nil {
		return err
	}
	item := lease.LockedItem()
	if hadPrev {
		item.RedirectionPolicy = &api.RedirectionPolicy{
			TargetItemID:         body.ItemID,
			RedirectCollectionID: body.RedirectCollectionID,
			Reason:               api.ReasonLockOverridden,
		}
		s.logger.Info("relay.lease.overridden", "account_id", account, "item_id", body.ItemID, "window_id", body.WindowID, "previous_window_id", prev.WindowID)
	} else {
		s.logger.Info("relay.lease.granted", "account_id", account, "item_id", body.ItemID, "window_id", body.WindowID, "via", "override")
	}
	e.metrics.recordLease(ctx, "overridden")
	return e.publish(ctx, account, api.EventOverrideItemLock, item)
}

func (e *Engine) releaseItem(ctx context.Context, s *Session, account string, req api.Request) error {
	var body api.ReleaseItemRequest
	if err := req.DecodeBody(&body); err != nil {
		return invalid("%v", err)
	}
	if body.ItemID == "" || body.WindowID == "" {
		return invalid("itemId and windowId are required")
	}
	unlock := e.lockAccount(account)
	defer unlock()
	_, released, err := e.leases.Release(ctx, account, body.ItemID, body.WindowID)
	if err != nil {
		return err
	}
	if !released {
		e.metrics.recordLease(ctx, "release_ignored")
		s.logger.Debug("relay.release.ignored", "item_id", body.ItemID, "window_id", body.WindowID)
		return nil
	}
	e.metrics.recordLease(ctx, "released")
	s.logger.Info("relay.lease.released", "account_id", account, "item_id", body.ItemID, "window_id", body.WindowID)
	return e.publish(ctx, account, api.EventItemReleased, api.ItemReleased{ItemID: body.ItemID})
}

// Snapshot returns the account's live locks.
func (e *Engine) Snapshot(ctx context.Context, account string) ([]api.LockedItem, error) {
	leases, err := e.leases.List(ctx, account, e.clock.Now())
	if err != nil {
		return nil, err
	}
	items := make([]api.LockedItem, 0, len(leases))
	for _, lease := range leases {
		items = append(items, lease.LockedItem())
	}
	return items, nil
}

func (e *Engine) publish(ctx context.Context, account string, kind api.EventType, body any) error {
	ev, err := api.NewEvent(kind, api.AccountKey(account), body)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	if err := e.broker.Publish(ctx, api.AccountKey(account).Topic(), payload); err != nil {
		return err
	}
	return nil
}

// subscribe joins s to the account topic and sends it a snapshot. The
// account lock orders the snapshot before any grant published afterwards.
func (e *Engine) subscribe(ctx context.Context, s *Session, account string) error {
	unlock := e.lockAccount(account)
	defer unlock()
	e.mu.Lock()
	if _, attached := e.sessions[s]; !attached || e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	t := e.topics[account]
	if t == nil {
		sub, err := e.broker.Subscribe(ctx, api.AccountKey(account).Topic())
		if err != nil {
			e.mu.Unlock()
			return err
		}
		t = &topicState{
			sub:     sub,
			members: make(map[*Session]struct{}),
			stop:    make(chan struct{}),
			done:    make(chan struct{}),
		}
		e.topics[account] = t
		go e.pump(account, t)
	}
	t.members[s] = struct{}{}
	s.accounts[account] = struct{}{}
	e.mu.Unlock()

	items, err := e.Snapshot(ctx, account)
	if err != nil {
		return err
	}
	s.logger.Debug("relay.session.subscribed", "account_id", account, "locks", len(items))
	return s.send(api.EventAllLockedItems, account, api.AllLockedItems{Edits: items})
}

func (e *Engine) unsubscribe(s *Session, account string) {
	e.mu.Lock()
	delete(s.accounts, account)
	t := e.topics[account]
	if t == nil {
		e.mu.Unlock()
		return
	}
	delete(t.members, s)
	if len(t.members) > 0 {
		e.mu.Unlock()
		return
	}
	delete(e.topics, account)
	e.mu.Unlock()
	e.stopTopic(account, t)
}

func (e *Engine) stopTopic(account string, t *topicState) {
	close(t.stop)
	if err := t.sub.Close(); err != nil {
		e.logger.Warn("relay.topic.close_failed", "account_id", account, "error", err)
	}
	<-t.done
}

func (e *Engine) pump(account string, t *topicState) {
	defer close(t.done)
	for {
		select {
		case <-t.stop:
			return
		case payload := <-t.sub.C():
			var ev api.Event
			if err := json.Unmarshal(payload, &ev); err != nil {
				e.logger.Warn("relay.topic.malformed", "account_id", account, "error", err)
				continue
			}
			e.mu.Lock()
			members := make([]*Session, 0, len(t.members))
			for s := range t.members {
				members = append(members, s)
			}
			e.mu.Unlock()
			for _, s := range members {
				s.deliver(ev)
			}
		}
	}
}

// Sweep deletes expired leases and announces each as released. An item that
// is held again by the time of the announcement, e.g. granted by another
// relay sharing the lease store, is not announced.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	now := e.clock.Now()
	expired, err := e.leases.Expire(ctx, now)
	if err != nil {
		return 0, err
	}
	var errs []error
	live := make(map[string]map[string]bool)
	for _, lease := range expired {
		e.metrics.recordLease(ctx, "expired")
		e.logger.Info("relay.lease.expired", "account_id", lease.AccountID, "item_id", lease.ItemID, "window_id", lease.WindowID)
		held, ok := live[lease.AccountID]
		if !ok {
			held, err = e.heldItems(ctx, lease.AccountID, now)
			if err != nil {
				e.logger.Warn("relay.sweep.recheck_failed", "account_id", lease.AccountID, "error", err)
			}
			live[lease.AccountID] = held
		}
		if held[lease.ItemID] {
			e.logger.Debug("relay.lease.regranted", "account_id", lease.AccountID, "item_id", lease.ItemID)
			continue
		}
		if err := e.publish(ctx, lease.AccountID, api.EventItemReleased, api.ItemReleased{ItemID: lease.ItemID}); err != nil {
			errs = append(errs, err)
		}
	}
	e.metrics.recordSweep(ctx, len(expired))
	return len(expired), errors.Join(errs...)
}

// heldItems lists the items of account with a live lease. On error the
// result is empty, so every expiry is still announced.
func (e *Engine) heldItems(ctx context.Context, account string, now time.Time) (map[string]bool, error) {
	leases, err := e.leases.List(ctx, account, now)
	if err != nil {
		return nil, err
	}
	held := make(map[string]bool, len(leases))
	for _, lease := range leases {
		held[lease.ItemID] = true
	}
	return held, nil
}

// RunSweeper sweeps every interval until ctx ends.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("relay.sweep.failed", "error", err)
			}
		}
	}
}

// Close detaches every session and stops every topic.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sessions := make([]*Session, 0, len(e.sessions))
	for s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
	return nil
}

func (e *Engine) detach(s *Session) {
	e.mu.Lock()
	delete(e.sessions, s)
	accounts := make([]string, 0, len(s.accounts))
	for account := range s.accounts {
		accounts = append(accounts, account)
	}
	e.mu.Unlock()
	for _, account := range accounts {
		e.unsubscribe(s, account)
	}
	e.metrics.recordSession(s.ctx, -1)
}
