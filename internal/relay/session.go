package relay

import (
	"context"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/editlock/api"
)

// Session is one attached subscriber, typically one websocket connection.
type Session struct {
	id     string
	engine *Engine
	ctx    context.Context
	logger pslog.Logger

	// guarded by engine.mu
	accounts map[string]struct{}

	mu     sync.Mutex
	out    chan api.Event
	closed bool
}

// ID returns the connection id.
func (s *Session) ID() string {
	return s.id
}

// Events yields events for the session. It is closed by Close.
func (s *Session) Events() <-chan api.Event {
	return s.out
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) send(kind api.EventType, account string, body any) error {
	ev, err := api.NewEvent(kind, api.AccountKey(account), body)
	if err != nil {
		return err
	}
	s.deliver(ev)
	return nil
}

// deliver queues ev without blocking. A session whose queue is full has
// missed an event, so it is closed: a websocket client reconnects and
// rebuilds its mirror from the snapshot answering its SUBSCRIBE.
func (s *Session) deliver(ev api.Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	select {
	case s.out <- ev:
		s.mu.Unlock()
		return true
	default:
	}
	s.mu.Unlock()
	s.engine.metrics.recordDropped(s.ctx)
	s.logger.Warn("relay.session.overflow", "type", string(ev.Type), "buffered", cap(s.out))
	// Close waits for the topic pump, which may be the caller.
	go func() { _ = s.Close() }()
	return false
}

// Close detaches the session from the engine. Safe to call repeatedly.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.out)
	s.mu.Unlock()
	s.engine.detach(s)
	s.logger.Debug("relay.session.closed")
	return nil
}
