package channel

import (
	"context"
	"sync"

	"pkt.systems/editlock/api"
)

// Recorder is an in-memory Conn that records outbound traffic and lets the
// caller inject inbound events. It is meant for tests and dry runs.
type Recorder struct {
	mu         sync.Mutex
	requests   []api.Request
	subscribed []api.RoutingKey
	events     chan api.Event
	notify     chan api.Request
	failWith   error
	closed     bool
}

// NewRecorder returns a Recorder whose event channel holds up to buffer events.
func NewRecorder(buffer int) *Recorder {
	return &Recorder{
		events: make(chan api.Event, buffer),
		notify: make(chan api.Request, 1024),
	}
}

// Dispatch records req.
func (r *Recorder) Dispatch(_ context.Context, req api.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.failWith != nil {
		return r.failWith
	}
	r.requests = append(r.requests, req)
	select {
	case r.notify <- req:
	default:
	}
	return nil
}

// Subscribe records key.
func (r *Recorder) Subscribe(_ context.Context, key api.RoutingKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.subscribed = append(r.subscribed, key)
	return nil
}

// Events returns the injected event stream.
func (r *Recorder) Events() <-chan api.Event {
	return r.events
}

// Close closes the event stream.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.events)
	return nil
}

// Inject queues ev for delivery.
func (r *Recorder) Inject(ev api.Event) {
	r.events <- ev
}

// FailWith makes subsequent dispatches return err; nil restores success.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.failWith = err
	r.mu.Unlock()
}

// Requests returns every recorded request.
func (r *Recorder) Requests() []api.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.Request(nil), r.requests...)
}

// RequestsOf returns the recorded requests of kind.
func (r *Recorder) RequestsOf(kind api.RequestType) []api.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []api.Request
	for _, req := range r.requests {
		if req.Type == kind {
			out = append(out, req)
		}
	}
	return out
}

// Subscriptions returns the recorded routing keys.
func (r *Recorder) Subscriptions() []api.RoutingKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.RoutingKey(nil), r.subscribed...)
}

// Dispatched yields each successfully recorded request as it arrives.
func (r *Recorder) Dispatched() <-chan api.Request {
	return r.notify
}
