package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"pkt.systems/editlock/api"
	"pkt.systems/editlock/internal/svcfields"
)

const (
	defaultWSEventBuffer    = 256
	defaultWSWriteTimeout   = 10 * time.Second
	defaultWSBackoffInitial = 250 * time.Millisecond
	defaultWSBackoffMax     = 30 * time.Second
)

// WSConfig configures a websocket connection to the relay.
type WSConfig struct {
	// URL is the relay notification endpoint, e.g. ws://host:9342/v1/notifications.
	URL    string
	Header http.Header
	// Dialer defaults to websocket.DefaultDialer.
	Dialer         *websocket.Dialer
	Logger         pslog.Logger
	EventBuffer    int
	WriteTimeout   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// WS is a Conn over a websocket. It dials in the background, reconnects with
// exponential backoff and replays every subscription after each reconnect.
type WS struct {
	cfg    WSConfig
	logger pslog.Logger
	events chan api.Event

	mu      sync.Mutex
	conn    *websocket.Conn
	keys    []api.RoutingKey
	up      chan struct{}
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// DialWS starts a websocket Conn. It returns immediately; use WaitConnected
// to block until the first connection is up.
func DialWS(cfg WSConfig) (*WS, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("channel: websocket url required")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultWSEventBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWSWriteTimeout
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = defaultWSBackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultWSBackoffMax
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &WS{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(cfg.Logger, "channel.ws"),
		events: make(chan api.Event, cfg.EventBuffer),
		up:     make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// WaitConnected blocks until a connection is established or ctx ends.
func (w *WS) WaitConnected(ctx context.Context) error {
	w.mu.Lock()
	up := w.up
	w.mu.Unlock()
	select {
	case <-up:
		return nil
	case <-w.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the inbound event stream.
func (w *WS) Events() <-chan api.Event {
	return w.events
}

// Dispatch writes req on the live connection.
func (w *WS) Dispatch(ctx context.Context, req api.Request) error {
	if w.ctx.Err() != nil {
		return ErrClosed
	}
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}
	return w.write(ctx, conn, req)
}

// Subscribe remembers key and sends SUBSCRIBE when connected.
func (w *WS) Subscribe(ctx context.Context, key api.RoutingKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if w.ctx.Err() != nil {
		return ErrClosed
	}
	w.mu.Lock()
	known := false
	for _, k := range w.keys {
		if k == key {
			known = true
			break
		}
	}
	if !known {
		w.keys = append(w.keys, key)
	}
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	req, err := api.NewRequest(api.RequestSubscribe, key, nil)
	if err != nil {
		return err
	}
	if err := w.write(ctx, conn, req); err != nil {
		// The next reconnect replays the subscription.
		w.logger.Debug("channel.ws.subscribe_deferred", "routing_key", key.String(), "error", err)
	}
	return nil
}

// Close stops reconnecting, closes the socket and the event stream.
func (w *WS) Close() error {
	w.once.Do(func() {
		w.cancel()
		w.mu.Lock()
		conn := w.conn
		w.mu.Unlock()
		if conn != nil {
			w.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			w.writeMu.Unlock()
			_ = conn.Close()
		}
		<-w.done
	})
	return nil
}

func (w *WS) write(ctx context.Context, conn *websocket.Conn, req api.Request) error {
	deadline := time.Now().Add(w.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

func (w *WS) run() {
	defer close(w.done)
	defer close(w.events)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.BackoffInitial
	b.MaxInterval = w.cfg.BackoffMax
	for {
		conn, _, err := w.cfg.Dialer.DialContext(w.ctx, w.cfg.URL, w.cfg.Header)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			w.logger.Warn("channel.ws.dial_failed", "url", w.cfg.URL, "retry_in", wait, "error", err)
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()
		w.logger.Info("channel.ws.connected", "url", w.cfg.URL)
		w.attach(conn)
		err = w.readLoop(conn)
		w.detach(conn)
		if w.ctx.Err() != nil {
			return
		}
		w.logger.Warn("channel.ws.disconnected", "url", w.cfg.URL, "error", err)
	}
}

func (w *WS) attach(conn *websocket.Conn) {
	w.mu.Lock()
	w.conn = conn
	keys := append([]api.RoutingKey(nil), w.keys...)
	close(w.up)
	w.mu.Unlock()
	for _, key := range keys {
		req, err := api.NewRequest(api.RequestSubscribe, key, nil)
		if err != nil {
			continue
		}
		if err := w.write(w.ctx, conn, req); err != nil {
			w.logger.Warn("channel.ws.resubscribe_failed", "routing_key", key.String(), "error", err)
			return
		}
		w.logger.Debug("channel.ws.resubscribed", "routing_key", key.String())
	}
}

func (w *WS) detach(conn *websocket.Conn) {
	_ = conn.Close()
	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.up = make(chan struct{})
	w.mu.Unlock()
}

type frameHeader struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func (w *WS) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var head frameHeader
		if err := json.Unmarshal(raw, &head); err != nil {
			w.logger.Warn("channel.ws.bad_frame", "error", err)
			continue
		}
		if head.Type == api.ErrorFrameType {
			w.logger.Warn("channel.ws.relay_error", "code", head.Code, "detail", head.Detail)
			continue
		}
		var ev api.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			w.logger.Warn("channel.ws.bad_event", "error", err)
			continue
		}
		select {
		case w.events <- ev:
		case <-w.ctx.Done():
			return errors.New("closed")
		}
	}
}
