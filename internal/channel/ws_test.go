package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/editlock/api"
)

// fakeRelay answers SUBSCRIBE with an empty snapshot and records requests.
// The first connection is dropped after its first subscription.
type fakeRelay struct {
	mu        sync.Mutex
	conns     int
	requests  []api.Request
	subscribe chan api.Request
}

func (f *fakeRelay) handler(t *testing.T) http.Handler {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		f.mu.Lock()
		f.conns++
		connNo := f.conns
		f.mu.Unlock()
		for {
			var req api.Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			f.mu.Lock()
			f.requests = append(f.requests, req)
			f.mu.Unlock()
			if req.Type != api.RequestSubscribe {
				continue
			}
			f.subscribe <- req
			ev, _ := api.NewEvent(api.EventAllLockedItems, req.RoutingKey, api.AllLockedItems{})
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			_ = conn.WriteJSON(api.ErrorFrame{Type: api.ErrorFrameType, Code: "noise"})
			if connNo == 1 {
				return
			}
		}
	})
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestWSResubscribesAfterReconnect(t *testing.T) {
	t.Parallel()

	relay := &fakeRelay{subscribe: make(chan api.Request, 8)}
	srv := httptest.NewServer(relay.handler(t))
	defer srv.Close()

	conn, err := DialWS(WSConfig{URL: wsURL(srv.URL), BackoffInitial: 10 * time.Millisecond, BackoffMax: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}
	key := api.AccountKey("acme")
	if err := conn.Subscribe(ctx, key); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case req := <-relay.subscribe:
			if req.RoutingKey != key {
				t.Fatalf("unexpected routing key %+v", req.RoutingKey)
			}
		case <-ctx.Done():
			t.Fatalf("subscription %d not seen", i+1)
		}
		select {
		case ev := <-conn.Events():
			if ev.Type != api.EventAllLockedItems {
				t.Fatalf("expected snapshot, got %s", ev.Type)
			}
		case <-ctx.Done():
			t.Fatalf("snapshot %d not delivered", i+1)
		}
	}
	relay.mu.Lock()
	conns := relay.conns
	relay.mu.Unlock()
	if conns < 2 {
		t.Fatalf("expected a reconnect, saw %d connections", conns)
	}
}

func TestWSDispatchWhileDisconnected(t *testing.T) {
	t.Parallel()

	conn, err := DialWS(WSConfig{URL: "ws://127.0.0.1:1/v1/notifications", BackoffInitial: time.Hour})
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	req, _ := api.NewRequest(api.RequestLockItem, api.AccountKey("acme"), api.LockItemRequest{ItemID: "doc-1"})
	if err := conn.Dispatch(context.Background(), req); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
	if err := conn.Subscribe(context.Background(), api.AccountKey("acme")); err != nil {
		t.Fatalf("Subscribe while disconnected should be deferred, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-conn.Events(); ok {
		t.Fatal("expected closed event stream")
	}
	if err := conn.Dispatch(context.Background(), req); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRecorder(t *testing.T) {
	t.Parallel()

	r := NewRecorder(1)
	req, _ := api.NewRequest(api.RequestLockItem, api.AccountKey("acme"), api.LockItemRequest{ItemID: "doc-1"})
	if err := r.Dispatch(context.Background(), req); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	r.FailWith(ErrDisconnected)
	if err := r.Dispatch(context.Background(), req); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if got := len(r.RequestsOf(api.RequestLockItem)); got != 1 {
		t.Fatalf("expected 1 recorded lock request, got %d", got)
	}
	_ = r.Close()
	if err := r.Dispatch(context.Background(), req); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
