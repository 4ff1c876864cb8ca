package relay_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/editlock/api"
	"pkt.systems/editlock/internal/channel"
	"pkt.systems/editlock/internal/coordinator"
	"pkt.systems/editlock/internal/lockstore"
	"pkt.systems/editlock/internal/redirect"
	"pkt.systems/editlock/internal/relay"
)

type window struct {
	conn  *channel.WS
	store *lockstore.Store
	coord *coordinator.Coordinator
}

func openWindow(ctx context.Context, t *testing.T, baseURL, windowID string, user api.User) *window {
	t.Helper()
	conn, err := channel.DialWS(channel.WSConfig{
		URL:            "ws" + strings.TrimPrefix(baseURL, "http") + relay.PathNotifications,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.WaitConnected(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	store := lockstore.New()
	coord := coordinator.New(store, conn, coordinator.WithWindowID(windowID))
	go func() { _ = coord.Run(ctx) }()
	if err := coord.SetIdentity(ctx, coordinator.Identity{AccountID: "acme", User: user}); err != nil {
		t.Fatalf("identity: %v", err)
	}
	return &window{conn: conn, store: store, coord: coord}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type recordingShell struct {
	mu      sync.Mutex
	applied []redirect.Decision
}

func (s *recordingShell) View() redirect.View {
	return redirect.View{
		InComposer:      true,
		EditableItemIDs: []string{"doc-42"},
	}
}

func (s *recordingShell) Apply(_ context.Context, d redirect.Decision) error {
	s.mu.Lock()
	s.applied = append(s.applied, d)
	s.mu.Unlock()
	return nil
}

func (s *recordingShell) decisions() []redirect.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]redirect.Decision(nil), s.applied...)
}

func fetchLocks(t *testing.T, baseURL string) []api.LockedItem {
	t.Helper()
	resp, err := http.Get(baseURL + "/v1/accounts/acme/locks")
	if err != nil {
		t.Fatalf("get locks: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get locks: status %d", resp.StatusCode)
	}
	var body api.AllLockedItems
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode locks: %v", err)
	}
	return body.Edits
}

func TestTwoWindowsOverWebsocket(t *testing.T) {
	t.Parallel()

	broker := relay.NewMemoryBroker()
	engine := relay.NewEngine(relay.NewMemoryLeaseStore(), broker)
	srv := httptest.NewServer(relay.NewRouter(engine, relay.WSHandlerConfig{}))
	defer srv.Close()
	defer broker.Close()
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	ada := api.User{ID: "u1", Login: "ada"}
	bob := api.User{ID: "u2", Login: "bob"}
	w1 := openWindow(ctx, t, srv.URL, "w1", ada)
	w2 := openWindow(ctx, t, srv.URL, "w2", bob)

	shell := &recordingShell{}
	go func() { _ = redirect.NewConsumer(w1.store, shell, nil).Run(ctx) }()

	s1 := w1.coord.Open(ctx, "doc-42")
	eventually(t, "w1 to hold doc-42", func() bool {
		lock, ok := w1.store.ItemLock("doc-42")
		return ok && lock.LockedInThisWindow
	})
	eventually(t, "w2 to see w1's lock", func() bool {
		lock, ok := w2.store.ItemLock("doc-42")
		return ok && !lock.LockedInThisWindow && lock.WindowID == "w1"
	})

	s2 := w2.coord.Open(ctx, "doc-42")
	if err := w2.coord.OverrideLock(ctx, "doc-42", "col-9"); err != nil {
		t.Fatalf("override: %v", err)
	}
	eventually(t, "w2 to hold doc-42", func() bool {
		lock, ok := w2.store.ItemLock("doc-42")
		return ok && lock.LockedInThisWindow
	})
	eventually(t, "w1 to be displaced", func() bool {
		lock, ok := w1.store.ItemLock("doc-42")
		return ok && !lock.LockedInThisWindow && lock.WindowID == "w2"
	})
	eventually(t, "w1 to be redirected", func() bool { return len(shell.decisions()) == 1 })
	d := shell.decisions()[0]
	if d.Action != redirect.ActionNavigate || d.CollectionID != "col-9" || d.Reason != api.ReasonLockOverridden {
		t.Fatalf("unexpected redirect %+v", d)
	}
	if w2.store.ForceRedirectionRequest() != nil {
		t.Fatal("the overriding window must not be redirected")
	}

	s1.Close(ctx)
	if s1.Released() {
		t.Fatal("displaced window released the lock")
	}
	locks := fetchLocks(t, srv.URL)
	if len(locks) != 1 || locks[0].WindowID != "w2" {
		t.Fatalf("expected w2 to keep doc-42, got %+v", locks)
	}

	s2.Close(ctx)
	eventually(t, "w1 to see the release", func() bool {
		_, ok := w1.store.ItemLock("doc-42")
		return !ok
	})
	if locks := fetchLocks(t, srv.URL); len(locks) != 0 {
		t.Fatalf("expected no locks, got %+v", locks)
	}
	if got := len(shell.decisions()); got != 1 {
		t.Fatalf("expected exactly one redirect, got %d", got)
	}
}

func TestRouterHealthAndErrors(t *testing.T) {
	t.Parallel()

	engine := relay.NewEngine(relay.NewMemoryLeaseStore(), relay.NewMemoryBroker())
	srv := httptest.NewServer(relay.NewRouter(engine, relay.WSHandlerConfig{}))
	defer srv.Close()
	defer engine.Close()

	resp, err := http.Get(srv.URL + relay.PathHealth)
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/v1/accounts/%20/locks")
	if err != nil {
		t.Fatalf("locks: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a blank account, got %d", resp.StatusCode)
	}
	var frame api.ErrorFrame
	if err := json.NewDecoder(resp.Body).Decode(&frame); err != nil || frame.Code != relay.CodeInvalidRoutingKey {
		t.Fatalf("unexpected error body %+v err=%v", frame, err)
	}
}
