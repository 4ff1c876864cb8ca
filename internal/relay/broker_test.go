package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func runBrokerContract(t *testing.T, broker Broker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := broker.Subscribe(ctx, "editlock.account.acme")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer a.Close()
	b, err := broker.Subscribe(ctx, "editlock.account.acme")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	other, err := broker.Subscribe(ctx, "editlock.account.other")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer other.Close()

	for _, payload := range []string{"one", "two"} {
		if err := broker.Publish(ctx, "editlock.account.acme", []byte(payload)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	for _, sub := range []Subscription{a, b} {
		for _, want := range []string{"one", "two"} {
			select {
			case got := <-sub.C():
				if string(got) != want {
					t.Fatalf("expected %q, got %q", want, got)
				}
			case <-ctx.Done():
				t.Fatalf("payload %q not delivered", want)
			}
		}
	}
	select {
	case got := <-other.C():
		t.Fatalf("other topic received %q", got)
	case <-time.After(50 * time.Millisecond):
	}

	_ = b.Close()
	if err := broker.Publish(ctx, "editlock.account.acme", []byte("three")); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
	select {
	case got := <-a.C():
		if string(got) != "three" {
			t.Fatalf("expected three, got %q", got)
		}
	case <-ctx.Done():
		t.Fatal("remaining subscriber lost a payload")
	}
}

func TestMemoryBroker(t *testing.T) {
	t.Parallel()

	broker := NewMemoryBroker()
	runBrokerContract(t, broker)
	if err := broker.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := broker.Publish(context.Background(), "x", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestMemoryBrokerPublishSkipsClosedSubscriber(t *testing.T) {
	t.Parallel()

	broker := NewMemoryBroker()
	sub, _ := broker.Subscribe(context.Background(), "t")
	for i := 0; i < subscriptionBuffer; i++ {
		if err := broker.Publish(context.Background(), "t", []byte("x")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	done := make(chan error, 1)
	go func() { done <- broker.Publish(context.Background(), "t", []byte("blocked")) }()
	_ = sub.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("publish stayed blocked on a closed subscriber")
	}
}

func TestRedisBroker(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	broker, err := OpenRedisBroker(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer broker.Close()
	runBrokerContract(t, broker)
}

func TestOpenRedisBrokerRejectsBadURL(t *testing.T) {
	t.Parallel()

	if _, err := OpenRedisBroker(context.Background(), "http://nope"); err == nil {
		t.Fatal("expected url error")
	}
}
