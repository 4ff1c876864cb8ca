package relay

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"pkt.systems/editlock/api"
)

var leaseEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func leaseFor(account, item, window string, at time.Time) Lease {
	return Lease{
		AccountID: account,
		ItemID:    item,
		User:      api.User{ID: "u-" + window, Login: window},
		WindowID:  window,
		LockedAt:  at,
		ExpiresAt: at.Add(time.Minute),
	}
}

func runLeaseStoreContract(t *testing.T, open func(t *testing.T) LeaseStore) {
	ctx := context.Background()

	t.Run("grant renew deny", func(t *testing.T) {
		store := open(t)
		first, granted, err := store.Acquire(ctx, leaseFor("acme", "doc-1", "w1", leaseEpoch))
		if err != nil || !granted {
			t.Fatalf("expected grant, got granted=%v err=%v", granted, err)
		}
		renewed, granted, err := store.Acquire(ctx, leaseFor("acme", "doc-1", "w1", leaseEpoch.Add(30*time.Second)))
		if err != nil || !granted {
			t.Fatalf("expected renewal, got granted=%v err=%v", granted, err)
		}
		if !renewed.LockedAt.Equal(first.LockedAt) {
			t.Fatalf("renewal must keep LockedAt, got %v want %v", renewed.LockedAt, first.LockedAt)
		}
		if !renewed.ExpiresAt.Equal(leaseEpoch.Add(90 * time.Second)) {
			t.Fatalf("renewal must extend expiry, got %v", renewed.ExpiresAt)
		}
		holder, granted, err := store.Acquire(ctx, leaseFor("acme", "doc-1", "w2", leaseEpoch.Add(40*time.Second)))
		if err != nil || granted {
			t.Fatalf("expected denial, got granted=%v err=%v", granted, err)
		}
		if holder.WindowID != "w1" {
			t.Fatalf("expected holder w1, got %q", holder.WindowID)
		}
		other, granted, err := store.Acquire(ctx, leaseFor("other", "doc-1", "w2", leaseEpoch))
		if err != nil || !granted || other.AccountID != "other" {
			t.Fatalf("accounts must not share items, got granted=%v err=%v", granted, err)
		}
	})

	t.Run("expired holder is replaced", func(t *testing.T) {
		store := open(t)
		if _, _, err := store.Acquire(ctx, leaseFor("acme", "doc-2", "w1", leaseEpoch)); err != nil {
			t.Fatalf("acquire: %v", err)
		}
		got, granted, err := store.Acquire(ctx, leaseFor("acme", "doc-2", "w2", leaseEpoch.Add(2*time.Minute)))
		if err != nil || !granted || got.WindowID != "w2" {
			t.Fatalf("expected takeover of expired lease, got %+v granted=%v err=%v", got, granted, err)
		}
		if !got.LockedAt.Equal(leaseEpoch.Add(2 * time.Minute)) {
			t.Fatalf("new holder gets a fresh LockedAt, got %v", got.LockedAt)
		}
	})

	t.Run("override", func(t *testing.T) {
		store := open(t)
		if _, hadPrev, err := store.Override(ctx, leaseFor("acme", "doc-3", "w1", leaseEpoch)); err != nil || hadPrev {
			t.Fatalf("override of a free item: hadPrev=%v err=%v", hadPrev, err)
		}
		prev, hadPrev, err := store.Override(ctx, leaseFor("acme", "doc-3", "w2", leaseEpoch.Add(time.Second)))
		if err != nil || !hadPrev || prev.WindowID != "w1" {
			t.Fatalf("expected previous holder w1, got %+v hadPrev=%v err=%v", prev, hadPrev, err)
		}
		leases, err := store.List(ctx, "acme", leaseEpoch.Add(2*time.Second))
		if err != nil || len(leases) != 1 || leases[0].WindowID != "w2" {
			t.Fatalf("expected w2 to hold doc-3, got %+v err=%v", leases, err)
		}
	})

	t.Run("release only by holder", func(t *testing.T) {
		store := open(t)
		if _, _, err := store.Acquire(ctx, leaseFor("acme", "doc-4", "w1", leaseEpoch)); err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if _, released, err := store.Release(ctx, "acme", "doc-4", "w2"); err != nil || released {
			t.Fatalf("non-holder release: released=%v err=%v", released, err)
		}
		if _, released, err := store.Release(ctx, "acme", "doc-4", "w1"); err != nil || !released {
			t.Fatalf("holder release: released=%v err=%v", released, err)
		}
		if _, released, err := store.Release(ctx, "acme", "doc-4", "w1"); err != nil || released {
			t.Fatalf("second release: released=%v err=%v", released, err)
		}
	})

	t.Run("list and expire", func(t *testing.T) {
		store := open(t)
		for i, window := range []string{"w1", "w2", "w3"} {
			at := leaseEpoch.Add(time.Duration(i) * 30 * time.Second)
			if _, _, err := store.Acquire(ctx, leaseFor("acme", fmt.Sprintf("doc-%d", 9-i), window, at)); err != nil {
				t.Fatalf("acquire: %v", err)
			}
		}
		now := leaseEpoch.Add(70 * time.Second)
		leases, err := store.List(ctx, "acme", now)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(leases) != 2 || leases[0].ItemID != "doc-7" || leases[1].ItemID != "doc-8" {
			t.Fatalf("expected live doc-7 and doc-8 in order, got %+v", leases)
		}
		expired, err := store.Expire(ctx, now)
		if err != nil || len(expired) != 1 || expired[0].ItemID != "doc-9" {
			t.Fatalf("expected doc-9 expired, got %+v err=%v", expired, err)
		}
		if again, err := store.Expire(ctx, now); err != nil || len(again) != 0 {
			t.Fatalf("expire must delete, got %+v err=%v", again, err)
		}
	})
}

func TestMemoryLeaseStore(t *testing.T) {
	t.Parallel()
	runLeaseStoreContract(t, func(*testing.T) LeaseStore { return NewMemoryLeaseStore() })
}

func TestPostgresLeaseStore(t *testing.T) {
	dsn := os.Getenv("EDITLOCK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("EDITLOCK_TEST_POSTGRES_DSN not set")
	}
	runLeaseStoreContract(t, func(t *testing.T) LeaseStore {
		ctx := context.Background()
		store, err := OpenPostgresLeaseStore(ctx, dsn)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if _, err := store.pool.Exec(ctx, `TRUNCATE editlock_leases`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}
