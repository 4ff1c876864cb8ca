package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/editlock"
	"pkt.systems/editlock/api"
)

func startRelay(t *testing.T) (*editlock.Server, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv, stop, err := editlock.StartServer(ctx, editlock.Config{Listen: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("start relay: %v", err)
	}
	t.Cleanup(func() { _ = stop(context.Background()) })
	return srv, "ws://" + srv.ListenerAddr().String()
}

type runningCommand struct {
	out    *syncBuffer
	cancel context.CancelFunc
	done   chan error
}

func startCommand(t *testing.T, args ...string) *runningCommand {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	rc := &runningCommand{out: &syncBuffer{}, cancel: cancel, done: make(chan error, 1)}
	cmd := newRootCommand(pslog.NoopLogger())
	cmd.SetOut(rc.out)
	cmd.SetErr(rc.out)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	go func() { rc.done <- cmd.ExecuteContext(ctx) }()
	t.Cleanup(cancel)
	return rc
}

func (rc *runningCommand) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-rc.done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("command did not exit; output so far:\n%s", rc.out.String())
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func holder(t *testing.T, srv *editlock.Server, itemID string) string {
	t.Helper()
	items, err := srv.Engine().Snapshot(context.Background(), "acme")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for _, item := range items {
		if item.ItemID == itemID {
			return item.WindowID
		}
	}
	return ""
}

func TestEditHoldsAndReleasesLock(t *testing.T) {
	srv, url := startRelay(t)
	rc := startCommand(t, "edit", "doc-1", "--server", url, "--account", "acme", "--user", "ada", "--window", "w1")

	waitFor(t, "w1 to lock doc-1", func() bool { return holder(t, srv, "doc-1") == "w1" })
	waitFor(t, "lock line", func() bool { return strings.Contains(rc.out.String(), "locked by ada in this window") })

	rc.cancel()
	if err := rc.wait(t); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if !strings.Contains(rc.out.String(), "doc-1: released") {
		t.Fatalf("expected release, got:\n%s", rc.out.String())
	}
	waitFor(t, "doc-1 to be free", func() bool { return holder(t, srv, "doc-1") == "" })
}

func TestEditTakeOverRedirectsPreviousHolder(t *testing.T) {
	srv, url := startRelay(t)
	first := startCommand(t, "edit", "doc-42", "-s", url, "-a", "acme", "-u", "ada", "--window", "w1")
	waitFor(t, "w1 to lock doc-42", func() bool { return holder(t, srv, "doc-42") == "w1" })

	second := startCommand(t, "edit", "doc-42", "-s", url, "-a", "acme", "-u", "bob", "--window", "w2",
		"--take-over", "--collection", "col-9")
	waitFor(t, "w2 to take doc-42", func() bool { return holder(t, srv, "doc-42") == "w2" })

	if err := first.wait(t); err != nil {
		t.Fatalf("displaced edit: %v", err)
	}
	out := first.out.String()
	if !strings.Contains(out, api.ReasonLockOverridden+", leaving editor for col-9") {
		t.Fatalf("expected redirect notice, got:\n%s", out)
	}
	if strings.Contains(out, "released") {
		t.Fatalf("displaced window must not release, got:\n%s", out)
	}
	if holder(t, srv, "doc-42") != "w2" {
		t.Fatal("w2 lost the lock when w1 left")
	}

	second.cancel()
	if err := second.wait(t); err != nil {
		t.Fatalf("edit: %v", err)
	}
	waitFor(t, "doc-42 to be free", func() bool { return holder(t, srv, "doc-42") == "" })
}

func TestLocksListsCurrentHolders(t *testing.T) {
	srv, url := startRelay(t)
	out, err := executeRootCommand(t, context.Background(), "locks", "-s", url, "-a", "acme")
	if err != nil || !strings.Contains(out, "no items locked") {
		t.Fatalf("expected empty table, got %q err=%v", out, err)
	}

	rc := startCommand(t, "edit", "doc-7", "-s", url, "-a", "acme", "-u", "ada", "--window", "w1")
	waitFor(t, "w1 to lock doc-7", func() bool { return holder(t, srv, "doc-7") == "w1" })

	out, err = executeRootCommand(t, context.Background(), "locks", "-s", url, "-a", "acme")
	if err != nil {
		t.Fatalf("locks: %v", err)
	}
	if !strings.Contains(out, "ITEM") || !strings.Contains(out, "doc-7") || !strings.Contains(out, "ada") {
		t.Fatalf("unexpected table:\n%s", out)
	}

	watch := startCommand(t, "locks", "--watch", "-s", url, "-a", "acme")
	waitFor(t, "watch to print doc-7", func() bool { return strings.Contains(watch.out.String(), "doc-7") })
	rc.cancel()
	_ = rc.wait(t)
	waitFor(t, "watch to print the release", func() bool {
		out := watch.out.String()
		return strings.Contains(out[strings.LastIndex(out, "doc-7"):], "no items locked")
	})
	watch.cancel()
	if err := watch.wait(t); err != nil {
		t.Fatalf("watch: %v", err)
	}

	if _, err := executeRootCommand(t, context.Background(), "locks", "-s", url); err == nil {
		t.Fatal("expected --account to be required")
	}
}
