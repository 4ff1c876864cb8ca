package redirect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/editlock/api"
	"pkt.systems/editlock/internal/lockstore"
)

func browseView() View {
	return View{
		RootCollectionID:    "root",
		ActiveCollectionID:  "col-3",
		CurrentCollectionID: "col-3",
		Breadcrumbs:         [][]string{{"root", "col-3", "doc-42"}},
		EditableItemIDs:     []string{"doc-7"},
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		policy *api.RedirectionPolicy
		view   func(View) View
		action Action
		coll   string
	}{
		{name: "nil policy", action: ActionNone},
		{
			name:   "unreachable target",
			policy: &api.RedirectionPolicy{TargetItemID: "doc-99", RedirectCollectionID: "col-9"},
			action: ActionNone,
		},
		{
			name:   "reachable through breadcrumbs",
			policy: &api.RedirectionPolicy{TargetItemID: "doc-42", RedirectCollectionID: "col-9"},
			action: ActionNavigate,
			coll:   "col-9",
		},
		{
			name:   "reachable through editable items",
			policy: &api.RedirectionPolicy{TargetItemID: "doc-7", RedirectCollectionID: "col-9"},
			action: ActionNavigate,
			coll:   "col-9",
		},
		{
			name:   "composer only outside composer",
			policy: &api.RedirectionPolicy{TargetItemID: "doc-42", RedirectCollectionID: "col-9", RestrictRedirectionToComposer: true},
			action: ActionNone,
		},
		{
			name:   "composer only inside composer",
			policy: &api.RedirectionPolicy{TargetItemID: "doc-42", RedirectCollectionID: "col-9", RestrictRedirectionToComposer: true},
			view:   func(v View) View { v.InComposer = true; v.CurrentCollectionID = ""; return v },
			action: ActionNavigate,
			coll:   "col-9",
		},
		{
			name:   "root placeholder",
			policy: &api.RedirectionPolicy{TargetItemID: "doc-42", RedirectCollectionID: RootCollection},
			action: ActionNavigate,
			coll:   "root",
		},
		{
			name:   "active placeholder refreshes in place",
			policy: &api.RedirectionPolicy{TargetItemID: "doc-42", RedirectCollectionID: ActiveCollection},
			action: ActionRefresh,
			coll:   "col-3",
		},
		{
			name:   "already at destination",
			policy: &api.RedirectionPolicy{TargetItemID: "doc-42", RedirectCollectionID: "col-3"},
			action: ActionRefresh,
			coll:   "col-3",
		},
		{
			name:   "no collection navigates to browse",
			policy: &api.RedirectionPolicy{TargetItemID: "doc-42"},
			action: ActionNavigateBrowse,
		},
		{
			name:   "no collection at browse root reloads",
			policy: &api.RedirectionPolicy{TargetItemID: "doc-42"},
			view:   func(v View) View { v.AtBrowseRoot = true; return v },
			action: ActionReloadBrowse,
		},
		{
			name:   "unknown root falls back to browse",
			policy: &api.RedirectionPolicy{TargetItemID: "doc-42", RedirectCollectionID: RootCollection},
			view:   func(v View) View { v.RootCollectionID = ""; return v },
			action: ActionNavigateBrowse,
		},
		{
			name:   "unknown active collection at browse root reloads",
			policy: &api.RedirectionPolicy{TargetItemID: "doc-42", RedirectCollectionID: ActiveCollection},
			view:   func(v View) View { v.ActiveCollectionID = ""; v.AtBrowseRoot = true; return v },
			action: ActionReloadBrowse,
		},
		{
			name:   "browse fallback still needs reachability",
			policy: &api.RedirectionPolicy{TargetItemID: "doc-99"},
			action: ActionNone,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			view := browseView()
			if tc.view != nil {
				view = tc.view(view)
			}
			d := Resolve(tc.policy, view)
			if d.Action != tc.action || d.CollectionID != tc.coll {
				t.Fatalf("got %s %q, want %s %q", d.Action, d.CollectionID, tc.action, tc.coll)
			}
		})
	}
}

func TestResolveCarriesReason(t *testing.T) {
	t.Parallel()

	d := Resolve(&api.RedirectionPolicy{TargetItemID: "doc-42", RedirectCollectionID: "col-9", Reason: api.ReasonLockOverridden}, browseView())
	if d.Reason != api.ReasonLockOverridden || d.TargetItemID != "doc-42" {
		t.Fatalf("unexpected decision %+v", d)
	}
}

type fakeShell struct {
	mu      sync.Mutex
	view    View
	applied []Decision
	fail    error
	notify  chan Decision
}

func newFakeShell(view View) *fakeShell {
	return &fakeShell{view: view, notify: make(chan Decision, 16)}
}

func (s *fakeShell) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

func (s *fakeShell) Apply(_ context.Context, d Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.applied = append(s.applied, d)
	s.notify <- d
	return nil
}

func (s *fakeShell) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

func TestConsumeOnceTakesRequest(t *testing.T) {
	t.Parallel()

	store := lockstore.New()
	shell := newFakeShell(browseView())
	c := NewConsumer(store, shell, nil)
	if _, ok := c.ConsumeOnce(context.Background()); ok {
		t.Fatal("nothing should be pending")
	}
	store.StageRedirection(&api.RedirectionPolicy{TargetItemID: "doc-42", RedirectCollectionID: "col-9"})
	d, ok := c.ConsumeOnce(context.Background())
	if !ok || d.Action != ActionNavigate || d.CollectionID != "col-9" {
		t.Fatalf("unexpected decision %+v ok=%v", d, ok)
	}
	if store.ForceRedirectionRequest() != nil {
		t.Fatal("request must be cleared once taken")
	}
	if _, ok := c.ConsumeOnce(context.Background()); ok {
		t.Fatal("request consumed twice")
	}
	if shell.count() != 1 {
		t.Fatalf("expected one navigation, got %d", shell.count())
	}
}

func TestConsumeOnceClearsEvenWhenSkippedOrFailed(t *testing.T) {
	t.Parallel()

	store := lockstore.New()
	shell := newFakeShell(browseView())
	c := NewConsumer(store, shell, nil)

	store.StageRedirection(&api.RedirectionPolicy{TargetItemID: "doc-99"})
	if d, ok := c.ConsumeOnce(context.Background()); !ok || d.Action != ActionNone {
		t.Fatalf("expected a skipped request, got %+v ok=%v", d, ok)
	}
	shell.fail = errors.New("router busy")
	store.StageRedirection(&api.RedirectionPolicy{TargetItemID: "doc-42"})
	if _, ok := c.ConsumeOnce(context.Background()); !ok {
		t.Fatal("expected request to be taken")
	}
	if store.ForceRedirectionRequest() != nil {
		t.Fatal("failed navigation must not leave the request pending")
	}
}

func TestRunNavigatesOncePerRequest(t *testing.T) {
	t.Parallel()

	store := lockstore.New()
	shell := newFakeShell(browseView())
	store.StageRedirection(&api.RedirectionPolicy{TargetItemID: "doc-42", RedirectCollectionID: RootCollection})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewConsumer(store, shell, nil).Run(ctx) }()

	expect := func(coll string) {
		t.Helper()
		select {
		case d := <-shell.notify:
			if d.CollectionID != coll {
				t.Fatalf("expected navigation to %q, got %+v", coll, d)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no navigation to %q", coll)
		}
	}
	expect("root")
	// Unrelated store changes must not replay the consumed request.
	store.SetLockedItems([]lockstore.ItemLock{{ItemID: "doc-1"}})
	store.StageRedirection(&api.RedirectionPolicy{TargetItemID: "doc-7", RedirectCollectionID: "col-9"})
	expect("col-9")
	store.SetLockedItems(nil)
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: %v", err)
	}
	if shell.count() != 2 {
		t.Fatalf("expected 2 navigations, got %d", shell.count())
	}
}
