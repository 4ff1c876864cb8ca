package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/editlock/api"
	"pkt.systems/editlock/internal/channel"
	"pkt.systems/editlock/internal/coordinator"
	"pkt.systems/editlock/internal/lockstore"
	"pkt.systems/editlock/internal/redirect"
	"pkt.systems/editlock/internal/relay"
)

const defaultServer = "ws://127.0.0.1:9342"

type windowFlags struct {
	server  string
	account string
	user    string
	userID  string
	window  string
}

func (f *windowFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.server, "server", "s", defaultServer, "relay base URL (ws, wss, http or https)")
	flags.StringVarP(&f.account, "account", "a", "", "account whose locks to follow")
	flags.StringVarP(&f.user, "user", "u", "", "login shown to other windows")
	flags.StringVar(&f.userID, "user-id", "", "user id (defaults to --user)")
	flags.StringVar(&f.window, "window", "", "window id (random when empty)")
	_ = cmd.MarkFlagRequired("account")
}

func (f *windowFlags) identity() coordinator.Identity {
	id := f.userID
	if id == "" {
		id = f.user
	}
	return coordinator.Identity{
		AccountID: f.account,
		User:      api.User{ID: id, Login: f.user, DisplayName: f.user},
	}
}

// relayURLs derives the websocket and REST base URLs from one server flag.
func relayURLs(server string) (wsURL, httpURL string, err error) {
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return "", "", fmt.Errorf("parse --server: %w", err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("--server %q has no host", server)
	}
	ws, web := *u, *u
	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
		ws.Scheme, web.Scheme = "ws", "http"
	case "wss", "https":
		ws.Scheme, web.Scheme = "wss", "https"
	default:
		return "", "", fmt.Errorf("--server scheme %q not supported", u.Scheme)
	}
	ws.Path += relay.PathNotifications
	return ws.String(), web.String(), nil
}

// dialWindow connects one window to the relay and signs it in.
func dialWindow(ctx context.Context, f *windowFlags, logger pslog.Logger, opts ...coordinator.Option) (*coordinator.Coordinator, *channel.WS, error) {
	wsURL, _, err := relayURLs(f.server)
	if err != nil {
		return nil, nil, err
	}
	conn, err := channel.DialWS(channel.WSConfig{URL: wsURL, Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.WaitConnected(waitCtx); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("connect %s: %w", wsURL, err)
	}
	if f.window != "" {
		opts = append(opts, coordinator.WithWindowID(f.window))
	}
	opts = append(opts, coordinator.WithLogger(logger))
	coord := coordinator.New(lockstore.New(), conn, opts...)
	go func() { _ = coord.Run(ctx) }()
	if err := coord.SetIdentity(ctx, f.identity()); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return coord, conn, nil
}

func describeLock(lock lockstore.ItemLock, ok bool, now time.Time) string {
	if !ok {
		return "free"
	}
	who := lock.Owner.Login
	if who == "" {
		who = lock.Owner.ID
	}
	where := "window " + lock.WindowID
	if lock.LockedInThisWindow {
		where = "this window"
	}
	return fmt.Sprintf("locked by %s in %s since %s", who, where, humanize.RelTime(lock.LockedAt, now, "ago", "from now"))
}

// terminalShell stands in for the editor UI: the terminal shows the composer
// for one item and leaves it when redirected.
type terminalShell struct {
	out    io.Writer
	mu     *sync.Mutex
	itemID string
	leave  context.CancelFunc
}

func (s terminalShell) View() redirect.View {
	return redirect.View{InComposer: true, EditableItemIDs: []string{s.itemID}}
}

func (s terminalShell) Apply(_ context.Context, d redirect.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := d.CollectionID
	if target == "" {
		target = "browse"
	}
	if d.Reason != "" {
		fmt.Fprintf(s.out, "%s: %s, leaving editor for %s\n", s.itemID, d.Reason, target)
	} else {
		fmt.Fprintf(s.out, "%s: leaving editor for %s\n", s.itemID, target)
	}
	s.leave()
	return nil
}

func newEditCommand(logger pslog.Logger) *cobra.Command {
	var (
		f          windowFlags
		takeOver   bool
		collection string
		heartbeat  time.Duration
		idle       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "edit ITEM",
		Short: "Open ITEM as one editor window and hold its lock until interrupted",
		Long: `Open ITEM as one editor window. The lock is renewed while the command
runs and released on interrupt. Each line on stdin counts as activity; after
--idle without input the heartbeat pauses until the next line.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			itemID := args[0]
			ctx, leave := context.WithCancel(cmd.Context())
			defer leave()
			coord, conn, err := dialWindow(ctx, &f, logger,
				coordinator.WithHeartbeatInterval(heartbeat),
				coordinator.WithIdleTimeout(idle),
			)
			if err != nil {
				return err
			}
			defer conn.Close()

			out := cmd.OutOrStdout()
			var outMu sync.Mutex
			printf := func(format string, a ...any) {
				outMu.Lock()
				fmt.Fprintf(out, format, a...)
				outMu.Unlock()
			}
			store := coord.Store()
			shell := terminalShell{out: out, mu: &outMu, itemID: itemID, leave: leave}
			go func() { _ = redirect.NewConsumer(store, shell, logger).Run(ctx) }()

			session := coord.Open(ctx, itemID)
			if takeOver {
				if err := coord.OverrideLock(ctx, itemID, collection); err != nil {
					return err
				}
			}
			go func() {
				last := ""
				store.WatchItemLocks(ctx, func(map[string]lockstore.ItemLock) {
					lock, ok := store.ItemLock(itemID)
					line := describeLock(lock, ok, time.Now())
					// Age changes every second; compare holders only.
					key := fmt.Sprintf("%v/%s/%s/%v", ok, lock.WindowID, lock.Owner.ID, lock.LockedInThisWindow)
					if key == last {
						return
					}
					last = key
					printf("%s: %s\n", itemID, line)
				})
			}()

			activity := make(chan struct{}, 1)
			go func() {
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					select {
					case activity <- struct{}{}:
					default:
					}
				}
			}()
			finish := func() error {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				session.Close(closeCtx)
				if session.Released() {
					printf("%s: released\n", itemID)
				}
				return nil
			}
			for {
				if ctx.Err() != nil {
					return finish()
				}
				select {
				case <-ctx.Done():
					return finish()
				case <-session.Inactive():
					printf("%s: idle, heartbeat paused (press enter to resume)\n", itemID)
					select {
					case <-activity:
						session.Resume()
						printf("%s: resumed\n", itemID)
					case <-ctx.Done():
					}
				case <-activity:
					session.Touch()
				}
			}
		},
	}
	f.register(cmd)
	flags := cmd.Flags()
	flags.BoolVar(&takeOver, "take-over", false, "override the current holder's lock")
	flags.StringVar(&collection, "collection", "", "collection the displaced window is sent to (\"/\" root, \"..\" active)")
	flags.DurationVar(&heartbeat, "heartbeat", coordinator.DefaultHeartbeatInterval, "lock renewal interval")
	flags.DurationVar(&idle, "idle", coordinator.DefaultIdleTimeout, "inactivity before the heartbeat pauses")
	return cmd
}
