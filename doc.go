// Package editlock runs the notification relay behind collaborative edit
// locks. Browser windows (or any client speaking the same JSON frames) open a
// websocket, subscribe to their account, and exchange LOCK_ITEM,
// RELEASE_ITEM and OVERRIDE_ITEM_LOCK requests. The relay keeps the
// authoritative lock table, expires locks whose heartbeat stopped, and fans
// every change out to the other windows of the same account.
//
// # Running a server
//
//	cfg := editlock.Config{
//	    Listen:     ":9342",
//	    Broker:     "redis://localhost:6379/0",
//	    LeaseStore: "postgres://editlock@localhost/editlock",
//	}
//	srv, err := editlock.NewServer(cfg, editlock.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("editlock: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// Both backends default to "mem://", which is enough for a single relay
// process. Running several relays behind a load balancer needs a shared
// broker (redis) so a lock taken on one relay reaches windows attached to
// another, and a shared lease store (postgres) so they agree on the holder.
//
// # Embedding
//
// StartServer waits until the listener is bound and returns a stop function:
//
//	srv, stop, err := editlock.StartServer(ctx, editlock.Config{Listen: "127.0.0.1:0"})
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//	url := "ws://" + srv.ListenerAddr().String() + "/v1/notifications"
//
// Handler returns the router for mounting inside an existing mux.
//
// # Client side
//
// The per-window protocol lives in internal/coordinator (lock heartbeat,
// override handling, inactivity) over internal/channel (websocket transport
// with reconnect) and internal/lockstore (the window's view of every lock).
// The editlockd binary wires them together in its edit command.
package editlock
