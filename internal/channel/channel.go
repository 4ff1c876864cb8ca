// Package channel defines the notification channel the lock coordinator
// talks through, together with its client transports.
package channel

import (
	"context"
	"errors"

	"pkt.systems/editlock/api"
)

// ErrDisconnected is returned by Dispatch while the transport has no live
// connection. Callers treat it as a soft failure; state is reconciled from
// the snapshot sent after the next subscribe.
var ErrDisconnected = errors.New("channel: disconnected")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("channel: closed")

// Conn is one window's connection to the notification relay. Events for a
// connection are delivered in the order the relay sent them.
type Conn interface {
	// Dispatch sends a request without waiting for any acknowledgement.
	Dispatch(ctx context.Context, req api.Request) error
	// Subscribe starts delivery for key. Transports that reconnect repeat
	// the subscription on every new connection.
	Subscribe(ctx context.Context, key api.RoutingKey) error
	// Events yields inbound events. It is closed when the Conn is closed.
	Events() <-chan api.Event
	Close() error
}
