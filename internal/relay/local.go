package relay

import (
	"context"
	"errors"

	"pkt.systems/editlock/api"
	"pkt.systems/editlock/internal/channel"
)

// LocalConn is a channel.Conn attached straight to an Engine, for
// single-process setups and tests.
type LocalConn struct {
	engine  *Engine
	session *Session
}

var _ channel.Conn = (*LocalConn)(nil)

// Dial attaches a new in-process session.
func (e *Engine) Dial(ctx context.Context) (*LocalConn, error) {
	s, err := e.Attach(ctx)
	if err != nil {
		return nil, err
	}
	return &LocalConn{engine: e, session: s}, nil
}

// Session returns the underlying session.
func (c *LocalConn) Session() *Session {
	return c.session
}

func (c *LocalConn) Dispatch(ctx context.Context, req api.Request) error {
	err := c.engine.Handle(ctx, c.session, req)
	if errors.Is(err, ErrClosed) {
		return channel.ErrClosed
	}
	return err
}

func (c *LocalConn) Subscribe(ctx context.Context, key api.RoutingKey) error {
	req, err := api.NewRequest(api.RequestSubscribe, key, nil)
	if err != nil {
		return err
	}
	return c.Dispatch(ctx, req)
}

func (c *LocalConn) Events() <-chan api.Event {
	return c.session.Events()
}

func (c *LocalConn) Close() error {
	return c.session.Close()
}
