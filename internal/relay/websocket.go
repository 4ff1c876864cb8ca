package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"pkt.systems/editlock/api"
	"pkt.systems/editlock/internal/correlation"
	"pkt.systems/editlock/internal/svcfields"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 64 << 10
	errorFrameBuffer    = 16
)

// WSHandlerConfig tunes the websocket endpoint.
type WSHandlerConfig struct {
	Logger       pslog.Logger
	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(*http.Request) bool
}

// WSHandler upgrades requests to websockets and attaches each connection to
// the engine as one session.
type WSHandler struct {
	engine   *Engine
	cfg      WSHandlerConfig
	logger   pslog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler returns the notification endpoint handler.
func NewWSHandler(engine *Engine, cfg WSHandlerConfig) *WSHandler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &WSHandler{
		engine:   engine,
		cfg:      cfg,
		logger:   svcfields.WithSubsystem(cfg.Logger, "relay.ws"),
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := correlation.FromHeader(r.Header.Get(correlation.Header))
	conn, err := h.upgrader.Upgrade(w, r, http.Header{correlation.Header: []string{id}})
	if err != nil {
		h.logger.Debug("relay.ws.upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()
	ctx := correlation.With(r.Context(), id)
	session, err := h.engine.Attach(ctx)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(h.cfg.WriteTimeout))
		return
	}
	logger := h.logger.With("conn_id", id)
	logger.Info("relay.ws.connected", "remote", r.RemoteAddr)

	errs := make(chan api.ErrorFrame, errorFrameBuffer)
	writerDone := make(chan struct{})
	go h.writePump(conn, session, errs, writerDone, logger)
	h.readPump(ctx, conn, session, errs, logger)
	_ = session.Close()
	<-writerDone
	logger.Info("relay.ws.disconnected")
}

func (h *WSHandler) readPump(ctx context.Context, conn *websocket.Conn, session *Session, errs chan<- api.ErrorFrame, logger pslog.Logger) {
	pongWait := 2*h.cfg.PingInterval + h.cfg.WriteTimeout
	conn.SetReadLimit(h.cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var req api.Request
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("relay.ws.read_failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := h.engine.Handle(ctx, session, req); err != nil {
			f := AsFailure(err)
			select {
			case errs <- api.ErrorFrame{Type: api.ErrorFrameType, Code: f.Code, Detail: f.Detail}:
			default:
			}
		}
	}
}

func (h *WSHandler) writePump(conn *websocket.Conn, session *Session, errs <-chan api.ErrorFrame, done chan<- struct{}, logger pslog.Logger) {
	defer close(done)
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	events := session.Events()
	write := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		if err := conn.WriteJSON(v); err != nil {
			logger.Debug("relay.ws.write_failed", "error", err)
			_ = conn.Close()
			return false
		}
		return true
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// The engine closed the session: shutdown or overflow.
				// Going away makes the client reconnect and resubscribe.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
					time.Now().Add(h.cfg.WriteTimeout))
				_ = conn.Close()
				return
			}
			if !write(ev) {
				return
			}
		case frame := <-errs:
			if !write(frame) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
