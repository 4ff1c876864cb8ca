package editlock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/editlock/internal/clock"
	"pkt.systems/editlock/internal/relay"
	"pkt.systems/editlock/internal/svcfields"
)

// Server wraps the relay engine, its HTTP surface and the backing stores.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	engine       *relay.Engine
	broker       relay.Broker
	leases       relay.LeaseStore
	closers      []func() error
	httpSrv      *http.Server
	listener     net.Listener
	telemetry    *telemetryBundle
	lastServeErr error

	mu          sync.Mutex
	shutdown    bool
	sweepCancel context.CancelFunc
	sweepDone   sync.WaitGroup
	readyOnce   sync.Once
	readyCh     chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Clock        clock.Clock
	LeaseStore   relay.LeaseStore
	Broker       relay.Broker
	OTLPEndpoint string
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithLeaseStore injects a lock table in place of Config.LeaseStore. The
// caller keeps ownership.
func WithLeaseStore(s relay.LeaseStore) Option {
	return func(o *options) {
		o.LeaseStore = s
	}
}

// WithBroker injects a fan-out broker in place of Config.Broker. The caller
// keeps ownership.
func WithBroker(b relay.Broker) Option {
	return func(o *options) {
		o.Broker = b
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// NewServer constructs a relay server according to cfg.
// Example:
//
//	cfg := editlock.Config{
//	    Listen:     ":9342",
//	    Broker:     "redis://localhost:6379/0",
//	    LeaseStore: "postgres://editlock@localhost/editlock",
//	}
//	srv, err := editlock.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (_ *Server, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.validate(o.LeaseStore != nil); err != nil {
		return nil, err
	}
	if o.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = o.OTLPEndpoint
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}

	s := &Server{
		cfg:     cfg,
		logger:  svcfields.WithSubsystem(logger, "server"),
		broker:  o.Broker,
		leases:  o.LeaseStore,
		readyCh: make(chan struct{}),
	}
	defer func() {
		if err != nil {
			_ = s.closeBackends()
			if s.telemetry != nil {
				_ = s.telemetry.Shutdown(context.Background())
			}
		}
	}()

	ctx := context.Background()
	s.telemetry, err = setupTelemetry(ctx, telemetryConfig{
		otlpEndpoint:     cfg.OTLPEndpoint,
		metricsListen:    cfg.MetricsListen,
		pprofListen:      cfg.PprofListen,
		runtimeProducers: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	if s.leases == nil {
		if s.leases, err = openLeaseStore(ctx, cfg); err != nil {
			return nil, fmt.Errorf("open lease store: %w", err)
		}
		s.closers = append(s.closers, s.leases.Close)
		s.logger.Info("server.lease_store.opened", "url", redactURL(cfg.LeaseStore))
	}
	if s.broker == nil {
		if s.broker, err = openBroker(ctx, cfg); err != nil {
			return nil, fmt.Errorf("open broker: %w", err)
		}
		s.closers = append(s.closers, s.broker.Close)
		s.logger.Info("server.broker.opened", "url", redactURL(cfg.Broker))
	}

	s.engine = relay.NewEngine(s.leases, s.broker,
		relay.WithClock(serverClock),
		relay.WithLogger(logger),
		relay.WithLeaseTTL(cfg.LeaseTTL),
	)
	s.httpSrv = &http.Server{
		Handler: relay.NewRouter(s.engine, relay.WSHandlerConfig{
			Logger:       logger,
			PingInterval: cfg.PingInterval,
			WriteTimeout: cfg.WriteTimeout,
			CheckOrigin:  originChecker(cfg.AllowedOrigins),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Websocket connections are hijacked and invisible to http.Server.Shutdown.
	s.httpSrv.RegisterOnShutdown(func() { _ = s.engine.Close() })
	return s, nil
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

// Handler returns the relay HTTP handler so it can be mounted inside an
// existing mux.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Engine exposes the relay engine, mainly for in-process clients.
func (s *Server) Engine() *relay.Engine {
	return s.engine
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (tcp %s): %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("listening", "address", ln.Addr().String(), "lease_ttl", s.cfg.LeaseTTL)
	s.startSweeper()
	defer s.stopSweeper()
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. The returned error will be nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.stopSweeper()
	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	// Covers servers that never reached Start.
	_ = s.engine.Close()
	if err := s.closeBackends(); err != nil {
		errs = append(errs, err)
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) closeBackends() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) startSweeper() {
	if s.cfg.SweepInterval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sweepCancel != nil || s.shutdown {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel
	s.sweepDone.Add(1)
	go func() {
		defer s.sweepDone.Done()
		s.engine.RunSweeper(ctx, s.cfg.SweepInterval)
	}()
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	cancel := s.sweepCancel
	s.sweepCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.sweepDone.Wait()
	}
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying HTTP
// server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a relay server in a background goroutine and waits until
// it is ready to accept connections. It returns the running server alongside
// a stop function that gracefully shuts it down.
// Example:
//
//	srv, stop, err := editlock.StartServer(ctx, editlock.Config{Listen: "127.0.0.1:0"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = errors.New("server stopped before becoming ready")
		}
		return nil, nil, err
	case <-waitCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
			}
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
