// Package httpserver exposes jobcast over HTTP: health and metrics, the
// admin API for queues and the archive, and the WebSocket and SSE
// transports of the subscription gateway.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"jobcast/internal/broker"
	"jobcast/internal/gateway"
	"jobcast/internal/jobs"
	"jobcast/internal/storage"
	"jobcast/pkg/logx"
)

type Config struct {
	Addr string
	// Production gates /admin and /debug/pprof behind AdminToken.
	Production  bool
	AdminToken  string
	Pprof       bool
	ReadTimeout time.Duration
	IdleTimeout time.Duration
	// InitTimeout bounds the wait for a WebSocket connection_init.
	InitTimeout time.Duration
	// KeepAlive is the SSE comment interval.
	KeepAlive time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = 10 * time.Second
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 25 * time.Second
	}
	return c
}

// HealthChecker is satisfied by *broker.Conns.
type HealthChecker interface {
	Ping(ctx context.Context) map[broker.Role]error
}

// Cleaner runs one retention pass; the monitor implements it so manual and
// scheduled passes are serialized.
type Cleaner interface {
	RunCleanup(ctx context.Context) (map[string]jobs.CleanupResult, error)
}

type Deps struct {
	Registry *jobs.Registry
	Health   HealthChecker
	Gateway  *gateway.Gateway
	Metrics  http.Handler
	Archive  storage.Store // optional
	Cleaner  Cleaner       // optional; Registry.Cleanup otherwise
	Log      logx.Logger
}

type Server struct {
	cfg      Config
	deps     Deps
	log      logx.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader

	mu   sync.Mutex
	srv  *http.Server
	addr string
	wg   sync.WaitGroup
}

func New(cfg Config, d Deps) *Server {
	cfg = cfg.withDefaults()
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		cfg:  cfg,
		deps: d,
		log:  log.With(logx.String("comp", "http")),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{wsSubprotocol},
			// Browsers on other origins are expected; auth is by token.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if s.deps.Cleaner == nil && d.Registry != nil {
		s.deps.Cleaner = registryCleaner{d.Registry}
	}
	s.engine = s.routes()
	return s
}

type registryCleaner struct{ r *jobs.Registry }

func (c registryCleaner) RunCleanup(ctx context.Context) (map[string]jobs.CleanupResult, error) {
	return c.r.Cleanup(ctx)
}

// Handler returns the router; tests serve it with httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Start binds the listener synchronously so address errors surface here,
// then serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.srv = srv
	s.addr = ln.Addr().String()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", logx.String("addr", s.addr), logx.Err(err))
		}
	}()
	s.log.Info("http listening", logx.String("addr", s.addr), logx.Bool("production", s.cfg.Production))
	return nil
}

// Stop shuts the listener down. Streaming transports are hijacked or
// long-lived, so the gateway must be closed first to end them.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		_ = srv.Close()
	} else {
		err = nil
	}
	s.wg.Wait()
	s.log.Info("http stopped")
	return err
}

// Addr reports the bound address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
