// Package httpapi serves the chat widget API over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"chatrelay/internal/storage"
	"chatrelay/internal/surface"
	logx "chatrelay/pkg/logx"
)

type Config struct {
	Enabled        bool
	Addr           string   // default ":8714"
	AllowedOrigins []string // empty means same-origin only (no CORS headers)
	RatePerMinute  int      // per client IP; 0 disables limiting
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = ":8714"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	return c
}

// Status is the shape served on /api/status. The app supplies a provider so
// the surface stays decoupled from delivery internals.
type Status struct {
	Session   string   `json:"session"`
	Endpoints []string `json:"endpoints"`
	Storage   bool     `json:"storage"`
	Outbox    bool     `json:"outbox"`
}

// Server is the HTTP surface.
type Server struct {
	cfg    Config
	store  storage.Store // may be nil; history then answers 503
	status func() Status // may be nil; status then answers 404
	log    logx.Logger

	mu  sync.Mutex
	srv *http.Server
	ev  surface.Events
}

func New(cfg Config, store storage.Store, status func() Status, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg.withDefaults(), store: store, status: status, log: log}
}

func (s *Server) Name() string { return "http" }

func (s *Server) Start(ctx context.Context, ev surface.Events) error {
	if ev.SendRequested == nil {
		return errors.New("httpapi: SendRequested capability required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.srv != nil {
		s.mu.Unlock()
		return nil
	}
	s.ev = ev
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		// Request contexts descend from the app context so in-flight sends
		// abort on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.srv = srv
	s.mu.Unlock()

	// Listen synchronously so a bad addr fails Start instead of a goroutine.
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		s.mu.Lock()
		s.srv = nil
		s.mu.Unlock()
		return fmt.Errorf("httpapi listen: %w", err)
	}

	go func() {
		s.log.Info("http surface listening", logx.String("addr", srv.Addr))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http surface failed", logx.Err(err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	s.log.Debug("http surface stopped")
	return err
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Heartbeat("/healthz"))
	r.Use(corsHandler(s.cfg.AllowedOrigins))
	if s.cfg.RatePerMinute > 0 {
		r.Use(rateLimit(newIPLimiter(s.cfg.RatePerMinute)))
	}

	r.Route("/api", func(api chi.Router) {
		api.Post("/chat", s.handleChat)
		api.Get("/history/{conversationID}", s.handleHistory)
		if s.status != nil {
			api.Get("/status", s.handleStatus)
		}
	})
	return r
}
