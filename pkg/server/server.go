// Package server exposes the deckhand HTTP API: streaming assistant and
// terminal endpoints, request cancellation, device pairing, and an
// interactive PTY over WebSocket.
package server

import (
	"context"
	stdliberrors "errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/deckhand-sh/deckhand/pkg/config"
	"github.com/deckhand-sh/deckhand/pkg/devauth"
	"github.com/deckhand-sh/deckhand/pkg/ratelimit"
	"github.com/deckhand-sh/deckhand/pkg/request"
	"github.com/deckhand-sh/deckhand/pkg/storage"
)

// Server hosts the deckhand API.
type Server struct {
	cfg         *config.Config
	store       *storage.Store
	coordinator *devauth.Coordinator
	manager     *request.Manager
	limiter     *ratelimit.Limiter
	readLimiter *ratelimit.Limiter
	streamConns *connGate
	ptyConns    *connGate
	logger      *log.Logger
	projectRoot string

	httpServer *http.Server
}

// New assembles a server from its parts. projectRoot anchors the file
// listing and git status endpoints.
func New(cfg *config.Config, store *storage.Store, coordinator *devauth.Coordinator, projectRoot string) *Server {
	if projectRoot == "" {
		if wd, err := os.Getwd(); err == nil {
			projectRoot = wd
		}
	}
	return &Server{
		cfg:         cfg,
		store:       store,
		coordinator: coordinator,
		manager:     request.NewManager(request.NewRegistry()),
		limiter:     ratelimit.New(cfg.Limits.RequestsPerMinute, time.Minute),
		readLimiter: ratelimit.New(cfg.Limits.ReadRequestsPerMinute, time.Minute),
		streamConns: newConnGate(cfg.Limits.MaxConcurrentStreams),
		ptyConns:    newConnGate(4),
		logger:      log.New(os.Stdout, "[deckhand] ", log.LstdFlags),
		projectRoot: projectRoot,
	}
}

// allow counts the caller against one of the two rate-limit windows and
// answers a denial inline, retry-after hint included.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, lim *ratelimit.Limiter) bool {
	decision := lim.Allow(clientKey(r))
	if decision.OK {
		return true
	}
	respondRateLimited(w, decision)
	return false
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.validateStartupConfig(); err != nil {
		return err
	}

	s.limiter.StartSweeper(ctx, time.Minute)
	s.readLimiter.StartSweeper(ctx, time.Minute)
	if s.coordinator != nil {
		s.coordinator.StartJanitor(ctx, 5*time.Minute)
	}

	router := chi.NewRouter()
	router.Use(s.corsMiddleware)
	router.Use(s.securityHeadersMiddleware)

	// Public endpoints (pre-auth)
	router.Get("/healthz", s.handleHealthz)
	router.Get("/metrics", s.handleMetrics)
	router.Post("/api/devices/register", s.handleDeviceRegister)
	router.Post("/api/devices/verify", s.handleDeviceVerify)

	api := chi.NewRouter()
	api.Post("/assistant/stream", s.handleAssistantStream)
	api.Post("/terminal/stream", s.handleTerminalStream)
	api.Post("/requests/{requestID}/cancel", s.handleCancel)
	api.Get("/devices", s.handleDeviceList)
	api.Post("/devices/{deviceID}/authorize", s.handleDeviceAuthorize)
	api.Post("/devices/{deviceID}/revoke", s.handleDeviceRevoke)
	api.Get("/files", s.handleListFiles)
	api.Get("/git/status", s.handleGitStatus)

	router.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Mount("/", api)
	})

	router.Get("/ws/pty", s.handlePTY)

	// H2C keeps streaming responses working behind proxies that speak
	// cleartext HTTP/2 to the backend.
	h2s := &http2.Server{}
	h2cHandler := h2c.NewHandler(router, h2s)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.BindAddr,
		Handler:           h2cHandler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Printf("serving API on %s", s.cfg.Server.BindAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !stdliberrors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

// Handler builds the router without binding a listener, for tests.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(s.corsMiddleware)
	router.Use(s.securityHeadersMiddleware)
	router.Get("/healthz", s.handleHealthz)
	router.Get("/metrics", s.handleMetrics)
	router.Post("/api/devices/register", s.handleDeviceRegister)
	router.Post("/api/devices/verify", s.handleDeviceVerify)
	router.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/assistant/stream", s.handleAssistantStream)
		r.Post("/terminal/stream", s.handleTerminalStream)
		r.Post("/requests/{requestID}/cancel", s.handleCancel)
		r.Get("/devices", s.handleDeviceList)
		r.Post("/devices/{deviceID}/authorize", s.handleDeviceAuthorize)
		r.Post("/devices/{deviceID}/revoke", s.handleDeviceRevoke)
		r.Get("/files", s.handleListFiles)
		r.Get("/git/status", s.handleGitStatus)
	})
	router.Get("/ws/pty", s.handlePTY)
	return router
}

func (s *Server) validateStartupConfig() error {
	if !isLoopbackBindAddress(s.cfg.Server.BindAddr) {
		if !s.cfg.Auth.RequireToken {
			return fmt.Errorf("refusing to bind to %q without authentication (set auth.require_token=true)", s.cfg.Server.BindAddr)
		}
	}
	return nil
}

func isLoopbackBindAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	switch strings.ToLower(host) {
	case "localhost":
		return true
	case "0.0.0.0", "::":
		return false
	default:
		ip := net.ParseIP(host)
		if ip == nil {
			return false
		}
		return ip.IsLoopback()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.store != nil && s.store.DB() != nil {
		if err := s.store.DB().PingContext(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, stdliberrors.New("database unavailable"))
			return
		}
	}
	respondJSON(w, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}
