package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"hookdeploy/internal/deployment"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// HTTP server timeouts
	HTTPReadTimeout  = 30 * time.Second
	HTTPWriteTimeout = 30 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	// Request timeout for middleware. Deploys run after the response, so
	// this only bounds reading the body and serving logs.
	RequestTimeout = 30 * time.Second
)

// Deployer runs the deploy for a verified push payload.
type Deployer interface {
	Deploy(ctx context.Context, body []byte) deployment.Outcome
}

// Server represents the HTTP server
type Server struct {
	Deployer Deployer
	Secret   string
	Logger   *slog.Logger

	// LogDir enables GET /{repo}/{sha}.txt when set.
	LogDir string

	// WebhookRateLimit is the per-IP request budget per minute; 0 disables it.
	WebhookRateLimit int

	mu         sync.Mutex
	httpServer *http.Server
	deployWg   sync.WaitGroup // Tracks in-flight async deployments
}

// NewServer creates a new server instance
func NewServer(deployer Deployer, secret string, logger *slog.Logger) *Server {
	return &Server{
		Deployer: deployer,
		Secret:   secret,
		Logger:   logger,
	}
}

// Router creates and configures the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))
	r.Use(NewLoggingMiddleware(s.Logger))

	// Anything that is not a webhook POST or a log GET is refused the same way.
	r.NotFound(s.HandleMethodNotAllowed)
	r.MethodNotAllowed(s.HandleMethodNotAllowed)

	r.Group(func(r chi.Router) {
		if s.WebhookRateLimit > 0 {
			r.Use(NewWebhookRateLimitMiddleware(s.WebhookRateLimit, s.Logger))
		}
		r.Post("/", s.HandleWebhook)
		r.Post("/*", s.HandleWebhook)
	})

	r.Get("/{repoName}/{file}", s.HandleLog)

	return r
}

// Start starts the HTTP server and blocks until it stops. A clean
// Shutdown returns nil.
func (s *Server) Start(addr string) error {
	s.Logger.Info("Starting server", "addr", addr)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// WaitForDeployments waits for all in-flight async deployments to complete.
func (s *Server) WaitForDeployments() {
	s.deployWg.Wait()
}

// Shutdown stops accepting requests, then waits for in-flight deployments.
// Deploys are never cancelled; ctx only bounds draining HTTP connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()

	var err error
	if httpServer != nil {
		err = httpServer.Shutdown(ctx)
	}

	s.Logger.Info("Waiting for in-flight deployments")
	s.deployWg.Wait()
	return err
}
