package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pushdeploy/internal/deployment"
	"pushdeploy/internal/metrics"
	"pushdeploy/internal/service"
	"pushdeploy/internal/webhook"
)

const (
	// HTTP server timeouts. Stream handlers clear the write deadline.
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 10 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	// Request timeout for non-streaming routes
	RequestTimeout = 60 * time.Second

	// Rate limiting - requests per minute per client IP
	DefaultWebhookRateLimit = 30
	DefaultAPIRateLimit     = 300

	// DefaultHeartbeat is the keep-alive interval of log streams
	DefaultHeartbeat = 15 * time.Second
)

// Options tunes the server. Zero rate limits disable limiting.
type Options struct {
	WebhookSecret    string
	Metrics          *metrics.Metrics
	Deliveries       *webhook.Deliveries
	WebhookRateLimit int
	APIRateLimit     int
	Heartbeat        time.Duration
}

// Server exposes the webhook endpoint and the deployment API
type Server struct {
	Registry     *service.Registry
	Orchestrator *deployment.Orchestrator
	Logger       *slog.Logger
	Metrics      *metrics.Metrics

	secret     string
	deliveries *webhook.Deliveries
	opts       Options

	httpServer *http.Server
}

// NewServer creates a new server instance
func NewServer(registry *service.Registry, orch *deployment.Orchestrator, logger *slog.Logger, opts Options) *Server {
	if opts.Deliveries == nil {
		opts.Deliveries = webhook.NewDeliveries(webhook.DefaultDeliveryWindow)
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}

	s := &Server{
		Registry:     registry,
		Orchestrator: orch,
		Logger:       logger,
		Metrics:      opts.Metrics,
		secret:       opts.WebhookSecret,
		deliveries:   opts.Deliveries,
		opts:         opts,
	}
	s.httpServer = &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}
	return s
}

// Router creates and configures the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(NewRequestLogger(s.Logger, s.Metrics))

	r.Get("/health", s.HandleHealth)
	r.Handle("/metrics", s.Metrics.Handler())

	// Webhook routes with their own rate limit
	r.Group(func(r chi.Router) {
		if s.opts.WebhookRateLimit > 0 {
			r.Use(NewRateLimitMiddleware("webhook", s.opts.WebhookRateLimit, s.Logger))
		}
		r.Use(middleware.Timeout(RequestTimeout))
		r.Post("/", s.HandleWebhook)
		r.Post("/webhook", s.HandleWebhook)
	})

	r.Route("/api", func(r chi.Router) {
		if s.opts.APIRateLimit > 0 {
			r.Use(NewRateLimitMiddleware("api", s.opts.APIRateLimit, s.Logger))
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(RequestTimeout))

			r.Get("/services", s.HandleServices)
			r.Post("/services/{name}/deploy", s.HandleManualDeploy)

			r.Get("/deployments", s.HandleListDeployments)
			r.Get("/deployments/active", s.HandleActiveDeployments)
			r.Post("/deployments/clear", s.HandleClearDeployments)
			r.Get("/deployments/{id}", s.HandleGetDeployment)
			r.Post("/deployments/{id}/cancel", s.HandleCancelDeployment)
		})

		// Long-lived streams
		r.Get("/deployments/{id}/logs", s.HandleLogStream)
		r.Get("/deployments/{id}/ws", s.HandleLogSocket)
	})

	return r
}

// Serve accepts connections on ln until Shutdown
func (s *Server) Serve(ln net.Listener) error {
	s.Logger.Info("Starting server", "addr", ln.Addr().String())

	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown cancels running deployments and waits for them, then stops the
// HTTP server. Open log streams end once their deployments finish.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if err := s.Orchestrator.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	return errors.Join(errs...)
}
