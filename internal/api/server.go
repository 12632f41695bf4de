// Package api exposes the operational HTTP surface: order and invoice
// queries and actions, dead letter replay, health and metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"example.com/backstage/fulfillment/config"
	"example.com/backstage/fulfillment/internal/audit"
	"example.com/backstage/fulfillment/internal/billing"
	"example.com/backstage/fulfillment/internal/metrics"
	"example.com/backstage/fulfillment/internal/outbound"
	"example.com/backstage/fulfillment/internal/repositories"
	"example.com/backstage/fulfillment/internal/saga"
	"example.com/backstage/fulfillment/internal/tracing"
)

// AuditSearcher looks up the audit trail of an aggregate
type AuditSearcher interface {
	Search(ctx context.Context, aggregate, aggregateID string, limit int) ([]audit.Entry, error)
}

// Dependencies are the services the handlers call
type Dependencies struct {
	Store    repositories.Store
	Orders   *saga.Service
	Invoices *billing.Manager
	Replayer *outbound.Replayer
	Audit    AuditSearcher
	Metrics  *metrics.Metrics
	Tracer   tracing.Tracer
}

// Server represents the HTTP server
type Server struct {
	config     config.ServerConfig
	router     *gin.Engine
	httpServer *http.Server
	log        zerolog.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg config.ServerConfig, deps Dependencies, log zerolog.Logger) *Server {
	if deps.Tracer == nil {
		deps.Tracer = tracing.Disabled()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(Logger(log))
	if app := deps.Tracer.Application(); app != nil {
		router.Use(NewRelic(app))
	}

	NewOpsHandler(deps.Metrics, deps.Tracer, cfg.MetricsEnabled).RegisterRoutes(router)
	NewOrderHandler(deps.Orders, deps.Audit, deps.Tracer).RegisterRoutes(router)
	NewInvoiceHandler(deps.Invoices, deps.Audit, deps.Tracer).RegisterRoutes(router)
	NewDeadLetterHandler(deps.Store, deps.Replayer, deps.Tracer).RegisterRoutes(router)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Server{
		config: cfg,
		router: router,
		log:    log,
		httpServer: &http.Server{
			Addr:         cfg.Address,
			Handler:      router,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
	}
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler { return s.router }

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Str("address", s.config.Address).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
