// Package api exposes the ATT&CK layer, matrix and mapping endpoints over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ilminate/apex-attack/internal/api/gateway"
	"github.com/ilminate/apex-attack/internal/attack"
	"github.com/ilminate/apex-attack/internal/events"
	"github.com/ilminate/apex-attack/internal/mitre"
	"github.com/ilminate/apex-attack/internal/observability"
)

// EventReader serves drill-down queries.
type EventReader interface {
	QueryEvents(ctx context.Context, q events.Query) ([]events.Event, error)
}

// TenantResolver provides per-tenant flags.
type TenantResolver interface {
	Tier(tenant string) string
	AttackReportsEnabled(tenant string) bool
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Limits bounds request parameters.
type Limits struct {
	DefaultDays    int
	MaxDays        int
	TopLimit       int
	DrillDownLimit int
	RequestTimeout time.Duration
}

// Options wires a Server.
type Options struct {
	Service        *attack.Service
	Events         EventReader
	Mapper         *mitre.Mapper
	Tenants        TenantResolver
	RateLimiter    *gateway.RateLimiter // nil disables rate limiting
	Ready          HealthChecker        // nil reports ready
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Limits         Limits
	Version        string
	Logger         *zap.Logger
}

// Server holds the handler dependencies.
type Server struct {
	service        *attack.Service
	events         EventReader
	mapper         *mitre.Mapper
	tenants        TenantResolver
	limiter        *gateway.RateLimiter
	ready          HealthChecker
	metrics        *observability.Metrics
	metricsHandler http.Handler
	limits         Limits
	version        string
	logger         *zap.Logger
}

// NewServer creates a server from opts, filling zero limits with defaults.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	limits := opts.Limits
	if limits.DefaultDays <= 0 {
		limits.DefaultDays = 30
	}
	if limits.MaxDays <= 0 {
		limits.MaxDays = 365
	}
	if limits.TopLimit <= 0 {
		limits.TopLimit = 10
	}
	if limits.DrillDownLimit <= 0 {
		limits.DrillDownLimit = 1000
	}
	if limits.RequestTimeout <= 0 {
		limits.RequestTimeout = 30 * time.Second
	}

	mapper := opts.Mapper
	if mapper == nil {
		mapper = mitre.NewMapper(opts.Service.Catalog(), nil)
	}

	metricsHandler := opts.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = http.NotFoundHandler()
	}

	version := opts.Version
	if version == "" {
		version = "dev"
	}

	return &Server{
		service:        opts.Service,
		events:         opts.Events,
		mapper:         mapper,
		tenants:        opts.Tenants,
		limiter:        opts.RateLimiter,
		ready:          opts.Ready,
		metrics:        opts.Metrics,
		metricsHandler: metricsHandler,
		limits:         limits,
		version:        version,
		logger:         logger,
	}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.limits.RequestTimeout))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.metricsHandler)

	r.Route("/api/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware(s.tierFor, s.clientFor))
		}

		r.Route("/attack", func(r chi.Router) {
			r.Get("/techniques", s.handleTechniques)
			r.Post("/map", s.handleMap)

			r.Group(func(r chi.Router) {
				r.Use(s.requireAttackReports)
				r.Get("/layer", s.handleLayer)
				r.Get("/matrix", s.handleMatrix)
				r.Get("/top", s.handleTop)
				r.Get("/techniques/{id}/events", s.handleTechniqueEvents)
			})
		})
	})

	return r
}
