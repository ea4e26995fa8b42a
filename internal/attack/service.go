package attack

import (
	"context"

	"go.uber.org/zap"

	"github.com/ilminate/apex-attack/internal/mitre"
	"github.com/ilminate/apex-attack/internal/observability"
)

// MockResolver reports whether a tenant should see demonstration data.
type MockResolver interface {
	MockEnabled(tenant string) bool
}

// ServiceConfig wires the pipeline.
type ServiceConfig struct {
	Store     EventStore
	Catalog   *mitre.Catalog
	Mocks     MockResolver // nil disables mock mode
	ScanLimit int
	Title     string
	Colors    []string
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

// Service runs aggregate, build and render for one request at a time.
// It holds no per-request state and is safe for concurrent use.
type Service struct {
	aggregator *Aggregator
	builder    *LayerBuilder
	renderer   *Renderer
	catalog    *mitre.Catalog
	mocks      MockResolver
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewService creates a service. A nil catalog uses mitre.DefaultCatalog.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = mitre.DefaultCatalog()
	}

	return &Service{
		aggregator: NewAggregator(cfg.Store, cfg.ScanLimit, cfg.Metrics, logger),
		builder:    NewLayerBuilder(cfg.Title, cfg.Colors),
		renderer:   NewRenderer(catalog, cfg.Metrics, logger),
		catalog:    catalog,
		mocks:      cfg.Mocks,
		metrics:    cfg.Metrics,
		logger:     logger,
	}
}

// Catalog returns the technique catalog in use.
func (s *Service) Catalog() *mitre.Catalog {
	return s.catalog
}

// Layer always returns a well-formed layer; failures are reflected in its Source.
func (s *Service) Layer(ctx context.Context, req Request) Layer {
	var layer Layer
	if s.mocks != nil && s.mocks.MockEnabled(req.Tenant) {
		layer = s.builder.Mock(req)
	} else {
		counts, err := s.aggregator.Aggregate(ctx, req)
		layer = s.builder.Build(req, counts, err)
		s.logOutcome(req, layer, err)
	}

	s.metrics.ObserveLayer(string(layer.Source))
	return layer
}

// Matrix renders the layer for req against the catalog.
func (s *Service) Matrix(ctx context.Context, req Request) Matrix {
	return s.renderer.Render(s.Layer(ctx, req))
}

// Top returns the n highest scoring techniques for req.
func (s *Service) Top(ctx context.Context, req Request, n int) []RankedTechnique {
	return TopTechniques(s.Layer(ctx, req), s.catalog, n)
}

func (s *Service) logOutcome(req Request, layer Layer, err error) {
	fields := []zap.Field{
		zap.String("tenant", req.Tenant),
		zap.Int("days", req.Days),
		zap.String("source", string(layer.Source)),
	}
	switch {
	case layer.Source == SourceFallback:
		s.logger.Warn("Event store failed, serving fallback layer", append(fields, zap.Error(err))...)
	case layer.Source == SourceEmpty:
		s.logger.Info("Serving empty layer", append(fields, zap.String("reason", layer.Description))...)
	default:
		s.logger.Debug("Serving layer", append(fields, zap.Int("techniques", len(layer.Techniques)))...)
	}
}
