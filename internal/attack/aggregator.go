// Package attack aggregates technique detections into ATT&CK layers and
// renders them as a tactic-by-technique matrix.
package attack

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ilminate/apex-attack/internal/events"
	"github.com/ilminate/apex-attack/internal/observability"
)

// EventStore is the read side of the event table.
type EventStore interface {
	QueryEvents(ctx context.Context, q events.Query) ([]events.Event, error)
}

// Request selects the tenant and lookback window for a layer.
type Request struct {
	Tenant string
	Days   int
}

// TechniqueScore is the number of detections of one technique in the window.
type TechniqueScore struct {
	TechniqueID string `json:"techniqueID"`
	Score       int    `json:"score"`
}

// Counts holds per-technique totals in first-seen order.
type Counts struct {
	scores []TechniqueScore
	index  map[string]int

	Scanned   int // events returned by the store
	Malformed int // events whose technique list could not be parsed
}

func newCounts() *Counts {
	return &Counts{index: make(map[string]int)}
}

func (c *Counts) add(id string) {
	if i, ok := c.index[id]; ok {
		c.scores[i].Score++
		return
	}
	c.index[id] = len(c.scores)
	c.scores = append(c.scores, TechniqueScore{TechniqueID: id, Score: 1})
}

// Get returns the count for id, zero when never seen.
func (c *Counts) Get(id string) int {
	if i, ok := c.index[id]; ok {
		return c.scores[i].Score
	}
	return 0
}

// Len returns the number of distinct techniques.
func (c *Counts) Len() int {
	return len(c.scores)
}

// Scores returns a copy of the totals in first-seen order.
func (c *Counts) Scores() []TechniqueScore {
	out := make([]TechniqueScore, len(c.scores))
	copy(out, c.scores)
	return out
}

// Aggregator counts technique occurrences over a bounded event scan.
type Aggregator struct {
	store     EventStore
	scanLimit int
	metrics   *observability.Metrics
	tracer    trace.Tracer
	logger    *zap.Logger
}

// NewAggregator creates an aggregator reading at most scanLimit events per call.
func NewAggregator(store EventStore, scanLimit int, metrics *observability.Metrics, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		store:     store,
		scanLimit: scanLimit,
		metrics:   metrics,
		tracer:    otel.Tracer("apex-attack/attack"),
		logger:    logger,
	}
}

// Aggregate scans the window once and counts one per (event, occurrence).
// An event listing a technique twice contributes two. Store errors are
// returned unchanged so the caller can classify them.
func (a *Aggregator) Aggregate(ctx context.Context, req Request) (*Counts, error) {
	ctx, span := a.tracer.Start(ctx, "attack.Aggregate", trace.WithAttributes(
		attribute.String("tenant", req.Tenant),
		attribute.Int("days", req.Days),
		attribute.Int("limit", a.scanLimit),
	))
	defer span.End()

	start := time.Now()
	evs, err := a.store.QueryEvents(ctx, events.Query{
		TenantID: req.Tenant,
		Days:     req.Days,
		Limit:    a.scanLimit,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	counts := newCounts()
	counts.Scanned = len(evs)
	for _, ev := range evs {
		if ev.TechniquesMalformed {
			counts.Malformed++
			a.logger.Debug("Skipping malformed technique list", zap.String("event_id", ev.ID))
			continue
		}
		for _, ref := range ev.Techniques {
			counts.add(ref.ID)
		}
	}

	a.metrics.ObserveAggregation(time.Since(start), counts.Scanned, counts.Malformed)
	span.SetAttributes(
		attribute.Int("events.scanned", counts.Scanned),
		attribute.Int("techniques.distinct", counts.Len()),
	)

	return counts, nil
}
