// Package backfill writes technique mappings onto events that predate the mapper.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ilminate/apex-attack/internal/events"
	"github.com/ilminate/apex-attack/internal/mitre"
)

// ErrProductionTable is returned for table names that look like production.
var ErrProductionTable = errors.New("refusing to backfill a production table")

// Store is the event table as seen by the backfill.
type Store interface {
	ScanRecent(ctx context.Context, limit int) ([]events.Event, error)
	SetTechniques(ctx context.Context, eventID string, refs []events.TechniqueRef) error
}

// TextMapper maps free text to techniques.
type TextMapper interface {
	Map(text string) []mitre.Mapping
}

// Config controls a backfill run.
type Config struct {
	Limit         int     // events to scan
	DryRun        bool    // map but do not write
	WritesPerSec  float64 // pacing for UpdateItem calls, zero for unlimited
	ProgressEvery int     // log every N updates
}

// DefaultConfig returns a cautious configuration.
func DefaultConfig() Config {
	return Config{
		Limit:         1000,
		DryRun:        true,
		WritesPerSec:  10,
		ProgressEvery: 10,
	}
}

// Summary counts the outcome of a run.
type Summary struct {
	Scanned int `json:"scanned"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// Runner maps and writes techniques for a batch of events.
type Runner struct {
	store   Store
	mapper  TextMapper
	config  Config
	limiter *rate.Limiter
	logger  *zap.Logger
}

// CheckTable rejects table names containing "prod".
func CheckTable(table string) error {
	if strings.Contains(strings.ToLower(table), "prod") {
		return fmt.Errorf("%w: %s", ErrProductionTable, table)
	}
	return nil
}

// NewRunner creates a runner.
func NewRunner(store Store, mapper TextMapper, cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultConfig().Limit
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultConfig().ProgressEvery
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.WritesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.WritesPerSec), 1)
	}

	return &Runner{
		store:   store,
		mapper:  mapper,
		config:  cfg,
		limiter: limiter,
		logger:  logger,
	}
}

// Run scans once and updates every event whose text maps to at least one
// technique. Events without an id or text, or with no matches, are skipped.
// Per-event write failures are counted and do not stop the run.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	evs, err := r.store.ScanRecent(ctx, r.config.Limit)
	if err != nil {
		return sum, fmt.Errorf("scanning events: %w", err)
	}

	for _, ev := range evs {
		sum.Scanned++

		if ev.ID == "" || ev.Text == "" {
			sum.Skipped++
			continue
		}

		mappings := r.mapper.Map(ev.Text)
		if len(mappings) == 0 {
			sum.Skipped++
			continue
		}

		if r.config.DryRun {
			r.logger.Info("Dry run: would update event",
				zap.String("event_id", ev.ID),
				zap.Int("techniques", len(mappings)),
			)
			sum.Updated++
			continue
		}

		if err := r.limiter.Wait(ctx); err != nil {
			return sum, err
		}

		if err := r.store.SetTechniques(ctx, ev.ID, ToRefs(mappings)); err != nil {
			r.logger.Error("Failed to update event", zap.String("event_id", ev.ID), zap.Error(err))
			sum.Errors++
			continue
		}

		sum.Updated++
		if sum.Updated%r.config.ProgressEvery == 0 {
			r.logger.Info("Backfill progress",
				zap.Int("updated", sum.Updated),
				zap.Int("scanned", sum.Scanned),
				zap.Int("skipped", sum.Skipped),
				zap.Int("errors", sum.Errors),
			)
		}
	}

	return sum, nil
}

// ToRefs converts mapper output into stored technique entries.
func ToRefs(mappings []mitre.Mapping) []events.TechniqueRef {
	refs := make([]events.TechniqueRef, 0, len(mappings))
	for _, m := range mappings {
		refs = append(refs, events.TechniqueRef{
			Kind:       events.KindRef,
			ID:         m.TechniqueID,
			Tactic:     m.Tactic,
			Confidence: m.Confidence,
			Reason:     m.Evidence,
		})
	}
	return refs
}
