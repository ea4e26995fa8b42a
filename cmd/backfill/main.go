// Package main provides a one-shot job that maps techniques onto events
// written before the mapper existed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/service/dynamodb"
	"go.uber.org/zap"

	"github.com/ilminate/apex-attack/internal/backfill"
	"github.com/ilminate/apex-attack/internal/config"
	"github.com/ilminate/apex-attack/internal/events"
	"github.com/ilminate/apex-attack/internal/mitre"
	"github.com/ilminate/apex-attack/internal/observability"
)

func main() {
	defaults := backfill.DefaultConfig()

	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	table := flag.String("table", "", "Events table (overrides config)")
	limit := flag.Int("limit", defaults.Limit, "Maximum events to scan")
	dryRun := flag.Bool("dry-run", defaults.DryRun, "Map techniques without writing")
	writesPerSec := flag.Float64("writes-per-sec", defaults.WritesPerSec, "Write pacing, 0 for unlimited")
	rulesPath := flag.String("rules", "", "Mapper rules file (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = config.DefaultConfig(), nil
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *table != "" {
		cfg.DynamoDB.EventsTable = *table
	}
	if *rulesPath != "" {
		cfg.Mapper.RulesPath = *rulesPath
	}
	cfg.Telemetry.ServiceName = "apex-attack-backfill"
	cfg.Telemetry.MetricsEnabled = false

	tel, err := observability.New(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry: %v\n", err)
		os.Exit(1)
	}
	logger := tel.Logger()

	if err := run(cfg, tel, backfill.Config{
		Limit:         *limit,
		DryRun:        *dryRun,
		WritesPerSec:  *writesPerSec,
		ProgressEvery: defaults.ProgressEvery,
	}); err != nil {
		logger.Fatal("Backfill failed", zap.Error(err))
	}
}

func run(cfg *config.Config, tel *observability.Telemetry, runCfg backfill.Config) error {
	logger := tel.Logger()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	if err := backfill.CheckTable(cfg.DynamoDB.EventsTable); err != nil {
		return err
	}

	var rules []mitre.Rule
	if cfg.Mapper.RulesPath != "" {
		var err error
		if rules, err = mitre.LoadRules(cfg.Mapper.RulesPath); err != nil {
			return fmt.Errorf("loading mapper rules: %w", err)
		}
	}

	sess, err := cfg.DynamoDB.Session()
	if err != nil {
		return err
	}
	store := events.NewDynamoStore(dynamodb.New(sess), cfg.DynamoDB.EventsTable, tel.Tracer(), logger.Named("events"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := backfill.NewRunner(store, mitre.NewMapper(mitre.DefaultCatalog(), rules), runCfg, logger.Named("backfill"))

	logger.Info("Starting backfill",
		zap.String("table", store.Table()),
		zap.Int("limit", runCfg.Limit),
		zap.Bool("dry_run", runCfg.DryRun),
	)

	sum, err := runner.Run(ctx)
	logger.Info("Backfill complete",
		zap.String("table", store.Table()),
		zap.Int("scanned", sum.Scanned),
		zap.Int("updated", sum.Updated),
		zap.Int("skipped", sum.Skipped),
		zap.Int("errors", sum.Errors),
	)
	return err
}
