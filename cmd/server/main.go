// Package main provides the entry point for the APEX ATT&CK service.
// It serves technique layers, matrices and text mapping for the dashboard.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ilminate/apex-attack/internal/api"
	"github.com/ilminate/apex-attack/internal/api/gateway"
	"github.com/ilminate/apex-attack/internal/attack"
	"github.com/ilminate/apex-attack/internal/config"
	"github.com/ilminate/apex-attack/internal/events"
	"github.com/ilminate/apex-attack/internal/mitre"
	"github.com/ilminate/apex-attack/internal/observability"
	"github.com/ilminate/apex-attack/internal/tenant"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("apex-attack %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	cfg.Telemetry.ServiceVersion = Version

	tel, err := observability.New(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry: %v\n", err)
		os.Exit(1)
	}
	logger := tel.Logger()

	if err := run(cfg, tel); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.DefaultConfig(), nil
	}
	return cfg, err
}

func run(cfg *config.Config, tel *observability.Telemetry) error {
	logger := tel.Logger()
	logger.Info("Starting apex-attack",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("events_table", cfg.DynamoDB.EventsTable),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel.StartSystemMetricsCollector(ctx)

	catalog, err := loadCatalog(ctx, cfg)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}
	logger.Info("Technique catalog loaded",
		zap.String("source", cfg.Catalog.Source),
		zap.Int("techniques", catalog.Len()),
	)

	var rules []mitre.Rule
	if cfg.Mapper.RulesPath != "" {
		if rules, err = mitre.LoadRules(cfg.Mapper.RulesPath); err != nil {
			return fmt.Errorf("loading mapper rules: %w", err)
		}
		logger.Info("Mapper rules loaded", zap.Int("rules", len(rules)))
	}

	tenants, err := loadTenants(cfg)
	if err != nil {
		return fmt.Errorf("loading tenants: %w", err)
	}
	logger.Info("Tenant registry loaded", zap.Int("tenants", tenants.Len()))

	sess, err := cfg.DynamoDB.Session()
	if err != nil {
		return err
	}
	store := events.NewDynamoStore(dynamodb.New(sess), cfg.DynamoDB.EventsTable, tel.Tracer(), logger.Named("events"))

	var limiter *gateway.RateLimiter
	if cfg.RateLimit.Enabled {
		var redisClient *redis.Client
		if cfg.Redis.Enabled {
			redisClient = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: os.Getenv(cfg.Redis.PasswordEnv),
				DB:       cfg.Redis.DB,
				PoolSize: cfg.Redis.PoolSize,
			})
			defer redisClient.Close()

			if err := redisClient.Ping(ctx).Err(); err != nil {
				logger.Warn("Redis unreachable, rate limits are per process until it recovers", zap.Error(err))
			}
		}
		limiter = gateway.NewRateLimiter(redisClient, cfg.RateLimit, tel.Metrics(), logger.Named("ratelimit"))
	}

	service := attack.NewService(attack.ServiceConfig{
		Store:     store,
		Catalog:   catalog,
		Mocks:     tenants,
		ScanLimit: cfg.DynamoDB.ScanLimit,
		Title:     cfg.Attack.LayerTitle,
		Colors:    cfg.Attack.GradientColors,
		Metrics:   tel.Metrics(),
		Logger:    logger.Named("attack"),
	})

	srv := api.NewServer(api.Options{
		Service:        service,
		Events:         store,
		Mapper:         mitre.NewMapper(catalog, rules),
		Tenants:        tenants,
		RateLimiter:    limiter,
		Ready:          store,
		Metrics:        tel.Metrics(),
		MetricsHandler: tel.MetricsHandler(),
		Limits: api.Limits{
			DefaultDays:    cfg.Attack.DefaultDays,
			MaxDays:        cfg.Attack.MaxDays,
			TopLimit:       cfg.Attack.TopLimit,
			DrillDownLimit: cfg.Attack.DrillDownLimit,
			RequestTimeout: cfg.Server.RequestTimeout,
		},
		Version: Version,
		Logger:  logger.Named("api"),
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      srv.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errChan:
		return err
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Error("Telemetry shutdown error", zap.Error(err))
	}

	logger.Info("Server stopped")
	return nil
}

func loadCatalog(ctx context.Context, cfg *config.Config) (*mitre.Catalog, error) {
	switch cfg.Catalog.Source {
	case config.CatalogSourceFile:
		return mitre.LoadSTIXFile(cfg.Catalog.Path)
	case config.CatalogSourceS3:
		sess, err := cfg.Catalog.Session(cfg.DynamoDB.Region)
		if err != nil {
			return nil, err
		}
		loadCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		return mitre.LoadSTIXFromS3(loadCtx, s3.New(sess), cfg.Catalog.S3Bucket, cfg.Catalog.S3Key)
	default:
		return mitre.DefaultCatalog(), nil
	}
}

func loadTenants(cfg *config.Config) (*tenant.Registry, error) {
	defaults := tenant.DefaultDefaults(cfg.Tenants.DefaultTier)
	if cfg.Tenants.Path == "" {
		return tenant.NewRegistry(defaults, nil)
	}
	return tenant.Load(cfg.Tenants.Path, defaults)
}
