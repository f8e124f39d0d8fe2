// Package main provides the API server entry point for the serviceability scanner.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/serviceability-scanner/internal/adapter"
	"github.com/serviceability-scanner/internal/api"
	"github.com/serviceability-scanner/internal/circuitbreaker"
	"github.com/serviceability-scanner/internal/config"
	"github.com/serviceability-scanner/internal/enrich"
	"github.com/serviceability-scanner/internal/geocode"
	"github.com/serviceability-scanner/internal/ingest"
	"github.com/serviceability-scanner/internal/job"
	"github.com/serviceability-scanner/internal/logging"
	"github.com/serviceability-scanner/internal/ratelimit"
	"github.com/serviceability-scanner/internal/snapshot"
	"github.com/serviceability-scanner/internal/storage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	// Redis is an optional hot tier for geocode cells and snapshot memoization
	var cache *storage.CacheService
	var geoCache *storage.CacheService
	if cfg.Database.Redis.Enabled {
		redis, err := storage.NewRedisCache(&cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redis.Close()
		cache = storage.NewCacheService(redis, cfg.Snapshot.CacheTTL)
		geoCache = storage.NewCacheService(redis, cfg.Geocoder.CacheTTL)
	}

	providersFile, err := config.LoadProviders(cfg.ProvidersFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load providers")
	}
	providers := adapter.NewRegistryFromConfig(providersFile)
	if len(providers.Names()) == 0 {
		logger.WithField("path", cfg.ProvidersFile).Warn("No serviceability providers configured")
	}

	// Repositories
	sourceRepo := storage.NewSourceRepository(postgres)
	addressRepo := storage.NewAddressRepository(postgres)
	selectionRepo := storage.NewSelectionRepository(postgres)
	checkRepo := storage.NewCheckRepository(postgres)
	jobRepo := storage.NewBatchJobRepository(postgres)
	geocodeRepo := storage.NewGeocodeCacheRepository(postgres)

	// Geocoding: one gate and breaker shared by every enrichment run in the process
	resolver := geocode.NewResolver(
		geocode.NewStore(geocodeRepo, geoCache, cfg.Geocoder.CacheTTL),
		adapter.NewNominatimGeocoder(cfg.Geocoder.BaseURL, cfg.Geocoder.UserAgent, cfg.Geocoder.Timeout),
		ratelimit.NewGate(cfg.Geocoder.MinInterval),
		circuitbreaker.NewCircuitBreaker(&circuitbreaker.Config{
			Name:             "geocoder",
			MaxFailures:      cfg.Geocoder.BreakerThreshold,
			Timeout:          cfg.Geocoder.BreakerCooldown,
			HalfOpenMaxCalls: 1,
		}),
		geocode.ResolverConfig{Precision: cfg.Geocoder.GridPrecision, Timeout: cfg.Geocoder.Timeout},
	)

	enricher := enrich.NewPipeline(addressRepo, resolver, enrich.Config{
		Workers:          cfg.Enrich.Workers,
		FlushSize:        cfg.Enrich.FlushSize,
		ProgressInterval: cfg.Enrich.ProgressInterval,
		ProgressEvery:    cfg.Enrich.ProgressEvery,
	})

	jobsCfg, err := engineConfig(cfg, providersFile)
	if err != nil {
		logger.WithError(err).Fatal("Invalid jobs configuration")
	}
	engine := job.NewEngine(jobRepo, addressRepo, checkRepo, providers, jobsCfg)

	supervisor := job.NewSupervisor(engine, cfg.Jobs.ResumeSchedule)
	if err := supervisor.Start(context.Background()); err != nil {
		logger.WithError(err).Fatal("Failed to start job supervisor")
	}

	server := api.NewServer(&api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
		MaxUploadBytes:    cfg.Ingest.MaxUploadBytes,
		TempDir:           cfg.Ingest.TempDir,
	}, api.Services{
		Ingest:     ingest.NewPipeline(sourceRepo, addressRepo, cfg.Ingest.BatchSize),
		Enrich:     enricher,
		Jobs:       engine,
		Snapshots:  snapshot.NewService(selectionRepo, addressRepo, checkRepo, cache, cfg.Snapshot.TimelineResolution),
		Sources:    sourceRepo,
		Selections: selectionRepo,
		Providers:  providers,
		Database:   postgres,
	})

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host":      cfg.Server.Host,
		"port":      cfg.Server.Port,
		"providers": providers.Names(),
	}).Info("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	supervisor.Stop()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	// runners stop mid-job; their jobs stay running and resume on the next start
	if err := engine.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Batch runners did not stop in time")
	}

	logger.Info("Server exited")
}

func engineConfig(cfg *config.Config, providers config.ProvidersFile) (job.Config, error) {
	strategy, err := ratelimit.ParseStrategy(cfg.Jobs.Pacing)
	if err != nil {
		return job.Config{}, err
	}
	base := ratelimit.PacerConfig{
		Strategy:    strategy,
		FixedDelay:  cfg.Jobs.FixedDelay,
		BaseBackoff: cfg.Jobs.BaseBackoff,
		MaxBackoff:  cfg.Jobs.MaxBackoff,
	}

	overrides := make(map[string]ratelimit.PacerConfig)
	for _, name := range providers.Names() {
		p := providers.Providers[name]
		if p.Pacing == "" && p.FixedDelay == 0 {
			continue
		}
		pc := base
		if p.Pacing != "" {
			if pc.Strategy, err = ratelimit.ParseStrategy(p.Pacing); err != nil {
				return job.Config{}, err
			}
		}
		if p.FixedDelay > 0 {
			pc.FixedDelay = p.FixedDelay
		}
		overrides[name] = pc
	}

	return job.Config{
		DefaultProvider: cfg.Jobs.DefaultProvider,
		Pacing:          base,
		ProviderPacing:  overrides,
		ProviderTimeout: cfg.Jobs.ProviderTimeout,
	}, nil
}
