// Package main provides a CLI that ingests a GeoJSON file and optionally enriches it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/serviceability-scanner/internal/adapter"
	"github.com/serviceability-scanner/internal/circuitbreaker"
	"github.com/serviceability-scanner/internal/config"
	"github.com/serviceability-scanner/internal/enrich"
	"github.com/serviceability-scanner/internal/geocode"
	"github.com/serviceability-scanner/internal/ingest"
	"github.com/serviceability-scanner/internal/logging"
	"github.com/serviceability-scanner/internal/progress"
	"github.com/serviceability-scanner/internal/ratelimit"
	"github.com/serviceability-scanner/internal/storage"
)

func main() {
	var (
		file        = flag.String("file", "", "GeoJSON FeatureCollection or newline-delimited features")
		name        = flag.String("name", "", "Source name (defaults to the file name)")
		enrichAfter = flag.Bool("enrich", false, "Reverse geocode missing city/postcode after ingesting")
	)
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "Usage: ingest -file <path> [-name <name>] [-enrich]")
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// stdout carries progress events, logs go to stderr
	logger := logging.NewLoggerWithOutput(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format), os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	f, err := os.Open(*file)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open input file")
	}
	defer f.Close()

	sourceName := *name
	if sourceName == "" {
		sourceName = filepath.Base(*file)
	}

	sink := progress.NewJSONLines(os.Stdout)
	addresses := storage.NewAddressRepository(postgres)

	pipeline := ingest.NewPipeline(storage.NewSourceRepository(postgres), addresses, cfg.Ingest.BatchSize)
	result, err := pipeline.Run(ctx, ingest.Input{Name: sourceName, FileName: filepath.Base(*file), Body: f}, sink)
	if err != nil {
		logger.WithError(err).Fatal("Ingestion failed")
	}
	logger.WithFields(map[string]interface{}{
		"sourceId":     result.SourceID,
		"addressCount": result.AddressCount,
		"skipped":      result.Skipped,
	}).Info("Ingestion completed")

	if !*enrichAfter {
		return
	}

	var geoCache *storage.CacheService
	if cfg.Database.Redis.Enabled {
		redis, err := storage.NewRedisCache(&cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redis.Close()
		geoCache = storage.NewCacheService(redis, cfg.Geocoder.CacheTTL)
	}

	resolver := geocode.NewResolver(
		geocode.NewStore(storage.NewGeocodeCacheRepository(postgres), geoCache, cfg.Geocoder.CacheTTL),
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

	enricher := enrich.NewPipeline(addresses, resolver, enrich.Config{
		Workers:          cfg.Enrich.Workers,
		FlushSize:        cfg.Enrich.FlushSize,
		ProgressInterval: cfg.Enrich.ProgressInterval,
		ProgressEvery:    cfg.Enrich.ProgressEvery,
	})
	summary, err := enricher.Run(ctx, result.SourceID, sink)
	if err != nil {
		logger.WithError(err).Fatal("Enrichment failed")
	}
	logger.WithFields(map[string]interface{}{
		"enriched": summary.Enriched,
		"failed":   summary.Failed,
		"total":    summary.Total,
	}).Info("Enrichment completed")
}
