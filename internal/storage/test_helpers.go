package storage

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/serviceability-scanner/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           envOr("TEST_POSTGRES_HOST", "localhost"),
		Port:           envOr("TEST_POSTGRES_PORT", "5432"),
		Database:       envOr("TEST_POSTGRES_DB", "serviceability_test"),
		User:           envOr("TEST_POSTGRES_USER", "scanner"),
		Password:       envOr("TEST_POSTGRES_PASSWORD", "scanner_dev_password"),
		MaxConnections: 5,
	}
}

// setupTestDB connects to the test database and applies migrations, skipping when unavailable
func setupTestDB(t *testing.T) *PostgresDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	_, file, _, _ := runtime.Caller(0)
	migrations := filepath.Join(filepath.Dir(file), "..", "..", DefaultMigrationsPath)
	if err := RunMigrations(cfg.PostgresDSN(), migrations); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	return db
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
