// Package config provides configuration management for the serviceability scanner.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Ingest        IngestConfig
	Geocoder      GeocoderConfig
	Enrich        EnrichConfig
	Jobs          JobsConfig
	Snapshot      SnapshotConfig
	Logging       LoggingConfig
	ProvidersFile string
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// RequestsPerSecond is the per-client API rate limit
	RequestsPerSecond float64
	Burst             int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled        bool
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// IngestConfig holds upload ingestion configuration
type IngestConfig struct {
	BatchSize      int
	MaxUploadBytes int64
	TempDir        string
}

// GeocoderConfig holds reverse geocoder configuration
type GeocoderConfig struct {
	BaseURL       string
	UserAgent     string
	MinInterval   time.Duration
	Timeout       time.Duration
	GridPrecision int
	CacheTTL      time.Duration
	// BreakerThreshold is the number of consecutive failures before the breaker opens
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// EnrichConfig holds enrichment pipeline configuration
type EnrichConfig struct {
	Workers          int
	FlushSize        int
	ProgressInterval time.Duration
	ProgressEvery    int
}

// JobsConfig holds batch check engine configuration
type JobsConfig struct {
	DefaultProvider string
	Pacing          string // fixed or adaptive
	FixedDelay      time.Duration
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	ProviderTimeout time.Duration
	ResumeSchedule  string
}

// SnapshotConfig holds snapshot reconstruction configuration
type SnapshotConfig struct {
	CacheTTL           time.Duration
	TimelineResolution time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:              getEnv("SERVER_PORT", "8080"),
			Host:              getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:       getEnvAsDuration("SERVER_READ_TIMEOUT", 5*time.Minute),
			WriteTimeout:      getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout:   getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			RequestsPerSecond: getEnvAsFloat("API_REQUESTS_PER_SECOND", 20),
			Burst:             getEnvAsInt("API_BURST", 40),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "serviceability"),
				User:           getEnv("POSTGRES_USER", "scanner"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			Redis: RedisConfig{
				Enabled:        getEnvAsBool("REDIS_ENABLED", false),
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Ingest: IngestConfig{
			BatchSize:      getEnvAsInt("INGEST_BATCH_SIZE", 1000),
			MaxUploadBytes: int64(getEnvAsInt("INGEST_MAX_UPLOAD_BYTES", 200<<20)),
			TempDir:        getEnv("INGEST_TEMP_DIR", os.TempDir()),
		},
		Geocoder: GeocoderConfig{
			BaseURL:          getEnv("GEOCODER_BASE_URL", "https://nominatim.openstreetmap.org"),
			UserAgent:        getEnv("GEOCODER_USER_AGENT", "serviceability-scanner/1.0"),
			MinInterval:      getEnvAsDuration("GEOCODER_MIN_INTERVAL", time.Second),
			Timeout:          getEnvAsDuration("GEOCODER_TIMEOUT", 10*time.Second),
			GridPrecision:    getEnvAsInt("GEOCODER_GRID_PRECISION", 4),
			CacheTTL:         getEnvAsDuration("GEOCODER_CACHE_TTL", 24*time.Hour),
			BreakerThreshold: getEnvAsInt("GEOCODER_BREAKER_THRESHOLD", 5),
			BreakerCooldown:  getEnvAsDuration("GEOCODER_BREAKER_COOLDOWN", 30*time.Second),
		},
		Enrich: EnrichConfig{
			Workers:          getEnvAsInt("ENRICH_WORKERS", 4),
			FlushSize:        getEnvAsInt("ENRICH_FLUSH_SIZE", 100),
			ProgressInterval: getEnvAsDuration("ENRICH_PROGRESS_INTERVAL", 500*time.Millisecond),
			ProgressEvery:    getEnvAsInt("ENRICH_PROGRESS_EVERY", 25),
		},
		Jobs: JobsConfig{
			DefaultProvider: getEnv("JOBS_DEFAULT_PROVIDER", "default"),
			Pacing:          getEnv("JOBS_PACING", "adaptive"),
			FixedDelay:      getEnvAsDuration("JOBS_FIXED_DELAY", 250*time.Millisecond),
			BaseBackoff:     getEnvAsDuration("JOBS_BASE_BACKOFF", 250*time.Millisecond),
			MaxBackoff:      getEnvAsDuration("JOBS_MAX_BACKOFF", 30*time.Second),
			ProviderTimeout: getEnvAsDuration("JOBS_PROVIDER_TIMEOUT", 15*time.Second),
			ResumeSchedule:  getEnv("JOBS_RESUME_SCHEDULE", "@every 1m"),
		},
		Snapshot: SnapshotConfig{
			CacheTTL:           getEnvAsDuration("SNAPSHOT_CACHE_TTL", 10*time.Minute),
			TimelineResolution: getEnvAsDuration("SNAPSHOT_TIMELINE_RESOLUTION", time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		ProvidersFile: getEnv("PROVIDERS_FILE", "providers.yaml"),
	}

	return config, nil
}

// PostgresDSN builds a pgx connection string from the Postgres settings
func (c PostgresConfig) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
