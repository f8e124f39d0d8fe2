package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.False(t, cfg.Database.Redis.Enabled)
	assert.Equal(t, 1000, cfg.Ingest.BatchSize)
	assert.Equal(t, time.Second, cfg.Geocoder.MinInterval)
	assert.Equal(t, 4, cfg.Geocoder.GridPrecision)
	assert.Equal(t, "adaptive", cfg.Jobs.Pacing)
	assert.Equal(t, "@every 1m", cfg.Jobs.ResumeSchedule)
	assert.Equal(t, "providers.yaml", cfg.ProvidersFile)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("GEOCODER_MIN_INTERVAL", "2s")
	t.Setenv("GEOCODER_GRID_PRECISION", "3")
	t.Setenv("ENRICH_WORKERS", "8")
	t.Setenv("JOBS_PACING", "fixed")
	t.Setenv("JOBS_FIXED_DELAY", "1s")
	t.Setenv("API_REQUESTS_PER_SECOND", "2.5")
	t.Setenv("SNAPSHOT_TIMELINE_RESOLUTION", "1h")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "db.internal", cfg.Database.Postgres.Host)
	assert.True(t, cfg.Database.Redis.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Geocoder.MinInterval)
	assert.Equal(t, 3, cfg.Geocoder.GridPrecision)
	assert.Equal(t, 8, cfg.Enrich.Workers)
	assert.Equal(t, "fixed", cfg.Jobs.Pacing)
	assert.Equal(t, time.Second, cfg.Jobs.FixedDelay)
	assert.Equal(t, 2.5, cfg.Server.RequestsPerSecond)
	assert.Equal(t, time.Hour, cfg.Snapshot.TimelineResolution)
}

func TestPostgresDSN(t *testing.T) {
	c := PostgresConfig{Host: "h", Port: "5433", Database: "scan", User: "u", Password: "p"}
	assert.Equal(t, "postgres://u:p@h:5433/scan?sslmode=disable", c.PostgresDSN())
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("CFG_STRING", "custom")
	t.Setenv("CFG_INT", "200")
	t.Setenv("CFG_FLOAT", "0.5")
	t.Setenv("CFG_BOOL", "true")
	t.Setenv("CFG_DURATION", "30s")
	t.Setenv("CFG_GARBAGE", "not-a-value")

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"string set", getEnv("CFG_STRING", "default"), "custom"},
		{"string unset", getEnv("CFG_UNSET", "default"), "default"},
		{"int set", getEnvAsInt("CFG_INT", 100), 200},
		{"int invalid", getEnvAsInt("CFG_GARBAGE", 100), 100},
		{"int unset", getEnvAsInt("CFG_UNSET", 100), 100},
		{"float set", getEnvAsFloat("CFG_FLOAT", 1.5), 0.5},
		{"float invalid", getEnvAsFloat("CFG_GARBAGE", 1.5), 1.5},
		{"bool set", getEnvAsBool("CFG_BOOL", false), true},
		{"bool invalid", getEnvAsBool("CFG_GARBAGE", false), false},
		{"duration set", getEnvAsDuration("CFG_DURATION", 10*time.Second), 30 * time.Second},
		{"duration invalid", getEnvAsDuration("CFG_GARBAGE", 10*time.Second), 10 * time.Second},
		{"duration unset", getEnvAsDuration("CFG_UNSET", 10*time.Second), 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}
