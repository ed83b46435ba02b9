package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_PORT", "")
	t.Setenv("HTTP_PORT", "9001")
	t.Setenv("TELEMETRY_TIMEOUT", "3")
	t.Setenv("SCHEDULER_TIMEOUT", "1500ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9001", cfg.HTTPPort)
	assert.Equal(t, 3*time.Second, cfg.Telemetry.Timeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.Scheduler.Timeout)
	assert.Equal(t, 8, cfg.TickConcurrency)
	assert.Equal(t, 5, cfg.MaxConsecutiveErrors)
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("TELEMETRY_TIMEOUT", "soon")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidateProduction(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cfg.AppEnv = "production"
	cfg.CronSecret = ""
	assert.ErrorContains(t, cfg.Validate(), "CRON_SECRET")

	cfg.CronSecret = "x"
	cfg.Scheduler.APIKey = "k"
	assert.NoError(t, cfg.Validate())
}

func TestDatabaseURLEscapesPassword(t *testing.T) {
	cfg := &Config{}
	cfg.DB.User, cfg.DB.Password, cfg.DB.Host, cfg.DB.Port = "u", "p@ss word", "db", "5432"
	cfg.DB.Database, cfg.DB.SSLMode = "vd", "disable"
	assert.Equal(t, "postgres://u:p%40ss+word@db:5432/vd?sslmode=disable", cfg.DatabaseURL())
}
