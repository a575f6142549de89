package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, "/api/v1", cfg.APIPrefix)
	assert.Equal(t, 5, cfg.Dismissal.DefaultBatchSize)
	assert.Equal(t, 50, cfg.Dismissal.MaxBatchSize)
	assert.True(t, cfg.Dismissal.SeedOnStart)
	assert.Equal(t, 5*time.Second, cfg.Dismissal.OperationTimeout)
	assert.Equal(t, 15*time.Second, cfg.Realtime.Heartbeat)
	assert.Equal(t, "dismissal:events", cfg.Realtime.RelayChannel)
	assert.Equal(t, 3, cfg.Database.RetryAttempts)
	assert.Equal(t, 25*time.Millisecond, cfg.Database.RetryBackoff)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.True(t, cfg.Reports.Enabled)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("ENV", EnvProduction)
	t.Setenv("DISMISSAL_DEFAULT_BATCH_SIZE", "8")
	t.Setenv("DISMISSAL_SEED_ON_START", "false")
	t.Setenv("SCHEDULER_OPEN_LEAD", "45m")
	t.Setenv("REALTIME_HEARTBEAT", "not-a-duration")
	t.Setenv("ALLOWED_ORIGINS", "https://office.example.com, ,https://board.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnvProduction, cfg.Env)
	assert.Equal(t, 8, cfg.Dismissal.DefaultBatchSize)
	assert.False(t, cfg.Dismissal.SeedOnStart)
	assert.Equal(t, 45*time.Minute, cfg.Scheduler.OpenLead)
	assert.Equal(t, 15*time.Second, cfg.Realtime.Heartbeat)
	assert.Equal(t, []string{"https://office.example.com", "https://board.example.com"}, cfg.CORS.AllowedOrigins)
}

func TestDatabaseDSN(t *testing.T) {
	cfg := DatabaseConfig{Host: "db", Port: 5433, User: "u", Password: "p", Name: "dismissal", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=dismissal sslmode=disable", cfg.DSN())
}
