package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "info", cfg.Server.LogLevel)
	require.Equal(t, "sqlite", cfg.Database.Driver)

	require.Equal(t, 20*time.Second, cfg.Provider.CallTimeout)
	require.Equal(t, 3, cfg.Provider.MaxAttempts)
	require.Equal(t, 100, cfg.Provider.PageSize)
	require.Equal(t, 200, cfg.Provider.MaxPages)
	require.Equal(t, []string{"record", "media", "specs"}, cfg.Provider.Include)

	require.Equal(t, 15*time.Minute, cfg.Sync.RefreshAfter)
	require.Equal(t, 6*time.Hour, cfg.Sync.StaleAfter)
	require.True(t, cfg.Sync.ConcurrentFetch)

	require.Equal(t, 5, cfg.Resilience.Breaker.FailureThreshold)
	require.Equal(t, 30*time.Second, cfg.Resilience.Breaker.Cooldown)
	require.Equal(t, 4, cfg.Resilience.Limiter.MaxConcurrent)
	require.Equal(t, 1024, cfg.Resilience.Memory.HighWatermarkMB)

	require.True(t, cfg.Monitoring.Prometheus.Enabled)
	require.Equal(t, "/metrics", cfg.Monitoring.Prometheus.Endpoint)
	require.True(t, cfg.Monitoring.Health.Enabled)

	require.Equal(t, "lotsync", cfg.Auth.JWT.Issuer)
	require.Equal(t, 15*time.Minute, cfg.Auth.JWT.TTL)

	require.True(t, cfg.Maintenance.Enabled)
	require.Equal(t, "0 3 * * *", cfg.Maintenance.Schedule)
	require.Equal(t, 168*time.Hour, cfg.Maintenance.StaleRetention)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("LOTSYNC_SERVER_PORT", "9100")
	t.Setenv("LOTSYNC_PROVIDER_BASE_URL", "https://inventory.example.com")
	t.Setenv("LOTSYNC_SYNC_REFRESH_AFTER", "2m")
	t.Setenv("LOTSYNC_SYNC_CONCURRENT_FETCH", "false")
	t.Setenv("LOTSYNC_PROVIDER_INCLUDE", "record,media")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 9100, cfg.Server.Port)
	require.Equal(t, "https://inventory.example.com", cfg.Provider.BaseURL)
	require.Equal(t, 2*time.Minute, cfg.Sync.RefreshAfter)
	require.False(t, cfg.Sync.ConcurrentFetch)
	require.Equal(t, []string{"record", "media"}, cfg.Provider.Include)
}

func TestToDatabaseConfigDriverSelection(t *testing.T) {
	dc := DatabaseConfig{
		Driver: "postgres",
		Postgres: DBAuthConfig{
			Host:     "db.internal",
			Port:     5432,
			Database: "lotsync",
			Username: "svc",
			Password: "secret",
		},
		MySQL: DBAuthConfig{Host: "ignored"},
	}

	out := dc.ToDatabaseConfig()
	require.Equal(t, "postgres", out.Driver)
	require.Equal(t, "db.internal", out.Host)
	require.Equal(t, 5432, out.Port)
	require.Equal(t, "lotsync", out.Name)
	require.Equal(t, "svc", out.User)
	require.Equal(t, "secret", out.Password)

	sqlite := DatabaseConfig{Driver: "sqlite", Path: "./data/test.sqlite"}
	out = sqlite.ToDatabaseConfig()
	require.Equal(t, "./data/test.sqlite", out.Path)
	require.Empty(t, out.Host)
}
