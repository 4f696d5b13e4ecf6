package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/openlot/lotsync/internal/database"
)

// Config represents the runtime configuration for the lotsync backend.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Provider    ProviderConfig    `mapstructure:"provider"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Resilience  ResilienceConfig  `mapstructure:"resilience"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// ToDatabaseConfig flattens the configured driver section into connection options.
func (c DatabaseConfig) ToDatabaseConfig() database.Config {
	cfg := database.Config{
		Driver: c.Driver,
		Path:   c.Path,
		DSN:    c.DSN,
	}

	var auth DBAuthConfig
	switch strings.ToLower(c.Driver) {
	case "postgres", "postgresql":
		auth = c.Postgres
	case "mysql":
		auth = c.MySQL
	default:
		return cfg
	}

	cfg.Host = auth.Host
	cfg.Port = auth.Port
	cfg.Name = auth.Database
	cfg.User = auth.Username
	cfg.Password = auth.Password
	return cfg
}

// ProviderConfig describes the remote listing provider endpoint and paging behaviour.
type ProviderConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	TokenURL    string        `mapstructure:"token_url"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`

	PageSize   int           `mapstructure:"page_size"`
	MaxPages   int           `mapstructure:"max_pages"`
	BatchSize  int           `mapstructure:"batch_size"`
	BatchDelay time.Duration `mapstructure:"batch_delay"`
	Include    []string      `mapstructure:"include"`
}

// SyncConfig tunes cache freshness and refresh execution.
type SyncConfig struct {
	RefreshAfter    time.Duration `mapstructure:"refresh_after"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	RefreshTimeout  time.Duration `mapstructure:"refresh_timeout"`
	ConcurrentFetch bool          `mapstructure:"concurrent_fetch"`
}

// ResilienceConfig groups backpressure and failure isolation settings.
type ResilienceConfig struct {
	Breaker BreakerSettings `mapstructure:"breaker"`
	Limiter LimiterSettings `mapstructure:"limiter"`
	Memory  MemorySettings  `mapstructure:"memory"`
}

// BreakerSettings tunes the per-account circuit breaker.
type BreakerSettings struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// LimiterSettings bounds concurrent database write operations.
type LimiterSettings struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	QueueTimeout  time.Duration `mapstructure:"queue_timeout"`
	OpTimeout     time.Duration `mapstructure:"op_timeout"`
}

// MemorySettings tunes the heap pressure guard that throttles refreshes.
type MemorySettings struct {
	HighWatermarkMB int `mapstructure:"high_watermark_mb"`
	CriticalPercent int `mapstructure:"critical_percent"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AuthConfig captures caller authentication settings.
type AuthConfig struct {
	JWT JWTSettings `mapstructure:"jwt"`
}

// JWTSettings configures JWT access tokens presented by API callers.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"access_token_ttl"`
}

// MaintenanceConfig controls the scheduled cleanup job.
type MaintenanceConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Schedule       string        `mapstructure:"schedule"`
	StaleRetention time.Duration `mapstructure:"stale_retention"`
	LogRetention   time.Duration `mapstructure:"log_retention"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("LOTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/lotsync.sqlite")

	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.token_url", "")
	v.SetDefault("provider.call_timeout", "20s")
	v.SetDefault("provider.max_attempts", 3)
	v.SetDefault("provider.base_delay", "500ms")
	v.SetDefault("provider.max_delay", "8s")
	v.SetDefault("provider.page_size", 100)
	v.SetDefault("provider.max_pages", 200)
	v.SetDefault("provider.batch_size", 3)
	v.SetDefault("provider.batch_delay", "500ms")
	v.SetDefault("provider.include", "record,media,specs")

	v.SetDefault("sync.refresh_after", "15m")
	v.SetDefault("sync.stale_after", "6h")
	v.SetDefault("sync.refresh_timeout", "5m")
	v.SetDefault("sync.concurrent_fetch", true)

	v.SetDefault("resilience.breaker.failure_threshold", 5)
	v.SetDefault("resilience.breaker.cooldown", "30s")
	v.SetDefault("resilience.limiter.max_concurrent", 4)
	v.SetDefault("resilience.limiter.queue_timeout", "10s")
	v.SetDefault("resilience.limiter.op_timeout", "60s")
	v.SetDefault("resilience.memory.high_watermark_mb", 1024)
	v.SetDefault("resilience.memory.critical_percent", 90)

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)

	v.SetDefault("auth.jwt.issuer", "lotsync")
	v.SetDefault("auth.jwt.access_token_ttl", "15m")

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.schedule", "0 3 * * *")
	v.SetDefault("maintenance.stale_retention", "168h") // 7 days
	v.SetDefault("maintenance.log_retention", "720h")   // 30 days
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
