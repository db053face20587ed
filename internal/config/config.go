package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/service-monitor/internal/checker"
	"github.com/t77yq/service-monitor/internal/notify"
)

// EnvPrefix prefixes every environment override, e.g. MONITOR_NATS_ENABLED
const EnvPrefix = "MONITOR"

// Config is the process configuration
type Config struct {
	App       AppConfig         `mapstructure:"app"`
	Log       LogConfig         `mapstructure:"log"`
	Database  DatabaseConfig    `mapstructure:"database"`
	NATS      NATSConfig        `mapstructure:"nats"`
	Scheduler SchedulerConfig   `mapstructure:"scheduler"`
	Retry     RetryConfig       `mapstructure:"retry"`
	Pool      PoolConfig        `mapstructure:"pool"`
	Alerts    AlertsConfig      `mapstructure:"alerts"`
	SMTP      notify.SMTPConfig `mapstructure:"smtp"`
	Metrics   MetricsConfig     `mapstructure:"metrics"`
	Retention RetentionConfig   `mapstructure:"retention"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URLs           []string      `mapstructure:"urls"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries int           `mapstructure:"connect_retries"`
}

// SchedulerConfig holds the interval of each periodic job
type SchedulerConfig struct {
	HealthCheckInterval   time.Duration `mapstructure:"health_check_interval"`
	SystemMetricsInterval time.Duration `mapstructure:"system_metrics_interval"`
	RetentionInterval     time.Duration `mapstructure:"retention_interval"`
}

type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

type PoolConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// AlertsConfig holds delivery settings shared by every service
type AlertsConfig struct {
	Recipients     []string      `mapstructure:"recipients"`
	WebhookSecret  string        `mapstructure:"webhook_secret"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

type RetentionConfig struct {
	HealthCheckDays int `mapstructure:"health_check_days"`
}

// Load reads path, or config.yaml from ./config or the working directory
// when path is empty. A missing default file is not an error; every key has a
// default and can be overridden from the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Alerts.Recipients = splitList(cfg.Alerts.Recipients)
	cfg.NATS.URLs = splitList(cfg.NATS.URLs)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "service-monitor")

	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("database.path", "monitor.db")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.urls", []string{"nats://localhost:4222"})
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.connect_retries", 5)

	v.SetDefault("scheduler.health_check_interval", time.Minute)
	v.SetDefault("scheduler.system_metrics_interval", 30*time.Second)
	v.SetDefault("scheduler.retention_interval", 24*time.Hour)

	v.SetDefault("retry.max_retries", checker.DefaultMaxRetries)
	v.SetDefault("retry.base_delay", checker.DefaultBaseDelay)
	v.SetDefault("retry.max_delay", 0)

	v.SetDefault("pool.connect_timeout", 10*time.Second)

	v.SetDefault("alerts.recipients", []string{})
	v.SetDefault("alerts.webhook_secret", "")
	v.SetDefault("alerts.webhook_timeout", 10*time.Second)

	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "monitor@localhost")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("retention.health_check_days", 30)
}

// Validate rejects settings the process cannot start with
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Scheduler.HealthCheckInterval <= 0 {
		return fmt.Errorf("scheduler.health_check_interval must be positive")
	}
	if c.Scheduler.SystemMetricsInterval <= 0 {
		return fmt.Errorf("scheduler.system_metrics_interval must be positive")
	}
	if c.Scheduler.RetentionInterval <= 0 {
		return fmt.Errorf("scheduler.retention_interval must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.NATS.Enabled && len(c.NATS.URLs) == 0 {
		return fmt.Errorf("nats.urls is required when nats is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}
	return nil
}

// RetryPolicy builds the health check retry policy
func (c *Config) RetryPolicy() checker.RetryPolicy {
	policy := checker.DefaultRetryPolicy()
	policy.MaxRetries = c.Retry.MaxRetries
	policy.Backoff.InitialDelay = c.Retry.BaseDelay
	policy.Backoff.MaxDelay = c.Retry.MaxDelay
	return policy
}

// NewLogger builds the process logger
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named(c.App.Name), nil
}

// splitList flattens comma separated entries, as produced by environment overrides
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
