package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/casetrail/audit-api/internal/model"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	JWT          JWTConfig          `mapstructure:"jwt"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Security     SecurityConfig     `mapstructure:"security"`
	Verification VerificationConfig `mapstructure:"verification"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Monitoring   MonitoringConfig   `mapstructure:"monitoring"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
	CORSOrigins    []string      `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type JWTConfig struct {
	Secret string        `mapstructure:"secret"`
	Expiry time.Duration `mapstructure:"expiry"`
}

type AuditConfig struct {
	// MaxAppendAttempts bounds retries on write failure or a lost head race.
	MaxAppendAttempts int           `mapstructure:"max_append_attempts"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	FailureBuffer     int           `mapstructure:"failure_buffer"`
}

// SecurityConfig holds the organization-level defaults. Orgs may override
// them through organization settings; the engine treats whatever it receives
// as immutable per evaluation.
type SecurityConfig struct {
	Thresholds    []model.SecurityThreshold `mapstructure:"thresholds"`
	RiskBands     model.RiskBands           `mapstructure:"risk_bands"`
	BusinessHours model.BusinessHours       `mapstructure:"business_hours"`
	Lockout       model.LockoutPolicy       `mapstructure:"lockout"`
	Alerts        AlertConfig               `mapstructure:"alerts"`
}

type AlertConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	Email        EmailConfig   `mapstructure:"email"`
	Recipients   []string      `mapstructure:"recipients"`
}

type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type VerificationConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool   `mapstructure:"prometheus_enabled"`
	MetricsPath       string `mapstructure:"metrics_path"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/app")
	viper.AddConfigPath("/app/config")

	viper.AutomaticEnv()
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SecurityDefaults materializes the configured defaults into the per-org
// shape the risk engine consumes.
func (c *Config) SecurityDefaults() model.OrgSecurityConfig {
	return model.OrgSecurityConfig{
		Thresholds:      c.Security.Thresholds,
		Bands:           c.Security.RiskBands,
		BusinessHours:   c.Security.BusinessHours,
		Lockout:         c.Security.Lockout,
		AlertRecipients: c.Security.Alerts.Recipients,
	}
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "15s")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("redis.pool_size", 20)
	viper.SetDefault("redis.min_idle_conns", 2)
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.retry_backoff", "100ms")
	viper.SetDefault("jwt.expiry", "24h")
	viper.SetDefault("audit.max_append_attempts", 5)
	viper.SetDefault("audit.retry_backoff", "50ms")
	viper.SetDefault("audit.failure_buffer", 256)
	viper.SetDefault("security.risk_bands.medium", 30)
	viper.SetDefault("security.risk_bands.high", 60)
	viper.SetDefault("security.risk_bands.critical", 85)
	viper.SetDefault("security.business_hours.start_hour", 7)
	viper.SetDefault("security.business_hours.end_hour", 19)
	viper.SetDefault("security.business_hours.days", []int{1, 2, 3, 4, 5})
	viper.SetDefault("security.business_hours.timezone", "UTC")
	viper.SetDefault("security.lockout.max_attempts", 5)
	viper.SetDefault("security.lockout.window", "15m")
	viper.SetDefault("security.lockout.duration", "15m")
	viper.SetDefault("security.alerts.max_retries", 5)
	viper.SetDefault("security.alerts.retry_backoff", "1s")
	viper.SetDefault("verification.interval", "1h")
	viper.SetDefault("verification.batch_size", 500)
	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.requests_per_second", 50.0)
	viper.SetDefault("rate_limit.burst", 100)
	viper.SetDefault("monitoring.prometheus_enabled", true)
	viper.SetDefault("monitoring.metrics_path", "/metrics")
}
