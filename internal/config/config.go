// Package config loads application configuration from a YAML file and
// NOTIFIER_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. Nested keys are joined
// with a double underscore: NOTIFIER_DATABASE__URL sets database.url.
const EnvPrefix = "NOTIFIER_"

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Database      DatabaseConfig      `koanf:"database"`
	Redis         RedisConfig         `koanf:"redis"`
	Log           LogConfig           `koanf:"log"`
	JWT           JWTConfig           `koanf:"jwt"`
	Notifications NotificationsConfig `koanf:"notifications"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required,nefield=Port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig configures the PostgreSQL pool.
type DatabaseConfig struct {
	URL             string        `koanf:"url" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"gte=0,ltefield=MaxOpenConns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectAttempts int           `koanf:"connect_attempts" validate:"gte=1"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout" validate:"gt=0"`
}

// RedisConfig configures live in-app delivery. Disabled means in-app
// notifications are only stored.
type RedisConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Addr     string `koanf:"addr" validate:"required_if=Enabled true"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"gte=0"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// JWTConfig configures bearer token validation.
type JWTConfig struct {
	SecretKey string `koanf:"secret_key" validate:"required,min=32"`
	Issuer    string `koanf:"issuer"`
}

// NotificationsConfig configures the queue, worker and channels.
type NotificationsConfig struct {
	Enabled         bool                  `koanf:"enabled"`
	BaseURL         string                `koanf:"base_url" validate:"required,url"`
	MaxRetries      int                   `koanf:"max_retries" validate:"gte=1"`
	Worker          WorkerConfig          `koanf:"worker"`
	Retry           RetryConfig           `koanf:"retry"`
	Maintenance     MaintenanceConfig     `koanf:"maintenance"`
	PreferenceCache PreferenceCacheConfig `koanf:"preference_cache"`
	Email           EmailConfig           `koanf:"email"`
	Push            PushConfig            `koanf:"push"`
}

// WorkerConfig configures queue polling.
type WorkerConfig struct {
	BatchSize         int           `koanf:"batch_size" validate:"gte=1"`
	PollInterval      time.Duration `koanf:"poll_interval" validate:"gt=0"`
	NumWorkers        int           `koanf:"num_workers" validate:"gte=1"`
	Concurrency       int           `koanf:"concurrency" validate:"gte=1"`
	SendTimeout       time.Duration `koanf:"send_timeout" validate:"gt=0"`
	MaxReportedErrors int           `koanf:"max_reported_errors" validate:"gte=0"`
}

// RetryConfig configures exponential backoff between attempts.
type RetryConfig struct {
	InitialBackoff    time.Duration `koanf:"initial_backoff" validate:"gt=0"`
	MaxBackoff        time.Duration `koanf:"max_backoff" validate:"gtefield=InitialBackoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier" validate:"gte=1"`
}

// MaintenanceConfig configures purge and stuck item recovery.
type MaintenanceConfig struct {
	Retention       time.Duration `koanf:"retention" validate:"gt=0"`
	CleanupInterval time.Duration `koanf:"cleanup_interval" validate:"gt=0"`
	StuckAfter      time.Duration `koanf:"stuck_after" validate:"gt=0"`
	RecoverInterval time.Duration `koanf:"recover_interval" validate:"gt=0"`
}

// PreferenceCacheConfig configures the preference cache. A zero TTL disables it.
type PreferenceCacheConfig struct {
	TTL time.Duration `koanf:"ttl" validate:"gte=0"`
}

// EmailConfig configures SMTP delivery.
type EmailConfig struct {
	Enabled      bool    `koanf:"enabled"`
	SMTPHost     string  `koanf:"smtp_host" validate:"required_if=Enabled true"`
	SMTPPort     int     `koanf:"smtp_port" validate:"gte=0,lte=65535"`
	SMTPUser     string  `koanf:"smtp_user"`
	SMTPPassword string  `koanf:"smtp_password"`
	FromAddress  string  `koanf:"from_address" validate:"required_if=Enabled true"`
	RateLimit    float64 `koanf:"rate_limit" validate:"gte=0"`
	Burst        int     `koanf:"burst" validate:"gte=0"`
	// MaxConnections caps simultaneous SMTP connections.
	MaxConnections int `koanf:"max_connections" validate:"gte=0"`
}

// PushConfig configures push delivery.
type PushConfig struct {
	Enabled bool `koanf:"enabled"`
}

// Default returns the configuration used for keys that are not set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectAttempts: 5,
			ConnectTimeout:  60 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		JWT: JWTConfig{
			Issuer: "referral-platform",
		},
		Notifications: NotificationsConfig{
			Enabled:    true,
			MaxRetries: 3,
			Worker: WorkerConfig{
				BatchSize:         100,
				PollInterval:      time.Minute,
				NumWorkers:        1,
				Concurrency:       10,
				SendTimeout:       30 * time.Second,
				MaxReportedErrors: 50,
			},
			Retry: RetryConfig{
				InitialBackoff:    2 * time.Minute,
				MaxBackoff:        24 * time.Hour,
				BackoffMultiplier: 2.0,
			},
			Maintenance: MaintenanceConfig{
				Retention:       30 * 24 * time.Hour,
				CleanupInterval: 168 * time.Hour,
				StuckAfter:      15 * time.Minute,
				RecoverInterval: 5 * time.Minute,
			},
			PreferenceCache: PreferenceCacheConfig{
				TTL: 5 * time.Minute,
			},
			Email: EmailConfig{
				SMTPPort:       587,
				RateLimit:      10,
				Burst:          5,
				MaxConnections: 4,
			},
		},
	}
}

// Load reads path (optional) and the environment over the defaults and
// validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}
