// Package config loads service configuration from a YAML file with
// environment variable overlay (env wins over file).
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the root configuration for the account service.
//
// Sources, in order of precedence:
//  1. explicit path passed by the caller (--config);
//  2. CONFIG_PATH environment variable;
//  3. ./local.yaml;
//  4. environment variables alone.
type Config struct {
	Env       string          `yaml:"env" env:"STEPLINE_ENV" env-default:"local"`
	HTTP      HTTPConfig      `yaml:"http"`
	DB        DBConfig        `yaml:"db"`
	Auth      AuthConfig      `yaml:"auth"`
	Verify    VerifyConfig    `yaml:"verification"`
	Lockout   LockoutConfig   `yaml:"lockout"`
	Cookie    CookieConfig    `yaml:"cookie"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Media     MediaConfig     `yaml:"media"`
	Events    EventsConfig    `yaml:"events"`
	Breach    BreachConfig    `yaml:"breach_check"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
}

// HTTPConfig holds listener settings.
type HTTPConfig struct {
	Host            string        `yaml:"host" env:"HTTP_HOST" env-default:"0.0.0.0"`
	Port            string        `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"HTTP_IDLE_TIMEOUT" env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" env:"HTTP_MAX_BODY_BYTES" env-default:"5242880"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"HTTP_ALLOWED_ORIGINS" env-separator:","`
}

// Addr returns host:port.
func (h HTTPConfig) Addr() string {
	return net.JoinHostPort(h.Host, h.Port)
}

// DBConfig holds database connection settings.
type DBConfig struct {
	DSN             string `yaml:"dsn" env:"DATABASE_DSN" env-required:"true"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS" env-default:"25"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS" env-default:"25"`
	AutoMigrate     bool   `yaml:"auto_migrate" env:"DATABASE_AUTO_MIGRATE" env-default:"false"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME" env-default:"30m"`
}

// AuthConfig parameterizes token issuance.
type AuthConfig struct {
	JWTSecret       string        `yaml:"jwt_secret" env:"AUTH_JWT_SECRET" env-required:"true"`
	Issuer          string        `yaml:"issuer" env:"AUTH_ISSUER" env-default:"stepline"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl" env:"AUTH_ACCESS_TOKEN_TTL" env-default:"15m"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl" env:"AUTH_REFRESH_TOKEN_TTL" env-default:"720h"`
}

// VerifyConfig parameterizes registration email verification.
type VerifyConfig struct {
	CodeTTL     time.Duration `yaml:"code_ttl" env:"VERIFY_CODE_TTL" env-default:"10m"`
	MaxAttempts int           `yaml:"max_attempts" env:"VERIFY_MAX_ATTEMPTS" env-default:"5"`
}

// LockoutConfig parameterizes the per-account brute-force counter.
type LockoutConfig struct {
	Threshold int           `yaml:"threshold" env:"LOCKOUT_THRESHOLD" env-default:"4"`
	Duration  time.Duration `yaml:"duration" env:"LOCKOUT_DURATION" env-default:"5m"`
}

// CookieConfig controls the refresh cookie attributes.
type CookieConfig struct {
	Domain   string `yaml:"domain" env:"COOKIE_DOMAIN" env-default:""`
	Path     string `yaml:"path" env:"COOKIE_PATH" env-default:"/auth"`
	SameSite string `yaml:"same_site" env:"COOKIE_SAME_SITE" env-default:"lax"`
	Secure   bool   `yaml:"secure" env:"COOKIE_SECURE" env-default:"false"`
}

// RateBudget is a fixed-window per-IP request budget.
type RateBudget struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// RateLimitConfig carries the independent per-endpoint budgets.
type RateLimitConfig struct {
	RegisterStart  RateBudget `yaml:"register_start"`
	RegisterVerify RateBudget `yaml:"register_verify"`
	Login          RateBudget `yaml:"login"`
	Forgot         RateBudget `yaml:"forgot"`
	Reset          RateBudget `yaml:"reset"`
}

// SMTPConfig configures outbound mail. An empty host disables dispatch, which
// makes register-start fail with a delivery error; useful only in tests.
type SMTPConfig struct {
	Host     string `yaml:"host" env:"SMTP_HOST" env-default:""`
	Port     string `yaml:"port" env:"SMTP_PORT" env-default:"587"`
	Username string `yaml:"username" env:"SMTP_USERNAME" env-default:""`
	Password string `yaml:"password" env:"SMTP_PASSWORD" env-default:""`
	From     string `yaml:"from" env:"SMTP_FROM" env-default:"no-reply@stepline.social"`
	Timeout  time.Duration `yaml:"timeout" env:"SMTP_TIMEOUT" env-default:"10s"`
}

// MediaConfig configures the avatar object store.
type MediaConfig struct {
	Endpoint  string `yaml:"endpoint" env:"MEDIA_ENDPOINT" env-default:""`
	AccessKey string `yaml:"access_key" env:"MEDIA_ACCESS_KEY" env-default:""`
	SecretKey string `yaml:"secret_key" env:"MEDIA_SECRET_KEY" env-default:""`
	Bucket    string `yaml:"bucket" env:"MEDIA_BUCKET" env-default:"stepline-avatars"`
	UseSSL    bool   `yaml:"use_ssl" env:"MEDIA_USE_SSL" env-default:"false"`
	PublicURL string `yaml:"public_url" env:"MEDIA_PUBLIC_URL" env-default:""`
}

// EventsConfig configures the Kafka lifecycle event producer. Empty brokers
// disable publishing.
type EventsConfig struct {
	Brokers []string      `yaml:"brokers" env:"EVENTS_BROKERS" env-separator:","`
	Topic   string        `yaml:"topic" env:"EVENTS_TOPIC" env-default:"account_events"`
	Timeout time.Duration `yaml:"timeout" env:"EVENTS_TIMEOUT" env-default:"5s"`
}

// BreachConfig configures the optional breached-password range lookup.
type BreachConfig struct {
	Enabled bool          `yaml:"enabled" env:"BREACH_CHECK_ENABLED" env-default:"false"`
	BaseURL string        `yaml:"base_url" env:"BREACH_CHECK_BASE_URL" env-default:"https://api.pwnedpasswords.com/range"`
	Timeout time.Duration `yaml:"timeout" env:"BREACH_CHECK_TIMEOUT" env-default:"3s"`
}

// SweeperConfig controls the background purge of dead rows.
type SweeperConfig struct {
	Interval  time.Duration `yaml:"interval" env:"SWEEPER_INTERVAL" env-default:"10m"`
	Retention time.Duration `yaml:"retention" env:"SWEEPER_RETENTION" env-default:"168h"`
}

// MustLoad wraps Load and panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration per the precedence described on Config.
func Load(path string) (*Config, error) {
	var cfg Config

	tryRead := func(p string) (*Config, error) {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("config file %q stat failed: %w", p, err)
		}
		if err := cleanenv.ReadConfig(p, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to overlay env: %w", err)
		}
		cfg.applyDefaults()
		return &cfg, nil
	}

	if path != "" {
		return tryRead(path)
	}
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return tryRead(envPath)
	}
	if _, err := os.Stat("local.yaml"); err == nil {
		return tryRead("local.yaml")
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config not found: provide --config, CONFIG_PATH, local.yaml or env vars: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills the rate budgets cleanenv cannot default as structs.
func (c *Config) applyDefaults() {
	def := func(b *RateBudget, requests int, window time.Duration) {
		if b.Requests <= 0 {
			b.Requests = requests
		}
		if b.Window <= 0 {
			b.Window = window
		}
	}
	def(&c.RateLimit.RegisterStart, 10, time.Hour)
	def(&c.RateLimit.RegisterVerify, 30, 15*time.Minute)
	def(&c.RateLimit.Login, 20, 15*time.Minute)
	def(&c.RateLimit.Forgot, 5, time.Hour)
	def(&c.RateLimit.Reset, 10, time.Hour)
}
