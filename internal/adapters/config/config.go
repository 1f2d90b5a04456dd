package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"hermes/pkg/errors"
)

type Config struct {
	App           AppConfig
	Redis         RedisConfig
	Telegram      TelegramConfig
	Session       SessionConfig
	RateLimit     RateLimitConfig
	Cache         CacheConfig
	CRM           CRMConfig
	Metrics       MetricsConfig
	ErrorTracking ErrorTrackingConfig
}

type AppConfig struct {
	Name     string `envconfig:"APP_NAME" default:"hermes"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Debug    bool   `envconfig:"DEBUG" default:"false"`
}

type RedisConfig struct {
	Host         string        `envconfig:"REDIS_HOST" required:"true"`
	Port         int           `envconfig:"REDIS_PORT" default:"6379"`
	Password     string        `envconfig:"REDIS_PASSWORD"`
	DB           int           `envconfig:"REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"REDIS_POOL_SIZE" default:"20"`
	DialTimeout  time.Duration `envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `envconfig:"REDIS_WRITE_TIMEOUT" default:"3s"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type TelegramConfig struct {
	BotToken string        `envconfig:"TELEGRAM_BOT_TOKEN"`
	Debug    bool          `envconfig:"TELEGRAM_DEBUG" default:"false"`
	Timeout  time.Duration `envconfig:"TELEGRAM_HTTP_TIMEOUT" default:"30s"`
	// Telegram allows ~30 outgoing messages per second per bot
	RateLimitRate  int `envconfig:"TELEGRAM_RATE_LIMIT_RATE" default:"20"`
	RateLimitBurst int `envconfig:"TELEGRAM_RATE_LIMIT_BURST" default:"30"`
}

type SessionConfig struct {
	// DefaultTTL applies to anonymous sessions, AuthTTL to authenticated ones
	DefaultTTL    time.Duration `envconfig:"SESSION_DEFAULT_TTL" default:"30m"`
	AuthTTL       time.Duration `envconfig:"SESSION_AUTH_TTL" default:"60m"`
	SweepInterval time.Duration `envconfig:"SESSION_SWEEP_INTERVAL" default:"1h"`
	SweepEnabled  bool          `envconfig:"SESSION_SWEEP_ENABLED" default:"true"`
}

type RateLimitConfig struct {
	MaxRequests int           `envconfig:"RATE_LIMIT_MAX_REQUESTS" default:"100"`
	Window      time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1h"`
}

type CacheConfig struct {
	DefaultTTL time.Duration `envconfig:"CACHE_DEFAULT_TTL" default:"1h"`
	OrderTTL   time.Duration `envconfig:"CACHE_ORDER_TTL" default:"60s"`
	UserTTL    time.Duration `envconfig:"CACHE_USER_TTL" default:"5m"`
}

type CRMConfig struct {
	BaseURL string        `envconfig:"CRM_BASE_URL"`
	APIKey  string        `envconfig:"CRM_API_KEY"`
	Timeout time.Duration `envconfig:"CRM_TIMEOUT" default:"10s"`
	// ComplaintsPerDay caps complaint submissions per national id per 24h
	ComplaintsPerDay int `envconfig:"CRM_COMPLAINTS_PER_DAY" default:"3"`
}

type MetricsConfig struct {
	Enabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	Addr    string `envconfig:"METRICS_ADDR" default:":9090"`
}

type ErrorTrackingConfig struct {
	Enabled     bool   `envconfig:"ERROR_TRACKING_ENABLED" default:"true"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"SENTRY_ENVIRONMENT" default:"production"`
}

// Load reads configuration from environment variables
// It first tries to load .env file (useful for local development)
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not exists)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process env config")
	}

	return &cfg, nil
}
