package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the complete service configuration
type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Tracing     TracingConfig   `mapstructure:"tracing"`
	Auth        AuthConfig      `mapstructure:"auth"`
	Ledger      LedgerConfig    `mapstructure:"ledger"`
	Email       EmailConfig     `mapstructure:"email"`
	Providers   ProvidersConfig `mapstructure:"providers"`
	Routes      []RouteConfig   `mapstructure:"routes"`
	Retry       RetryConfig     `mapstructure:"retry"`
	Lease       LeaseConfig     `mapstructure:"lease"`
	Poller      PollerConfig    `mapstructure:"poller"`
	Webhooks    WebhookConfig   `mapstructure:"webhooks"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    int           `mapstructure:"read_timeout"`
	WriteTimeout   int           `mapstructure:"write_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PublicBaseURL  string        `mapstructure:"public_base_url"`
	// ClientRateLimit is the per caller budget on /api/v1, in requests per minute
	ClientRateLimit int `mapstructure:"client_rate_limit"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	CollectorURL string  `mapstructure:"collector_url"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
	Audience  string `mapstructure:"audience"`
}

type LedgerConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type EmailConfig struct {
	Provider  string `mapstructure:"provider"`
	APIKey    string `mapstructure:"api_key"`
	FromEmail string `mapstructure:"from_email"`
	FromName  string `mapstructure:"from_name"`
	SMTPHost  string `mapstructure:"smtp_host"`
	SMTPPort  int    `mapstructure:"smtp_port"`
}

type ProvidersConfig struct {
	CinetPay    CinetPayConfig    `mapstructure:"cinetpay"`
	PayDunya    PayDunyaConfig    `mapstructure:"paydunya"`
	NOWPayments NOWPaymentsConfig `mapstructure:"nowpayments"`
}

type CinetPayConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	Password      string        `mapstructure:"password"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type PayDunyaConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	BaseURL    string        `mapstructure:"base_url"`
	MasterKey  string        `mapstructure:"master_key"`
	PrivateKey string        `mapstructure:"private_key"`
	Token      string        `mapstructure:"token"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type NOWPaymentsConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Email     string        `mapstructure:"email"`
	Password  string        `mapstructure:"password"`
	IPNSecret string        `mapstructure:"ipn_secret"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// RouteConfig overrides or extends the built-in route table
type RouteConfig struct {
	Country               string   `mapstructure:"country"`
	Channel               string   `mapstructure:"channel"`
	Provider              string   `mapstructure:"provider"`
	ProviderChannel       string   `mapstructure:"provider_channel"`
	Currency              string   `mapstructure:"currency"`
	MinAmount             string   `mapstructure:"min_amount"`
	MaxAmount             string   `mapstructure:"max_amount"`
	DialPrefix            string   `mapstructure:"dial_prefix"`
	RequiresCountryPrefix bool     `mapstructure:"requires_country_prefix"`
	MaxAttempts           int      `mapstructure:"max_attempts"`
	Eligibility           string   `mapstructure:"eligibility"`
	Alternates            []string `mapstructure:"alternates"`
}

type RetryConfig struct {
	BaseDelay          time.Duration `mapstructure:"base_delay"`
	MaxDelay           time.Duration `mapstructure:"max_delay"`
	DefaultMaxAttempts int           `mapstructure:"default_max_attempts"`
	JitterFraction     float64       `mapstructure:"jitter_fraction"`
	Schedule           string        `mapstructure:"schedule"`
	BatchSize          int           `mapstructure:"batch_size"`
	Concurrency        int           `mapstructure:"concurrency"`
}

type LeaseConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type PollerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Schedule    string        `mapstructure:"schedule"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
	BatchSize   int           `mapstructure:"batch_size"`
	Concurrency int           `mapstructure:"concurrency"`
}

type WebhookConfig struct {
	DedupeTTL       time.Duration `mapstructure:"dedupe_ttl"`
	RateLimit       int           `mapstructure:"rate_limit"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	// AllowedSources maps a provider to the CIDRs its webhooks may come from
	AllowedSources map[string][]string `mapstructure:"allowed_sources"`
}

// Load reads configuration from .env, config.yaml and the environment
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 60)
	v.SetDefault("server.request_timeout", 45*time.Second)
	v.SetDefault("server.public_base_url", "http://localhost:8080")
	v.SetDefault("server.client_rate_limit", 600)

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("tracing.collector_url", "localhost:4317")
	v.SetDefault("tracing.sample_rate", 1.0)

	v.SetDefault("auth.issuer", "wallet-service")
	v.SetDefault("auth.audience", "payout-service")

	v.SetDefault("ledger.timeout", 10*time.Second)
	v.SetDefault("email.provider", "log")
	v.SetDefault("email.from_name", "Payouts")
	v.SetDefault("email.smtp_host", "localhost")
	v.SetDefault("email.smtp_port", 1025)

	v.SetDefault("providers.cinetpay.base_url", "https://client.cinetpay.com")
	v.SetDefault("providers.cinetpay.timeout", 60*time.Second)
	v.SetDefault("providers.paydunya.base_url", "https://app.paydunya.com")
	v.SetDefault("providers.paydunya.timeout", 60*time.Second)
	v.SetDefault("providers.nowpayments.base_url", "https://api.nowpayments.io")
	v.SetDefault("providers.nowpayments.timeout", 120*time.Second)

	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 10*time.Second)
	v.SetDefault("retry.default_max_attempts", 3)
	v.SetDefault("retry.jitter_fraction", 0.2)
	v.SetDefault("retry.schedule", "@every 5s")
	v.SetDefault("retry.batch_size", 50)
	v.SetDefault("retry.concurrency", 4)

	v.SetDefault("lease.ttl", 15*time.Minute)

	v.SetDefault("poller.enabled", true)
	v.SetDefault("poller.schedule", "@every 1m")
	v.SetDefault("poller.grace_period", 2*time.Minute)
	v.SetDefault("poller.batch_size", 100)
	v.SetDefault("poller.concurrency", 8)

	v.SetDefault("webhooks.dedupe_ttl", 24*time.Hour)
	v.SetDefault("webhooks.rate_limit", 600)
	v.SetDefault("webhooks.rate_limit_window", time.Minute)

	// Keys without a meaningful default still need registering so that
	// AutomaticEnv values are picked up by Unmarshal.
	for _, key := range []string{
		"database.url", "redis.password", "auth.jwt_secret",
		"ledger.base_url", "ledger.api_key", "email.api_key", "email.from_email",
		"providers.cinetpay.enabled", "providers.cinetpay.api_key", "providers.cinetpay.password", "providers.cinetpay.webhook_secret",
		"providers.paydunya.enabled", "providers.paydunya.master_key", "providers.paydunya.private_key", "providers.paydunya.token",
		"providers.nowpayments.enabled", "providers.nowpayments.api_key", "providers.nowpayments.email", "providers.nowpayments.password", "providers.nowpayments.ipn_secret",
	} {
		if !v.IsSet(key) {
			v.SetDefault(key, "")
		}
	}
}

// bindLegacyEnv maps the flat variable names used by deployment manifests
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("tracing.collector_url", "OTEL_COLLECTOR_URL")
	_ = v.BindEnv("email.api_key", "SENDGRID_API_KEY")
	_ = v.BindEnv("environment", "ENVIRONMENT")
	_ = v.BindEnv("log_level", "LOG_LEVEL")
}

// Validate checks required settings
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required")
	}
	if c.Ledger.BaseURL == "" {
		return fmt.Errorf("ledger base url is required")
	}
	if c.Retry.DefaultMaxAttempts < 1 {
		return fmt.Errorf("retry.default_max_attempts must be at least 1")
	}
	if c.Lease.TTL <= 0 {
		return fmt.Errorf("lease.ttl must be positive")
	}
	return nil
}
