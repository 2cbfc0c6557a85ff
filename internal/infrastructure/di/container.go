package di

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rail-service/payout_service/internal/domain/entities"
	"github.com/rail-service/payout_service/internal/domain/services/idempotency"
	"github.com/rail-service/payout_service/internal/domain/services/payout"
	"github.com/rail-service/payout_service/internal/domain/services/registry"
	"github.com/rail-service/payout_service/internal/domain/services/retry"
	"github.com/rail-service/payout_service/internal/infrastructure/adapters"
	"github.com/rail-service/payout_service/internal/infrastructure/adapters/cinetpay"
	"github.com/rail-service/payout_service/internal/infrastructure/adapters/ledger"
	"github.com/rail-service/payout_service/internal/infrastructure/adapters/nowpayments"
	"github.com/rail-service/payout_service/internal/infrastructure/adapters/paydunya"
	"github.com/rail-service/payout_service/internal/infrastructure/config"
	"github.com/rail-service/payout_service/internal/infrastructure/repositories"
	"github.com/rail-service/payout_service/internal/workers/payout_retry"
	"github.com/rail-service/payout_service/internal/workers/status_poller"
	"github.com/rail-service/payout_service/pkg/auth"
	"github.com/rail-service/payout_service/pkg/logger"
	"github.com/rail-service/payout_service/pkg/security"
)

// Container holds every long-lived dependency of the service
type Container struct {
	Config *config.Config
	DB     *sqlx.DB
	Redis  *redis.Client
	Logger *logger.Logger
	ZapLog *zap.Logger

	// Persistence
	PayoutRepo *repositories.PayoutRepository

	// Providers and routing
	Adapters []registry.ProviderAdapter
	Registry *registry.Registry

	// Payout engine and collaborators
	LeaseGuard     *idempotency.Guard
	RetryScheduler *retry.Scheduler
	LedgerClient   *ledger.Client
	EmailService   *adapters.EmailService
	PayoutEngine   *payout.Engine

	// API security
	TokenService     *auth.ServiceTokenService
	WebhookDedupe    *security.WebhookDeduplicator
	WebhookAllowlist *security.WebhookIPAllowlist
	WebhookLimiter   *security.WebhookRateLimiter

	// Workers
	RetryProcessor *payout_retry.Processor
	StatusPoller   *status_poller.Poller
}

// NewContainer wires the service graph
func NewContainer(cfg *config.Config, db *sqlx.DB, redisClient *redis.Client, log *logger.Logger) (*Container, error) {
	c := &Container{
		Config: cfg,
		DB:     db,
		Redis:  redisClient,
		Logger: log,
		ZapLog: log.Zap(),
	}

	c.PayoutRepo = repositories.NewPayoutRepository(db)

	if err := c.initializeRouting(); err != nil {
		return nil, err
	}
	if err := c.initializeEngine(); err != nil {
		return nil, err
	}
	if err := c.initializeSecurity(); err != nil {
		return nil, err
	}
	c.initializeWorkers()

	return c, nil
}

func (c *Container) webhookURL(providerID string) string {
	return strings.TrimRight(c.Config.Server.PublicBaseURL, "/") + "/webhooks/" + providerID
}

// buildAdapters instantiates the enabled providers
func (c *Container) buildAdapters() ([]registry.ProviderAdapter, map[string]bool) {
	p := c.Config.Providers
	enabled := map[string]bool{
		entities.ProviderCinetPay:    p.CinetPay.Enabled,
		entities.ProviderPayDunya:    p.PayDunya.Enabled,
		entities.ProviderNOWPayments: p.NOWPayments.Enabled,
	}

	var out []registry.ProviderAdapter
	if p.CinetPay.Enabled {
		out = append(out, cinetpay.New(cinetpay.Config{
			BaseURL:       p.CinetPay.BaseURL,
			APIKey:        p.CinetPay.APIKey,
			Password:      p.CinetPay.Password,
			WebhookSecret: p.CinetPay.WebhookSecret,
			NotifyURL:     c.webhookURL(entities.ProviderCinetPay),
			Timeout:       p.CinetPay.Timeout,
		}, c.Logger))
	}
	if p.PayDunya.Enabled {
		out = append(out, paydunya.New(paydunya.Config{
			BaseURL:     p.PayDunya.BaseURL,
			MasterKey:   p.PayDunya.MasterKey,
			PrivateKey:  p.PayDunya.PrivateKey,
			Token:       p.PayDunya.Token,
			CallbackURL: c.webhookURL(entities.ProviderPayDunya),
			Timeout:     p.PayDunya.Timeout,
		}, c.Logger))
	}
	if p.NOWPayments.Enabled {
		out = append(out, nowpayments.New(nowpayments.Config{
			BaseURL:     p.NOWPayments.BaseURL,
			APIKey:      p.NOWPayments.APIKey,
			Email:       p.NOWPayments.Email,
			Password:    p.NOWPayments.Password,
			IPNSecret:   p.NOWPayments.IPNSecret,
			CallbackURL: c.webhookURL(entities.ProviderNOWPayments),
			Timeout:     p.NOWPayments.Timeout,
		}, c.Logger))
	}
	return out, enabled
}

func (c *Container) initializeRouting() error {
	adapterList, enabled := c.buildAdapters()
	if len(adapterList) == 0 {
		c.Logger.Warn("No payout provider enabled; every payout will be rejected as unsupported")
	}
	c.Adapters = adapterList

	defaults := registry.DefaultRoutes()
	overrides, err := RouteSpecs(c.Config.Routes, defaults)
	if err != nil {
		return fmt.Errorf("invalid route configuration: %w", err)
	}

	reg, err := registry.New(adapterList, registry.ForProviders(registry.Override(defaults, overrides), enabled))
	if err != nil {
		return fmt.Errorf("failed to build provider registry: %w", err)
	}
	c.Registry = reg
	c.Logger.Info("Provider registry ready", "providers", reg.Providers(), "overrides", len(overrides))
	return nil
}

func (c *Container) initializeEngine() error {
	c.LeaseGuard = idempotency.NewGuard(c.Redis, c.Config.Lease.TTL)
	c.RetryScheduler = retry.NewScheduler(retry.Policy{
		BaseDelay:          c.Config.Retry.BaseDelay,
		MaxDelay:           c.Config.Retry.MaxDelay,
		DefaultMaxAttempts: c.Config.Retry.DefaultMaxAttempts,
		JitterFraction:     c.Config.Retry.JitterFraction,
	})
	c.LedgerClient = ledger.NewClient(ledger.Config{
		BaseURL: c.Config.Ledger.BaseURL,
		APIKey:  c.Config.Ledger.APIKey,
		Timeout: c.Config.Ledger.Timeout,
	}, c.Logger)

	emailService, err := adapters.NewEmailService(c.ZapLog, adapters.EmailServiceConfig{
		Provider:    c.Config.Email.Provider,
		APIKey:      c.Config.Email.APIKey,
		FromEmail:   c.Config.Email.FromEmail,
		FromName:    c.Config.Email.FromName,
		Environment: c.Config.Environment,
		SMTPHost:    c.Config.Email.SMTPHost,
		SMTPPort:    c.Config.Email.SMTPPort,
	})
	if err != nil {
		return fmt.Errorf("failed to create email service: %w", err)
	}
	c.EmailService = emailService

	c.PayoutEngine = payout.NewEngine(c.PayoutRepo, c.Registry, c.LeaseGuard, c.RetryScheduler, c.LedgerClient, c.Logger)
	c.PayoutEngine.SetNotifier(c.EmailService)
	return nil
}

func (c *Container) initializeSecurity() error {
	c.TokenService = auth.NewServiceTokenService(c.Config.Auth.JWTSecret, c.Config.Auth.Issuer, c.Config.Auth.Audience)
	c.WebhookDedupe = security.NewWebhookDeduplicator(c.Redis, c.Config.Webhooks.DedupeTTL, c.ZapLog)
	c.WebhookLimiter = security.NewWebhookRateLimiter(c.Redis, security.WebhookRateLimit{
		MaxRequests: c.Config.Webhooks.RateLimit,
		Window:      c.Config.Webhooks.RateLimitWindow,
	}, c.ZapLog)

	if len(c.Config.Webhooks.AllowedSources) > 0 {
		allowlist, err := security.NewWebhookIPAllowlist(c.Config.Webhooks.AllowedSources, c.ZapLog)
		if err != nil {
			return fmt.Errorf("invalid webhook allowlist: %w", err)
		}
		c.WebhookAllowlist = allowlist
	}
	return nil
}

func (c *Container) initializeWorkers() {
	retryCfg := payout_retry.DefaultProcessorConfig()
	if c.Config.Retry.Schedule != "" {
		retryCfg.Schedule = c.Config.Retry.Schedule
	}
	if c.Config.Retry.BatchSize > 0 {
		retryCfg.BatchSize = c.Config.Retry.BatchSize
	}
	if c.Config.Retry.Concurrency > 0 {
		retryCfg.Concurrency = c.Config.Retry.Concurrency
	}
	c.RetryProcessor = payout_retry.NewProcessor(retryCfg, c.PayoutRepo, c.PayoutEngine, c.Logger)

	c.StatusPoller = status_poller.NewPoller(status_poller.Config{
		Schedule:    c.Config.Poller.Schedule,
		GracePeriod: c.Config.Poller.GracePeriod,
		BatchSize:   c.Config.Poller.BatchSize,
		Concurrency: c.Config.Poller.Concurrency,
	}, c.PayoutRepo, c.PayoutEngine, c.Logger)
}
