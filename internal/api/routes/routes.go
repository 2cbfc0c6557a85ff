package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/rail-service/payout_service/internal/api/handlers/common"
	"github.com/rail-service/payout_service/internal/api/handlers/payouts"
	"github.com/rail-service/payout_service/internal/api/handlers/webhooks"
	"github.com/rail-service/payout_service/internal/api/middleware"
	"github.com/rail-service/payout_service/internal/infrastructure/di"
	"github.com/rail-service/payout_service/pkg/metrics"
)

const (
	ScopePayoutsWrite = "payouts:write"
	ScopePayoutsRead  = "payouts:read"
)

// SetupRoutes builds the HTTP router
func SetupRoutes(c *di.Container) (*gin.Engine, error) {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("payout-service"))
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(c.Logger))
	router.Use(metrics.Middleware())
	router.Use(common.MaxRequestBodySizeMiddleware())

	router.GET("/health", healthHandler(c))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	registerPayoutRoutes(router, c)
	if err := registerWebhookRoutes(router, c); err != nil {
		return nil, err
	}
	return router, nil
}

func registerPayoutRoutes(router *gin.Engine, c *di.Container) {
	var signals payouts.SignalReader
	if c.PayoutRepo != nil {
		signals = c.PayoutRepo
	}
	var service payouts.PayoutService
	if c.PayoutEngine != nil {
		service = c.PayoutEngine
	}
	h := payouts.NewPayoutHandlers(service, signals, c.ZapLog)
	limiter := middleware.NewClientRateLimiter(c.Config.Server.ClientRateLimit)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.RequestTimeout(c.Config.Server.RequestTimeout))
	{
		v1.POST("/payouts",
			middleware.ServiceAuth(c.TokenService, ScopePayoutsWrite), limiter.Limit(), h.CreatePayout)
		v1.GET("/payouts/:id",
			middleware.ServiceAuth(c.TokenService, ScopePayoutsRead), limiter.Limit(), h.GetPayout)
		v1.GET("/unmatched-signals",
			middleware.ServiceAuth(c.TokenService, ScopePayoutsRead), limiter.Limit(), h.ListUnmatched)
	}
}

// Webhooks carry no bearer token; the adapter verifies the signature
func registerWebhookRoutes(router *gin.Engine, c *di.Container) error {
	validator, err := webhooks.NewPayloadValidator(c.Registry.Providers())
	if err != nil {
		return err
	}

	var engine webhooks.OutcomeApplier
	if c.PayoutEngine != nil {
		engine = c.PayoutEngine
	}
	h := webhooks.NewProviderWebhookHandler(c.Registry, engine, validator, c.ZapLog)
	if c.WebhookDedupe != nil {
		h.SetDeduplicator(c.WebhookDedupe)
	}

	var allowlist middleware.SourceAllowlist
	if c.WebhookAllowlist != nil {
		allowlist = c.WebhookAllowlist
	}
	var limiter middleware.ProviderRateLimiter
	if c.WebhookLimiter != nil {
		limiter = c.WebhookLimiter
	}

	router.POST("/webhooks/:provider", middleware.WebhookSecurity(allowlist, limiter, c.ZapLog), h.HandleWebhook)
	return nil
}

func healthHandler(c *di.Container) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		checkCtx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
		defer cancel()

		checks := gin.H{}
		healthy := true
		if c.PayoutRepo != nil {
			if err := c.PayoutRepo.Ping(checkCtx); err != nil {
				checks["database"] = err.Error()
				healthy = false
			} else {
				checks["database"] = "ok"
			}
		}
		if c.Redis != nil {
			if err := c.Redis.Ping(checkCtx).Err(); err != nil {
				checks["redis"] = err.Error()
				healthy = false
			} else {
				checks["redis"] = "ok"
			}
		}

		status := http.StatusOK
		state := "healthy"
		if !healthy {
			status = http.StatusServiceUnavailable
			state = "degraded"
		}
		ctx.JSON(status, gin.H{"status": state, "checks": checks})
	}
}
