package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rail-service/payout_service/internal/api/handlers/common"
)

// SourceAllowlist decides whether a client IP may deliver a provider's webhooks
type SourceAllowlist interface {
	Allowed(provider, clientIP string) bool
}

// ProviderRateLimiter counts webhook deliveries per provider
type ProviderRateLimiter interface {
	Allow(ctx context.Context, provider string) (bool, time.Duration)
}

// WebhookSecurity guards /webhooks/:provider. Either dependency may be nil.
// Signature verification happens in the handler, where the adapter is known.
func WebhookSecurity(allowlist SourceAllowlist, limiter ProviderRateLimiter, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		provider := c.Param("provider")

		if allowlist != nil && !allowlist.Allowed(provider, c.ClientIP()) {
			logger.Warn("Webhook source rejected",
				zap.String("provider", provider),
				zap.String("client_ip", c.ClientIP()))
			common.AbortWithError(c, http.StatusForbidden, "SOURCE_NOT_ALLOWED", "Request origin not authorized")
			return
		}

		if limiter != nil {
			if ok, resetIn := limiter.Allow(c.Request.Context(), provider); !ok {
				logger.Warn("Webhook rate limited",
					zap.String("provider", provider),
					zap.Duration("reset_in", resetIn))
				c.Header("Retry-After", strconv.Itoa(int(resetIn.Seconds())))
				common.AbortWithError(c, http.StatusTooManyRequests, "RATE_LIMITED", "Too many webhook requests")
				return
			}
		}

		c.Next()
	}
}
