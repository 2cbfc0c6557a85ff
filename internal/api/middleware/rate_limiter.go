package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/rail-service/payout_service/internal/api/handlers/common"
)

// ClientRateLimiter limits each authenticated service, falling back to the client IP
type ClientRateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewClientRateLimiter creates a limiter allowing requestsPerMinute per caller
func NewClientRateLimiter(requestsPerMinute int) *ClientRateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 600
	}
	return &ClientRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Every(time.Minute / time.Duration(requestsPerMinute)),
		burst:    requestsPerMinute,
	}
}

func (cl *ClientRateLimiter) getLimiter(key string) *rate.Limiter {
	cl.mu.RLock()
	limiter, exists := cl.limiters[key]
	cl.mu.RUnlock()

	if exists {
		return limiter
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if limiter, exists = cl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(cl.rate, cl.burst)
	cl.limiters[key] = limiter
	return limiter
}

// Limit returns the middleware. Mount it after ServiceAuth so the service name is known.
func (cl *ClientRateLimiter) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := common.GetService(c)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		if !cl.getLimiter(key).Allow() {
			c.Header("Retry-After", "60")
			common.AbortWithError(c, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Too many requests. Please try again later.")
			return
		}
		c.Next()
	}
}
