package middleware

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
)

// RequestTimeout bounds the request context. Handlers and the engine observe the
// deadline through ctx; a payout that outlives it keeps its persisted state and
// is completed by the retry processor or the status poller.
func RequestTimeout(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if timeout <= 0 {
			c.Next()
			return
		}
		ctx, cancel := withTimeoutIfNeeded(c.Request.Context(), timeout)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// withTimeoutIfNeeded adds a timeout only if the context doesn't already have a shorter deadline
func withTimeoutIfNeeded(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		if time.Until(deadline) < timeout {
			return ctx, func() {}
		}
	}
	return context.WithTimeout(ctx, timeout)
}
