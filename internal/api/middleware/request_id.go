package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rail-service/payout_service/internal/api/handlers/common"
	"github.com/rail-service/payout_service/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

// RequestID propagates the caller's request id or assigns a new one
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(common.ContextRequestID, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// RequestLogger logs one line per request. Query strings are not logged.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		kv := []interface{}{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", common.GetRequestID(c),
		}
		if svc := common.GetService(c); svc != "" {
			kv = append(kv, "service", svc)
		}
		switch {
		case status >= 500:
			log.Error("HTTP request", kv...)
		case status >= 400:
			log.Warn("HTTP request", kv...)
		default:
			log.Debug("HTTP request", kv...)
		}
	}
}
