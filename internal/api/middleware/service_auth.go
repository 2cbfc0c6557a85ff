package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rail-service/payout_service/internal/api/handlers/common"
	"github.com/rail-service/payout_service/pkg/auth"
)

// TokenValidator validates service bearer tokens
type TokenValidator interface {
	Validate(token string) (*auth.ServiceClaims, error)
}

// ServiceAuth requires a valid service token carrying scope
func ServiceAuth(validator TokenValidator, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			common.AbortWithError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Missing bearer token")
			return
		}

		claims, err := validator.Validate(token)
		if err != nil {
			common.AbortWithError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid service token")
			return
		}
		if scope != "" && !claims.HasScope(scope) {
			common.AbortWithError(c, http.StatusForbidden, "FORBIDDEN", "Token lacks required scope")
			return
		}

		c.Set(common.ContextService, claims.Service)
		c.Next()
	}
}
