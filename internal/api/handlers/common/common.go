package common

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/rail-service/payout_service/internal/domain/entities"
)

// Context keys set by middleware
const (
	ContextRequestID = "request_id"
	ContextService   = "service"
)

// GetRequestID extracts request ID from context
func GetRequestID(c *gin.Context) string {
	if reqID, exists := c.Get(ContextRequestID); exists {
		if id, ok := reqID.(string); ok {
			return id
		}
	}
	return ""
}

// GetService returns the authenticated calling service
func GetService(c *gin.Context) string {
	return c.GetString(ContextService)
}

// RespondError sends a standardized error response
func RespondError(c *gin.Context, status int, code, message string, details map[string]interface{}) {
	c.JSON(status, entities.ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	})
}

// AbortWithError sends a standardized error response and stops the handler chain
func AbortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, entities.ErrorResponse{Code: code, Message: message})
}

// RespondUnauthorized sends an unauthorized error
func RespondUnauthorized(c *gin.Context, message string) {
	RespondError(c, http.StatusUnauthorized, "UNAUTHORIZED", message, nil)
}

// RespondBadRequest sends a bad request error
func RespondBadRequest(c *gin.Context, message string, details ...map[string]interface{}) {
	var det map[string]interface{}
	if len(details) > 0 {
		det = details[0]
	}
	RespondError(c, http.StatusBadRequest, "INVALID_REQUEST", message, det)
}

// RespondValidationError sends field level validation failures
func RespondValidationError(c *gin.Context, fields map[string]string) {
	details := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		details[k] = v
	}
	RespondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Request validation failed", details)
}

// RespondInternalError sends an internal server error
func RespondInternalError(c *gin.Context, message string) {
	RespondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", message, nil)
}

// RespondNotFound sends a not found error
func RespondNotFound(c *gin.Context, message string) {
	RespondError(c, http.StatusNotFound, "NOT_FOUND", message, nil)
}

// RespondConflict sends a conflict error
func RespondConflict(c *gin.Context, code, message string) {
	RespondError(c, http.StatusConflict, code, message, nil)
}

// RespondSuccess sends a success response with data
func RespondSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// ParseIntParam parses a query parameter to int with default value and upper bound
func ParseIntParam(c *gin.Context, param string, defaultVal, max int) int {
	val := c.Query(param)
	if val == "" {
		return defaultVal
	}
	parsed, err := strconv.Atoi(val)
	if err != nil || parsed <= 0 {
		return defaultVal
	}
	if max > 0 && parsed > max {
		return max
	}
	return parsed
}
