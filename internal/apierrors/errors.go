package apierrors

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"pulse-server/internal/observability"
)

var logger = observability.NewLogger()

// The tag consumes 400 bodies as a JSON array of messages naming the bad
// parameter, e.g. ["'identifier' missing"]. That shape predates this
// service and every installed tag depends on it.

// MissingParam sends a 400 naming the absent parameter.
func MissingParam(c *gin.Context, param string) {
	badRequest(c, fmt.Sprintf("'%s' missing", param))
}

// InvalidParam sends a 400 naming the malformed parameter.
func InvalidParam(c *gin.Context, param string) {
	badRequest(c, fmt.Sprintf("'%s' invalid", param))
}

func badRequest(c *gin.Context, messages ...string) {
	ctx := observability.WithFields(c.Request.Context(),
		observability.Field{Key: "status_code", Value: http.StatusBadRequest},
		observability.Field{Key: "error_messages", Value: messages},
	)
	logger.Info(ctx, "API error response")
	c.JSON(http.StatusBadRequest, messages)
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, gin.H{"error": message})
}

// Forbidden sends the plain 403 body the tag expects for blocked IPs and
// crawler user agents.
func Forbidden(c *gin.Context) {
	c.String(http.StatusForbidden, "Forbidden")
}

// InternalError sends a sanitized 500 response - never exposes internal details
func InternalError(c *gin.Context, internalErr error) {
	logger.Error(c.Request.Context(), "internal error", internalErr)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "An internal error occurred. Please try again later."})
}
