package middleware

import (
	"net/http"
	"strings"

	"go-txpipeline/internal/handlers"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AuthMiddleware validates caller JWTs.
type AuthMiddleware struct {
	logger *logrus.Logger
}

// NewAuthMiddleware creates the caller auth middleware.
func NewAuthMiddleware(logger *logrus.Logger) *AuthMiddleware {
	return &AuthMiddleware{logger: logger}
}

// RequireAuth rejects requests without a valid Bearer token and stores the
// caller identity in the gin context.
func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			rejectRequest(a.logger, c, http.StatusUnauthorized, "Authentication required", "missing or malformed Authorization header")
			return
		}

		claims, err := handlers.ValidateJWTToken(token)
		if err != nil {
			rejectRequest(a.logger, c, http.StatusUnauthorized, "Invalid or expired token", err.Error())
			return
		}

		c.Set("caller_id", claims.CallerID)
		a.logger.WithFields(logrus.Fields{
			"path":      c.Request.URL.Path,
			"method":    c.Request.Method,
			"caller_id": claims.CallerID,
		}).Debug("Auth success")
		c.Next()
	}
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" || token == header {
		return "", false
	}
	return token, true
}

// rejectRequest logs the refusal and aborts the request with a uniform body.
func rejectRequest(logger *logrus.Logger, c *gin.Context, status int, message, detail string) {
	logger.WithFields(logrus.Fields{
		"path":   c.Request.URL.Path,
		"method": c.Request.Method,
		"detail": detail,
	}).Warn("Request rejected: " + message)

	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   message,
	})
}
