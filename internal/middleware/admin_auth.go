package middleware

import (
	"net/http"

	"go-txpipeline/internal/handlers"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AdminAuthMiddleware validates admin JWTs for the operator API.
type AdminAuthMiddleware struct {
	logger *logrus.Logger
}

// NewAdminAuthMiddleware creates the admin auth middleware.
func NewAdminAuthMiddleware(logger *logrus.Logger) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{logger: logger}
}

// RequireAdminAuth rejects requests without a valid admin-role token.
func (a *AdminAuthMiddleware) RequireAdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			rejectRequest(a.logger, c, http.StatusUnauthorized, "Authentication required", "missing or malformed Authorization header")
			return
		}

		claims, err := handlers.ValidateAdminJWTToken(token)
		if err != nil {
			rejectRequest(a.logger, c, http.StatusUnauthorized, "Invalid or expired token", err.Error())
			return
		}
		if claims.Role != "admin" {
			rejectRequest(a.logger, c, http.StatusForbidden, "Insufficient permissions", "role "+claims.Role)
			return
		}

		c.Set("admin_username", claims.Username)
		c.Set("admin_role", claims.Role)
		c.Next()
	}
}
