package auth

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
)

// Context keys set by AuthMiddleware.
const (
	ContextActor       = "actor"
	ContextPermissions = "permissions"
)

// AuthMiddleware requires a Bearer JWT or machine token.
func (a *AuthService) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing authorization header",
			})
			return
		}

		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid authorization header format",
			})
			return
		}

		id, err := a.ValidateToken(c.Request.Context(), token, c.ClientIP(), c.GetHeader("User-Agent"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(ContextActor, id.Name)
		c.Set(ContextPermissions, id.Permissions)
		c.Next()
	}
}

// AllowAll stands in for AuthMiddleware when auth is disabled.
func AllowAll() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ContextActor, "anonymous")
		c.Set(ContextPermissions, RolePermissions("admin"))
		c.Next()
	}
}

func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		perms, _ := c.Get(ContextPermissions)
		permissions, _ := perms.([]Permission)

		if !slices.Contains(permissions, required) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":    "insufficient permissions",
				"required": string(required),
			})
			return
		}
		c.Next()
	}
}

// Actor returns the authenticated caller name of a request.
func Actor(c *gin.Context) string {
	if name := c.GetString(ContextActor); name != "" {
		return name
	}
	return "anonymous"
}
