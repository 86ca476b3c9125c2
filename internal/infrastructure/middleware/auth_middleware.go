package middleware

import (
	"net/http"
	"strings"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/services"
	"chatcall/pkg/logger"

	"github.com/gin-gonic/gin"
)

// UserIDKey is the gin context key holding the authenticated domain.UserID.
const UserIDKey = "user_id"

func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			return
		}

		token, ok := bearerToken(authHeader)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		setUser(c, claims)
		c.Next()
	}
}

func OptionalAuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c.GetHeader("Authorization")); ok {
			if claims, err := authService.ValidateToken(token); err == nil {
				setUser(c, claims)
			}
		}
		c.Next()
	}
}

// CurrentUser returns the user set by AuthMiddleware.
func CurrentUser(c *gin.Context) (domain.UserID, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return "", false
	}
	user, ok := v.(domain.UserID)
	return user, ok && user != ""
}

func setUser(c *gin.Context, claims *services.Claims) {
	c.Set(UserIDKey, claims.UserID)
	c.Set("display_name", claims.DisplayName)

	ctx := services.ContextWithUser(c.Request.Context(), claims.UserID)
	ctx = logger.WithUserID(ctx, string(claims.UserID))
	c.Request = c.Request.WithContext(ctx)
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
