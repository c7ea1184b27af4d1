package middleware

import (
	"net/http"
	"strings"

	"skatedm-client/internal/utils"

	"github.com/gin-gonic/gin"
)

const (
	authorizationHeaderKey  = "Authorization"
	authorizationTypeBearer = "bearer"
	authorizationPayloadKey = "userID"
)

// AuthMiddleware returns a Gin middleware that validates bearer tokens signed
// with secret and stores the caller's id in the context.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(authorizationHeaderKey)
		if len(authHeader) == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is not provided"})
			return
		}

		fields := strings.Fields(authHeader)
		if len(fields) < 2 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
			return
		}
		if strings.ToLower(fields[0]) != authorizationTypeBearer {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unsupported authorization type, 'Bearer' required"})
			return
		}

		claims, err := utils.ValidateJWT(fields[1], secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token", "details": err.Error()})
			return
		}

		c.Set(authorizationPayloadKey, claims.UserID)
		c.Next()
	}
}

// UserID returns the id stored by AuthMiddleware, or "" outside it.
func UserID(c *gin.Context) string {
	return c.GetString(authorizationPayloadKey)
}
