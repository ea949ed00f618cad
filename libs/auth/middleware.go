package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ContextUserIDKey is where the middleware stores the authenticated user id.
const ContextUserIDKey = "user_id"

// Middleware authenticates requests with a bearer JWT. The token subject must
// be a user UUID; anything else is rejected before it reaches a handler.
func Middleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			unauthorized(c, "missing token")
			return
		}

		claims, err := ParseJWT(token, secret)
		if err != nil {
			unauthorized(c, "invalid token")
			return
		}
		if _, err := uuid.Parse(claims.Subject); err != nil {
			unauthorized(c, "invalid token")
			return
		}

		c.Set(ContextUserIDKey, claims.Subject)
		c.Next()
	}
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": message})
}
