package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const claimsKey = "claims"

// Required enforces an HS256 access token, taken from the Authorization
// header or, for websocket upgrades, the "token" query parameter.
func Required(is Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := bearer(c.GetHeader("Authorization"))
		if tokenStr == "" {
			tokenStr = c.Query("token")
		}
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := is.Parse(tokenStr, KindAccess)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireRole must run after Required.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ClaimsFrom(c).Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
			return
		}
		c.Next()
	}
}

// RequireRoom rejects tokens issued for a different room than the :room
// path parameter.
func RequireRoom() gin.HandlerFunc {
	return func(c *gin.Context) {
		if room := c.Param("room"); room != "" && ClaimsFrom(c).Room != room {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token not valid for this room"})
			return
		}
		c.Next()
	}
}

// ClaimsFrom returns the claims stored by Required, or zero claims.
func ClaimsFrom(c *gin.Context) Claims {
	v, _ := c.Get(claimsKey)
	claims, _ := v.(Claims)
	return claims
}

func bearer(header string) string {
	if len(header) < len("bearer ") || !strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("bearer "):])
}
