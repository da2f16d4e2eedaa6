package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyClaims is the key for storing verified claims in gin context
	ContextKeyClaims = "authClaims"
	// ContextKeyCallerAddr is the key for storing the authenticated caller address
	ContextKeyCallerAddr = "authCallerAddr"
)

// Middleware extracts and validates a bearer token from the request.
// Sets authClaims and authCallerAddr in context if valid.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header != "" {
			claims, err := v.Validate(header)
			if err == nil {
				c.Set(ContextKeyClaims, claims)
				c.Set(ContextKeyCallerAddr, claims.Subject)
			}
		}

		c.Next()
	}
}

// RequireAuth middleware rejects requests without valid auth
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyClaims); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <jwt>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireSelf middleware requires auth AND that the :param address is the
// caller's, unless the caller is the operator.
func RequireSelf(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		if !claims.HasRole(RoleOperator) && !strings.EqualFold(claims.Subject, c.Param(paramName)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Token does not belong to this address.",
			})
			return
		}
		c.Next()
	}
}

// GetClaims returns the verified claims from context (if authenticated)
func GetClaims(c *gin.Context) (*Claims, bool) {
	v, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

// CallerAddr returns the authenticated caller's address, or "".
func CallerAddr(c *gin.Context) string {
	return c.GetString(ContextKeyCallerAddr)
}

// IsOperator reports whether the caller holds the operator role.
func IsOperator(c *gin.Context) bool {
	claims, ok := GetClaims(c)
	return ok && claims.HasRole(RoleOperator)
}
