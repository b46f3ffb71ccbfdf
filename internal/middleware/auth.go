// Package middleware provides the authentication and CORS layers for
// the API server.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/gramharvest/scraper-api/internal/billing"
)

const (
	accountKey = "account"
	apiKeyKey  = "api_key"
)

// AccountResolver resolves accounts from API keys. Satisfied by
// billing.Ledger.
type AccountResolver interface {
	LookupByAPIKey(key string) (billing.Account, bool)
}

// AuthRequired authenticates requests via an X-API-Key header or a
// Bearer JWT minted from one. On success the account snapshot and the
// presented API key land in the request context.
func AuthRequired(resolver AccountResolver, jwtSecret string, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := strings.TrimSpace(c.GetHeader("X-API-Key")); key != "" {
			account, ok := resolver.LookupByAPIKey(key)
			if !ok {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
				return
			}
			setAuthContext(c, account, key)
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "X-API-Key or Authorization header required",
			})
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid authorization format. Expected 'Bearer <token>'",
			})
			return
		}
		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Token cannot be empty"})
			return
		}

		claims, err := ValidateToken(tokenStr, jwtSecret)
		if err != nil {
			log.Debug("token validation failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		apiKey, ok := claims["api_key"].(string)
		if !ok || apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token claims"})
			return
		}

		// The key may have been revoked since the token was minted.
		account, ok := resolver.LookupByAPIKey(apiKey)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "API key no longer valid"})
			return
		}
		if id, ok := claims["account_id"].(string); !ok || id != account.ID {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token claims"})
			return
		}

		setAuthContext(c, account, apiKey)
		c.Next()
	}
}

func setAuthContext(c *gin.Context, account billing.Account, apiKey string) {
	c.Set(accountKey, account)
	c.Set(apiKeyKey, apiKey)
}

// AccountFromContext extracts the authenticated account.
func AccountFromContext(c *gin.Context) (billing.Account, bool) {
	v, exists := c.Get(accountKey)
	if !exists {
		return billing.Account{}, false
	}
	account, ok := v.(billing.Account)
	return account, ok
}

// APIKeyFromContext extracts the API key the request authenticated with.
func APIKeyFromContext(c *gin.Context) (string, bool) {
	v, exists := c.Get(apiKeyKey)
	if !exists {
		return "", false
	}
	key, ok := v.(string)
	return key, ok
}

// ValidateToken validates a JWT and returns its claims.
func ValidateToken(tokenString, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrInvalidKey
}

// CORS middleware handles Cross-Origin Resource Sharing.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-API-Key")
		c.Header("Access-Control-Expose-Headers", "Content-Length, Content-Disposition")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
