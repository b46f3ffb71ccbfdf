package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/gramharvest/scraper-api/internal/middleware"
)

// TokenResponse is the token exchange response payload.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	AccountID string    `json:"account_id"`
	Email     string    `json:"email"`
}

// TokenHandler exchanges a valid API key for a short-lived JWT. The key
// arrives in the X-API-Key header; the token carries it as a claim so
// revoking the key also invalidates outstanding tokens.
func TokenHandler(resolver middleware.AccountResolver, jwtSecret string, tokenDuration time.Duration, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader("X-API-Key"))
		if key == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "X-API-Key header required"})
			return
		}

		account, ok := resolver.LookupByAPIKey(key)
		if !ok {
			log.Info("token request with unknown API key")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			return
		}

		now := time.Now()
		expiresAt := now.Add(tokenDuration)
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"account_id": account.ID,
			"api_key":    key,
			"exp":        expiresAt.Unix(),
			"iat":        now.Unix(),
		})

		tokenStr, err := token.SignedString([]byte(jwtSecret))
		if err != nil {
			log.Error("failed to sign token", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
			return
		}

		c.JSON(http.StatusOK, TokenResponse{
			Token:     tokenStr,
			ExpiresAt: expiresAt,
			AccountID: account.ID,
			Email:     account.Email,
		})
	}
}
