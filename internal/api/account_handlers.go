package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gramharvest/scraper-api/internal/billing"
	"github.com/gramharvest/scraper-api/internal/middleware"
)

// AccountHandler reports the authenticated account's subscription,
// current-cycle usage and lifetime totals.
func AccountHandler(recorder *billing.Recorder, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey, ok := middleware.APIKeyFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		summary, err := recorder.Summary(apiKey)
		if err != nil {
			if errors.Is(err, billing.ErrAccountNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
				return
			}
			log.Error("failed to build account summary", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

// parsePeriod reads year and month query params, defaulting to the
// current UTC month.
func parsePeriod(c *gin.Context) (int, time.Month, bool) {
	now := time.Now().UTC()
	year, month := now.Year(), now.Month()

	if q := c.Query("year"); q != "" {
		parsed, err := strconv.Atoi(q)
		if err != nil || parsed < 2000 || parsed > 9999 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid year"})
			return 0, 0, false
		}
		year = parsed
	}
	if q := c.Query("month"); q != "" {
		parsed, err := strconv.Atoi(q)
		if err != nil || parsed < 1 || parsed > 12 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid month"})
			return 0, 0, false
		}
		month = time.Month(parsed)
	}
	return year, month, true
}

// UsageHandler reports the account's metered usage for one calendar
// month.
func UsageHandler(recorder *billing.Recorder, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := middleware.AccountFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		year, month, ok := parsePeriod(c)
		if !ok {
			return
		}

		usage, err := recorder.MonthlyUsage(account.ID, year, month)
		if err != nil {
			log.Error("failed to read monthly usage", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		c.JSON(http.StatusOK, usage)
	}
}

// InvoiceHandler generates the account's invoice for one calendar
// month.
func InvoiceHandler(recorder *billing.Recorder, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := middleware.AccountFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		year, month, ok := parsePeriod(c)
		if !ok {
			return
		}

		invoice, err := recorder.GenerateInvoice(account.ID, year, month)
		if err != nil {
			if errors.Is(err, billing.ErrAccountNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
				return
			}
			log.Error("failed to generate invoice", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		c.JSON(http.StatusOK, invoice)
	}
}
