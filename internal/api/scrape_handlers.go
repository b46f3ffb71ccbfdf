// Package api implements the HTTP handlers of the scrape service.
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gramharvest/scraper-api/internal/billing"
	"github.com/gramharvest/scraper-api/internal/job"
	"github.com/gramharvest/scraper-api/internal/middleware"
	"github.com/gramharvest/scraper-api/internal/pricing"
	"github.com/gramharvest/scraper-api/internal/scraper"
	"github.com/gramharvest/scraper-api/internal/storage"
)

// ScrapeRequest is the job submission payload.
type ScrapeRequest struct {
	URLs            []string `json:"urls" binding:"required,min=1"`
	ScrapeType      string   `json:"scrape_type"`
	ExportFormat    string   `json:"export_format"`
	IncludeMedia    bool     `json:"include_media"`
	IncludeComments bool     `json:"include_comments"`
}

// JobResponse is the job view returned by the API, a job snapshot plus
// derived progress.
type JobResponse struct {
	job.Job
	ProgressPercent float64 `json:"progress_percent"`
}

func toJobResponse(j job.Job) JobResponse {
	pct := 0.0
	if j.TotalItems > 0 {
		pct = float64(j.CompletedItems) / float64(j.TotalItems) * 100
	}
	return JobResponse{Job: j, ProgressPercent: pct}
}

// CreateScrapeHandler validates a submission, registers the job and
// hands it to the worker pool.
func CreateScrapeHandler(registry *job.Registry, store *storage.Manager, svc *scraper.Service, maxURLs int, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := middleware.AccountFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}
		apiKey, _ := middleware.APIKeyFromContext(c)

		var req ScrapeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid request format",
				"details": err.Error(),
			})
			return
		}

		urls := make([]string, 0, len(req.URLs))
		for _, u := range req.URLs {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		if len(urls) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "At least one URL is required"})
			return
		}
		if len(urls) > maxURLs {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("Too many URLs: maximum %d per job", maxURLs),
			})
			return
		}

		scrapeType := job.ScrapeType(req.ScrapeType)
		if req.ScrapeType == "" {
			scrapeType = job.ScrapePost
		}
		if !scrapeType.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid scrape_type"})
			return
		}

		exportFormat := job.ExportFormat(req.ExportFormat)
		if req.ExportFormat == "" {
			exportFormat = job.ExportJSON
		}
		if !exportFormat.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid export_format"})
			return
		}

		if !account.SubscriptionPaid {
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "Subscription payment required"})
			return
		}

		estimate := pricing.CalculateCost(len(urls), account.PricingTier, req.IncludeComments, req.IncludeMedia, account.CurrentMonthPosts)

		// Pre-flight limit check on the estimate. The authoritative
		// check happens again when usage is recorded.
		if account.SpendingLimit != nil && account.CurrentMonthCost+estimate.OverageCost > *account.SpendingLimit {
			limitErr := &billing.SpendingLimitError{
				CurrentSpend:  account.CurrentMonthCost,
				Limit:         *account.SpendingLimit,
				EstimatedCost: estimate.OverageCost,
			}
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":          limitErr.Error(),
				"current_spend":  limitErr.CurrentSpend,
				"spending_limit": limitErr.Limit,
				"estimated_cost": limitErr.EstimatedCost,
			})
			return
		}

		id := uuid.NewString()
		j, err := registry.Create(id, urls, scrapeType, exportFormat, req.IncludeMedia, req.IncludeComments)
		if err != nil {
			log.Error("failed to register job", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
			return
		}
		if err := store.InitJob(id, exportFormat); err != nil {
			log.Error("failed to initialize job storage", zap.Error(err))
			registry.Delete(id)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
			return
		}

		if err := svc.Enqueue(id, apiKey); err != nil {
			log.Warn("failed to enqueue job", zap.String("job_id", id), zap.Error(err))
			registry.Delete(id)
			_ = store.DeleteJob(id)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Job queue is full, try again later"})
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"job":                    toJobResponse(j),
			"estimated_overage_cost": estimate.OverageCost,
		})
	}
}

// GetScrapeHandler reports a job's status and progress.
func GetScrapeHandler(registry *job.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		j, ok := registry.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		c.JSON(http.StatusOK, toJobResponse(j))
	}
}

// ResultsHandler serves a finished job's results. JSON is returned
// inline; CSV and ZIP are sent as file attachments. A format query
// overrides the job's recorded export format.
func ResultsHandler(registry *job.Registry, store *storage.Manager, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		j, ok := registry.Get(id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		if j.Status != job.StatusCompleted && j.Status != job.StatusCancelled {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":  "Job has no results yet",
				"status": j.Status,
			})
			return
		}

		format := store.JobFormat(id)
		if q := c.Query("format"); q != "" {
			format = job.ExportFormat(q)
			if !format.Valid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid format"})
				return
			}
		}

		switch format {
		case job.ExportJSON:
			items, err := store.Results(id)
			if err != nil {
				log.Error("failed to read results", zap.String("job_id", id), zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read results"})
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"job_id":  id,
				"status":  j.Status,
				"count":   len(items),
				"results": items,
			})
		default:
			path, err := store.ExportAs(id, format)
			if err != nil {
				log.Error("failed to produce export", zap.String("job_id", id), zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to produce export"})
				return
			}
			c.FileAttachment(path, fmt.Sprintf("%s.%s", id, format))
		}
	}
}

// CancelHandler requests cancellation of a queued or running job. The
// workers observe the status flip and stop between targets.
func CancelHandler(registry *job.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		j, ok := registry.Get(id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		if j.Status.Terminal() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":  "Job already finished",
				"status": j.Status,
			})
			return
		}

		registry.UpdateStatus(id, job.StatusCancelled, "")
		j, _ = registry.Get(id)
		c.JSON(http.StatusOK, toJobResponse(j))
	}
}

// DeleteScrapeHandler removes a job and its stored artifacts.
func DeleteScrapeHandler(registry *job.Registry, store *storage.Manager, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if _, ok := registry.Get(id); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}

		if err := store.DeleteJob(id); err != nil {
			log.Error("failed to delete job data", zap.String("job_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete job data"})
			return
		}
		registry.Delete(id)
		c.JSON(http.StatusOK, gin.H{"deleted": id})
	}
}

// ListJobsHandler lists jobs, newest first, optionally filtered by
// status and truncated to limit.
func ListJobsHandler(registry *job.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := job.Status(c.Query("status"))
		if status != "" && !status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status filter"})
			return
		}

		limit := 50
		if q := c.Query("limit"); q != "" {
			parsed, err := strconv.Atoi(q)
			if err != nil || parsed < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
				return
			}
			limit = parsed
		}

		jobs := registry.List(status, limit)
		out := make([]JobResponse, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, toJobResponse(j))
		}
		c.JSON(http.StatusOK, gin.H{"jobs": out, "count": len(out)})
	}
}

// StatsHandler reports job counts by status plus storage usage.
func StatsHandler(registry *job.Registry, store *storage.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"jobs":    registry.Stats(),
			"storage": store.StorageStats(),
		})
	}
}
