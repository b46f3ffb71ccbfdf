package billing

import "time"

// Record is a single immutable usage event, appended to the monthly
// usage log when a job's extraction is metered. Records are never
// mutated or deleted after the append.
type Record struct {
	ID               string    `json:"record_id"`
	APIKey           string    `json:"api_key"`
	AccountID        string    `json:"user_id"`
	JobID            string    `json:"job_id"`
	Timestamp        time.Time `json:"timestamp"`
	PostsScraped     int       `json:"posts_scraped"`
	CommentsIncluded bool      `json:"comments_included"`
	MediaIncluded    bool      `json:"media_included"`
	StorageUsedMB    float64   `json:"storage_used_mb"`
	CostUSD          float64   `json:"cost_usd"`
	PricingTier      string    `json:"pricing_tier"`
	IsOverage        bool      `json:"is_overage"`
}
