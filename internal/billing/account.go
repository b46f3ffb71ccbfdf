// Package billing owns the per-account usage and billing state: the
// account ledger, the append-only usage log, and the recorder that ties
// usage events to ledger updates under a single lock.
package billing

import "time"

// Account is a user account with subscription billing. The cycle
// counters reset roughly every 30 days; lifetime counters never do.
type Account struct {
	ID                      string    `json:"user_id"`
	Email                   string    `json:"email"`
	APIKeys                 []string  `json:"api_keys"`
	PricingTier             string    `json:"pricing_tier"`
	TotalPostsScraped       int       `json:"total_posts_scraped"`
	TotalSpent              float64   `json:"total_spent"`
	CurrentMonthPosts       int       `json:"current_month_posts"`
	CurrentMonthCost        float64   `json:"current_month_cost"`
	CurrentMonthOverageCost float64   `json:"current_month_overage_cost"`
	CreditsBalance          float64   `json:"credits_balance"`
	CreatedAt               time.Time `json:"created_at"`
	BillingCycleStart       time.Time `json:"billing_cycle_start"`
	IsActive                bool      `json:"is_active"`
	SpendingLimit           *float64  `json:"spending_limit,omitempty"`
	SubscriptionPaid        bool      `json:"subscription_paid"`
}

// clone returns a defensive copy so callers never hold a reference into
// the ledger's table.
func (a *Account) clone() Account {
	c := *a
	c.APIKeys = append([]string(nil), a.APIKeys...)
	if a.SpendingLimit != nil {
		limit := *a.SpendingLimit
		c.SpendingLimit = &limit
	}
	return c
}
