// Package pricing implements the subscription pricing model: fixed
// monthly tiers with an included post allowance, per-post overage rates,
// feature multipliers and volume discounts on overage.
package pricing

import "math"

// Tier identifies a subscription pricing tier.
const (
	TierStarter      = "starter"
	TierProfessional = "professional"
	TierEnterprise   = "enterprise"
)

// Tier holds the static configuration of a subscription tier.
type Tier struct {
	Name           string  `json:"name"`
	OverageRate    float64 `json:"overage_rate"` // per post beyond the allowance
	MonthlyCost    float64 `json:"monthly_cost"` // fixed subscription price
	IncludedPosts  int     `json:"included_posts"`
	ConcurrentJobs int     `json:"concurrent_jobs"`
	Description    string  `json:"description"`
}

// Tiers is the static tier table.
var Tiers = map[string]Tier{
	TierStarter: {
		Name:           "Starter",
		OverageRate:    0.01,
		MonthlyCost:    10.00,
		IncludedPosts:  1000,
		ConcurrentJobs: 5,
		Description:    "Perfect for small businesses",
	},
	TierProfessional: {
		Name:           "Professional",
		OverageRate:    0.0075,
		MonthlyCost:    37.50,
		IncludedPosts:  5000,
		ConcurrentJobs: 20,
		Description:    "Best for agencies & marketers",
	},
	TierEnterprise: {
		Name:           "Enterprise",
		OverageRate:    0.005,
		MonthlyCost:    100.00,
		IncludedPosts:  20000,
		ConcurrentJobs: 999,
		Description:    "For large-scale operations",
	},
}

// Feature multipliers applied to the overage rate. They compose
// multiplicatively when both features are requested.
const (
	CommentsMultiplier = 1.25
	MediaMultiplier    = 1.50
)

// VolumeDiscount reduces the overage rate once cumulative monthly
// overage crosses a threshold.
type VolumeDiscount struct {
	Threshold int
	Discount  float64
}

// VolumeDiscounts is scanned in order and the first matching threshold
// wins; later entries are not considered even if also met.
var VolumeDiscounts = []VolumeDiscount{
	{Threshold: 10000, Discount: 0.90},
	{Threshold: 50000, Discount: 0.85},
	{Threshold: 100000, Discount: 0.75},
}

// Breakdown is the result of a cost calculation. Callers decide whether
// to charge it or merely present an estimate.
type Breakdown struct {
	SubscriptionCost float64 `json:"subscription"`
	OverageCost      float64 `json:"overage"`
	TotalCost        float64 `json:"total"`
	IncludedUsed     int     `json:"included_used"`
	OveragePosts     int     `json:"overage_posts"`
}

// TierConfig resolves a tier by name. Unknown names fall back to the
// professional tier; use ValidTier to reject them instead.
func TierConfig(tier string) Tier {
	if t, ok := Tiers[tier]; ok {
		return t
	}
	return Tiers[TierProfessional]
}

// ValidTier reports whether tier names a configured tier.
func ValidTier(tier string) bool {
	_, ok := Tiers[tier]
	return ok
}

// CalculateCost computes the cost breakdown for scraping numPosts under
// the given tier, taking into account how much of the monthly allowance
// currentMonthPosts has already consumed. Pure function: it never
// mutates account state.
func CalculateCost(numPosts int, tier string, includeComments, includeMedia bool, currentMonthPosts int) Breakdown {
	cfg := TierConfig(tier)

	rate := cfg.OverageRate
	if includeComments {
		rate *= CommentsMultiplier
	}
	if includeMedia {
		rate *= MediaMultiplier
	}

	remaining := cfg.IncludedPosts - currentMonthPosts
	if remaining < 0 {
		remaining = 0
	}
	withinIncluded := numPosts
	if withinIncluded > remaining {
		withinIncluded = remaining
	}
	overagePosts := numPosts - withinIncluded

	var overageCost float64
	if overagePosts > 0 {
		overageCost = float64(overagePosts) * rate

		// Cumulative overage this cycle, including this request.
		totalOverage := (currentMonthPosts - cfg.IncludedPosts) + overagePosts
		if totalOverage > 0 {
			for _, d := range VolumeDiscounts {
				if totalOverage >= d.Threshold {
					overageCost *= d.Discount
					break
				}
			}
		}
	}

	return Breakdown{
		SubscriptionCost: cfg.MonthlyCost,
		OverageCost:      Round4(overageCost),
		TotalCost:        Round4(cfg.MonthlyCost + overageCost),
		IncludedUsed:     withinIncluded,
		OveragePosts:     overagePosts,
	}
}

// Round4 rounds a monetary figure to 4 decimal places.
func Round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
