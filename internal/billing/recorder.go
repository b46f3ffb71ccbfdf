package billing

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gramharvest/scraper-api/internal/pricing"
)

// Recorder turns completed jobs into immutable usage records and drives
// the ledger's counters. It shares the ledger's mutex, so a usage event
// and its account update are one atomic operation.
type Recorder struct {
	ledger *Ledger
	log    *zap.Logger
}

// NewRecorder creates a recorder bound to the given ledger.
func NewRecorder(ledger *Ledger, log *zap.Logger) *Recorder {
	return &Recorder{
		ledger: ledger,
		log:    log.Named("usage"),
	}
}

// RecordUsage meters a completed job against the account owning apiKey.
//
// Validation (missing account, unpaid subscription, spending limit)
// happens before any mutation; the ledger is never left partially
// updated by a rejected event. The account's cost counters accumulate
// the computed overage cost; prepaid credits independently absorb the
// cash due, floored at zero.
func (r *Recorder) RecordUsage(apiKey, jobID string, numPosts int, includeComments, includeMedia bool, storageUsedMB float64) (Record, error) {
	r.ledger.mu.Lock()
	defer r.ledger.mu.Unlock()

	account, ok := r.ledger.lookupByAPIKeyLocked(apiKey)
	if !ok {
		return Record{}, ErrAccountNotFound
	}
	if !account.SubscriptionPaid {
		return Record{}, ErrSubscriptionUnpaid
	}

	r.ledger.maybeResetCycleLocked(account)

	breakdown := pricing.CalculateCost(numPosts, account.PricingTier, includeComments, includeMedia, account.CurrentMonthPosts)

	if account.SpendingLimit != nil {
		projected := account.CurrentMonthCost + breakdown.OverageCost
		if projected > *account.SpendingLimit {
			return Record{}, &SpendingLimitError{
				CurrentSpend:  account.CurrentMonthCost,
				Limit:         *account.SpendingLimit,
				EstimatedCost: breakdown.OverageCost,
			}
		}
	}

	// Only overage is charged per event; the subscription is billed
	// monthly on the invoice.
	cost := breakdown.OverageCost

	record := Record{
		ID:               uuid.NewString(),
		APIKey:           apiKey,
		AccountID:        account.ID,
		JobID:            jobID,
		Timestamp:        r.ledger.now(),
		PostsScraped:     numPosts,
		CommentsIncluded: includeComments,
		MediaIncluded:    includeMedia,
		StorageUsedMB:    storageUsedMB,
		CostUSD:          cost,
		PricingTier:      account.PricingTier,
		IsOverage:        breakdown.OveragePosts > 0,
	}

	account.TotalPostsScraped += numPosts
	account.TotalSpent = pricing.Round4(account.TotalSpent + cost)
	account.CurrentMonthPosts += numPosts
	account.CurrentMonthCost = pricing.Round4(account.CurrentMonthCost + cost)
	account.CurrentMonthOverageCost = pricing.Round4(account.CurrentMonthOverageCost + cost)

	// Draw the cash due from prepaid credits first.
	if account.CreditsBalance > 0 && cost > 0 {
		if account.CreditsBalance >= cost {
			account.CreditsBalance = pricing.Round4(account.CreditsBalance - cost)
		} else {
			account.CreditsBalance = 0
		}
	}

	if err := r.appendRecord(record); err != nil {
		return Record{}, err
	}
	if err := r.ledger.saveLocked(); err != nil {
		return Record{}, err
	}

	r.log.Info("recorded usage",
		zap.String("job_id", jobID),
		zap.String("account_id", account.ID),
		zap.Int("posts", numPosts),
		zap.Float64("cost_usd", cost),
		zap.Int("month_posts", account.CurrentMonthPosts))
	return record, nil
}

// appendRecord writes one serialized record to the month's append-only
// log. Callers hold the ledger lock, so appends are ordered.
func (r *Recorder) appendRecord(rec Record) error {
	path := r.ledger.usageLogPath(rec.Timestamp.Year(), rec.Timestamp.Month())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		r.log.Error("failed to open usage log", zap.Error(err))
		return fmt.Errorf("open usage log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		r.log.Error("failed to append usage record", zap.Error(err))
		return fmt.Errorf("append usage record: %w", err)
	}
	return nil
}

// MonthlySummary aggregates one account's usage for a calendar month.
type MonthlySummary struct {
	Year             int      `json:"year"`
	Month            int      `json:"month"`
	TotalPosts       int      `json:"total_posts"`
	OveragePosts     int      `json:"overage_posts"`
	SubscriptionCost float64  `json:"subscription_cost"`
	OverageCost      float64  `json:"overage_cost"`
	TotalCost        float64  `json:"total_cost"`
	NumJobs          int      `json:"num_jobs"`
	Records          []Record `json:"records"`
}

// MonthlyUsage scans the month's usage log for the account's records
// and sums them, reporting the tier subscription price alongside.
func (r *Recorder) MonthlyUsage(accountID string, year int, month time.Month) (MonthlySummary, error) {
	r.ledger.mu.Lock()
	defer r.ledger.mu.Unlock()
	return r.monthlyUsageLocked(accountID, year, month)
}

func (r *Recorder) monthlyUsageLocked(accountID string, year int, month time.Month) (MonthlySummary, error) {
	summary := MonthlySummary{
		Year:    year,
		Month:   int(month),
		Records: []Record{},
	}

	path := r.ledger.usageLogPath(year, month)
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return MonthlySummary{}, fmt.Errorf("open usage log: %w", err)
		}
	} else {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var rec Record
			if err := json.Unmarshal(line, &rec); err != nil {
				return MonthlySummary{}, fmt.Errorf("parse usage record: %w", err)
			}
			if rec.AccountID != accountID {
				continue
			}
			summary.TotalPosts += rec.PostsScraped
			summary.OverageCost = pricing.Round4(summary.OverageCost + rec.CostUSD)
			if rec.IsOverage {
				summary.OveragePosts += rec.PostsScraped
			}
			summary.Records = append(summary.Records, rec)
		}
		if err := scanner.Err(); err != nil {
			return MonthlySummary{}, fmt.Errorf("scan usage log: %w", err)
		}
	}

	summary.NumJobs = len(summary.Records)
	if account, ok := r.ledger.accounts[accountID]; ok {
		cfg := pricing.TierConfig(account.PricingTier)
		summary.SubscriptionCost = cfg.MonthlyCost
	}
	summary.TotalCost = pricing.Round4(summary.SubscriptionCost + summary.OverageCost)
	return summary, nil
}

// SubscriptionSummary describes the account's tier on a summary.
type SubscriptionSummary struct {
	Tier          string  `json:"tier"`
	TierName      string  `json:"tier_name"`
	MonthlyCost   float64 `json:"monthly_cost"`
	IncludedPosts int     `json:"included_posts"`
	Status        string  `json:"status"`
}

// CycleSummary describes the current billing cycle on a summary.
type CycleSummary struct {
	TotalPosts        int       `json:"total_posts"`
	IncludedUsed      int       `json:"included_used"`
	PostsRemaining    int       `json:"posts_remaining"`
	OveragePosts      int       `json:"overage_posts"`
	SubscriptionCost  float64   `json:"subscription_cost"`
	OverageCost       float64   `json:"overage_cost"`
	TotalCost         float64   `json:"total_cost"`
	DaysRemaining     int       `json:"days_remaining"`
	BillingCycleStart time.Time `json:"billing_cycle_start"`
}

// LifetimeSummary describes the account's lifetime totals.
type LifetimeSummary struct {
	TotalPosts int     `json:"total_posts"`
	TotalSpent float64 `json:"total_spent"`
}

// AccountSummary is the full account status view.
type AccountSummary struct {
	AccountID      string              `json:"user_id"`
	Email          string              `json:"email"`
	Subscription   SubscriptionSummary `json:"subscription"`
	CurrentMonth   CycleSummary        `json:"current_month"`
	Lifetime       LifetimeSummary     `json:"lifetime"`
	CreditsBalance float64             `json:"credits_balance"`
	SpendingLimit  *float64            `json:"spending_limit,omitempty"`
	IsActive       bool                `json:"is_active"`
}

// Summary reports the account's subscription status, cycle usage and
// lifetime totals. The billing-cycle reset check runs first, so a stale
// cycle is rolled over before it is summarized.
func (r *Recorder) Summary(apiKey string) (AccountSummary, error) {
	r.ledger.mu.Lock()
	defer r.ledger.mu.Unlock()

	account, ok := r.ledger.lookupByAPIKeyLocked(apiKey)
	if !ok {
		return AccountSummary{}, ErrAccountNotFound
	}

	r.ledger.maybeResetCycleLocked(account)

	cfg := pricing.TierConfig(account.PricingTier)
	daysElapsed := int(r.ledger.now().Sub(account.BillingCycleStart).Hours() / 24)

	includedUsed := account.CurrentMonthPosts
	if includedUsed > cfg.IncludedPosts {
		includedUsed = cfg.IncludedPosts
	}
	overagePosts := account.CurrentMonthPosts - cfg.IncludedPosts
	if overagePosts < 0 {
		overagePosts = 0
	}
	remaining := cfg.IncludedPosts - account.CurrentMonthPosts
	if remaining < 0 {
		remaining = 0
	}

	status := "active"
	if !account.SubscriptionPaid {
		status = "payment_required"
	}

	return AccountSummary{
		AccountID: account.ID,
		Email:     account.Email,
		Subscription: SubscriptionSummary{
			Tier:          account.PricingTier,
			TierName:      cfg.Name,
			MonthlyCost:   cfg.MonthlyCost,
			IncludedPosts: cfg.IncludedPosts,
			Status:        status,
		},
		CurrentMonth: CycleSummary{
			TotalPosts:        account.CurrentMonthPosts,
			IncludedUsed:      includedUsed,
			PostsRemaining:    remaining,
			OveragePosts:      overagePosts,
			SubscriptionCost:  cfg.MonthlyCost,
			OverageCost:       account.CurrentMonthOverageCost,
			TotalCost:         pricing.Round4(cfg.MonthlyCost + account.CurrentMonthOverageCost),
			DaysRemaining:     30 - daysElapsed,
			BillingCycleStart: account.BillingCycleStart,
		},
		Lifetime: LifetimeSummary{
			TotalPosts: account.TotalPostsScraped,
			TotalSpent: account.TotalSpent,
		},
		CreditsBalance: account.CreditsBalance,
		SpendingLimit:  account.SpendingLimit,
		IsActive:       account.IsActive,
	}, nil
}

// LineItem is one invoice line.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Amount      float64 `json:"amount"`
}

// InvoiceUsage summarizes the metered usage behind an invoice.
type InvoiceUsage struct {
	TotalPosts       int `json:"total_posts"`
	IncludedPosts    int `json:"included_posts"`
	PostsWithinLimit int `json:"posts_within_limit"`
	OveragePosts     int `json:"overage_posts"`
	NumJobs          int `json:"num_jobs"`
}

// InvoiceCharges is the money section of an invoice.
type InvoiceCharges struct {
	Subscription   float64 `json:"subscription"`
	Overage        float64 `json:"overage"`
	Subtotal       float64 `json:"subtotal"`
	CreditsApplied float64 `json:"credits_applied"`
	Total          float64 `json:"total"`
}

// Invoice is a line-itemized monthly bill: a fixed subscription line
// plus, when overage occurred, an overage line priced at the average
// realized overage rate for the month.
type Invoice struct {
	InvoiceID    string         `json:"invoice_id"`
	AccountID    string         `json:"user_id"`
	Email        string         `json:"email"`
	Period       string         `json:"period"`
	PricingTier  string         `json:"pricing_tier"`
	LineItems    []LineItem     `json:"line_items"`
	UsageSummary InvoiceUsage   `json:"usage_summary"`
	Charges      InvoiceCharges `json:"charges"`
	GeneratedAt  time.Time      `json:"generated_at"`
}

// GenerateInvoice derives the bill for one account and month from the
// usage log.
func (r *Recorder) GenerateInvoice(accountID string, year int, month time.Month) (Invoice, error) {
	r.ledger.mu.Lock()
	defer r.ledger.mu.Unlock()

	account, ok := r.ledger.accounts[accountID]
	if !ok {
		return Invoice{}, ErrAccountNotFound
	}

	usage, err := r.monthlyUsageLocked(accountID, year, month)
	if err != nil {
		return Invoice{}, err
	}

	cfg := pricing.TierConfig(account.PricingTier)

	withinLimit := usage.TotalPosts
	if withinLimit > cfg.IncludedPosts {
		withinLimit = cfg.IncludedPosts
	}

	inv := Invoice{
		InvoiceID:   fmt.Sprintf("INV-%.8s-%04d%02d", accountID, year, int(month)),
		AccountID:   accountID,
		Email:       account.Email,
		Period:      fmt.Sprintf("%04d-%02d", year, int(month)),
		PricingTier: account.PricingTier,
		LineItems: []LineItem{
			{
				Description: fmt.Sprintf("%s Subscription - %d posts included", cfg.Name, cfg.IncludedPosts),
				Quantity:    1,
				UnitPrice:   cfg.MonthlyCost,
				Amount:      cfg.MonthlyCost,
			},
		},
		UsageSummary: InvoiceUsage{
			TotalPosts:       usage.TotalPosts,
			IncludedPosts:    cfg.IncludedPosts,
			PostsWithinLimit: withinLimit,
			OveragePosts:     usage.OveragePosts,
			NumJobs:          usage.NumJobs,
		},
		Charges: InvoiceCharges{
			Subscription: cfg.MonthlyCost,
			Overage:      usage.OverageCost,
			Subtotal:     pricing.Round4(cfg.MonthlyCost + usage.OverageCost),
			Total:        usage.TotalCost,
		},
		GeneratedAt: r.ledger.now(),
	}

	if usage.OveragePosts > 0 {
		avgRate := usage.OverageCost / float64(usage.OveragePosts)
		inv.LineItems = append(inv.LineItems, LineItem{
			Description: fmt.Sprintf("Overage: %d additional posts", usage.OveragePosts),
			Quantity:    usage.OveragePosts,
			UnitPrice:   avgRate,
			Amount:      usage.OverageCost,
		})
	}

	return inv, nil
}
