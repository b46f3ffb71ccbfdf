package billing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gramharvest/scraper-api/internal/pricing"
)

// cycleLength is how long a billing cycle runs before the lazy reset
// zeroes the month counters.
const cycleLength = 30 * 24 * time.Hour

const accountsFile = "accounts.json"

// Ledger owns the account table and the API-key index. All exported
// operations are atomic: one mutex guards the in-memory maps and the
// serialized account file, so concurrent writers cannot lose updates.
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*Account
	keyIndex map[string]string // api key -> account id
	usageDir string
	log      *zap.Logger
	now      func() time.Time
}

// NewLedger creates the ledger backed by <dataDir>/usage. A readable
// account table is loaded; a missing or corrupt one degrades to an
// empty table with a logged warning rather than failing startup.
func NewLedger(dataDir string, log *zap.Logger) (*Ledger, error) {
	usageDir := filepath.Join(dataDir, "usage")
	if err := os.MkdirAll(usageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create usage dir: %w", err)
	}

	l := &Ledger{
		accounts: make(map[string]*Account),
		keyIndex: make(map[string]string),
		usageDir: usageDir,
		log:      log.Named("ledger"),
		now:      time.Now,
	}
	l.loadAccounts()
	return l, nil
}

func (l *Ledger) accountsPath() string {
	return filepath.Join(l.usageDir, accountsFile)
}

// usageLogPath returns the append-only log file for the given month.
func (l *Ledger) usageLogPath(year int, month time.Month) string {
	return filepath.Join(l.usageDir, fmt.Sprintf("usage_%04d-%02d.jsonl", year, int(month)))
}

func (l *Ledger) loadAccounts() {
	data, err := os.ReadFile(l.accountsPath())
	if err != nil {
		if !os.IsNotExist(err) {
			l.log.Error("failed to read account table, starting empty", zap.Error(err))
		}
		return
	}

	var table map[string]*Account
	if err := json.Unmarshal(data, &table); err != nil {
		l.log.Error("failed to parse account table, starting empty", zap.Error(err))
		return
	}

	l.accounts = table
	for id, a := range table {
		for _, key := range a.APIKeys {
			l.keyIndex[key] = id
		}
	}
	l.log.Info("loaded accounts", zap.Int("count", len(l.accounts)))
}

// saveLocked serializes the whole account table. Callers must hold
// l.mu. A write failure is logged and returned; the in-memory state is
// already updated at that point.
func (l *Ledger) saveLocked() error {
	data, err := json.MarshalIndent(l.accounts, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal account table: %w", err)
	}
	if err := os.WriteFile(l.accountsPath(), data, 0o644); err != nil {
		l.log.Error("failed to persist account table", zap.Error(err))
		return fmt.Errorf("persist account table: %w", err)
	}
	return nil
}

// CreateAccount registers a new account and binds the given API keys to
// it. A key already bound elsewhere is silently rebound (last writer
// wins). spendingLimit may be nil for no limit.
func (l *Ledger) CreateAccount(email string, apiKeys []string, tier string, spendingLimit *float64) (Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	a := &Account{
		ID:                uuid.NewString(),
		Email:             email,
		APIKeys:           append([]string(nil), apiKeys...),
		PricingTier:       tier,
		CreatedAt:         now,
		BillingCycleStart: now,
		IsActive:          true,
		SpendingLimit:     spendingLimit,
		SubscriptionPaid:  true,
	}

	l.accounts[a.ID] = a
	for _, key := range apiKeys {
		l.keyIndex[key] = a.ID
	}

	if err := l.saveLocked(); err != nil {
		return Account{}, err
	}

	l.log.Info("created account",
		zap.String("account_id", a.ID),
		zap.String("email", email),
		zap.String("tier", tier))
	return a.clone(), nil
}

// LookupByAPIKey resolves an account from one of its API keys.
func (l *Ledger) LookupByAPIKey(key string) (Account, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.lookupByAPIKeyLocked(key)
	if !ok {
		return Account{}, false
	}
	return a.clone(), true
}

func (l *Ledger) lookupByAPIKeyLocked(key string) (*Account, bool) {
	id, ok := l.keyIndex[key]
	if !ok {
		return nil, false
	}
	a, ok := l.accounts[id]
	return a, ok
}

// GetAccount resolves an account by ID.
func (l *Ledger) GetAccount(id string) (Account, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.accounts[id]
	if !ok {
		return Account{}, false
	}
	return a.clone(), true
}

// Accounts returns a snapshot of every account, for administrative
// listings.
func (l *Ledger) Accounts() []Account {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Account, 0, len(l.accounts))
	for _, a := range l.accounts {
		out = append(out, a.clone())
	}
	return out
}

// AddCredits tops up the prepaid balance. The amount must be positive.
func (l *Ledger) AddCredits(accountID string, amount float64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}

	a.CreditsBalance += amount
	if err := l.saveLocked(); err != nil {
		return err
	}

	l.log.Info("added credits",
		zap.String("account_id", accountID),
		zap.Float64("amount", amount),
		zap.Float64("balance", a.CreditsBalance))
	return nil
}

// SetSubscriptionPaid flips the subscription payment flag. Unpaid
// accounts keep their data but new usage is rejected.
func (l *Ledger) SetSubscriptionPaid(accountID string, paid bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}

	a.SubscriptionPaid = paid
	if err := l.saveLocked(); err != nil {
		return err
	}

	l.log.Info("updated subscription state",
		zap.String("account_id", accountID),
		zap.Bool("paid", paid))
	return nil
}

// UpgradeTier moves the account to a different configured tier. Costs
// already accrued this cycle are not recomputed.
func (l *Ledger) UpgradeTier(accountID, newTier string) error {
	if !pricing.ValidTier(newTier) {
		return ErrUnknownTier
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}

	oldTier := a.PricingTier
	a.PricingTier = newTier
	if err := l.saveLocked(); err != nil {
		return err
	}

	l.log.Info("changed tier",
		zap.String("account_id", accountID),
		zap.String("from", oldTier),
		zap.String("to", newTier))
	return nil
}

// maybeResetCycleLocked zeroes the cycle counters and advances the
// cycle start once 30 days have elapsed. Callers must hold l.mu.
// Returns whether a reset happened.
func (l *Ledger) maybeResetCycleLocked(a *Account) bool {
	if l.now().Sub(a.BillingCycleStart) < cycleLength {
		return false
	}

	a.CurrentMonthPosts = 0
	a.CurrentMonthCost = 0
	a.CurrentMonthOverageCost = 0
	a.BillingCycleStart = l.now()

	if err := l.saveLocked(); err != nil {
		l.log.Error("failed to persist cycle reset", zap.Error(err))
	}
	l.log.Info("reset billing cycle", zap.String("account_id", a.ID))
	return true
}
