// Command provision manages accounts in the billing ledger: creation,
// credit top-ups, tier changes and listings. It operates directly on
// the data directory the server uses.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/gramharvest/scraper-api/internal/billing"
	"github.com/gramharvest/scraper-api/internal/config"
	"github.com/gramharvest/scraper-api/internal/pricing"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: provision <command> [flags]

Commands:
  create    Create an account
  credits   Add prepaid credits to an account
  suspend   Mark an account's subscription unpaid
  activate  Mark an account's subscription paid
  upgrade   Change an account's pricing tier
  list      List all accounts
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cfg := config.Load()
	ledger, err := billing.NewLedger(cfg.DataDir, zap.NewNop())
	if err != nil {
		log.Fatalf("Failed to open ledger: %v", err)
	}

	switch os.Args[1] {
	case "create":
		runCreate(ledger, os.Args[2:])
	case "credits":
		runCredits(ledger, os.Args[2:])
	case "suspend":
		runSetPaid(ledger, os.Args[2:], false)
	case "activate":
		runSetPaid(ledger, os.Args[2:], true)
	case "upgrade":
		runUpgrade(ledger, os.Args[2:])
	case "list":
		runList(ledger)
	default:
		usage()
	}
}

func runCreate(ledger *billing.Ledger, args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	email := fs.String("email", "", "Account email")
	keys := fs.String("keys", "", "Comma-separated API keys to bind")
	genKeys := fs.Int("gen-keys", 0, "Number of API keys to generate")
	tier := fs.String("tier", "starter", "Pricing tier")
	limit := fs.Float64("limit", 0, "Monthly spending limit in USD (0 for none)")
	fs.Parse(args)

	if *email == "" {
		log.Fatal("Email cannot be empty")
	}
	if !pricing.ValidTier(*tier) {
		log.Fatalf("Unknown tier %q", *tier)
	}

	var apiKeys []string
	for _, k := range strings.Split(*keys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			apiKeys = append(apiKeys, k)
		}
	}
	for i := 0; i < *genKeys; i++ {
		apiKeys = append(apiKeys, generateKey())
	}
	if len(apiKeys) == 0 {
		log.Fatal("At least one API key is required (use -keys or -gen-keys)")
	}

	var spendingLimit *float64
	if *limit > 0 {
		spendingLimit = limit
	}

	account, err := ledger.CreateAccount(*email, apiKeys, *tier, spendingLimit)
	if err != nil {
		log.Fatalf("Failed to create account: %v", err)
	}

	fmt.Printf("Created account %s (%s, tier %s)\n", account.ID, account.Email, account.PricingTier)
	for _, k := range account.APIKeys {
		fmt.Printf("  api key: %s\n", k)
	}
}

func runCredits(ledger *billing.Ledger, args []string) {
	fs := flag.NewFlagSet("credits", flag.ExitOnError)
	account := fs.String("account", "", "Account ID")
	amount := fs.Float64("amount", 0, "Credit amount in USD")
	fs.Parse(args)

	if *account == "" {
		log.Fatal("Account ID cannot be empty")
	}
	if err := ledger.AddCredits(*account, *amount); err != nil {
		log.Fatalf("Failed to add credits: %v", err)
	}

	a, _ := ledger.GetAccount(*account)
	fmt.Printf("Added $%.2f, balance is now $%.2f\n", *amount, a.CreditsBalance)
}

func runSetPaid(ledger *billing.Ledger, args []string, paid bool) {
	fs := flag.NewFlagSet("subscription", flag.ExitOnError)
	account := fs.String("account", "", "Account ID")
	fs.Parse(args)

	if *account == "" {
		log.Fatal("Account ID cannot be empty")
	}
	if err := ledger.SetSubscriptionPaid(*account, paid); err != nil {
		log.Fatalf("Failed to update subscription: %v", err)
	}

	state := "suspended"
	if paid {
		state = "active"
	}
	fmt.Printf("Account %s is now %s\n", *account, state)
}

func runUpgrade(ledger *billing.Ledger, args []string) {
	fs := flag.NewFlagSet("upgrade", flag.ExitOnError)
	account := fs.String("account", "", "Account ID")
	tier := fs.String("tier", "", "Target pricing tier")
	fs.Parse(args)

	if *account == "" {
		log.Fatal("Account ID cannot be empty")
	}
	if err := ledger.UpgradeTier(*account, *tier); err != nil {
		log.Fatalf("Failed to change tier: %v", err)
	}
	fmt.Printf("Account %s moved to tier %s\n", *account, *tier)
}

func runList(ledger *billing.Ledger) {
	accounts := ledger.Accounts()
	if len(accounts) == 0 {
		fmt.Println("No accounts")
		return
	}

	for _, a := range accounts {
		paid := "paid"
		if !a.SubscriptionPaid {
			paid = "UNPAID"
		}
		fmt.Printf("%s  %-30s tier=%-12s posts=%d month=%d credits=$%.2f %s\n",
			a.ID, a.Email, a.PricingTier, a.TotalPostsScraped, a.CurrentMonthPosts, a.CreditsBalance, paid)
	}
}

// generateKey mints a random API key with the sk_ prefix.
func generateKey() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		log.Fatalf("Failed to generate key: %v", err)
	}
	return "sk_" + hex.EncodeToString(buf)
}
