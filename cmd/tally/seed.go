package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/catalog"
	"github.com/tallyhq/tally/internal/client"
	"github.com/tallyhq/tally/internal/config"
	"github.com/tallyhq/tally/internal/ledger"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed credit packages and a demo account",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

var demoPackages = []catalog.CreatePackageInput{
	{
		Name:        "Starter",
		Description: "1,000 credits for trying things out.",
		Credits:     1000,
		PriceCents:  500,
		Currency:    "USD",
	},
	{
		Name:        "Standard",
		Description: "10,000 credits for regular use.",
		Credits:     10000,
		PriceCents:  4000,
		Currency:    "USD",
	},
	{
		Name:        "Pro",
		Description: "100,000 credits at the best per-credit rate.",
		Credits:     100000,
		PriceCents:  30000,
		Currency:    "USD",
	},
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	catalogStore := catalog.NewStore(pool)
	creditLedger := ledger.NewLedger(ledger.NewStore(pool), nil)
	clientStore := client.NewStore(pool)

	// Check if seed has already run.
	existing, err := catalogStore.List(ctx, false)
	if err != nil {
		return fmt.Errorf("checking existing packages: %w", err)
	}
	if len(existing) > 0 {
		slog.Info("demo data already exists, skipping seed")
		return nil
	}

	// Create packages.
	for _, input := range demoPackages {
		pkg, err := catalogStore.Create(ctx, input)
		if err != nil {
			return fmt.Errorf("creating package %q: %w", input.Name, err)
		}
		slog.Info("created package", "name", pkg.Name, "id", pkg.ID, "credits", pkg.Credits)
	}

	// Provision a demo account with the free-tier grant.
	const demoUserID = "demo-user"
	account, err := creditLedger.Provision(ctx, demoUserID, "free", cfg.Ledger.FreeTierCredits)
	if err != nil {
		return fmt.Errorf("provisioning demo account: %w", err)
	}
	slog.Info("provisioned demo account", "user_id", account.UserID, "credits", account.AvailableCredits)

	// Create a demo client spending from that account.
	apiKey, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generating api key: %w", err)
	}

	c, err := clientStore.Create(ctx, client.CreateClientInput{
		Name:         "demo-client",
		UserID:       demoUserID,
		APIKeyHash:   apiKey.Hash,
		APIKeyPrefix: apiKey.Prefix,
		RateLimit:    120,
	})
	if err != nil {
		return fmt.Errorf("creating demo client: %w", err)
	}

	slog.Info("created demo client", "id", c.ID, "name", c.Name)
	fmt.Printf("\n=== Demo Data Seeded ===\n")
	fmt.Printf("Packages:  %d created\n", len(demoPackages))
	fmt.Printf("Account:   %s (%d credits)\n", account.UserID, account.AvailableCredits)
	fmt.Printf("Client:    %s (%s)\n", c.Name, c.ID)
	fmt.Printf("API Key:   %s\n", plaintext)
	fmt.Printf("\nTry it:\n")
	fmt.Printf("  curl -H 'Authorization: Bearer %s' http://localhost:8080/api/v1/credits/balance\n", plaintext)
	fmt.Printf("  curl -H 'Authorization: Bearer %s' -d '{\"estimated_tokens\":20000}' http://localhost:8080/api/v1/reservations\n", plaintext)

	return nil
}
