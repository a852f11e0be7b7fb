package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/nvallet/voxgate/internal/account"
	"github.com/nvallet/voxgate/internal/auth"
	"github.com/nvallet/voxgate/internal/config"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed a demo account and print a signed stream token",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

const (
	demoEmail    = "demo@voxgate.dev"
	demoPassword = "voxgate-demo"
	demoBalance  = 25.0
	demoQuota    = 600.0 // minutes
	demoTokenTTL = 24 * time.Hour
)

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

	store := account.NewStore(pool)

	// Check if seed has already run.
	if existing, err := store.GetByEmail(ctx, demoEmail); err == nil {
		slog.Info("demo account already exists, printing a fresh token", "id", existing.ID)
		return printToken(cfg, existing)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(demoPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing demo password: %w", err)
	}

	a, err := store.Create(ctx, account.CreateAccountInput{
		Email:        demoEmail,
		PasswordHash: string(hash),
		Balance:      demoBalance,
		QuotaLimit:   demoQuota,
	})
	if err != nil {
		return fmt.Errorf("creating demo account: %w", err)
	}
	slog.Info("created demo account", "id", a.ID, "email", a.Email)

	return printToken(cfg, a)
}

func printToken(cfg *config.Config, a *account.Account) error {
	token, err := auth.SignToken(cfg.Auth.JWTSecret, a.ID, demoTokenTTL)
	if err != nil {
		return fmt.Errorf("signing stream token: %w", err)
	}

	fmt.Printf("\n=== Demo Account ===\n")
	fmt.Printf("Email:    %s\n", a.Email)
	fmt.Printf("Password: %s\n", demoPassword)
	fmt.Printf("Balance:  %.2f\n", a.Balance)
	fmt.Printf("Token:    %s\n", token)
	fmt.Printf("\nTry it:\n")
	fmt.Printf("  websocat 'ws://localhost:%d/ws?token=%s'\n", cfg.Server.Port, token)
	return nil
}
