package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/optionclear/custody/internal/config"
	"github.com/optionclear/custody/internal/engine"
	"github.com/optionclear/custody/internal/ledger"
	"github.com/optionclear/custody/internal/ledger/postgres"
	"github.com/optionclear/custody/internal/models"
)

// Seed the database with two funded demo users and one test-mode contract.
func main() {
	ctx := context.Background()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := postgres.New(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	// Already seeded?
	if _, err := store.GetUserByUsername(ctx, "buyer1"); err == nil {
		fmt.Println("Database already seeded. Nothing to do.")
		os.Exit(0)
	} else if !errors.Is(err, ledger.ErrNotFound) {
		log.Fatalf("Failed to check seed state: %v", err)
	}

	// bcrypt hash of "password"
	const passwordHash = "$2a$10$XLhV7TU4dIvHO1d9UKgoT.Kt1XCYIbLV4LkQqmXGtN6VBnsmgS.G."

	buyer, err := store.CreateUser(ctx, "buyer1", passwordHash)
	if err != nil {
		log.Fatalf("Failed to create buyer: %v", err)
	}
	seller, err := store.CreateUser(ctx, "seller1", passwordHash)
	if err != nil {
		log.Fatalf("Failed to create seller: %v", err)
	}

	// 10 SOL each of spendable funds.
	for _, u := range []*models.User{buyer, seller} {
		if err := store.CreditWallet(ctx, u.ID, 10_000_000_000); err != nil {
			log.Fatalf("Failed to credit wallet for %s: %v", u.Username, err)
		}
	}

	eng := engine.New(store, zap.NewNop())
	for _, u := range []*models.User{buyer, seller} {
		if err := eng.InitializeUser(ctx, u.ID); err != nil {
			log.Fatalf("Failed to initialize account for %s: %v", u.Username, err)
		}
		if err := eng.InitializeEscrow(ctx, u.ID); err != nil {
			log.Fatalf("Failed to initialize escrow for %s: %v", u.Username, err)
		}
		if err := eng.Deposit(ctx, u.ID, 5_000_000_000); err != nil {
			log.Fatalf("Failed to deposit for %s: %v", u.Username, err)
		}
	}

	contract, err := eng.CreateContract(ctx, buyer.ID, engine.CreateContractParams{
		SellerID:             seller.ID,
		UnderlyingAsset:      "TSLA",
		NumUnits:             1,
		StrikePrice:          100,
		ExpirationDate:       time.Now().Add(-time.Hour), // already expired
		OptionType:           models.OptionCall,
		Premium:              10,
		MarginRequirementBps: 5000,
		IsTest:               true,
	})
	if err != nil {
		log.Fatalf("Failed to create demo contract: %v", err)
	}

	fmt.Printf("Seeded users buyer1/seller1 (password: password) and contract %s\n", contract.Ref)
}
