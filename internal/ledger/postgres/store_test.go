package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optionclear/custody/internal/ledger"
	"github.com/optionclear/custody/internal/models"
)

var testStore *Store

// Set CUSTODY_TEST_DSN to run these against a real database.
func TestMain(m *testing.M) {
	dsn := os.Getenv("CUSTODY_TEST_DSN")
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "CUSTODY_TEST_DSN not set, skipping postgres tests")
		os.Exit(0)
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Apply migration if not already applied
	migration, err := os.ReadFile("../../../migrations/001_init.sql")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to read migration: %v\n", err)
		os.Exit(1)
	}
	_, err = pool.Exec(context.Background(), string(migration))
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		fmt.Fprintf(os.Stderr, "Unable to apply migration: %v\n", err)
		os.Exit(1)
	}

	testStore = &Store{Pool: pool}
	_, err = pool.Exec(context.Background(),
		"TRUNCATE TABLE users, user_accounts, escrow_accounts, contracts, contract_entries, transfers RESTART IDENTITY CASCADE")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to truncate tables: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func createTestUser(t *testing.T, username string, wallet uint64) int64 {
	t.Helper()
	ctx := context.Background()
	u, err := testStore.CreateUser(ctx, username, "hash")
	require.NoError(t, err)
	require.NoError(t, testStore.CreditWallet(ctx, u.ID, wallet))
	require.NoError(t, testStore.InTx(ctx, func(tx ledger.Tx) error {
		if err := tx.CreateUserAccount(ctx, u.ID); err != nil {
			return err
		}
		return tx.CreateEscrow(ctx, u.ID)
	}))
	return u.ID
}

func TestStore_Users(t *testing.T) {
	ctx := context.Background()

	u, err := testStore.CreateUser(ctx, "pg_alice", "hash")
	require.NoError(t, err)

	_, err = testStore.CreateUser(ctx, "pg_alice", "other")
	assert.Error(t, err)

	got, err := testStore.GetUserByUsername(ctx, "pg_alice")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = testStore.GetUserByID(ctx, 999999)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestStore_TransfersAndRollback(t *testing.T) {
	ctx := context.Background()
	id := createTestUser(t, "pg_bob", 1000)

	require.NoError(t, testStore.InTx(ctx, func(tx ledger.Tx) error {
		return tx.TransferWalletToEscrow(ctx, id, 400)
	}))
	escrow, err := testStore.EscrowBalance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), escrow)

	// Debit guard fires inside the statement, not in Go.
	err = testStore.InTx(ctx, func(tx ledger.Tx) error {
		return tx.TransferEscrowToWallet(ctx, id, id, 500)
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	// An error after a successful transfer rolls the whole transaction back.
	boom := errors.New("boom")
	err = testStore.InTx(ctx, func(tx ledger.Tx) error {
		if err := tx.TransferEscrowToWallet(ctx, id, id, 400); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	escrow, err = testStore.EscrowBalance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), escrow)
}

func TestStore_ContractLifecycle(t *testing.T) {
	ctx := context.Background()
	buyer := createTestUser(t, "pg_buyer", 0)
	seller := createTestUser(t, "pg_seller", 0)

	ref := models.ContractRef{Buyer: buyer, Seller: seller, Seq: 0}
	require.NoError(t, testStore.InTx(ctx, func(tx ledger.Tx) error {
		if err := tx.CreateContract(ctx, &models.OptionContract{
			Ref:                  ref,
			UnderlyingAsset:      "TSLA",
			NumUnits:             1,
			StrikePrice:          100,
			ExpirationDate:       time.Now().Add(time.Hour).UTC(),
			OptionType:           models.OptionCall,
			Premium:              10,
			Status:               models.StatusActive,
			MarginRequirementBps: 5000,
			MarginAmount:         50,
			CreatedAt:            time.Now().UTC(),
		}); err != nil {
			return err
		}
		if err := tx.AppendContractEntry(ctx, buyer, models.ContractEntry{
			Ref: ref, Role: models.RoleBuyer, Status: models.StatusActive,
		}); err != nil {
			return err
		}
		if err := tx.IncrementContractCount(ctx, buyer); err != nil {
			return err
		}
		return tx.AppendContractEntry(ctx, seller, models.ContractEntry{
			Ref: ref, Role: models.RoleSeller, Status: models.StatusActive,
		})
	}))

	acct, err := testStore.GetUserAccount(ctx, buyer)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), acct.ContractCount)
	require.Len(t, acct.Contracts, 1)
	assert.Equal(t, models.RoleBuyer, acct.Contracts[0].Role)

	owned, err := testStore.ContractsByOwner(ctx, seller)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, "TSLA", owned[0].UnderlyingAsset)

	require.NoError(t, testStore.InTx(ctx, func(tx ledger.Tx) error {
		if err := tx.UpdateContractState(ctx, ref, models.StatusExercised, 77, 77); err != nil {
			return err
		}
		if err := tx.UpdateEntryStatus(ctx, buyer, ref, models.StatusExercised); err != nil {
			return err
		}
		// Owner without a matching entry is a silent no-op.
		return tx.UpdateEntryStatus(ctx, 999999, ref, models.StatusExercised)
	}))

	c, err := testStore.GetContract(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExercised, c.Status)
	assert.Equal(t, uint64(77), c.SellerPendingBalance)

	refs, err := testStore.ExercisedRefs(ctx)
	require.NoError(t, err)
	assert.Contains(t, refs, ref)

	_, err = testStore.GetContract(ctx, models.ContractRef{Buyer: buyer, Seller: seller, Seq: 99})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}
