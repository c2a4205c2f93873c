// Package engine implements the contract lifecycle and escrow-transfer core:
// margin computation, premium transfer at origination, payoff computation at
// exercise and collateral transfer at settlement. Every operation runs as a
// single ledger transaction; on any failure nothing is applied.
package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/optionclear/custody/internal/ledger"
	"github.com/optionclear/custody/internal/models"
)

// Engine orchestrates the settlement operations against a ledger.
type Engine struct {
	store ledger.Store
	log   *zap.Logger
	now   func() time.Time
}

// New creates an engine on top of the given ledger store.
func New(store ledger.Store, log *zap.Logger) *Engine {
	return &Engine{store: store, log: log, now: time.Now}
}

// WithClock overrides the engine's time source. Intended for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Store exposes the underlying ledger for read-only callers.
func (e *Engine) Store() ledger.Store {
	return e.store
}

// CreateContractParams carries the agreed terms for a new contract.
type CreateContractParams struct {
	SellerID             int64
	UnderlyingAsset      string
	NumUnits             uint64
	StrikePrice          uint64
	ExpirationDate       time.Time
	OptionType           models.OptionType
	Premium              uint64
	MarginRequirementBps uint16
	IsTest               bool
}

// InitializeUser creates an empty position registry for the owner.
func (e *Engine) InitializeUser(ctx context.Context, ownerID int64) error {
	return e.store.InTx(ctx, func(tx ledger.Tx) error {
		exists, err := tx.HasUserAccount(ctx, ownerID)
		if err != nil {
			return err
		}
		if exists {
			return ErrAlreadyInitialized
		}
		return tx.CreateUserAccount(ctx, ownerID)
	})
}

// InitializeEscrow creates the owner's zero-balance escrow sub-account.
func (e *Engine) InitializeEscrow(ctx context.Context, ownerID int64) error {
	return e.store.InTx(ctx, func(tx ledger.Tx) error {
		exists, err := tx.HasEscrow(ctx, ownerID)
		if err != nil {
			return err
		}
		if exists {
			return ErrAlreadyInitialized
		}
		return tx.CreateEscrow(ctx, ownerID)
	})
}

// Deposit moves amount from the owner's wallet into their escrow.
func (e *Engine) Deposit(ctx context.Context, ownerID int64, amount uint64) error {
	if amount == 0 {
		return ErrInvalidDepositAmount
	}
	err := e.store.InTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.EscrowBalance(ctx, ownerID); err != nil {
			return asEngineErr(err, ErrAccountNotFound)
		}
		wallet, err := tx.WalletBalance(ctx, ownerID)
		if err != nil {
			return asEngineErr(err, ErrAccountNotFound)
		}
		if wallet < amount {
			return ErrInsufficientBalance
		}
		return tx.TransferWalletToEscrow(ctx, ownerID, amount)
	})
	if err != nil {
		return err
	}
	e.log.Info("deposit", zap.Int64("owner", ownerID), zap.Uint64("amount", amount))
	return nil
}

// Withdraw moves amount from the owner's escrow back to their wallet.
// Collateral backing an open contract's margin is not held back here; a
// later settlement may then fail with ErrInsufficientSellerEscrow.
func (e *Engine) Withdraw(ctx context.Context, ownerID int64, amount uint64) error {
	err := e.store.InTx(ctx, func(tx ledger.Tx) error {
		escrow, err := tx.EscrowBalance(ctx, ownerID)
		if err != nil {
			return asEngineErr(err, ErrAccountNotFound)
		}
		if escrow < amount {
			return ErrInsufficientBalance
		}
		return tx.TransferEscrowToWallet(ctx, ownerID, ownerID, amount)
	})
	if err != nil {
		return err
	}
	e.log.Info("withdraw", zap.Int64("owner", ownerID), zap.Uint64("amount", amount))
	return nil
}

// CreateContract validates terms, collects the premium from the buyer's
// escrow and records the new contract in both parties' registries. The
// seller's margin is checked for sufficiency but not reserved.
func (e *Engine) CreateContract(ctx context.Context, buyerID int64, p CreateContractParams) (*models.OptionContract, error) {
	if len(p.UnderlyingAsset) > models.MaxTickerLength {
		return nil, ErrAssetTickerTooLong
	}
	if !p.OptionType.Valid() {
		return nil, ErrInvalidOptionType
	}

	var contract *models.OptionContract
	err := e.store.InTx(ctx, func(tx ledger.Tx) error {
		buyerAcct, err := tx.GetUserAccount(ctx, buyerID)
		if err != nil {
			return asEngineErr(err, ErrAccountNotFound)
		}
		sellerAcct, err := tx.GetUserAccount(ctx, p.SellerID)
		if err != nil {
			return asEngineErr(err, ErrAccountNotFound)
		}
		if len(buyerAcct.Contracts) >= models.MaxContracts {
			return ErrMaxContractsReached
		}
		if len(sellerAcct.Contracts) >= models.MaxContracts {
			return ErrMaxContractsReached
		}

		margin, err := marginAmount(p.NumUnits, p.StrikePrice, p.MarginRequirementBps)
		if err != nil {
			return err
		}

		buyerEscrow, err := tx.EscrowBalance(ctx, buyerID)
		if err != nil {
			return asEngineErr(err, ErrAccountNotFound)
		}
		if buyerEscrow < p.Premium {
			return ErrInsufficientBalance
		}
		sellerEscrow, err := tx.EscrowBalance(ctx, p.SellerID)
		if err != nil {
			return asEngineErr(err, ErrAccountNotFound)
		}
		if sellerEscrow < margin {
			return ErrInsufficientBalance
		}

		// Premium goes to the seller's spendable balance, not their escrow.
		if err := tx.TransferEscrowToWallet(ctx, buyerID, p.SellerID, p.Premium); err != nil {
			return err
		}

		c := &models.OptionContract{
			Ref: models.ContractRef{
				Buyer:  buyerID,
				Seller: p.SellerID,
				Seq:    buyerAcct.ContractCount,
			},
			UnderlyingAsset:      p.UnderlyingAsset,
			NumUnits:             p.NumUnits,
			StrikePrice:          p.StrikePrice,
			ExpirationDate:       p.ExpirationDate,
			OptionType:           p.OptionType,
			Premium:              p.Premium,
			Status:               models.StatusActive,
			MarginRequirementBps: p.MarginRequirementBps,
			MarginAmount:         margin,
			IsTest:               p.IsTest,
			CreatedAt:            e.now(),
		}
		if err := tx.CreateContract(ctx, c); err != nil {
			return err
		}

		if err := tx.AppendContractEntry(ctx, buyerID, models.ContractEntry{
			Ref: c.Ref, Role: models.RoleBuyer, Status: models.StatusActive,
		}); err != nil {
			return err
		}
		if err := tx.IncrementContractCount(ctx, buyerID); err != nil {
			return err
		}
		if err := tx.AppendContractEntry(ctx, p.SellerID, models.ContractEntry{
			Ref: c.Ref, Role: models.RoleSeller, Status: models.StatusActive,
		}); err != nil {
			return err
		}

		contract = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("contract created",
		zap.String("ref", contract.Ref.String()),
		zap.String("asset", contract.UnderlyingAsset),
		zap.Uint64("premium", contract.Premium),
		zap.Uint64("margin", contract.MarginAmount))
	return contract, nil
}

// Exercise computes the payoff from the supplied prices and freezes it on
// the contract. Only the buyer may exercise, and only at or after expiration
// unless the contract was created in test mode.
func (e *Engine) Exercise(ctx context.Context, callerID int64, ref models.ContractRef, underlyingPriceUSD, solPriceUSD uint64) (*models.OptionContract, error) {
	var contract *models.OptionContract
	err := e.store.InTx(ctx, func(tx ledger.Tx) error {
		c, err := tx.GetContract(ctx, ref)
		if err != nil {
			return asEngineErr(err, ErrContractNotFound)
		}
		if c.Status != models.StatusActive {
			return ErrContractNotActive
		}
		if callerID != c.Ref.Buyer {
			return ErrUnauthorizedExercise
		}
		if !c.IsTest && e.now().Before(c.ExpirationDate) {
			return ErrContractNotExpired
		}

		var profitPerUnit uint64
		switch c.OptionType {
		case models.OptionCall:
			if underlyingPriceUSD > c.StrikePrice {
				profitPerUnit = underlyingPriceUSD - c.StrikePrice
			}
		case models.OptionPut:
			if c.StrikePrice > underlyingPriceUSD {
				profitPerUnit = c.StrikePrice - underlyingPriceUSD
			}
		}

		var payoff uint64
		if profitPerUnit > 0 {
			payoff, err = payoffLamports(profitPerUnit, c.NumUnits, solPriceUSD)
			if err != nil {
				return err
			}
		}

		if err := tx.UpdateContractState(ctx, ref, models.StatusExercised, payoff, payoff); err != nil {
			return err
		}
		if err := tx.UpdateEntryStatus(ctx, c.Ref.Buyer, ref, models.StatusExercised); err != nil {
			return err
		}
		if err := tx.UpdateEntryStatus(ctx, c.Ref.Seller, ref, models.StatusExercised); err != nil {
			return err
		}

		c.Status = models.StatusExercised
		c.SellerPendingBalance = payoff
		c.BuyerPendingBalance = payoff
		contract = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("contract exercised",
		zap.String("ref", contract.Ref.String()),
		zap.Uint64("payoff", contract.SellerPendingBalance))
	return contract, nil
}

// Settle moves the frozen payoff from the seller's escrow to the buyer's
// escrow and finalizes the contract. Anyone may trigger it once a contract
// is exercised.
func (e *Engine) Settle(ctx context.Context, ref models.ContractRef) (*models.OptionContract, error) {
	var contract *models.OptionContract
	err := e.store.InTx(ctx, func(tx ledger.Tx) error {
		c, err := tx.GetContract(ctx, ref)
		if err != nil {
			return asEngineErr(err, ErrContractNotFound)
		}
		if c.Status != models.StatusExercised {
			return ErrNotExercised
		}
		if c.SellerPendingBalance == 0 {
			return ErrNoPendingBalance
		}

		sellerEscrow, err := tx.EscrowBalance(ctx, c.Ref.Seller)
		if err != nil {
			return asEngineErr(err, ErrAccountNotFound)
		}
		if sellerEscrow < c.SellerPendingBalance {
			return ErrInsufficientSellerEscrow
		}

		if err := tx.TransferEscrowToEscrow(ctx, c.Ref.Seller, c.Ref.Buyer, c.SellerPendingBalance); err != nil {
			return err
		}
		if err := tx.UpdateContractState(ctx, ref, models.StatusSettled, 0, 0); err != nil {
			return err
		}
		if err := tx.UpdateEntryStatus(ctx, c.Ref.Buyer, ref, models.StatusSettled); err != nil {
			return err
		}
		if err := tx.UpdateEntryStatus(ctx, c.Ref.Seller, ref, models.StatusSettled); err != nil {
			return err
		}

		c.Status = models.StatusSettled
		c.SellerPendingBalance = 0
		c.BuyerPendingBalance = 0
		contract = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("contract settled", zap.String("ref", contract.Ref.String()))
	return contract, nil
}

// SettleDue settles every exercised contract whose seller escrow covers the
// pending payoff. Contracts that cannot settle yet are skipped, not failed.
// Returns how many contracts were settled.
func (e *Engine) SettleDue(ctx context.Context) (int, error) {
	refs, err := e.store.ExercisedRefs(ctx)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, ref := range refs {
		if _, err := e.Settle(ctx, ref); err != nil {
			var engErr *Error
			if errors.As(err, &engErr) {
				e.log.Debug("sweep skipped contract",
					zap.String("ref", ref.String()), zap.String("code", engErr.Code))
				continue
			}
			return settled, err
		}
		settled++
	}
	return settled, nil
}

// asEngineErr converts a ledger not-found into the given typed error and
// passes everything else through.
func asEngineErr(err error, notFound *Error) error {
	if errors.Is(err, ledger.ErrNotFound) {
		return notFound
	}
	return err
}
