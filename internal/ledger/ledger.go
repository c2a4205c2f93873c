// Package ledger defines the storage substrate the settlement engine runs
// against: owner-keyed registry accounts, escrow sub-accounts, contract
// records and an atomic transfer primitive. Implementations must guarantee
// that everything done inside InTx commits or rolls back as one unit.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/optionclear/custody/internal/models"
)

// Account tags used in the transfer journal.
const (
	AccountWallet = "wallet"
	AccountEscrow = "escrow"
)

// ErrNotFound is returned when a user, account or contract does not exist.
var ErrNotFound = errors.New("ledger: not found")

// ErrInsufficientFunds is returned by the transfer primitives when the
// source account cannot cover the amount. The engine checks balances before
// transferring, so seeing this error means a bug or a racing writer.
var ErrInsufficientFunds = errors.New("ledger: insufficient funds")

// Transfer is one journal row. Every balance movement leaves exactly one.
type Transfer struct {
	ID          string
	FromAccount string
	ToAccount   string
	Amount      uint64
	CreatedAt   time.Time
}

// Store is the root handle on the ledger.
type Store interface {
	// CreateUser registers a new identity with a zero wallet balance.
	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)

	// CreditWallet adds spendable funds to a user's wallet. This is the
	// deposit/faucet edge of the system; real funds arrive out of band.
	CreditWallet(ctx context.Context, userID int64, amount uint64) error

	// WalletBalance and EscrowBalance are read-only snapshots.
	WalletBalance(ctx context.Context, userID int64) (uint64, error)
	EscrowBalance(ctx context.Context, userID int64) (uint64, error)

	// GetUserAccount returns the owner's registry, ErrNotFound if never
	// initialized.
	GetUserAccount(ctx context.Context, ownerID int64) (*models.UserAccount, error)

	// GetContract loads a contract by reference.
	GetContract(ctx context.Context, ref models.ContractRef) (*models.OptionContract, error)

	// ContractsByOwner lists every contract the owner appears on, in
	// registry order.
	ContractsByOwner(ctx context.Context, ownerID int64) ([]models.OptionContract, error)

	// ExercisedRefs lists references of contracts currently in the
	// Exercised state, for the settlement sweeper.
	ExercisedRefs(ctx context.Context) ([]models.ContractRef, error)

	// InTx runs fn inside one atomic ledger transaction.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the mutable view held for the duration of one engine operation.
type Tx interface {
	// Registry accounts.
	HasUserAccount(ctx context.Context, ownerID int64) (bool, error)
	CreateUserAccount(ctx context.Context, ownerID int64) error
	GetUserAccount(ctx context.Context, ownerID int64) (*models.UserAccount, error)
	AppendContractEntry(ctx context.Context, ownerID int64, entry models.ContractEntry) error
	// UpdateEntryStatus is a no-op when no entry matches ref.
	UpdateEntryStatus(ctx context.Context, ownerID int64, ref models.ContractRef, status models.ContractStatus) error
	IncrementContractCount(ctx context.Context, ownerID int64) error

	// Escrow accounts.
	HasEscrow(ctx context.Context, ownerID int64) (bool, error)
	CreateEscrow(ctx context.Context, ownerID int64) error
	EscrowBalance(ctx context.Context, ownerID int64) (uint64, error)
	WalletBalance(ctx context.Context, userID int64) (uint64, error)

	// Transfer primitives. Each is atomic within the transaction and
	// journals the movement.
	TransferWalletToEscrow(ctx context.Context, ownerID int64, amount uint64) error
	TransferEscrowToWallet(ctx context.Context, fromOwnerID, toUserID int64, amount uint64) error
	TransferEscrowToEscrow(ctx context.Context, fromOwnerID, toOwnerID int64, amount uint64) error

	// Contract records.
	CreateContract(ctx context.Context, c *models.OptionContract) error
	GetContract(ctx context.Context, ref models.ContractRef) (*models.OptionContract, error)
	UpdateContractState(ctx context.Context, ref models.ContractRef, status models.ContractStatus, sellerPending, buyerPending uint64) error
}
