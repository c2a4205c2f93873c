// Package postgres implements the ledger on PostgreSQL via pgx. Each engine
// operation runs inside one database transaction; balance rows are locked
// with SELECT ... FOR UPDATE so concurrent operations on the same accounts
// serialize.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/optionclear/custody/internal/ledger"
	"github.com/optionclear/custody/internal/models"
)

// Store wraps a PostgreSQL connection pool.
type Store struct {
	Pool *pgxpool.Pool
}

// New initializes a new ledger store on a connection pool.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &Store{Pool: pool}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user := &models.User{}
	var wallet int64
	err := s.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, wallet_balance, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &wallet, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	user.WalletBalance = uint64(wallet)
	return user, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return scanUser(s.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, wallet_balance, created_at FROM users WHERE username = $1",
		username))
}

func (s *Store) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(s.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, wallet_balance, created_at FROM users WHERE id = $1",
		id))
}

func scanUser(row pgx.Row) (*models.User, error) {
	user := &models.User{}
	var wallet int64
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &wallet, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	user.WalletBalance = uint64(wallet)
	return user, nil
}

func (s *Store) CreditWallet(ctx context.Context, userID int64, amount uint64) error {
	tag, err := s.Pool.Exec(ctx,
		"UPDATE users SET wallet_balance = wallet_balance + $1 WHERE id = $2",
		int64(amount), userID)
	if err != nil {
		return fmt.Errorf("failed to credit wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (s *Store) WalletBalance(ctx context.Context, userID int64) (uint64, error) {
	var bal int64
	err := s.Pool.QueryRow(ctx, "SELECT wallet_balance FROM users WHERE id = $1", userID).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ledger.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get wallet balance: %w", err)
	}
	return uint64(bal), nil
}

func (s *Store) EscrowBalance(ctx context.Context, userID int64) (uint64, error) {
	var bal int64
	err := s.Pool.QueryRow(ctx, "SELECT balance FROM escrow_accounts WHERE owner_id = $1", userID).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ledger.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get escrow balance: %w", err)
	}
	return uint64(bal), nil
}

func (s *Store) GetUserAccount(ctx context.Context, ownerID int64) (*models.UserAccount, error) {
	return getUserAccount(ctx, s.Pool, ownerID, false)
}

func (s *Store) GetContract(ctx context.Context, ref models.ContractRef) (*models.OptionContract, error) {
	return getContract(ctx, s.Pool, ref, false)
}

func (s *Store) ContractsByOwner(ctx context.Context, ownerID int64) ([]models.OptionContract, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT c.buyer_id, c.seller_id, c.seq, c.underlying_asset, c.num_units, c.strike_price,
		       c.expiration_date, c.option_type, c.premium, c.seller_pending_balance,
		       c.buyer_pending_balance, c.status, c.margin_requirement_bps, c.margin_amount,
		       c.is_test, c.created_at
		FROM contracts c
		JOIN contract_entries e ON e.buyer_id = c.buyer_id AND e.seller_id = c.seller_id AND e.seq = c.seq
		WHERE e.owner_id = $1
		ORDER BY e.position ASC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contracts: %w", err)
	}
	defer rows.Close()

	var out []models.OptionContract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Store) ExercisedRefs(ctx context.Context) ([]models.ContractRef, error) {
	rows, err := s.Pool.Query(ctx,
		"SELECT buyer_id, seller_id, seq FROM contracts WHERE status = $1 ORDER BY created_at ASC",
		string(models.StatusExercised))
	if err != nil {
		return nil, fmt.Errorf("failed to list exercised contracts: %w", err)
	}
	defer rows.Close()

	var refs []models.ContractRef
	for rows.Next() {
		var ref models.ContractRef
		var seq int64
		if err := rows.Scan(&ref.Buyer, &ref.Seller, &seq); err != nil {
			return nil, fmt.Errorf("failed to scan contract ref: %w", err)
		}
		ref.Seq = uint64(seq)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// InTx runs fn inside a single database transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// pgTx implements ledger.Tx over a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) HasUserAccount(ctx context.Context, ownerID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM user_accounts WHERE owner_id = $1)", ownerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check user account: %w", err)
	}
	return exists, nil
}

func (t *pgTx) CreateUserAccount(ctx context.Context, ownerID int64) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO user_accounts (owner_id, contract_count) VALUES ($1, 0)", ownerID)
	if err != nil {
		return fmt.Errorf("failed to create user account: %w", err)
	}
	return nil
}

func (t *pgTx) GetUserAccount(ctx context.Context, ownerID int64) (*models.UserAccount, error) {
	return getUserAccount(ctx, t.tx, ownerID, true)
}

func (t *pgTx) AppendContractEntry(ctx context.Context, ownerID int64, entry models.ContractEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO contract_entries (owner_id, buyer_id, seller_id, seq, role, status, position)
		VALUES ($1, $2, $3, $4, $5, $6,
		        (SELECT COUNT(*) FROM contract_entries WHERE owner_id = $1))
	`, ownerID, entry.Ref.Buyer, entry.Ref.Seller, int64(entry.Ref.Seq),
		string(entry.Role), string(entry.Status))
	if err != nil {
		return fmt.Errorf("failed to append contract entry: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateEntryStatus(ctx context.Context, ownerID int64, ref models.ContractRef, status models.ContractStatus) error {
	// Deliberately not an error when no row matches.
	_, err := t.tx.Exec(ctx, `
		UPDATE contract_entries SET status = $1
		WHERE owner_id = $2 AND buyer_id = $3 AND seller_id = $4 AND seq = $5
	`, string(status), ownerID, ref.Buyer, ref.Seller, int64(ref.Seq))
	if err != nil {
		return fmt.Errorf("failed to update entry status: %w", err)
	}
	return nil
}

func (t *pgTx) IncrementContractCount(ctx context.Context, ownerID int64) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE user_accounts SET contract_count = contract_count + 1 WHERE owner_id = $1", ownerID)
	if err != nil {
		return fmt.Errorf("failed to increment contract count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (t *pgTx) HasEscrow(ctx context.Context, ownerID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM escrow_accounts WHERE owner_id = $1)", ownerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check escrow account: %w", err)
	}
	return exists, nil
}

func (t *pgTx) CreateEscrow(ctx context.Context, ownerID int64) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO escrow_accounts (owner_id, balance) VALUES ($1, 0)", ownerID)
	if err != nil {
		return fmt.Errorf("failed to create escrow account: %w", err)
	}
	return nil
}

func (t *pgTx) EscrowBalance(ctx context.Context, ownerID int64) (uint64, error) {
	var bal int64
	err := t.tx.QueryRow(ctx,
		"SELECT balance FROM escrow_accounts WHERE owner_id = $1 FOR UPDATE", ownerID).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ledger.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get escrow balance: %w", err)
	}
	return uint64(bal), nil
}

func (t *pgTx) WalletBalance(ctx context.Context, userID int64) (uint64, error) {
	var bal int64
	err := t.tx.QueryRow(ctx,
		"SELECT wallet_balance FROM users WHERE id = $1 FOR UPDATE", userID).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ledger.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get wallet balance: %w", err)
	}
	return uint64(bal), nil
}

func (t *pgTx) TransferWalletToEscrow(ctx context.Context, ownerID int64, amount uint64) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE users SET wallet_balance = wallet_balance - $1
		WHERE id = $2 AND wallet_balance >= $1
	`, int64(amount), ownerID)
	if err != nil {
		return fmt.Errorf("failed to debit wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrInsufficientFunds
	}
	tag, err = t.tx.Exec(ctx,
		"UPDATE escrow_accounts SET balance = balance + $1 WHERE owner_id = $2",
		int64(amount), ownerID)
	if err != nil {
		return fmt.Errorf("failed to credit escrow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return t.journal(ctx, walletTag(ownerID), escrowTag(ownerID), amount)
}

func (t *pgTx) TransferEscrowToWallet(ctx context.Context, fromOwnerID, toUserID int64, amount uint64) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE escrow_accounts SET balance = balance - $1
		WHERE owner_id = $2 AND balance >= $1
	`, int64(amount), fromOwnerID)
	if err != nil {
		return fmt.Errorf("failed to debit escrow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrInsufficientFunds
	}
	tag, err = t.tx.Exec(ctx,
		"UPDATE users SET wallet_balance = wallet_balance + $1 WHERE id = $2",
		int64(amount), toUserID)
	if err != nil {
		return fmt.Errorf("failed to credit wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return t.journal(ctx, escrowTag(fromOwnerID), walletTag(toUserID), amount)
}

func (t *pgTx) TransferEscrowToEscrow(ctx context.Context, fromOwnerID, toOwnerID int64, amount uint64) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE escrow_accounts SET balance = balance - $1
		WHERE owner_id = $2 AND balance >= $1
	`, int64(amount), fromOwnerID)
	if err != nil {
		return fmt.Errorf("failed to debit escrow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrInsufficientFunds
	}
	tag, err = t.tx.Exec(ctx,
		"UPDATE escrow_accounts SET balance = balance + $1 WHERE owner_id = $2",
		int64(amount), toOwnerID)
	if err != nil {
		return fmt.Errorf("failed to credit escrow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return t.journal(ctx, escrowTag(fromOwnerID), escrowTag(toOwnerID), amount)
}

func (t *pgTx) CreateContract(ctx context.Context, c *models.OptionContract) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO contracts (buyer_id, seller_id, seq, underlying_asset, num_units, strike_price,
		                       expiration_date, option_type, premium, seller_pending_balance,
		                       buyer_pending_balance, status, margin_requirement_bps, margin_amount,
		                       is_test, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, c.Ref.Buyer, c.Ref.Seller, int64(c.Ref.Seq), c.UnderlyingAsset, int64(c.NumUnits),
		int64(c.StrikePrice), c.ExpirationDate, string(c.OptionType), int64(c.Premium),
		int64(c.SellerPendingBalance), int64(c.BuyerPendingBalance), string(c.Status),
		int32(c.MarginRequirementBps), int64(c.MarginAmount), c.IsTest, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create contract: %w", err)
	}
	return nil
}

func (t *pgTx) GetContract(ctx context.Context, ref models.ContractRef) (*models.OptionContract, error) {
	return getContract(ctx, t.tx, ref, true)
}

func (t *pgTx) UpdateContractState(ctx context.Context, ref models.ContractRef, status models.ContractStatus, sellerPending, buyerPending uint64) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE contracts SET status = $1, seller_pending_balance = $2, buyer_pending_balance = $3
		WHERE buyer_id = $4 AND seller_id = $5 AND seq = $6
	`, string(status), int64(sellerPending), int64(buyerPending),
		ref.Buyer, ref.Seller, int64(ref.Seq))
	if err != nil {
		return fmt.Errorf("failed to update contract: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (t *pgTx) journal(ctx context.Context, from, to string, amount uint64) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO transfers (id, from_account, to_account, amount) VALUES ($1, $2, $3, $4)",
		uuid.NewString(), from, to, int64(amount))
	if err != nil {
		return fmt.Errorf("failed to journal transfer: %w", err)
	}
	return nil
}

func walletTag(id int64) string { return fmt.Sprintf("%s:%d", ledger.AccountWallet, id) }
func escrowTag(id int64) string { return fmt.Sprintf("%s:%d", ledger.AccountEscrow, id) }

type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getUserAccount(ctx context.Context, q rowQuerier, ownerID int64, forUpdate bool) (*models.UserAccount, error) {
	acct := &models.UserAccount{OwnerID: ownerID}
	var count int64
	query := "SELECT contract_count FROM user_accounts WHERE owner_id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	err := q.QueryRow(ctx, query, ownerID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user account: %w", err)
	}
	acct.ContractCount = uint64(count)

	rows, err := q.Query(ctx, `
		SELECT buyer_id, seller_id, seq, role, status
		FROM contract_entries WHERE owner_id = $1 ORDER BY position ASC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get contract entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry models.ContractEntry
		var seq int64
		var role, status string
		if err := rows.Scan(&entry.Ref.Buyer, &entry.Ref.Seller, &seq, &role, &status); err != nil {
			return nil, fmt.Errorf("failed to scan contract entry: %w", err)
		}
		entry.Ref.Seq = uint64(seq)
		entry.Role = models.Role(role)
		entry.Status = models.ContractStatus(status)
		acct.Contracts = append(acct.Contracts, entry)
	}
	return acct, rows.Err()
}

func getContract(ctx context.Context, q rowQuerier, ref models.ContractRef, forUpdate bool) (*models.OptionContract, error) {
	query := `
		SELECT buyer_id, seller_id, seq, underlying_asset, num_units, strike_price,
		       expiration_date, option_type, premium, seller_pending_balance,
		       buyer_pending_balance, status, margin_requirement_bps, margin_amount,
		       is_test, created_at
		FROM contracts WHERE buyer_id = $1 AND seller_id = $2 AND seq = $3`
	if forUpdate {
		query += " FOR UPDATE"
	}
	c, err := scanContract(q.QueryRow(ctx, query, ref.Buyer, ref.Seller, int64(ref.Seq)))
	if err != nil {
		return nil, err
	}
	return c, nil
}

func scanContract(row pgx.Row) (*models.OptionContract, error) {
	c := &models.OptionContract{}
	var seq, units, strike, premium, sellerPending, buyerPending, margin int64
	var bps int32
	var optType, status string
	err := row.Scan(&c.Ref.Buyer, &c.Ref.Seller, &seq, &c.UnderlyingAsset, &units, &strike,
		&c.ExpirationDate, &optType, &premium, &sellerPending, &buyerPending, &status,
		&bps, &margin, &c.IsTest, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan contract: %w", err)
	}
	c.Ref.Seq = uint64(seq)
	c.NumUnits = uint64(units)
	c.StrikePrice = uint64(strike)
	c.OptionType = models.OptionType(optType)
	c.Premium = uint64(premium)
	c.SellerPendingBalance = uint64(sellerPending)
	c.BuyerPendingBalance = uint64(buyerPending)
	c.Status = models.ContractStatus(status)
	c.MarginRequirementBps = uint16(bps)
	c.MarginAmount = uint64(margin)
	return c, nil
}
