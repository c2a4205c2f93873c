// Package memory implements the ledger in process memory. Transactions take
// a snapshot of all state and restore it when the operation fails, giving
// the same all-or-nothing semantics as the postgres ledger. Used by tests
// and local development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/optionclear/custody/internal/ledger"
	"github.com/optionclear/custody/internal/models"
)

// Store holds all ledger state in maps guarded by one mutex.
type Store struct {
	mu        sync.Mutex
	nextID    int64
	users     map[int64]*models.User
	byName    map[string]int64
	accounts  map[int64]*models.UserAccount
	escrows   map[int64]uint64
	hasEscrow map[int64]bool
	contracts map[models.ContractRef]*models.OptionContract
	order     []models.ContractRef
	journal   []ledger.Transfer
}

// New creates an empty in-memory ledger.
func New() *Store {
	return &Store{
		nextID:    1,
		users:     make(map[int64]*models.User),
		byName:    make(map[string]int64),
		accounts:  make(map[int64]*models.UserAccount),
		escrows:   make(map[int64]uint64),
		hasEscrow: make(map[int64]bool),
		contracts: make(map[models.ContractRef]*models.OptionContract),
	}
}

func (s *Store) CreateUser(_ context.Context, username, passwordHash string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byName[username]; taken {
		return nil, fmt.Errorf("failed to create user: username %q already exists", username)
	}
	u := &models.User{
		ID:           s.nextID,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
	s.nextID++
	s.users[u.ID] = u
	s.byName[username] = u.ID
	out := *u
	return &out, nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[username]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	out := *s.users[id]
	return &out, nil
}

func (s *Store) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	out := *u
	return &out, nil
}

func (s *Store) CreditWallet(_ context.Context, userID int64, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ledger.ErrNotFound
	}
	u.WalletBalance += amount
	return nil
}

func (s *Store) WalletBalance(_ context.Context, userID int64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, ledger.ErrNotFound
	}
	return u.WalletBalance, nil
}

func (s *Store) EscrowBalance(_ context.Context, userID int64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasEscrow[userID] {
		return 0, ledger.ErrNotFound
	}
	return s.escrows[userID], nil
}

func (s *Store) GetUserAccount(_ context.Context, ownerID int64) (*models.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountCopy(ownerID)
}

func (s *Store) GetContract(_ context.Context, ref models.ContractRef) (*models.OptionContract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[ref]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	out := *c
	return &out, nil
}

func (s *Store) ContractsByOwner(_ context.Context, ownerID int64) ([]models.OptionContract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[ownerID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	var out []models.OptionContract
	for _, entry := range acct.Contracts {
		if c, ok := s.contracts[entry.Ref]; ok {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *Store) ExercisedRefs(_ context.Context) ([]models.ContractRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var refs []models.ContractRef
	for _, ref := range s.order {
		if s.contracts[ref].Status == models.StatusExercised {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

// Journal returns a copy of all recorded transfers, oldest first.
func (s *Store) Journal() []ledger.Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Transfer, len(s.journal))
	copy(out, s.journal)
	return out
}

// InTx runs fn under the store lock against a snapshot-backed view. On
// error the snapshot is restored, so failed operations leave no trace.
func (s *Store) InTx(_ context.Context, fn func(tx ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type snapshotState struct {
	users     map[int64]*models.User
	accounts  map[int64]*models.UserAccount
	escrows   map[int64]uint64
	hasEscrow map[int64]bool
	contracts map[models.ContractRef]*models.OptionContract
	order     []models.ContractRef
	journal   []ledger.Transfer
}

func (s *Store) snapshot() snapshotState {
	snap := snapshotState{
		users:     make(map[int64]*models.User, len(s.users)),
		accounts:  make(map[int64]*models.UserAccount, len(s.accounts)),
		escrows:   make(map[int64]uint64, len(s.escrows)),
		hasEscrow: make(map[int64]bool, len(s.hasEscrow)),
		contracts: make(map[models.ContractRef]*models.OptionContract, len(s.contracts)),
		order:     append([]models.ContractRef(nil), s.order...),
		journal:   append([]ledger.Transfer(nil), s.journal...),
	}
	for id, u := range s.users {
		cp := *u
		snap.users[id] = &cp
	}
	for id, a := range s.accounts {
		cp := *a
		cp.Contracts = append([]models.ContractEntry(nil), a.Contracts...)
		snap.accounts[id] = &cp
	}
	for id, b := range s.escrows {
		snap.escrows[id] = b
	}
	for id, ok := range s.hasEscrow {
		snap.hasEscrow[id] = ok
	}
	for ref, c := range s.contracts {
		cp := *c
		snap.contracts[ref] = &cp
	}
	return snap
}

func (s *Store) restore(snap snapshotState) {
	s.users = snap.users
	s.accounts = snap.accounts
	s.escrows = snap.escrows
	s.hasEscrow = snap.hasEscrow
	s.contracts = snap.contracts
	s.order = snap.order
	s.journal = snap.journal
}

func (s *Store) accountCopy(ownerID int64) (*models.UserAccount, error) {
	acct, ok := s.accounts[ownerID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	out := *acct
	out.Contracts = append([]models.ContractEntry(nil), acct.Contracts...)
	return &out, nil
}

// memTx mutates the store directly; InTx already holds the lock and keeps a
// snapshot for rollback.
type memTx struct {
	s *Store
}

func (t *memTx) HasUserAccount(_ context.Context, ownerID int64) (bool, error) {
	_, ok := t.s.accounts[ownerID]
	return ok, nil
}

func (t *memTx) CreateUserAccount(_ context.Context, ownerID int64) error {
	t.s.accounts[ownerID] = &models.UserAccount{OwnerID: ownerID}
	return nil
}

func (t *memTx) GetUserAccount(_ context.Context, ownerID int64) (*models.UserAccount, error) {
	return t.s.accountCopy(ownerID)
}

func (t *memTx) AppendContractEntry(_ context.Context, ownerID int64, entry models.ContractEntry) error {
	acct, ok := t.s.accounts[ownerID]
	if !ok {
		return ledger.ErrNotFound
	}
	acct.Contracts = append(acct.Contracts, entry)
	return nil
}

func (t *memTx) UpdateEntryStatus(_ context.Context, ownerID int64, ref models.ContractRef, status models.ContractStatus) error {
	acct, ok := t.s.accounts[ownerID]
	if !ok {
		return nil
	}
	for i := range acct.Contracts {
		if acct.Contracts[i].Ref == ref {
			acct.Contracts[i].Status = status
			break
		}
	}
	return nil
}

func (t *memTx) IncrementContractCount(_ context.Context, ownerID int64) error {
	acct, ok := t.s.accounts[ownerID]
	if !ok {
		return ledger.ErrNotFound
	}
	acct.ContractCount++
	return nil
}

func (t *memTx) HasEscrow(_ context.Context, ownerID int64) (bool, error) {
	return t.s.hasEscrow[ownerID], nil
}

func (t *memTx) CreateEscrow(_ context.Context, ownerID int64) error {
	t.s.hasEscrow[ownerID] = true
	t.s.escrows[ownerID] = 0
	return nil
}

func (t *memTx) EscrowBalance(_ context.Context, ownerID int64) (uint64, error) {
	if !t.s.hasEscrow[ownerID] {
		return 0, ledger.ErrNotFound
	}
	return t.s.escrows[ownerID], nil
}

func (t *memTx) WalletBalance(_ context.Context, userID int64) (uint64, error) {
	u, ok := t.s.users[userID]
	if !ok {
		return 0, ledger.ErrNotFound
	}
	return u.WalletBalance, nil
}

func (t *memTx) TransferWalletToEscrow(_ context.Context, ownerID int64, amount uint64) error {
	u, ok := t.s.users[ownerID]
	if !ok || !t.s.hasEscrow[ownerID] {
		return ledger.ErrNotFound
	}
	if u.WalletBalance < amount {
		return ledger.ErrInsufficientFunds
	}
	u.WalletBalance -= amount
	t.s.escrows[ownerID] += amount
	t.record(ledger.AccountWallet, ownerID, ledger.AccountEscrow, ownerID, amount)
	return nil
}

func (t *memTx) TransferEscrowToWallet(_ context.Context, fromOwnerID, toUserID int64, amount uint64) error {
	u, ok := t.s.users[toUserID]
	if !ok || !t.s.hasEscrow[fromOwnerID] {
		return ledger.ErrNotFound
	}
	if t.s.escrows[fromOwnerID] < amount {
		return ledger.ErrInsufficientFunds
	}
	t.s.escrows[fromOwnerID] -= amount
	u.WalletBalance += amount
	t.record(ledger.AccountEscrow, fromOwnerID, ledger.AccountWallet, toUserID, amount)
	return nil
}

func (t *memTx) TransferEscrowToEscrow(_ context.Context, fromOwnerID, toOwnerID int64, amount uint64) error {
	if !t.s.hasEscrow[fromOwnerID] || !t.s.hasEscrow[toOwnerID] {
		return ledger.ErrNotFound
	}
	if t.s.escrows[fromOwnerID] < amount {
		return ledger.ErrInsufficientFunds
	}
	t.s.escrows[fromOwnerID] -= amount
	t.s.escrows[toOwnerID] += amount
	t.record(ledger.AccountEscrow, fromOwnerID, ledger.AccountEscrow, toOwnerID, amount)
	return nil
}

func (t *memTx) CreateContract(_ context.Context, c *models.OptionContract) error {
	cp := *c
	t.s.contracts[c.Ref] = &cp
	t.s.order = append(t.s.order, c.Ref)
	return nil
}

func (t *memTx) GetContract(_ context.Context, ref models.ContractRef) (*models.OptionContract, error) {
	c, ok := t.s.contracts[ref]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	out := *c
	return &out, nil
}

func (t *memTx) UpdateContractState(_ context.Context, ref models.ContractRef, status models.ContractStatus, sellerPending, buyerPending uint64) error {
	c, ok := t.s.contracts[ref]
	if !ok {
		return ledger.ErrNotFound
	}
	c.Status = status
	c.SellerPendingBalance = sellerPending
	c.BuyerPendingBalance = buyerPending
	return nil
}

func (t *memTx) record(fromKind string, fromID int64, toKind string, toID int64, amount uint64) {
	t.s.journal = append(t.s.journal, ledger.Transfer{
		ID:          uuid.NewString(),
		FromAccount: accountTag(fromKind, fromID),
		ToAccount:   accountTag(toKind, toID),
		Amount:      amount,
		CreatedAt:   time.Now(),
	})
}

func accountTag(kind string, id int64) string {
	return fmt.Sprintf("%s:%d", kind, id)
}
