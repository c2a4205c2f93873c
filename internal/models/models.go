package models

import (
	"fmt"
	"time"
)

// MaxContracts bounds how many registry entries a single owner may hold.
const MaxContracts = 100

// MaxTickerLength is the longest accepted underlying asset symbol, in bytes.
const MaxTickerLength = 32

// OptionType distinguishes calls from puts.
type OptionType string

const (
	OptionCall OptionType = "call"
	OptionPut  OptionType = "put"
)

// Valid reports whether t is a known option type.
func (t OptionType) Valid() bool {
	return t == OptionCall || t == OptionPut
}

// ContractStatus is the lifecycle state of an option contract.
// Transitions are strictly Active -> Exercised -> Settled.
type ContractStatus string

const (
	StatusActive    ContractStatus = "active"
	StatusExercised ContractStatus = "exercised"
	StatusSettled   ContractStatus = "settled"
)

// Role is the side a user holds on a contract.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// User is a registered identity with a spendable wallet balance.
type User struct {
	ID            int64
	Username      string
	PasswordHash  string
	WalletBalance uint64
	CreatedAt     time.Time
}

// ContractRef identifies a contract by its parties and the buyer-side
// sequence number assigned at creation.
type ContractRef struct {
	Buyer  int64  `json:"buyer"`
	Seller int64  `json:"seller"`
	Seq    uint64 `json:"seq"`
}

func (r ContractRef) String() string {
	return fmt.Sprintf("%d/%d/%d", r.Buyer, r.Seller, r.Seq)
}

// ContractEntry is one row of an owner's position registry.
type ContractEntry struct {
	Ref    ContractRef    `json:"ref"`
	Role   Role           `json:"role"`
	Status ContractStatus `json:"status"`
}

// UserAccount is the per-owner registry of contract positions.
// ContractCount only ever increases; it seeds the next contract's seq.
type UserAccount struct {
	OwnerID       int64           `json:"owner_id"`
	ContractCount uint64          `json:"contract_count"`
	Contracts     []ContractEntry `json:"contracts"`
}

// OptionContract holds the agreed terms and the settlement state of one
// bilateral option. Terms never change after creation; only Status and the
// two pending balances are mutable, and the pending balances are nonzero
// only between exercise and settlement.
type OptionContract struct {
	Ref                  ContractRef    `json:"ref"`
	UnderlyingAsset      string         `json:"underlying_asset"`
	NumUnits             uint64         `json:"num_units"`
	StrikePrice          uint64         `json:"strike_price"`
	ExpirationDate       time.Time      `json:"expiration_date"`
	OptionType           OptionType     `json:"option_type"`
	Premium              uint64         `json:"premium"`
	SellerPendingBalance uint64         `json:"seller_pending_balance"`
	BuyerPendingBalance  uint64         `json:"buyer_pending_balance"`
	Status               ContractStatus `json:"status"`
	MarginRequirementBps uint16         `json:"margin_requirement_bps"`
	MarginAmount         uint64         `json:"margin_amount"`
	IsTest               bool           `json:"is_test"`
	CreatedAt            time.Time      `json:"created_at"`
}
