/*
Package ledger provides the core double-entry ledger domain model.

PURPOSE:
  This package contains the entity types shared by the local store, the
  mutation queue, and the sync engine. Every entity carries a per-entity
  sync state and a last-modified timestamp so the sync engine can tell
  which local rows are safe to overwrite from the remote service.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A quantity in a unit (e.g., 42.50 USD, 3 VTI shares)
  - Account/Transaction/Posting: The double-entry core
  - Tag/Unit/Price: Shared reference entities
  - SyncState: The four-state per-entity sync lifecycle

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point errors
  2. Type Safety: Strong typing for IDs prevents mixing entity kinds
  3. Ownership: A Transaction exclusively owns its Postings (cascade
     lifetime); Postings reference Accounts by identifier only
  4. Explicit sync state: every transition is enumerable and testable

SEE ALSO:
  - store.go: Persistence interfaces
  - errors.go: Sentinel and structured errors
  - sync package: MutationRecord, Queue, Executor, Orchestrator
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SYNC STATE - Per-entity sync lifecycle
// =============================================================================

// SyncState tracks where an entity stands relative to the remote service.
//
// Clean:          local copy matches the last known remote state
// Dirty:          a local edit has not been acknowledged by the remote yet
// InFlight:       a mutation for this entity is being sent right now
// ConflictFailed: the remote rejected a mutation; user action required
type SyncState string

const (
	SyncClean          SyncState = "clean"
	SyncDirty          SyncState = "dirty"
	SyncInFlight       SyncState = "in_flight"
	SyncConflictFailed SyncState = "conflict_failed"
)

// Protected reports whether an entity in this state must not be
// overwritten by pulled remote data.
func (s SyncState) Protected() bool {
	return s == SyncDirty || s == SyncInFlight || s == SyncConflictFailed
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TransactionID string
type PostingID string
type TagID string
type UnitID string
type PriceID string

// EntityKind identifies which table an EntityRef points into.
type EntityKind string

const (
	KindAccount     EntityKind = "account"
	KindTransaction EntityKind = "transaction"
	KindTag         EntityKind = "tag"
	KindUnit        EntityKind = "unit"
	KindPrice       EntityKind = "price"
)

// EntityRef is a kind-qualified entity identifier. The mutation queue
// uses it to enforce per-entity FIFO ordering across operation types.
type EntityRef struct {
	Kind EntityKind
	ID   string
}

func (r EntityRef) String() string { return string(r.Kind) + "/" + r.ID }

// =============================================================================
// AMOUNT - Quantity in a unit
// =============================================================================

type Amount struct {
	Value decimal.Decimal
	Unit  UnitID
}

func NewAmount(value float64, unit UnitID) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Unit: unit}
}

func NewAmountFromString(value string, unit UnitID) (Amount, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Amount{}, err
	}
	return Amount{Value: d, Unit: unit}, nil
}

func (a Amount) Add(b Amount) Amount { return Amount{Value: a.Value.Add(b.Value), Unit: a.Unit} }
func (a Amount) Neg() Amount         { return Amount{Value: a.Value.Neg(), Unit: a.Unit} }
func (a Amount) IsZero() bool        { return a.Value.IsZero() }
func (a Amount) IsNegative() bool    { return a.Value.IsNegative() }

// =============================================================================
// ACCOUNT
// =============================================================================

type AccountType string

const (
	AccountAsset     AccountType = "asset"
	AccountLiability AccountType = "liability"
	AccountEquity    AccountType = "equity"
	AccountIncome    AccountType = "income"
	AccountExpense   AccountType = "expense"
)

type Account struct {
	ID        AccountID
	Name      string
	Type      AccountType
	Unit      UnitID
	SyncState SyncState
	UpdatedAt time.Time
}

func (a Account) Ref() EntityRef { return EntityRef{Kind: KindAccount, ID: string(a.ID)} }

// =============================================================================
// TRANSACTION & POSTING - The double-entry core
// =============================================================================

// BalanceTolerance is the largest absolute posting sum still considered
// zero. Amount values are exact decimals, but imported data may carry
// rounding residue from unit conversions.
var BalanceTolerance = decimal.New(1, -9)

// Posting is one account/amount line item inside a Transaction. It
// references its Account by identifier only (no enforced foreign key)
// and may carry zero or more shared Tags.
type Posting struct {
	ID            PostingID
	TransactionID TransactionID
	AccountID     AccountID
	Amount        Amount
	TagIDs        []TagID
}

// Transaction is a dated set of postings that sum to zero. It
// exclusively owns its Postings: deleting the transaction deletes them.
type Transaction struct {
	ID        TransactionID
	Date      time.Time
	Payee     string
	Memo      string
	Postings  []Posting
	SyncState SyncState
	UpdatedAt time.Time
}

func (t Transaction) Ref() EntityRef { return EntityRef{Kind: KindTransaction, ID: string(t.ID)} }

// PostingSum returns the sum of all posting values.
func (t Transaction) PostingSum() decimal.Decimal {
	sum := decimal.Zero
	for _, p := range t.Postings {
		sum = sum.Add(p.Amount.Value)
	}
	return sum
}

// Balanced reports whether the postings sum to zero within
// BalanceTolerance. A transaction must be balanced at the instant it is
// captured into a mutation payload.
func (t Transaction) Balanced() bool {
	return t.PostingSum().Abs().LessThanOrEqual(BalanceTolerance)
}

// Validate checks the structural invariants of a transaction before it
// enters the local store.
func (t Transaction) Validate() error {
	if t.ID == "" {
		return ErrMissingID
	}
	if len(t.Postings) == 0 {
		return ErrNoPostings
	}
	if !t.Balanced() {
		return &UnbalancedTransactionError{TransactionID: t.ID, Sum: t.PostingSum()}
	}
	return nil
}

// =============================================================================
// TAG / UNIT / PRICE - Shared reference entities
// =============================================================================

// Tag is a shared label. Tags are pull-only: the remote service owns
// them and the client never queues tag mutations.
type Tag struct {
	ID        TagID
	Name      string
	SyncState SyncState
	UpdatedAt time.Time
}

func (t Tag) Ref() EntityRef { return EntityRef{Kind: KindTag, ID: string(t.ID)} }

// Unit is a currency or commodity in which amounts are denominated.
type Unit struct {
	ID        UnitID
	Code      string
	Name      string
	Precision int32
	SyncState SyncState
	UpdatedAt time.Time
}

func (u Unit) Ref() EntityRef { return EntityRef{Kind: KindUnit, ID: string(u.ID)} }

// Price is a market quote for one unit in another. Pull-only.
type Price struct {
	ID        PriceID
	Unit      UnitID
	QuoteUnit UnitID
	Rate      decimal.Decimal
	AsOf      time.Time
	SyncState SyncState
	UpdatedAt time.Time
}

func (p Price) Ref() EntityRef { return EntityRef{Kind: KindPrice, ID: string(p.ID)} }
