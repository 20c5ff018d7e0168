/*
store.go - Persistence interface for ledger entities

PURPOSE:
  Defines the interface between the domain and the local database.
  Different implementations can use SQLite or in-memory storage.

WRITE MODEL:
  Saves are upserts keyed by entity ID. SaveTransaction replaces the
  full posting list (the transaction owns its postings); DeleteTransaction
  cascades to them. There is no separate posting write path: postings are
  never persisted or synced independently of their parent transaction.

SYNC STATE:
  Every entity row carries its SyncState and UpdatedAt. SetSyncState is
  the single mutation point the sync engine uses; it must be a no-op
  (not an error) when the entity has already been deleted locally, since
  a queued delete resolves after its entity row is gone.

CONCURRENT ACCESS:
  Implementations must support concurrent reads with serialized writes.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Durable store + mutation queue
  - ledger/store/memory.go: In-memory for testing

SEE ALSO:
  - sync package: Storage interface combining Store with the queue
*/
package ledger

import "context"

// Store handles persistence of ledger entities.
type Store interface {
	// Accounts
	SaveAccount(ctx context.Context, a Account) error
	GetAccount(ctx context.Context, id AccountID) (*Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	DeleteAccount(ctx context.Context, id AccountID) error

	// Transactions (postings ride along; cascade on delete)
	SaveTransaction(ctx context.Context, t Transaction) error
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)
	ListTransactions(ctx context.Context) ([]Transaction, error)
	DeleteTransaction(ctx context.Context, id TransactionID) error

	// Units
	SaveUnit(ctx context.Context, u Unit) error
	GetUnit(ctx context.Context, id UnitID) (*Unit, error)
	ListUnits(ctx context.Context) ([]Unit, error)
	DeleteUnit(ctx context.Context, id UnitID) error

	// Tags and prices (pull-only reference data)
	SaveTag(ctx context.Context, t Tag) error
	ListTags(ctx context.Context) ([]Tag, error)
	DeleteTag(ctx context.Context, id TagID) error
	SavePrice(ctx context.Context, p Price) error
	ListPrices(ctx context.Context) ([]Price, error)
	DeletePrice(ctx context.Context, id PriceID) error

	// Sync state
	// SetSyncState updates the entity's sync column. Missing entities are
	// a no-op: a delete mutation resolves after its local row is gone.
	SetSyncState(ctx context.Context, ref EntityRef, state SyncState) error
	GetSyncState(ctx context.Context, ref EntityRef) (SyncState, error)
}
