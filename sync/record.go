/*
Package sync implements the offline-first synchronization engine.

PURPOSE:
  Lets the user mutate the local double-entry ledger while disconnected,
  then reconciles those mutations with the remote authoritative service
  without losing edits, duplicating remote writes, reordering dependent
  operations, or breaking the zero-sum posting invariant.

KEY CONCEPTS IN THIS FILE (record.go):
  - MutationRecord: One durable, queued remote operation
  - OperationType: The closed set of remote operations
  - Status: pending -> retrying -> failed/succeeded transitions
  - Backoff: Bounded exponential retry delay

DATA FLOW:
  UI mutation -> Writer (atomic local write + enqueue)
             -> Queue (ordering, eligibility, backoff)
             -> Executor (single-worker remote dispatch)
             -> Orchestrator (push-then-pull cycles)

SEE ALSO:
  - queue.go: Eligibility and per-entity FIFO rules
  - executor.go: Single-worker drain loop
  - orchestrator.go: Push/pull cycle and merge rules
  - writer.go: Atomic local write path
*/
package sync

import (
	"context"
	"time"

	"github.com/tallybook/ledger-client/ledger"
)

// =============================================================================
// OPERATION TYPES - Closed set of remote operations
// =============================================================================

type OperationType string

const (
	OpCreateTransaction OperationType = "create_transaction"
	OpUpdateTransaction OperationType = "update_transaction"
	OpDeleteTransaction OperationType = "delete_transaction"
	OpCreateAccount     OperationType = "create_account"
	OpUpdateAccount     OperationType = "update_account"
	OpDeleteAccount     OperationType = "delete_account"
	OpCreateUnit        OperationType = "create_unit"
	OpUpdateUnit        OperationType = "update_unit"
	OpDeleteUnit        OperationType = "delete_unit"
)

// IsCreate reports whether the operation creates an entity the remote
// has never seen. Used by the delete-cancels-pending-create rule.
func (op OperationType) IsCreate() bool {
	switch op {
	case OpCreateTransaction, OpCreateAccount, OpCreateUnit:
		return true
	}
	return false
}

// =============================================================================
// STATUS - Record lifecycle
// =============================================================================

// Status is the mutation record lifecycle state.
//
//	pending  -> retrying   (transient failure, retry count incremented)
//	retrying -> retrying   (further transient failures)
//	retrying -> failed     (retry count exceeds MaxRetries)
//	pending|retrying -> failed    (permanent failure, count unchanged)
//	pending|retrying -> succeeded (terminal; the record is removed)
type Status string

const (
	StatusPending   Status = "pending"
	StatusRetrying  Status = "retrying"
	StatusFailed    Status = "failed"
	StatusSucceeded Status = "succeeded"
)

// Terminal reports whether the record no longer participates in
// dispatch ordering.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusSucceeded
}

// =============================================================================
// MUTATION RECORD - One durable queued remote operation
// =============================================================================

// MutationRecord is a value snapshot of a local mutation, captured at
// enqueue time. The payload is frozen bytes: later in-memory changes to
// the entity never alter what gets sent on the wire.
type MutationRecord struct {
	ID            string
	Op            OperationType
	EntityKind    ledger.EntityKind
	EntityID      string
	Endpoint      string
	Method        string
	Payload       []byte
	CreatedAt     time.Time
	RetryCount    int
	Status        Status
	LastAttemptAt *time.Time
}

// Ref returns the kind-qualified identity of the entity this record
// mutates.
func (r MutationRecord) Ref() ledger.EntityRef {
	return ledger.EntityRef{Kind: r.EntityKind, ID: r.EntityID}
}

// CanRetry reports whether the record's backoff window has elapsed.
// True immediately after creation (no prior attempt).
func (r MutationRecord) CanRetry(now time.Time) bool {
	if r.LastAttemptAt == nil {
		return true
	}
	return now.Sub(*r.LastAttemptAt) >= Backoff(r.RetryCount)
}

// EligibleAt returns the earliest instant the record may be attempted.
func (r MutationRecord) EligibleAt() time.Time {
	if r.LastAttemptAt == nil {
		return r.CreatedAt
	}
	return r.LastAttemptAt.Add(Backoff(r.RetryCount))
}

// =============================================================================
// BACKOFF
// =============================================================================

// MaxBackoff caps the retry delay at 5 minutes.
const MaxBackoff = 300 * time.Second

// Backoff returns the delay enforced before retry attempt retryCount+1:
// min(300, 2^retryCount) seconds.
func Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	// 2^9 = 512s already exceeds the cap; avoid shifting past it.
	if retryCount >= 9 {
		return MaxBackoff
	}
	d := time.Duration(1<<uint(retryCount)) * time.Second
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

// =============================================================================
// QUEUE PERSISTENCE - Durable record storage
// =============================================================================

// QueueCounts is the user-visible summary of queue state.
type QueueCounts struct {
	Pending  int
	Retrying int
	Failed   int
}

// Total returns the number of records still known to the queue.
func (c QueueCounts) Total() int { return c.Pending + c.Retrying + c.Failed }

// QueueStore persists mutation records. Records survive restarts; a
// process crash mid-push leaves the in-flight record pending/retrying,
// so every remote operation must be idempotent by entity id.
type QueueStore interface {
	// EnqueueRecord appends a record to the durable log.
	EnqueueRecord(ctx context.Context, rec MutationRecord) error

	// UpdateRecord persists retry metadata and status for an existing record.
	UpdateRecord(ctx context.Context, rec MutationRecord) error

	// DeleteRecord removes a record (on success or discard).
	DeleteRecord(ctx context.Context, id string) error

	// GetRecord returns a record by id, or ledger.ErrNotFound.
	GetRecord(ctx context.Context, id string) (*MutationRecord, error)

	// ListActiveRecords returns all pending and retrying records in
	// creation order. This order is the dispatch order within an entity.
	ListActiveRecords(ctx context.Context) ([]MutationRecord, error)

	// ListRecordsByStatus returns records with the given status in
	// creation order.
	ListRecordsByStatus(ctx context.Context, status Status) ([]MutationRecord, error)

	// CountRecords summarizes the queue by status.
	CountRecords(ctx context.Context) (QueueCounts, error)
}

// Storage is the full persistence surface the sync engine needs: the
// entity store, the queue, and a single transactional boundary spanning
// both. The Writer relies on WithTx so an entity write and its queue
// record can never be observed apart.
type Storage interface {
	ledger.Store
	QueueStore

	// WithTx executes fn atomically. If fn returns an error, every write
	// it performed is rolled back.
	WithTx(ctx context.Context, fn func(Storage) error) error
}
