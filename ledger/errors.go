/*
errors.go - Centralized error types for the ledger domain

PURPOSE:
  All domain error types in one place for consistency and
  discoverability. The sync package wraps these with transport context.

ERROR CATEGORIES:
  1. Validation errors - Double-entry invariant violations
  2. Store errors - Persistence-level failures

USAGE:
  Callers match with errors.Is / errors.As:

    if errors.Is(err, ledger.ErrUnbalancedTransaction) {
        // reject the edit before it reaches the queue
    }

SEE ALSO:
  - types.go: Transaction.Validate uses these errors
  - sync/errors.go: Transport-level error taxonomy
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced entity doesn't exist locally.
	ErrNotFound = errors.New("entity not found")

	// ErrMissingID is returned when an entity is written without an identifier.
	ErrMissingID = errors.New("entity is missing an id")

	// ErrNoPostings is returned for a transaction with an empty posting list.
	ErrNoPostings = errors.New("transaction has no postings")

	// ErrUnbalancedTransaction is returned when postings do not sum to zero.
	ErrUnbalancedTransaction = errors.New("transaction postings do not sum to zero")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// UnbalancedTransactionError reports the offending sum.
type UnbalancedTransactionError struct {
	TransactionID TransactionID
	Sum           decimal.Decimal
}

func (e *UnbalancedTransactionError) Error() string {
	return fmt.Sprintf("transaction %s postings sum to %s, expected zero", e.TransactionID, e.Sum)
}

func (e *UnbalancedTransactionError) Unwrap() error {
	return ErrUnbalancedTransaction
}

// NotFoundError identifies which entity was missing.
type NotFoundError struct {
	Ref EntityRef
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Ref)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
