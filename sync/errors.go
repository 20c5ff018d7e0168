/*
errors.go - Transport-level error taxonomy for the sync engine

PURPOSE:
  Classifies every failure mode of a remote dispatch so the queue can
  decide between retry-with-backoff and terminal failure. One record's
  failure is isolated: it never blocks drainage of independent records.

TAXONOMY:
  TransientError      network error / 5xx / timeout -> retry with backoff
  PermanentError      4xx validation or conflict -> frozen, surfaced to user
  SerializationError  defect while building a payload -> the enqueue fails,
                      the store transaction is rolled back, queue stays intact
  ErrRetriesExhausted terminal failed after MaxRetries; explicit user
                      retry or discard required

SEE ALSO:
  - remote/: maps HTTP responses onto this taxonomy
  - queue.go: MarkFailed consumes the transient/permanent distinction
*/
package sync

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrRetriesExhausted marks a record frozen after exceeding MaxRetries.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrRecordNotFailed is returned when retry/discard is requested for a
	// record that is not in the failed state.
	ErrRecordNotFailed = errors.New("record is not in failed state")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// TransientError wraps a failure that may succeed on retry: network
// errors, 5xx responses, timeouts.
type TransientError struct {
	Op  OperationType
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure for %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a failure that will never succeed on retry: 4xx
// validation or conflict responses. The record freezes immediately and
// is surfaced to the user.
type PermanentError struct {
	Op         OperationType
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("permanent failure for %s (status %d): %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("permanent failure for %s (status %d)", e.Op, e.StatusCode)
}

// SerializationError is a defect in payload construction. It must fail
// the single enqueue operation, never corrupt the queue.
type SerializationError struct {
	Op  OperationType
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("failed to serialize payload for %s: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// =============================================================================
// CLASSIFICATION HELPERS
// =============================================================================

// IsTransient reports whether a dispatch failure should be retried.
// Unclassified errors are treated as transient: an unknown failure mode
// must not silently freeze a user's edit.
func IsTransient(err error) bool {
	var perm *PermanentError
	return !errors.As(err, &perm)
}

// IsPermanent reports whether a dispatch failure is terminal.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}
