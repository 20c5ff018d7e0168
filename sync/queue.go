/*
queue.go - Ordered durable mutation queue

PURPOSE:
  Decides which queued record may be dispatched next and applies the
  status transitions after each attempt. The queue is an ordered log:
  records for the same entity are released strictly in creation order,
  while records for independent entities may interleave.

ELIGIBILITY:
  canRetry = no prior attempt, or the backoff window since the last
  attempt has elapsed. Records not yet eligible are skipped rather than
  blocking the whole queue - except that a record is never eligible
  while an earlier non-terminal record for the same entity exists.

ENTITY STATE COUPLING:
  syncState = Dirty for an entity exactly while at least one
  non-terminal (pending/retrying) record references it. A frozen failed
  record leaves the entity ConflictFailed until the user retries or
  discards it.

SEE ALSO:
  - record.go: MutationRecord, Status, Backoff
  - executor.go: The single worker consuming NextEligible
*/
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/tallybook/ledger-client/ledger"
)

// DefaultMaxRetries is the number of transient failures tolerated
// before a record freezes in the failed state.
const DefaultMaxRetries = 10

// Queue applies ordering, eligibility, and status transitions on top of
// a durable QueueStore.
type Queue struct {
	store      Storage
	maxRetries int
	now        func() time.Time
}

// NewQueue creates a queue over the given storage.
func NewQueue(store Storage) *Queue {
	return &Queue{
		store:      store,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
	}
}

// =============================================================================
// ELIGIBILITY
// =============================================================================

// NextEligible returns the oldest dispatchable record, or nil when no
// record may be attempted right now. A record whose entity has an
// earlier non-terminal record is blocked regardless of its own backoff.
func (q *Queue) NextEligible(ctx context.Context) (*MutationRecord, error) {
	recs, err := q.store.ListActiveRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active records: %w", err)
	}

	now := q.now()
	blocked := make(map[ledger.EntityRef]bool)
	for i := range recs {
		rec := recs[i]
		if blocked[rec.Ref()] {
			continue
		}
		if rec.CanRetry(now) {
			return &rec, nil
		}
		// This entity's head record is waiting out its backoff; every
		// later record for the entity waits behind it.
		blocked[rec.Ref()] = true
	}
	return nil, nil
}

// NextEligibleAt returns the earliest instant any record becomes
// dispatchable. ok is false when the queue has no active records.
// The orchestrator uses this to schedule the next drain.
func (q *Queue) NextEligibleAt(ctx context.Context) (at time.Time, ok bool, err error) {
	recs, err := q.store.ListActiveRecords(ctx)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to list active records: %w", err)
	}

	seen := make(map[ledger.EntityRef]bool)
	for i := range recs {
		rec := recs[i]
		if seen[rec.Ref()] {
			continue
		}
		seen[rec.Ref()] = true
		if e := rec.EligibleAt(); !ok || e.Before(at) {
			at, ok = e, true
		}
	}
	return at, ok, nil
}

// =============================================================================
// STATUS TRANSITIONS
// =============================================================================

// MarkSucceeded removes the record and, if no other record still
// references the entity, marks the entity Clean.
func (q *Queue) MarkSucceeded(ctx context.Context, rec *MutationRecord) error {
	rec.Status = StatusSucceeded
	return q.store.WithTx(ctx, func(s Storage) error {
		if err := s.DeleteRecord(ctx, rec.ID); err != nil {
			return err
		}
		return q.settleEntityState(ctx, s, rec.Ref())
	})
}

// MarkFailed applies the failure transition. Transient failures
// increment the retry count and reschedule; once the count exceeds
// MaxRetries the record freezes. Permanent failures freeze immediately
// with the retry count unchanged.
func (q *Queue) MarkFailed(ctx context.Context, rec *MutationRecord, transient bool) error {
	now := q.now()
	rec.LastAttemptAt = &now

	if transient {
		rec.RetryCount++
		if rec.RetryCount > q.maxRetries {
			rec.Status = StatusFailed
		} else {
			rec.Status = StatusRetrying
		}
	} else {
		rec.Status = StatusFailed
	}

	return q.store.WithTx(ctx, func(s Storage) error {
		if err := s.UpdateRecord(ctx, *rec); err != nil {
			return err
		}
		state := ledger.SyncDirty
		if rec.Status == StatusFailed {
			state = ledger.SyncConflictFailed
		}
		return s.SetSyncState(ctx, rec.Ref(), state)
	})
}

// settleEntityState recomputes an entity's sync state from the records
// that still reference it: non-terminal -> Dirty, frozen failed ->
// ConflictFailed, none -> Clean.
func (q *Queue) settleEntityState(ctx context.Context, s Storage, ref ledger.EntityRef) error {
	active, err := s.ListActiveRecords(ctx)
	if err != nil {
		return err
	}
	for _, r := range active {
		if r.Ref() == ref {
			return s.SetSyncState(ctx, ref, ledger.SyncDirty)
		}
	}

	failed, err := s.ListRecordsByStatus(ctx, StatusFailed)
	if err != nil {
		return err
	}
	for _, r := range failed {
		if r.Ref() == ref {
			return s.SetSyncState(ctx, ref, ledger.SyncConflictFailed)
		}
	}

	return s.SetSyncState(ctx, ref, ledger.SyncClean)
}

// =============================================================================
// USER-VISIBLE SURFACE - Counts and explicit action on failed records
// =============================================================================

// Counts summarizes pending/retrying/failed records for the UI.
func (q *Queue) Counts(ctx context.Context) (QueueCounts, error) {
	return q.store.CountRecords(ctx)
}

// ListFailed returns the frozen records awaiting user action.
func (q *Queue) ListFailed(ctx context.Context) ([]MutationRecord, error) {
	return q.store.ListRecordsByStatus(ctx, StatusFailed)
}

// RetryFailed resets a frozen record to pending with a fresh retry
// budget. Only failed records may be retried.
func (q *Queue) RetryFailed(ctx context.Context, id string) error {
	return q.store.WithTx(ctx, func(s Storage) error {
		rec, err := s.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		if rec.Status != StatusFailed {
			return ErrRecordNotFailed
		}
		rec.Status = StatusPending
		rec.RetryCount = 0
		rec.LastAttemptAt = nil
		if err := s.UpdateRecord(ctx, *rec); err != nil {
			return err
		}
		return s.SetSyncState(ctx, rec.Ref(), ledger.SyncDirty)
	})
}

// Discard drops a frozen record without sending it. The entity's sync
// state is recomputed from whatever records remain.
func (q *Queue) Discard(ctx context.Context, id string) error {
	return q.store.WithTx(ctx, func(s Storage) error {
		rec, err := s.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		if rec.Status != StatusFailed {
			return ErrRecordNotFailed
		}
		if err := s.DeleteRecord(ctx, id); err != nil {
			return err
		}
		return q.settleEntityState(ctx, s, rec.Ref())
	})
}
