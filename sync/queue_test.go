/*
queue_test.go - Behavior tests for the mutation queue

ORGANIZATION:
  1. Backoff schedule - the bounded exponential delay
  2. Record eligibility - CanRetry / EligibleAt
  3. Per-entity FIFO - ordering across independent entities
  4. Status transitions - transient, permanent, freeze
  5. User actions on frozen records - retry, discard

READING THESE TESTS:
  Each test has GIVEN/WHEN/THEN comments explaining the scenario and
  assertions with explanatory messages.

NOTE: Shared test infrastructure (fakeRemote, record builders) lives in
executor_test.go.
*/
package sync_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallybook/ledger-client/ledger"
	lstore "github.com/tallybook/ledger-client/ledger/store"
	"github.com/tallybook/ledger-client/sync"
)

// =============================================================================
// BACKOFF SCHEDULE
// =============================================================================

func TestBackoff_ExponentialWithCap(t *testing.T) {
	// GIVEN: The retry delay schedule min(300, 2^retryCount) seconds
	// THEN: Each retry count maps to exactly one delay, capped at 5 minutes

	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, 64 * time.Second},
		{7, 128 * time.Second},
		{8, 256 * time.Second},
		{9, 300 * time.Second},  // 512s exceeds the cap
		{10, 300 * time.Second}, // stays capped
		{63, 300 * time.Second}, // shift width would overflow without the cap
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, sync.Backoff(tc.retryCount),
			"backoff for retry count %d", tc.retryCount)
	}
}

func TestBackoff_NegativeCountTreatedAsZero(t *testing.T) {
	assert.Equal(t, time.Second, sync.Backoff(-1))
}

// =============================================================================
// RECORD ELIGIBILITY
// =============================================================================

func TestRecord_CanRetry_ImmediatelyAfterCreation(t *testing.T) {
	// GIVEN: A freshly enqueued record with no prior attempt
	// THEN: It is dispatchable immediately

	rec := sync.MutationRecord{Status: sync.StatusPending, CreatedAt: time.Now()}
	assert.True(t, rec.CanRetry(time.Now()))
}

func TestRecord_CanRetry_RespectsBackoffWindow(t *testing.T) {
	// GIVEN: A record whose 3rd attempt just failed (backoff 8s)
	// WHEN: Checking eligibility before and after the window
	// THEN: The record waits out exactly the backoff delay

	attempt := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	rec := sync.MutationRecord{
		Status:        sync.StatusRetrying,
		RetryCount:    3,
		LastAttemptAt: &attempt,
	}

	assert.False(t, rec.CanRetry(attempt.Add(7*time.Second)), "7s elapsed, needs 8s")
	assert.True(t, rec.CanRetry(attempt.Add(8*time.Second)), "window elapsed")
	assert.Equal(t, attempt.Add(8*time.Second), rec.EligibleAt())
}

// =============================================================================
// PER-ENTITY FIFO
// =============================================================================

func TestQueue_PerEntityFIFO_LaterRecordBlockedByEarlier(t *testing.T) {
	// GIVEN: Two records for entity A (the first waiting out its backoff)
	//        and one eligible record for entity B, enqueued last
	// WHEN: Asking for the next eligible record
	// THEN: B's record is returned; A's second record never jumps its
	//       blocked head

	ctx := context.Background()
	mem := lstore.NewMemory()
	q := sync.NewQueue(mem)

	now := time.Now()
	recent := now.Add(-1 * time.Second)

	headA := queuedRecord("rec-a1", ledger.KindAccount, "acct-a", now.Add(-3*time.Hour))
	headA.Status = sync.StatusRetrying
	headA.RetryCount = 5 // 32s backoff
	headA.LastAttemptAt = &recent

	secondA := queuedRecord("rec-a2", ledger.KindAccount, "acct-a", now.Add(-2*time.Hour))
	recB := queuedRecord("rec-b1", ledger.KindAccount, "acct-b", now.Add(-1*time.Hour))

	require.NoError(t, mem.EnqueueRecord(ctx, headA))
	require.NoError(t, mem.EnqueueRecord(ctx, secondA))
	require.NoError(t, mem.EnqueueRecord(ctx, recB))

	next, err := q.NextEligible(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "rec-b1", next.ID,
		"entity A is blocked by its head record's backoff; entity B proceeds")
}

func TestQueue_NextEligible_EmptyQueue(t *testing.T) {
	ctx := context.Background()
	q := sync.NewQueue(lstore.NewMemory())

	next, err := q.NextEligible(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestQueue_NextEligibleAt_ReportsEarliestHeadExpiry(t *testing.T) {
	// GIVEN: One record mid-backoff
	// THEN: NextEligibleAt is its backoff expiry, so the scheduler can
	//       wake exactly then instead of polling

	ctx := context.Background()
	mem := lstore.NewMemory()
	q := sync.NewQueue(mem)

	attempt := time.Now()
	rec := queuedRecord("rec-1", ledger.KindTransaction, "txn-1", attempt.Add(-time.Minute))
	rec.Status = sync.StatusRetrying
	rec.RetryCount = 2 // 4s backoff
	rec.LastAttemptAt = &attempt
	require.NoError(t, mem.EnqueueRecord(ctx, rec))

	at, ok, err := q.NextEligibleAt(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, attempt.Add(4*time.Second), at)
}

// =============================================================================
// STATUS TRANSITIONS
// =============================================================================

func TestQueue_MarkFailed_TransientIncrementsAndReschedules(t *testing.T) {
	// GIVEN: A pending record whose dispatch failed transiently
	// WHEN: MarkFailed(transient)
	// THEN: retrying status, retry count 1, entity back to Dirty

	ctx := context.Background()
	mem := lstore.NewMemory()
	q := sync.NewQueue(mem)

	seedAccount(t, mem, "acct-1", ledger.SyncInFlight)
	rec := queuedRecord("rec-1", ledger.KindAccount, "acct-1", time.Now())
	require.NoError(t, mem.EnqueueRecord(ctx, rec))

	require.NoError(t, q.MarkFailed(ctx, &rec, true))

	stored, err := mem.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, sync.StatusRetrying, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.NotNil(t, stored.LastAttemptAt)

	state, err := mem.GetSyncState(ctx, rec.Ref())
	require.NoError(t, err)
	assert.Equal(t, ledger.SyncDirty, state)
}

func TestQueue_MarkFailed_FreezesAfterMaxRetries(t *testing.T) {
	// GIVEN: A record that has already burned its full retry budget
	// WHEN: One more transient failure lands
	// THEN: The record freezes as failed and the entity becomes
	//       ConflictFailed; no automatic retry will pick it up again

	ctx := context.Background()
	mem := lstore.NewMemory()
	q := sync.NewQueue(mem)

	seedAccount(t, mem, "acct-1", ledger.SyncInFlight)
	rec := queuedRecord("rec-1", ledger.KindAccount, "acct-1", time.Now())
	rec.Status = sync.StatusRetrying
	rec.RetryCount = sync.DefaultMaxRetries
	require.NoError(t, mem.EnqueueRecord(ctx, rec))

	require.NoError(t, q.MarkFailed(ctx, &rec, true))

	stored, err := mem.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, sync.StatusFailed, stored.Status)
	assert.Equal(t, sync.DefaultMaxRetries+1, stored.RetryCount)

	state, _ := mem.GetSyncState(ctx, rec.Ref())
	assert.Equal(t, ledger.SyncConflictFailed, state)

	next, err := q.NextEligible(ctx)
	require.NoError(t, err)
	assert.Nil(t, next, "frozen records never re-enter dispatch")
}

func TestQueue_MarkFailed_PermanentFreezesWithoutIncrement(t *testing.T) {
	// GIVEN: A record rejected with a validation error (4xx)
	// WHEN: MarkFailed(permanent)
	// THEN: Immediate freeze; the retry count is NOT consumed, so a
	//       user-initiated retry starts from a full budget

	ctx := context.Background()
	mem := lstore.NewMemory()
	q := sync.NewQueue(mem)

	seedAccount(t, mem, "acct-1", ledger.SyncInFlight)
	rec := queuedRecord("rec-1", ledger.KindAccount, "acct-1", time.Now())
	rec.Status = sync.StatusRetrying
	rec.RetryCount = 2
	require.NoError(t, mem.EnqueueRecord(ctx, rec))

	require.NoError(t, q.MarkFailed(ctx, &rec, false))

	stored, err := mem.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, sync.StatusFailed, stored.Status)
	assert.Equal(t, 2, stored.RetryCount, "permanent failure must not touch the count")
}

func TestQueue_MarkSucceeded_RemovesRecordAndCleansEntity(t *testing.T) {
	// GIVEN: An InFlight entity with exactly one queued record
	// WHEN: The record succeeds
	// THEN: The record is gone and the entity is Clean

	ctx := context.Background()
	mem := lstore.NewMemory()
	q := sync.NewQueue(mem)

	seedAccount(t, mem, "acct-1", ledger.SyncInFlight)
	rec := queuedRecord("rec-1", ledger.KindAccount, "acct-1", time.Now())
	require.NoError(t, mem.EnqueueRecord(ctx, rec))

	require.NoError(t, q.MarkSucceeded(ctx, &rec))

	_, err := mem.GetRecord(ctx, "rec-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	state, _ := mem.GetSyncState(ctx, rec.Ref())
	assert.Equal(t, ledger.SyncClean, state)
}

func TestQueue_MarkSucceeded_EntityStaysDirtyWhileRecordsRemain(t *testing.T) {
	// GIVEN: Two queued records for the same entity
	// WHEN: The first succeeds
	// THEN: The entity stays Dirty; the second record still owes a push

	ctx := context.Background()
	mem := lstore.NewMemory()
	q := sync.NewQueue(mem)

	seedAccount(t, mem, "acct-1", ledger.SyncInFlight)
	first := queuedRecord("rec-1", ledger.KindAccount, "acct-1", time.Now().Add(-time.Minute))
	second := queuedRecord("rec-2", ledger.KindAccount, "acct-1", time.Now())
	require.NoError(t, mem.EnqueueRecord(ctx, first))
	require.NoError(t, mem.EnqueueRecord(ctx, second))

	require.NoError(t, q.MarkSucceeded(ctx, &first))

	state, _ := mem.GetSyncState(ctx, first.Ref())
	assert.Equal(t, ledger.SyncDirty, state)
}

// =============================================================================
// USER ACTIONS ON FROZEN RECORDS
// =============================================================================

func TestQueue_RetryFailed_ResetsBudget(t *testing.T) {
	// GIVEN: A frozen record
	// WHEN: The user explicitly retries it
	// THEN: pending again, full retry budget, entity back to Dirty

	ctx := context.Background()
	mem := lstore.NewMemory()
	q := sync.NewQueue(mem)

	seedAccount(t, mem, "acct-1", ledger.SyncConflictFailed)
	attempt := time.Now()
	rec := queuedRecord("rec-1", ledger.KindAccount, "acct-1", time.Now())
	rec.Status = sync.StatusFailed
	rec.RetryCount = 11
	rec.LastAttemptAt = &attempt
	require.NoError(t, mem.EnqueueRecord(ctx, rec))

	require.NoError(t, q.RetryFailed(ctx, "rec-1"))

	stored, err := mem.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, sync.StatusPending, stored.Status)
	assert.Equal(t, 0, stored.RetryCount)
	assert.Nil(t, stored.LastAttemptAt)

	state, _ := mem.GetSyncState(ctx, rec.Ref())
	assert.Equal(t, ledger.SyncDirty, state)
}

func TestQueue_RetryFailed_RejectsNonFrozenRecord(t *testing.T) {
	ctx := context.Background()
	mem := lstore.NewMemory()
	q := sync.NewQueue(mem)

	rec := queuedRecord("rec-1", ledger.KindAccount, "acct-1", time.Now())
	require.NoError(t, mem.EnqueueRecord(ctx, rec))

	err := q.RetryFailed(ctx, "rec-1")
	assert.ErrorIs(t, err, sync.ErrRecordNotFailed)
}

func TestQueue_Discard_DropsRecordAndSettlesEntity(t *testing.T) {
	// GIVEN: A ConflictFailed entity whose only record is frozen
	// WHEN: The user discards the record
	// THEN: The record is gone and the entity settles to Clean

	ctx := context.Background()
	mem := lstore.NewMemory()
	q := sync.NewQueue(mem)

	seedAccount(t, mem, "acct-1", ledger.SyncConflictFailed)
	rec := queuedRecord("rec-1", ledger.KindAccount, "acct-1", time.Now())
	rec.Status = sync.StatusFailed
	require.NoError(t, mem.EnqueueRecord(ctx, rec))

	require.NoError(t, q.Discard(ctx, "rec-1"))

	_, err := mem.GetRecord(ctx, "rec-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	state, _ := mem.GetSyncState(ctx, rec.Ref())
	assert.Equal(t, ledger.SyncClean, state)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Total())
}

func TestQueue_Counts_GroupsByStatus(t *testing.T) {
	ctx := context.Background()
	mem := lstore.NewMemory()
	q := sync.NewQueue(mem)

	pending := queuedRecord("rec-1", ledger.KindAccount, "a", time.Now())
	retrying := queuedRecord("rec-2", ledger.KindAccount, "b", time.Now())
	retrying.Status = sync.StatusRetrying
	failed := queuedRecord("rec-3", ledger.KindAccount, "c", time.Now())
	failed.Status = sync.StatusFailed

	require.NoError(t, mem.EnqueueRecord(ctx, pending))
	require.NoError(t, mem.EnqueueRecord(ctx, retrying))
	require.NoError(t, mem.EnqueueRecord(ctx, failed))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, sync.QueueCounts{Pending: 1, Retrying: 1, Failed: 1}, counts)
}
