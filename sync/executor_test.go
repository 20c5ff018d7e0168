/*
executor_test.go - Drain loop behavior against a scripted remote

ORGANIZATION:
  1. Shared test infrastructure (fakeRemote, builders) used by the
     whole package's tests
  2. Drain outcomes per failure class
  3. Ordering and progress semantics
*/
package sync_test

import (
	"context"
	"errors"
	"io"
	"log"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallybook/ledger-client/ledger"
	lstore "github.com/tallybook/ledger-client/ledger/store"
	"github.com/tallybook/ledger-client/sync"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

// fakeRemote is a scripted RemoteClient. Send behavior is controlled by
// sendFn; every dispatched record is captured for assertions. Fetch
// methods return the configured snapshots.
type fakeRemote struct {
	mu     stdsync.Mutex
	sendFn func(rec sync.MutationRecord) error

	sends []sync.MutationRecord

	accounts     []ledger.Account
	transactions []ledger.Transaction
	units        []ledger.Unit
	tags         []ledger.Tag
	prices       []ledger.Price
	fetchErr     error
}

func (f *fakeRemote) Send(_ context.Context, rec sync.MutationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, rec)
	if f.sendFn != nil {
		return f.sendFn(rec)
	}
	return nil
}

func (f *fakeRemote) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeRemote) FetchAccounts(_ context.Context) ([]ledger.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts, f.fetchErr
}

func (f *fakeRemote) FetchTransactions(_ context.Context) ([]ledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transactions, f.fetchErr
}

func (f *fakeRemote) FetchUnits(_ context.Context) ([]ledger.Unit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.units, f.fetchErr
}

func (f *fakeRemote) FetchTags(_ context.Context) ([]ledger.Tag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tags, f.fetchErr
}

func (f *fakeRemote) FetchPrices(_ context.Context) ([]ledger.Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prices, f.fetchErr
}

// quietLogger keeps executor/orchestrator chatter out of test output.
func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// queuedRecord builds a minimal update record for tests that exercise
// queue mechanics directly.
func queuedRecord(id string, kind ledger.EntityKind, entityID string, createdAt time.Time) sync.MutationRecord {
	op := sync.OpUpdateAccount
	if kind == ledger.KindTransaction {
		op = sync.OpUpdateTransaction
	}
	return sync.MutationRecord{
		ID:         id,
		Op:         op,
		EntityKind: kind,
		EntityID:   entityID,
		Endpoint:   "/api/" + string(kind) + "s/" + entityID,
		Method:     "PUT",
		Payload:    []byte(`{}`),
		CreatedAt:  createdAt,
		Status:     sync.StatusPending,
	}
}

// seedAccount stores an account directly, bypassing the writer, so
// tests control the starting sync state exactly.
func seedAccount(t *testing.T, s sync.Storage, id string, state ledger.SyncState) {
	t.Helper()
	err := s.SaveAccount(context.Background(), ledger.Account{
		ID:        ledger.AccountID(id),
		Name:      "Account " + id,
		Type:      ledger.AccountAsset,
		Unit:      "usd",
		SyncState: state,
		UpdatedAt: time.Now(),
	})
	require.NoError(t, err)
}

// rewindBackoff rewrites a record's last attempt far into the past so
// tests skip the real backoff wait.
func rewindBackoff(t *testing.T, s sync.Storage, recordID string) {
	t.Helper()
	ctx := context.Background()
	rec, err := s.GetRecord(ctx, recordID)
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	rec.LastAttemptAt = &past
	require.NoError(t, s.UpdateRecord(ctx, *rec))
}

// =============================================================================
// DRAIN OUTCOMES
// =============================================================================

func TestExecutor_Drain_EmptyQueueMakesNoNetworkCalls(t *testing.T) {
	// GIVEN: An empty queue
	// WHEN: Drain runs
	// THEN: Zero network calls, and the no-op counts as progress

	mem := lstore.NewMemory()
	remote := &fakeRemote{}
	exec := sync.NewExecutor(sync.NewQueue(mem), remote, quietLogger())

	res, err := exec.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Attempted)
	assert.Equal(t, 0, remote.sentCount())
	assert.True(t, res.MadeProgress())
}

func TestExecutor_Drain_SuccessRemovesRecordAndCleansEntity(t *testing.T) {
	// GIVEN: A dirty account with one pending record
	// WHEN: The remote acknowledges the send
	// THEN: The record is removed and the account is Clean

	ctx := context.Background()
	mem := lstore.NewMemory()
	remote := &fakeRemote{}
	exec := sync.NewExecutor(sync.NewQueue(mem), remote, quietLogger())

	seedAccount(t, mem, "acct-1", ledger.SyncDirty)
	rec := queuedRecord("rec-1", ledger.KindAccount, "acct-1", time.Now())
	require.NoError(t, mem.EnqueueRecord(ctx, rec))

	res, err := exec.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 1, res.Succeeded)
	assert.True(t, res.MadeProgress())

	_, err = mem.GetRecord(ctx, "rec-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	state, err := mem.GetSyncState(ctx, rec.Ref())
	require.NoError(t, err)
	assert.Equal(t, ledger.SyncClean, state)
}

func TestExecutor_Drain_TransientFailureReschedulesThenSucceeds(t *testing.T) {
	// GIVEN: A remote that fails the first send and accepts the second
	// WHEN: Drain runs, the backoff is waited out, and drain runs again
	// THEN: First drain leaves a retrying record and a Dirty entity with
	//       no progress made; second drain completes the push

	ctx := context.Background()
	mem := lstore.NewMemory()
	remote := &fakeRemote{}
	var calls int
	remote.sendFn = func(sync.MutationRecord) error {
		calls++
		if calls == 1 {
			return errors.New("connection refused")
		}
		return nil
	}
	exec := sync.NewExecutor(sync.NewQueue(mem), remote, quietLogger())

	seedAccount(t, mem, "acct-1", ledger.SyncDirty)
	require.NoError(t, mem.EnqueueRecord(ctx, queuedRecord("rec-1", ledger.KindAccount, "acct-1", time.Now())))

	res, err := exec.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Transient)
	assert.False(t, res.MadeProgress(), "an all-transient pass signals an unreachable remote")
	assert.False(t, res.NextEligibleAt.IsZero(), "a retrying record owes a wake time")

	stored, err := mem.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, sync.StatusRetrying, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)

	state, _ := mem.GetSyncState(ctx, ledger.EntityRef{Kind: ledger.KindAccount, ID: "acct-1"})
	assert.Equal(t, ledger.SyncDirty, state, "entity leaves InFlight once the attempt settles")

	rewindBackoff(t, mem, "rec-1")

	res, err = exec.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	state, _ = mem.GetSyncState(ctx, ledger.EntityRef{Kind: ledger.KindAccount, ID: "acct-1"})
	assert.Equal(t, ledger.SyncClean, state)
	assert.Equal(t, 2, remote.sentCount())
}

func TestExecutor_Drain_ThreeTransientFailuresThenSuccess(t *testing.T) {
	// GIVEN: An offline-created account and a remote that refuses the
	//        first three sends
	// WHEN: Drains run, waiting out each backoff window
	// THEN: The retry count walks 1, 2, 3 with delays 2s, 4s, 8s, the
	//       entity stays Dirty throughout, and the fourth attempt
	//       completes the push

	ctx := context.Background()
	mem := lstore.NewMemory()
	remote := &fakeRemote{}
	var calls int
	remote.sendFn = func(sync.MutationRecord) error {
		calls++
		if calls <= 3 {
			return errors.New("network is unreachable")
		}
		return nil
	}
	exec := sync.NewExecutor(sync.NewQueue(mem), remote, quietLogger())
	w := sync.NewWriter(mem)

	created, err := w.CreateAccount(ctx, ledger.Account{Name: "Checking", Type: ledger.AccountAsset, Unit: "usd"})
	require.NoError(t, err)

	recs, err := mem.ListActiveRecords(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	recID := recs[0].ID

	for attempt := 1; attempt <= 3; attempt++ {
		res, err := exec.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Transient, "attempt %d fails transiently", attempt)
		assert.False(t, res.MadeProgress())

		stored, err := mem.GetRecord(ctx, recID)
		require.NoError(t, err)
		assert.Equal(t, sync.StatusRetrying, stored.Status)
		assert.Equal(t, attempt, stored.RetryCount)
		require.NotNil(t, stored.LastAttemptAt)
		assert.Equal(t, stored.LastAttemptAt.Add(sync.Backoff(attempt)), stored.EligibleAt(),
			"after attempt %d the record waits out %v", attempt, sync.Backoff(attempt))

		state, err := mem.GetSyncState(ctx, created.Ref())
		require.NoError(t, err)
		assert.Equal(t, ledger.SyncDirty, state)

		rewindBackoff(t, mem, recID)
	}

	res, err := exec.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 4, remote.sentCount())

	_, err = mem.GetRecord(ctx, recID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	state, err := mem.GetSyncState(ctx, created.Ref())
	require.NoError(t, err)
	assert.Equal(t, ledger.SyncClean, state)
}

func TestExecutor_Drain_PermanentFailureFreezesRecord(t *testing.T) {
	// GIVEN: A remote that rejects the mutation with a validation error
	// WHEN: Drain dispatches the record
	// THEN: The record freezes without consuming retries, the entity
	//       becomes ConflictFailed, and the pass still counts as
	//       progress (the queue moved forward)

	ctx := context.Background()
	mem := lstore.NewMemory()
	remote := &fakeRemote{
		sendFn: func(rec sync.MutationRecord) error {
			return &sync.PermanentError{Op: rec.Op, StatusCode: 422, Message: "unit does not exist"}
		},
	}
	exec := sync.NewExecutor(sync.NewQueue(mem), remote, quietLogger())

	seedAccount(t, mem, "acct-1", ledger.SyncDirty)
	require.NoError(t, mem.EnqueueRecord(ctx, queuedRecord("rec-1", ledger.KindAccount, "acct-1", time.Now())))

	res, err := exec.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Permanent)
	assert.True(t, res.MadeProgress())

	stored, err := mem.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, sync.StatusFailed, stored.Status)
	assert.Equal(t, 0, stored.RetryCount, "permanent rejection must not burn the retry budget")

	state, _ := mem.GetSyncState(ctx, ledger.EntityRef{Kind: ledger.KindAccount, ID: "acct-1"})
	assert.Equal(t, ledger.SyncConflictFailed, state)
}

// =============================================================================
// ORDERING AND PROGRESS
// =============================================================================

func TestExecutor_Drain_BlockedEntityDoesNotSkipAhead(t *testing.T) {
	// GIVEN: Two records for the same account and one for another, with
	//        a remote that fails everything transiently
	// WHEN: Drain runs
	// THEN: Only the head record of each entity is attempted; the
	//       second record for acct-1 stays untouched behind its head

	ctx := context.Background()
	mem := lstore.NewMemory()
	remote := &fakeRemote{
		sendFn: func(sync.MutationRecord) error { return errors.New("timeout") },
	}
	exec := sync.NewExecutor(sync.NewQueue(mem), remote, quietLogger())

	seedAccount(t, mem, "acct-1", ledger.SyncDirty)
	seedAccount(t, mem, "acct-2", ledger.SyncDirty)
	base := time.Now()
	require.NoError(t, mem.EnqueueRecord(ctx, queuedRecord("rec-1a", ledger.KindAccount, "acct-1", base.Add(-3*time.Minute))))
	require.NoError(t, mem.EnqueueRecord(ctx, queuedRecord("rec-1b", ledger.KindAccount, "acct-1", base.Add(-2*time.Minute))))
	require.NoError(t, mem.EnqueueRecord(ctx, queuedRecord("rec-2a", ledger.KindAccount, "acct-2", base.Add(-1*time.Minute))))

	res, err := exec.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempted, "one attempt per entity head")

	second, err := mem.GetRecord(ctx, "rec-1b")
	require.NoError(t, err)
	assert.Equal(t, sync.StatusPending, second.Status)
	assert.Equal(t, 0, second.RetryCount)
}

func TestDrainResult_MadeProgress(t *testing.T) {
	cases := []struct {
		name string
		res  sync.DrainResult
		want bool
	}{
		{"empty queue", sync.DrainResult{}, true},
		{"all succeeded", sync.DrainResult{Attempted: 2, Succeeded: 2}, true},
		{"mixed with permanent", sync.DrainResult{Attempted: 3, Permanent: 1, Transient: 2}, true},
		{"all transient", sync.DrainResult{Attempted: 2, Transient: 2}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.res.MadeProgress())
		})
	}
}
