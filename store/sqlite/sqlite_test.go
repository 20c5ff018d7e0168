/*
sqlite_test.go - Persistence behavior against a real database file

ORGANIZATION:
  1. Durability - state survives close and reopen
  2. Transaction round-trips - postings, cascade delete
  3. Queue persistence - ordering, updates, counts
  4. Transactional boundary - rollback on error
*/
package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallybook/ledger-client/ledger"
	"github.com/tallybook/ledger-client/sync"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func sampleTransaction(id string) ledger.Transaction {
	return ledger.Transaction{
		ID:    ledger.TransactionID(id),
		Date:  time.Date(2026, time.January, 5, 0, 0, 0, 0, time.UTC),
		Payee: "Hardware Store",
		Memo:  "shelf brackets",
		Postings: []ledger.Posting{
			{
				ID:            ledger.PostingID(id + "-p1"),
				TransactionID: ledger.TransactionID(id),
				AccountID:     "checking",
				Amount:        ledger.NewAmount(-18.99, "usd"),
			},
			{
				ID:            ledger.PostingID(id + "-p2"),
				TransactionID: ledger.TransactionID(id),
				AccountID:     "household",
				Amount:        ledger.NewAmount(18.99, "usd"),
				TagIDs:        []ledger.TagID{"tag-home"},
			},
		},
		SyncState: ledger.SyncDirty,
		UpdatedAt: time.Now().UTC(),
	}
}

// =============================================================================
// DURABILITY
// =============================================================================

func TestStore_SurvivesReopen(t *testing.T) {
	// GIVEN: An account and a queued record written to disk
	// WHEN: The store is closed and reopened from the same file
	// THEN: Both come back intact, sync state included

	ctx := context.Background()
	s, path := openTestStore(t)

	acct := ledger.Account{
		ID:        "acct-1",
		Name:      "Checking",
		Type:      ledger.AccountAsset,
		Unit:      "usd",
		SyncState: ledger.SyncDirty,
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveAccount(ctx, acct))

	rec := sync.MutationRecord{
		ID:         "rec-1",
		Op:         sync.OpCreateAccount,
		EntityKind: ledger.KindAccount,
		EntityID:   "acct-1",
		Endpoint:   "/api/accounts",
		Method:     "POST",
		Payload:    []byte(`{"id":"acct-1"}`),
		CreatedAt:  time.Now().UTC(),
		Status:     sync.StatusPending,
	}
	require.NoError(t, s.EnqueueRecord(ctx, rec))
	require.NoError(t, s.Close())

	reopened, err := New(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "Checking", got.Name)
	assert.Equal(t, ledger.SyncDirty, got.SyncState)

	gotRec, err := reopened.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, sync.StatusPending, gotRec.Status)
	assert.Equal(t, []byte(`{"id":"acct-1"}`), gotRec.Payload)
}

// =============================================================================
// TRANSACTION ROUND-TRIPS
// =============================================================================

func TestStore_TransactionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	tx := sampleTransaction("txn-1")
	require.NoError(t, s.SaveTransaction(ctx, tx))

	got, err := s.GetTransaction(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, tx.Payee, got.Payee)
	assert.Equal(t, tx.Memo, got.Memo)
	require.Len(t, got.Postings, 2)
	assert.Equal(t, "-18.99", got.Postings[0].Amount.Value.String())
	assert.Equal(t, []ledger.TagID{"tag-home"}, got.Postings[1].TagIDs)
	assert.True(t, got.Date.Equal(tx.Date))
}

func TestStore_SaveTransaction_ReplacesPostings(t *testing.T) {
	// GIVEN: A stored two-posting transaction
	// WHEN: It is saved again with a different posting set
	// THEN: The old postings are fully replaced, not appended to

	ctx := context.Background()
	s, _ := openTestStore(t)

	tx := sampleTransaction("txn-1")
	require.NoError(t, s.SaveTransaction(ctx, tx))

	tx.Postings = []ledger.Posting{
		{ID: "txn-1-p3", TransactionID: "txn-1", AccountID: "savings", Amount: ledger.NewAmount(-5, "usd")},
		{ID: "txn-1-p4", TransactionID: "txn-1", AccountID: "household", Amount: ledger.NewAmount(5, "usd")},
	}
	require.NoError(t, s.SaveTransaction(ctx, tx))

	got, err := s.GetTransaction(ctx, "txn-1")
	require.NoError(t, err)
	require.Len(t, got.Postings, 2)
	assert.Equal(t, ledger.PostingID("txn-1-p3"), got.Postings[0].ID)
}

func TestStore_DeleteTransaction_CascadesToPostings(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	require.NoError(t, s.SaveTransaction(ctx, sampleTransaction("txn-1")))
	require.NoError(t, s.DeleteTransaction(ctx, "txn-1"))

	_, err := s.GetTransaction(ctx, "txn-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	var n int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM postings WHERE transaction_id = ?`, "txn-1")
	require.NoError(t, row.Scan(&n))
	assert.Equal(t, 0, n, "orphaned postings must not remain")
}

func TestStore_SetSyncState_MissingEntityIsNoOp(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	err := s.SetSyncState(ctx, ledger.EntityRef{Kind: ledger.KindAccount, ID: "nope"}, ledger.SyncClean)
	assert.NoError(t, err)
}

func TestStore_GetSyncState_MissingEntityReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	_, err := s.GetSyncState(ctx, ledger.EntityRef{Kind: ledger.KindAccount, ID: "nope"})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// QUEUE PERSISTENCE
// =============================================================================

func TestStore_ListActiveRecords_CreationOrder(t *testing.T) {
	// GIVEN: Records enqueued out of timestamp order plus a failed one
	// WHEN: Active records are listed
	// THEN: Only pending/retrying records return, oldest first

	ctx := context.Background()
	s, _ := openTestStore(t)

	base := time.Now().UTC()
	mk := func(id string, offset time.Duration, status sync.Status) sync.MutationRecord {
		return sync.MutationRecord{
			ID:         id,
			Op:         sync.OpUpdateAccount,
			EntityKind: ledger.KindAccount,
			EntityID:   "acct-1",
			Endpoint:   "/api/accounts/acct-1",
			Method:     "PUT",
			CreatedAt:  base.Add(offset),
			Status:     status,
		}
	}

	require.NoError(t, s.EnqueueRecord(ctx, mk("rec-b", 2*time.Second, sync.StatusPending)))
	require.NoError(t, s.EnqueueRecord(ctx, mk("rec-a", 1*time.Second, sync.StatusRetrying)))
	require.NoError(t, s.EnqueueRecord(ctx, mk("rec-c", 3*time.Second, sync.StatusFailed)))

	active, err := s.ListActiveRecords(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "rec-a", active[0].ID)
	assert.Equal(t, "rec-b", active[1].ID)
}

func TestStore_UpdateRecord_RoundTripsAttemptState(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	rec := sync.MutationRecord{
		ID:         "rec-1",
		Op:         sync.OpUpdateAccount,
		EntityKind: ledger.KindAccount,
		EntityID:   "acct-1",
		Endpoint:   "/api/accounts/acct-1",
		Method:     "PUT",
		CreatedAt:  time.Now().UTC(),
		Status:     sync.StatusPending,
	}
	require.NoError(t, s.EnqueueRecord(ctx, rec))

	attempt := time.Now().UTC().Truncate(time.Millisecond)
	rec.Status = sync.StatusRetrying
	rec.RetryCount = 3
	rec.LastAttemptAt = &attempt
	require.NoError(t, s.UpdateRecord(ctx, rec))

	got, err := s.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, sync.StatusRetrying, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	require.NotNil(t, got.LastAttemptAt)
	assert.True(t, got.LastAttemptAt.Equal(attempt))
}

func TestStore_UpdateRecord_MissingRecordReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	err := s.UpdateRecord(ctx, sync.MutationRecord{ID: "nope", Status: sync.StatusPending})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestStore_CountRecords(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	statuses := []sync.Status{sync.StatusPending, sync.StatusPending, sync.StatusFailed}
	for i, st := range statuses {
		require.NoError(t, s.EnqueueRecord(ctx, sync.MutationRecord{
			ID:         "rec-" + string(rune('a'+i)),
			Op:         sync.OpUpdateAccount,
			EntityKind: ledger.KindAccount,
			EntityID:   "acct-1",
			Endpoint:   "/x",
			Method:     "PUT",
			CreatedAt:  time.Now().UTC(),
			Status:     st,
		}))
	}

	counts, err := s.CountRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, sync.QueueCounts{Pending: 2, Failed: 1}, counts)
}

func TestStore_Reset_ClearsEverything(t *testing.T) {
	// GIVEN: Entities and a queued record on disk
	// WHEN: Reset runs
	// THEN: Every table is empty and the store is immediately reusable

	ctx := context.Background()
	s, _ := openTestStore(t)

	require.NoError(t, s.SaveAccount(ctx, ledger.Account{
		ID: "acct-1", Name: "Checking", Type: ledger.AccountAsset, Unit: "usd",
		SyncState: ledger.SyncClean, UpdatedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.SaveTransaction(ctx, sampleTransaction("txn-1")))
	require.NoError(t, s.EnqueueRecord(ctx, sync.MutationRecord{
		ID: "rec-1", Op: sync.OpCreateAccount, EntityKind: ledger.KindAccount,
		EntityID: "acct-1", Endpoint: "/api/accounts", Method: "POST",
		CreatedAt: time.Now().UTC(), Status: sync.StatusPending,
	}))

	require.NoError(t, s.Reset(ctx))

	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)

	txs, err := s.ListTransactions(ctx)
	require.NoError(t, err)
	assert.Empty(t, txs)

	counts, err := s.CountRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Total())

	require.NoError(t, s.SaveAccount(ctx, ledger.Account{
		ID: "acct-2", Name: "Savings", Type: ledger.AccountAsset, Unit: "usd",
		SyncState: ledger.SyncDirty, UpdatedAt: time.Now().UTC(),
	}))
	_, err = s.GetAccount(ctx, "acct-2")
	assert.NoError(t, err)
}

// =============================================================================
// TRANSACTIONAL BOUNDARY
// =============================================================================

func TestStore_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A transaction body that writes an account then fails
	// WHEN: WithTx returns the error
	// THEN: Nothing the body wrote is visible afterwards

	ctx := context.Background()
	s, _ := openTestStore(t)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx sync.Storage) error {
		if err := tx.SaveAccount(ctx, ledger.Account{
			ID:        "acct-1",
			Name:      "Doomed",
			Type:      ledger.AccountAsset,
			Unit:      "usd",
			SyncState: ledger.SyncDirty,
			UpdatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetAccount(ctx, "acct-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestStore_WithTx_CommitsAtomically(t *testing.T) {
	// GIVEN: An account save and a record enqueue in one boundary
	// WHEN: The body succeeds
	// THEN: Both are durable

	ctx := context.Background()
	s, _ := openTestStore(t)

	err := s.WithTx(ctx, func(tx sync.Storage) error {
		if err := tx.SaveAccount(ctx, ledger.Account{
			ID:        "acct-1",
			Name:      "Checking",
			Type:      ledger.AccountAsset,
			Unit:      "usd",
			SyncState: ledger.SyncDirty,
			UpdatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		return tx.EnqueueRecord(ctx, sync.MutationRecord{
			ID:         "rec-1",
			Op:         sync.OpCreateAccount,
			EntityKind: ledger.KindAccount,
			EntityID:   "acct-1",
			Endpoint:   "/api/accounts",
			Method:     "POST",
			CreatedAt:  time.Now().UTC(),
			Status:     sync.StatusPending,
		})
	})
	require.NoError(t, err)

	_, err = s.GetAccount(ctx, "acct-1")
	assert.NoError(t, err)
	_, err = s.GetRecord(ctx, "rec-1")
	assert.NoError(t, err)
}
