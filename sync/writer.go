/*
writer.go - Atomic local write path

PURPOSE:
  Every local mutation commits as one atomic unit: persist the entity
  change, enqueue the matching MutationRecord, and mark the entity
  Dirty. Partial completion (entity written but record missing, or vice
  versa) cannot be observed because everything happens inside a single
  WithTx boundary.

OPTIMISTIC WRITES:
  The local store is updated before remote confirmation. Payload bytes
  are built before the transaction opens, so a serialization defect
  fails the whole operation without touching the store.

DELETE-OF-PENDING-CREATE:
  Deleting an entity whose create was never acknowledged cancels the
  pending create (and any queued updates behind it) instead of queuing
  a delete for an entity the server has never seen. Once the create is
  in flight or acknowledged, a delete is queued.

SEE ALSO:
  - payload.go: Payload snapshot builders
  - queue.go: What happens to the record afterwards
*/
package sync

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tallybook/ledger-client/ledger"
)

// Writer is the single entry point for local mutations.
type Writer struct {
	store Storage
	now   func() time.Time
	newID func() string
}

// NewWriter creates a writer over the given storage.
func NewWriter(store Storage) *Writer {
	return &Writer{
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// newRecord builds the durable record for one operation. The payload is
// a frozen value snapshot, never a live reference.
func (w *Writer) newRecord(op OperationType, ref ledger.EntityRef, payload []byte) MutationRecord {
	endpoint, method := endpointFor(op, ref.Kind, ref.ID)
	return MutationRecord{
		ID:         w.newID(),
		Op:         op,
		EntityKind: ref.Kind,
		EntityID:   ref.ID,
		Endpoint:   endpoint,
		Method:     method,
		Payload:    payload,
		CreatedAt:  w.now(),
		Status:     StatusPending,
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// CreateTransaction validates, persists, and queues a new transaction.
// Missing transaction/posting ids are assigned client-side; the same
// ids reach the remote, which is what makes resends idempotent.
func (w *Writer) CreateTransaction(ctx context.Context, t ledger.Transaction) (ledger.Transaction, error) {
	w.fillTransactionIDs(&t)
	if err := t.Validate(); err != nil {
		return t, err
	}

	payload, err := buildTransactionPayload(t)
	if err != nil {
		return t, &SerializationError{Op: OpCreateTransaction, Err: err}
	}
	rec := w.newRecord(OpCreateTransaction, t.Ref(), payload)

	t.SyncState = ledger.SyncDirty
	t.UpdatedAt = w.now()
	err = w.store.WithTx(ctx, func(s Storage) error {
		if err := s.SaveTransaction(ctx, t); err != nil {
			return err
		}
		return s.EnqueueRecord(ctx, rec)
	})
	return t, err
}

// UpdateTransaction validates, persists, and queues a changed
// transaction. The full posting list is captured: postings are never
// synced independently of their parent.
func (w *Writer) UpdateTransaction(ctx context.Context, t ledger.Transaction) (ledger.Transaction, error) {
	w.fillTransactionIDs(&t)
	if err := t.Validate(); err != nil {
		return t, err
	}

	payload, err := buildTransactionPayload(t)
	if err != nil {
		return t, &SerializationError{Op: OpUpdateTransaction, Err: err}
	}
	rec := w.newRecord(OpUpdateTransaction, t.Ref(), payload)

	t.SyncState = ledger.SyncDirty
	t.UpdatedAt = w.now()
	err = w.store.WithTx(ctx, func(s Storage) error {
		if _, err := s.GetTransaction(ctx, t.ID); err != nil {
			return err
		}
		if err := s.SaveTransaction(ctx, t); err != nil {
			return err
		}
		return s.EnqueueRecord(ctx, rec)
	})
	return t, err
}

// DeleteTransaction removes the transaction (and, by cascade, its
// postings) locally and queues the remote delete, unless the create was
// never acknowledged, in which case the queued create is cancelled.
func (w *Writer) DeleteTransaction(ctx context.Context, id ledger.TransactionID) error {
	ref := ledger.EntityRef{Kind: ledger.KindTransaction, ID: string(id)}
	return w.store.WithTx(ctx, func(s Storage) error {
		if _, err := s.GetTransaction(ctx, id); err != nil {
			return err
		}
		queueDelete, err := w.cancelUnsentCreate(ctx, s, ref)
		if err != nil {
			return err
		}
		if err := s.DeleteTransaction(ctx, id); err != nil {
			return err
		}
		if queueDelete {
			return s.EnqueueRecord(ctx, w.newRecord(OpDeleteTransaction, ref, nil))
		}
		return nil
	})
}

func (w *Writer) fillTransactionIDs(t *ledger.Transaction) {
	if t.ID == "" {
		t.ID = ledger.TransactionID(w.newID())
	}
	for i := range t.Postings {
		if t.Postings[i].ID == "" {
			t.Postings[i].ID = ledger.PostingID(w.newID())
		}
		t.Postings[i].TransactionID = t.ID
	}
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (w *Writer) CreateAccount(ctx context.Context, a ledger.Account) (ledger.Account, error) {
	if a.ID == "" {
		a.ID = ledger.AccountID(w.newID())
	}
	payload, err := buildAccountPayload(a)
	if err != nil {
		return a, &SerializationError{Op: OpCreateAccount, Err: err}
	}
	rec := w.newRecord(OpCreateAccount, a.Ref(), payload)

	a.SyncState = ledger.SyncDirty
	a.UpdatedAt = w.now()
	err = w.store.WithTx(ctx, func(s Storage) error {
		if err := s.SaveAccount(ctx, a); err != nil {
			return err
		}
		return s.EnqueueRecord(ctx, rec)
	})
	return a, err
}

func (w *Writer) UpdateAccount(ctx context.Context, a ledger.Account) (ledger.Account, error) {
	payload, err := buildAccountPayload(a)
	if err != nil {
		return a, &SerializationError{Op: OpUpdateAccount, Err: err}
	}
	rec := w.newRecord(OpUpdateAccount, a.Ref(), payload)

	a.SyncState = ledger.SyncDirty
	a.UpdatedAt = w.now()
	err = w.store.WithTx(ctx, func(s Storage) error {
		if _, err := s.GetAccount(ctx, a.ID); err != nil {
			return err
		}
		if err := s.SaveAccount(ctx, a); err != nil {
			return err
		}
		return s.EnqueueRecord(ctx, rec)
	})
	return a, err
}

func (w *Writer) DeleteAccount(ctx context.Context, id ledger.AccountID) error {
	ref := ledger.EntityRef{Kind: ledger.KindAccount, ID: string(id)}
	return w.store.WithTx(ctx, func(s Storage) error {
		if _, err := s.GetAccount(ctx, id); err != nil {
			return err
		}
		queueDelete, err := w.cancelUnsentCreate(ctx, s, ref)
		if err != nil {
			return err
		}
		if err := s.DeleteAccount(ctx, id); err != nil {
			return err
		}
		if queueDelete {
			return s.EnqueueRecord(ctx, w.newRecord(OpDeleteAccount, ref, nil))
		}
		return nil
	})
}

// =============================================================================
// UNITS
// =============================================================================

func (w *Writer) CreateUnit(ctx context.Context, u ledger.Unit) (ledger.Unit, error) {
	if u.ID == "" {
		u.ID = ledger.UnitID(w.newID())
	}
	payload, err := buildUnitPayload(u)
	if err != nil {
		return u, &SerializationError{Op: OpCreateUnit, Err: err}
	}
	rec := w.newRecord(OpCreateUnit, u.Ref(), payload)

	u.SyncState = ledger.SyncDirty
	u.UpdatedAt = w.now()
	err = w.store.WithTx(ctx, func(s Storage) error {
		if err := s.SaveUnit(ctx, u); err != nil {
			return err
		}
		return s.EnqueueRecord(ctx, rec)
	})
	return u, err
}

func (w *Writer) UpdateUnit(ctx context.Context, u ledger.Unit) (ledger.Unit, error) {
	payload, err := buildUnitPayload(u)
	if err != nil {
		return u, &SerializationError{Op: OpUpdateUnit, Err: err}
	}
	rec := w.newRecord(OpUpdateUnit, u.Ref(), payload)

	u.SyncState = ledger.SyncDirty
	u.UpdatedAt = w.now()
	err = w.store.WithTx(ctx, func(s Storage) error {
		if _, err := s.GetUnit(ctx, u.ID); err != nil {
			return err
		}
		if err := s.SaveUnit(ctx, u); err != nil {
			return err
		}
		return s.EnqueueRecord(ctx, rec)
	})
	return u, err
}

func (w *Writer) DeleteUnit(ctx context.Context, id ledger.UnitID) error {
	ref := ledger.EntityRef{Kind: ledger.KindUnit, ID: string(id)}
	return w.store.WithTx(ctx, func(s Storage) error {
		if _, err := s.GetUnit(ctx, id); err != nil {
			return err
		}
		queueDelete, err := w.cancelUnsentCreate(ctx, s, ref)
		if err != nil {
			return err
		}
		if err := s.DeleteUnit(ctx, id); err != nil {
			return err
		}
		if queueDelete {
			return s.EnqueueRecord(ctx, w.newRecord(OpDeleteUnit, ref, nil))
		}
		return nil
	})
}

// =============================================================================
// DELETE-OF-PENDING-CREATE
// =============================================================================

// cancelUnsentCreate checks whether the entity's create record is still
// unsent. If so it cancels the create and every queued record behind it
// and reports that no delete needs to be queued. A create that has
// reached the wire (entity InFlight) or already succeeded means the
// server may know the entity, so a delete must be queued.
func (w *Writer) cancelUnsentCreate(ctx context.Context, s Storage, ref ledger.EntityRef) (queueDelete bool, err error) {
	state, err := s.GetSyncState(ctx, ref)
	if err != nil {
		return false, err
	}
	if state == ledger.SyncInFlight {
		return true, nil
	}

	active, err := s.ListActiveRecords(ctx)
	if err != nil {
		return false, err
	}

	var mine []MutationRecord
	hasCreate := false
	for _, rec := range active {
		if rec.Ref() != ref {
			continue
		}
		mine = append(mine, rec)
		if rec.Op.IsCreate() {
			hasCreate = true
		}
	}
	if !hasCreate {
		return true, nil
	}

	for _, rec := range mine {
		if err := s.DeleteRecord(ctx, rec.ID); err != nil {
			return false, err
		}
	}
	return false, nil
}
