// Package store provides an in-memory Storage implementation for
// testing and development. The production implementation lives in
// store/sqlite.
package store

import (
	"context"
	stdsync "sync"

	"github.com/tallybook/ledger-client/ledger"
	"github.com/tallybook/ledger-client/sync"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements sync.Storage entirely in memory. WithTx is
// simulated with a snapshot + rollback on error, which preserves the
// observable all-or-nothing contract of the sqlite store.
type Memory struct {
	mu stdsync.RWMutex

	accounts     map[ledger.AccountID]ledger.Account
	transactions map[ledger.TransactionID]ledger.Transaction
	units        map[ledger.UnitID]ledger.Unit
	tags         map[ledger.TagID]ledger.Tag
	prices       map[ledger.PriceID]ledger.Price
	records      []sync.MutationRecord // creation order
}

func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[ledger.AccountID]ledger.Account),
		transactions: make(map[ledger.TransactionID]ledger.Transaction),
		units:        make(map[ledger.UnitID]ledger.Unit),
		tags:         make(map[ledger.TagID]ledger.Tag),
		prices:       make(map[ledger.PriceID]ledger.Price),
	}
}

var _ sync.Storage = (*Memory)(nil)

// =============================================================================
// TRANSACTIONAL BOUNDARY
// =============================================================================

// WithTx executes fn against an unlocked view under the write lock,
// restoring the snapshot if fn fails.
func (m *Memory) WithTx(_ context.Context, fn func(sync.Storage) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&memoryView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	accounts     map[ledger.AccountID]ledger.Account
	transactions map[ledger.TransactionID]ledger.Transaction
	units        map[ledger.UnitID]ledger.Unit
	tags         map[ledger.TagID]ledger.Tag
	prices       map[ledger.PriceID]ledger.Price
	records      []sync.MutationRecord
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		accounts:     make(map[ledger.AccountID]ledger.Account, len(m.accounts)),
		transactions: make(map[ledger.TransactionID]ledger.Transaction, len(m.transactions)),
		units:        make(map[ledger.UnitID]ledger.Unit, len(m.units)),
		tags:         make(map[ledger.TagID]ledger.Tag, len(m.tags)),
		prices:       make(map[ledger.PriceID]ledger.Price, len(m.prices)),
		records:      append([]sync.MutationRecord{}, m.records...),
	}
	for k, v := range m.accounts {
		s.accounts[k] = v
	}
	for k, v := range m.transactions {
		s.transactions[k] = copyTransaction(v)
	}
	for k, v := range m.units {
		s.units[k] = v
	}
	for k, v := range m.tags {
		s.tags[k] = v
	}
	for k, v := range m.prices {
		s.prices[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.accounts = s.accounts
	m.transactions = s.transactions
	m.units = s.units
	m.tags = s.tags
	m.prices = s.prices
	m.records = s.records
}

func copyTransaction(t ledger.Transaction) ledger.Transaction {
	t.Postings = append([]ledger.Posting{}, t.Postings...)
	for i := range t.Postings {
		t.Postings[i].TagIDs = append([]ledger.TagID{}, t.Postings[i].TagIDs...)
	}
	return t
}

// =============================================================================
// ENTITY STORE (locked wrappers over the *Locked internals)
// =============================================================================

func (m *Memory) SaveAccount(_ context.Context, a ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveAccountLocked(a)
}

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAccountLocked(id)
}

func (m *Memory) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listAccountsLocked()
}

func (m *Memory) DeleteAccount(_ context.Context, id ledger.AccountID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accounts, id)
	return nil
}

func (m *Memory) SaveTransaction(_ context.Context, t ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveTransactionLocked(t)
}

func (m *Memory) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTransactionLocked(id)
}

func (m *Memory) ListTransactions(_ context.Context) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listTransactionsLocked()
}

func (m *Memory) DeleteTransaction(_ context.Context, id ledger.TransactionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.transactions, id)
	return nil
}

func (m *Memory) SaveUnit(_ context.Context, u ledger.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[u.ID] = u
	return nil
}

func (m *Memory) GetUnit(_ context.Context, id ledger.UnitID) (*ledger.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getUnitLocked(id)
}

func (m *Memory) ListUnits(_ context.Context) ([]ledger.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listUnitsLocked()
}

func (m *Memory) DeleteUnit(_ context.Context, id ledger.UnitID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.units, id)
	return nil
}

func (m *Memory) SaveTag(_ context.Context, t ledger.Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tags[t.ID] = t
	return nil
}

func (m *Memory) ListTags(_ context.Context) ([]ledger.Tag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listTagsLocked()
}

func (m *Memory) DeleteTag(_ context.Context, id ledger.TagID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tags, id)
	return nil
}

func (m *Memory) SavePrice(_ context.Context, p ledger.Price) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[p.ID] = p
	return nil
}

func (m *Memory) ListPrices(_ context.Context) ([]ledger.Price, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPricesLocked()
}

func (m *Memory) DeletePrice(_ context.Context, id ledger.PriceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.prices, id)
	return nil
}

func (m *Memory) SetSyncState(_ context.Context, ref ledger.EntityRef, state ledger.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setSyncStateLocked(ref, state)
}

func (m *Memory) GetSyncState(_ context.Context, ref ledger.EntityRef) (ledger.SyncState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getSyncStateLocked(ref)
}

// =============================================================================
// QUEUE STORE
// =============================================================================

func (m *Memory) EnqueueRecord(_ context.Context, rec sync.MutationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enqueueRecordLocked(rec)
}

func (m *Memory) UpdateRecord(_ context.Context, rec sync.MutationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateRecordLocked(rec)
}

func (m *Memory) DeleteRecord(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteRecordLocked(id)
}

func (m *Memory) GetRecord(_ context.Context, id string) (*sync.MutationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRecordLocked(id)
}

func (m *Memory) ListActiveRecords(_ context.Context) ([]sync.MutationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listActiveRecordsLocked()
}

func (m *Memory) ListRecordsByStatus(_ context.Context, status sync.Status) ([]sync.MutationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listRecordsByStatusLocked(status)
}

func (m *Memory) CountRecords(_ context.Context) (sync.QueueCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countRecordsLocked()
}

// =============================================================================
// LOCKED INTERNALS - Shared by the outer store and the WithTx view
// =============================================================================

func (m *Memory) saveAccountLocked(a ledger.Account) error {
	if a.ID == "" {
		return ledger.ErrMissingID
	}
	m.accounts[a.ID] = a
	return nil
}

func (m *Memory) getAccountLocked(id ledger.AccountID) (*ledger.Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return nil, &ledger.NotFoundError{Ref: ledger.EntityRef{Kind: ledger.KindAccount, ID: string(id)}}
	}
	return &a, nil
}

func (m *Memory) listAccountsLocked() ([]ledger.Account, error) {
	out := make([]ledger.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (m *Memory) saveTransactionLocked(t ledger.Transaction) error {
	if t.ID == "" {
		return ledger.ErrMissingID
	}
	m.transactions[t.ID] = copyTransaction(t)
	return nil
}

func (m *Memory) getTransactionLocked(id ledger.TransactionID) (*ledger.Transaction, error) {
	t, ok := m.transactions[id]
	if !ok {
		return nil, &ledger.NotFoundError{Ref: ledger.EntityRef{Kind: ledger.KindTransaction, ID: string(id)}}
	}
	out := copyTransaction(t)
	return &out, nil
}

func (m *Memory) listTransactionsLocked() ([]ledger.Transaction, error) {
	out := make([]ledger.Transaction, 0, len(m.transactions))
	for _, t := range m.transactions {
		out = append(out, copyTransaction(t))
	}
	return out, nil
}

func (m *Memory) getUnitLocked(id ledger.UnitID) (*ledger.Unit, error) {
	u, ok := m.units[id]
	if !ok {
		return nil, &ledger.NotFoundError{Ref: ledger.EntityRef{Kind: ledger.KindUnit, ID: string(id)}}
	}
	return &u, nil
}

func (m *Memory) listUnitsLocked() ([]ledger.Unit, error) {
	out := make([]ledger.Unit, 0, len(m.units))
	for _, u := range m.units {
		out = append(out, u)
	}
	return out, nil
}

func (m *Memory) listTagsLocked() ([]ledger.Tag, error) {
	out := make([]ledger.Tag, 0, len(m.tags))
	for _, t := range m.tags {
		out = append(out, t)
	}
	return out, nil
}

func (m *Memory) listPricesLocked() ([]ledger.Price, error) {
	out := make([]ledger.Price, 0, len(m.prices))
	for _, p := range m.prices {
		out = append(out, p)
	}
	return out, nil
}

// setSyncStateLocked is a no-op for missing entities: a queued delete
// resolves after its local row is gone.
func (m *Memory) setSyncStateLocked(ref ledger.EntityRef, state ledger.SyncState) error {
	switch ref.Kind {
	case ledger.KindAccount:
		if a, ok := m.accounts[ledger.AccountID(ref.ID)]; ok {
			a.SyncState = state
			m.accounts[a.ID] = a
		}
	case ledger.KindTransaction:
		if t, ok := m.transactions[ledger.TransactionID(ref.ID)]; ok {
			t.SyncState = state
			m.transactions[t.ID] = t
		}
	case ledger.KindUnit:
		if u, ok := m.units[ledger.UnitID(ref.ID)]; ok {
			u.SyncState = state
			m.units[u.ID] = u
		}
	case ledger.KindTag:
		if t, ok := m.tags[ledger.TagID(ref.ID)]; ok {
			t.SyncState = state
			m.tags[t.ID] = t
		}
	case ledger.KindPrice:
		if p, ok := m.prices[ledger.PriceID(ref.ID)]; ok {
			p.SyncState = state
			m.prices[p.ID] = p
		}
	}
	return nil
}

func (m *Memory) getSyncStateLocked(ref ledger.EntityRef) (ledger.SyncState, error) {
	switch ref.Kind {
	case ledger.KindAccount:
		if a, ok := m.accounts[ledger.AccountID(ref.ID)]; ok {
			return a.SyncState, nil
		}
	case ledger.KindTransaction:
		if t, ok := m.transactions[ledger.TransactionID(ref.ID)]; ok {
			return t.SyncState, nil
		}
	case ledger.KindUnit:
		if u, ok := m.units[ledger.UnitID(ref.ID)]; ok {
			return u.SyncState, nil
		}
	case ledger.KindTag:
		if t, ok := m.tags[ledger.TagID(ref.ID)]; ok {
			return t.SyncState, nil
		}
	case ledger.KindPrice:
		if p, ok := m.prices[ledger.PriceID(ref.ID)]; ok {
			return p.SyncState, nil
		}
	}
	return "", &ledger.NotFoundError{Ref: ref}
}

func (m *Memory) enqueueRecordLocked(rec sync.MutationRecord) error {
	m.records = append(m.records, rec)
	return nil
}

func (m *Memory) updateRecordLocked(rec sync.MutationRecord) error {
	for i := range m.records {
		if m.records[i].ID == rec.ID {
			m.records[i] = rec
			return nil
		}
	}
	return ledger.ErrNotFound
}

func (m *Memory) deleteRecordLocked(id string) error {
	for i := range m.records {
		if m.records[i].ID == id {
			m.records = append(m.records[:i], m.records[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Memory) getRecordLocked(id string) (*sync.MutationRecord, error) {
	for i := range m.records {
		if m.records[i].ID == id {
			rec := m.records[i]
			return &rec, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (m *Memory) listActiveRecordsLocked() ([]sync.MutationRecord, error) {
	var out []sync.MutationRecord
	for _, r := range m.records {
		if r.Status == sync.StatusPending || r.Status == sync.StatusRetrying {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) listRecordsByStatusLocked(status sync.Status) ([]sync.MutationRecord, error) {
	var out []sync.MutationRecord
	for _, r := range m.records {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) countRecordsLocked() (sync.QueueCounts, error) {
	var c sync.QueueCounts
	for _, r := range m.records {
		switch r.Status {
		case sync.StatusPending:
			c.Pending++
		case sync.StatusRetrying:
			c.Retrying++
		case sync.StatusFailed:
			c.Failed++
		}
	}
	return c, nil
}

// =============================================================================
// WITHTX VIEW - Delegates to the locked internals
// =============================================================================

type memoryView struct {
	parent *Memory
}

var _ sync.Storage = (*memoryView)(nil)

// Nested WithTx joins the outer boundary: the outer snapshot already
// covers rollback.
func (v *memoryView) WithTx(_ context.Context, fn func(sync.Storage) error) error {
	return fn(v)
}

func (v *memoryView) SaveAccount(_ context.Context, a ledger.Account) error {
	return v.parent.saveAccountLocked(a)
}

func (v *memoryView) GetAccount(_ context.Context, id ledger.AccountID) (*ledger.Account, error) {
	return v.parent.getAccountLocked(id)
}

func (v *memoryView) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	return v.parent.listAccountsLocked()
}

func (v *memoryView) DeleteAccount(_ context.Context, id ledger.AccountID) error {
	delete(v.parent.accounts, id)
	return nil
}

func (v *memoryView) SaveTransaction(_ context.Context, t ledger.Transaction) error {
	return v.parent.saveTransactionLocked(t)
}

func (v *memoryView) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	return v.parent.getTransactionLocked(id)
}

func (v *memoryView) ListTransactions(_ context.Context) ([]ledger.Transaction, error) {
	return v.parent.listTransactionsLocked()
}

func (v *memoryView) DeleteTransaction(_ context.Context, id ledger.TransactionID) error {
	delete(v.parent.transactions, id)
	return nil
}

func (v *memoryView) SaveUnit(_ context.Context, u ledger.Unit) error {
	v.parent.units[u.ID] = u
	return nil
}

func (v *memoryView) GetUnit(_ context.Context, id ledger.UnitID) (*ledger.Unit, error) {
	return v.parent.getUnitLocked(id)
}

func (v *memoryView) ListUnits(_ context.Context) ([]ledger.Unit, error) {
	return v.parent.listUnitsLocked()
}

func (v *memoryView) DeleteUnit(_ context.Context, id ledger.UnitID) error {
	delete(v.parent.units, id)
	return nil
}

func (v *memoryView) SaveTag(_ context.Context, t ledger.Tag) error {
	v.parent.tags[t.ID] = t
	return nil
}

func (v *memoryView) ListTags(_ context.Context) ([]ledger.Tag, error) {
	return v.parent.listTagsLocked()
}

func (v *memoryView) DeleteTag(_ context.Context, id ledger.TagID) error {
	delete(v.parent.tags, id)
	return nil
}

func (v *memoryView) SavePrice(_ context.Context, p ledger.Price) error {
	v.parent.prices[p.ID] = p
	return nil
}

func (v *memoryView) ListPrices(_ context.Context) ([]ledger.Price, error) {
	return v.parent.listPricesLocked()
}

func (v *memoryView) DeletePrice(_ context.Context, id ledger.PriceID) error {
	delete(v.parent.prices, id)
	return nil
}

func (v *memoryView) SetSyncState(_ context.Context, ref ledger.EntityRef, state ledger.SyncState) error {
	return v.parent.setSyncStateLocked(ref, state)
}

func (v *memoryView) GetSyncState(_ context.Context, ref ledger.EntityRef) (ledger.SyncState, error) {
	return v.parent.getSyncStateLocked(ref)
}

func (v *memoryView) EnqueueRecord(_ context.Context, rec sync.MutationRecord) error {
	return v.parent.enqueueRecordLocked(rec)
}

func (v *memoryView) UpdateRecord(_ context.Context, rec sync.MutationRecord) error {
	return v.parent.updateRecordLocked(rec)
}

func (v *memoryView) DeleteRecord(_ context.Context, id string) error {
	return v.parent.deleteRecordLocked(id)
}

func (v *memoryView) GetRecord(_ context.Context, id string) (*sync.MutationRecord, error) {
	return v.parent.getRecordLocked(id)
}

func (v *memoryView) ListActiveRecords(_ context.Context) ([]sync.MutationRecord, error) {
	return v.parent.listActiveRecordsLocked()
}

func (v *memoryView) ListRecordsByStatus(_ context.Context, status sync.Status) ([]sync.MutationRecord, error) {
	return v.parent.listRecordsByStatusLocked(status)
}

func (v *memoryView) CountRecords(_ context.Context) (sync.QueueCounts, error) {
	return v.parent.countRecordsLocked()
}
