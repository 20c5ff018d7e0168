/*
Package sqlite provides the durable SQLite-backed implementation of the
storage interfaces.

PURPOSE:
  Implements sync.Storage (ledger entities + mutation queue + the single
  transactional boundary) on one SQLite file. This is the store a running
  client uses; ledger/store.Memory covers tests.

INTERFACES IMPLEMENTED:
  ledger.Store:    Entity persistence with per-row sync state
  sync.QueueStore: The durable mutation queue
  sync.Storage:    WithTx spanning both

KEY TABLES:
  accounts, transactions, postings, tags, units, prices: Local ledger.
    Postings belong to their transaction (ON DELETE CASCADE) and are
    never written outside SaveTransaction.
  mutation_queue: The ordered durable log of unacknowledged mutations.
    Dispatch order is creation order (created_at, then rowid for
    same-instant inserts).

CONCURRENCY:
  sync.RWMutex serializes writes; reads run concurrently. WithTx holds
  the write lock for the whole callback so the SQL transaction is the
  only writer.

WAL MODE:
  Opened with WAL journaling: readers don't block the single writer and
  a crash mid-push leaves the queue intact, which is what makes retried
  sends safe to repeat.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Entity store interface
  - sync/record.go: QueueStore and Storage interfaces
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	stdsync "sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/tallybook/ledger-client/ledger"
	"github.com/tallybook/ledger-client/sync"
)

// Store implements sync.Storage using SQLite.
type Store struct {
	db *sql.DB
	mu stdsync.RWMutex
}

var _ sync.Storage = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Accounts
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		sync_state TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Transactions (postings ride along in their own table)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		date TEXT NOT NULL,
		payee TEXT NOT NULL,
		memo TEXT,
		sync_state TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_date
		ON transactions(date);

	-- Postings are owned by their transaction: no independent write
	-- path, cascade on delete. position preserves entry order.
	CREATE TABLE IF NOT EXISTS postings (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL REFERENCES transactions(id) ON DELETE CASCADE,
		account_id TEXT NOT NULL,
		amount_value TEXT NOT NULL,
		amount_unit TEXT NOT NULL,
		tag_ids_json TEXT,
		position INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_postings_transaction
		ON postings(transaction_id);
	CREATE INDEX IF NOT EXISTS idx_postings_account
		ON postings(account_id);

	-- Tags (pull-only reference data)
	CREATE TABLE IF NOT EXISTS tags (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		sync_state TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Units
	CREATE TABLE IF NOT EXISTS units (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		precision INTEGER NOT NULL DEFAULT 2,
		sync_state TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Prices (pull-only market quotes)
	CREATE TABLE IF NOT EXISTS prices (
		id TEXT PRIMARY KEY,
		unit_id TEXT NOT NULL,
		quote_unit_id TEXT NOT NULL,
		rate TEXT NOT NULL,
		as_of TEXT NOT NULL,
		sync_state TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_prices_unit
		ON prices(unit_id, as_of);

	-- Mutation queue (durable log of unacknowledged remote operations)
	CREATE TABLE IF NOT EXISTS mutation_queue (
		id TEXT PRIMARY KEY,
		op_type TEXT NOT NULL,
		entity_kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		method TEXT NOT NULL,
		payload BLOB,
		created_at TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		last_attempt_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_queue_status
		ON mutation_queue(status);

	-- Per-entity FIFO needs the records of one entity in creation order
	CREATE INDEX IF NOT EXISTS idx_queue_entity
		ON mutation_queue(entity_kind, entity_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is the subset of *sql.DB and *sql.Tx the queries need, so the
// same internals serve both the outer store and the WithTx view.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Store) SaveAccount(ctx context.Context, a ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveAccount(ctx, s.db, a)
}

func (s *Store) saveAccount(ctx context.Context, db dbtx, a ledger.Account) error {
	if a.ID == "" {
		return ledger.ErrMissingID
	}

	query := `
		INSERT INTO accounts (id, name, type, unit_id, sync_state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			unit_id = excluded.unit_id,
			sync_state = excluded.sync_state,
			updated_at = excluded.updated_at
	`

	_, err := db.ExecContext(ctx, query,
		a.ID, a.Name, a.Type, a.Unit, a.SyncState,
		a.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAccount(ctx, s.db, id)
}

func (s *Store) getAccount(ctx context.Context, db dbtx, id ledger.AccountID) (*ledger.Account, error) {
	var a ledger.Account
	var updatedAt string

	err := db.QueryRowContext(ctx,
		"SELECT id, name, type, unit_id, sync_state, updated_at FROM accounts WHERE id = ?",
		id,
	).Scan(&a.ID, &a.Name, &a.Type, &a.Unit, &a.SyncState, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, &ledger.NotFoundError{Ref: ledger.EntityRef{Kind: ledger.KindAccount, ID: string(id)}}
	}
	if err != nil {
		return nil, err
	}

	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &a, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listAccounts(ctx, s.db)
}

func (s *Store) listAccounts(ctx context.Context, db dbtx) ([]ledger.Account, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, name, type, unit_id, sync_state, updated_at FROM accounts ORDER BY name",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		var a ledger.Account
		var updatedAt string
		if err := rows.Scan(&a.ID, &a.Name, &a.Type, &a.Unit, &a.SyncState, &updatedAt); err != nil {
			return nil, err
		}
		a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *Store) DeleteAccount(ctx context.Context, id ledger.AccountID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	return err
}

// =============================================================================
// TRANSACTIONS & POSTINGS
// =============================================================================

// SaveTransaction upserts the transaction and replaces its full posting
// list. The replace keeps the stored postings identical to the in-memory
// ones, so an update can never leave stale lines behind.
func (s *Store) SaveTransaction(ctx context.Context, t ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := s.saveTransaction(ctx, sqlTx, t); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) saveTransaction(ctx context.Context, db dbtx, t ledger.Transaction) error {
	if t.ID == "" {
		return ledger.ErrMissingID
	}

	query := `
		INSERT INTO transactions (id, date, payee, memo, sync_state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			date = excluded.date,
			payee = excluded.payee,
			memo = excluded.memo,
			sync_state = excluded.sync_state,
			updated_at = excluded.updated_at
	`

	_, err := db.ExecContext(ctx, query,
		t.ID,
		t.Date.UTC().Format(time.RFC3339),
		t.Payee,
		t.Memo,
		t.SyncState,
		t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}

	if _, err := db.ExecContext(ctx, "DELETE FROM postings WHERE transaction_id = ?", t.ID); err != nil {
		return fmt.Errorf("failed to replace postings: %w", err)
	}

	for i, p := range t.Postings {
		var tagJSON []byte
		if len(p.TagIDs) > 0 {
			tagJSON, _ = json.Marshal(p.TagIDs)
		}
		_, err := db.ExecContext(ctx,
			`INSERT INTO postings (id, transaction_id, account_id, amount_value, amount_unit, tag_ids_json, position)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID, t.ID, p.AccountID, p.Amount.Value.String(), p.Amount.Unit, nullString(string(tagJSON)), i,
		)
		if err != nil {
			return fmt.Errorf("failed to save posting: %w", err)
		}
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTransaction(ctx, s.db, id)
}

func (s *Store) getTransaction(ctx context.Context, db dbtx, id ledger.TransactionID) (*ledger.Transaction, error) {
	var t ledger.Transaction
	var date, updatedAt string
	var memo sql.NullString

	err := db.QueryRowContext(ctx,
		"SELECT id, date, payee, memo, sync_state, updated_at FROM transactions WHERE id = ?",
		id,
	).Scan(&t.ID, &date, &t.Payee, &memo, &t.SyncState, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, &ledger.NotFoundError{Ref: ledger.EntityRef{Kind: ledger.KindTransaction, ID: string(id)}}
	}
	if err != nil {
		return nil, err
	}

	t.Date, _ = time.Parse(time.RFC3339, date)
	t.Memo = memo.String
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	postings, err := s.loadPostings(ctx, db, t.ID)
	if err != nil {
		return nil, err
	}
	t.Postings = postings
	return &t, nil
}

func (s *Store) loadPostings(ctx context.Context, db dbtx, txID ledger.TransactionID) ([]ledger.Posting, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, transaction_id, account_id, amount_value, amount_unit, tag_ids_json
		 FROM postings WHERE transaction_id = ? ORDER BY position ASC`,
		txID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var postings []ledger.Posting
	for rows.Next() {
		p, err := scanPosting(rows)
		if err != nil {
			return nil, err
		}
		postings = append(postings, p)
	}
	return postings, rows.Err()
}

func scanPosting(rows *sql.Rows) (ledger.Posting, error) {
	var p ledger.Posting
	var value string
	var tagJSON sql.NullString

	err := rows.Scan(&p.ID, &p.TransactionID, &p.AccountID, &value, &p.Amount.Unit, &tagJSON)
	if err != nil {
		return p, fmt.Errorf("failed to scan posting: %w", err)
	}

	p.Amount.Value, _ = decimal.NewFromString(value)
	if tagJSON.Valid && tagJSON.String != "" {
		json.Unmarshal([]byte(tagJSON.String), &p.TagIDs)
	}
	return p, nil
}

func (s *Store) ListTransactions(ctx context.Context) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listTransactions(ctx, s.db)
}

func (s *Store) listTransactions(ctx context.Context, db dbtx) ([]ledger.Transaction, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, date, payee, memo, sync_state, updated_at FROM transactions ORDER BY date ASC, id ASC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		var t ledger.Transaction
		var date, updatedAt string
		var memo sql.NullString
		if err := rows.Scan(&t.ID, &date, &t.Payee, &memo, &t.SyncState, &updatedAt); err != nil {
			return nil, err
		}
		t.Date, _ = time.Parse(time.RFC3339, date)
		t.Memo = memo.String
		t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Attach postings in one pass grouped by transaction.
	byTx := make(map[ledger.TransactionID]int, len(txs))
	for i := range txs {
		byTx[txs[i].ID] = i
	}

	prows, err := db.QueryContext(ctx,
		`SELECT id, transaction_id, account_id, amount_value, amount_unit, tag_ids_json
		 FROM postings ORDER BY transaction_id, position ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer prows.Close()

	for prows.Next() {
		p, err := scanPosting(prows)
		if err != nil {
			return nil, err
		}
		if i, ok := byTx[p.TransactionID]; ok {
			txs[i].Postings = append(txs[i].Postings, p)
		}
	}
	return txs, prows.Err()
}

// DeleteTransaction cascades to the postings via the foreign key.
func (s *Store) DeleteTransaction(ctx context.Context, id ledger.TransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM transactions WHERE id = ?", id)
	return err
}

// =============================================================================
// UNITS
// =============================================================================

func (s *Store) SaveUnit(ctx context.Context, u ledger.Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveUnit(ctx, s.db, u)
}

func (s *Store) saveUnit(ctx context.Context, db dbtx, u ledger.Unit) error {
	query := `
		INSERT INTO units (id, code, name, precision, sync_state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			precision = excluded.precision,
			sync_state = excluded.sync_state,
			updated_at = excluded.updated_at
	`
	_, err := db.ExecContext(ctx, query,
		u.ID, u.Code, u.Name, u.Precision, u.SyncState,
		u.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) GetUnit(ctx context.Context, id ledger.UnitID) (*ledger.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getUnit(ctx, s.db, id)
}

func (s *Store) getUnit(ctx context.Context, db dbtx, id ledger.UnitID) (*ledger.Unit, error) {
	var u ledger.Unit
	var updatedAt string

	err := db.QueryRowContext(ctx,
		"SELECT id, code, name, precision, sync_state, updated_at FROM units WHERE id = ?",
		id,
	).Scan(&u.ID, &u.Code, &u.Name, &u.Precision, &u.SyncState, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, &ledger.NotFoundError{Ref: ledger.EntityRef{Kind: ledger.KindUnit, ID: string(id)}}
	}
	if err != nil {
		return nil, err
	}

	u.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &u, nil
}

func (s *Store) ListUnits(ctx context.Context) ([]ledger.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listUnits(ctx, s.db)
}

func (s *Store) listUnits(ctx context.Context, db dbtx) ([]ledger.Unit, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, code, name, precision, sync_state, updated_at FROM units ORDER BY code",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []ledger.Unit
	for rows.Next() {
		var u ledger.Unit
		var updatedAt string
		if err := rows.Scan(&u.ID, &u.Code, &u.Name, &u.Precision, &u.SyncState, &updatedAt); err != nil {
			return nil, err
		}
		u.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		units = append(units, u)
	}
	return units, rows.Err()
}

func (s *Store) DeleteUnit(ctx context.Context, id ledger.UnitID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM units WHERE id = ?", id)
	return err
}

// =============================================================================
// TAGS & PRICES (pull-only reference data)
// =============================================================================

func (s *Store) SaveTag(ctx context.Context, t ledger.Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveTag(ctx, s.db, t)
}

func (s *Store) saveTag(ctx context.Context, db dbtx, t ledger.Tag) error {
	query := `
		INSERT INTO tags (id, name, sync_state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			sync_state = excluded.sync_state,
			updated_at = excluded.updated_at
	`
	_, err := db.ExecContext(ctx, query,
		t.ID, t.Name, t.SyncState, t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) ListTags(ctx context.Context) ([]ledger.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listTags(ctx, s.db)
}

func (s *Store) listTags(ctx context.Context, db dbtx) ([]ledger.Tag, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, name, sync_state, updated_at FROM tags ORDER BY name",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []ledger.Tag
	for rows.Next() {
		var t ledger.Tag
		var updatedAt string
		if err := rows.Scan(&t.ID, &t.Name, &t.SyncState, &updatedAt); err != nil {
			return nil, err
		}
		t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func (s *Store) DeleteTag(ctx context.Context, id ledger.TagID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM tags WHERE id = ?", id)
	return err
}

func (s *Store) SavePrice(ctx context.Context, p ledger.Price) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.savePrice(ctx, s.db, p)
}

func (s *Store) savePrice(ctx context.Context, db dbtx, p ledger.Price) error {
	query := `
		INSERT INTO prices (id, unit_id, quote_unit_id, rate, as_of, sync_state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			unit_id = excluded.unit_id,
			quote_unit_id = excluded.quote_unit_id,
			rate = excluded.rate,
			as_of = excluded.as_of,
			sync_state = excluded.sync_state,
			updated_at = excluded.updated_at
	`
	_, err := db.ExecContext(ctx, query,
		p.ID, p.Unit, p.QuoteUnit, p.Rate.String(),
		p.AsOf.UTC().Format(time.RFC3339),
		p.SyncState, p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) ListPrices(ctx context.Context) ([]ledger.Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listPrices(ctx, s.db)
}

func (s *Store) listPrices(ctx context.Context, db dbtx) ([]ledger.Price, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, unit_id, quote_unit_id, rate, as_of, sync_state, updated_at FROM prices ORDER BY as_of ASC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prices []ledger.Price
	for rows.Next() {
		var p ledger.Price
		var rate, asOf, updatedAt string
		if err := rows.Scan(&p.ID, &p.Unit, &p.QuoteUnit, &rate, &asOf, &p.SyncState, &updatedAt); err != nil {
			return nil, err
		}
		p.Rate, _ = decimal.NewFromString(rate)
		p.AsOf, _ = time.Parse(time.RFC3339, asOf)
		p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		prices = append(prices, p)
	}
	return prices, rows.Err()
}

func (s *Store) DeletePrice(ctx context.Context, id ledger.PriceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM prices WHERE id = ?", id)
	return err
}

// =============================================================================
// SYNC STATE
// =============================================================================

var kindTables = map[ledger.EntityKind]string{
	ledger.KindAccount:     "accounts",
	ledger.KindTransaction: "transactions",
	ledger.KindTag:         "tags",
	ledger.KindUnit:        "units",
	ledger.KindPrice:       "prices",
}

// SetSyncState flips the sync column of one entity row. A missing row
// is a no-op: a queued delete resolves after its local row is gone.
func (s *Store) SetSyncState(ctx context.Context, ref ledger.EntityRef, state ledger.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setSyncState(ctx, s.db, ref, state)
}

func (s *Store) setSyncState(ctx context.Context, db dbtx, ref ledger.EntityRef, state ledger.SyncState) error {
	table, ok := kindTables[ref.Kind]
	if !ok {
		return fmt.Errorf("unknown entity kind %q", ref.Kind)
	}
	_, err := db.ExecContext(ctx,
		"UPDATE "+table+" SET sync_state = ? WHERE id = ?",
		state, ref.ID,
	)
	return err
}

func (s *Store) GetSyncState(ctx context.Context, ref ledger.EntityRef) (ledger.SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSyncState(ctx, s.db, ref)
}

func (s *Store) getSyncState(ctx context.Context, db dbtx, ref ledger.EntityRef) (ledger.SyncState, error) {
	table, ok := kindTables[ref.Kind]
	if !ok {
		return "", fmt.Errorf("unknown entity kind %q", ref.Kind)
	}

	var state ledger.SyncState
	err := db.QueryRowContext(ctx,
		"SELECT sync_state FROM "+table+" WHERE id = ?", ref.ID,
	).Scan(&state)

	if err == sql.ErrNoRows {
		return "", &ledger.NotFoundError{Ref: ref}
	}
	return state, err
}

// =============================================================================
// MUTATION QUEUE (sync.QueueStore interface)
// =============================================================================

func (s *Store) EnqueueRecord(ctx context.Context, rec sync.MutationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueRecord(ctx, s.db, rec)
}

func (s *Store) enqueueRecord(ctx context.Context, db dbtx, rec sync.MutationRecord) error {
	query := `
		INSERT INTO mutation_queue
		(id, op_type, entity_kind, entity_id, endpoint, method, payload,
		 created_at, retry_count, status, last_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		rec.ID, rec.Op, rec.EntityKind, rec.EntityID, rec.Endpoint, rec.Method,
		rec.Payload,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.RetryCount, rec.Status,
		nullTime(rec.LastAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue record: %w", err)
	}
	return nil
}

func (s *Store) UpdateRecord(ctx context.Context, rec sync.MutationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateRecord(ctx, s.db, rec)
}

func (s *Store) updateRecord(ctx context.Context, db dbtx, rec sync.MutationRecord) error {
	res, err := db.ExecContext(ctx,
		`UPDATE mutation_queue SET retry_count = ?, status = ?, last_attempt_at = ? WHERE id = ?`,
		rec.RetryCount, rec.Status, nullTime(rec.LastAttemptAt), rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteRecord(ctx, s.db, id)
}

func (s *Store) deleteRecord(ctx context.Context, db dbtx, id string) error {
	_, err := db.ExecContext(ctx, "DELETE FROM mutation_queue WHERE id = ?", id)
	return err
}

func (s *Store) GetRecord(ctx context.Context, id string) (*sync.MutationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRecord(ctx, s.db, id)
}

func (s *Store) getRecord(ctx context.Context, db dbtx, id string) (*sync.MutationRecord, error) {
	rows, err := db.QueryContext(ctx, recordColumns+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ledger.ErrNotFound
	}
	rec, err := scanRecord(rows)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

const recordColumns = `
	SELECT id, op_type, entity_kind, entity_id, endpoint, method, payload,
	       created_at, retry_count, status, last_attempt_at
	FROM mutation_queue`

func (s *Store) ListActiveRecords(ctx context.Context) ([]sync.MutationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listActiveRecords(ctx, s.db)
}

func (s *Store) listActiveRecords(ctx context.Context, db dbtx) ([]sync.MutationRecord, error) {
	// rowid is the tiebreak for same-instant inserts; dispatch order must
	// match enqueue order exactly.
	query := recordColumns + `
		WHERE status IN (?, ?)
		ORDER BY created_at ASC, rowid ASC`
	return s.queryRecords(ctx, db, query, sync.StatusPending, sync.StatusRetrying)
}

func (s *Store) ListRecordsByStatus(ctx context.Context, status sync.Status) ([]sync.MutationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listRecordsByStatus(ctx, s.db, status)
}

func (s *Store) listRecordsByStatus(ctx context.Context, db dbtx, status sync.Status) ([]sync.MutationRecord, error) {
	query := recordColumns + ` WHERE status = ? ORDER BY created_at ASC, rowid ASC`
	return s.queryRecords(ctx, db, query, status)
}

func (s *Store) queryRecords(ctx context.Context, db dbtx, query string, args ...any) ([]sync.MutationRecord, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []sync.MutationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanRecord(rows *sql.Rows) (sync.MutationRecord, error) {
	var rec sync.MutationRecord
	var createdAt string
	var lastAttemptAt sql.NullString

	err := rows.Scan(
		&rec.ID, &rec.Op, &rec.EntityKind, &rec.EntityID,
		&rec.Endpoint, &rec.Method, &rec.Payload,
		&createdAt, &rec.RetryCount, &rec.Status, &lastAttemptAt,
	)
	if err != nil {
		return rec, fmt.Errorf("failed to scan record: %w", err)
	}

	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if lastAttemptAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastAttemptAt.String)
		rec.LastAttemptAt = &t
	}
	return rec, nil
}

func (s *Store) CountRecords(ctx context.Context) (sync.QueueCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countRecords(ctx, s.db)
}

func (s *Store) countRecords(ctx context.Context, db dbtx) (sync.QueueCounts, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM mutation_queue GROUP BY status",
	)
	if err != nil {
		return sync.QueueCounts{}, err
	}
	defer rows.Close()

	var c sync.QueueCounts
	for rows.Next() {
		var status sync.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return sync.QueueCounts{}, err
		}
		switch status {
		case sync.StatusPending:
			c.Pending = n
		case sync.StatusRetrying:
			c.Retrying = n
		case sync.StatusFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

// =============================================================================
// TRANSACTIONAL BOUNDARY (sync.Storage interface)
// =============================================================================

// WithTx executes fn within one database transaction. The write lock is
// held for the whole callback, so the SQL transaction is the only writer.
func (s *Store) WithTx(ctx context.Context, fn func(sync.Storage) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	view := &txStore{tx: sqlTx, parent: s}
	if err := fn(view); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore routes every call through the open *sql.Tx. The outer write
// lock is already held; nothing here re-locks.
type txStore struct {
	tx     *sql.Tx
	parent *Store
}

var _ sync.Storage = (*txStore)(nil)

// Nested WithTx joins the outer transaction.
func (ts *txStore) WithTx(_ context.Context, fn func(sync.Storage) error) error {
	return fn(ts)
}

func (ts *txStore) SaveAccount(ctx context.Context, a ledger.Account) error {
	return ts.parent.saveAccount(ctx, ts.tx, a)
}

func (ts *txStore) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	return ts.parent.getAccount(ctx, ts.tx, id)
}

func (ts *txStore) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	return ts.parent.listAccounts(ctx, ts.tx)
}

func (ts *txStore) DeleteAccount(ctx context.Context, id ledger.AccountID) error {
	_, err := ts.tx.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	return err
}

func (ts *txStore) SaveTransaction(ctx context.Context, t ledger.Transaction) error {
	return ts.parent.saveTransaction(ctx, ts.tx, t)
}

func (ts *txStore) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	return ts.parent.getTransaction(ctx, ts.tx, id)
}

func (ts *txStore) ListTransactions(ctx context.Context) ([]ledger.Transaction, error) {
	return ts.parent.listTransactions(ctx, ts.tx)
}

func (ts *txStore) DeleteTransaction(ctx context.Context, id ledger.TransactionID) error {
	_, err := ts.tx.ExecContext(ctx, "DELETE FROM transactions WHERE id = ?", id)
	return err
}

func (ts *txStore) SaveUnit(ctx context.Context, u ledger.Unit) error {
	return ts.parent.saveUnit(ctx, ts.tx, u)
}

func (ts *txStore) GetUnit(ctx context.Context, id ledger.UnitID) (*ledger.Unit, error) {
	return ts.parent.getUnit(ctx, ts.tx, id)
}

func (ts *txStore) ListUnits(ctx context.Context) ([]ledger.Unit, error) {
	return ts.parent.listUnits(ctx, ts.tx)
}

func (ts *txStore) DeleteUnit(ctx context.Context, id ledger.UnitID) error {
	_, err := ts.tx.ExecContext(ctx, "DELETE FROM units WHERE id = ?", id)
	return err
}

func (ts *txStore) SaveTag(ctx context.Context, t ledger.Tag) error {
	return ts.parent.saveTag(ctx, ts.tx, t)
}

func (ts *txStore) ListTags(ctx context.Context) ([]ledger.Tag, error) {
	return ts.parent.listTags(ctx, ts.tx)
}

func (ts *txStore) DeleteTag(ctx context.Context, id ledger.TagID) error {
	_, err := ts.tx.ExecContext(ctx, "DELETE FROM tags WHERE id = ?", id)
	return err
}

func (ts *txStore) SavePrice(ctx context.Context, p ledger.Price) error {
	return ts.parent.savePrice(ctx, ts.tx, p)
}

func (ts *txStore) ListPrices(ctx context.Context) ([]ledger.Price, error) {
	return ts.parent.listPrices(ctx, ts.tx)
}

func (ts *txStore) DeletePrice(ctx context.Context, id ledger.PriceID) error {
	_, err := ts.tx.ExecContext(ctx, "DELETE FROM prices WHERE id = ?", id)
	return err
}

func (ts *txStore) SetSyncState(ctx context.Context, ref ledger.EntityRef, state ledger.SyncState) error {
	return ts.parent.setSyncState(ctx, ts.tx, ref, state)
}

func (ts *txStore) GetSyncState(ctx context.Context, ref ledger.EntityRef) (ledger.SyncState, error) {
	return ts.parent.getSyncState(ctx, ts.tx, ref)
}

func (ts *txStore) EnqueueRecord(ctx context.Context, rec sync.MutationRecord) error {
	return ts.parent.enqueueRecord(ctx, ts.tx, rec)
}

func (ts *txStore) UpdateRecord(ctx context.Context, rec sync.MutationRecord) error {
	return ts.parent.updateRecord(ctx, ts.tx, rec)
}

func (ts *txStore) DeleteRecord(ctx context.Context, id string) error {
	return ts.parent.deleteRecord(ctx, ts.tx, id)
}

func (ts *txStore) GetRecord(ctx context.Context, id string) (*sync.MutationRecord, error) {
	return ts.parent.getRecord(ctx, ts.tx, id)
}

func (ts *txStore) ListActiveRecords(ctx context.Context) ([]sync.MutationRecord, error) {
	return ts.parent.listActiveRecords(ctx, ts.tx)
}

func (ts *txStore) ListRecordsByStatus(ctx context.Context, status sync.Status) ([]sync.MutationRecord, error) {
	return ts.parent.listRecordsByStatus(ctx, ts.tx, status)
}

func (ts *txStore) CountRecords(ctx context.Context) (sync.QueueCounts, error) {
	return ts.parent.countRecords(ctx, ts.tx)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"mutation_queue", "postings", "transactions", "prices", "tags", "units", "accounts"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}
