/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists transactions, events, resource locks, idempotency records,
  dispatch requests and responder records in one SQLite database. This is
  the default store for single-node deployments.

KEY TABLES:
  transactions:         Reservation records, keyed (business_id, id)
  tx_events:            Append-only event history (seq gives commit order)
  resource_locks:       One row per (business_id, lock_key)
  idempotency_records:  Cached operation outcomes
  dispatch_requests:    First-reply-wins requests
  responders:           Responder availability

INDEXES:
  - idx_transactions_confirmation_code: Tenant-unique confirmation codes
  - idx_transactions_held_expiry: Sweeper scan (hot path)
  - idx_idempotency_expires_at: Retention purge

CONCURRENCY:
  RunAtomic opens an IMMEDIATE transaction, so writers serialize on the
  database write lock. SQLITE_BUSY / SQLITE_LOCKED surface as
  ledger.ErrConcurrentModification and are retried by the ledger. For
  ":memory:" the pool is pinned to one connection so every caller sees the
  same database.

TIME FORMAT:
  Timestamps are stored as fixed-width UTC text (nanosecond precision), so
  string comparison in SQL matches time ordering.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres: Multi-node implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/execution-ledger/ledger"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
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

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transactions (
		business_id TEXT NOT NULL,
		id TEXT NOT NULL,
		state TEXT NOT NULL,
		line_items_json TEXT NOT NULL,
		actor_json TEXT NOT NULL,
		resource_key TEXT,
		lock_key TEXT,
		hold_expires_at TEXT,
		confirmation_code TEXT,
		cancel_reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (business_id, id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_confirmation_code
		ON transactions(business_id, confirmation_code) WHERE confirmation_code IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_transactions_held_expiry
		ON transactions(hold_expires_at) WHERE state = 'held';

	CREATE TABLE IF NOT EXISTS tx_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		business_id TEXT NOT NULL,
		tx_id TEXT NOT NULL,
		id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		data_json TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (business_id, tx_id, id),
		FOREIGN KEY (business_id, tx_id) REFERENCES transactions(business_id, id)
	);

	CREATE TABLE IF NOT EXISTS resource_locks (
		business_id TEXT NOT NULL,
		lock_key TEXT NOT NULL,
		resource_key TEXT NOT NULL,
		transaction_id TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (business_id, lock_key)
	);

	CREATE TABLE IF NOT EXISTS idempotency_records (
		key TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		result BLOB NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_idempotency_expires_at ON idempotency_records(expires_at);

	CREATE TABLE IF NOT EXISTS dispatch_requests (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		assigned_responder_id TEXT,
		broadcast_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		expires_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_dispatch_pending_expiry
		ON dispatch_requests(expires_at) WHERE status = 'pending';

	CREATE TABLE IF NOT EXISTS responders (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		current_request_id TEXT,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ATOMIC BLOCKS
// =============================================================================

// RunAtomic executes fn within one database transaction.
func (s *Store) RunAtomic(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer sqlTx.Rollback()

	if err := fn(ctx, &txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", mapError(err))
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const transactionColumns = `business_id, id, state, line_items_json, actor_json, resource_key, lock_key,
	hold_expires_at, confirmation_code, cancel_reason, created_at, updated_at`

func (ts *txStore) GetTransaction(ctx context.Context, businessID, txID string) (ledger.Transaction, error) {
	row := ts.tx.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE business_id = ? AND id = ?`,
		businessID, txID)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, fmt.Errorf("transaction %s: %w", txID, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.Transaction{}, mapError(err)
	}
	return t, nil
}

func (ts *txStore) CreateTransaction(ctx context.Context, t ledger.Transaction) error {
	if err := t.CheckInvariants(); err != nil {
		return err
	}
	lineItems, actor, err := encodeTransaction(t)
	if err != nil {
		return err
	}
	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.BusinessID, t.ID, string(t.State), lineItems, actor,
		nullString(t.ResourceKey), nullString(t.LockKey), nullTime(t.HoldExpiresAt),
		nullString(t.ConfirmationCode), nullString(t.CancelReason),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction %s: %w", t.ID, mapError(err))
	}
	return nil
}

func (ts *txStore) PatchTransaction(ctx context.Context, businessID, txID string, p ledger.TransactionPatch) error {
	cur, err := ts.GetTransaction(ctx, businessID, txID)
	if err != nil {
		return err
	}
	next, err := p.Apply(cur)
	if err != nil {
		return err
	}
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE transactions
		SET state = ?, resource_key = ?, lock_key = ?, hold_expires_at = ?,
		    confirmation_code = ?, cancel_reason = ?, updated_at = ?
		WHERE business_id = ? AND id = ? AND state = ?`,
		string(next.State), nullString(next.ResourceKey), nullString(next.LockKey), nullTime(next.HoldExpiresAt),
		nullString(next.ConfirmationCode), nullString(next.CancelReason), formatTime(next.UpdatedAt),
		businessID, txID, string(p.From),
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction %s: %w", txID, mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: transaction %s left %s", ledger.ErrConcurrentModification, txID, p.From)
	}
	return nil
}

func (ts *txStore) ConfirmationCodeExists(ctx context.Context, businessID, code string) (bool, error) {
	var one int
	err := ts.tx.QueryRowContext(ctx,
		`SELECT 1 FROM transactions WHERE business_id = ? AND confirmation_code = ? LIMIT 1`,
		businessID, code).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapError(err)
	}
	return true, nil
}

func (ts *txStore) AppendEvent(ctx context.Context, businessID, txID string, ev ledger.TxEvent) error {
	if _, err := ts.GetTransaction(ctx, businessID, txID); err != nil {
		return err
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}
	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO tx_events (business_id, tx_id, id, event_type, data_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		businessID, txID, ev.ID, string(ev.Type), string(data), formatTime(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append event %s: %w", ev.ID, mapError(err))
	}
	return nil
}

// =============================================================================
// LOCKS
// =============================================================================

func (ts *txStore) GetLock(ctx context.Context, businessID, key string) (ledger.ResourceLock, error) {
	var (
		lock                 ledger.ResourceLock
		expiresAt, createdAt string
	)
	err := ts.tx.QueryRowContext(ctx, `
		SELECT business_id, lock_key, resource_key, transaction_id, expires_at, created_at
		FROM resource_locks WHERE business_id = ? AND lock_key = ?`,
		businessID, key,
	).Scan(&lock.BusinessID, &lock.Key, &lock.ResourceKey, &lock.TransactionID, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ResourceLock{}, fmt.Errorf("lock %s: %w", key, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.ResourceLock{}, mapError(err)
	}
	if lock.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return ledger.ResourceLock{}, err
	}
	if lock.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.ResourceLock{}, err
	}
	return lock, nil
}

func (ts *txStore) PutLock(ctx context.Context, lock ledger.ResourceLock) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO resource_locks (business_id, lock_key, resource_key, transaction_id, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (business_id, lock_key) DO UPDATE SET
			resource_key = excluded.resource_key,
			transaction_id = excluded.transaction_id,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at`,
		lock.BusinessID, lock.Key, lock.ResourceKey, lock.TransactionID,
		formatTime(lock.ExpiresAt), formatTime(lock.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to write lock %s: %w", lock.Key, mapError(err))
	}
	return nil
}

func (ts *txStore) DeleteLock(ctx context.Context, businessID, key string) error {
	_, err := ts.tx.ExecContext(ctx,
		`DELETE FROM resource_locks WHERE business_id = ? AND lock_key = ?`, businessID, key)
	if err != nil {
		return fmt.Errorf("failed to delete lock %s: %w", key, mapError(err))
	}
	return nil
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func (ts *txStore) GetIdempotency(ctx context.Context, key string) (ledger.IdempotencyRecord, error) {
	var (
		rec                  ledger.IdempotencyRecord
		createdAt, expiresAt string
	)
	err := ts.tx.QueryRowContext(ctx, `
		SELECT key, scope, result, created_at, expires_at
		FROM idempotency_records WHERE key = ?`, key,
	).Scan(&rec.Key, &rec.Scope, &rec.Result, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.IdempotencyRecord{}, fmt.Errorf("idempotency %s: %w", key, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.IdempotencyRecord{}, mapError(err)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.IdempotencyRecord{}, err
	}
	if rec.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return ledger.IdempotencyRecord{}, err
	}
	return rec, nil
}

func (ts *txStore) PutIdempotency(ctx context.Context, rec ledger.IdempotencyRecord) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, scope, result, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			scope = excluded.scope,
			result = excluded.result,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		rec.Key, rec.Scope, rec.Result, formatTime(rec.CreatedAt), formatTime(rec.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to write idempotency record: %w", mapError(err))
	}
	return nil
}

// =============================================================================
// DISPATCH
// =============================================================================

func (ts *txStore) GetDispatchRequest(ctx context.Context, id string) (ledger.DispatchRequest, error) {
	var (
		r                    ledger.DispatchRequest
		status               string
		assigned             sql.NullString
		broadcast            string
		createdAt, updatedAt string
		expiresAt            sql.NullString
	)
	err := ts.tx.QueryRowContext(ctx, `
		SELECT id, status, assigned_responder_id, broadcast_json, created_at, updated_at, expires_at
		FROM dispatch_requests WHERE id = ?`, id,
	).Scan(&r.ID, &status, &assigned, &broadcast, &createdAt, &updatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.DispatchRequest{}, fmt.Errorf("dispatch request %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.DispatchRequest{}, mapError(err)
	}
	r.Status = ledger.DispatchStatus(status)
	r.AssignedResponderID = assigned.String
	if err := json.Unmarshal([]byte(broadcast), &r.BroadcastSentTo); err != nil {
		return ledger.DispatchRequest{}, fmt.Errorf("failed to decode broadcast list: %w", err)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.DispatchRequest{}, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ledger.DispatchRequest{}, err
	}
	if r.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return ledger.DispatchRequest{}, err
	}
	return r, nil
}

func (ts *txStore) CreateDispatchRequest(ctx context.Context, r ledger.DispatchRequest) error {
	if err := r.CheckInvariants(); err != nil {
		return err
	}
	broadcast, err := json.Marshal(r.BroadcastSentTo)
	if err != nil {
		return fmt.Errorf("failed to encode broadcast list: %w", err)
	}
	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO dispatch_requests (id, status, assigned_responder_id, broadcast_json, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Status), nullString(r.AssignedResponderID), string(broadcast),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt), nullTime(r.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert dispatch request %s: %w", r.ID, mapError(err))
	}
	return nil
}

func (ts *txStore) PatchDispatchRequest(ctx context.Context, id string, p ledger.DispatchPatch) error {
	cur, err := ts.GetDispatchRequest(ctx, id)
	if err != nil {
		return err
	}
	next, err := p.Apply(cur)
	if err != nil {
		return err
	}
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE dispatch_requests SET status = ?, assigned_responder_id = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(next.Status), nullString(next.AssignedResponderID), formatTime(next.UpdatedAt),
		id, string(p.From),
	)
	if err != nil {
		return fmt.Errorf("failed to update dispatch request %s: %w", id, mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: dispatch request %s left %s", ledger.ErrConcurrentModification, id, p.From)
	}
	return nil
}

func (ts *txStore) GetResponder(ctx context.Context, id string) (ledger.Responder, error) {
	var (
		r         ledger.Responder
		status    string
		current   sql.NullString
		updatedAt string
	)
	err := ts.tx.QueryRowContext(ctx,
		`SELECT id, status, current_request_id, updated_at FROM responders WHERE id = ?`, id,
	).Scan(&r.ID, &status, &current, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Responder{}, fmt.Errorf("responder %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.Responder{}, mapError(err)
	}
	r.Status = ledger.ResponderStatus(status)
	r.CurrentRequestID = current.String
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ledger.Responder{}, err
	}
	return r, nil
}

func (ts *txStore) PutResponder(ctx context.Context, r ledger.Responder) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO responders (id, status, current_request_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			current_request_id = excluded.current_request_id,
			updated_at = excluded.updated_at`,
		r.ID, string(r.Status), nullString(r.CurrentRequestID), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to write responder %s: %w", r.ID, mapError(err))
	}
	return nil
}

// =============================================================================
// QUERIES - Outside any atomic block
// =============================================================================

// ListExpiredHolds returns lapsed holds, oldest first.
func (s *Store) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]ledger.HoldRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT business_id, id, hold_expires_at FROM transactions
		WHERE state = 'held' AND hold_expires_at <= ?
		ORDER BY hold_expires_at ASC
		LIMIT ?`, formatTime(now), limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query expired holds: %w", mapError(err))
	}
	defer rows.Close()

	var refs []ledger.HoldRef
	for rows.Next() {
		var ref ledger.HoldRef
		var exp string
		if err := rows.Scan(&ref.BusinessID, &ref.TransactionID, &exp); err != nil {
			return nil, fmt.Errorf("failed to scan hold: %w", err)
		}
		if ref.HoldExpiresAt, err = parseTime(exp); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// ListEvents returns a transaction's events in commit order.
func (s *Store) ListEvents(ctx context.Context, businessID, txID string) ([]ledger.TxEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, data_json, created_at FROM tx_events
		WHERE business_id = ? AND tx_id = ?
		ORDER BY seq ASC`, businessID, txID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", mapError(err))
	}
	defer rows.Close()

	var events []ledger.TxEvent
	for rows.Next() {
		var (
			ev        ledger.TxEvent
			evType    string
			data      sql.NullString
			createdAt string
		)
		if err := rows.Scan(&ev.ID, &evType, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Type = ledger.EventType(evType)
		if data.Valid && data.String != "" && data.String != "null" {
			if err := json.Unmarshal([]byte(data.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		if ev.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) ListStaleDispatchRequests(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM dispatch_requests
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at ASC
		LIMIT ?`, formatTime(now), limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query stale dispatch requests: %w", mapError(err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan dispatch request: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) PurgeIdempotency(ctx context.Context, now time.Time, limit int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_records WHERE key IN (
			SELECT key FROM idempotency_records WHERE expires_at <= ?
			ORDER BY expires_at ASC LIMIT ?
		)`, formatTime(now), limitOrAll(limit))
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency records: %w", mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// =============================================================================
// ENCODING
// =============================================================================

func scanTransaction(row scanner) (ledger.Transaction, error) {
	var (
		t                                        ledger.Transaction
		state, lineItems, actor                  string
		resourceKey, lockKey, code, cancelReason sql.NullString
		holdExpiresAt                            sql.NullString
		createdAt, updatedAt                     string
	)
	err := row.Scan(
		&t.BusinessID, &t.ID, &state, &lineItems, &actor, &resourceKey, &lockKey,
		&holdExpiresAt, &code, &cancelReason, &createdAt, &updatedAt,
	)
	if err != nil {
		return t, err
	}
	t.State = ledger.State(state)
	if err := json.Unmarshal([]byte(lineItems), &t.LineItems); err != nil {
		return t, fmt.Errorf("failed to decode line items: %w", err)
	}
	if err := json.Unmarshal([]byte(actor), &t.Actor); err != nil {
		return t, fmt.Errorf("failed to decode actor: %w", err)
	}
	t.ResourceKey = resourceKey.String
	t.LockKey = lockKey.String
	t.ConfirmationCode = code.String
	t.CancelReason = cancelReason.String
	if t.HoldExpiresAt, err = parseNullTime(holdExpiresAt); err != nil {
		return t, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return t, err
	}
	return t, nil
}

func encodeTransaction(t ledger.Transaction) (lineItems, actor string, err error) {
	li, err := json.Marshal(t.LineItems)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode line items: %w", err)
	}
	a, err := json.Marshal(t.Actor)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode actor: %w", err)
	}
	return string(li), string(a), nil
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// limitOrAll turns a non-positive limit into SQLite's "no limit".
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// mapError translates driver errors into ledger sentinels.
func mapError(err error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return fmt.Errorf("%w: %v", ledger.ErrConcurrentModification, err)
	case sqlite3.ErrConstraint:
		if se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("%w: %v", ledger.ErrAlreadyExists, err)
		}
	}
	return err
}
