/*
Package postgres provides a PostgreSQL-backed implementation of ledger.Store.

PURPOSE:
  Multi-node deployments share one PostgreSQL database. Every atomic block
  runs at SERIALIZABLE isolation, so two instances racing on the same lock
  row or transaction row cannot both commit: PostgreSQL aborts one with
  SQLSTATE 40001, which surfaces as ledger.ErrConcurrentModification and is
  retried by the ledger.

ERROR MAPPING:
  40001 serialization_failure -> ledger.ErrConcurrentModification
  40P01 deadlock_detected     -> ledger.ErrConcurrentModification
  23505 unique_violation      -> ledger.ErrAlreadyExists

PRECISION:
  TIMESTAMPTZ keeps microseconds. Stored times are truncated accordingly.

SEE ALSO:
  - schema.sql: Tables and constraints (embedded, applied by EnsureSchema)
  - ../sqlite: Single-node implementation
*/
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/execution-ledger/ledger"
)

// schemaSQL is embedded so the service can bootstrap its own tables.
//
//go:embed schema.sql
var schemaSQL string

type Store struct {
	pool *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

// New creates a connection pool and fails fast if the database is unreachable.
func New(ctx context.Context, dbURL string) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

// =============================================================================
// ATOMIC BLOCKS
// =============================================================================

func (s *Store) RunAtomic(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", mapError(err))
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const transactionColumns = `business_id, id, state, line_items, actor, resource_key, lock_key,
	hold_expires_at, confirmation_code, cancel_reason, created_at, updated_at`

func (p *pgTx) GetTransaction(ctx context.Context, businessID, txID string) (ledger.Transaction, error) {
	var (
		t                                        ledger.Transaction
		state                                    string
		lineItems, actor                         []byte
		resourceKey, lockKey, code, cancelReason *string
	)
	err := p.tx.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM ledger_transactions WHERE business_id = $1 AND id = $2`,
		businessID, txID,
	).Scan(&t.BusinessID, &t.ID, &state, &lineItems, &actor, &resourceKey, &lockKey,
		&t.HoldExpiresAt, &code, &cancelReason, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, fmt.Errorf("transaction %s: %w", txID, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.Transaction{}, mapError(err)
	}
	t.State = ledger.State(state)
	if err := json.Unmarshal(lineItems, &t.LineItems); err != nil {
		return ledger.Transaction{}, fmt.Errorf("failed to decode line items: %w", err)
	}
	if err := json.Unmarshal(actor, &t.Actor); err != nil {
		return ledger.Transaction{}, fmt.Errorf("failed to decode actor: %w", err)
	}
	t.ResourceKey = deref(resourceKey)
	t.LockKey = deref(lockKey)
	t.ConfirmationCode = deref(code)
	t.CancelReason = deref(cancelReason)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if t.HoldExpiresAt != nil {
		exp := t.HoldExpiresAt.UTC()
		t.HoldExpiresAt = &exp
	}
	return t, nil
}

func (p *pgTx) CreateTransaction(ctx context.Context, t ledger.Transaction) error {
	if err := t.CheckInvariants(); err != nil {
		return err
	}
	lineItems, err := json.Marshal(t.LineItems)
	if err != nil {
		return fmt.Errorf("failed to encode line items: %w", err)
	}
	actor, err := json.Marshal(t.Actor)
	if err != nil {
		return fmt.Errorf("failed to encode actor: %w", err)
	}
	_, err = p.tx.Exec(ctx, `
		INSERT INTO ledger_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.BusinessID, t.ID, string(t.State), lineItems, actor,
		nullable(t.ResourceKey), nullable(t.LockKey), t.HoldExpiresAt,
		nullable(t.ConfirmationCode), nullable(t.CancelReason), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction %s: %w", t.ID, mapError(err))
	}
	return nil
}

func (p *pgTx) PatchTransaction(ctx context.Context, businessID, txID string, patch ledger.TransactionPatch) error {
	cur, err := p.GetTransaction(ctx, businessID, txID)
	if err != nil {
		return err
	}
	next, err := patch.Apply(cur)
	if err != nil {
		return err
	}
	tag, err := p.tx.Exec(ctx, `
		UPDATE ledger_transactions
		SET state = $1, resource_key = $2, lock_key = $3, hold_expires_at = $4,
		    confirmation_code = $5, cancel_reason = $6, updated_at = $7
		WHERE business_id = $8 AND id = $9 AND state = $10`,
		string(next.State), nullable(next.ResourceKey), nullable(next.LockKey), next.HoldExpiresAt,
		nullable(next.ConfirmationCode), nullable(next.CancelReason), next.UpdatedAt,
		businessID, txID, string(patch.From),
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction %s: %w", txID, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s left %s", ledger.ErrConcurrentModification, txID, patch.From)
	}
	return nil
}

func (p *pgTx) ConfirmationCodeExists(ctx context.Context, businessID, code string) (bool, error) {
	var exists bool
	err := p.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_transactions WHERE business_id = $1 AND confirmation_code = $2)`,
		businessID, code,
	).Scan(&exists)
	if err != nil {
		return false, mapError(err)
	}
	return exists, nil
}

func (p *pgTx) AppendEvent(ctx context.Context, businessID, txID string, ev ledger.TxEvent) error {
	if _, err := p.GetTransaction(ctx, businessID, txID); err != nil {
		return err
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}
	_, err = p.tx.Exec(ctx, `
		INSERT INTO ledger_tx_events (business_id, tx_id, id, event_type, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		businessID, txID, ev.ID, string(ev.Type), data, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append event %s: %w", ev.ID, mapError(err))
	}
	return nil
}

// =============================================================================
// LOCKS
// =============================================================================

func (p *pgTx) GetLock(ctx context.Context, businessID, key string) (ledger.ResourceLock, error) {
	var lock ledger.ResourceLock
	err := p.tx.QueryRow(ctx, `
		SELECT business_id, lock_key, resource_key, transaction_id, expires_at, created_at
		FROM ledger_resource_locks WHERE business_id = $1 AND lock_key = $2`,
		businessID, key,
	).Scan(&lock.BusinessID, &lock.Key, &lock.ResourceKey, &lock.TransactionID, &lock.ExpiresAt, &lock.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ResourceLock{}, fmt.Errorf("lock %s: %w", key, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.ResourceLock{}, mapError(err)
	}
	lock.ExpiresAt = lock.ExpiresAt.UTC()
	lock.CreatedAt = lock.CreatedAt.UTC()
	return lock, nil
}

func (p *pgTx) PutLock(ctx context.Context, lock ledger.ResourceLock) error {
	_, err := p.tx.Exec(ctx, `
		INSERT INTO ledger_resource_locks (business_id, lock_key, resource_key, transaction_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (business_id, lock_key) DO UPDATE SET
			resource_key = EXCLUDED.resource_key,
			transaction_id = EXCLUDED.transaction_id,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at`,
		lock.BusinessID, lock.Key, lock.ResourceKey, lock.TransactionID, lock.ExpiresAt, lock.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to write lock %s: %w", lock.Key, mapError(err))
	}
	return nil
}

func (p *pgTx) DeleteLock(ctx context.Context, businessID, key string) error {
	_, err := p.tx.Exec(ctx,
		`DELETE FROM ledger_resource_locks WHERE business_id = $1 AND lock_key = $2`, businessID, key)
	if err != nil {
		return fmt.Errorf("failed to delete lock %s: %w", key, mapError(err))
	}
	return nil
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func (p *pgTx) GetIdempotency(ctx context.Context, key string) (ledger.IdempotencyRecord, error) {
	var rec ledger.IdempotencyRecord
	err := p.tx.QueryRow(ctx, `
		SELECT key, scope, result, created_at, expires_at
		FROM ledger_idempotency_records WHERE key = $1`, key,
	).Scan(&rec.Key, &rec.Scope, &rec.Result, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.IdempotencyRecord{}, fmt.Errorf("idempotency %s: %w", key, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.IdempotencyRecord{}, mapError(err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return rec, nil
}

func (p *pgTx) PutIdempotency(ctx context.Context, rec ledger.IdempotencyRecord) error {
	_, err := p.tx.Exec(ctx, `
		INSERT INTO ledger_idempotency_records (key, scope, result, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			scope = EXCLUDED.scope,
			result = EXCLUDED.result,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at`,
		rec.Key, rec.Scope, rec.Result, rec.CreatedAt, rec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to write idempotency record: %w", mapError(err))
	}
	return nil
}

// =============================================================================
// DISPATCH
// =============================================================================

func (p *pgTx) GetDispatchRequest(ctx context.Context, id string) (ledger.DispatchRequest, error) {
	var (
		r         ledger.DispatchRequest
		status    string
		assigned  *string
		broadcast []byte
	)
	err := p.tx.QueryRow(ctx, `
		SELECT id, status, assigned_responder_id, broadcast_sent_to, created_at, updated_at, expires_at
		FROM ledger_dispatch_requests WHERE id = $1`, id,
	).Scan(&r.ID, &status, &assigned, &broadcast, &r.CreatedAt, &r.UpdatedAt, &r.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.DispatchRequest{}, fmt.Errorf("dispatch request %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.DispatchRequest{}, mapError(err)
	}
	r.Status = ledger.DispatchStatus(status)
	r.AssignedResponderID = deref(assigned)
	if err := json.Unmarshal(broadcast, &r.BroadcastSentTo); err != nil {
		return ledger.DispatchRequest{}, fmt.Errorf("failed to decode broadcast list: %w", err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if r.ExpiresAt != nil {
		exp := r.ExpiresAt.UTC()
		r.ExpiresAt = &exp
	}
	return r, nil
}

func (p *pgTx) CreateDispatchRequest(ctx context.Context, r ledger.DispatchRequest) error {
	if err := r.CheckInvariants(); err != nil {
		return err
	}
	broadcast, err := json.Marshal(r.BroadcastSentTo)
	if err != nil {
		return fmt.Errorf("failed to encode broadcast list: %w", err)
	}
	_, err = p.tx.Exec(ctx, `
		INSERT INTO ledger_dispatch_requests
			(id, status, assigned_responder_id, broadcast_sent_to, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, string(r.Status), nullable(r.AssignedResponderID), broadcast, r.CreatedAt, r.UpdatedAt, r.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dispatch request %s: %w", r.ID, mapError(err))
	}
	return nil
}

func (p *pgTx) PatchDispatchRequest(ctx context.Context, id string, patch ledger.DispatchPatch) error {
	cur, err := p.GetDispatchRequest(ctx, id)
	if err != nil {
		return err
	}
	next, err := patch.Apply(cur)
	if err != nil {
		return err
	}
	tag, err := p.tx.Exec(ctx, `
		UPDATE ledger_dispatch_requests SET status = $1, assigned_responder_id = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(next.Status), nullable(next.AssignedResponderID), next.UpdatedAt, id, string(patch.From),
	)
	if err != nil {
		return fmt.Errorf("failed to update dispatch request %s: %w", id, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: dispatch request %s left %s", ledger.ErrConcurrentModification, id, patch.From)
	}
	return nil
}

func (p *pgTx) GetResponder(ctx context.Context, id string) (ledger.Responder, error) {
	var (
		r       ledger.Responder
		status  string
		current *string
	)
	err := p.tx.QueryRow(ctx,
		`SELECT id, status, current_request_id, updated_at FROM ledger_responders WHERE id = $1`, id,
	).Scan(&r.ID, &status, &current, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Responder{}, fmt.Errorf("responder %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return ledger.Responder{}, mapError(err)
	}
	r.Status = ledger.ResponderStatus(status)
	r.CurrentRequestID = deref(current)
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func (p *pgTx) PutResponder(ctx context.Context, r ledger.Responder) error {
	_, err := p.tx.Exec(ctx, `
		INSERT INTO ledger_responders (id, status, current_request_id, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_request_id = EXCLUDED.current_request_id,
			updated_at = EXCLUDED.updated_at`,
		r.ID, string(r.Status), nullable(r.CurrentRequestID), r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to write responder %s: %w", r.ID, mapError(err))
	}
	return nil
}

// =============================================================================
// QUERIES - Outside any atomic block
// =============================================================================

func (s *Store) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]ledger.HoldRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT business_id, id, hold_expires_at FROM ledger_transactions
		WHERE state = 'held' AND hold_expires_at <= $1
		ORDER BY hold_expires_at ASC
		LIMIT $2`, now, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query expired holds: %w", mapError(err))
	}
	defer rows.Close()

	var refs []ledger.HoldRef
	for rows.Next() {
		var ref ledger.HoldRef
		if err := rows.Scan(&ref.BusinessID, &ref.TransactionID, &ref.HoldExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan hold: %w", err)
		}
		ref.HoldExpiresAt = ref.HoldExpiresAt.UTC()
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (s *Store) ListEvents(ctx context.Context, businessID, txID string) ([]ledger.TxEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_type, data, created_at FROM ledger_tx_events
		WHERE business_id = $1 AND tx_id = $2
		ORDER BY seq ASC`, businessID, txID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", mapError(err))
	}
	defer rows.Close()

	var events []ledger.TxEvent
	for rows.Next() {
		var (
			ev     ledger.TxEvent
			evType string
			data   []byte
		)
		if err := rows.Scan(&ev.ID, &evType, &data, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Type = ledger.EventType(evType)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &ev.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		ev.CreatedAt = ev.CreatedAt.UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) ListStaleDispatchRequests(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM ledger_dispatch_requests
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2`, now, limitArg(limit))
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
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM ledger_idempotency_records WHERE key IN (
			SELECT key FROM ledger_idempotency_records WHERE expires_at <= $1
			ORDER BY expires_at ASC LIMIT $2
		)`, now, limitArg(limit))
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency records: %w", mapError(err))
	}
	return int(tag.RowsAffected()), nil
}

// Helper functions

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// limitArg maps a non-positive limit to LIMIT NULL (no limit).
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return fmt.Errorf("%w: %v", ledger.ErrConcurrentModification, err)
	case "23505":
		return fmt.Errorf("%w: %v", ledger.ErrAlreadyExists, err)
	}
	return err
}
