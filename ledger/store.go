/*
store.go - Persistence interfaces for the ledger

PURPOSE:
  Defines the boundary between ledger logic and the document store that
  backs it. The ledger never assumes a vendor: anything offering atomic
  read-modify-write with conflict detection can implement Store (an
  in-memory optimistic store, SQLite, PostgreSQL SERIALIZABLE).

KEY INTERFACES:
  Store: RunAtomic plus a few non-transactional queries (sweeper, audit)
  Tx:    The document operations available inside one atomic block

ATOMICITY CONTRACT:
  RunAtomic executes fn against a consistent view. If fn returns an error
  nothing it wrote is visible. If a concurrent commit touched a document fn
  read, RunAtomic returns ErrConcurrentModification and the caller may
  retry the whole block. fn must not perform external calls.

PATCHES:
  Partial updates are explicit field-level patches. A patch names the state
  it expects to find (From) so the precondition is visible at the write
  site and enforced again by the store.

SEE ALSO:
  - store/memory.go: In-memory implementation
  - ../store/sqlite: SQLite implementation
  - ../store/postgres: PostgreSQL implementation
*/
package ledger

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

// Store is the document store backing the ledger.
type Store interface {
	// RunAtomic executes fn inside one atomic transaction.
	RunAtomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// ListExpiredHolds returns held transactions with HoldExpiresAt <= now,
	// oldest first, at most limit.
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]HoldRef, error)

	// ListEvents returns a transaction's events in commit order.
	ListEvents(ctx context.Context, businessID, txID string) ([]TxEvent, error)

	// ListStaleDispatchRequests returns ids of pending requests with ExpiresAt <= now.
	ListStaleDispatchRequests(ctx context.Context, now time.Time, limit int) ([]string, error)

	// PurgeIdempotency deletes at most limit records with ExpiresAt <= now.
	PurgeIdempotency(ctx context.Context, now time.Time, limit int) (int, error)
}

// Tx is the set of document operations available inside RunAtomic.
// Getters return ErrNotFound for absent documents.
type Tx interface {
	GetTransaction(ctx context.Context, businessID, txID string) (Transaction, error)
	CreateTransaction(ctx context.Context, t Transaction) error
	PatchTransaction(ctx context.Context, businessID, txID string, p TransactionPatch) error
	ConfirmationCodeExists(ctx context.Context, businessID, code string) (bool, error)
	AppendEvent(ctx context.Context, businessID, txID string, ev TxEvent) error

	GetLock(ctx context.Context, businessID, key string) (ResourceLock, error)
	PutLock(ctx context.Context, lock ResourceLock) error
	DeleteLock(ctx context.Context, businessID, key string) error

	GetIdempotency(ctx context.Context, key string) (IdempotencyRecord, error)
	PutIdempotency(ctx context.Context, rec IdempotencyRecord) error

	GetDispatchRequest(ctx context.Context, id string) (DispatchRequest, error)
	CreateDispatchRequest(ctx context.Context, r DispatchRequest) error
	PatchDispatchRequest(ctx context.Context, id string, p DispatchPatch) error

	GetResponder(ctx context.Context, id string) (Responder, error)
	PutResponder(ctx context.Context, r Responder) error
}

// =============================================================================
// PATCHES - Explicit partial updates
// =============================================================================

// TransactionPatch moves a transaction from one state to another.
type TransactionPatch struct {
	From             State
	To               State
	HoldExpiresAt    *time.Time // set when entering held; cleared otherwise
	ResourceKey      string     // set when a draft is promoted to held
	LockKey          string
	ConfirmationCode string // set when entering confirmed
	CancelReason     string
	UpdatedAt        time.Time
}

// Apply returns t with the patch applied. It fails if t is not in p.From,
// the transition is not allowed, or the result breaks an invariant.
func (p TransactionPatch) Apply(t Transaction) (Transaction, error) {
	if t.State != p.From {
		return Transaction{}, fmt.Errorf("%w: expected %s, found %s", ErrConcurrentModification, p.From, t.State)
	}
	if !CanTransition(p.From, p.To) {
		return Transaction{}, fmt.Errorf("%w: %s -> %s", ErrWrongState, p.From, p.To)
	}
	out := t.Clone()
	out.State = p.To
	out.HoldExpiresAt = nil
	if p.To == StateHeld && p.HoldExpiresAt != nil {
		exp := *p.HoldExpiresAt
		out.HoldExpiresAt = &exp
	}
	if p.To == StateHeld && p.ResourceKey != "" {
		out.ResourceKey = p.ResourceKey
		out.LockKey = p.LockKey
	}
	out.ConfirmationCode = ""
	if p.To == StateConfirmed {
		out.ConfirmationCode = p.ConfirmationCode
	}
	if p.CancelReason != "" {
		out.CancelReason = p.CancelReason
	}
	out.UpdatedAt = p.UpdatedAt
	if err := out.CheckInvariants(); err != nil {
		return Transaction{}, err
	}
	return out, nil
}

// DispatchPatch moves a dispatch request out of pending.
type DispatchPatch struct {
	From                DispatchStatus
	To                  DispatchStatus
	AssignedResponderID string
	UpdatedAt           time.Time
}

func (p DispatchPatch) Apply(r DispatchRequest) (DispatchRequest, error) {
	if r.Status != p.From {
		return DispatchRequest{}, fmt.Errorf("%w: expected %s, found %s", ErrConcurrentModification, p.From, r.Status)
	}
	if p.From != DispatchPending || (p.To != DispatchAssigned && p.To != DispatchExpired) {
		return DispatchRequest{}, fmt.Errorf("%w: %s -> %s", ErrWrongState, p.From, p.To)
	}
	out := r.Clone()
	out.Status = p.To
	out.AssignedResponderID = ""
	if p.To == DispatchAssigned {
		out.AssignedResponderID = p.AssignedResponderID
	}
	out.UpdatedAt = p.UpdatedAt
	if err := out.CheckInvariants(); err != nil {
		return DispatchRequest{}, err
	}
	return out, nil
}

// =============================================================================
// PERSISTED LAYOUT - Tenant-scoped document paths
// =============================================================================

func TransactionPath(businessID, txID string) string {
	return "tenants/" + escape(businessID) + "/transactions/" + escape(txID)
}

func EventPath(businessID, txID, eventID string) string {
	return TransactionPath(businessID, txID) + "/events/" + escape(eventID)
}

func LockPath(businessID, lockKey string) string {
	return "tenants/" + escape(businessID) + "/resourceLocks/" + escape(lockKey)
}

func IdempotencyPath(key string) string {
	return "idempotency/" + escape(key)
}

func DispatchPath(requestID string) string {
	return "dispatchRequests/" + escape(requestID)
}

func ResponderPath(responderID string) string {
	return "responders/" + escape(responderID)
}

func escape(segment string) string {
	return url.PathEscape(segment)
}
