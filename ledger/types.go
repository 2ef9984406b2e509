/*
Package ledger provides the execution ledger: the reservation engine that turns
a scarce, time-bound resource into a safely reservable unit.

PURPOSE:
  A caller (chat tool, HTTP controller, webhook) reserves a resource slot by
  creating a hold, then either confirms it, cancels it, or lets it expire.
  Every transition is one atomic read-modify-write against a document store,
  gated by an idempotency record and a per-resource lock.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: the reservation record and its state
  - TxEvent: append-only history of terminal transitions
  - ResourceLock: mutual-exclusion token for one resource/time slot
  - IdempotencyRecord: cached outcome of a keyed operation
  - DispatchRequest / Responder: first-reply-wins assignment

STATE MACHINE:
  draft -> held -> {confirmed | cancelled | expired}

  draft and held are the only non-terminal states. No transition re-enters
  draft or held once left.

INVARIANTS:
  - HoldExpiresAt is set if and only if State == held
  - ConfirmationCode is set if and only if State == confirmed
  - AssignedResponderID is set if and only if DispatchRequest.Status == assigned

SEE ALSO:
  - ledger.go: The state transitions
  - store.go: Persistence interfaces and patches
  - assignment.go: Dispatch assignment
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TRANSACTION STATE
// =============================================================================

type State string

const (
	StateDraft     State = "draft"
	StateHeld      State = "held"
	StateConfirmed State = "confirmed"
	StateCancelled State = "cancelled"
	StateExpired   State = "expired"
)

// IsTerminal reports whether no operation may leave this state.
func (s State) IsTerminal() bool {
	return s == StateConfirmed || s == StateCancelled || s == StateExpired
}

func (s State) Valid() bool {
	switch s {
	case StateDraft, StateHeld, StateConfirmed, StateCancelled, StateExpired:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	switch from {
	case StateDraft:
		return to == StateHeld
	case StateHeld:
		return to == StateConfirmed || to == StateCancelled || to == StateExpired
	}
	return false
}

// =============================================================================
// TRANSACTION - The reservation record
// =============================================================================

// LineItem is one offering being reserved.
type LineItem struct {
	OfferingID   string          `json:"offeringId"`
	OfferingName string          `json:"offeringName"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unitPrice"`
}

// Subtotal returns Quantity x UnitPrice.
func (li LineItem) Subtotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Actor is who is reserving.
type Actor struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Phone  string `json:"phone"`
}

// Transaction is the reservation itself.
type Transaction struct {
	ID               string     `json:"id"`
	BusinessID       string     `json:"businessId"`
	State            State      `json:"state"`
	LineItems        []LineItem `json:"lineItems"`
	Actor            Actor      `json:"actor"`
	ResourceKey      string     `json:"resourceKey,omitempty"`
	LockKey          string     `json:"lockKey,omitempty"`
	HoldExpiresAt    *time.Time `json:"holdExpiresAt,omitempty"`
	ConfirmationCode string     `json:"confirmationCode,omitempty"`
	CancelReason     string     `json:"cancelReason,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Total sums all line item subtotals.
func (t Transaction) Total() decimal.Decimal {
	total := decimal.Zero
	for _, li := range t.LineItems {
		total = total.Add(li.Subtotal())
	}
	return total
}

// HoldActive reports whether the transaction is held and its hold has not
// lapsed at now. Expiry is computed, not only stored: a held transaction
// past HoldExpiresAt is already expired even if nothing swept it yet.
func (t Transaction) HoldActive(now time.Time) bool {
	return t.State == StateHeld && t.HoldExpiresAt != nil && t.HoldExpiresAt.After(now)
}

// CheckInvariants validates the field/state coupling rules.
func (t Transaction) CheckInvariants() error {
	if !t.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvariantViolation, t.State)
	}
	if (t.HoldExpiresAt != nil) != (t.State == StateHeld) {
		return fmt.Errorf("%w: holdExpiresAt present=%t in state %s",
			ErrInvariantViolation, t.HoldExpiresAt != nil, t.State)
	}
	if (t.ConfirmationCode != "") != (t.State == StateConfirmed) {
		return fmt.Errorf("%w: confirmationCode present=%t in state %s",
			ErrInvariantViolation, t.ConfirmationCode != "", t.State)
	}
	return nil
}

// Clone returns a deep copy safe to hand across goroutines.
func (t Transaction) Clone() Transaction {
	c := t
	if t.LineItems != nil {
		c.LineItems = append([]LineItem(nil), t.LineItems...)
	}
	if t.HoldExpiresAt != nil {
		exp := *t.HoldExpiresAt
		c.HoldExpiresAt = &exp
	}
	return c
}

// HoldRef points at a held transaction whose hold has lapsed.
type HoldRef struct {
	BusinessID    string    `json:"businessId"`
	TransactionID string    `json:"txId"`
	HoldExpiresAt time.Time `json:"holdExpiresAt"`
}

// =============================================================================
// EVENTS - Append-only history
// =============================================================================

type EventType string

const (
	EventConfirmed EventType = "confirmed"
	EventCancelled EventType = "cancelled"
	EventExpired   EventType = "expired"
)

// TxEvent records one successful terminal transition. Never mutated or deleted.
type TxEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// EventEnvelope is what consumers receive after a transition commits.
type EventEnvelope struct {
	BusinessID  string      `json:"businessId"`
	TxID        string      `json:"txId"`
	Event       TxEvent     `json:"event"`
	Transaction Transaction `json:"transaction"`
}

// =============================================================================
// RESOURCE LOCK
// =============================================================================

// ResourceLock is a mutual-exclusion token for one resource/time slot.
// It has no state of its own beyond "exists and not expired".
type ResourceLock struct {
	BusinessID    string    `json:"businessId"`
	Key           string    `json:"key"`
	ResourceKey   string    `json:"resourceKey"`
	TransactionID string    `json:"transactionId"`
	ExpiresAt     time.Time `json:"expiresAt"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Held reports whether the lock still excludes other claimants at now.
func (l ResourceLock) Held(now time.Time) bool {
	return l.ExpiresAt.After(now)
}

// =============================================================================
// IDEMPOTENCY RECORD
// =============================================================================

type IdempotencyRecord struct {
	Key       string    `json:"key"`
	Scope     string    `json:"scope"`
	Result    []byte    `json:"result"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (r IdempotencyRecord) Live(now time.Time) bool {
	return r.ExpiresAt.After(now)
}

// =============================================================================
// DISPATCH - First-reply-wins assignment
// =============================================================================

type DispatchStatus string

const (
	DispatchPending  DispatchStatus = "pending"
	DispatchAssigned DispatchStatus = "assigned"
	DispatchExpired  DispatchStatus = "expired"
)

// DispatchRequest is broadcast to many responders; exactly one may claim it.
type DispatchRequest struct {
	ID                  string         `json:"id"`
	Status              DispatchStatus `json:"status"`
	AssignedResponderID string         `json:"assignedResponderId,omitempty"`
	BroadcastSentTo     []string       `json:"broadcastSentTo"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
	ExpiresAt           *time.Time     `json:"expiresAt,omitempty"`
}

// SentTo reports whether responderID was part of the broadcast.
func (r DispatchRequest) SentTo(responderID string) bool {
	for _, id := range r.BroadcastSentTo {
		if id == responderID {
			return true
		}
	}
	return false
}

func (r DispatchRequest) CheckInvariants() error {
	if (r.AssignedResponderID != "") != (r.Status == DispatchAssigned) {
		return fmt.Errorf("%w: assignedResponderId present=%t in status %s",
			ErrInvariantViolation, r.AssignedResponderID != "", r.Status)
	}
	return nil
}

func (r DispatchRequest) Clone() DispatchRequest {
	c := r
	c.BroadcastSentTo = append([]string(nil), r.BroadcastSentTo...)
	if r.ExpiresAt != nil {
		exp := *r.ExpiresAt
		c.ExpiresAt = &exp
	}
	return c
}

type ResponderStatus string

const (
	ResponderAvailable ResponderStatus = "available"
	ResponderBusy      ResponderStatus = "busy"
)

// Responder is a responder's own availability record.
type Responder struct {
	ID               string          `json:"id"`
	Status           ResponderStatus `json:"status"`
	CurrentRequestID string          `json:"currentRequestId,omitempty"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}
