/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON request bodies. Responses are the ledger's own result
  types (HoldResult, ConfirmResult, ...), which already carry
  {success, errorCode, error} and stable JSON names.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Response wrappers not provided by the ledger

VALIDATION:
  Field validation happens in the ledger. Handlers only reject bodies that
  cannot be decoded or that name neither a resource key nor a slot.

SEE ALSO:
  - handlers.go: Uses these types
  - ../ledger/ledger.go: Result types
*/
package api

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/execution-ledger/ledger"
)

// =============================================================================
// LEDGER REQUESTS
// =============================================================================

type LineItemRequest struct {
	OfferingID   string          `json:"offeringId"`
	OfferingName string          `json:"offeringName"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unitPrice"`
}

type ActorRequest struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Phone  string `json:"phone"`
}

// DraftRequest is the body of POST /drafts.
type DraftRequest struct {
	TransactionID string            `json:"transactionId,omitempty"`
	LineItems     []LineItemRequest `json:"lineItems"`
	Actor         ActorRequest      `json:"actor"`
}

// HoldRequest is the body of POST /holds. Either ResourceKey or
// ResourceID + SlotStart identifies what is being held.
type HoldRequest struct {
	TransactionID string            `json:"transactionId,omitempty"`
	LineItems     []LineItemRequest `json:"lineItems"`
	Actor         ActorRequest      `json:"actor"`
	ResourceKey   string            `json:"resourceKey,omitempty"`
	ResourceID    string            `json:"resourceId,omitempty"`
	SlotStart     *time.Time        `json:"slotStart,omitempty"`
	HoldSeconds   int               `json:"holdSeconds,omitempty"`
}

// resourceKey resolves the lock identity for the hold.
func (r HoldRequest) resourceKey() string {
	if r.ResourceKey != "" {
		return r.ResourceKey
	}
	if r.ResourceID != "" && r.SlotStart != nil {
		return ledger.SlotKey(r.ResourceID, *r.SlotStart)
	}
	return ""
}

type ConfirmRequest struct {
	ActorType string `json:"actorType"`
	ActorID   string `json:"actorId"`
}

type ReleaseRequest struct {
	Reason string `json:"reason"`
}

// maxSeconds is the largest second count a time.Duration can hold.
const maxSeconds = math.MaxInt64 / int64(time.Second)

// durationSeconds converts a request's second count, rejecting negative
// values and values that would overflow a time.Duration.
func durationSeconds(n int) (time.Duration, bool) {
	if n < 0 || int64(n) > maxSeconds {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

func toLineItems(in []LineItemRequest) []ledger.LineItem {
	out := make([]ledger.LineItem, 0, len(in))
	for _, li := range in {
		out = append(out, ledger.LineItem{
			OfferingID:   li.OfferingID,
			OfferingName: li.OfferingName,
			Quantity:     li.Quantity,
			UnitPrice:    li.UnitPrice,
		})
	}
	return out
}

func (a ActorRequest) toActor() ledger.Actor {
	return ledger.Actor{UserID: a.UserID, Name: a.Name, Phone: a.Phone}
}

// =============================================================================
// DISPATCH REQUESTS
// =============================================================================

type CreateDispatchRequest struct {
	ID         string   `json:"id,omitempty"`
	Responders []string `json:"responders"`
	TTLSeconds int      `json:"ttlSeconds,omitempty"`
}

type AssignRequest struct {
	ResponderID string `json:"responderId"`
}

type AssignResponse struct {
	RequestID   string `json:"requestId"`
	ResponderID string `json:"responderId"`
	Assigned    bool   `json:"assigned"`
}

// =============================================================================
// MISC RESPONSES
// =============================================================================

type EventsResponse struct {
	TransactionID string           `json:"transactionId"`
	Events        []ledger.TxEvent `json:"events"`
}

type ReplayResponse struct {
	TransactionID string `json:"transactionId"`
	Replayed      int    `json:"replayed"`
}

// ErrorResponse is returned for transport and storage failures.
type ErrorResponse struct {
	Error     string           `json:"error"`
	ErrorCode ledger.ErrorCode `json:"errorCode,omitempty"`
	Details   string           `json:"details,omitempty"`
}
