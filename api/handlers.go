/*
handlers.go - HTTP API handlers for the execution ledger

PURPOSE:
  Thin RPC surface over the Ledger API and the Assignment API. Handlers
  decode the body, pass the Idempotency-Key header through, call the
  ledger, and map the outcome to an HTTP status.

ENDPOINTS:
  Transactions (tenant scoped, under /api/v1/businesses/{businessID}):
    POST   /drafts                          Create draft
    POST   /holds                           Create hold (or promote draft)
    GET    /transactions/{txID}             Get transaction
    GET    /transactions/{txID}/events      Event history
    POST   /transactions/{txID}/confirm     Confirm hold
    POST   /transactions/{txID}/release     Release (cancel) hold
    POST   /transactions/{txID}/replay      Re-publish events to consumers

  Dispatch:
    POST   /api/v1/dispatch                 Broadcast a request
    GET    /api/v1/dispatch/{requestID}     Get request
    POST   /api/v1/dispatch/{requestID}/assign  First reply wins
    GET    /api/v1/responders/{responderID}
    POST   /api/v1/responders/{responderID}/complete

  Admin:
    POST   /api/v1/admin/sweep              Run the expiry sweeper once

IDEMPOTENCY:
  Mutating ledger calls require the Idempotency-Key header. A replayed key
  returns the stored result with the same status as the first call.

ERROR HANDLING:
  Business outcomes return the ledger result body with:
  - 409: SLOT_TAKEN, WRONG_STATE
  - 410: HOLD_EXPIRED
  - 404: NOT_FOUND
  Failures return ErrorResponse with:
  - 400: Invalid input, missing Idempotency-Key
  - 404: Unknown transaction, request or responder
  - 500: Storage failure or exhausted conflict retries

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/execution-ledger/ledger"
	"github.com/warp/execution-ledger/sweeper"
)

// IdempotencyHeader carries the caller's idempotency key.
const IdempotencyHeader = "Idempotency-Key"

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Sweeper runs one expiry pass on demand.
type Sweeper interface {
	RunOnce(ctx context.Context) sweeper.Report
}

// Pinger reports store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger     *ledger.Ledger
	Dispatcher *ledger.Dispatcher
	Sweeper    Sweeper // optional
	Health     Pinger  // optional
	Logger     *slog.Logger
}

func NewHandler(l *ledger.Ledger, d *ledger.Dispatcher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Ledger: l, Dispatcher: d, Logger: logger.With(slog.String("component", "api"))}
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// CreateDraft records a draft transaction.
func (h *Handler) CreateDraft(w http.ResponseWriter, r *http.Request) {
	var req DraftRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Ledger.CreateDraft(r.Context(), ledger.DraftParams{
		BusinessID:    chi.URLParam(r, "businessID"),
		TransactionID: req.TransactionID,
		LineItems:     toLineItems(req.LineItems),
		Actor:         req.Actor.toActor(),
	}, r.Header.Get(IdempotencyHeader))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeOutcome(w, http.StatusCreated, res.Outcome, res)
}

// CreateHold reserves a resource slot.
func (h *Handler) CreateHold(w http.ResponseWriter, r *http.Request) {
	var req HoldRequest
	if !decode(w, r, &req) {
		return
	}
	holdFor, ok := durationSeconds(req.HoldSeconds)
	if !ok {
		writeError(w, http.StatusBadRequest, "holdSeconds out of range", nil)
		return
	}
	res, err := h.Ledger.CreateHold(r.Context(), ledger.HoldParams{
		BusinessID:    chi.URLParam(r, "businessID"),
		TransactionID: req.TransactionID,
		LineItems:     toLineItems(req.LineItems),
		Actor:         req.Actor.toActor(),
		ResourceKey:   req.resourceKey(),
		HoldDuration:  holdFor,
	}, r.Header.Get(IdempotencyHeader))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeOutcome(w, http.StatusCreated, res.Outcome, res)
}

// GetTransaction returns a single transaction.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := h.Ledger.GetTransaction(r.Context(), chi.URLParam(r, "businessID"), chi.URLParam(r, "txID"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GetEvents returns a transaction's event history.
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txID")
	events, err := h.Ledger.Events(r.Context(), chi.URLParam(r, "businessID"), txID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if events == nil {
		events = []ledger.TxEvent{}
	}
	writeJSON(w, http.StatusOK, EventsResponse{TransactionID: txID, Events: events})
}

// ConfirmTransaction confirms an active hold.
func (h *Handler) ConfirmTransaction(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	res, err := h.Ledger.ConfirmTransaction(r.Context(), ledger.ConfirmParams{
		BusinessID:    chi.URLParam(r, "businessID"),
		TransactionID: chi.URLParam(r, "txID"),
		ActorType:     req.ActorType,
		ActorID:       req.ActorID,
	}, r.Header.Get(IdempotencyHeader))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeOutcome(w, http.StatusOK, res.Outcome, res)
}

// ReleaseHold cancels a held transaction.
func (h *Handler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	res, err := h.Ledger.ReleaseHold(r.Context(),
		chi.URLParam(r, "businessID"), chi.URLParam(r, "txID"), req.Reason, r.Header.Get(IdempotencyHeader))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeOutcome(w, http.StatusOK, res.Outcome, res)
}

// ReplayEvents re-publishes a transaction's events.
func (h *Handler) ReplayEvents(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txID")
	n, err := h.Ledger.ReplayEvents(r.Context(), chi.URLParam(r, "businessID"), txID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReplayResponse{TransactionID: txID, Replayed: n})
}

// =============================================================================
// DISPATCH HANDLERS
// =============================================================================

// CreateDispatch broadcasts a request to responders.
func (h *Handler) CreateDispatch(w http.ResponseWriter, r *http.Request) {
	var req CreateDispatchRequest
	if !decode(w, r, &req) {
		return
	}
	ttl, ok := durationSeconds(req.TTLSeconds)
	if !ok {
		writeError(w, http.StatusBadRequest, "ttlSeconds out of range", nil)
		return
	}
	created, err := h.Dispatcher.CreateRequest(r.Context(), ledger.DispatchParams{
		ID:         req.ID,
		Responders: req.Responders,
		TTL:        ttl,
	})
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) GetDispatch(w http.ResponseWriter, r *http.Request) {
	req, err := h.Dispatcher.GetRequest(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// Assign claims a request for the replying responder. A lost race is a
// normal 200 with assigned=false.
func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ResponderID == "" {
		writeError(w, http.StatusBadRequest, "responderId required", nil)
		return
	}
	requestID := chi.URLParam(r, "requestID")
	ok, err := h.Dispatcher.Assign(r.Context(), requestID, req.ResponderID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AssignResponse{RequestID: requestID, ResponderID: req.ResponderID, Assigned: ok})
}

func (h *Handler) GetResponder(w http.ResponseWriter, r *http.Request) {
	resp, err := h.Dispatcher.GetResponder(r.Context(), chi.URLParam(r, "responderID"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// CompleteResponder marks a responder available again.
func (h *Handler) CompleteResponder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "responderID")
	if err := h.Dispatcher.Complete(r.Context(), id); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	resp, err := h.Dispatcher.GetResponder(r.Context(), id)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerSweep runs one expiry pass synchronously.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	if h.Sweeper == nil {
		writeError(w, http.StatusNotImplemented, "Sweeper not configured", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.Sweeper.RunOnce(r.Context()))
}

// Healthz reports liveness and, when the store supports it, reachability.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Health.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	return decode(w, r, dst)
}

// statusFor maps a caller-facing code to an HTTP status.
func statusFor(code ledger.ErrorCode) int {
	switch code {
	case ledger.CodeSlotTaken, ledger.CodeWrongState:
		return http.StatusConflict
	case ledger.CodeHoldExpired:
		return http.StatusGone
	case ledger.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeOutcome writes a ledger result, choosing the status from its outcome.
func writeOutcome(w http.ResponseWriter, okStatus int, o ledger.Outcome, body any) {
	if o.Success {
		writeJSON(w, okStatus, body)
		return
	}
	writeJSON(w, statusFor(o.ErrorCode), body)
}

func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case ledger.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error: "Not found", ErrorCode: ledger.CodeNotFound, Details: err.Error(),
		})
	case errors.Is(err, ledger.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "Already exists", err)
	default:
		h.Logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: "Internal error", ErrorCode: ledger.CodeInternal, Details: err.Error(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
