/*
assignment.go - First-reply-wins dispatch assignment

PURPOSE:
  A DispatchRequest is broadcast to a set of responders. Any of them may
  reply; exactly one wins. Assign is a single atomic block that checks the
  request is still pending, the responder was part of the broadcast, and the
  responder is not busy, then records the assignment and marks the
  responder busy. Concurrent replies conflict in the store; the retried
  losers re-read an assigned request and get false.

RESPONDER RECORDS:
  A responder with no availability record yet is treated as available and
  gets a record on first assignment. Complete returns a busy responder to
  available.

EXPIRY:
  A request carries an optional ExpiresAt. Past it, Assign returns false
  even before the sweeper marks the request expired.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

type Dispatcher struct {
	store Store
	settings
	inst instruments
}

func NewDispatcher(store Store, opts ...Option) *Dispatcher {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	s.logger = s.logger.With(slog.String("component", "dispatch"))
	return &Dispatcher{store: store, settings: s, inst: newInstruments()}
}

type DispatchParams struct {
	ID         string // optional; generated when empty
	Responders []string
	TTL        time.Duration // zero means no expiry
}

func (d *Dispatcher) atomic(ctx context.Context, op string, fn func(ctx context.Context, tx Tx) error) error {
	return runAtomic(ctx, d.store, d.retry, fn, func(err error) {
		d.inst.conflict(ctx, op)
		d.logger.DebugContext(ctx, "atomic block conflicted, retrying",
			slog.String("op", op), slog.Any("error", err))
	})
}

// CreateRequest records a pending request broadcast to p.Responders.
func (d *Dispatcher) CreateRequest(ctx context.Context, p DispatchParams) (DispatchRequest, error) {
	const op = "createRequest"
	ctx, done := d.inst.track(ctx, op)
	if len(p.Responders) == 0 {
		err := invalid("at least one responder required")
		done("error", err)
		return DispatchRequest{}, opError(op, err)
	}
	if p.TTL < 0 {
		err := invalid("ttl must not be negative")
		done("error", err)
		return DispatchRequest{}, opError(op, err)
	}
	id := p.ID
	if id == "" {
		id = d.newID()
	}
	var req DispatchRequest
	err := d.atomic(ctx, op, func(ctx context.Context, tx Tx) error {
		now := d.clock.Now()
		req = DispatchRequest{
			ID:              id,
			Status:          DispatchPending,
			BroadcastSentTo: append([]string(nil), p.Responders...),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if p.TTL > 0 {
			exp := now.Add(p.TTL)
			req.ExpiresAt = &exp
		}
		return tx.CreateDispatchRequest(ctx, req)
	})
	if err != nil {
		done("error", err)
		return DispatchRequest{}, opError(op, err)
	}
	done("ok", nil)
	return req, nil
}

// Assign claims requestID for responderID. It returns true only for the
// single winning responder; every other reply gets false.
func (d *Dispatcher) Assign(ctx context.Context, requestID, responderID string) (bool, error) {
	const op = "assign"
	ctx, done := d.inst.track(ctx, op,
		attribute.String("request_id", requestID),
		attribute.String("responder_id", responderID),
	)
	if requestID == "" || responderID == "" {
		err := invalid("requestId and responderId required")
		done("error", err)
		return false, opError(op, err)
	}
	var assigned bool
	var reason string
	err := d.atomic(ctx, op, func(ctx context.Context, tx Tx) error {
		assigned = false
		now := d.clock.Now()
		req, err := tx.GetDispatchRequest(ctx, requestID)
		if err != nil {
			return err
		}
		switch {
		case req.Status != DispatchPending || req.AssignedResponderID != "":
			reason = "taken"
			return nil
		case req.ExpiresAt != nil && !req.ExpiresAt.After(now):
			reason = "expired"
			return nil
		case !req.SentTo(responderID):
			reason = "not_broadcast"
			return nil
		}

		responder, err := tx.GetResponder(ctx, responderID)
		switch {
		case errors.Is(err, ErrNotFound):
			responder = Responder{ID: responderID, Status: ResponderAvailable}
		case err != nil:
			return err
		case responder.Status == ResponderBusy:
			reason = "busy"
			return nil
		}

		patch := DispatchPatch{From: DispatchPending, To: DispatchAssigned, AssignedResponderID: responderID, UpdatedAt: now}
		if err := tx.PatchDispatchRequest(ctx, requestID, patch); err != nil {
			return err
		}
		responder.Status = ResponderBusy
		responder.CurrentRequestID = requestID
		responder.UpdatedAt = now
		if err := tx.PutResponder(ctx, responder); err != nil {
			return err
		}
		assigned = true
		return nil
	})
	if err != nil {
		done("error", err)
		return false, opError(op, err)
	}
	if !assigned {
		done(reason, nil)
		return false, nil
	}
	done("ok", nil)
	d.logger.InfoContext(ctx, "request assigned",
		slog.String("request_id", requestID), slog.String("responder_id", responderID))
	return true, nil
}

// Complete returns a responder to available once its job is done.
func (d *Dispatcher) Complete(ctx context.Context, responderID string) error {
	const op = "complete"
	err := d.atomic(ctx, op, func(ctx context.Context, tx Tx) error {
		r, err := tx.GetResponder(ctx, responderID)
		if err != nil {
			return err
		}
		if r.Status == ResponderAvailable {
			return nil
		}
		r.Status = ResponderAvailable
		r.CurrentRequestID = ""
		r.UpdatedAt = d.clock.Now()
		return tx.PutResponder(ctx, r)
	})
	if err != nil {
		return opError(op, err)
	}
	return nil
}

// ExpireRequest marks a pending request past its ExpiresAt as expired.
func (d *Dispatcher) ExpireRequest(ctx context.Context, requestID string) (bool, error) {
	const op = "expireRequest"
	var expired bool
	err := d.atomic(ctx, op, func(ctx context.Context, tx Tx) error {
		expired = false
		now := d.clock.Now()
		req, err := tx.GetDispatchRequest(ctx, requestID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if req.Status != DispatchPending || req.ExpiresAt == nil || req.ExpiresAt.After(now) {
			return nil
		}
		if err := tx.PatchDispatchRequest(ctx, requestID, DispatchPatch{
			From: DispatchPending, To: DispatchExpired, UpdatedAt: now,
		}); err != nil {
			return err
		}
		expired = true
		return nil
	})
	if err != nil {
		return false, opError(op, err)
	}
	return expired, nil
}

// StaleRequests lists pending requests whose ExpiresAt has passed.
func (d *Dispatcher) StaleRequests(ctx context.Context, limit int) ([]string, error) {
	ids, err := d.store.ListStaleDispatchRequests(ctx, d.clock.Now(), limit)
	if err != nil {
		return nil, opError("staleRequests", err)
	}
	return ids, nil
}

func (d *Dispatcher) GetRequest(ctx context.Context, id string) (DispatchRequest, error) {
	var req DispatchRequest
	err := d.atomic(ctx, "getRequest", func(ctx context.Context, tx Tx) error {
		var err error
		req, err = tx.GetDispatchRequest(ctx, id)
		return err
	})
	if err != nil {
		return DispatchRequest{}, opError("getRequest", fmt.Errorf("request %s: %w", id, err))
	}
	return req, nil
}

func (d *Dispatcher) GetResponder(ctx context.Context, id string) (Responder, error) {
	var r Responder
	err := d.atomic(ctx, "getResponder", func(ctx context.Context, tx Tx) error {
		var err error
		r, err = tx.GetResponder(ctx, id)
		return err
	})
	if err != nil {
		return Responder{}, opError("getResponder", err)
	}
	return r, nil
}
