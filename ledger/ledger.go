/*
ledger.go - Reservation state transitions

PURPOSE:
  The Ledger drives a Transaction through draft -> held -> {confirmed |
  cancelled | expired}. Each mutating operation is one atomic block that:

    1. Looks up the idempotency record for {scope}:{key}; a live record
       short-circuits with the cached result.
    2. Re-reads every document it depends on and re-validates every
       precondition (state, expiry, lock ownership).
    3. Writes the transition, its event, and its lock change.
    4. Stamps the idempotency record with the result.

  Events are published to the EventHandler only after the block commits.

RESULTS VS ERRORS:
  SLOT_TAKEN, HOLD_EXPIRED, NOT_FOUND and WRONG_STATE are routine: they come
  back as a result with Success=false. A Go error means storage failed or
  the caller passed bad input. Failed business outcomes are not cached, so a
  retry with the same key re-evaluates against current state.

CONCURRENCY:
  There are no in-process mutexes here. Two writers racing on the same
  documents are resolved by the store (conflict on commit) and the bounded
  retry in retry.go.

SEE ALSO:
  - idempotency.go: Key scopes and result caching
  - lock.go: Lock acquire/release inside a block
  - assignment.go: First-reply-wins dispatch
  - ../sweeper: Drives ExpireHold
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultHoldDuration = 5 * time.Minute
	MaxHoldDuration     = 30 * time.Minute
)

// =============================================================================
// OPTIONS
// =============================================================================

type settings struct {
	clock          Clock
	logger         *slog.Logger
	retry          RetryPolicy
	idempotencyTTL time.Duration
	defaultHold    time.Duration
	maxHold        time.Duration
	handler        EventHandler
	newID          func() string
}

func defaultSettings() settings {
	return settings{
		clock:          SystemClock(),
		logger:         slog.Default(),
		retry:          DefaultRetryPolicy(),
		idempotencyTTL: DefaultIdempotencyRetention,
		defaultHold:    DefaultHoldDuration,
		maxHold:        MaxHoldDuration,
		newID:          uuid.NewString,
	}
}

// Option configures a Ledger or a Dispatcher.
type Option func(*settings)

func WithClock(c Clock) Option {
	return func(s *settings) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *settings) { s.retry = p }
}

// WithIdempotencyRetention sets how long stored outcomes deduplicate retries.
func WithIdempotencyRetention(d time.Duration) Option {
	return func(s *settings) { s.idempotencyTTL = d }
}

// WithHoldDurations sets the hold length used when a caller passes none,
// and the longest hold a caller may ask for.
func WithHoldDurations(def, max time.Duration) Option {
	return func(s *settings) {
		s.defaultHold = def
		s.maxHold = max
	}
}

func WithEventHandler(h EventHandler) Option {
	return func(s *settings) { s.handler = h }
}

func WithIDGenerator(fn func() string) Option {
	return func(s *settings) { s.newID = fn }
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store Store
	settings
	inst instruments
}

func New(store Store, opts ...Option) *Ledger {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	s.logger = s.logger.With(slog.String("component", "ledger"))
	return &Ledger{store: store, settings: s, inst: newInstruments()}
}

func (l *Ledger) atomic(ctx context.Context, op string, fn func(ctx context.Context, tx Tx) error) error {
	return runAtomic(ctx, l.store, l.retry, fn, func(err error) {
		l.inst.conflict(ctx, op)
		l.logger.DebugContext(ctx, "atomic block conflicted, retrying",
			slog.String("op", op), slog.Any("error", err))
	})
}

// settle turns a failed block into either a business outcome or an error.
func (l *Ledger) settle(ctx context.Context, op string, done func(string, error), err error) (Outcome, error) {
	if IsBusinessOutcome(err) {
		done(string(CodeOf(err)), nil)
		return failed(err), nil
	}
	done("error", err)
	if !IsClientError(err) {
		l.logger.ErrorContext(ctx, "ledger operation failed", slog.String("op", op), slog.Any("error", err))
	}
	return Outcome{}, opError(op, err)
}

// =============================================================================
// PARAMS & RESULTS
// =============================================================================

// Outcome is embedded in every mutating result.
type Outcome struct {
	Success   bool      `json:"success"`
	ErrorCode ErrorCode `json:"errorCode,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func failed(err error) Outcome {
	return Outcome{ErrorCode: CodeOf(err), Error: err.Error()}
}

type DraftParams struct {
	BusinessID    string
	TransactionID string // optional; generated when empty
	LineItems     []LineItem
	Actor         Actor
}

type DraftResult struct {
	Outcome
	Transaction *Transaction `json:"transaction,omitempty"`
}

type HoldParams struct {
	BusinessID string
	// TransactionID optionally names an existing draft to promote. When it
	// names nothing, the new transaction takes this id.
	TransactionID string
	LineItems     []LineItem
	Actor         Actor
	ResourceKey   string
	HoldDuration  time.Duration // zero means the ledger default
}

type HoldResult struct {
	Outcome
	Transaction   *Transaction `json:"transaction,omitempty"`
	HoldExpiresAt *time.Time   `json:"holdExpiresAt,omitempty"`
}

type ConfirmParams struct {
	BusinessID    string
	TransactionID string
	ActorType     string
	ActorID       string
}

type ConfirmResult struct {
	Outcome
	TransactionID    string       `json:"transactionId,omitempty"`
	ConfirmationCode string       `json:"confirmationCode,omitempty"`
	Transaction      *Transaction `json:"transaction,omitempty"`
}

type ReleaseResult struct {
	Outcome
	TransactionID string `json:"transactionId,omitempty"`
	State         State  `json:"state,omitempty"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidArgument}, args...)...)
}

func validateLineItems(items []LineItem) error {
	if len(items) == 0 {
		return invalid("at least one line item required")
	}
	for i, li := range items {
		switch {
		case li.OfferingID == "":
			return invalid("lineItems[%d]: offeringId required", i)
		case li.Quantity <= 0:
			return invalid("lineItems[%d]: quantity must be positive", i)
		case li.UnitPrice.IsNegative():
			return invalid("lineItems[%d]: unitPrice must not be negative", i)
		}
	}
	return nil
}

func (p DraftParams) validate() error {
	if p.BusinessID == "" {
		return invalid("businessId required")
	}
	if p.Actor.UserID == "" {
		return invalid("actor.userId required")
	}
	return validateLineItems(p.LineItems)
}

func (p HoldParams) validate() error {
	switch {
	case p.BusinessID == "":
		return invalid("businessId required")
	case p.ResourceKey == "":
		return invalid("resourceKey required")
	case p.HoldDuration < 0:
		return invalid("holdDuration must not be negative")
	}
	if p.TransactionID != "" && len(p.LineItems) == 0 {
		// Promoting a draft; its line items are checked in the block.
		return nil
	}
	if p.Actor.UserID == "" {
		return invalid("actor.userId required")
	}
	return validateLineItems(p.LineItems)
}

// =============================================================================
// OPERATIONS
// =============================================================================

// CreateDraft records a draft transaction. Drafts take no lock.
func (l *Ledger) CreateDraft(ctx context.Context, p DraftParams, idempotencyKey string) (DraftResult, error) {
	const op = "createDraft"
	ctx, done := l.inst.track(ctx, op, attribute.String("business_id", p.BusinessID))
	if err := p.validate(); err != nil {
		return l.draftFailure(ctx, op, done, err)
	}
	if idempotencyKey == "" {
		return l.draftFailure(ctx, op, done, ErrIdempotencyKeyRequired)
	}
	key := IdempotencyKey(OperationScope(ScopeDraft, p.BusinessID), idempotencyKey)

	var payload []byte
	var replayed bool
	err := l.atomic(ctx, op, func(ctx context.Context, tx Tx) error {
		now := l.clock.Now()
		var err error
		if payload, replayed, err = lookupIdempotent(ctx, tx, key, now); err != nil || replayed {
			return err
		}
		id := p.TransactionID
		if id == "" {
			id = l.newID()
		}
		t := Transaction{
			ID:         id,
			BusinessID: p.BusinessID,
			State:      StateDraft,
			LineItems:  p.LineItems,
			Actor:      p.Actor,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.CreateTransaction(ctx, t); err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				return fmt.Errorf("%w: transaction %s already exists", ErrWrongState, id)
			}
			return err
		}
		payload, err = stampIdempotent(ctx, tx, key, ScopeDraft,
			DraftResult{Outcome: Outcome{Success: true}, Transaction: &t}, now, l.idempotencyTTL)
		return err
	})
	if err != nil {
		return l.draftFailure(ctx, op, done, err)
	}
	var res DraftResult
	if err := decodeResult(payload, &res); err != nil {
		return l.draftFailure(ctx, op, done, err)
	}
	done(outcomeLabel(replayed), nil)
	return res, nil
}

func (l *Ledger) draftFailure(ctx context.Context, op string, done func(string, error), err error) (DraftResult, error) {
	out, err := l.settle(ctx, op, done, err)
	return DraftResult{Outcome: out}, err
}

// CreateHold claims p.ResourceKey for p.HoldDuration and records a held
// transaction. A second claimant on an unexpired lock gets SLOT_TAKEN.
func (l *Ledger) CreateHold(ctx context.Context, p HoldParams, idempotencyKey string) (HoldResult, error) {
	const op = "createHold"
	ctx, done := l.inst.track(ctx, op,
		attribute.String("business_id", p.BusinessID),
		attribute.String("resource_key", p.ResourceKey),
	)
	fail := func(err error) (HoldResult, error) {
		out, err := l.settle(ctx, op, done, err)
		return HoldResult{Outcome: out}, err
	}
	if err := p.validate(); err != nil {
		return fail(err)
	}
	if idempotencyKey == "" {
		return fail(ErrIdempotencyKeyRequired)
	}
	duration := p.HoldDuration
	if duration == 0 {
		duration = l.defaultHold
	}
	if l.maxHold > 0 && duration > l.maxHold {
		return fail(invalid("holdDuration %s exceeds maximum %s", duration, l.maxHold))
	}
	key := IdempotencyKey(OperationScope(ScopeHold, p.BusinessID), idempotencyKey)
	lockKey := LockKey(p.BusinessID, p.ResourceKey)

	var payload []byte
	var replayed bool
	err := l.atomic(ctx, op, func(ctx context.Context, tx Tx) error {
		now := l.clock.Now()
		var err error
		if payload, replayed, err = lookupIdempotent(ctx, tx, key, now); err != nil || replayed {
			return err
		}

		var draft *Transaction
		id := p.TransactionID
		if id != "" {
			existing, err := tx.GetTransaction(ctx, p.BusinessID, id)
			switch {
			case errors.Is(err, ErrNotFound):
				if len(p.LineItems) == 0 {
					return invalid("transaction %s not found and no line items given", id)
				}
			case err != nil:
				return err
			case existing.State != StateDraft:
				return fmt.Errorf("%w: transaction %s is %s", ErrWrongState, id, existing.State)
			default:
				draft = &existing
			}
		} else {
			id = l.newID()
		}

		expiresAt := now.Add(duration)
		if err := acquireLock(ctx, tx, ResourceLock{
			BusinessID:    p.BusinessID,
			Key:           lockKey,
			ResourceKey:   p.ResourceKey,
			TransactionID: id,
			ExpiresAt:     expiresAt,
			CreatedAt:     now,
		}, now); err != nil {
			return err
		}

		var held Transaction
		if draft != nil {
			patch := TransactionPatch{
				From:          StateDraft,
				To:            StateHeld,
				HoldExpiresAt: &expiresAt,
				ResourceKey:   p.ResourceKey,
				LockKey:       lockKey,
				UpdatedAt:     now,
			}
			if held, err = patch.Apply(*draft); err != nil {
				return err
			}
			if err := tx.PatchTransaction(ctx, p.BusinessID, id, patch); err != nil {
				return err
			}
		} else {
			held = Transaction{
				ID:            id,
				BusinessID:    p.BusinessID,
				State:         StateHeld,
				LineItems:     p.LineItems,
				Actor:         p.Actor,
				ResourceKey:   p.ResourceKey,
				LockKey:       lockKey,
				HoldExpiresAt: &expiresAt,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.CreateTransaction(ctx, held); err != nil {
				if errors.Is(err, ErrAlreadyExists) {
					return fmt.Errorf("%w: transaction %s already exists", ErrWrongState, id)
				}
				return err
			}
		}

		payload, err = stampIdempotent(ctx, tx, key, ScopeHold, HoldResult{
			Outcome:       Outcome{Success: true},
			Transaction:   &held,
			HoldExpiresAt: &expiresAt,
		}, now, l.idempotencyTTL)
		return err
	})
	if err != nil {
		return fail(err)
	}
	var res HoldResult
	if err := decodeResult(payload, &res); err != nil {
		return fail(err)
	}
	done(outcomeLabel(replayed), nil)
	return res, nil
}

// ConfirmTransaction turns an active hold into a confirmed reservation,
// issues its confirmation code, and releases the resource lock.
func (l *Ledger) ConfirmTransaction(ctx context.Context, p ConfirmParams, idempotencyKey string) (ConfirmResult, error) {
	const op = "confirmTransaction"
	ctx, done := l.inst.track(ctx, op,
		attribute.String("business_id", p.BusinessID),
		attribute.String("tx_id", p.TransactionID),
	)
	fail := func(err error) (ConfirmResult, error) {
		out, err := l.settle(ctx, op, done, err)
		return ConfirmResult{Outcome: out, TransactionID: p.TransactionID}, err
	}
	if p.BusinessID == "" || p.TransactionID == "" {
		return fail(invalid("businessId and transactionId required"))
	}
	if idempotencyKey == "" {
		return fail(ErrIdempotencyKeyRequired)
	}
	key := IdempotencyKey(OperationScope(ScopeConfirm, p.BusinessID, p.TransactionID), idempotencyKey)

	var payload []byte
	var replayed bool
	var envs []EventEnvelope
	err := l.atomic(ctx, op, func(ctx context.Context, tx Tx) error {
		envs = nil
		now := l.clock.Now()
		var err error
		if payload, replayed, err = lookupIdempotent(ctx, tx, key, now); err != nil || replayed {
			return err
		}
		t, err := tx.GetTransaction(ctx, p.BusinessID, p.TransactionID)
		if err != nil {
			return err
		}
		switch {
		case t.State == StateConfirmed, t.State == StateCancelled, t.State == StateDraft:
			return fmt.Errorf("%w: transaction %s is %s", ErrWrongState, t.ID, t.State)
		case !t.HoldActive(now):
			return fmt.Errorf("%w: transaction %s", ErrHoldExpired, t.ID)
		}

		code, err := newConfirmationCode(ctx, tx, p.BusinessID)
		if err != nil {
			return err
		}
		patch := TransactionPatch{From: StateHeld, To: StateConfirmed, ConfirmationCode: code, UpdatedAt: now}
		confirmed, err := patch.Apply(t)
		if err != nil {
			return err
		}
		if err := tx.PatchTransaction(ctx, p.BusinessID, t.ID, patch); err != nil {
			return err
		}
		ev := TxEvent{
			ID:   l.newID(),
			Type: EventConfirmed,
			Data: map[string]any{
				"confirmationCode": code,
				"actorType":        p.ActorType,
				"actorId":          p.ActorID,
			},
			CreatedAt: now,
		}
		if err := tx.AppendEvent(ctx, p.BusinessID, t.ID, ev); err != nil {
			return err
		}
		if err := releaseLock(ctx, tx, t); err != nil {
			return err
		}
		payload, err = stampIdempotent(ctx, tx, key, ScopeConfirm, ConfirmResult{
			Outcome:          Outcome{Success: true},
			TransactionID:    t.ID,
			ConfirmationCode: code,
			Transaction:      &confirmed,
		}, now, l.idempotencyTTL)
		if err != nil {
			return err
		}
		envs = []EventEnvelope{{BusinessID: p.BusinessID, TxID: t.ID, Event: ev, Transaction: confirmed}}
		return nil
	})
	if err != nil {
		return fail(err)
	}
	var res ConfirmResult
	if err := decodeResult(payload, &res); err != nil {
		return fail(err)
	}
	done(outcomeLabel(replayed), nil)
	l.publish(ctx, envs)
	return res, nil
}

// ReleaseHold cancels a held transaction and frees its lock.
func (l *Ledger) ReleaseHold(ctx context.Context, businessID, txID, reason, idempotencyKey string) (ReleaseResult, error) {
	const op = "releaseHold"
	ctx, done := l.inst.track(ctx, op,
		attribute.String("business_id", businessID),
		attribute.String("tx_id", txID),
	)
	fail := func(err error) (ReleaseResult, error) {
		out, err := l.settle(ctx, op, done, err)
		return ReleaseResult{Outcome: out, TransactionID: txID}, err
	}
	if businessID == "" || txID == "" {
		return fail(invalid("businessId and transactionId required"))
	}
	if idempotencyKey == "" {
		return fail(ErrIdempotencyKeyRequired)
	}
	key := IdempotencyKey(OperationScope(ScopeCancel, businessID, txID), idempotencyKey)

	var payload []byte
	var replayed bool
	var envs []EventEnvelope
	err := l.atomic(ctx, op, func(ctx context.Context, tx Tx) error {
		envs = nil
		now := l.clock.Now()
		var err error
		if payload, replayed, err = lookupIdempotent(ctx, tx, key, now); err != nil || replayed {
			return err
		}
		t, err := tx.GetTransaction(ctx, businessID, txID)
		if err != nil {
			return err
		}
		if t.State != StateHeld {
			return fmt.Errorf("%w: transaction %s is %s", ErrWrongState, t.ID, t.State)
		}
		if !t.HoldActive(now) {
			return fmt.Errorf("%w: transaction %s", ErrHoldExpired, t.ID)
		}

		patch := TransactionPatch{From: StateHeld, To: StateCancelled, CancelReason: reason, UpdatedAt: now}
		cancelled, err := patch.Apply(t)
		if err != nil {
			return err
		}
		if err := tx.PatchTransaction(ctx, businessID, t.ID, patch); err != nil {
			return err
		}
		ev := TxEvent{
			ID:        l.newID(),
			Type:      EventCancelled,
			Data:      map[string]any{"reason": reason},
			CreatedAt: now,
		}
		if err := tx.AppendEvent(ctx, businessID, t.ID, ev); err != nil {
			return err
		}
		if err := releaseLock(ctx, tx, t); err != nil {
			return err
		}
		payload, err = stampIdempotent(ctx, tx, key, ScopeCancel, ReleaseResult{
			Outcome:       Outcome{Success: true},
			TransactionID: t.ID,
			State:         StateCancelled,
		}, now, l.idempotencyTTL)
		if err != nil {
			return err
		}
		envs = []EventEnvelope{{BusinessID: businessID, TxID: t.ID, Event: ev, Transaction: cancelled}}
		return nil
	})
	if err != nil {
		return fail(err)
	}
	var res ReleaseResult
	if err := decodeResult(payload, &res); err != nil {
		return fail(err)
	}
	done(outcomeLabel(replayed), nil)
	l.publish(ctx, envs)
	return res, nil
}

// CancelTransaction is ReleaseHold under the name callers of the
// reservation flow use.
func (l *Ledger) CancelTransaction(ctx context.Context, businessID, txID, reason, idempotencyKey string) (ReleaseResult, error) {
	return l.ReleaseHold(ctx, businessID, txID, reason, idempotencyKey)
}

// ExpireHold moves a lapsed hold to expired. It re-checks the state and
// expiry inside the block and returns false when there was nothing to do
// (already confirmed, cancelled, expired, or not yet lapsed).
func (l *Ledger) ExpireHold(ctx context.Context, businessID, txID string) (bool, error) {
	const op = "expireHold"
	ctx, done := l.inst.track(ctx, op,
		attribute.String("business_id", businessID),
		attribute.String("tx_id", txID),
	)
	var envs []EventEnvelope
	err := l.atomic(ctx, op, func(ctx context.Context, tx Tx) error {
		envs = nil
		now := l.clock.Now()
		t, err := tx.GetTransaction(ctx, businessID, txID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if t.State != StateHeld || t.HoldActive(now) {
			return nil
		}
		lapsedAt := *t.HoldExpiresAt
		patch := TransactionPatch{From: StateHeld, To: StateExpired, UpdatedAt: now}
		expired, err := patch.Apply(t)
		if err != nil {
			return err
		}
		if err := tx.PatchTransaction(ctx, businessID, t.ID, patch); err != nil {
			return err
		}
		ev := TxEvent{
			ID:        l.newID(),
			Type:      EventExpired,
			Data:      map[string]any{"holdExpiresAt": lapsedAt.Format(time.RFC3339Nano)},
			CreatedAt: now,
		}
		if err := tx.AppendEvent(ctx, businessID, t.ID, ev); err != nil {
			return err
		}
		if err := releaseLock(ctx, tx, t); err != nil {
			return err
		}
		envs = []EventEnvelope{{BusinessID: businessID, TxID: t.ID, Event: ev, Transaction: expired}}
		return nil
	})
	if err != nil {
		done("error", err)
		return false, opError(op, err)
	}
	if len(envs) == 0 {
		done("noop", nil)
		return false, nil
	}
	done("ok", nil)
	l.publish(ctx, envs)
	return true, nil
}

// GetExpiredHolds lists held transactions whose hold has lapsed, oldest first.
func (l *Ledger) GetExpiredHolds(ctx context.Context, limit int) ([]HoldRef, error) {
	refs, err := l.store.ListExpiredHolds(ctx, l.clock.Now(), limit)
	if err != nil {
		return nil, opError("getExpiredHolds", err)
	}
	return refs, nil
}

// PurgeIdempotency deletes expired idempotency records. Cleanup only:
// expired records are already ignored by lookups.
func (l *Ledger) PurgeIdempotency(ctx context.Context, limit int) (int, error) {
	n, err := l.store.PurgeIdempotency(ctx, l.clock.Now(), limit)
	if err != nil {
		return n, opError("purgeIdempotency", err)
	}
	return n, nil
}

// =============================================================================
// READS
// =============================================================================

func (l *Ledger) GetTransaction(ctx context.Context, businessID, txID string) (Transaction, error) {
	var t Transaction
	err := l.atomic(ctx, "getTransaction", func(ctx context.Context, tx Tx) error {
		var err error
		t, err = tx.GetTransaction(ctx, businessID, txID)
		return err
	})
	if err != nil {
		return Transaction{}, opError("getTransaction", err)
	}
	return t, nil
}

// Events returns a transaction's event history in commit order.
func (l *Ledger) Events(ctx context.Context, businessID, txID string) ([]TxEvent, error) {
	if _, err := l.GetTransaction(ctx, businessID, txID); err != nil {
		return nil, err
	}
	events, err := l.store.ListEvents(ctx, businessID, txID)
	if err != nil {
		return nil, opError("events", err)
	}
	return events, nil
}

// ReplayEvents re-publishes every committed event of a transaction.
// Used to recover notifications dropped after commit; consumers dedup.
func (l *Ledger) ReplayEvents(ctx context.Context, businessID, txID string) (int, error) {
	t, err := l.GetTransaction(ctx, businessID, txID)
	if err != nil {
		return 0, err
	}
	events, err := l.store.ListEvents(ctx, businessID, txID)
	if err != nil {
		return 0, opError("replayEvents", err)
	}
	envs := make([]EventEnvelope, 0, len(events))
	for _, ev := range events {
		envs = append(envs, EventEnvelope{BusinessID: businessID, TxID: txID, Event: ev, Transaction: t})
	}
	l.publish(ctx, envs)
	return len(envs), nil
}

func outcomeLabel(replayed bool) string {
	if replayed {
		return "replayed"
	}
	return "ok"
}
