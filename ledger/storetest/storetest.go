// Package storetest is a conformance suite for ledger.Store implementations.
// Each store's tests call Run with a factory returning an empty store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/execution-ledger/ledger"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) ledger.Store

var base = time.Date(2026, 10, 19, 18, 0, 0, 0, time.UTC)

// Run executes every conformance test against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("TransactionLifecycle", func(t *testing.T) { testTransactionLifecycle(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("Locks", func(t *testing.T) { testLocks(t, newStore(t)) })
	t.Run("Idempotency", func(t *testing.T) { testIdempotency(t, newStore(t)) })
	t.Run("EventsInOrder", func(t *testing.T) { testEvents(t, newStore(t)) })
	t.Run("ExpiredHolds", func(t *testing.T) { testExpiredHolds(t, newStore(t)) })
	t.Run("Dispatch", func(t *testing.T) { testDispatch(t, newStore(t)) })
	t.Run("LedgerFlow", func(t *testing.T) { testLedgerFlow(t, newStore(t)) })
	t.Run("ConcurrentHolds", func(t *testing.T) { testConcurrentHolds(t, newStore(t)) })
}

func heldTx(id, resource string, exp time.Time) ledger.Transaction {
	return ledger.Transaction{
		ID:         id,
		BusinessID: "bistro",
		State:      ledger.StateHeld,
		LineItems: []ledger.LineItem{{
			OfferingID: "menu", OfferingName: "Tasting menu", Quantity: 2,
			UnitPrice: decimal.RequireFromString("49.50"),
		}},
		Actor:         ledger.Actor{UserID: "u-1", Name: "Ada", Phone: "+15550001"},
		ResourceKey:   resource,
		LockKey:       ledger.LockKey("bistro", resource),
		HoldExpiresAt: &exp,
		CreatedAt:     base,
		UpdatedAt:     base,
	}
}

func atomic(t *testing.T, s ledger.Store, fn func(ctx context.Context, tx ledger.Tx) error) {
	t.Helper()
	require.NoError(t, s.RunAtomic(context.Background(), fn))
}

func testTransactionLifecycle(t *testing.T, s ledger.Store) {
	exp := base.Add(5 * time.Minute)
	created := heldTx("tx-1", "table-4", exp)

	atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		return tx.CreateTransaction(ctx, created)
	})

	err := s.RunAtomic(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		return tx.CreateTransaction(ctx, created)
	})
	assert.ErrorIs(t, err, ledger.ErrAlreadyExists)

	atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		got, err := tx.GetTransaction(ctx, "bistro", "tx-1")
		require.NoError(t, err)
		assert.Equal(t, ledger.StateHeld, got.State)
		assert.Equal(t, "table-4", got.ResourceKey)
		assert.Equal(t, created.Actor, got.Actor)
		require.Len(t, got.LineItems, 1)
		assert.True(t, got.Total().Equal(decimal.RequireFromString("99")))
		require.NotNil(t, got.HoldExpiresAt)
		assert.True(t, exp.Equal(*got.HoldExpiresAt))

		_, err = tx.GetTransaction(ctx, "bistro", "tx-404")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		_, err = tx.GetTransaction(ctx, "other-tenant", "tx-1")
		assert.ErrorIs(t, err, ledger.ErrNotFound)

		exists, err := tx.ConfirmationCodeExists(ctx, "bistro", "ABC234")
		require.NoError(t, err)
		assert.False(t, exists)

		return tx.PatchTransaction(ctx, "bistro", "tx-1", ledger.TransactionPatch{
			From: ledger.StateHeld, To: ledger.StateConfirmed,
			ConfirmationCode: "ABC234", UpdatedAt: base.Add(time.Minute),
		})
	})

	atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		got, err := tx.GetTransaction(ctx, "bistro", "tx-1")
		require.NoError(t, err)
		assert.Equal(t, ledger.StateConfirmed, got.State)
		assert.Equal(t, "ABC234", got.ConfirmationCode)
		assert.Nil(t, got.HoldExpiresAt)
		assert.NoError(t, got.CheckInvariants())

		exists, err := tx.ConfirmationCodeExists(ctx, "bistro", "ABC234")
		require.NoError(t, err)
		assert.True(t, exists)
		exists, err = tx.ConfirmationCodeExists(ctx, "other-tenant", "ABC234")
		require.NoError(t, err)
		assert.False(t, exists)
		return nil
	})

	// A stale precondition is a conflict; a forbidden transition is a state error.
	err = s.RunAtomic(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		return tx.PatchTransaction(ctx, "bistro", "tx-1", ledger.TransactionPatch{
			From: ledger.StateHeld, To: ledger.StateCancelled, UpdatedAt: base,
		})
	})
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	err = s.RunAtomic(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		return tx.PatchTransaction(ctx, "bistro", "tx-1", ledger.TransactionPatch{
			From: ledger.StateConfirmed, To: ledger.StateHeld, HoldExpiresAt: &exp, UpdatedAt: base,
		})
	})
	assert.ErrorIs(t, err, ledger.ErrWrongState)
}

func testRollback(t *testing.T, s ledger.Store) {
	boom := errors.New("boom")
	err := s.RunAtomic(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.CreateTransaction(ctx, heldTx("tx-1", "table-4", base.Add(time.Minute))); err != nil {
			return err
		}
		if err := tx.PutLock(ctx, ledger.ResourceLock{
			BusinessID: "bistro", Key: "k", ResourceKey: "table-4", TransactionID: "tx-1",
			ExpiresAt: base.Add(time.Minute), CreatedAt: base,
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		_, err := tx.GetTransaction(ctx, "bistro", "tx-1")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		_, err = tx.GetLock(ctx, "bistro", "k")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		return nil
	})
}

func testLocks(t *testing.T, s ledger.Store) {
	lock := ledger.ResourceLock{
		BusinessID: "bistro", Key: ledger.LockKey("bistro", "table-4"), ResourceKey: "table-4",
		TransactionID: "tx-1", ExpiresAt: base.Add(time.Minute), CreatedAt: base,
	}
	atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		return tx.PutLock(ctx, lock)
	})
	atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		got, err := tx.GetLock(ctx, "bistro", lock.Key)
		require.NoError(t, err)
		assert.Equal(t, "tx-1", got.TransactionID)
		assert.True(t, lock.ExpiresAt.Equal(got.ExpiresAt))

		// Overwrite by a new owner.
		lock.TransactionID = "tx-2"
		return tx.PutLock(ctx, lock)
	})
	atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		got, err := tx.GetLock(ctx, "bistro", lock.Key)
		require.NoError(t, err)
		assert.Equal(t, "tx-2", got.TransactionID)
		return tx.DeleteLock(ctx, "bistro", lock.Key)
	})
	atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		_, err := tx.GetLock(ctx, "bistro", lock.Key)
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		// Deleting an absent lock is not an error.
		return tx.DeleteLock(ctx, "bistro", lock.Key)
	})
}

func testIdempotency(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	rec := ledger.IdempotencyRecord{
		Key: "tx_hold:bistro:k1", Scope: ledger.ScopeHold,
		Result:    []byte(`{"success":true}`),
		CreatedAt: base, ExpiresAt: base.Add(time.Hour),
	}
	atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.PutIdempotency(ctx, rec); err != nil {
			return err
		}
		old := rec
		old.Key = "tx_hold:bistro:k0"
		old.ExpiresAt = base.Add(-time.Minute)
		return tx.PutIdempotency(ctx, old)
	})
	atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		got, err := tx.GetIdempotency(ctx, rec.Key)
		require.NoError(t, err)
		assert.JSONEq(t, string(rec.Result), string(got.Result))
		assert.Equal(t, ledger.ScopeHold, got.Scope)
		assert.True(t, rec.ExpiresAt.Equal(got.ExpiresAt))

		_, err = tx.GetIdempotency(ctx, "tx_hold:bistro:missing")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		return nil
	})

	n, err := s.PurgeIdempotency(ctx, base, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		_, err := tx.GetIdempotency(ctx, "tx_hold:bistro:k0")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		_, err = tx.GetIdempotency(ctx, rec.Key)
		assert.NoError(t, err)
		return nil
	})
}

func testEvents(t *testing.T, s ledger.Store) {
	atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		return tx.CreateTransaction(ctx, heldTx("tx-1", "table-4", base.Add(time.Minute)))
	})
	for i := 0; i < 3; i++ {
		ev := ledger.TxEvent{
			ID: fmt.Sprintf("ev-%d", 3-i), Type: ledger.EventCancelled,
			Data: map[string]any{"step": fmt.Sprint(i)}, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
			return tx.AppendEvent(ctx, "bistro", "tx-1", ev)
		})
	}

	err := s.RunAtomic(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		return tx.AppendEvent(ctx, "bistro", "tx-404", ledger.TxEvent{ID: "x", Type: ledger.EventExpired, CreatedAt: base})
	})
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	events, err := s.ListEvents(context.Background(), "bistro", "tx-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []string{"ev-3", "ev-2", "ev-1"}, []string{events[0].ID, events[1].ID, events[2].ID})
	assert.Equal(t, "0", events[0].Data["step"])
}

func testExpiredHolds(t *testing.T, s ledger.Store) {
	atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		for i, offset := range []time.Duration{3 * time.Minute, time.Minute, 2 * time.Minute, 10 * time.Minute} {
			if err := tx.CreateTransaction(ctx, heldTx(fmt.Sprintf("tx-%d", i), fmt.Sprintf("r-%d", i), base.Add(offset))); err != nil {
				return err
			}
		}
		return nil
	})
	now := base.Add(5 * time.Minute)

	refs, err := s.ListExpiredHolds(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, "tx-1", refs[0].TransactionID)
	assert.Equal(t, "tx-2", refs[1].TransactionID)
	assert.Equal(t, "tx-0", refs[2].TransactionID)
	assert.Equal(t, "bistro", refs[0].BusinessID)

	refs, err = s.ListExpiredHolds(context.Background(), now, 2)
	require.NoError(t, err)
	assert.Len(t, refs, 2)
}

func testDispatch(t *testing.T, s ledger.Store) {
	exp := base.Add(time.Minute)
	atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.CreateDispatchRequest(ctx, ledger.DispatchRequest{
			ID: "ride-1", Status: ledger.DispatchPending, BroadcastSentTo: []string{"a", "b"},
			CreatedAt: base, UpdatedAt: base, ExpiresAt: &exp,
		}); err != nil {
			return err
		}
		return tx.PutResponder(ctx, ledger.Responder{ID: "a", Status: ledger.ResponderAvailable, UpdatedAt: base})
	})

	stale, err := s.ListStaleDispatchRequests(context.Background(), base.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"ride-1"}, stale)

	atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		req, err := tx.GetDispatchRequest(ctx, "ride-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, req.BroadcastSentTo)
		require.NotNil(t, req.ExpiresAt)

		if err := tx.PatchDispatchRequest(ctx, "ride-1", ledger.DispatchPatch{
			From: ledger.DispatchPending, To: ledger.DispatchAssigned, AssignedResponderID: "a", UpdatedAt: base,
		}); err != nil {
			return err
		}
		return tx.PutResponder(ctx, ledger.Responder{ID: "a", Status: ledger.ResponderBusy, CurrentRequestID: "ride-1", UpdatedAt: base})
	})

	atomic(t, s, func(ctx context.Context, tx ledger.Tx) error {
		req, err := tx.GetDispatchRequest(ctx, "ride-1")
		require.NoError(t, err)
		assert.Equal(t, ledger.DispatchAssigned, req.Status)
		assert.Equal(t, "a", req.AssignedResponderID)

		r, err := tx.GetResponder(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, ledger.ResponderBusy, r.Status)
		assert.Equal(t, "ride-1", r.CurrentRequestID)

		_, err = tx.GetResponder(ctx, "nobody")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		_, err = tx.GetDispatchRequest(ctx, "ride-404")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		return nil
	})

	stale, err = s.ListStaleDispatchRequests(context.Background(), base.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func testLedgerFlow(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	clock := ledger.NewManualClock(base)
	l := ledger.New(s, ledger.WithClock(clock))

	p := ledger.HoldParams{
		BusinessID: "bistro",
		LineItems: []ledger.LineItem{{
			OfferingID: "table-2p", Quantity: 1, UnitPrice: decimal.RequireFromString("10"),
		}},
		Actor:        ledger.Actor{UserID: "u-1"},
		ResourceKey:  "table-4",
		HoldDuration: 300 * time.Second,
	}
	first, err := l.CreateHold(ctx, p, "k-1")
	require.NoError(t, err)
	require.True(t, first.Success, first.Error)

	replay, err := l.CreateHold(ctx, p, "k-1")
	require.NoError(t, err)
	assert.Equal(t, first, replay)

	taken, err := l.CreateHold(ctx, p, "k-2")
	require.NoError(t, err)
	assert.Equal(t, ledger.CodeSlotTaken, taken.ErrorCode)

	conf, err := l.ConfirmTransaction(ctx, ledger.ConfirmParams{BusinessID: "bistro", TransactionID: first.Transaction.ID}, "c-1")
	require.NoError(t, err)
	require.True(t, conf.Success, conf.Error)

	again, err := l.ConfirmTransaction(ctx, ledger.ConfirmParams{BusinessID: "bistro", TransactionID: first.Transaction.ID}, "c-1")
	require.NoError(t, err)
	assert.Equal(t, conf, again)

	events, err := l.Events(ctx, "bistro", first.Transaction.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, conf.ConfirmationCode, events[0].Data["confirmationCode"])

	// The slot is free again after confirmation.
	next, err := l.CreateHold(ctx, p, "k-3")
	require.NoError(t, err)
	require.True(t, next.Success)

	clock.Advance(301 * time.Second)
	refs, err := l.GetExpiredHolds(ctx, 10)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	ok, err := l.ExpireHold(ctx, refs[0].BusinessID, refs[0].TransactionID)
	require.NoError(t, err)
	assert.True(t, ok)

	tx, err := l.GetTransaction(ctx, "bistro", next.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateExpired, tx.State)
}

func testConcurrentHolds(t *testing.T, s ledger.Store) {
	l := ledger.New(s, ledger.WithRetryPolicy(ledger.RetryPolicy{
		MaxAttempts: 20, InitialInterval: time.Millisecond, MaxInterval: 20 * time.Millisecond,
		Multiplier: 2, RandomizationFactor: 0.5,
	}))
	const n = 8

	var wg sync.WaitGroup
	wins := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := l.CreateHold(context.Background(), ledger.HoldParams{
				BusinessID:  "bistro",
				LineItems:   []ledger.LineItem{{OfferingID: "o", Quantity: 1, UnitPrice: decimal.NewFromInt(1)}},
				Actor:       ledger.Actor{UserID: fmt.Sprintf("u-%d", i)},
				ResourceKey: "table-9",
			}, fmt.Sprintf("k-%d", i))
			if assert.NoError(t, err) && res.Success {
				wins[i] = true
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, w := range wins {
		if w {
			total++
		}
	}
	assert.Equal(t, 1, total)
}
