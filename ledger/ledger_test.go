package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/execution-ledger/ledger"
	"github.com/warp/execution-ledger/ledger/store"
)

// =============================================================================
// HELPERS
// =============================================================================

var t0 = time.Date(2026, 10, 19, 18, 0, 0, 0, time.UTC)

func fastRetry() ledger.RetryPolicy {
	return ledger.RetryPolicy{
		MaxAttempts:         10,
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		Multiplier:          2,
		RandomizationFactor: 0.5,
	}
}

type fixture struct {
	ledger *ledger.Ledger
	store  *store.Memory
	clock  *ledger.ManualClock
	events *recorder
}

func newFixture(t *testing.T, opts ...ledger.Option) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemory(),
		clock:  ledger.NewManualClock(t0),
		events: &recorder{},
	}
	base := []ledger.Option{
		ledger.WithClock(f.clock),
		ledger.WithRetryPolicy(fastRetry()),
		ledger.WithEventHandler(f.events),
	}
	f.ledger = ledger.New(f.store, append(base, opts...)...)
	return f
}

type recorder struct {
	mu   sync.Mutex
	envs []ledger.EventEnvelope
}

func (r *recorder) HandleEvent(_ context.Context, env ledger.EventEnvelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *recorder) all() []ledger.EventEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ledger.EventEnvelope(nil), r.envs...)
}

func holdParams(resource string) ledger.HoldParams {
	return ledger.HoldParams{
		BusinessID: "bistro",
		LineItems: []ledger.LineItem{{
			OfferingID:   "table-2p",
			OfferingName: "Table for two",
			Quantity:     1,
			UnitPrice:    decimal.RequireFromString("25.00"),
		}},
		Actor:        ledger.Actor{UserID: "u-1", Name: "Ada", Phone: "+15550001"},
		ResourceKey:  resource,
		HoldDuration: 300 * time.Second,
	}
}

func mustHold(t *testing.T, f *fixture, resource, key string) ledger.Transaction {
	t.Helper()
	res, err := f.ledger.CreateHold(context.Background(), holdParams(resource), key)
	require.NoError(t, err)
	require.True(t, res.Success, "hold failed: %s %s", res.ErrorCode, res.Error)
	require.NotNil(t, res.Transaction)
	return *res.Transaction
}

func confirm(f *fixture, txID, key string) (ledger.ConfirmResult, error) {
	return f.ledger.ConfirmTransaction(context.Background(), ledger.ConfirmParams{
		BusinessID:    "bistro",
		TransactionID: txID,
		ActorType:     "customer",
		ActorID:       "u-1",
	}, key)
}

func lockCount(f *fixture) int {
	return f.store.Count("tenants/bistro/resourceLocks/")
}

// =============================================================================
// HOLD
// =============================================================================

func TestCreateHold_SecondKeySameSlot_SlotTaken(t *testing.T) {
	// GIVEN: Customer A holds table-4 at 19:00 for 300s
	// WHEN: Customer B asks for the same slot with a different key
	// THEN: B gets SLOT_TAKEN and only A's transaction exists
	f := newFixture(t)
	slot := ledger.SlotKey("table-4", t0.Add(time.Hour))
	a := mustHold(t, f, slot, "key-a")

	res, err := f.ledger.CreateHold(context.Background(), holdParams(slot), "key-b")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ledger.CodeSlotTaken, res.ErrorCode)
	assert.Nil(t, res.Transaction)

	assert.Equal(t, ledger.StateHeld, a.State)
	require.NotNil(t, a.HoldExpiresAt)
	assert.True(t, t0.Add(300*time.Second).Equal(*a.HoldExpiresAt))
	assert.Equal(t, 1, lockCount(f))
}

func TestCreateHold_SameKeyReplay_IdenticalResult(t *testing.T) {
	// GIVEN: createHold succeeded with key K
	// WHEN: The caller retries with K (network retry)
	// THEN: Identical result, one transaction, one lock
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.ledger.CreateHold(ctx, holdParams("table-4"), "key-k")
	require.NoError(t, err)
	require.True(t, first.Success)

	f.clock.Advance(10 * time.Second)
	second, err := f.ledger.CreateHold(ctx, holdParams("table-4"), "key-k")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.store.Count("tenants/bistro/transactions/"))
	assert.Equal(t, 1, lockCount(f))
}

func TestCreateHold_FailureNotCached(t *testing.T) {
	// GIVEN: Key K got SLOT_TAKEN
	// WHEN: The slot frees up and K is retried
	// THEN: The retry re-evaluates and succeeds
	f := newFixture(t)
	ctx := context.Background()
	a := mustHold(t, f, "table-4", "key-a")

	res, err := f.ledger.CreateHold(ctx, holdParams("table-4"), "key-b")
	require.NoError(t, err)
	require.Equal(t, ledger.CodeSlotTaken, res.ErrorCode)

	rel, err := f.ledger.ReleaseHold(ctx, "bistro", a.ID, "changed plans", "rel-a")
	require.NoError(t, err)
	require.True(t, rel.Success)

	res, err = f.ledger.CreateHold(ctx, holdParams("table-4"), "key-b")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestCreateHold_LapsedLockIsAbsent(t *testing.T) {
	// GIVEN: A hold that lapsed but was never swept
	// WHEN: Another caller holds the same resource
	// THEN: The new hold succeeds and owns the lock
	f := newFixture(t)
	stale := mustHold(t, f, "table-4", "key-a")
	f.clock.Advance(301 * time.Second)

	fresh := mustHold(t, f, "table-4", "key-b")
	assert.NotEqual(t, stale.ID, fresh.ID)

	// Expiring the stale owner later must not remove the new owner's lock.
	ok, err := f.ledger.ExpireHold(context.Background(), "bistro", stale.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, lockCount(f))

	res, err := confirm(f, fresh.ID, "confirm-b")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestCreateHold_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.CreateHold(ctx, holdParams("table-4"), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrIdempotencyKeyRequired)
	assert.True(t, ledger.IsClientError(err))

	p := holdParams("table-4")
	p.LineItems = nil
	_, err = f.ledger.CreateHold(ctx, p, "k")
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)

	p = holdParams("table-4")
	p.HoldDuration = 2 * time.Hour
	_, err = f.ledger.CreateHold(ctx, p, "k")
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)

	assert.Equal(t, 0, lockCount(f))
}

func TestCreateHold_DefaultDuration(t *testing.T) {
	f := newFixture(t, ledger.WithHoldDurations(2*time.Minute, 10*time.Minute))
	p := holdParams("table-4")
	p.HoldDuration = 0

	res, err := f.ledger.CreateHold(context.Background(), p, "k")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.True(t, t0.Add(2*time.Minute).Equal(*res.HoldExpiresAt))
}

func TestCreateHold_PromotesDraft(t *testing.T) {
	// GIVEN: A draft transaction
	// WHEN: createHold names it
	// THEN: The same transaction moves to held and takes the lock
	f := newFixture(t)
	ctx := context.Background()
	hp := holdParams("table-4")

	draft, err := f.ledger.CreateDraft(ctx, ledger.DraftParams{
		BusinessID: "bistro",
		LineItems:  hp.LineItems,
		Actor:      hp.Actor,
	}, "draft-1")
	require.NoError(t, err)
	require.True(t, draft.Success)
	assert.Equal(t, ledger.StateDraft, draft.Transaction.State)
	assert.Equal(t, 0, lockCount(f))

	hold, err := f.ledger.CreateHold(ctx, ledger.HoldParams{
		BusinessID:    "bistro",
		TransactionID: draft.Transaction.ID,
		ResourceKey:   "table-4",
	}, "hold-1")
	require.NoError(t, err)
	require.True(t, hold.Success, hold.Error)
	assert.Equal(t, draft.Transaction.ID, hold.Transaction.ID)
	assert.Equal(t, ledger.StateHeld, hold.Transaction.State)
	assert.True(t, hp.LineItems[0].UnitPrice.Equal(hold.Transaction.LineItems[0].UnitPrice))
	assert.Equal(t, "table-4", hold.Transaction.ResourceKey)
	assert.Equal(t, 1, lockCount(f))

	// Holding it again under a new key is a state error, not a second lock.
	again, err := f.ledger.CreateHold(ctx, ledger.HoldParams{
		BusinessID:    "bistro",
		TransactionID: draft.Transaction.ID,
		ResourceKey:   "table-5",
	}, "hold-2")
	require.NoError(t, err)
	assert.Equal(t, ledger.CodeWrongState, again.ErrorCode)
	assert.Equal(t, 1, lockCount(f))
}

func TestCreateDraft_Replay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hp := holdParams("x")
	p := ledger.DraftParams{BusinessID: "bistro", LineItems: hp.LineItems, Actor: hp.Actor}

	first, err := f.ledger.CreateDraft(ctx, p, "d")
	require.NoError(t, err)
	second, err := f.ledger.CreateDraft(ctx, p, "d")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.True(t, first.Transaction.Total().Equal(decimal.RequireFromString("25")))
}

// =============================================================================
// CONFIRM
// =============================================================================

func TestConfirm_ActiveHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	held := mustHold(t, f, "table-4", "key-a")

	res, err := confirm(f, held.ID, "confirm-1")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Len(t, res.ConfirmationCode, 6)
	assert.Equal(t, held.ID, res.TransactionID)

	tx, err := f.ledger.GetTransaction(ctx, "bistro", held.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateConfirmed, tx.State)
	assert.Equal(t, res.ConfirmationCode, tx.ConfirmationCode)
	assert.Nil(t, tx.HoldExpiresAt)
	assert.NoError(t, tx.CheckInvariants())

	// Confirmation frees the slot.
	assert.Equal(t, 0, lockCount(f))

	events, err := f.ledger.Events(ctx, "bistro", held.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.EventConfirmed, events[0].Type)

	published := f.events.all()
	require.Len(t, published, 1)
	assert.Equal(t, events[0].ID, published[0].Event.ID)
	assert.Equal(t, ledger.StateConfirmed, published[0].Transaction.State)
}

func TestConfirm_AfterHoldLapsed_HoldExpired(t *testing.T) {
	// GIVEN: A 300s hold
	// WHEN: Confirm arrives 310s later, before any sweep
	// THEN: HOLD_EXPIRED; no event, no code
	f := newFixture(t)
	held := mustHold(t, f, "table-4", "key-a")
	f.clock.Advance(310 * time.Second)

	res, err := confirm(f, held.ID, "confirm-1")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ledger.CodeHoldExpired, res.ErrorCode)
	assert.Empty(t, res.ConfirmationCode)

	events, err := f.ledger.Events(context.Background(), "bistro", held.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Empty(t, f.events.all())
}

func TestConfirm_SameKeyReplay_OneEvent(t *testing.T) {
	f := newFixture(t)
	held := mustHold(t, f, "table-4", "key-a")

	first, err := confirm(f, held.ID, "confirm-1")
	require.NoError(t, err)
	require.True(t, first.Success)

	for i := 0; i < 3; i++ {
		again, err := confirm(f, held.ID, "confirm-1")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	events, err := f.ledger.Events(context.Background(), "bistro", held.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Len(t, f.events.all(), 1)
}

func TestConfirm_TerminalStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	confirmed := mustHold(t, f, "table-1", "h1")
	_, err := confirm(f, confirmed.ID, "c1")
	require.NoError(t, err)
	res, err := confirm(f, confirmed.ID, "c1-other-key")
	require.NoError(t, err)
	assert.Equal(t, ledger.CodeWrongState, res.ErrorCode)

	cancelled := mustHold(t, f, "table-2", "h2")
	_, err = f.ledger.ReleaseHold(ctx, "bistro", cancelled.ID, "", "r2")
	require.NoError(t, err)
	res, err = confirm(f, cancelled.ID, "c2")
	require.NoError(t, err)
	assert.Equal(t, ledger.CodeWrongState, res.ErrorCode)

	expired := mustHold(t, f, "table-3", "h3")
	f.clock.Advance(301 * time.Second)
	ok, err := f.ledger.ExpireHold(ctx, "bistro", expired.ID)
	require.NoError(t, err)
	require.True(t, ok)
	res, err = confirm(f, expired.ID, "c3")
	require.NoError(t, err)
	assert.Equal(t, ledger.CodeHoldExpired, res.ErrorCode)

	res, err = confirm(f, "missing", "c4")
	require.NoError(t, err)
	assert.Equal(t, ledger.CodeNotFound, res.ErrorCode)
}

func TestConfirm_CodesUniquePerTenant(t *testing.T) {
	f := newFixture(t)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		held := mustHold(t, f, fmt.Sprintf("table-%d", i), fmt.Sprintf("h-%d", i))
		res, err := confirm(f, held.ID, fmt.Sprintf("c-%d", i))
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.False(t, seen[res.ConfirmationCode], "duplicate code %s", res.ConfirmationCode)
		seen[res.ConfirmationCode] = true
	}
}

func TestIdempotency_SameTxIDAndKeyInTwoTenants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	holdIn := func(business, txID string) {
		p := holdParams("table-1")
		p.BusinessID = business
		p.TransactionID = txID
		res, err := f.ledger.CreateHold(ctx, p, "h-"+txID)
		require.NoError(t, err)
		require.True(t, res.Success, "hold in %s failed: %s", business, res.Error)
	}
	holdIn("bistro", "T1")
	holdIn("cafe", "T1")

	// GIVEN: both tenants confirm their own T1 with the same caller key
	bistro, err := confirm(f, "T1", "c1")
	require.NoError(t, err)
	require.True(t, bistro.Success)

	cafe, err := f.ledger.ConfirmTransaction(ctx, ledger.ConfirmParams{
		BusinessID: "cafe", TransactionID: "T1", ActorType: "customer", ActorID: "u-2",
	}, "c1")
	require.NoError(t, err)
	require.True(t, cafe.Success)

	// THEN: the cafe confirm did real work on the cafe transaction
	require.NotNil(t, cafe.Transaction)
	assert.Equal(t, "cafe", cafe.Transaction.BusinessID)
	got, err := f.ledger.GetTransaction(ctx, "cafe", "T1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateConfirmed, got.State)
	assert.Equal(t, cafe.ConfirmationCode, got.ConfirmationCode)

	// Cancel follows the same rule.
	holdIn("bistro", "T2")
	holdIn("cafe", "T2")
	_, err = f.ledger.ReleaseHold(ctx, "bistro", "T2", "", "r1")
	require.NoError(t, err)
	rel, err := f.ledger.ReleaseHold(ctx, "cafe", "T2", "", "r1")
	require.NoError(t, err)
	require.True(t, rel.Success)
	got, err = f.ledger.GetTransaction(ctx, "cafe", "T2")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCancelled, got.State)
}

// =============================================================================
// RELEASE / EXPIRE
// =============================================================================

func TestReleaseHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	held := mustHold(t, f, "table-4", "key-a")

	res, err := f.ledger.CancelTransaction(ctx, "bistro", held.ID, "customer request", "rel-1")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, ledger.StateCancelled, res.State)
	assert.Equal(t, 0, lockCount(f))

	replay, err := f.ledger.ReleaseHold(ctx, "bistro", held.ID, "customer request", "rel-1")
	require.NoError(t, err)
	assert.Equal(t, res, replay)

	other, err := f.ledger.ReleaseHold(ctx, "bistro", held.ID, "", "rel-2")
	require.NoError(t, err)
	assert.Equal(t, ledger.CodeWrongState, other.ErrorCode)

	missing, err := f.ledger.ReleaseHold(ctx, "bistro", "nope", "", "rel-3")
	require.NoError(t, err)
	assert.Equal(t, ledger.CodeNotFound, missing.ErrorCode)

	tx, err := f.ledger.GetTransaction(ctx, "bistro", held.ID)
	require.NoError(t, err)
	assert.Equal(t, "customer request", tx.CancelReason)

	events, err := f.ledger.Events(ctx, "bistro", held.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.EventCancelled, events[0].Type)
}

func TestExpireHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	held := mustHold(t, f, "table-4", "key-a")

	// Not lapsed yet: no-op.
	ok, err := f.ledger.ExpireHold(ctx, "bistro", held.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	refs, err := f.ledger.GetExpiredHolds(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, refs)

	f.clock.Advance(301 * time.Second)
	refs, err = f.ledger.GetExpiredHolds(ctx, 10)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, held.ID, refs[0].TransactionID)

	ok, err = f.ledger.ExpireHold(ctx, "bistro", held.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	tx, err := f.ledger.GetTransaction(ctx, "bistro", held.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateExpired, tx.State)
	assert.Nil(t, tx.HoldExpiresAt)
	assert.Equal(t, 0, lockCount(f))

	// Second expire is a no-op and appends nothing.
	ok, err = f.ledger.ExpireHold(ctx, "bistro", held.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	events, err := f.ledger.Events(ctx, "bistro", held.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	ok, err = f.ledger.ExpireHold(ctx, "bistro", "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpireHold_AfterConfirm_NoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	held := mustHold(t, f, "table-4", "key-a")
	_, err := confirm(f, held.ID, "c")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	ok, err := f.ledger.ExpireHold(ctx, "bistro", held.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	tx, err := f.ledger.GetTransaction(ctx, "bistro", held.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateConfirmed, tx.State)
}

// =============================================================================
// IDEMPOTENCY RETENTION
// =============================================================================

func TestIdempotency_ExpiredRecordTreatedAsAbsent(t *testing.T) {
	f := newFixture(t, ledger.WithIdempotencyRetention(time.Hour))
	ctx := context.Background()
	first := mustHold(t, f, "table-4", "key-k")

	f.clock.Advance(2 * time.Hour)
	second := mustHold(t, f, "table-4", "key-k")
	assert.NotEqual(t, first.ID, second.ID)

	n, err := f.ledger.PurgeIdempotency(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(2 * time.Hour)
	n, err = f.ledger.PurgeIdempotency(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestCreateHold_ConcurrentClaimants_OneWinner(t *testing.T) {
	f := newFixture(t)
	const n = 20

	var wg sync.WaitGroup
	results := make([]ledger.HoldResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.ledger.CreateHold(context.Background(), holdParams("table-4"), fmt.Sprintf("key-%d", i))
		}(i)
	}
	wg.Wait()

	wins := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if results[i].Success {
			wins++
		} else {
			assert.Equal(t, ledger.CodeSlotTaken, results[i].ErrorCode)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, lockCount(f))
	assert.Equal(t, 1, f.store.Count("tenants/bistro/transactions/"))
}

func TestConfirm_ConcurrentSameKey_OneEvent(t *testing.T) {
	f := newFixture(t)
	held := mustHold(t, f, "table-4", "key-a")
	const n = 10

	var wg sync.WaitGroup
	results := make([]ledger.ConfirmResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := confirm(f, held.ID, "confirm-1")
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Equal(t, results[0], results[i])
	}
	assert.True(t, results[0].Success)
	events, err := f.ledger.Events(context.Background(), "bistro", held.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

// conflictingStore fails every commit with a conflict.
type conflictingStore struct {
	*store.Memory
	calls int
}

func (s *conflictingStore) RunAtomic(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	s.calls++
	return fmt.Errorf("commit: %w", ledger.ErrConcurrentModification)
}

func TestRetry_ExhaustedConflictsAreInternal(t *testing.T) {
	s := &conflictingStore{Memory: store.NewMemory()}
	policy := fastRetry()
	policy.MaxAttempts = 4
	l := ledger.New(s, ledger.WithRetryPolicy(policy))

	res, err := l.CreateHold(context.Background(), holdParams("table-4"), "k")
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.True(t, ledger.IsRetryable(err))
	assert.Equal(t, ledger.CodeInternal, ledger.CodeOf(err))
	assert.Equal(t, 4, s.calls)
}

// =============================================================================
// EVENTS
// =============================================================================

func TestReplayEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	held := mustHold(t, f, "table-4", "key-a")
	_, err := confirm(f, held.ID, "c")
	require.NoError(t, err)

	n, err := f.ledger.ReplayEvents(ctx, "bistro", held.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	published := f.events.all()
	require.Len(t, published, 2)
	assert.Equal(t, published[0].Event.ID, published[1].Event.ID)

	_, err = f.ledger.ReplayEvents(ctx, "bistro", "missing")
	assert.True(t, ledger.IsNotFound(err))
}

func TestEventHandlerError_DoesNotUndoCommit(t *testing.T) {
	failing := ledger.EventHandlerFunc(func(context.Context, ledger.EventEnvelope) error {
		return fmt.Errorf("gateway down")
	})
	f := newFixture(t, ledger.WithEventHandler(failing))
	held := mustHold(t, f, "table-4", "key-a")

	res, err := confirm(f, held.ID, "c")
	require.NoError(t, err)
	assert.True(t, res.Success)
}
