package sweeper

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/execution-ledger/ledger"
	"github.com/warp/execution-ledger/ledger/store"
)

var t0 = time.Date(2026, 10, 19, 18, 0, 0, 0, time.UTC)

func hold(t *testing.T, l *ledger.Ledger, resource, key string) ledger.HoldResult {
	t.Helper()
	res, err := l.CreateHold(context.Background(), ledger.HoldParams{
		BusinessID:   "bistro",
		LineItems:    []ledger.LineItem{{OfferingID: "dinner", Quantity: 2, UnitPrice: decimal.NewFromInt(40)}},
		Actor:        ledger.Actor{UserID: "u-1", Phone: "+15550100"},
		ResourceKey:  resource,
		HoldDuration: 5 * time.Minute,
	}, key)
	require.NoError(t, err)
	require.True(t, res.Success)
	return res
}

func TestRunOnce_ExpiresLapsedHoldAndRemovesLock(t *testing.T) {
	// GIVEN: A 5 minute hold, 1 second past expiry
	// WHEN: The sweeper runs
	// THEN: The hold is expired, its lock is gone, and an expired event exists
	mem := store.NewMemory()
	clock := ledger.NewManualClock(t0)
	l := ledger.New(mem, ledger.WithClock(clock))
	res := hold(t, l, "table-4@2026-10-19T19:00:00Z", "k-1")
	require.Equal(t, 1, mem.Count("tenants/bistro/resourceLocks/"))

	clock.Advance(5*time.Minute + time.Second)
	report := New(l, nil).RunOnce(context.Background())

	assert.True(t, report.Ran)
	assert.Equal(t, 1, report.Expired)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 0, mem.Count("tenants/bistro/resourceLocks/"))

	tx, err := l.GetTransaction(context.Background(), "bistro", res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateExpired, tx.State)
	assert.Nil(t, tx.HoldExpiresAt)

	events, err := l.Events(context.Background(), "bistro", res.Transaction.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.EventExpired, events[0].Type)
}

func TestRunOnce_LeavesActiveHoldsAlone(t *testing.T) {
	mem := store.NewMemory()
	clock := ledger.NewManualClock(t0)
	l := ledger.New(mem, ledger.WithClock(clock))
	hold(t, l, "table-4", "k-1")

	clock.Advance(4 * time.Minute)
	report := New(l, nil).RunOnce(context.Background())

	assert.Zero(t, report.Expired)
	assert.Equal(t, 1, mem.Count("tenants/bistro/resourceLocks/"))
}

func TestRunOnce_RespectsBatchSize(t *testing.T) {
	mem := store.NewMemory()
	clock := ledger.NewManualClock(t0)
	l := ledger.New(mem, ledger.WithClock(clock))
	for _, r := range []string{"t1", "t2", "t3"} {
		hold(t, l, r, "k-"+r)
	}
	clock.Advance(time.Hour)

	s := New(l, nil)
	s.BatchSize = 2
	assert.Equal(t, 2, s.RunOnce(context.Background()).Expired)
	assert.Equal(t, 1, s.RunOnce(context.Background()).Expired)
	assert.Equal(t, 0, s.RunOnce(context.Background()).Expired)
}

func TestRunOnce_ExpiresStaleDispatchRequests(t *testing.T) {
	mem := store.NewMemory()
	clock := ledger.NewManualClock(t0)
	d := ledger.NewDispatcher(mem, ledger.WithClock(clock))
	req, err := d.CreateRequest(context.Background(), ledger.DispatchParams{
		Responders: []string{"driver-1", "driver-2"},
		TTL:        time.Minute,
	})
	require.NoError(t, err)

	s := New(ledger.New(mem, ledger.WithClock(clock)), nil)
	s.Dispatcher = d

	assert.Zero(t, s.RunOnce(context.Background()).DispatchExpired)
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, s.RunOnce(context.Background()).DispatchExpired)

	got, err := d.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.DispatchExpired, got.Status)
}

func TestRunOnce_PurgesIdempotencyRecords(t *testing.T) {
	mem := store.NewMemory()
	clock := ledger.NewManualClock(t0)
	l := ledger.New(mem, ledger.WithClock(clock), ledger.WithIdempotencyRetention(time.Hour))
	hold(t, l, "table-4", "k-1")
	require.Equal(t, 1, mem.Count("idempotency/"))

	clock.Advance(2 * time.Hour)
	report := New(l, nil).RunOnce(context.Background())
	assert.Equal(t, 1, report.Purged)
	assert.Equal(t, 0, mem.Count("idempotency/"))
}

// =============================================================================
// FAILURE ISOLATION
// =============================================================================

type fakeLedger struct {
	mu      sync.Mutex
	refs    []ledger.HoldRef
	failing map[string]bool
	calls   []string
	runs    atomic.Int32
}

func (f *fakeLedger) GetExpiredHolds(context.Context, int) ([]ledger.HoldRef, error) {
	f.runs.Add(1)
	return f.refs, nil
}

func (f *fakeLedger) ExpireHold(_ context.Context, _, txID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, txID)
	if f.failing[txID] {
		return false, errors.New("store unavailable")
	}
	if txID == "tx-done" {
		return false, nil
	}
	return true, nil
}

func (f *fakeLedger) PurgeIdempotency(context.Context, int) (int, error) { return 0, nil }

func TestRunOnce_OneFailureDoesNotAbortBatch(t *testing.T) {
	f := &fakeLedger{
		refs: []ledger.HoldRef{
			{BusinessID: "b", TransactionID: "tx-1"},
			{BusinessID: "b", TransactionID: "tx-bad"},
			{BusinessID: "b", TransactionID: "tx-done"},
			{BusinessID: "b", TransactionID: "tx-2"},
		},
		failing: map[string]bool{"tx-bad": true},
	}
	report := New(f, nil).RunOnce(context.Background())

	assert.Equal(t, []string{"tx-1", "tx-bad", "tx-done", "tx-2"}, f.calls)
	assert.Equal(t, 2, report.Expired)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Skipped)
}

// pagedLedger lists lapsed holds oldest first and honours limit, like the
// real stores. Holds in poison always fail to expire.
type pagedLedger struct {
	mu     sync.Mutex
	refs   []ledger.HoldRef
	poison map[string]bool
}

func (p *pagedLedger) GetExpiredHolds(_ context.Context, limit int) ([]ledger.HoldRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if limit > len(p.refs) {
		limit = len(p.refs)
	}
	return append([]ledger.HoldRef(nil), p.refs[:limit]...), nil
}

func (p *pagedLedger) ExpireHold(_ context.Context, _, txID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.poison[txID] {
		return false, errors.New("cannot decode row")
	}
	for i, ref := range p.refs {
		if ref.TransactionID == txID {
			p.refs = append(p.refs[:i], p.refs[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (p *pagedLedger) PurgeIdempotency(context.Context, int) (int, error) { return 0, nil }

func TestRunOnce_FailingHoldsDoNotStarveHealthyOnes(t *testing.T) {
	// GIVEN: A full batch of holds that always fail, listed ahead of healthy ones
	// WHEN: The sweeper runs
	// THEN: It steps over the failing holds and still expires a batch of healthy ones
	p := &pagedLedger{poison: map[string]bool{"bad-1": true, "bad-2": true}}
	for _, id := range []string{"bad-1", "bad-2", "tx-1", "tx-2", "tx-3"} {
		p.refs = append(p.refs, ledger.HoldRef{BusinessID: "b", TransactionID: id})
	}
	s := New(p, nil)
	s.BatchSize = 2

	report := s.RunOnce(context.Background())
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 2, report.Expired)

	report = s.RunOnce(context.Background())
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 1, report.Expired)

	ids := make([]string, 0, len(p.refs))
	for _, ref := range p.refs {
		ids = append(ids, ref.TransactionID)
	}
	assert.Equal(t, []string{"bad-1", "bad-2"}, ids)
}

// =============================================================================
// LEASE
// =============================================================================

type fakeLease struct {
	ok       bool
	err      error
	released atomic.Bool
}

func (l *fakeLease) Acquire(context.Context, time.Duration) (bool, error) { return l.ok, l.err }
func (l *fakeLease) Release(context.Context) error {
	l.released.Store(true)
	return nil
}

func TestRunOnce_SkipsWithoutLease(t *testing.T) {
	tests := []struct {
		name  string
		lease *fakeLease
	}{
		{"held elsewhere", &fakeLease{ok: false}},
		{"lease backend down", &fakeLease{err: errors.New("dial tcp: refused")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeLedger{refs: []ledger.HoldRef{{BusinessID: "b", TransactionID: "tx-1"}}}
			s := New(f, nil)
			s.Lease = tt.lease

			report := s.RunOnce(context.Background())
			assert.False(t, report.Ran)
			assert.Empty(t, f.calls)
		})
	}
}

func TestStartStop(t *testing.T) {
	f := &fakeLedger{}
	lease := &fakeLease{ok: true}
	s := New(f, nil)
	s.Interval = 10 * time.Millisecond
	s.Lease = lease

	s.Start(context.Background())
	s.Start(context.Background()) // second Start is a no-op
	require.Eventually(t, func() bool { return f.runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	assert.True(t, lease.released.Load())
	after := f.runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, f.runs.Load())
}

func TestStart_Disabled(t *testing.T) {
	f := &fakeLedger{}
	s := New(f, nil)
	s.Enabled = false
	s.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, f.runs.Load())
	s.Stop()
}

func TestRedisLease(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	key := "test:sweeper:lease:" + t.Name()
	require.NoError(t, client.Del(ctx, key).Err())

	a := NewRedisLease(client, key)
	b := NewRedisLease(client, key)

	ok, err := a.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "held by a")

	ok, err = a.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "owner renews")

	require.NoError(t, b.Release(ctx))
	ok, err = b.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "non-owner release is a no-op")

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
