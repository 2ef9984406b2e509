/*
handlers_test.go - HTTP tests for the ledger and dispatch handlers

Tests for:
- Status mapping of business outcomes (409, 410, 404)
- Idempotency-Key replay over HTTP
- Dispatch assignment and responder completion
- Admin sweep and health
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/execution-ledger/ledger"
	"github.com/warp/execution-ledger/ledger/store"
	"github.com/warp/execution-ledger/sweeper"
)

var t0 = time.Date(2026, 10, 19, 18, 0, 0, 0, time.UTC)

type testServer struct {
	t     *testing.T
	srv   *httptest.Server
	clock *ledger.ManualClock
	mem   *store.Memory
	h     *Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	clock := ledger.NewManualClock(t0)
	l := ledger.New(mem, ledger.WithClock(clock))
	d := ledger.NewDispatcher(mem, ledger.WithClock(clock))
	h := NewHandler(l, d, nil)
	h.Sweeper = sweeper.New(l, nil)
	srv := httptest.NewServer(NewRouter(h, []string{"http://localhost:5173"}))
	t.Cleanup(srv.Close)
	return &testServer{t: t, srv: srv, clock: clock, mem: mem, h: h}
}

func (s *testServer) do(method, path, key string, body any) (int, map[string]any) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.srv.URL+path, &buf)
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(s.t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func holdBody(resource string) map[string]any {
	return map[string]any{
		"lineItems": []map[string]any{
			{"offeringId": "dinner", "offeringName": "Dinner for two", "quantity": 2, "unitPrice": "39.50"},
		},
		"actor":       map[string]any{"userId": "u-1", "name": "Ana", "phone": "+15550100"},
		"resourceKey": resource,
	}
}

const base = "/api/v1/businesses/bistro"

func TestCreateHold_SlotTakenIs409(t *testing.T) {
	s := newTestServer(t)

	status, first := s.do("POST", base+"/holds", "k-1", holdBody("table-4"))
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, true, first["success"])

	status, second := s.do("POST", base+"/holds", "k-2", holdBody("table-4"))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, false, second["success"])
	assert.Equal(t, "SLOT_TAKEN", second["errorCode"])
}

func TestCreateHold_ReplayReturnsIdenticalBody(t *testing.T) {
	s := newTestServer(t)

	status, first := s.do("POST", base+"/holds", "k-1", holdBody("table-4"))
	require.Equal(t, http.StatusCreated, status)
	status, again := s.do("POST", base+"/holds", "k-1", holdBody("table-4"))
	require.Equal(t, http.StatusCreated, status)

	assert.Equal(t, first, again)
	assert.Equal(t, 1, s.mem.Count("tenants/bistro/transactions/"))
	assert.Equal(t, 1, s.mem.Count("tenants/bistro/resourceLocks/"))
}

func TestCreateHold_BySlot(t *testing.T) {
	s := newTestServer(t)
	body := holdBody("")
	delete(body, "resourceKey")
	body["resourceId"] = "table-4"
	body["slotStart"] = "2026-10-19T20:00:00+02:00"

	status, res := s.do("POST", base+"/holds", "k-1", body)
	require.Equal(t, http.StatusCreated, status)
	tx := res["transaction"].(map[string]any)
	assert.Equal(t, "table-4@2026-10-19T18:00:00Z", tx["resourceKey"])
}

func TestCreateHold_BadInput(t *testing.T) {
	s := newTestServer(t)

	status, res := s.do("POST", base+"/holds", "", holdBody("table-4"))
	assert.Equal(t, http.StatusBadRequest, status, "missing Idempotency-Key")
	assert.Contains(t, res["details"], "idempotency key required")

	status, _ = s.do("POST", base+"/holds", "k-1", holdBody(""))
	assert.Equal(t, http.StatusBadRequest, status, "no resource")

	req, err := http.NewRequest("POST", s.srv.URL+base+"/holds", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	req.Header.Set(IdempotencyHeader, "k-2")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateHold_DurationOverflowIs400(t *testing.T) {
	s := newTestServer(t)

	body := holdBody("table-4")
	body["holdSeconds"] = int64(18446744074)
	status, res := s.do("POST", base+"/holds", "k-1", body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "holdSeconds out of range", res["error"])
	assert.Equal(t, 0, s.mem.Count("tenants/bistro/resourceLocks/"))

	body["holdSeconds"] = -1
	status, _ = s.do("POST", base+"/holds", "k-2", body)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do("POST", "/api/v1/dispatch", "", map[string]any{
		"responders": []string{"d1"}, "ttlSeconds": int64(18446744074),
	})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestDurationSeconds(t *testing.T) {
	d, ok := durationSeconds(300)
	assert.True(t, ok)
	assert.Equal(t, 300*time.Second, d)

	_, ok = durationSeconds(int(maxSeconds) + 1)
	assert.False(t, ok)
	_, ok = durationSeconds(-5)
	assert.False(t, ok)
}

func TestConfirm_Flow(t *testing.T) {
	s := newTestServer(t)
	_, held := s.do("POST", base+"/holds", "k-1", holdBody("table-4"))
	txID := held["transaction"].(map[string]any)["id"].(string)

	status, conf := s.do("POST", base+"/transactions/"+txID+"/confirm", "c-1",
		map[string]any{"actorType": "user", "actorId": "u-1"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, conf["success"])
	assert.Len(t, conf["confirmationCode"], 6)

	status, tx := s.do("GET", base+"/transactions/"+txID, "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "confirmed", tx["state"])

	status, evs := s.do("GET", base+"/transactions/"+txID+"/events", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, evs["events"], 1)

	status, again := s.do("POST", base+"/transactions/"+txID+"/confirm", "c-2", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "WRONG_STATE", again["errorCode"])
}

func TestConfirm_AfterExpiryIs410(t *testing.T) {
	s := newTestServer(t)
	_, held := s.do("POST", base+"/holds", "k-1", holdBody("table-4"))
	txID := held["transaction"].(map[string]any)["id"].(string)

	s.clock.Advance(310 * time.Second)
	status, res := s.do("POST", base+"/transactions/"+txID+"/confirm", "c-1", nil)
	assert.Equal(t, http.StatusGone, status)
	assert.Equal(t, "HOLD_EXPIRED", res["errorCode"])
}

func TestRelease_Flow(t *testing.T) {
	s := newTestServer(t)
	_, held := s.do("POST", base+"/holds", "k-1", holdBody("table-4"))
	txID := held["transaction"].(map[string]any)["id"].(string)

	status, res := s.do("POST", base+"/transactions/"+txID+"/release", "r-1",
		map[string]any{"reason": "guest called"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "cancelled", res["state"])

	status, _ = s.do("POST", base+"/holds", "k-2", holdBody("table-4"))
	assert.Equal(t, http.StatusCreated, status, "lock released")

	status, res = s.do("POST", base+"/transactions/"+txID+"/release", "r-2", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "WRONG_STATE", res["errorCode"])
}

func TestUnknownTransactionIs404(t *testing.T) {
	s := newTestServer(t)

	status, res := s.do("GET", base+"/transactions/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", res["errorCode"])

	status, res = s.do("POST", base+"/transactions/nope/confirm", "c-1", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", res["errorCode"])
}

func TestDraftPromotion(t *testing.T) {
	s := newTestServer(t)
	body := holdBody("")
	delete(body, "resourceKey")
	body["transactionId"] = "tx-draft"

	status, draft := s.do("POST", base+"/drafts", "d-1", body)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "draft", draft["transaction"].(map[string]any)["state"])

	status, held := s.do("POST", base+"/holds", "k-1",
		map[string]any{"transactionId": "tx-draft", "resourceKey": "table-4"})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "held", held["transaction"].(map[string]any)["state"])
}

func TestReplayEvents(t *testing.T) {
	s := newTestServer(t)
	_, held := s.do("POST", base+"/holds", "k-1", holdBody("table-4"))
	txID := held["transaction"].(map[string]any)["id"].(string)
	s.do("POST", base+"/transactions/"+txID+"/release", "r-1", nil)

	status, res := s.do("POST", base+"/transactions/"+txID+"/replay", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), res["replayed"])
}

// =============================================================================
// DISPATCH
// =============================================================================

func TestDispatch_FirstReplyWins(t *testing.T) {
	s := newTestServer(t)

	status, created := s.do("POST", "/api/v1/dispatch", "",
		map[string]any{"id": "ride-1", "responders": []string{"d1", "d2"}, "ttlSeconds": 60})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "pending", created["status"])

	status, a := s.do("POST", "/api/v1/dispatch/ride-1/assign", "", map[string]any{"responderId": "d1"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, a["assigned"])

	status, b := s.do("POST", "/api/v1/dispatch/ride-1/assign", "", map[string]any{"responderId": "d2"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, b["assigned"])

	status, req := s.do("GET", "/api/v1/dispatch/ride-1", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "d1", req["assignedResponderId"])

	status, r := s.do("GET", "/api/v1/responders/d1", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "busy", r["status"])

	status, r = s.do("POST", "/api/v1/responders/d1/complete", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "available", r["status"])
}

func TestDispatch_Errors(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.do("POST", "/api/v1/dispatch/ghost/assign", "", map[string]any{"responderId": "d1"})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = s.do("POST", "/api/v1/dispatch", "", map[string]any{"responders": []string{}})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do("POST", "/api/v1/dispatch/ghost/assign", "", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do("POST", "/api/v1/responders/nobody/complete", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

// =============================================================================
// ADMIN & HEALTH
// =============================================================================

func TestTriggerSweep(t *testing.T) {
	s := newTestServer(t)
	s.do("POST", base+"/holds", "k-1", holdBody("table-4"))
	s.clock.Advance(5*time.Minute + time.Second)

	status, report := s.do("POST", "/api/v1/admin/sweep", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, report["ran"])
	assert.Equal(t, float64(1), report["expired"])
	assert.Equal(t, 0, s.mem.Count("tenants/bistro/resourceLocks/"))
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthz(t *testing.T) {
	s := newTestServer(t)

	status, res := s.do("GET", "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", res["status"])

	s.h.Health = pingFunc(func(context.Context) error { return errors.New("database is locked") })
	status, _ = s.do("GET", "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(ledger.CodeSlotTaken))
	assert.Equal(t, http.StatusConflict, statusFor(ledger.CodeWrongState))
	assert.Equal(t, http.StatusGone, statusFor(ledger.CodeHoldExpired))
	assert.Equal(t, http.StatusNotFound, statusFor(ledger.CodeNotFound))
	assert.Equal(t, http.StatusInternalServerError, statusFor(ledger.CodeInternal))
}
