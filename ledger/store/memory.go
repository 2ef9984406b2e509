// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/execution-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - Versioned documents with optimistic commit (for testing/dev)
// =============================================================================
//
// Every document carries a version. A transaction buffers its writes and
// remembers the version of every path it read (zero for absent). Commit
// takes the lock, checks those versions are unchanged, and applies the
// buffer. A mismatch returns ledger.ErrConcurrentModification.
//
// Confirmation codes are indexed as their own documents so the uniqueness
// check is a point read covered by the same validation.

type document struct {
	version int64
	seq     int64 // insertion order, for event listing
	value   any
}

type Memory struct {
	mu      sync.Mutex
	docs    map[string]document
	version int64
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string]document)}
}

// Compile-time interface check
var _ ledger.Store = (*Memory)(nil)

func (m *Memory) RunAtomic(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := &memTx{
		m:      m,
		reads:  make(map[string]int64),
		writes: make(map[string]pending),
	}
	if err := fn(ctx, t); err != nil {
		return err
	}
	return m.commit(t)
}

func (m *Memory) commit(t *memTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for path, seen := range t.reads {
		if m.docs[path].version != seen {
			return fmt.Errorf("%w: %s", ledger.ErrConcurrentModification, path)
		}
	}
	// Apply in path order so event seq follows a stable order within a commit.
	paths := make([]string, 0, len(t.writes))
	for path := range t.writes {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		w := t.writes[path]
		if w.deleted {
			delete(m.docs, path)
			continue
		}
		m.version++
		doc := document{version: m.version, seq: m.docs[path].seq, value: w.value}
		if doc.seq == 0 {
			doc.seq = m.version
		}
		m.docs[path] = doc
	}
	return nil
}

// Count returns how many documents live under prefix.
func (m *Memory) Count(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for path := range m.docs {
		if strings.HasPrefix(path, prefix) {
			n++
		}
	}
	return n
}

// =============================================================================
// QUERIES - Read committed state, outside any transaction
// =============================================================================

func (m *Memory) ListExpiredHolds(_ context.Context, now time.Time, limit int) ([]ledger.HoldRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var refs []ledger.HoldRef
	for _, doc := range m.docs {
		t, ok := doc.value.(ledger.Transaction)
		if !ok || t.State != ledger.StateHeld || t.HoldExpiresAt == nil || t.HoldExpiresAt.After(now) {
			continue
		}
		refs = append(refs, ledger.HoldRef{BusinessID: t.BusinessID, TransactionID: t.ID, HoldExpiresAt: *t.HoldExpiresAt})
	}
	sort.Slice(refs, func(i, j int) bool {
		return refs[i].HoldExpiresAt.Before(refs[j].HoldExpiresAt)
	})
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

func (m *Memory) ListEvents(_ context.Context, businessID, txID string) ([]ledger.TxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := ledger.TransactionPath(businessID, txID) + "/events/"
	type seqEvent struct {
		seq int64
		ev  ledger.TxEvent
	}
	var found []seqEvent
	for path, doc := range m.docs {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		if ev, ok := doc.value.(ledger.TxEvent); ok {
			found = append(found, seqEvent{seq: doc.seq, ev: ev})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })
	events := make([]ledger.TxEvent, len(found))
	for i, f := range found {
		events[i] = f.ev
	}
	return events, nil
}

func (m *Memory) ListStaleDispatchRequests(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []ledger.DispatchRequest
	for _, doc := range m.docs {
		r, ok := doc.value.(ledger.DispatchRequest)
		if !ok || r.Status != ledger.DispatchPending || r.ExpiresAt == nil || r.ExpiresAt.After(now) {
			continue
		}
		stale = append(stale, r)
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ExpiresAt.Before(*stale[j].ExpiresAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	ids := make([]string, len(stale))
	for i, r := range stale {
		ids[i] = r.ID
	}
	return ids, nil
}

func (m *Memory) PurgeIdempotency(_ context.Context, now time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for path, doc := range m.docs {
		if limit > 0 && n >= limit {
			break
		}
		rec, ok := doc.value.(ledger.IdempotencyRecord)
		if !ok || rec.Live(now) {
			continue
		}
		delete(m.docs, path)
		n++
	}
	return n, nil
}

// =============================================================================
// TRANSACTION
// =============================================================================

type pending struct {
	value   any
	deleted bool
}

type memTx struct {
	m      *Memory
	reads  map[string]int64
	writes map[string]pending
}

// get reads through the write buffer, then committed state, recording the
// committed version on first read.
func (t *memTx) get(path string) (any, bool) {
	if w, ok := t.writes[path]; ok {
		return w.value, !w.deleted
	}
	t.m.mu.Lock()
	doc, ok := t.m.docs[path]
	t.m.mu.Unlock()
	if _, seen := t.reads[path]; !seen {
		t.reads[path] = doc.version
	}
	return doc.value, ok
}

func (t *memTx) put(path string, v any) {
	t.get(path) // writes are validated like reads
	t.writes[path] = pending{value: v}
}

func (t *memTx) del(path string) {
	t.get(path)
	t.writes[path] = pending{deleted: true}
}

func codePath(businessID, code string) string {
	return "tenants/" + businessID + "/confirmationCodes/" + code
}

func (t *memTx) GetTransaction(_ context.Context, businessID, txID string) (ledger.Transaction, error) {
	v, ok := t.get(ledger.TransactionPath(businessID, txID))
	if !ok {
		return ledger.Transaction{}, fmt.Errorf("transaction %s: %w", txID, ledger.ErrNotFound)
	}
	return v.(ledger.Transaction).Clone(), nil
}

func (t *memTx) CreateTransaction(_ context.Context, tr ledger.Transaction) error {
	path := ledger.TransactionPath(tr.BusinessID, tr.ID)
	if _, ok := t.get(path); ok {
		return fmt.Errorf("transaction %s: %w", tr.ID, ledger.ErrAlreadyExists)
	}
	if err := tr.CheckInvariants(); err != nil {
		return err
	}
	t.put(path, tr.Clone())
	if tr.ConfirmationCode != "" {
		t.put(codePath(tr.BusinessID, tr.ConfirmationCode), tr.ID)
	}
	return nil
}

func (t *memTx) PatchTransaction(ctx context.Context, businessID, txID string, p ledger.TransactionPatch) error {
	cur, err := t.GetTransaction(ctx, businessID, txID)
	if err != nil {
		return err
	}
	next, err := p.Apply(cur)
	if err != nil {
		return err
	}
	t.put(ledger.TransactionPath(businessID, txID), next)
	if next.ConfirmationCode != "" {
		t.put(codePath(businessID, next.ConfirmationCode), txID)
	}
	return nil
}

func (t *memTx) ConfirmationCodeExists(_ context.Context, businessID, code string) (bool, error) {
	_, ok := t.get(codePath(businessID, code))
	return ok, nil
}

func (t *memTx) AppendEvent(_ context.Context, businessID, txID string, ev ledger.TxEvent) error {
	if _, ok := t.get(ledger.TransactionPath(businessID, txID)); !ok {
		return fmt.Errorf("transaction %s: %w", txID, ledger.ErrNotFound)
	}
	path := ledger.EventPath(businessID, txID, ev.ID)
	if _, ok := t.get(path); ok {
		return fmt.Errorf("event %s: %w", ev.ID, ledger.ErrAlreadyExists)
	}
	t.put(path, ev)
	return nil
}

func (t *memTx) GetLock(_ context.Context, businessID, key string) (ledger.ResourceLock, error) {
	v, ok := t.get(ledger.LockPath(businessID, key))
	if !ok {
		return ledger.ResourceLock{}, fmt.Errorf("lock %s: %w", key, ledger.ErrNotFound)
	}
	return v.(ledger.ResourceLock), nil
}

func (t *memTx) PutLock(_ context.Context, lock ledger.ResourceLock) error {
	t.put(ledger.LockPath(lock.BusinessID, lock.Key), lock)
	return nil
}

func (t *memTx) DeleteLock(_ context.Context, businessID, key string) error {
	t.del(ledger.LockPath(businessID, key))
	return nil
}

func (t *memTx) GetIdempotency(_ context.Context, key string) (ledger.IdempotencyRecord, error) {
	v, ok := t.get(ledger.IdempotencyPath(key))
	if !ok {
		return ledger.IdempotencyRecord{}, fmt.Errorf("idempotency %s: %w", key, ledger.ErrNotFound)
	}
	rec := v.(ledger.IdempotencyRecord)
	rec.Result = append([]byte(nil), rec.Result...)
	return rec, nil
}

func (t *memTx) PutIdempotency(_ context.Context, rec ledger.IdempotencyRecord) error {
	rec.Result = append([]byte(nil), rec.Result...)
	t.put(ledger.IdempotencyPath(rec.Key), rec)
	return nil
}

func (t *memTx) GetDispatchRequest(_ context.Context, id string) (ledger.DispatchRequest, error) {
	v, ok := t.get(ledger.DispatchPath(id))
	if !ok {
		return ledger.DispatchRequest{}, fmt.Errorf("dispatch request %s: %w", id, ledger.ErrNotFound)
	}
	return v.(ledger.DispatchRequest).Clone(), nil
}

func (t *memTx) CreateDispatchRequest(_ context.Context, r ledger.DispatchRequest) error {
	path := ledger.DispatchPath(r.ID)
	if _, ok := t.get(path); ok {
		return fmt.Errorf("dispatch request %s: %w", r.ID, ledger.ErrAlreadyExists)
	}
	if err := r.CheckInvariants(); err != nil {
		return err
	}
	t.put(path, r.Clone())
	return nil
}

func (t *memTx) PatchDispatchRequest(ctx context.Context, id string, p ledger.DispatchPatch) error {
	cur, err := t.GetDispatchRequest(ctx, id)
	if err != nil {
		return err
	}
	next, err := p.Apply(cur)
	if err != nil {
		return err
	}
	t.put(ledger.DispatchPath(id), next)
	return nil
}

func (t *memTx) GetResponder(_ context.Context, id string) (ledger.Responder, error) {
	v, ok := t.get(ledger.ResponderPath(id))
	if !ok {
		return ledger.Responder{}, fmt.Errorf("responder %s: %w", id, ledger.ErrNotFound)
	}
	return v.(ledger.Responder), nil
}

func (t *memTx) PutResponder(_ context.Context, r ledger.Responder) error {
	t.put(ledger.ResponderPath(r.ID), r)
	return nil
}
