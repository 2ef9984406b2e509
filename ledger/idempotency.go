/*
idempotency.go - Write-once-per-key outcome cache

PURPOSE:
  Every mutating ledger operation consults an idempotency record before it
  does real work. The first successful execution of {scope, callerKey}
  stores its result; every later execution of the same pair, within the
  retention window, returns that stored result verbatim and repeats no
  side effects.

KEY FORMAT:
  {operationScope}:{callerKey}

  tx_hold:{businessId}:{key}             createHold
  tx_confirm:{businessId}:{txId}:{key}   confirmTransaction
  tx_cancel:{businessId}:{txId}:{key}    releaseHold
  tx_draft:{businessId}:{key}            createDraft

  Transaction ids are only unique within a tenant, so every scope starts
  with the businessId.

  Distinct scopes never collide, so a retried confirm cannot replay a
  retried hold even when the caller reuses the same key suffix.

RESULT ENCODING:
  Results are stored as JSON. The first call returns the decoded stored
  bytes too, so the original caller and every retry see identical payloads.

EXPIRY:
  An expired record is treated as absent. Callers that want a new operation
  must pass a fresh key; reusing an expired key is not a supported way to
  "replay" an old outcome.
*/
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	ScopeDraft   = "tx_draft"
	ScopeHold    = "tx_hold"
	ScopeConfirm = "tx_confirm"
	ScopeCancel  = "tx_cancel"
)

// DefaultIdempotencyRetention is how long a stored outcome deduplicates retries.
const DefaultIdempotencyRetention = 24 * time.Hour

// OperationScope namespaces an operation by the tenant and, optionally, the
// document it acts on.
func OperationScope(op string, ids ...string) string {
	return strings.Join(append([]string{op}, ids...), ":")
}

// IdempotencyKey builds the record key for scope and the caller's key.
func IdempotencyKey(scope, callerKey string) string {
	return scope + ":" + callerKey
}

// lookupIdempotent returns the stored result for key when a live record exists.
func lookupIdempotent(ctx context.Context, tx Tx, key string, now time.Time) ([]byte, bool, error) {
	rec, err := tx.GetIdempotency(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read idempotency record: %w", err)
	}
	if !rec.Live(now) {
		return nil, false, nil
	}
	return rec.Result, true, nil
}

// stampIdempotent stores result under key and returns the stored bytes.
func stampIdempotent(ctx context.Context, tx Tx, key, scope string, result any, now time.Time, retention time.Duration) ([]byte, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode idempotent result: %w", err)
	}
	rec := IdempotencyRecord{
		Key:       key,
		Scope:     scope,
		Result:    payload,
		CreatedAt: now,
		ExpiresAt: now.Add(retention),
	}
	if err := tx.PutIdempotency(ctx, rec); err != nil {
		return nil, fmt.Errorf("write idempotency record: %w", err)
	}
	return payload, nil
}

func decodeResult(payload []byte, out any) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode idempotent result: %w", err)
	}
	return nil
}
