/*
lock.go - Resource locks fused with state transitions

PURPOSE:
  A ResourceLock is a test-and-set token over a deterministic key. There is
  no standalone acquire API: the lock is always written in the same atomic
  block as the transition that needs exclusivity (hold creation) and
  removed in the same block as the transition that ends it (confirm,
  cancel, expire).

EXPIRY:
  A lock's ExpiresAt mirrors its owner's HoldExpiresAt. A logically expired
  lock is treated as absent by every reader, so a new hold may overwrite
  it before the sweeper gets to the stale owner.

OWNERSHIP:
  Release only deletes the lock while it still names the releasing
  transaction. A stale owner expiring after its slot was re-taken leaves
  the new owner's lock alone.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SlotKey builds a resource identity for one time slot, e.g. "table-4@2026-10-19T19:00:00Z".
func SlotKey(resourceID string, slotStart time.Time) string {
	return resourceID + "@" + slotStart.UTC().Format(time.RFC3339)
}

// LockKey is the deterministic lock key for a resource within a tenant.
func LockKey(businessID, resourceKey string) string {
	return strings.Join([]string{businessID, resourceKey}, ":")
}

// acquireLock claims lock.Key for lock.TransactionID unless an unexpired
// lock already holds it.
func acquireLock(ctx context.Context, tx Tx, lock ResourceLock, now time.Time) error {
	existing, err := tx.GetLock(ctx, lock.BusinessID, lock.Key)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return fmt.Errorf("read resource lock: %w", err)
	case existing.Held(now) && existing.TransactionID != lock.TransactionID:
		return fmt.Errorf("%w: %s held by %s until %s", ErrSlotTaken,
			lock.ResourceKey, existing.TransactionID, existing.ExpiresAt.Format(time.RFC3339))
	}
	if err := tx.PutLock(ctx, lock); err != nil {
		return fmt.Errorf("write resource lock: %w", err)
	}
	return nil
}

// releaseLock removes t's lock if t still owns it.
func releaseLock(ctx context.Context, tx Tx, t Transaction) error {
	if t.LockKey == "" {
		return nil
	}
	existing, err := tx.GetLock(ctx, t.BusinessID, t.LockKey)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read resource lock: %w", err)
	}
	if existing.TransactionID != t.ID {
		return nil
	}
	if err := tx.DeleteLock(ctx, t.BusinessID, t.LockKey); err != nil {
		return fmt.Errorf("delete resource lock: %w", err)
	}
	return nil
}
