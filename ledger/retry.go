/*
retry.go - Bounded retry of atomic blocks on conflict

PURPOSE:
  Stores report a conflicting concurrent commit as ErrConcurrentModification.
  The whole read-modify-write block is then safe to re-run: it re-reads
  state and re-validates every precondition. Any other error is permanent.

POLICY:
  Exponential backoff with jitter, capped in attempts and interval. When
  attempts run out the conflict surfaces to the caller as a storage
  failure (code INTERNAL), never as a business outcome.
*/
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how often an atomic block is re-run after a conflict.
type RetryPolicy struct {
	MaxAttempts         uint
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         6,
		InitialInterval:     10 * time.Millisecond,
		MaxInterval:         250 * time.Millisecond,
		Multiplier:          2,
		RandomizationFactor: 0.5,
	}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	return b
}

// runAtomic runs fn through store.RunAtomic, retrying conflicts per policy.
// onConflict is called before each retry.
func runAtomic(ctx context.Context, store Store, policy RetryPolicy, fn func(ctx context.Context, tx Tx) error, onConflict func(err error)) error {
	attempts := policy.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := store.RunAtomic(ctx, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if IsRetryable(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, _ time.Duration) {
			if onConflict != nil {
				onConflict(err)
			}
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
