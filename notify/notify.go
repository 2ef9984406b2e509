/*
Package notify delivers notifications for committed ledger transitions.

PURPOSE:
  The ledger hands each committed event to an EventHandler after the atomic
  block. Dispatcher is that handler: it enqueues without blocking and lets
  a small worker pool compose, deduplicate, throttle and send.

DELIVERY GUARANTEES:
  - Enqueue never blocks the ledger. A full queue drops the envelope with a
    warning; ReplayEvents re-delivers it later.
  - Every notification has a dedup key {txId}:{eventId}:{type}:{recipient}.
    A worker claims the key before sending, marks it sent after success and
    releases it on failure so a later replay can retry.
  - Outbound sends share one token bucket (golang.org/x/time/rate).

SEE ALSO:
  - dedup.go: Dedup stores (memory, Redis)
  - sender.go: Gateway boundary
  - ../ledger/events.go: EventHandler contract
*/
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/warp/execution-ledger/ledger"
)

// ErrQueueFull is returned by HandleEvent when the queue has no room.
var ErrQueueFull = errors.New("notification queue full")

// ErrNotMarked means a notification was sent but its sent marker could not
// be stored.
var ErrNotMarked = errors.New("notification sent but not marked")

// Notification is one outbound message.
type Notification struct {
	Type       string `json:"type"`
	Recipient  string `json:"recipient"`
	Body       string `json:"body"`
	DedupKey   string `json:"dedupKey"`
	BusinessID string `json:"businessId"`
	TxID       string `json:"txId"`
}

// DedupKey identifies one notification to one recipient for one event.
func DedupKey(txID, eventID, notificationType, recipient string) string {
	return txID + ":" + eventID + ":" + notificationType + ":" + recipient
}

// Config tunes the dispatcher.
type Config struct {
	QueueSize   int
	Workers     int
	RatePerSec  float64
	Burst       int
	MaxAttempts uint
	RetryDelay  time.Duration // first backoff interval between send attempts
	ClaimTTL    time.Duration // how long an in-flight claim blocks other workers
	// Inbox returns the business inbox recipient for a tenant, or "" for none.
	Inbox func(businessID string) string
}

func DefaultConfig() Config {
	return Config{
		QueueSize:   256,
		Workers:     2,
		RatePerSec:  10,
		Burst:       5,
		MaxAttempts: 3,
		RetryDelay:  200 * time.Millisecond,
		ClaimTTL:    time.Minute,
	}
}

// Dispatcher implements ledger.EventHandler.
type Dispatcher struct {
	cfg     Config
	sender  Sender
	dedup   Dedup
	limiter *rate.Limiter
	logger  *slog.Logger

	queue chan ledger.EventEnvelope
	quit  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

var _ ledger.EventHandler = (*Dispatcher)(nil)

func New(sender Sender, dedup Dedup, cfg Config, logger *slog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = def.RatePerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = def.ClaimTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:     cfg,
		sender:  sender,
		dedup:   dedup,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		logger:  logger.With(slog.String("component", "notify")),
		queue:   make(chan ledger.EventEnvelope, cfg.QueueSize),
		quit:    make(chan struct{}),
	}
}

// HandleEvent enqueues env. It never blocks.
func (d *Dispatcher) HandleEvent(ctx context.Context, env ledger.EventEnvelope) error {
	select {
	case d.queue <- env:
		return nil
	default:
		d.logger.WarnContext(ctx, "queue full, dropping event",
			slog.String("tx_id", env.TxID), slog.String("event_id", env.Event.ID))
		return ErrQueueFull
	}
}

// Start launches the workers. They run until Stop or ctx is done.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
}

// Stop drains what is already queued, then waits for the workers.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.quit) })
	d.wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case env := <-d.queue:
			d.process(ctx, env)
		case <-ctx.Done():
			return
		case <-d.quit:
			for {
				select {
				case env := <-d.queue:
					d.process(ctx, env)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, env ledger.EventEnvelope) {
	for _, n := range Compose(env, d.cfg.Inbox) {
		if err := d.deliver(ctx, n); err != nil {
			d.logger.ErrorContext(ctx, "notification failed",
				slog.String("dedup_key", n.DedupKey), slog.Any("error", err))
		}
	}
}

// deliver sends n at most once per dedup key.
func (d *Dispatcher) deliver(ctx context.Context, n Notification) error {
	claimed, err := d.dedup.Claim(ctx, n.DedupKey, d.cfg.ClaimTTL)
	if err != nil {
		return fmt.Errorf("claim %s: %w", n.DedupKey, err)
	}
	if !claimed {
		d.logger.DebugContext(ctx, "duplicate suppressed", slog.String("dedup_key", n.DedupKey))
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.RetryDelay
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if err := d.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, d.sender.Send(ctx, n)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(d.cfg.MaxAttempts),
	)
	if err != nil {
		if rerr := d.dedup.Release(context.WithoutCancel(ctx), n.DedupKey); rerr != nil {
			d.logger.WarnContext(ctx, "failed to release claim",
				slog.String("dedup_key", n.DedupKey), slog.Any("error", rerr))
		}
		return fmt.Errorf("send %s: %w", n.DedupKey, err)
	}
	return d.markSent(ctx, n)
}

// markSent records a delivered notification. The send already happened, so
// the marker is written even when ctx is cancelled; a marker that still cannot
// be written leaves the claim to lapse and a later replay may resend.
func (d *Dispatcher) markSent(ctx context.Context, n Notification) error {
	mctx := context.WithoutCancel(ctx)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.RetryDelay
	_, err := backoff.Retry(mctx, func() (struct{}, error) {
		return struct{}{}, d.dedup.MarkSent(mctx, n.DedupKey)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(d.cfg.MaxAttempts),
	)
	if err != nil {
		d.logger.ErrorContext(ctx, "notification sent but not marked, replay may resend",
			slog.String("dedup_key", n.DedupKey), slog.Any("error", err))
		return fmt.Errorf("%w: %s: %v", ErrNotMarked, n.DedupKey, err)
	}
	return nil
}

// =============================================================================
// COMPOSITION
// =============================================================================

const (
	TypeReservationConfirmed = "reservation.confirmed"
	TypeReservationCancelled = "reservation.cancelled"
	TypeReservationExpired   = "reservation.expired"
)

// Compose derives the notifications for one event: one to the actor's phone
// and one to the business inbox, when each is known.
func Compose(env ledger.EventEnvelope, inbox func(businessID string) string) []Notification {
	var typ, body string
	t := env.Transaction
	switch env.Event.Type {
	case ledger.EventConfirmed:
		typ = TypeReservationConfirmed
		body = fmt.Sprintf("Reservation confirmed. Code %s, total %s.",
			t.ConfirmationCode, t.Total().StringFixed(2))
	case ledger.EventCancelled:
		typ = TypeReservationCancelled
		body = "Reservation cancelled."
		if t.CancelReason != "" {
			body = fmt.Sprintf("Reservation cancelled: %s.", t.CancelReason)
		}
	case ledger.EventExpired:
		typ = TypeReservationExpired
		body = "Your hold expired before it was confirmed."
	default:
		return nil
	}

	var recipients []string
	if t.Actor.Phone != "" {
		recipients = append(recipients, "sms:"+t.Actor.Phone)
	}
	if inbox != nil {
		if addr := inbox(env.BusinessID); addr != "" {
			recipients = append(recipients, addr)
		}
	}

	out := make([]Notification, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, Notification{
			Type:       typ,
			Recipient:  r,
			Body:       body,
			DedupKey:   DedupKey(env.TxID, env.Event.ID, typ, r),
			BusinessID: env.BusinessID,
			TxID:       env.TxID,
		})
	}
	return out
}
