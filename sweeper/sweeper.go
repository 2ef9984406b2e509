/*
Package sweeper drives lapsed holds to expired.

PURPOSE:
  Expiry is computed at read time (a held transaction past HoldExpiresAt
  already fails confirmation), but the lock and the transaction state are
  only cleaned up here. The sweeper is the single authoritative expiry
  mechanism: it lists lapsed holds and calls the ledger's ExpireHold for
  each one, which re-checks state inside its own atomic block.

EACH RUN:
  1. Acquire the lease (when configured). Not acquired -> skip the tick.
  2. Expire lapsed holds, one atomic block per hold.
  3. Expire pending dispatch requests past their ExpiresAt.
  4. Purge expired idempotency records.

  A failure on one record is logged and counted. It never aborts the batch.

CONFIGURATION:
  - Interval:  How often to run (default: 1 minute)
  - BatchSize: Max records per step per run (default: 100)
  - Enabled:   Whether Start launches the loop (default: true)

USAGE:
  s := sweeper.New(ledger, logger)
  s.Dispatcher = dispatcher
  s.Start(ctx)
  // ... later
  s.Stop()

SEE ALSO:
  - lease.go: Cross-instance lease
  - ../ledger/ledger.go: ExpireHold
*/
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/warp/execution-ledger/ledger"
)

const (
	DefaultInterval  = time.Minute
	DefaultBatchSize = 100
)

// Ledger is the part of *ledger.Ledger the sweeper drives.
type Ledger interface {
	GetExpiredHolds(ctx context.Context, limit int) ([]ledger.HoldRef, error)
	ExpireHold(ctx context.Context, businessID, txID string) (bool, error)
	PurgeIdempotency(ctx context.Context, limit int) (int, error)
}

// Dispatcher is the part of *ledger.Dispatcher the sweeper drives.
type Dispatcher interface {
	StaleRequests(ctx context.Context, limit int) ([]string, error)
	ExpireRequest(ctx context.Context, requestID string) (bool, error)
}

// Report summarizes one run.
type Report struct {
	Ran             bool `json:"ran"` // false when the lease was not acquired
	Expired         int  `json:"expired"`
	Skipped         int  `json:"skipped"` // already terminal or not yet lapsed on re-check
	Failed          int  `json:"failed"`
	DispatchExpired int  `json:"dispatchExpired"`
	Purged          int  `json:"purged"`
}

// Sweeper periodically expires lapsed holds.
type Sweeper struct {
	Ledger     Ledger
	Dispatcher Dispatcher // optional
	Lease      Lease      // optional; nil means this instance always sweeps
	Interval   time.Duration
	BatchSize  int
	Enabled    bool

	logger  *slog.Logger
	expired metric.Int64Counter

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// New creates a sweeper with default settings.
func New(l Ledger, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	counter, err := otel.Meter("github.com/warp/execution-ledger/sweeper").Int64Counter(
		"sweeper.expirations.total",
		metric.WithDescription("Records moved to expired by the sweeper"),
	)
	if err != nil {
		counter = nil
	}
	return &Sweeper{
		Ledger:    l,
		Interval:  DefaultInterval,
		BatchSize: DefaultBatchSize,
		Enabled:   true,
		logger:    logger.With(slog.String("component", "sweeper")),
		expired:   counter,
	}
}

// Start launches the background loop. It runs once immediately, then on
// every tick, until Stop is called or ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(ctx, s.ticker, s.stop)

	s.logger.Info("started", slog.Duration("interval", s.Interval), slog.Int("batch_size", s.BatchSize))
}

// Stop halts the loop and waits for an in-flight run to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil

	if s.Lease != nil {
		if err := s.Lease.Release(context.Background()); err != nil {
			s.logger.Warn("failed to release lease", slog.Any("error", err))
		}
	}
	s.logger.Info("stopped")
}

func (s *Sweeper) run(ctx context.Context, ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	s.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) Report {
	var report Report

	if s.Lease != nil {
		ok, err := s.Lease.Acquire(ctx, s.leaseTTL())
		if err != nil {
			s.logger.WarnContext(ctx, "lease unavailable, skipping run", slog.Any("error", err))
			return report
		}
		if !ok {
			s.logger.DebugContext(ctx, "lease held elsewhere, skipping run")
			return report
		}
	}
	report.Ran = true

	s.expireHolds(ctx, &report)
	s.expireDispatch(ctx, &report)

	purged, err := s.Ledger.PurgeIdempotency(ctx, s.batchSize())
	if err != nil {
		s.logger.WarnContext(ctx, "failed to purge idempotency records", slog.Any("error", err))
	}
	report.Purged = purged

	if report.Expired > 0 || report.Failed > 0 || report.DispatchExpired > 0 {
		s.logger.InfoContext(ctx, "sweep completed",
			slog.Int("expired", report.Expired),
			slog.Int("skipped", report.Skipped),
			slog.Int("failed", report.Failed),
			slog.Int("dispatch_expired", report.DispatchExpired),
			slog.Int("purged", report.Purged),
		)
	}
	return report
}

// maxFailuresPerBatch bounds how many failing holds one run steps over
// while it looks for healthy ones, as a multiple of the batch size.
const maxFailuresPerBatch = 4

// expireHolds works through up to one batch of lapsed holds. Holds that fail
// are stepped over within the run, so a few rows that always fail cannot
// starve the healthy holds listed behind them.
func (s *Sweeper) expireHolds(ctx context.Context, report *Report) {
	batch := s.batchSize()
	seen := make(map[ledger.HoldRef]bool)
	handled := 0
	for handled < batch && report.Failed < batch*maxFailuresPerBatch {
		limit := batch + len(seen)
		refs, err := s.Ledger.GetExpiredHolds(ctx, limit)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to list expired holds", slog.Any("error", err))
			return
		}
		fresh := 0
		for _, ref := range refs {
			if seen[ref] || handled >= batch {
				continue
			}
			seen[ref] = true
			fresh++
			ok, err := s.Ledger.ExpireHold(ctx, ref.BusinessID, ref.TransactionID)
			switch {
			case err != nil:
				report.Failed++
				s.logger.ErrorContext(ctx, "failed to expire hold",
					slog.String("business_id", ref.BusinessID),
					slog.String("tx_id", ref.TransactionID),
					slog.Any("error", err),
				)
			case ok:
				handled++
				report.Expired++
				s.count(ctx, "hold")
			default:
				handled++
				report.Skipped++
			}
		}
		if fresh == 0 || len(refs) < limit {
			return
		}
	}
}

func (s *Sweeper) expireDispatch(ctx context.Context, report *Report) {
	if s.Dispatcher == nil {
		return
	}
	ids, err := s.Dispatcher.StaleRequests(ctx, s.batchSize())
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list stale dispatch requests", slog.Any("error", err))
		return
	}
	for _, id := range ids {
		ok, err := s.Dispatcher.ExpireRequest(ctx, id)
		if err != nil {
			report.Failed++
			s.logger.ErrorContext(ctx, "failed to expire dispatch request",
				slog.String("request_id", id), slog.Any("error", err))
			continue
		}
		if ok {
			report.DispatchExpired++
			s.count(ctx, "dispatch")
		}
	}
}

func (s *Sweeper) count(ctx context.Context, kind string) {
	if s.expired != nil {
		s.expired.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (s *Sweeper) batchSize() int {
	if s.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return s.BatchSize
}

// leaseTTL keeps the lease just under one interval, so a crashed holder
// frees it before the next tick.
func (s *Sweeper) leaseTTL() time.Duration {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return interval * 9 / 10
}
