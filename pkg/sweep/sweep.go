// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package sweep runs the five periodic background jobs that advance
// time-based state transitions: escrow auto-release, quote expiry, dispute
// vendor-timeout escalation, rating auto-reveal, and governance proposal
// expiry. Each job is idempotent, holds no lock across items, and
// cooperates with shutdown via ctx.Done().
package sweep

import (
	"context"
	"sync"
	"time"

	"github.com/luxfi/bazaar/pkg/log"
	"github.com/luxfi/bazaar/pkg/metric"
	"github.com/luxfi/bazaar/pkg/order"
)

// DefaultInterval is the recommended sweep cadence.
const DefaultInterval = 60 * time.Second

// EscrowReleaser is the escrow/order slice the auto-release job depends on.
type EscrowReleaser interface {
	DueForAutoRelease(ctx context.Context, now time.Time) ([]order.Escrow, error)
}

// OrderCompleter is the order slice the auto-release job depends on to
// cross-reference order status before releasing, and to move a released
// order to completed.
type OrderCompleter interface {
	Get(ctx context.Context, orderID string) (order.Order, error)
	Complete(ctx context.Context, orderID string, actor order.Actor, changedBy, reason string, escrow *order.EscrowService) (order.Order, error)
}

// QuoteExpirer is the logistics slice the quote-expiry job depends on.
type QuoteExpirer interface {
	ExpirePending(ctx context.Context, now time.Time) (int, error)
}

// DisputeEscalator is the trust slice the vendor-timeout job depends on.
type DisputeEscalator interface {
	EscalateVendorTimeouts(ctx context.Context, now time.Time) (int, error)
}

// RatingRevealer is the trust slice the rating auto-reveal job depends on.
type RatingRevealer interface {
	AutoReveal(ctx context.Context, now time.Time) (int, error)
}

// ProposalExpirer is the governance slice the proposal-expiry job depends on.
type ProposalExpirer interface {
	ExpireProposals(ctx context.Context, now time.Time) (int, error)
}

// Job names a single sweep, used as the label on the per-sweep error
// counter.
type Job string

const (
	JobEscrowAutoRelease Job = "escrow_auto_release"
	JobQuoteExpiry       Job = "quote_expiry"
	JobDisputeTimeout    Job = "dispute_vendor_timeout"
	JobRatingAutoReveal  Job = "rating_auto_reveal"
	JobProposalExpiry    Job = "proposal_expiry"
)

// Services bundles every dependency a Scheduler drives. Fields left nil
// disable that job entirely, which test harnesses and partial deployments
// rely on.
type Services struct {
	Escrow    EscrowReleaser
	Order     OrderCompleter
	EscrowSvc *order.EscrowService
	Quotes    QuoteExpirer
	Disputes  DisputeEscalator
	Ratings   RatingRevealer
	Proposals ProposalExpirer
}

// Scheduler drives the five sweeps on a fixed interval until stopped.
type Scheduler struct {
	svc      Services
	interval time.Duration
	log      log.Logger
	metrics  *metric.Metrics

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs a Scheduler. A zero interval defaults to DefaultInterval.
func New(svc Services, interval time.Duration, logger log.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = log.NoOp()
	}
	return &Scheduler{svc: svc, interval: interval, log: logger}
}

// WithMetrics attaches the marketplace core's metrics instance, recording
// sweep duration and per-sweep error counts. Optional: a Scheduler built
// without it simply skips metric recording.
func (s *Scheduler) WithMetrics(m *metric.Metrics) *Scheduler {
	s.metrics = m
	return s
}

// Start launches the periodic loop in a background goroutine. Calling Start
// twice without an intervening Stop is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(runCtx)
}

// Stop cancels the loop and blocks until the current tick (if any)
// finishes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx, time.Now())
		}
	}
}

// RunOnce runs every enabled job a single time. It is exported so
// cmd/marketplaced and tests can trigger an off-cycle sweep without waiting
// on the ticker.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) {
	if s.metrics != nil {
		start := time.Now()
		defer func() { s.metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()
	}
	s.runEscrowAutoRelease(ctx, now)
	if ctx.Err() != nil {
		return
	}
	s.runQuoteExpiry(ctx, now)
	if ctx.Err() != nil {
		return
	}
	s.runDisputeTimeouts(ctx, now)
	if ctx.Err() != nil {
		return
	}
	s.runRatingAutoReveal(ctx, now)
	if ctx.Err() != nil {
		return
	}
	s.runProposalExpiry(ctx, now)
}

func (s *Scheduler) runEscrowAutoRelease(ctx context.Context, now time.Time) {
	if s.svc.Escrow == nil || s.svc.Order == nil || s.svc.EscrowSvc == nil {
		return
	}
	due, err := s.svc.Escrow.DueForAutoRelease(ctx, now)
	if err != nil {
		s.log.Error("escrow auto-release scan failed", "error", err)
		s.recordErr(string(JobEscrowAutoRelease))
		return
	}
	released := 0
	for _, esc := range due {
		if ctx.Err() != nil {
			return
		}
		ord, err := s.svc.Order.Get(ctx, esc.OrderID)
		if err != nil {
			s.log.Warn("escrow auto-release: order lookup failed", "order_id", esc.OrderID, "error", err)
			s.recordErr(string(JobEscrowAutoRelease))
			continue
		}
		// An escrow is held from payment on, so it can fall due while its
		// order is still paid, confirmed, processing or shipped, or after
		// the order was cancelled; only delivered orders are completed here.
		// Disputed escrows are EscrowDisputed, which DueForAutoRelease
		// already excludes.
		if ord.Status != order.StatusDelivered {
			continue
		}
		if _, err := s.svc.Order.Complete(ctx, esc.OrderID, order.ActorSystem, "sweep", "auto-release window elapsed", s.svc.EscrowSvc); err != nil {
			s.log.Error("escrow auto-release failed", "order_id", esc.OrderID, "error", err)
			s.recordErr(string(JobEscrowAutoRelease))
			continue
		}
		released++
	}
	if released > 0 {
		s.log.Info("escrow auto-release swept", "released", released)
		if s.metrics != nil {
			s.metrics.EscrowAutoReleases.Add(float64(released))
		}
	}
}

// recordErr increments the per-sweep error counter when metrics are
// attached; a no-op otherwise.
func (s *Scheduler) recordErr(sweepName string) {
	if s.metrics != nil {
		s.metrics.SweepErrors.WithLabelValues(sweepName).Inc()
	}
}

func (s *Scheduler) runQuoteExpiry(ctx context.Context, now time.Time) {
	if s.svc.Quotes == nil {
		return
	}
	count, err := s.svc.Quotes.ExpirePending(ctx, now)
	if err != nil {
		s.log.Error("quote expiry sweep failed", "error", err)
		s.recordErr(string(JobQuoteExpiry))
		return
	}
	if count > 0 {
		s.log.Info("quote expiry swept", "expired", count)
		if s.metrics != nil {
			s.metrics.QuotesExpired.Add(float64(count))
		}
	}
}

func (s *Scheduler) runDisputeTimeouts(ctx context.Context, now time.Time) {
	if s.svc.Disputes == nil {
		return
	}
	count, err := s.svc.Disputes.EscalateVendorTimeouts(ctx, now)
	if err != nil {
		s.log.Error("dispute vendor-timeout sweep failed", "error", err)
		s.recordErr(string(JobDisputeTimeout))
		return
	}
	if count > 0 {
		s.log.Info("dispute vendor-timeouts swept", "escalated", count)
	}
}

func (s *Scheduler) runRatingAutoReveal(ctx context.Context, now time.Time) {
	if s.svc.Ratings == nil {
		return
	}
	count, err := s.svc.Ratings.AutoReveal(ctx, now)
	if err != nil {
		s.log.Error("rating auto-reveal sweep failed", "error", err)
		s.recordErr(string(JobRatingAutoReveal))
		return
	}
	if count > 0 {
		s.log.Info("rating auto-reveal swept", "revealed", count)
	}
}

func (s *Scheduler) runProposalExpiry(ctx context.Context, now time.Time) {
	if s.svc.Proposals == nil {
		return
	}
	count, err := s.svc.Proposals.ExpireProposals(ctx, now)
	if err != nil {
		s.log.Error("proposal expiry sweep failed", "error", err)
		s.recordErr(string(JobProposalExpiry))
		return
	}
	if count > 0 {
		s.log.Info("proposal expiry swept", "expired", count)
	}
}
