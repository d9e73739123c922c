// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package order

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/luxfi/bazaar/pkg/errs"
	"github.com/luxfi/bazaar/pkg/metric"
	"github.com/luxfi/bazaar/pkg/storage"
)

const escrowsTable = "escrows"

// EscrowStatus enumerates the escrow states.
type EscrowStatus string

const (
	EscrowNone     EscrowStatus = "none"
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
	EscrowDisputed EscrowStatus = "disputed"
)

// escrowTransitions: status moves are strictly monotonic except for
// held<->disputed. From held, execution can go to released, refunded, or
// disputed; from disputed, it can return to held (dispute dismissed) or
// resolve to released/refunded.
var escrowTransitions = map[EscrowStatus][]EscrowStatus{
	EscrowHeld:     {EscrowReleased, EscrowRefunded, EscrowDisputed},
	EscrowDisputed: {EscrowHeld, EscrowReleased, EscrowRefunded},
}

func canEscrowTransition(from, to EscrowStatus) bool {
	for _, allowed := range escrowTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// EscrowRules captures the hold/dispute windows frozen onto an escrow at
// creation time.
type EscrowRules struct {
	HoldDurationDays       int64 `json:"hold_duration_days"`
	DisputeWindowDays      int64 `json:"dispute_window_days"`
	AutoReleaseIfNoDispute bool  `json:"auto_release_if_no_dispute"`
}

// Escrow is the persisted escrow row, bound 1:1 to an Order by order_id.
type Escrow struct {
	EscrowID           string          `json:"escrow_id"`
	OrderID            string          `json:"order_id"`
	Amount             decimal.Decimal `json:"amount"`
	Status             EscrowStatus    `json:"status"`
	Rules              EscrowRules     `json:"rules"`
	DisputeID          string          `json:"dispute_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	ReleaseScheduledAt time.Time       `json:"release_scheduled_at"`
	ReleasedAt         *time.Time      `json:"released_at,omitempty"`
	RefundedAt         *time.Time      `json:"refunded_at,omitempty"`
	DisputedAt         *time.Time      `json:"disputed_at,omitempty"`
}

// EscrowService is the Escrow half of the Order+Escrow component.
type EscrowService struct {
	store   *storage.Store
	metrics *metric.Metrics
}

// NewEscrowService constructs the Escrow service. It shares the same store
// as the Order service so both can be mutated within one per-order lock.
func NewEscrowService(store *storage.Store) *EscrowService {
	return &EscrowService{store: store}
}

// WithMetrics attaches the process metrics instance. Optional; a service
// built without it skips metric recording.
func (s *EscrowService) WithMetrics(m *metric.Metrics) *EscrowService {
	s.metrics = m
	return s
}

// CreateForOrder creates the bound Escrow on first payment. Idempotent per
// order_id: a second call returns the existing escrow untouched.
func (s *EscrowService) CreateForOrder(ctx context.Context, orderID string, amount decimal.Decimal, holdDurationDays, disputeWindowDays int64) (Escrow, error) {
	existing, ok, err := storage.Get[Escrow](s.store, escrowsTable, orderID)
	if err != nil {
		return Escrow{}, err
	}
	if ok {
		return existing, nil
	}

	now := time.Now()
	esc := Escrow{
		EscrowID: uuid.NewString(),
		OrderID:  orderID,
		Amount:   amount,
		Status:   EscrowHeld,
		Rules: EscrowRules{
			HoldDurationDays:       holdDurationDays,
			DisputeWindowDays:      disputeWindowDays,
			AutoReleaseIfNoDispute: true,
		},
		CreatedAt:          now,
		ReleaseScheduledAt: now.Add(time.Duration(holdDurationDays) * 24 * time.Hour),
	}
	if err := storage.Put(s.store, escrowsTable, orderID, esc); err != nil {
		return Escrow{}, err
	}
	return esc, nil
}

// Get loads the escrow bound to an order.
func (s *EscrowService) Get(ctx context.Context, orderID string) (Escrow, error) {
	esc, ok, err := storage.Get[Escrow](s.store, escrowsTable, orderID)
	if err != nil {
		return Escrow{}, err
	}
	if !ok {
		return Escrow{}, errs.Newf(errs.NotFound, "escrow for order %q not found", orderID)
	}
	return esc, nil
}

func (s *EscrowService) transition(orderID string, to EscrowStatus, apply func(*Escrow)) (Escrow, error) {
	unlock := s.store.Lock("escrow:" + orderID)
	defer unlock()

	esc, err := s.Get(context.Background(), orderID)
	if err != nil {
		return Escrow{}, err
	}
	if !canEscrowTransition(esc.Status, to) {
		return Escrow{}, errs.Newf(errs.InvalidTransition, "escrow for order %q cannot go from %q to %q", orderID, esc.Status, to)
	}
	esc.Status = to
	apply(&esc)
	if err := storage.Put(s.store, escrowsTable, orderID, esc); err != nil {
		return Escrow{}, err
	}
	return esc, nil
}

// Release moves held (or dispute-resolved) funds to the vendor.
func (s *EscrowService) Release(ctx context.Context, orderID, reason string) (Escrow, error) {
	esc, err := s.transition(orderID, EscrowReleased, func(e *Escrow) {
		now := time.Now()
		e.ReleasedAt = &now
	})
	if err != nil {
		return Escrow{}, err
	}
	if s.metrics != nil {
		s.metrics.EscrowsReleased.Inc()
	}
	return esc, nil
}

// Refund returns held (or dispute-resolved) funds to the buyer.
func (s *EscrowService) Refund(ctx context.Context, orderID, reason string) (Escrow, error) {
	esc, err := s.transition(orderID, EscrowRefunded, func(e *Escrow) {
		now := time.Now()
		e.RefundedAt = &now
	})
	if err != nil {
		return Escrow{}, err
	}
	if s.metrics != nil {
		s.metrics.EscrowsRefunded.Inc()
	}
	return esc, nil
}

// Dispute moves a held escrow into disputed, preventing auto-release.
func (s *EscrowService) Dispute(ctx context.Context, orderID, disputeID string) (Escrow, error) {
	return s.transition(orderID, EscrowDisputed, func(e *Escrow) {
		now := time.Now()
		e.DisputedAt = &now
		e.DisputeID = disputeID
	})
}

// Undispute returns a disputed escrow to held, used when a dispute is
// dismissed without a refund or release.
func (s *EscrowService) Undispute(ctx context.Context, orderID string) (Escrow, error) {
	return s.transition(orderID, EscrowHeld, func(e *Escrow) {
		e.DisputeID = ""
	})
}

// ResolveFromDispute releases or refunds an escrow that was in disputed, per
// the Dispute component's resolution outcome.
func (s *EscrowService) ResolveFromDispute(ctx context.Context, orderID string, release bool, reason string) (Escrow, error) {
	if release {
		return s.Release(ctx, orderID, reason)
	}
	return s.Refund(ctx, orderID, reason)
}

// DueForAutoRelease scans escrows eligible for the auto-release sweep: held,
// release_scheduled_at <= now. Disputed escrows are not held and so never
// returned. The sweep itself (pkg/sweep) checks that the order is still
// delivered before completing it, which releases the escrow.
func (s *EscrowService) DueForAutoRelease(ctx context.Context, now time.Time) ([]Escrow, error) {
	all, err := storage.Scan[Escrow](s.store, escrowsTable, "")
	if err != nil {
		return nil, err
	}
	var due []Escrow
	for _, e := range all {
		if e.Status == EscrowHeld && !e.ReleaseScheduledAt.After(now) {
			due = append(due, e)
		}
	}
	return due, nil
}
