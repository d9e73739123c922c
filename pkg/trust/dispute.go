// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package trust implements the Trust component: the dispute protocol
// coupled to escrow, with rule-based auto-evaluation, and the mutual rating
// protocol with sealed reveal semantics.
package trust

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/luxfi/bazaar/pkg/errs"
	"github.com/luxfi/bazaar/pkg/ids"
	"github.com/luxfi/bazaar/pkg/metric"
	"github.com/luxfi/bazaar/pkg/order"
	"github.com/luxfi/bazaar/pkg/params"
	"github.com/luxfi/bazaar/pkg/reputation"
	"github.com/luxfi/bazaar/pkg/storage"
)

const (
	disputesTable      = "disputes"
	disputeEventsTable = "dispute_events"
	disputeOrderIndex  = "order_id"
)

// DisputeType enumerates the dispute types.
type DisputeType string

const (
	DisputeQuality      DisputeType = "quality"
	DisputeNonReceipt   DisputeType = "non_receipt"
	DisputeLogistics    DisputeType = "logistics"
	DisputeChangeOfMind DisputeType = "change_of_mind"
	DisputeOther        DisputeType = "other"
)

// DisputeStatus enumerates the dispute states.
type DisputeStatus string

const (
	DisputeOpen             DisputeStatus = "open"
	DisputeAwaitingVendor   DisputeStatus = "awaiting_vendor"
	DisputeAwaitingEvidence DisputeStatus = "awaiting_evidence"
	DisputeUnderReview      DisputeStatus = "under_review"
	DisputeArbitration      DisputeStatus = "arbitration"
	DisputeResolved         DisputeStatus = "resolved"
	DisputeClosed           DisputeStatus = "closed"
)

// Resolution enumerates the dispute outcomes.
type Resolution string

const (
	ResolutionFullRefund    Resolution = "full_refund"
	ResolutionPartialRefund Resolution = "partial_refund"
	ResolutionNoRefund      Resolution = "no_refund"
	ResolutionVendorWins    Resolution = "vendor_wins"
)

// Evidence is the evidence bundle auto-evaluation reasons over.
type Evidence struct {
	BuyerPhotos         []string `json:"buyer_photos,omitempty"`
	VendorCounterPhotos []string `json:"vendor_counter_photos,omitempty"`
	TrackingEvents      []string `json:"tracking_events,omitempty"` // statuses observed, e.g. "delivered"
	Notes               string   `json:"notes,omitempty"`
}

// Dispute is the persisted disputes row, 1:1 with an Order.
type Dispute struct {
	DisputeID           string        `json:"dispute_id"`
	OrderID             string        `json:"order_id"`
	BuyerDID            string        `json:"buyer_did"`
	Type                DisputeType   `json:"type"`
	Status              DisputeStatus `json:"status"`
	Description         string        `json:"description"`
	Evidence            Evidence      `json:"evidence"`
	VendorResponse      string        `json:"vendor_response,omitempty"`
	VendorResponseDueAt time.Time     `json:"vendor_response_due_at"`
	Resolution          Resolution    `json:"resolution,omitempty"`
	Confidence          float64       `json:"confidence,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	ResolvedAt          *time.Time    `json:"resolved_at,omitempty"`
}

// DisputeEvent is the append-only dispute_events row.
type DisputeEvent struct {
	DisputeID string    `json:"dispute_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderGateway is the slice of the Order component Trust depends on.
type OrderGateway interface {
	Get(ctx context.Context, orderID string) (order.Order, error)
	Transition(ctx context.Context, orderID string, to order.Status, actor order.Actor, changedBy, reason string, metadata map[string]string) (order.Order, error)
}

// EscrowGateway is the slice of the Escrow component Trust depends on.
type EscrowGateway interface {
	Dispute(ctx context.Context, orderID, disputeID string) (order.Escrow, error)
	ResolveFromDispute(ctx context.Context, orderID string, release bool, reason string) (order.Escrow, error)
}

// DisputeService is the Dispute half of the Trust component.
type DisputeService struct {
	store      *storage.Store
	params     *params.Service
	order      OrderGateway
	escrow     EscrowGateway
	reputation ReputationNotifier
	metrics    *metric.Metrics
}

// NewDisputeService constructs the dispute service. Each resolution appends
// a dispute-type reputation event on the vendor's DID.
func NewDisputeService(store *storage.Store, paramsSvc *params.Service, orderGateway OrderGateway, escrowGateway EscrowGateway, reputationNotifier ReputationNotifier) *DisputeService {
	return &DisputeService{store: store, params: paramsSvc, order: orderGateway, escrow: escrowGateway, reputation: reputationNotifier}
}

// WithMetrics attaches the process metrics instance. Optional; a service
// built without it skips metric recording.
func (d *DisputeService) WithMetrics(m *metric.Metrics) *DisputeService {
	d.metrics = m
	return d
}

// Open creates a dispute: the order must be delivered, within the dispute
// window, the caller must be the buyer, and no dispute may already exist
// for the order. The escrow is paused and the order transitions to
// disputed.
func (d *DisputeService) Open(ctx context.Context, orderID, buyerDID string, disputeType DisputeType, description string, evidence Evidence) (Dispute, error) {
	if err := d.params.RequireNotPaused(ctx); err != nil {
		return Dispute{}, err
	}

	ord, err := d.order.Get(ctx, orderID)
	if err != nil {
		return Dispute{}, err
	}
	if ord.Status != order.StatusDelivered {
		return Dispute{}, errs.Newf(errs.InvalidInput, "order %q must be delivered to open a dispute, is %q", orderID, ord.Status)
	}
	if ord.BuyerDID != buyerDID {
		return Dispute{}, errs.New(errs.Unauthorized, "only the buyer may open a dispute")
	}
	if ord.DeliveredAt == nil {
		return Dispute{}, errs.New(errs.Internal, "delivered order missing delivered_at timestamp")
	}

	windowDays, err := d.params.GetInt(ctx, params.DisputeWindowDays)
	if err != nil {
		return Dispute{}, err
	}
	if time.Since(*ord.DeliveredAt) > time.Duration(windowDays)*24*time.Hour {
		return Dispute{}, errs.New(errs.Expired, "dispute window has closed")
	}

	unlock := d.store.Lock("dispute:" + orderID)
	defer unlock()

	disputeID := uuid.NewString()
	if err := d.store.ClaimUnique(disputesTable, disputeOrderIndex, orderID, disputeID); err != nil {
		return Dispute{}, errs.Wrap(errs.Conflict, err, "a dispute already exists for this order")
	}

	responseWindowHours, err := d.params.GetInt(ctx, params.VendorResponseWindowH)
	if err != nil {
		return Dispute{}, err
	}

	dispute := Dispute{
		DisputeID:           disputeID,
		OrderID:             orderID,
		BuyerDID:            buyerDID,
		Type:                disputeType,
		Status:              DisputeAwaitingVendor,
		Description:         description,
		Evidence:            evidence,
		VendorResponseDueAt: time.Now().Add(time.Duration(responseWindowHours) * time.Hour),
		CreatedAt:           time.Now(),
	}
	if err := storage.Put(d.store, disputesTable, disputeID, dispute); err != nil {
		return Dispute{}, err
	}
	if _, err := d.escrow.Dispute(ctx, orderID, disputeID); err != nil {
		return Dispute{}, err
	}
	if err := d.appendEvent(disputeID, "opened", ""); err != nil {
		return Dispute{}, err
	}
	if _, err := d.order.Transition(ctx, orderID, order.StatusDisputed, order.ActorDisputeComponent, buyerDID, "dispute opened", map[string]string{"dispute_id": disputeID}); err != nil {
		return Dispute{}, err
	}
	if d.metrics != nil {
		d.metrics.DisputesOpened.Inc()
	}
	return dispute, nil
}

// Get loads a dispute by id.
func (d *DisputeService) Get(ctx context.Context, disputeID string) (Dispute, error) {
	dispute, ok, err := storage.Get[Dispute](d.store, disputesTable, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if !ok {
		return Dispute{}, errs.Newf(errs.NotFound, "dispute %q not found", disputeID)
	}
	return dispute, nil
}

func (d *DisputeService) appendEvent(disputeID, kind, detail string) error {
	event := DisputeEvent{DisputeID: disputeID, Kind: kind, Detail: detail, Timestamp: time.Now()}
	return storage.Put(d.store, disputeEventsTable, disputeID+"/"+ids.New(), event)
}

// SubmitVendorResponse stores the vendor's response, moves the dispute to
// under_review, and triggers auto-evaluation.
func (d *DisputeService) SubmitVendorResponse(ctx context.Context, disputeID, vendorDID, response string, counterEvidence Evidence) (Dispute, error) {
	if err := d.params.RequireNotPaused(ctx); err != nil {
		return Dispute{}, err
	}

	unlock := d.store.Lock("dispute:" + disputeID)
	defer unlock()

	dispute, err := d.Get(ctx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	ord, err := d.order.Get(ctx, dispute.OrderID)
	if err != nil {
		return Dispute{}, err
	}
	if ord.VendorDID != vendorDID {
		return Dispute{}, errs.New(errs.Unauthorized, "only the order's vendor may respond to this dispute")
	}
	if dispute.Status != DisputeAwaitingVendor {
		return Dispute{}, errs.Newf(errs.InvalidTransition, "dispute %q is not awaiting a vendor response", disputeID)
	}

	dispute.VendorResponse = response
	dispute.Evidence.VendorCounterPhotos = counterEvidence.VendorCounterPhotos
	dispute.Status = DisputeUnderReview
	if err := storage.Put(d.store, disputesTable, disputeID, dispute); err != nil {
		return Dispute{}, err
	}
	if err := d.appendEvent(disputeID, "vendor_responded", response); err != nil {
		return Dispute{}, err
	}

	return d.autoEvaluateLocked(ctx, dispute)
}

// autoEvaluateLocked runs the ordered evaluation rules, stopping at the
// first match, and executes the resolution (or escalates to arbitration if
// no rule conclusively resolves it).
func (d *DisputeService) autoEvaluateLocked(ctx context.Context, dispute Dispute) (Dispute, error) {
	ord, err := d.order.Get(ctx, dispute.OrderID)
	if err != nil {
		return Dispute{}, err
	}

	resolution, confidence, escalate := evaluate(dispute, ord)
	if escalate {
		dispute.Status = DisputeArbitration
		if err := storage.Put(d.store, disputesTable, dispute.DisputeID, dispute); err != nil {
			return Dispute{}, err
		}
		if err := d.appendEvent(dispute.DisputeID, "escalated", "no rule conclusively resolved the dispute"); err != nil {
			return Dispute{}, err
		}
		return dispute, nil
	}

	dispute.Resolution = resolution
	dispute.Confidence = confidence
	return d.executeResolutionLocked(ctx, dispute, ord, "auto-evaluation")
}

// evaluate applies the ordered resolution rules, first match wins:
// non-receipt with a delivered tracking event favors the vendor;
// non-receipt with no tracking number refunds; quality with unanswered
// buyer photos refunds; quality with photos on both sides goes to
// arbitration; logistics refunds; change-of-mind never refunds; anything
// else escalates.
func evaluate(dispute Dispute, ord order.Order) (resolution Resolution, confidence float64, escalate bool) {
	switch dispute.Type {
	case DisputeNonReceipt:
		if containsStatus(dispute.Evidence.TrackingEvents, "delivered") {
			return ResolutionVendorWins, 0.95, false
		}
		if ord.TrackingNumber == "" {
			return ResolutionFullRefund, 0.90, false
		}
	case DisputeQuality:
		hasBuyerPhotos := len(dispute.Evidence.BuyerPhotos) > 0
		hasVendorPhotos := len(dispute.Evidence.VendorCounterPhotos) > 0
		if hasBuyerPhotos && !hasVendorPhotos {
			return ResolutionFullRefund, 0.85, false
		}
		if hasBuyerPhotos && hasVendorPhotos {
			return "", 0.50, true
		}
	case DisputeLogistics:
		return ResolutionFullRefund, 0.80, false
	case DisputeChangeOfMind:
		return ResolutionNoRefund, 1.00, false
	}
	return "", 0, true
}

func containsStatus(statuses []string, target string) bool {
	for _, s := range statuses {
		if s == target {
			return true
		}
	}
	return false
}

// executeResolutionLocked applies a resolution's side effects: refund
// resolutions refund escrow and transition the order to refunded; vendor
// wins/no-refund resolutions release escrow and transition to completed.
// The outcome is appended to the vendor's reputation log.
func (d *DisputeService) executeResolutionLocked(ctx context.Context, dispute Dispute, ord order.Order, changedBy string) (Dispute, error) {
	release := dispute.Resolution == ResolutionVendorWins || dispute.Resolution == ResolutionNoRefund
	if _, err := d.escrow.ResolveFromDispute(ctx, dispute.OrderID, release, string(dispute.Resolution)); err != nil {
		return Dispute{}, err
	}

	targetStatus := order.StatusRefunded
	if release {
		targetStatus = order.StatusCompleted
	}
	if _, err := d.order.Transition(ctx, dispute.OrderID, targetStatus, order.ActorDisputeComponent, changedBy, string(dispute.Resolution), nil); err != nil {
		return Dispute{}, err
	}

	now := time.Now()
	dispute.Status = DisputeResolved
	dispute.ResolvedAt = &now
	if err := storage.Put(d.store, disputesTable, dispute.DisputeID, dispute); err != nil {
		return Dispute{}, err
	}
	if err := d.appendEvent(dispute.DisputeID, "resolved", string(dispute.Resolution)); err != nil {
		return Dispute{}, err
	}

	if d.reputation != nil {
		evt := reputation.Event{
			TransactionID: dispute.OrderID,
			Type:          reputation.EventDispute,
			Payload: map[string]string{
				"resolution":   string(dispute.Resolution),
				"dispute_type": string(dispute.Type),
				"severity":     resolutionSeverity(dispute.Resolution),
				"outcome":      resolutionOutcome(dispute.Resolution),
			},
		}
		if err := d.reputation.AppendEvent(ctx, ord.VendorDID, evt); err != nil {
			return Dispute{}, err
		}
	}
	if d.metrics != nil {
		d.metrics.DisputesResolved.WithLabelValues(string(dispute.Resolution)).Inc()
	}
	return dispute, nil
}

// resolutionSeverity grades the dispute from the vendor's side: a full
// refund counts as a major loss, a partial refund as minor, and a win
// carries no severity penalty.
func resolutionSeverity(r Resolution) string {
	switch r {
	case ResolutionFullRefund:
		return "major"
	case ResolutionPartialRefund:
		return "minor"
	default:
		return ""
	}
}

// resolutionOutcome records who prevailed, from the vendor's side.
func resolutionOutcome(r Resolution) string {
	switch r {
	case ResolutionVendorWins, ResolutionNoRefund:
		return "won"
	default:
		return "lost"
	}
}

// EscalateVendorTimeouts advances disputes whose vendor response deadline
// has passed, escalating to evaluation as if counter-evidence were absent.
// Invoked by the background sweep.
func (d *DisputeService) EscalateVendorTimeouts(ctx context.Context, now time.Time) (int, error) {
	all, err := storage.Scan[Dispute](d.store, disputesTable, "")
	if err != nil {
		return 0, err
	}
	count := 0
	for _, dispute := range all {
		if dispute.Status != DisputeAwaitingVendor || dispute.VendorResponseDueAt.After(now) {
			continue
		}
		unlock := d.store.Lock("dispute:" + dispute.DisputeID)
		dispute.Status = DisputeUnderReview
		dispute.Evidence.VendorCounterPhotos = nil
		if err := storage.Put(d.store, disputesTable, dispute.DisputeID, dispute); err != nil {
			unlock()
			return count, err
		}
		if err := d.appendEvent(dispute.DisputeID, "vendor_timeout", "escalated without vendor response"); err != nil {
			unlock()
			return count, err
		}
		if _, err := d.autoEvaluateLocked(ctx, dispute); err != nil {
			unlock()
			return count, err
		}
		unlock()
		count++
	}
	return count, nil
}

// Events returns the DisputeEvent log for a dispute.
func (d *DisputeService) Events(ctx context.Context, disputeID string) ([]DisputeEvent, error) {
	return storage.Scan[DisputeEvent](d.store, disputeEventsTable, disputeID+"/")
}
