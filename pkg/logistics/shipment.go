// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package logistics

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	bazaarcrypto "github.com/luxfi/bazaar/pkg/crypto"
	"github.com/luxfi/bazaar/pkg/errs"
	"github.com/luxfi/bazaar/pkg/ids"
	"github.com/luxfi/bazaar/pkg/metric"
	"github.com/luxfi/bazaar/pkg/order"
	"github.com/luxfi/bazaar/pkg/params"
	"github.com/luxfi/bazaar/pkg/storage"
)

const (
	shipmentsTable      = "shipments"
	trackingEventsTable = "tracking_events"
	orderIndex          = "order_id"
	quoteIndex          = "quote_id"
	trackingNumberIndex = "tracking_number"
)

// ShipmentStatus enumerates the shipment states.
type ShipmentStatus string

const (
	ShipmentPendingPickup  ShipmentStatus = "pending_pickup"
	ShipmentPickedUp       ShipmentStatus = "picked_up"
	ShipmentInTransit      ShipmentStatus = "in_transit"
	ShipmentOutForDelivery ShipmentStatus = "out_for_delivery"
	ShipmentDelivered      ShipmentStatus = "delivered"
	ShipmentFailedDelivery ShipmentStatus = "failed_delivery"
	ShipmentReturning      ShipmentStatus = "returning"
	ShipmentReturned       ShipmentStatus = "returned"
	ShipmentLost           ShipmentStatus = "lost"
	ShipmentCancelled      ShipmentStatus = "cancelled"
)

// shipmentTransitions is the DAG of allowed transitions; delivered,
// returned, lost, and cancelled are terminal.
var shipmentTransitions = map[ShipmentStatus][]ShipmentStatus{
	ShipmentPendingPickup:  {ShipmentPickedUp, ShipmentCancelled, ShipmentLost},
	ShipmentPickedUp:       {ShipmentInTransit, ShipmentFailedDelivery, ShipmentLost, ShipmentCancelled},
	ShipmentInTransit:      {ShipmentOutForDelivery, ShipmentFailedDelivery, ShipmentLost},
	ShipmentOutForDelivery: {ShipmentDelivered, ShipmentFailedDelivery},
	ShipmentFailedDelivery: {ShipmentOutForDelivery, ShipmentReturning, ShipmentLost},
	ShipmentReturning:      {ShipmentReturned, ShipmentLost},
}

func canShipmentTransition(from, to ShipmentStatus) bool {
	for _, allowed := range shipmentTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Shipment is the persisted shipments row, 1:1 with a Quote and with an
// Order.
type Shipment struct {
	ShipmentID          string         `json:"shipment_id"`
	OrderID             string         `json:"order_id"`
	QuoteID             string         `json:"quote_id"`
	TrackingNumber      string         `json:"tracking_number"`
	Status              ShipmentStatus `json:"status"`
	CurrentLocation     string         `json:"current_location,omitempty"`
	EstimatedDelivery   *time.Time     `json:"estimated_delivery,omitempty"`
	ProofOfDeliveryHash string         `json:"proof_of_delivery_hash,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// TrackingEvent is the append-only per-shipment log row.
type TrackingEvent struct {
	ShipmentID string         `json:"shipment_id"`
	Status     ShipmentStatus `json:"status"`
	Location   string         `json:"location,omitempty"`
	Notes      string         `json:"notes,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// OrderDeliveryNotifier is the slice of the Order component Shipment
// depends on: the delivered event is the primary upward edge into Order.
type OrderDeliveryNotifier interface {
	MarkDelivered(ctx context.Context, orderID, eventID, changedBy string) (order.Order, error)
}

// ShipmentTracker is the shipment half of the Logistics component.
type ShipmentTracker struct {
	store   *storage.Store
	params  *params.Service
	order   OrderDeliveryNotifier
	metrics *metric.Metrics
}

// NewShipmentTracker constructs the shipment tracker.
func NewShipmentTracker(store *storage.Store, paramsSvc *params.Service, orderNotifier OrderDeliveryNotifier) *ShipmentTracker {
	return &ShipmentTracker{store: store, params: paramsSvc, order: orderNotifier}
}

// WithMetrics attaches the process metrics instance. Optional; a service
// built without it skips metric recording.
func (t *ShipmentTracker) WithMetrics(m *metric.Metrics) *ShipmentTracker {
	t.metrics = m
	return t
}

// CreateFromAcceptedQuote creates a shipment from an accepted quote,
// rejecting if a shipment already exists for the order, the quote, or the
// tracking number.
func (t *ShipmentTracker) CreateFromAcceptedQuote(ctx context.Context, quote Quote, trackingNumber string) (Shipment, error) {
	if err := t.params.RequireNotPaused(ctx); err != nil {
		return Shipment{}, err
	}
	if quote.Status != QuoteStatusAccepted {
		return Shipment{}, errs.New(errs.InvalidInput, "shipment may only be created from an accepted quote")
	}

	shipmentID := uuid.NewString()
	if err := t.store.ClaimUnique(shipmentsTable, orderIndex, quote.OrderID, shipmentID); err != nil {
		return Shipment{}, errs.Wrap(errs.Conflict, err, "a shipment already exists for this order")
	}
	if err := t.store.ClaimUnique(shipmentsTable, quoteIndex, quote.QuoteID, shipmentID); err != nil {
		return Shipment{}, errs.Wrap(errs.Conflict, err, "a shipment already exists for this quote")
	}
	if err := t.store.ClaimUnique(shipmentsTable, trackingNumberIndex, trackingNumber, shipmentID); err != nil {
		return Shipment{}, errs.Wrap(errs.Conflict, err, "tracking number already in use")
	}

	now := time.Now()
	shipment := Shipment{
		ShipmentID:     shipmentID,
		OrderID:        quote.OrderID,
		QuoteID:        quote.QuoteID,
		TrackingNumber: trackingNumber,
		Status:         ShipmentPendingPickup,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := storage.Put(t.store, shipmentsTable, shipmentID, shipment); err != nil {
		return Shipment{}, err
	}
	if err := t.appendEvent(shipmentID, ShipmentPendingPickup, "", "shipment created"); err != nil {
		return Shipment{}, err
	}
	return shipment, nil
}

// Get loads a shipment by id.
func (t *ShipmentTracker) Get(ctx context.Context, shipmentID string) (Shipment, error) {
	shipment, ok, err := storage.Get[Shipment](t.store, shipmentsTable, shipmentID)
	if err != nil {
		return Shipment{}, err
	}
	if !ok {
		return Shipment{}, errs.Newf(errs.NotFound, "shipment %q not found", shipmentID)
	}
	return shipment, nil
}

func (t *ShipmentTracker) appendEvent(shipmentID string, status ShipmentStatus, location, notes string) error {
	event := TrackingEvent{
		ShipmentID: shipmentID,
		Status:     status,
		Location:   location,
		Notes:      notes,
		Timestamp:  time.Now(),
	}
	if err := storage.Put(t.store, trackingEventsTable, shipmentID+"/"+ids.New(), event); err != nil {
		return err
	}
	if t.metrics != nil {
		t.metrics.ShipmentEvents.WithLabelValues(string(status)).Inc()
	}
	return nil
}

// Transition applies a shipment status change and records a TrackingEvent.
func (t *ShipmentTracker) Transition(ctx context.Context, shipmentID string, to ShipmentStatus, location, notes string) (Shipment, error) {
	if err := t.params.RequireNotPaused(ctx); err != nil {
		return Shipment{}, err
	}

	unlock := t.store.Lock("shipment:" + shipmentID)
	defer unlock()

	shipment, err := t.Get(ctx, shipmentID)
	if err != nil {
		return Shipment{}, err
	}
	if shipment.Status == to {
		return Shipment{}, errs.Newf(errs.InvalidTransition, "shipment %q already in status %q", shipmentID, to)
	}
	if !canShipmentTransition(shipment.Status, to) {
		return Shipment{}, errs.Newf(errs.InvalidTransition, "shipment %q cannot go from %q to %q", shipmentID, shipment.Status, to)
	}

	shipment.Status = to
	shipment.CurrentLocation = location
	shipment.UpdatedAt = time.Now()
	if err := storage.Put(t.store, shipmentsTable, shipmentID, shipment); err != nil {
		return Shipment{}, err
	}
	if err := t.appendEvent(shipmentID, to, location, notes); err != nil {
		return Shipment{}, err
	}
	return shipment, nil
}

// AddProofOfDelivery computes SHA-256 over the proof bytes, sets
// proof_of_delivery_hash, transitions to delivered, appends a delivered
// TrackingEvent, and marks the bound order delivered. Replaying the same
// proof against an already-delivered shipment is a no-op.
func (t *ShipmentTracker) AddProofOfDelivery(ctx context.Context, shipmentID string, proofBytes []byte, changedBy string) (Shipment, error) {
	if err := t.params.RequireNotPaused(ctx); err != nil {
		return Shipment{}, err
	}

	hash := bazaarcrypto.HashBytes(proofBytes)

	unlock := t.store.Lock("shipment:" + shipmentID)
	shipment, err := t.Get(ctx, shipmentID)
	if err != nil {
		unlock()
		return Shipment{}, err
	}
	if shipment.Status == ShipmentDelivered && shipment.ProofOfDeliveryHash == hash {
		unlock()
		return shipment, nil
	}
	if !canShipmentTransition(shipment.Status, ShipmentDelivered) {
		unlock()
		return Shipment{}, errs.Newf(errs.InvalidTransition, "shipment %q cannot be marked delivered from %q", shipmentID, shipment.Status)
	}
	shipment.Status = ShipmentDelivered
	shipment.ProofOfDeliveryHash = hash
	shipment.UpdatedAt = time.Now()
	if err := storage.Put(t.store, shipmentsTable, shipmentID, shipment); err != nil {
		unlock()
		return Shipment{}, err
	}
	if err := t.appendEvent(shipmentID, ShipmentDelivered, "", "proof of delivery recorded"); err != nil {
		unlock()
		return Shipment{}, err
	}
	unlock()

	if _, err := t.order.MarkDelivered(ctx, shipment.OrderID, shipmentID+"/delivered", changedBy); err != nil {
		return Shipment{}, err
	}
	return shipment, nil
}

// VerifyProofOfDelivery checks that the SHA-256 of the presented bytes
// matches the stored proof hash.
func (t *ShipmentTracker) VerifyProofOfDelivery(ctx context.Context, shipmentID string, proofBytes []byte) (bool, error) {
	shipment, err := t.Get(ctx, shipmentID)
	if err != nil {
		return false, err
	}
	return bazaarcrypto.HashBytes(proofBytes) == shipment.ProofOfDeliveryHash, nil
}

// Events returns the TrackingEvent log for a shipment, ordered by
// timestamp.
func (t *ShipmentTracker) Events(ctx context.Context, shipmentID string) ([]TrackingEvent, error) {
	events, err := storage.Scan[TrackingEvent](t.store, trackingEventsTable, shipmentID+"/")
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
	return events, nil
}
