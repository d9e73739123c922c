// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package order implements the Order+Escrow component, the core of the
// marketplace spine: a 12-state order machine with authorization predicates
// per transition, fee computation in exact decimal arithmetic on amounts in
// major currency units (not integer minor units) with each fee rounded to
// two decimal places, and a 1:1 bound
// Escrow record. Escrow and order mutations share a single store so they
// can be updated within the same per-order critical section.
package order

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/luxfi/bazaar/pkg/errs"
	"github.com/luxfi/bazaar/pkg/ids"
	"github.com/luxfi/bazaar/pkg/metric"
	"github.com/luxfi/bazaar/pkg/params"
	"github.com/luxfi/bazaar/pkg/ports"
	"github.com/luxfi/bazaar/pkg/storage"
)

const (
	ordersTable          = "orders"
	statusLogTable       = "order_status_log"
	processedEventsTable = "order_processed_events"
	orderNumberIndex     = "order_number"

	maxOrderNumberAttempts = 5
)

// Status enumerates the order machine's 12 states.
type Status string

const (
	StatusDraft          Status = "draft"
	StatusPaymentPending Status = "payment_pending"
	StatusPaid           Status = "paid"
	StatusPaymentFailed  Status = "payment_failed"
	StatusConfirmed      Status = "confirmed"
	StatusProcessing     Status = "processing"
	StatusShipped        Status = "shipped"
	StatusDelivered      Status = "delivered"
	StatusDisputed       Status = "disputed"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
	StatusRefunded       Status = "refunded"
)

// transitions is the authoritative transition table: any pair not listed
// here fails with InvalidTransition.
var transitions = map[Status][]Status{
	StatusDraft:          {StatusPaymentPending, StatusCancelled},
	StatusPaymentPending: {StatusPaid, StatusPaymentFailed, StatusCancelled},
	StatusPaymentFailed:  {StatusCancelled},
	StatusPaid:           {StatusConfirmed, StatusCancelled},
	StatusConfirmed:      {StatusProcessing, StatusCancelled, StatusDisputed},
	StatusProcessing:     {StatusShipped, StatusCancelled, StatusDisputed},
	StatusShipped:        {StatusDelivered, StatusCancelled, StatusDisputed},
	StatusDelivered:      {StatusCompleted, StatusDisputed},
	StatusDisputed:       {StatusCompleted, StatusCancelled, StatusRefunded},
	StatusCompleted:      {StatusDisputed},
	StatusCancelled:      nil,
	StatusRefunded:       nil,
}

func canTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

var cancellableStates = map[Status]bool{
	StatusDraft:          true,
	StatusPaymentPending: true,
	StatusPaymentFailed:  true,
	StatusPaid:           true,
	StatusConfirmed:      true,
}

// Actor identifies who is driving a transition, for authorization.
type Actor string

const (
	ActorBuyer             Actor = "buyer"
	ActorVendor            Actor = "vendor"
	ActorSystem            Actor = "system"
	ActorPaymentGateway    Actor = "payment_gateway"
	ActorLogisticsProvider Actor = "logistics_provider"
	ActorDisputeComponent  Actor = "dispute"
)

// Type enumerates the order types.
type Type string

const (
	TypeSample    Type = "sample"
	TypeWholesale Type = "wholesale"
	TypeCustom    Type = "custom"
)

// Item is one line item on an order; invariant item.TotalPrice =
// item.Quantity * item.PricePerUnit, enforced in NewItem.
type Item struct {
	ProductID    string          `json:"product_id"`
	Quantity     int64           `json:"quantity"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	TotalPrice   decimal.Decimal `json:"total_price"`
	Currency     string          `json:"currency"`
}

// NewItem builds an Item, computing TotalPrice from quantity and unit price.
func NewItem(productID string, quantity int64, pricePerUnit decimal.Decimal, currency string) (Item, error) {
	if quantity <= 0 {
		return Item{}, errs.New(errs.InvalidInput, "item quantity must be positive")
	}
	return Item{
		ProductID:    productID,
		Quantity:     quantity,
		PricePerUnit: pricePerUnit,
		TotalPrice:   pricePerUnit.Mul(decimal.NewFromInt(quantity)),
		Currency:     currency,
	}, nil
}

// Fees breaks down the fee components computed at order creation.
type Fees struct {
	Protocol decimal.Decimal `json:"protocol"`
	Client   decimal.Decimal `json:"client"`
	Payment  decimal.Decimal `json:"payment"`
	Total    decimal.Decimal `json:"total"`
}

// Order is the persisted orders row.
type Order struct {
	OrderID             string              `json:"order_id"`
	OrderNumber         string              `json:"order_number"`
	BuyerDID            string              `json:"buyer_did"`
	VendorDID           string              `json:"vendor_did"`
	ClientID            string              `json:"client_id"`
	Type                Type                `json:"type"`
	Items               []Item              `json:"items"`
	Subtotal            decimal.Decimal     `json:"subtotal"`
	Fees                Fees                `json:"fees"`
	Total               decimal.Decimal     `json:"total"`
	ShippingAddress     map[string]string   `json:"shipping_address"`
	PaymentMethod       ports.PaymentMethod `json:"payment_method"`
	PaymentFeeBearer    string              `json:"payment_fee_bearer"`
	Status              Status              `json:"status"`
	TrackingNumber      string              `json:"tracking_number,omitempty"`
	LogisticsProviderID string              `json:"logistics_provider_id,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
	DeliveredAt         *time.Time          `json:"delivered_at,omitempty"`
}

// StatusChange is the append-only order_status_log row.
type StatusChange struct {
	OrderID   string            `json:"order_id"`
	From      Status            `json:"from"`
	To        Status            `json:"to"`
	ChangedBy string            `json:"changed_by"`
	Reason    string            `json:"reason"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp time.Time         `json:"timestamp"`
}

// processedEvent dedupes externally-triggered callbacks (payment proofs,
// shipment events) on their source-system event id.
type processedEvent struct {
	OrderID   string    `json:"order_id"`
	EventID   string    `json:"event_id"`
	Kind      string    `json:"kind"`
	AppliedAt time.Time `json:"applied_at"`
}

// IdentityChecker is the slice of the Identity component Order depends on.
type IdentityChecker interface {
	CanTransact(ctx context.Context, did string) (bool, error)
}

// Service is the Order half of the Order+Escrow component.
type Service struct {
	store    *storage.Store
	params   *params.Service
	identity IdentityChecker
	gateway  ports.PaymentGateway
	catalog  ports.Catalog
	metrics  *metric.Metrics
}

// New constructs the Order service. catalog may be nil, in which case item
// contents are validated arithmetically but not against the product catalog.
func New(store *storage.Store, paramsSvc *params.Service, identity IdentityChecker, gateway ports.PaymentGateway, catalog ports.Catalog) *Service {
	return &Service{store: store, params: paramsSvc, identity: identity, gateway: gateway, catalog: catalog}
}

// WithMetrics attaches the process metrics instance. Optional; a service
// built without it skips metric recording.
func (s *Service) WithMetrics(m *metric.Metrics) *Service {
	s.metrics = m
	return s
}

// CreateOrder validates the buyer/vendor and items, computes fees, reserves
// a unique order number, and persists a draft order.
func (s *Service) CreateOrder(ctx context.Context, buyerDID, vendorDID, clientID string, typ Type, items []Item, shippingAddress map[string]string, method ports.PaymentMethod) (Order, error) {
	if err := s.params.RequireNotPaused(ctx); err != nil {
		return Order{}, err
	}

	canBuy, err := s.identity.CanTransact(ctx, buyerDID)
	if err != nil {
		return Order{}, err
	}
	if !canBuy {
		return Order{}, errs.Newf(errs.Forbidden, "buyer %q may not transact", buyerDID)
	}
	canSell, err := s.identity.CanTransact(ctx, vendorDID)
	if err != nil {
		return Order{}, err
	}
	if !canSell {
		return Order{}, errs.Newf(errs.Forbidden, "vendor %q may not transact", vendorDID)
	}

	if len(items) == 0 {
		return Order{}, errs.New(errs.InvalidInput, "order must have at least one item")
	}
	currency := items[0].Currency
	subtotal := decimal.Zero
	for _, item := range items {
		if item.Currency != currency {
			return Order{}, errs.New(errs.InvalidInput, "all items on an order must share one currency")
		}
		if !item.TotalPrice.Equal(item.PricePerUnit.Mul(decimal.NewFromInt(item.Quantity))) {
			return Order{}, errs.New(errs.InvalidInput, "item total_price does not match quantity * price_per_unit")
		}
		if s.catalog != nil {
			product, err := s.catalog.GetProduct(ctx, item.ProductID)
			if err != nil {
				return Order{}, err
			}
			if product.VendorDID != vendorDID {
				return Order{}, errs.Newf(errs.InvalidInput, "product %q does not belong to vendor %q", item.ProductID, vendorDID)
			}
		}
		subtotal = subtotal.Add(item.TotalPrice)
	}

	fees, err := s.computeFees(ctx, subtotal, method)
	if err != nil {
		return Order{}, err
	}

	orderID := uuid.NewString()
	orderNumber, err := s.reserveOrderNumber(orderID)
	if err != nil {
		return Order{}, err
	}

	now := time.Now()
	ord := Order{
		OrderID:          orderID,
		OrderNumber:      orderNumber,
		BuyerDID:         buyerDID,
		VendorDID:        vendorDID,
		ClientID:         clientID,
		Type:             typ,
		Items:            items,
		Subtotal:         subtotal,
		Fees:             fees,
		Total:            subtotal.Add(fees.Total),
		ShippingAddress:  shippingAddress,
		PaymentMethod:    method,
		PaymentFeeBearer: "buyer",
		Status:           StatusDraft,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := storage.Put(s.store, ordersTable, orderID, ord); err != nil {
		return Order{}, err
	}
	if s.metrics != nil {
		s.metrics.OrdersCreated.Inc()
	}
	return ord, nil
}

// computeFees prices an order: protocol and client fees as percentages of
// the subtotal, plus a method-specific payment fee (stripe: 2.9% + 0.30;
// lightning: 0.1%; otherwise zero).
func (s *Service) computeFees(ctx context.Context, subtotal decimal.Decimal, method ports.PaymentMethod) (Fees, error) {
	protocolPct, err := s.params.GetDecimal(ctx, params.ProtocolFeePercentage)
	if err != nil {
		return Fees{}, err
	}
	clientPct, err := s.params.GetDecimal(ctx, params.ClientFeePercentage)
	if err != nil {
		return Fees{}, err
	}

	protocolFee := subtotal.Mul(protocolPct).Div(decimal.NewFromInt(100))
	clientFee := subtotal.Mul(clientPct).Div(decimal.NewFromInt(100))

	var paymentFee decimal.Decimal
	switch method {
	case ports.PaymentMethodStripe:
		paymentFee = subtotal.Mul(decimal.NewFromFloat(0.029)).Add(decimal.NewFromFloat(0.30))
	case ports.PaymentMethodLightning:
		paymentFee = subtotal.Mul(decimal.NewFromFloat(0.001))
	default:
		paymentFee = decimal.Zero
	}

	return Fees{
		Protocol: protocolFee.Round(2),
		Client:   clientFee.Round(2),
		Payment:  paymentFee.Round(2),
		Total:    protocolFee.Add(clientFee).Add(paymentFee).Round(2),
	}, nil
}

// reserveOrderNumber generates and claims a unique order_number, retrying
// up to 5 times on collision.
func (s *Service) reserveOrderNumber(orderID string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxOrderNumberAttempts; attempt++ {
		number, err := ids.NewOrderNumber(time.Now())
		if err != nil {
			return "", errs.Wrap(errs.Internal, err, "generate order number")
		}
		if err := s.store.ClaimUnique(ordersTable, orderNumberIndex, number, orderID); err != nil {
			lastErr = err
			continue
		}
		return number, nil
	}
	return "", errs.Wrap(errs.Conflict, lastErr, "exhausted order number generation attempts")
}

// Get loads an order by id.
func (s *Service) Get(ctx context.Context, orderID string) (Order, error) {
	ord, ok, err := storage.Get[Order](s.store, ordersTable, orderID)
	if err != nil {
		return Order{}, err
	}
	if !ok {
		return Order{}, errs.Newf(errs.NotFound, "order %q not found", orderID)
	}
	return ord, nil
}

// GetByOrderNumber resolves the human-readable order number to an order id.
func (s *Service) GetByOrderNumber(ctx context.Context, orderNumber string) (Order, error) {
	orderID, ok, err := s.store.LookupUnique(ordersTable, orderNumberIndex, orderNumber)
	if err != nil {
		return Order{}, err
	}
	if !ok {
		return Order{}, errs.Newf(errs.NotFound, "order_number %q not found", orderNumber)
	}
	return s.Get(ctx, orderID)
}

func authorizeTransition(from, to Status, actor Actor) error {
	switch {
	case from == StatusDraft && to == StatusPaymentPending:
		if actor != ActorBuyer {
			return errs.New(errs.Unauthorized, "only the buyer may submit an order for payment")
		}
	case from == StatusPaymentPending && to == StatusPaid:
		if actor != ActorPaymentGateway && actor != ActorBuyer {
			return errs.New(errs.Unauthorized, "only a payment gateway callback or buyer proof may mark an order paid")
		}
	case from == StatusPaid && to == StatusConfirmed:
		if actor != ActorVendor {
			return errs.New(errs.Unauthorized, "only the vendor may confirm an order")
		}
	case from == StatusConfirmed && to == StatusProcessing,
		from == StatusProcessing && to == StatusShipped:
		if actor != ActorVendor {
			return errs.New(errs.Unauthorized, "only the vendor may advance order fulfillment")
		}
	case from == StatusShipped && to == StatusDelivered:
		if actor != ActorBuyer && actor != ActorLogisticsProvider && actor != ActorSystem {
			return errs.New(errs.Unauthorized, "only the buyer, bound provider, or a shipment event may mark delivered")
		}
	case from == StatusDelivered && to == StatusCompleted:
		if actor != ActorBuyer && actor != ActorSystem {
			return errs.New(errs.Unauthorized, "only the buyer or the auto-release sweep may complete an order")
		}
	case to == StatusCancelled:
		if !cancellableStates[from] {
			return errs.Newf(errs.InvalidTransition, "order in status %q cannot be cancelled", from)
		}
		if actor != ActorBuyer && actor != ActorVendor {
			return errs.New(errs.Unauthorized, "only the buyer or vendor may cancel an order")
		}
	case to == StatusDisputed:
		if actor != ActorDisputeComponent {
			return errs.New(errs.Unauthorized, "only the dispute component may move an order into dispute")
		}
	case from == StatusDisputed:
		if actor != ActorDisputeComponent && actor != ActorSystem {
			return errs.New(errs.Unauthorized, "only the dispute component may resolve a disputed order")
		}
	}
	return nil
}

// Transition applies an order status change, enforcing the transition
// table and authorization predicates, and appends a StatusChange record.
func (s *Service) Transition(ctx context.Context, orderID string, to Status, actor Actor, changedBy, reason string, metadata map[string]string) (Order, error) {
	if err := s.params.RequireNotPaused(ctx); err != nil {
		return Order{}, err
	}

	unlock := s.store.Lock("order:" + orderID)
	defer unlock()

	return s.transitionLocked(ctx, orderID, to, actor, changedBy, reason, metadata)
}

func (s *Service) transitionLocked(ctx context.Context, orderID string, to Status, actor Actor, changedBy, reason string, metadata map[string]string) (Order, error) {
	ord, err := s.Get(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if ord.Status == to {
		return Order{}, errs.Newf(errs.InvalidTransition, "order %q already in status %q", orderID, to)
	}
	if !canTransition(ord.Status, to) {
		return Order{}, errs.Newf(errs.InvalidTransition, "order %q cannot go from %q to %q", orderID, ord.Status, to)
	}
	if err := authorizeTransition(ord.Status, to, actor); err != nil {
		return Order{}, err
	}

	from := ord.Status
	ord.Status = to
	ord.UpdatedAt = time.Now()
	if to == StatusDelivered {
		now := time.Now()
		ord.DeliveredAt = &now
	}

	if err := storage.Put(s.store, ordersTable, orderID, ord); err != nil {
		return Order{}, err
	}
	change := StatusChange{
		OrderID:   orderID,
		From:      from,
		To:        to,
		ChangedBy: changedBy,
		Reason:    reason,
		Metadata:  metadata,
		Timestamp: ord.UpdatedAt,
	}
	if err := storage.Put(s.store, statusLogTable, orderID+"/"+ids.New(), change); err != nil {
		return Order{}, err
	}
	if s.metrics != nil {
		s.metrics.OrderTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
	return ord, nil
}

// Ship transitions processing -> shipped, recording tracking_number and
// logistics_provider_id on the order.
func (s *Service) Ship(ctx context.Context, orderID, trackingNumber, logisticsProviderID, changedBy string) (Order, error) {
	if err := s.params.RequireNotPaused(ctx); err != nil {
		return Order{}, err
	}

	unlock := s.store.Lock("order:" + orderID)
	defer unlock()

	ord, err := s.Get(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if ord.Status != StatusProcessing {
		return Order{}, errs.Newf(errs.InvalidTransition, "order %q must be processing to ship, is %q", orderID, ord.Status)
	}
	ord.TrackingNumber = trackingNumber
	ord.LogisticsProviderID = logisticsProviderID
	if err := storage.Put(s.store, ordersTable, orderID, ord); err != nil {
		return Order{}, err
	}

	return s.transitionLocked(ctx, orderID, StatusShipped, ActorVendor, changedBy, "shipped", map[string]string{
		"tracking_number":       trackingNumber,
		"logistics_provider_id": logisticsProviderID,
	})
}

// wasApplied reports whether an external event id was already applied to
// this order.
func (s *Service) wasApplied(orderID, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	_, ok, err := storage.Get[processedEvent](s.store, processedEventsTable, orderID+"/"+eventID)
	return ok, err
}

// recordApplied marks an external event id as applied, once its side
// effects have committed.
func (s *Service) recordApplied(orderID, eventID, kind string) error {
	if eventID == "" {
		return nil
	}
	return storage.Put(s.store, processedEventsTable, orderID+"/"+eventID, processedEvent{
		OrderID:   orderID,
		EventID:   eventID,
		Kind:      kind,
		AppliedAt: time.Now(),
	})
}

// SubmitForPayment moves a draft order to payment_pending and asks the
// payment gateway for the instructions the buyer settles against.
func (s *Service) SubmitForPayment(ctx context.Context, orderID, buyerDID string) (Order, ports.PaymentInstructions, error) {
	ord, err := s.Transition(ctx, orderID, StatusPaymentPending, ActorBuyer, buyerDID, "submitted for payment", nil)
	if err != nil {
		return Order{}, ports.PaymentInstructions{}, err
	}

	ictx, cancel := ports.WithDefaultTimeout(ctx)
	defer cancel()
	instructions, err := s.gateway.Initialize(ictx, orderID, ord.Total, ord.PaymentMethod)
	if err != nil {
		return Order{}, ports.PaymentInstructions{}, err
	}
	return ord, instructions, nil
}

// Pay verifies a payment proof with the PaymentGateway port and, on
// success, transitions the order to paid and creates its bound escrow.
// Replays of an already-applied payment event return the current order as a
// no-op.
func (s *Service) Pay(ctx context.Context, orderID string, proof ports.PaymentProof, escrow *EscrowService) (Order, error) {
	if err := s.params.RequireNotPaused(ctx); err != nil {
		return Order{}, err
	}

	ord, err := s.Get(ctx, orderID)
	if err != nil {
		return Order{}, err
	}

	applied, err := s.wasApplied(orderID, proof.SourceSystemID)
	if err != nil {
		return Order{}, err
	}
	if applied {
		return ord, nil
	}

	vctx, cancel := ports.WithDefaultTimeout(ctx)
	ok, err := s.gateway.Verify(vctx, ord.PaymentMethod, proof)
	cancel()
	if err != nil {
		return Order{}, err
	}
	if !ok {
		return Order{}, errs.New(errs.Unauthorized, "payment proof failed verification")
	}

	ord, err = s.Transition(ctx, orderID, StatusPaid, ActorBuyer, ord.BuyerDID, "payment verified", map[string]string{
		"source_system_id": proof.SourceSystemID,
	})
	if err != nil {
		return Order{}, err
	}
	if err := s.recordApplied(orderID, proof.SourceSystemID, "payment"); err != nil {
		return Order{}, err
	}

	holdDays, err := s.params.GetInt(ctx, params.EscrowHoldDurationDays)
	if err != nil {
		return Order{}, err
	}
	disputeDays, err := s.params.GetInt(ctx, params.DisputeWindowDays)
	if err != nil {
		return Order{}, err
	}
	if _, err := escrow.CreateForOrder(ctx, orderID, ord.Total, holdDays, disputeDays); err != nil {
		return Order{}, err
	}
	return ord, nil
}

// MarkDelivered applies a shipment-originated delivered event, deduped on
// the shipment's event id so replayed callbacks are no-ops.
func (s *Service) MarkDelivered(ctx context.Context, orderID, eventID, changedBy string) (Order, error) {
	applied, err := s.wasApplied(orderID, eventID)
	if err != nil {
		return Order{}, err
	}
	if applied {
		return s.Get(ctx, orderID)
	}
	ord, err := s.Transition(ctx, orderID, StatusDelivered, ActorLogisticsProvider, changedBy, "shipment delivered", map[string]string{
		"event_id": eventID,
	})
	if err != nil {
		return Order{}, err
	}
	if err := s.recordApplied(orderID, eventID, "delivered"); err != nil {
		return Order{}, err
	}
	return ord, nil
}

// Complete transitions delivered -> completed, releasing the bound escrow.
func (s *Service) Complete(ctx context.Context, orderID string, actor Actor, changedBy, reason string, escrow *EscrowService) (Order, error) {
	ord, err := s.Transition(ctx, orderID, StatusCompleted, actor, changedBy, reason, nil)
	if err != nil {
		return Order{}, err
	}
	if _, err := escrow.Release(ctx, orderID, reason); err != nil {
		return Order{}, err
	}
	return ord, nil
}

// History returns the StatusChange log for an order, ordered by timestamp.
func (s *Service) History(ctx context.Context, orderID string) ([]StatusChange, error) {
	log, err := storage.Scan[StatusChange](s.store, statusLogTable, orderID+"/")
	if err != nil {
		return nil, err
	}
	sort.Slice(log, func(i, j int) bool { return log[i].Timestamp.Before(log[j].Timestamp) })
	return log, nil
}
