package logistics

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/bazaar/pkg/identity"
	"github.com/luxfi/bazaar/pkg/order"
	"github.com/luxfi/bazaar/pkg/params"
	"github.com/luxfi/bazaar/pkg/ports"
	"github.com/luxfi/bazaar/pkg/storage"
)

type alwaysCanTransact struct{}

func (alwaysCanTransact) CanTransact(ctx context.Context, did string) (bool, error) { return true, nil }

type fakeIdentityLookup struct {
	identities map[string]identity.Identity
}

func (f *fakeIdentityLookup) Get(ctx context.Context, did string) (identity.Identity, error) {
	return f.identities[did], nil
}

func newTestHarness(t *testing.T) (*order.Service, *ProviderRegistry, *QuoteAuction, *ShipmentTracker) {
	t.Helper()
	kv, err := storage.NewStorage("memory", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	store := storage.NewStore(kv)

	paramsSvc, err := params.New(store)
	require.NoError(t, err)
	gateway := ports.NewMockPaymentGateway()
	orderSvc := order.New(store, paramsSvc, alwaysCanTransact{}, gateway, nil)

	identLookup := &fakeIdentityLookup{identities: map[string]identity.Identity{
		"did:bazaar:provider": {DID: "did:bazaar:provider", Type: identity.TypeKYC, Status: identity.StatusVerified},
	}}
	registry := NewProviderRegistry(store, paramsSvc, identLookup)
	auction := NewQuoteAuction(store, paramsSvc, orderSvc)
	tracker := NewShipmentTracker(store, paramsSvc, orderSvc)
	return orderSvc, registry, auction, tracker
}

func paidOrder(t *testing.T, orderSvc *order.Service) order.Order {
	t.Helper()
	ctx := context.Background()
	item, err := order.NewItem("widget", 1, decimal.NewFromInt(500), "USD")
	require.NoError(t, err)
	ord, err := orderSvc.CreateOrder(ctx, "did:bazaar:buyer", "did:bazaar:vendor", "client-1", order.TypeSample, []order.Item{item}, nil, ports.PaymentMethodLightning)
	require.NoError(t, err)
	_, err = orderSvc.Transition(ctx, ord.OrderID, order.StatusPaymentPending, order.ActorBuyer, ord.BuyerDID, "submit", nil)
	require.NoError(t, err)
	_, err = orderSvc.Transition(ctx, ord.OrderID, order.StatusPaid, order.ActorPaymentGateway, "gateway", "paid", nil)
	require.NoError(t, err)
	return ord
}

func TestProviderRegisterRequiresKYCVerified(t *testing.T) {
	_, registry, _, _ := newTestHarness(t)
	ctx := context.Background()

	_, err := registry.Register(ctx, "Acme Logistics", "did:bazaar:provider", []string{"us-east"}, []ShippingMethod{MethodStandard}, true)
	require.NoError(t, err)

	// An identity the lookup does not report as a verified kyc identity is refused.
	_, err = registry.Register(ctx, "Unverified Co", "did:bazaar:unverified", []string{"us-east"}, []ShippingMethod{MethodStandard}, false)
	require.Error(t, err)
}

func TestQuoteSubmitRequiresPaidOrder(t *testing.T) {
	orderSvc, _, auction, _ := newTestHarness(t)
	ctx := context.Background()
	item, err := order.NewItem("widget", 1, decimal.NewFromInt(500), "USD")
	require.NoError(t, err)
	ord, err := orderSvc.CreateOrder(ctx, "did:bazaar:buyer", "did:bazaar:vendor", "client-1", order.TypeSample, []order.Item{item}, nil, ports.PaymentMethodLightning)
	require.NoError(t, err)

	_, err = auction.Submit(ctx, ord.OrderID, "provider-1", MethodStandard, decimal.NewFromInt(50), 3, false, 24)
	require.Error(t, err)
}

func TestQuoteAcceptRejectsSiblings(t *testing.T) {
	orderSvc, _, auction, _ := newTestHarness(t)
	ctx := context.Background()
	ord := paidOrder(t, orderSvc)

	q1, err := auction.Submit(ctx, ord.OrderID, "provider-1", MethodStandard, decimal.NewFromInt(50), 3, false, 24)
	require.NoError(t, err)
	q2, err := auction.Submit(ctx, ord.OrderID, "provider-2", MethodExpress, decimal.NewFromInt(80), 1, true, 24)
	require.NoError(t, err)

	accepted, err := auction.Accept(ctx, q1.QuoteID)
	require.NoError(t, err)
	require.Equal(t, QuoteStatusAccepted, accepted.Status)

	remaining, err := auction.GetForOrder(ctx, ord.OrderID)
	require.NoError(t, err)
	require.Empty(t, remaining) // neither quote is still pending

	_, err = auction.Accept(ctx, q2.QuoteID)
	require.Error(t, err) // sibling was rejected, not pending anymore
}

func TestShipmentLifecycleDeliversIntoOrder(t *testing.T) {
	orderSvc, _, auction, tracker := newTestHarness(t)
	ctx := context.Background()
	ord := paidOrder(t, orderSvc)

	q, err := auction.Submit(ctx, ord.OrderID, "provider-1", MethodStandard, decimal.NewFromInt(50), 3, false, 24)
	require.NoError(t, err)
	accepted, err := auction.Accept(ctx, q.QuoteID)
	require.NoError(t, err)

	shipment, err := tracker.CreateFromAcceptedQuote(ctx, accepted, "TRACK-1")
	require.NoError(t, err)

	_, err = tracker.Transition(ctx, shipment.ShipmentID, ShipmentPickedUp, "warehouse", "picked up")
	require.NoError(t, err)
	_, err = tracker.Transition(ctx, shipment.ShipmentID, ShipmentInTransit, "hub-1", "in transit")
	require.NoError(t, err)
	_, err = tracker.Transition(ctx, shipment.ShipmentID, ShipmentOutForDelivery, "local depot", "out for delivery")
	require.NoError(t, err)

	// Confirm the order is still not "delivered" prior to proof of delivery.
	current, err := orderSvc.Get(ctx, ord.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusPaid, current.Status)

	// Advance the order to a state where delivered is a valid transition.
	_, err = orderSvc.Transition(ctx, ord.OrderID, order.StatusConfirmed, order.ActorVendor, ord.VendorDID, "confirmed", nil)
	require.NoError(t, err)
	_, err = orderSvc.Transition(ctx, ord.OrderID, order.StatusProcessing, order.ActorVendor, ord.VendorDID, "processing", nil)
	require.NoError(t, err)
	_, err = orderSvc.Transition(ctx, ord.OrderID, order.StatusShipped, order.ActorVendor, ord.VendorDID, "shipped", nil)
	require.NoError(t, err)

	delivered, err := tracker.AddProofOfDelivery(ctx, shipment.ShipmentID, []byte("signature-on-file"), "provider-1")
	require.NoError(t, err)
	require.Equal(t, ShipmentDelivered, delivered.Status)

	ok, err := tracker.VerifyProofOfDelivery(ctx, shipment.ShipmentID, []byte("signature-on-file"))
	require.NoError(t, err)
	require.True(t, ok)

	final, err := orderSvc.Get(ctx, ord.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusDelivered, final.Status)

	events, err := tracker.Events(ctx, shipment.ShipmentID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
}

func TestExpirePendingQuotes(t *testing.T) {
	orderSvc, _, auction, _ := newTestHarness(t)
	ctx := context.Background()
	ord := paidOrder(t, orderSvc)

	q, err := auction.Submit(ctx, ord.OrderID, "provider-1", MethodStandard, decimal.NewFromInt(50), 3, false, -1)
	require.NoError(t, err)

	count, err := auction.ExpirePending(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, count)

	expired, err := auction.Get(ctx, q.QuoteID)
	require.NoError(t, err)
	require.Equal(t, QuoteStatusExpired, expired.Status)
}

func TestAcceptIsIdempotentPerQuote(t *testing.T) {
	orderSvc, _, auction, _ := newTestHarness(t)
	ctx := context.Background()
	ord := paidOrder(t, orderSvc)

	q, err := auction.Submit(ctx, ord.OrderID, "provider-1", MethodStandard, decimal.NewFromInt(50), 3, false, 24)
	require.NoError(t, err)

	first, err := auction.Accept(ctx, q.QuoteID)
	require.NoError(t, err)
	second, err := auction.Accept(ctx, q.QuoteID)
	require.NoError(t, err)
	require.Equal(t, first.QuoteID, second.QuoteID)
	require.Equal(t, QuoteStatusAccepted, second.Status)
}

func TestDeliveredProofReplayIsNoOp(t *testing.T) {
	orderSvc, _, auction, tracker := newTestHarness(t)
	ctx := context.Background()
	ord := paidOrder(t, orderSvc)

	q, err := auction.Submit(ctx, ord.OrderID, "provider-1", MethodStandard, decimal.NewFromInt(50), 3, false, 24)
	require.NoError(t, err)
	accepted, err := auction.Accept(ctx, q.QuoteID)
	require.NoError(t, err)
	shipment, err := tracker.CreateFromAcceptedQuote(ctx, accepted, "TRACK-2")
	require.NoError(t, err)

	_, err = orderSvc.Transition(ctx, ord.OrderID, order.StatusConfirmed, order.ActorVendor, ord.VendorDID, "confirmed", nil)
	require.NoError(t, err)
	_, err = orderSvc.Transition(ctx, ord.OrderID, order.StatusProcessing, order.ActorVendor, ord.VendorDID, "processing", nil)
	require.NoError(t, err)
	_, err = orderSvc.Transition(ctx, ord.OrderID, order.StatusShipped, order.ActorVendor, ord.VendorDID, "shipped", nil)
	require.NoError(t, err)
	_, err = tracker.Transition(ctx, shipment.ShipmentID, ShipmentPickedUp, "", "")
	require.NoError(t, err)
	_, err = tracker.Transition(ctx, shipment.ShipmentID, ShipmentInTransit, "", "")
	require.NoError(t, err)
	_, err = tracker.Transition(ctx, shipment.ShipmentID, ShipmentOutForDelivery, "", "")
	require.NoError(t, err)

	proof := []byte("signed-pod")
	_, err = tracker.AddProofOfDelivery(ctx, shipment.ShipmentID, proof, "provider-1")
	require.NoError(t, err)

	// The carrier webhook retries; the replay must not error or double-log.
	replay, err := tracker.AddProofOfDelivery(ctx, shipment.ShipmentID, proof, "provider-1")
	require.NoError(t, err)
	require.Equal(t, ShipmentDelivered, replay.Status)

	final, err := orderSvc.Get(ctx, ord.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusDelivered, final.Status)
}
