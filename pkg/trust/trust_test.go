package trust

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	bazaarcrypto "github.com/luxfi/bazaar/pkg/crypto"
	"github.com/luxfi/bazaar/pkg/order"
	"github.com/luxfi/bazaar/pkg/params"
	"github.com/luxfi/bazaar/pkg/ports"
	"github.com/luxfi/bazaar/pkg/reputation"
	"github.com/luxfi/bazaar/pkg/storage"
)

type alwaysCanTransact struct{}

func (alwaysCanTransact) CanTransact(ctx context.Context, did string) (bool, error) { return true, nil }

const (
	testBuyer  = "did:bazaar:buyer"
	testVendor = "did:bazaar:vendor"
)

func newTestHarness(t *testing.T) (*order.Service, *order.EscrowService, *DisputeService, *RatingService, *reputation.Service) {
	t.Helper()
	kv, err := storage.NewStorage("memory", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	store := storage.NewStore(kv)

	paramsSvc, err := params.New(store)
	require.NoError(t, err)

	gateway := ports.NewMockPaymentGateway()
	orderSvc := order.New(store, paramsSvc, alwaysCanTransact{}, gateway, nil)
	escrowSvc := order.NewEscrowService(store)

	signer, pub, err := bazaarcrypto.NewSigner()
	require.NoError(t, err)
	repSvc := reputation.New(store, signer, pub)
	require.NoError(t, repSvc.SeedBaseScore(context.Background(), testBuyer, "nostr", 35))
	require.NoError(t, repSvc.SeedBaseScore(context.Background(), testVendor, "nostr", 35))

	disputeSvc := NewDisputeService(store, paramsSvc, orderSvc, escrowSvc, repSvc)
	ratingSvc := NewRatingService(store, paramsSvc, orderSvc, repSvc)
	return orderSvc, escrowSvc, disputeSvc, ratingSvc, repSvc
}

// deliveredOrder drives a fresh order to delivered (with escrow held),
// optionally skipping Ship (so tracking_number stays empty) when withTracking
// is false.
func deliveredOrder(t *testing.T, orderSvc *order.Service, escrowSvc *order.EscrowService, withTracking bool) order.Order {
	t.Helper()
	ctx := context.Background()
	item, err := order.NewItem("widget", 1, decimal.NewFromInt(500), "USD")
	require.NoError(t, err)
	ord, err := orderSvc.CreateOrder(ctx, testBuyer, testVendor, "client-1", order.TypeSample, []order.Item{item}, nil, ports.PaymentMethodLightning)
	require.NoError(t, err)

	_, err = orderSvc.Transition(ctx, ord.OrderID, order.StatusPaymentPending, order.ActorBuyer, ord.BuyerDID, "submit", nil)
	require.NoError(t, err)
	ord, err = orderSvc.Pay(ctx, ord.OrderID, ports.PaymentProof{SourceSystemID: "evt-1"}, escrowSvc)
	require.NoError(t, err)
	_, err = orderSvc.Transition(ctx, ord.OrderID, order.StatusConfirmed, order.ActorVendor, ord.VendorDID, "confirmed", nil)
	require.NoError(t, err)
	_, err = orderSvc.Transition(ctx, ord.OrderID, order.StatusProcessing, order.ActorVendor, ord.VendorDID, "processing", nil)
	require.NoError(t, err)

	if withTracking {
		ord, err = orderSvc.Ship(ctx, ord.OrderID, "TRACK-1", "provider-1", ord.VendorDID)
		require.NoError(t, err)
	} else {
		_, err = orderSvc.Transition(ctx, ord.OrderID, order.StatusShipped, order.ActorVendor, ord.VendorDID, "shipped", nil)
		require.NoError(t, err)
	}

	ord, err = orderSvc.Transition(ctx, ord.OrderID, order.StatusDelivered, order.ActorBuyer, ord.BuyerDID, "delivered", nil)
	require.NoError(t, err)
	return ord
}

func TestDisputeNonReceiptWithDeliveredTrackingVendorWins(t *testing.T) {
	orderSvc, escrowSvc, disputeSvc, _, repSvc := newTestHarness(t)
	ctx := context.Background()
	ord := deliveredOrder(t, orderSvc, escrowSvc, true)

	dispute, err := disputeSvc.Open(ctx, ord.OrderID, testBuyer, DisputeNonReceipt, "never arrived", Evidence{
		TrackingEvents: []string{"picked_up", "in_transit", "delivered"},
	})
	require.NoError(t, err)
	require.Equal(t, DisputeAwaitingVendor, dispute.Status)

	resolved, err := disputeSvc.SubmitVendorResponse(ctx, dispute.DisputeID, testVendor, "the carrier confirmed delivery", Evidence{})
	require.NoError(t, err)
	require.Equal(t, DisputeResolved, resolved.Status)
	require.Equal(t, ResolutionVendorWins, resolved.Resolution)

	esc, err := escrowSvc.Get(ctx, ord.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.EscrowReleased, esc.Status)

	final, err := orderSvc.Get(ctx, ord.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusCompleted, final.Status)

	// A won dispute still counts toward the vendor's dispute totals, with
	// no minor/major severity penalty.
	vendorRep, err := repSvc.Get(ctx, testVendor)
	require.NoError(t, err)
	require.Equal(t, 1, vendorRep.Metrics.DisputesTotal)
	require.Equal(t, 1, vendorRep.Metrics.DisputesWon)
	require.Zero(t, vendorRep.Metrics.DisputesLost)
	require.Zero(t, vendorRep.Metrics.DisputesMajor)
	require.Zero(t, vendorRep.Metrics.DisputesMinor)
}

func TestDisputeNonReceiptWithoutTrackingNumberFullRefund(t *testing.T) {
	orderSvc, escrowSvc, disputeSvc, _, repSvc := newTestHarness(t)
	ctx := context.Background()
	ord := deliveredOrder(t, orderSvc, escrowSvc, false)
	require.Empty(t, ord.TrackingNumber)

	dispute, err := disputeSvc.Open(ctx, ord.OrderID, testBuyer, DisputeNonReceipt, "never arrived", Evidence{})
	require.NoError(t, err)

	resolved, err := disputeSvc.SubmitVendorResponse(ctx, dispute.DisputeID, testVendor, "no comment", Evidence{})
	require.NoError(t, err)
	require.Equal(t, ResolutionFullRefund, resolved.Resolution)

	esc, err := escrowSvc.Get(ctx, ord.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.EscrowRefunded, esc.Status)

	final, err := orderSvc.Get(ctx, ord.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusRefunded, final.Status)

	// A full refund lands on the vendor's reputation as a major lost
	// dispute, dragging the score down.
	vendorRep, err := repSvc.Get(ctx, testVendor)
	require.NoError(t, err)
	require.Equal(t, 1, vendorRep.Metrics.DisputesTotal)
	require.Equal(t, 1, vendorRep.Metrics.DisputesLost)
	require.Equal(t, 1, vendorRep.Metrics.DisputesMajor)
	// (50 - 50) * 1.0 multiplier clamps to 0.
	require.Equal(t, 0, vendorRep.Score)
}

func TestDisputeQualityBuyerPhotosOnlyFullRefund(t *testing.T) {
	orderSvc, escrowSvc, disputeSvc, _, _ := newTestHarness(t)
	ctx := context.Background()
	ord := deliveredOrder(t, orderSvc, escrowSvc, true)

	dispute, err := disputeSvc.Open(ctx, ord.OrderID, testBuyer, DisputeQuality, "arrived damaged", Evidence{
		BuyerPhotos: []string{"photo1.jpg", "photo2.jpg"},
	})
	require.NoError(t, err)

	resolved, err := disputeSvc.SubmitVendorResponse(ctx, dispute.DisputeID, testVendor, "no counter-evidence", Evidence{})
	require.NoError(t, err)
	require.Equal(t, ResolutionFullRefund, resolved.Resolution)

	esc, err := escrowSvc.Get(ctx, ord.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.EscrowRefunded, esc.Status)
}

func TestDisputeQualityBothPhotosEscalatesToArbitration(t *testing.T) {
	orderSvc, escrowSvc, disputeSvc, _, _ := newTestHarness(t)
	ctx := context.Background()
	ord := deliveredOrder(t, orderSvc, escrowSvc, true)

	dispute, err := disputeSvc.Open(ctx, ord.OrderID, testBuyer, DisputeQuality, "damaged goods", Evidence{
		BuyerPhotos: []string{"photo1.jpg"},
	})
	require.NoError(t, err)

	resolved, err := disputeSvc.SubmitVendorResponse(ctx, dispute.DisputeID, testVendor, "here is proof of good condition", Evidence{
		VendorCounterPhotos: []string{"counter1.jpg"},
	})
	require.NoError(t, err)
	require.Equal(t, DisputeArbitration, resolved.Status)
	require.Empty(t, resolved.Resolution)
}

func TestDisputeLogisticsFullRefund(t *testing.T) {
	orderSvc, escrowSvc, disputeSvc, _, _ := newTestHarness(t)
	ctx := context.Background()
	ord := deliveredOrder(t, orderSvc, escrowSvc, true)

	dispute, err := disputeSvc.Open(ctx, ord.OrderID, testBuyer, DisputeLogistics, "package crushed in transit", Evidence{})
	require.NoError(t, err)

	resolved, err := disputeSvc.SubmitVendorResponse(ctx, dispute.DisputeID, testVendor, "acknowledged", Evidence{})
	require.NoError(t, err)
	require.Equal(t, ResolutionFullRefund, resolved.Resolution)
}

func TestDisputeChangeOfMindNoRefund(t *testing.T) {
	orderSvc, escrowSvc, disputeSvc, _, _ := newTestHarness(t)
	ctx := context.Background()
	ord := deliveredOrder(t, orderSvc, escrowSvc, true)

	dispute, err := disputeSvc.Open(ctx, ord.OrderID, testBuyer, DisputeChangeOfMind, "don't want it anymore", Evidence{})
	require.NoError(t, err)

	resolved, err := disputeSvc.SubmitVendorResponse(ctx, dispute.DisputeID, testVendor, "too late", Evidence{})
	require.NoError(t, err)
	require.Equal(t, ResolutionNoRefund, resolved.Resolution)

	final, err := orderSvc.Get(ctx, ord.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusCompleted, final.Status)
}

func TestDisputeOpenRejectsNonBuyer(t *testing.T) {
	orderSvc, escrowSvc, disputeSvc, _, _ := newTestHarness(t)
	ctx := context.Background()
	ord := deliveredOrder(t, orderSvc, escrowSvc, true)

	_, err := disputeSvc.Open(ctx, ord.OrderID, testVendor, DisputeQuality, "bad", Evidence{})
	require.Error(t, err)
}

func TestDisputeOpenRejectsDuplicate(t *testing.T) {
	orderSvc, escrowSvc, disputeSvc, _, _ := newTestHarness(t)
	ctx := context.Background()
	ord := deliveredOrder(t, orderSvc, escrowSvc, true)

	_, err := disputeSvc.Open(ctx, ord.OrderID, testBuyer, DisputeLogistics, "broken", Evidence{})
	require.NoError(t, err)

	_, err = disputeSvc.Open(ctx, ord.OrderID, testBuyer, DisputeLogistics, "broken again", Evidence{})
	require.Error(t, err)
}

func TestDisputeVendorTimeoutEscalation(t *testing.T) {
	orderSvc, escrowSvc, disputeSvc, _, _ := newTestHarness(t)
	ctx := context.Background()
	ord := deliveredOrder(t, orderSvc, escrowSvc, true)

	dispute, err := disputeSvc.Open(ctx, ord.OrderID, testBuyer, DisputeLogistics, "damaged", Evidence{})
	require.NoError(t, err)
	require.Equal(t, DisputeAwaitingVendor, dispute.Status)

	// Simulate the vendor_response_due_at deadline having already passed.
	future := time.Now().Add(72 * time.Hour)
	count, err := disputeSvc.EscalateVendorTimeouts(ctx, future)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	resolved, err := disputeSvc.Get(ctx, dispute.DisputeID)
	require.NoError(t, err)
	require.Equal(t, DisputeResolved, resolved.Status)
	require.Equal(t, ResolutionFullRefund, resolved.Resolution)
}

func TestRatingSealedUntilBothSidesSubmit(t *testing.T) {
	orderSvc, escrowSvc, _, ratingSvc, repSvc := newTestHarness(t)
	ctx := context.Background()
	ord := deliveredOrder(t, orderSvc, escrowSvc, true)
	_, err := orderSvc.Complete(ctx, ord.OrderID, order.ActorBuyer, ord.BuyerDID, "accepted", escrowSvc)
	require.NoError(t, err)

	_, err = ratingSvc.Submit(ctx, ord.OrderID, testBuyer, RaterBuyer, 5, "great vendor", nil)
	require.NoError(t, err)

	unrevealed, err := ratingSvc.Get(ctx, ord.OrderID, RaterVendor)
	require.NoError(t, err)
	require.False(t, unrevealed.Revealed())
	require.Zero(t, unrevealed.BuyerRating)

	_, err = ratingSvc.Submit(ctx, ord.OrderID, testVendor, RaterVendor, 4, "good buyer", nil)
	require.NoError(t, err)

	revealed, err := ratingSvc.Get(ctx, ord.OrderID, RaterVendor)
	require.NoError(t, err)
	require.True(t, revealed.Revealed())
	require.Equal(t, 5, revealed.BuyerRating)
	require.Equal(t, 4, revealed.VendorRating)

	vendorRep, err := repSvc.Get(ctx, testVendor)
	require.NoError(t, err)
	require.Equal(t, 1, vendorRep.Metrics.TransactionsCompleted)
}

func TestRatingRejectsDuplicateSubmission(t *testing.T) {
	orderSvc, escrowSvc, _, ratingSvc, _ := newTestHarness(t)
	ctx := context.Background()
	ord := deliveredOrder(t, orderSvc, escrowSvc, true)
	_, err := orderSvc.Complete(ctx, ord.OrderID, order.ActorBuyer, ord.BuyerDID, "accepted", escrowSvc)
	require.NoError(t, err)

	_, err = ratingSvc.Submit(ctx, ord.OrderID, testBuyer, RaterBuyer, 5, "", nil)
	require.NoError(t, err)
	_, err = ratingSvc.Submit(ctx, ord.OrderID, testBuyer, RaterBuyer, 3, "changed my mind", nil)
	require.Error(t, err)
}

func TestRatingAutoRevealAfterWindow(t *testing.T) {
	orderSvc, escrowSvc, _, ratingSvc, _ := newTestHarness(t)
	ctx := context.Background()
	ord := deliveredOrder(t, orderSvc, escrowSvc, true)
	_, err := orderSvc.Complete(ctx, ord.OrderID, order.ActorBuyer, ord.BuyerDID, "accepted", escrowSvc)
	require.NoError(t, err)

	_, err = ratingSvc.Submit(ctx, ord.OrderID, testBuyer, RaterBuyer, 5, "", nil)
	require.NoError(t, err)

	future := time.Now().Add(8 * 24 * time.Hour)
	count, err := ratingSvc.AutoReveal(ctx, future)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	revealed, err := ratingSvc.Get(ctx, ord.OrderID, RaterVendor)
	require.NoError(t, err)
	require.True(t, revealed.Revealed())
	require.Equal(t, 5, revealed.BuyerRating)
}

func TestRatingRequiresCompletedOrRefundedOrder(t *testing.T) {
	orderSvc, escrowSvc, _, ratingSvc, _ := newTestHarness(t)
	ctx := context.Background()
	ord := deliveredOrder(t, orderSvc, escrowSvc, true)

	_, err := ratingSvc.Submit(ctx, ord.OrderID, testBuyer, RaterBuyer, 5, "", nil)
	require.Error(t, err)
}
