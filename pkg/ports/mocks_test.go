package ports

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestMockPaymentGatewayInitializeIsIdempotent(t *testing.T) {
	gw := NewMockPaymentGateway()
	ctx := context.Background()

	first, err := gw.Initialize(ctx, "order-1", decimal.NewFromInt(100), PaymentMethodLightning)
	require.NoError(t, err)
	second, err := gw.Initialize(ctx, "order-1", decimal.NewFromInt(100), PaymentMethodLightning)
	require.NoError(t, err)
	require.Equal(t, first.PaymentID, second.PaymentID)
}

func TestMockPaymentGatewayVerifyRejectsEmptyProof(t *testing.T) {
	gw := NewMockPaymentGateway()
	_, err := gw.Verify(context.Background(), PaymentMethodStripe, PaymentProof{})
	require.Error(t, err)
}

func TestMockPaymentGatewayRefundIsIdempotent(t *testing.T) {
	gw := NewMockPaymentGateway()
	ctx := context.Background()

	r1, err := gw.Refund(ctx, "payment-1", decimal.NewFromInt(50))
	require.NoError(t, err)
	r2, err := gw.Refund(ctx, "payment-1", decimal.NewFromInt(50))
	require.NoError(t, err)
	require.Equal(t, r1.RefundID, r2.RefundID)
}

func TestMockRateOracleConvert(t *testing.T) {
	o := NewMockRateOracle()
	res, err := o.Convert(context.Background(), decimal.NewFromInt(2), "BTC", "USD")
	require.NoError(t, err)
	require.True(t, res.Amount.Equal(decimal.NewFromInt(120000)))
}

func TestMockRateOracleRejectsStaleRate(t *testing.T) {
	o := NewMockRateOracle()
	o.timestamp = o.timestamp.Add(-48 * time.Hour) // force > 24h stale
	_, err := o.BTCPrice(context.Background())
	require.Error(t, err)
}

func TestMockNotifierRecordsEvents(t *testing.T) {
	n := NewMockNotifier()
	require.NoError(t, n.Emit(context.Background(), "order.paid", map[string]interface{}{"order_id": "o1"}))
	events := n.Events()
	require.Len(t, events, 1)
	require.Equal(t, "order.paid", events[0].Topic)
}

func TestMockCatalogGetProduct(t *testing.T) {
	c := NewMockCatalog()
	ctx := context.Background()

	_, err := c.GetProduct(ctx, "missing")
	require.Error(t, err)

	c.Seed(Product{ProductID: "p1", VendorDID: "did:bazaar:v1", Currency: "USD"})
	p, err := c.GetProduct(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "did:bazaar:v1", p.VendorDID)
}

func TestMockCatalogIndexSyncQueryRemove(t *testing.T) {
	c := NewMockCatalogIndex()
	ctx := context.Background()
	require.NoError(t, c.Sync(ctx, CatalogEntry{ProductID: "p1", VendorDID: "did:bazaar:v1", Fields: map[string]string{"category": "widgets"}}))

	found, err := c.Query(ctx, map[string]string{"category": "widgets"})
	require.NoError(t, err)
	require.Len(t, found, 1)

	require.NoError(t, c.Remove(ctx, "p1"))
	found, err = c.Query(ctx, map[string]string{"category": "widgets"})
	require.NoError(t, err)
	require.Empty(t, found)
}
