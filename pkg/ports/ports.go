// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ports declares the external collaborators the core depends on but
// does not implement: payment rails, a currency rate oracle, outbound
// notifications, product catalog lookup, and catalog indexing. The core
// only ever depends on these interfaces; cmd/marketplaced wires in the mock
// implementations this package also provides.
package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/luxfi/bazaar/pkg/errs"
)

// DefaultTimeout bounds every outbound port call. Exceeding it fails the
// operation with UpstreamTimeout; nothing is partially committed.
const DefaultTimeout = 5 * time.Second

// WithDefaultTimeout derives a context bound by DefaultTimeout unless ctx
// already carries an earlier deadline.
func WithDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < DefaultTimeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultTimeout)
}

// TimeoutToUpstream converts a context deadline error into the
// UpstreamTimeout error kind; any other error is wrapped as UpstreamError.
func TimeoutToUpstream(err error) error {
	if err == nil {
		return nil
	}
	if err == context.DeadlineExceeded {
		return errs.Wrap(errs.UpstreamTimeout, err, "upstream call timed out")
	}
	return errs.Wrap(errs.UpstreamError, err, "upstream call failed")
}

// PaymentMethod identifies a supported payment rail.
type PaymentMethod string

const (
	PaymentMethodLightning PaymentMethod = "lightning"
	PaymentMethodStripe    PaymentMethod = "stripe"
	PaymentMethodBankWire  PaymentMethod = "bank_wire"
)

// PaymentInstructions is the address/invoice/reference the buyer is handed
// to complete a payment initialization.
type PaymentInstructions struct {
	PaymentID string
	Method    PaymentMethod
	Reference string
	ExpiresAt time.Time
}

// PaymentProof carries whatever a payment rail returns as evidence of
// settlement. Proof shapes are method-specific, but every proof carries a
// source-system id and a timestamp; the source-system id doubles as the
// dedupe key for externally-triggered callbacks.
type PaymentProof struct {
	SourceSystemID string
	Timestamp      time.Time
	Raw            map[string]string
}

// RefundRecord documents a completed refund against a previously initialized
// payment.
type RefundRecord struct {
	RefundID  string
	PaymentID string
	Amount    decimal.Decimal
	Timestamp time.Time
}

// PaymentGateway is the payment-rail port. Implementations must dedupe on
// any upstream-provided event id so repeated callbacks are no-ops.
type PaymentGateway interface {
	Initialize(ctx context.Context, orderID string, amount decimal.Decimal, method PaymentMethod) (PaymentInstructions, error)
	Verify(ctx context.Context, method PaymentMethod, proof PaymentProof) (bool, error)
	Refund(ctx context.Context, paymentID string, amount decimal.Decimal) (RefundRecord, error)
}

// PriceQuote is the price snapshot RateOracle.BTCPrice returns.
type PriceQuote struct {
	USD       decimal.Decimal
	EUR       decimal.Decimal
	Source    string
	Timestamp time.Time
}

// ConversionResult is what RateOracle.Convert returns.
type ConversionResult struct {
	Amount    decimal.Decimal
	Rate      decimal.Decimal
	Source    string
	Timestamp time.Time
}

// MaxRateAge is the hard cutoff for safety-critical conversions: a rate
// older than this is an error, not a fallback.
const MaxRateAge = 24 * time.Hour

// RateOracle is the currency price-feed port.
type RateOracle interface {
	BTCPrice(ctx context.Context) (PriceQuote, error)
	Convert(ctx context.Context, amount decimal.Decimal, fromCurrency, toCurrency string) (ConversionResult, error)
}

// Notifier is the at-most-once outbound notification port, used
// fire-and-forget after state transitions commit.
type Notifier interface {
	Emit(ctx context.Context, topic string, payload map[string]interface{}) error
}

// Product is the catalog record Order and Logistics consult when validating
// items and pricing shipments.
type Product struct {
	ProductID    string
	VendorDID    string
	Price        decimal.Decimal
	Currency     string
	WeightGrams  int64
	Dimensions   string
	Origin       string
	LeadTimeDays int
}

// Catalog resolves product ids to their catalog records.
type Catalog interface {
	GetProduct(ctx context.Context, productID string) (Product, error)
}

// CatalogEntry is the shape CatalogIndex trades in.
type CatalogEntry struct {
	ProductID string
	VendorDID string
	Fields    map[string]string
}

// CatalogIndex is the search/catalog indexing port.
type CatalogIndex interface {
	Sync(ctx context.Context, entry CatalogEntry) error
	Remove(ctx context.Context, productID string) error
	Query(ctx context.Context, filters map[string]string) ([]CatalogEntry, error)
}
