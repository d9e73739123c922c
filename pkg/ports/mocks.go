// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ports

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/luxfi/bazaar/pkg/errs"
)

// MockPaymentGateway is an in-memory stand-in for a real payment rail: a
// mutex-guarded ledger tracking payment instructions and issued refunds per
// order.
type MockPaymentGateway struct {
	mu           sync.Mutex
	instructions map[string]PaymentInstructions // orderID -> instructions
	verified     map[string]bool                // source system id -> payment verified
	refunds      map[string]RefundRecord        // paymentID -> refund
}

// NewMockPaymentGateway constructs an empty mock gateway.
func NewMockPaymentGateway() *MockPaymentGateway {
	return &MockPaymentGateway{
		instructions: make(map[string]PaymentInstructions),
		verified:     make(map[string]bool),
		refunds:      make(map[string]RefundRecord),
	}
}

func (g *MockPaymentGateway) Initialize(ctx context.Context, orderID string, amount decimal.Decimal, method PaymentMethod) (PaymentInstructions, error) {
	ctx, cancel := WithDefaultTimeout(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return PaymentInstructions{}, TimeoutToUpstream(err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.instructions[orderID]; ok {
		return existing, nil // idempotent re-initialization
	}
	inst := PaymentInstructions{
		PaymentID: uuid.NewString(),
		Method:    method,
		Reference: "mock-ref-" + orderID,
		ExpiresAt: time.Now().Add(30 * time.Minute),
	}
	g.instructions[orderID] = inst
	return inst, nil
}

func (g *MockPaymentGateway) Verify(ctx context.Context, method PaymentMethod, proof PaymentProof) (bool, error) {
	ctx, cancel := WithDefaultTimeout(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return false, TimeoutToUpstream(err)
	}

	if proof.SourceSystemID == "" {
		return false, errs.New(errs.InvalidInput, "payment proof missing source system id")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.verified[proof.SourceSystemID] = true
	return true, nil
}

func (g *MockPaymentGateway) Refund(ctx context.Context, paymentID string, amount decimal.Decimal) (RefundRecord, error) {
	ctx, cancel := WithDefaultTimeout(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return RefundRecord{}, TimeoutToUpstream(err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.refunds[paymentID]; ok {
		return rec, nil // idempotent: same paymentID already refunded
	}
	rec := RefundRecord{
		RefundID:  uuid.NewString(),
		PaymentID: paymentID,
		Amount:    amount,
		Timestamp: time.Now(),
	}
	g.refunds[paymentID] = rec
	return rec, nil
}

// MockRateOracle serves a fixed, operator-settable rate so tests and the
// demo process never depend on a real price feed.
type MockRateOracle struct {
	mu        sync.RWMutex
	usd       decimal.Decimal
	eur       decimal.Decimal
	source    string
	timestamp time.Time
}

// NewMockRateOracle seeds the oracle with a plausible BTC/USD and BTC/EUR
// rate, timestamped now.
func NewMockRateOracle() *MockRateOracle {
	return &MockRateOracle{
		usd:       decimal.NewFromInt(60000),
		eur:       decimal.NewFromInt(55000),
		source:    "mock-oracle",
		timestamp: time.Now(),
	}
}

// SetRate lets callers (tests, the demo seed) update the served rate.
func (o *MockRateOracle) SetRate(usd, eur decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.usd, o.eur = usd, eur
	o.timestamp = time.Now()
}

func (o *MockRateOracle) BTCPrice(ctx context.Context) (PriceQuote, error) {
	ctx, cancel := WithDefaultTimeout(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return PriceQuote{}, TimeoutToUpstream(err)
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if time.Since(o.timestamp) > MaxRateAge {
		return PriceQuote{}, errs.New(errs.UpstreamError, "rate oracle has no fresh price within 24h")
	}
	return PriceQuote{USD: o.usd, EUR: o.eur, Source: o.source, Timestamp: o.timestamp}, nil
}

func (o *MockRateOracle) Convert(ctx context.Context, amount decimal.Decimal, fromCurrency, toCurrency string) (ConversionResult, error) {
	ctx, cancel := WithDefaultTimeout(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return ConversionResult{}, TimeoutToUpstream(err)
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if time.Since(o.timestamp) > MaxRateAge {
		return ConversionResult{}, errs.New(errs.UpstreamError, "rate oracle has no fresh price within 24h")
	}

	rate := decimal.NewFromInt(1)
	switch {
	case fromCurrency == "BTC" && toCurrency == "USD":
		rate = o.usd
	case fromCurrency == "BTC" && toCurrency == "EUR":
		rate = o.eur
	case fromCurrency == toCurrency:
		rate = decimal.NewFromInt(1)
	default:
		return ConversionResult{}, errs.Newf(errs.InvalidInput, "unsupported conversion %s->%s", fromCurrency, toCurrency)
	}

	return ConversionResult{
		Amount:    amount.Mul(rate),
		Rate:      rate,
		Source:    o.source,
		Timestamp: o.timestamp,
	}, nil
}

// MockNotifier records emitted notifications in memory. cmd/marketplaced
// does not wire a Notifier.
type MockNotifier struct {
	mu     sync.Mutex
	events []NotifierEvent
}

// NotifierEvent is one recorded Emit call.
type NotifierEvent struct {
	Topic     string
	Payload   map[string]interface{}
	Timestamp time.Time
}

// NewMockNotifier constructs an empty in-memory notifier.
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

func (n *MockNotifier) Emit(ctx context.Context, topic string, payload map[string]interface{}) error {
	ctx, cancel := WithDefaultTimeout(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return TimeoutToUpstream(err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, NotifierEvent{Topic: topic, Payload: payload, Timestamp: time.Now()})
	return nil
}

// Events returns every notification emitted so far, in emission order.
func (n *MockNotifier) Events() []NotifierEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]NotifierEvent, len(n.events))
	copy(out, n.events)
	return out
}

// MockCatalog is an in-memory product catalog seeded by tests and the demo
// process.
type MockCatalog struct {
	mu       sync.RWMutex
	products map[string]Product
}

// NewMockCatalog constructs an empty mock catalog.
func NewMockCatalog() *MockCatalog {
	return &MockCatalog{products: make(map[string]Product)}
}

// Seed registers a product so later GetProduct calls resolve it.
func (c *MockCatalog) Seed(p Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ProductID] = p
}

func (c *MockCatalog) GetProduct(ctx context.Context, productID string) (Product, error) {
	ctx, cancel := WithDefaultTimeout(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return Product{}, TimeoutToUpstream(err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[productID]
	if !ok {
		return Product{}, errs.Newf(errs.NotFound, "product %q not in catalog", productID)
	}
	return p, nil
}

// MockCatalogIndex is an in-memory stand-in for a real search index.
type MockCatalogIndex struct {
	mu      sync.RWMutex
	entries map[string]CatalogEntry
}

// NewMockCatalogIndex constructs an empty in-memory catalog index.
func NewMockCatalogIndex() *MockCatalogIndex {
	return &MockCatalogIndex{entries: make(map[string]CatalogEntry)}
}

func (c *MockCatalogIndex) Sync(ctx context.Context, entry CatalogEntry) error {
	ctx, cancel := WithDefaultTimeout(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return TimeoutToUpstream(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.ProductID] = entry
	return nil
}

func (c *MockCatalogIndex) Remove(ctx context.Context, productID string) error {
	ctx, cancel := WithDefaultTimeout(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return TimeoutToUpstream(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, productID)
	return nil
}

func (c *MockCatalogIndex) Query(ctx context.Context, filters map[string]string) ([]CatalogEntry, error) {
	ctx, cancel := WithDefaultTimeout(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return nil, TimeoutToUpstream(err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []CatalogEntry
match:
	for _, e := range c.entries {
		for k, v := range filters {
			if e.Fields[k] != v {
				continue match
			}
		}
		out = append(out, e)
	}
	return out, nil
}
