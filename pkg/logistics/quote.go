// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package logistics

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/luxfi/bazaar/pkg/errs"
	"github.com/luxfi/bazaar/pkg/metric"
	"github.com/luxfi/bazaar/pkg/order"
	"github.com/luxfi/bazaar/pkg/params"
	"github.com/luxfi/bazaar/pkg/storage"
)

const (
	quotesTable   = "shipping_quotes"
	pendingIndex  = "pending_order_provider"
	acceptedIndex = "accepted_order"
)

// QuoteStatus enumerates the quote states.
type QuoteStatus string

const (
	QuoteStatusPending  QuoteStatus = "pending"
	QuoteStatusAccepted QuoteStatus = "accepted"
	QuoteStatusRejected QuoteStatus = "rejected"
	QuoteStatusExpired  QuoteStatus = "expired"
)

// Quote is the persisted shipping_quotes row.
type Quote struct {
	QuoteID           string          `json:"quote_id"`
	OrderID           string          `json:"order_id"`
	ProviderID        string          `json:"provider_id"`
	Method            ShippingMethod  `json:"method"`
	Price             decimal.Decimal `json:"price"`
	EstimatedDays     int             `json:"estimated_days"`
	InsuranceIncluded bool            `json:"insurance_included"`
	Status            QuoteStatus     `json:"status"`
	ValidUntil        time.Time       `json:"valid_until"`
	CreatedAt         time.Time       `json:"created_at"`
}

// OrderStatusReader is the slice of the Order component the quote auction
// depends on: Submit requires order.status == paid.
type OrderStatusReader interface {
	Get(ctx context.Context, orderID string) (order.Order, error)
}

// QuoteAuction is the quote-auction half of the Logistics component.
type QuoteAuction struct {
	store   *storage.Store
	params  *params.Service
	order   OrderStatusReader
	metrics *metric.Metrics
}

// NewQuoteAuction constructs the quote auction.
func NewQuoteAuction(store *storage.Store, paramsSvc *params.Service, orderReader OrderStatusReader) *QuoteAuction {
	return &QuoteAuction{store: store, params: paramsSvc, order: orderReader}
}

// WithMetrics attaches the process metrics instance. Optional; a service
// built without it skips metric recording.
func (a *QuoteAuction) WithMetrics(m *metric.Metrics) *QuoteAuction {
	a.metrics = m
	return a
}

// Submit creates a pending quote, failing unless the order is in state
// paid. At most one pending quote per (order, provider).
func (a *QuoteAuction) Submit(ctx context.Context, orderID, providerID string, method ShippingMethod, price decimal.Decimal, estimatedDays int, insurance bool, validHours int) (Quote, error) {
	if err := a.params.RequireNotPaused(ctx); err != nil {
		return Quote{}, err
	}

	ord, err := a.order.Get(ctx, orderID)
	if err != nil {
		return Quote{}, err
	}
	if ord.Status != order.StatusPaid {
		return Quote{}, errs.Newf(errs.InvalidInput, "order %q must be paid to accept shipping quotes, is %q", orderID, ord.Status)
	}

	quote := Quote{
		QuoteID:           uuid.NewString(),
		OrderID:           orderID,
		ProviderID:        providerID,
		Method:            method,
		Price:             price,
		EstimatedDays:     estimatedDays,
		InsuranceIncluded: insurance,
		Status:            QuoteStatusPending,
		ValidUntil:        time.Now().Add(time.Duration(validHours) * time.Hour),
		CreatedAt:         time.Now(),
	}

	unlock := a.store.Lock("quote:" + orderID + "/" + providerID)
	defer unlock()

	if err := a.store.ClaimUnique(quotesTable, pendingIndex, orderID+"/"+providerID, quote.QuoteID); err != nil {
		return Quote{}, errs.Wrap(errs.Conflict, err, "provider already has a pending quote for this order")
	}
	if err := storage.Put(a.store, quotesTable, quote.QuoteID, quote); err != nil {
		return Quote{}, err
	}
	if a.metrics != nil {
		a.metrics.QuotesSubmitted.Inc()
	}
	return quote, nil
}

// Get loads a quote by id.
func (a *QuoteAuction) Get(ctx context.Context, quoteID string) (Quote, error) {
	quote, ok, err := storage.Get[Quote](a.store, quotesTable, quoteID)
	if err != nil {
		return Quote{}, err
	}
	if !ok {
		return Quote{}, errs.Newf(errs.NotFound, "quote %q not found", quoteID)
	}
	return quote, nil
}

// GetForOrder returns pending, non-expired quotes sorted ascending by
// price.
func (a *QuoteAuction) GetForOrder(ctx context.Context, orderID string) ([]Quote, error) {
	all, err := storage.Scan[Quote](a.store, quotesTable, "")
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var out []Quote
	for _, q := range all {
		if q.OrderID == orderID && q.Status == QuoteStatusPending && q.ValidUntil.After(now) {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	return out, nil
}

// Accept is the auction's serialization point: accept exactly one quote and
// reject its pending siblings, atomically, under an advisory per-order
// lock. Re-accepting an already-accepted quote returns it unchanged;
// exclusivity is enforced by the accepted-quote unique index.
func (a *QuoteAuction) Accept(ctx context.Context, quoteID string) (Quote, error) {
	if err := a.params.RequireNotPaused(ctx); err != nil {
		return Quote{}, err
	}

	quote, err := a.Get(ctx, quoteID)
	if err != nil {
		return Quote{}, err
	}

	unlock := a.store.Lock("quote-accept:" + quote.OrderID)
	defer unlock()

	quote, err = a.Get(ctx, quoteID)
	if err != nil {
		return Quote{}, err
	}
	if quote.Status == QuoteStatusAccepted {
		return quote, nil
	}
	if quote.Status != QuoteStatusPending {
		return Quote{}, errs.Newf(errs.InvalidTransition, "quote %q is not pending", quoteID)
	}
	if quote.ValidUntil.Before(time.Now()) {
		return Quote{}, errs.Newf(errs.Expired, "quote %q has expired", quoteID)
	}

	if err := a.store.ClaimUnique(quotesTable, acceptedIndex, quote.OrderID, quote.QuoteID); err != nil {
		return Quote{}, errs.Wrap(errs.Conflict, err, "order already has an accepted quote")
	}

	quote.Status = QuoteStatusAccepted
	if err := storage.Put(a.store, quotesTable, quote.QuoteID, quote); err != nil {
		return Quote{}, err
	}
	if err := a.store.ReleaseUnique(quotesTable, pendingIndex, quote.OrderID+"/"+quote.ProviderID); err != nil {
		return Quote{}, err
	}

	siblings, err := storage.Scan[Quote](a.store, quotesTable, "")
	if err != nil {
		return Quote{}, err
	}
	for _, sibling := range siblings {
		if sibling.OrderID != quote.OrderID || sibling.QuoteID == quote.QuoteID || sibling.Status != QuoteStatusPending {
			continue
		}
		sibling.Status = QuoteStatusRejected
		if err := storage.Put(a.store, quotesTable, sibling.QuoteID, sibling); err != nil {
			return Quote{}, err
		}
		if err := a.store.ReleaseUnique(quotesTable, pendingIndex, sibling.OrderID+"/"+sibling.ProviderID); err != nil {
			return Quote{}, err
		}
	}
	if a.metrics != nil {
		a.metrics.QuotesAccepted.Inc()
	}
	return quote, nil
}

// Reject moves a pending quote to rejected directly (not via acceptance).
func (a *QuoteAuction) Reject(ctx context.Context, quoteID string) (Quote, error) {
	if err := a.params.RequireNotPaused(ctx); err != nil {
		return Quote{}, err
	}

	quote, err := a.Get(ctx, quoteID)
	if err != nil {
		return Quote{}, err
	}
	if quote.Status != QuoteStatusPending {
		return Quote{}, errs.Newf(errs.InvalidTransition, "quote %q is not pending", quoteID)
	}
	quote.Status = QuoteStatusRejected
	if err := storage.Put(a.store, quotesTable, quoteID, quote); err != nil {
		return Quote{}, err
	}
	if err := a.store.ReleaseUnique(quotesTable, pendingIndex, quote.OrderID+"/"+quote.ProviderID); err != nil {
		return Quote{}, err
	}
	return quote, nil
}

// ExpirePending transitions pending quotes with valid_until <= now to
// expired. Invoked by the background sweep.
func (a *QuoteAuction) ExpirePending(ctx context.Context, now time.Time) (int, error) {
	all, err := storage.Scan[Quote](a.store, quotesTable, "")
	if err != nil {
		return 0, err
	}
	count := 0
	for _, q := range all {
		if q.Status != QuoteStatusPending || q.ValidUntil.After(now) {
			continue
		}
		q.Status = QuoteStatusExpired
		if err := storage.Put(a.store, quotesTable, q.QuoteID, q); err != nil {
			return count, err
		}
		if err := a.store.ReleaseUnique(quotesTable, pendingIndex, q.OrderID+"/"+q.ProviderID); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
