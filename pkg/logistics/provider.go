// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package logistics implements the Logistics component: the provider
// registry, the per-order shipping quote auction, and the shipment tracking
// state machine whose delivered event feeds back into Order+Escrow.
package logistics

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/luxfi/bazaar/pkg/errs"
	"github.com/luxfi/bazaar/pkg/identity"
	"github.com/luxfi/bazaar/pkg/params"
	"github.com/luxfi/bazaar/pkg/storage"
)

const providersTable = "logistics_providers"

// ShippingMethod enumerates the supported shipping methods.
type ShippingMethod string

const (
	MethodStandard ShippingMethod = "standard"
	MethodExpress  ShippingMethod = "express"
	MethodFreight  ShippingMethod = "freight"
)

// Provider is the persisted logistics_providers row.
type Provider struct {
	ProviderID         string           `json:"provider_id"`
	BusinessName       string           `json:"business_name"`
	IdentityDID        string           `json:"identity_did"`
	ServiceRegions     []string         `json:"service_regions"`
	ShippingMethods    []ShippingMethod `json:"shipping_methods"`
	InsuranceAvailable bool             `json:"insurance_available"`
	AverageRating      decimal.Decimal  `json:"average_rating"`
	TotalDeliveries    int64            `json:"total_deliveries"`
	RegisteredAt       time.Time        `json:"registered_at"`
}

// IdentityLookup is the slice of the Identity component the provider
// registry depends on to validate kyc-verified registration.
type IdentityLookup interface {
	Get(ctx context.Context, did string) (identity.Identity, error)
}

// ProviderRegistry is the Provider half of the Logistics component.
type ProviderRegistry struct {
	store    *storage.Store
	params   *params.Service
	identity IdentityLookup
}

// NewProviderRegistry constructs the provider registry.
func NewProviderRegistry(store *storage.Store, paramsSvc *params.Service, identityLookup IdentityLookup) *ProviderRegistry {
	return &ProviderRegistry{store: store, params: paramsSvc, identity: identityLookup}
}

// Register validates the provider's Identity is kyc-verified and rejects
// empty service_regions or shipping_methods.
func (r *ProviderRegistry) Register(ctx context.Context, businessName, identityDID string, regions []string, methods []ShippingMethod, insuranceAvailable bool) (Provider, error) {
	if err := r.params.RequireNotPaused(ctx); err != nil {
		return Provider{}, err
	}
	if len(regions) == 0 {
		return Provider{}, errs.New(errs.InvalidInput, "service_regions must not be empty")
	}
	if len(methods) == 0 {
		return Provider{}, errs.New(errs.InvalidInput, "shipping_methods must not be empty")
	}

	ident, err := r.identity.Get(ctx, identityDID)
	if err != nil {
		return Provider{}, err
	}
	if ident.Type != identity.TypeKYC || ident.Status != identity.StatusVerified {
		return Provider{}, errs.New(errs.Forbidden, "logistics provider identity must be kyc-verified")
	}

	provider := Provider{
		ProviderID:         uuid.NewString(),
		BusinessName:       businessName,
		IdentityDID:        identityDID,
		ServiceRegions:     regions,
		ShippingMethods:    methods,
		InsuranceAvailable: insuranceAvailable,
		AverageRating:      decimal.Zero,
		RegisteredAt:       time.Now(),
	}
	if err := storage.Put(r.store, providersTable, provider.ProviderID, provider); err != nil {
		return Provider{}, err
	}
	return provider, nil
}

// Get loads a provider by id.
func (r *ProviderRegistry) Get(ctx context.Context, providerID string) (Provider, error) {
	provider, ok, err := storage.Get[Provider](r.store, providersTable, providerID)
	if err != nil {
		return Provider{}, err
	}
	if !ok {
		return Provider{}, errs.Newf(errs.NotFound, "logistics provider %q not found", providerID)
	}
	return provider, nil
}

// FindFilter is the query shape for Find.
type FindFilter struct {
	Region            string
	Method            ShippingMethod
	InsuranceRequired bool
	MinRating         decimal.Decimal
}

// Find returns matches sorted by average_rating descending, then
// total_deliveries descending.
func (r *ProviderRegistry) Find(ctx context.Context, filter FindFilter) ([]Provider, error) {
	all, err := storage.Scan[Provider](r.store, providersTable, "")
	if err != nil {
		return nil, err
	}

	var out []Provider
	for _, p := range all {
		if filter.Region != "" && !contains(p.ServiceRegions, filter.Region) {
			continue
		}
		if filter.Method != "" && !containsMethod(p.ShippingMethods, filter.Method) {
			continue
		}
		if filter.InsuranceRequired && !p.InsuranceAvailable {
			continue
		}
		if !filter.MinRating.IsZero() && p.AverageRating.LessThan(filter.MinRating) {
			continue
		}
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].AverageRating.Equal(out[j].AverageRating) {
			return out[i].AverageRating.GreaterThan(out[j].AverageRating)
		}
		return out[i].TotalDeliveries > out[j].TotalDeliveries
	})
	return out, nil
}

// UpdateRating applies a rolling mean: new_avg = (old_avg*old_count +
// new_rating) / (old_count+1), and increments total_deliveries.
func (r *ProviderRegistry) UpdateRating(ctx context.Context, providerID string, newRating decimal.Decimal) (Provider, error) {
	if err := r.params.RequireNotPaused(ctx); err != nil {
		return Provider{}, err
	}

	unlock := r.store.Lock("logistics-provider:" + providerID)
	defer unlock()

	provider, err := r.Get(ctx, providerID)
	if err != nil {
		return Provider{}, err
	}

	oldCount := decimal.NewFromInt(provider.TotalDeliveries)
	numerator := provider.AverageRating.Mul(oldCount).Add(newRating)
	denominator := oldCount.Add(decimal.NewFromInt(1))
	provider.AverageRating = numerator.DivRound(denominator, 4)
	provider.TotalDeliveries++

	if err := storage.Put(r.store, providersTable, providerID, provider); err != nil {
		return Provider{}, err
	}
	return provider, nil
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func containsMethod(haystack []ShippingMethod, needle ShippingMethod) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
