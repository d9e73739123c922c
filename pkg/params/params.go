// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package params implements the Params component: the leaf dependency every
// other component reads for protocol-wide configuration and the emergency
// pause flag. It is the only component that may be read without going
// through a per-entity lock, but safety-critical reads (the pause flag at
// the entry of a mutating operation) always read through to the backing
// store rather than a cache.
package params

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/luxfi/bazaar/pkg/errs"
	"github.com/luxfi/bazaar/pkg/storage"
)

const table = "protocol_parameters"

// Name enumerates the recognized configuration options.
type Name string

const (
	ProtocolFeePercentage  Name = "protocol_fee_percentage"
	ClientFeePercentage    Name = "client_fee_percentage"
	EscrowHoldDurationDays Name = "escrow_hold_duration_days"
	DisputeWindowDays      Name = "dispute_window_days"
	EmergencyPauseEnabled  Name = "emergency_pause_enabled"
	ProofValidityDaysDef   Name = "proof_validity_days_default"
	VendorResponseWindowH  Name = "vendor_response_window_hours"
)

// Record is the persisted row for a single parameter, carrying its most
// recent previous value and who changed it, for audit.
type Record struct {
	Name          Name      `json:"name"`
	Value         string    `json:"value"`
	PreviousValue string    `json:"previous_value"`
	ChangedBy     string    `json:"changed_by"`
	Reason        string    `json:"reason"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// defaults are serialized the same way stored values are serialized, so a
// fresh store and a freshly-loaded one behave alike.
var defaults = map[Name]string{
	ProtocolFeePercentage:  "3.0",
	ClientFeePercentage:    "0.0",
	EscrowHoldDurationDays: "7",
	DisputeWindowDays:      "7",
	EmergencyPauseEnabled:  "false",
	ProofValidityDaysDef:   "30",
	VendorResponseWindowH:  "48",
}

// Service is the Params component. It keeps a short-lived read cache for
// non-safety-critical lookups; every PauseEnabled call bypasses the cache
// entirely.
type Service struct {
	store    *storage.Store
	mu       sync.RWMutex
	cache    map[Name]Record
	cachedAt time.Time
	cacheTTL time.Duration
}

// New constructs a Params service, seeding any parameter not already
// present in the store with its default.
func New(store *storage.Store) (*Service, error) {
	s := &Service{store: store, cacheTTL: 2 * time.Second}
	for name, value := range defaults {
		_, ok, err := storage.Get[Record](store, table, string(name))
		if err != nil {
			return nil, err
		}
		if ok {
			continue
		}
		rec := Record{Name: name, Value: value, PreviousValue: value, ChangedBy: "system", Reason: "default", UpdatedAt: time.Now()}
		if err := storage.Put(store, table, string(name), rec); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) readThrough(name Name) (Record, error) {
	rec, ok, err := storage.Get[Record](s.store, table, string(name))
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, errs.Newf(errs.NotFound, "parameter %q not set", name)
	}
	return rec, nil
}

// Get returns the current value of a parameter, via the short cache.
func (s *Service) Get(ctx context.Context, name Name) (Record, error) {
	s.mu.RLock()
	if rec, ok := s.cache[name]; ok && time.Since(s.cachedAt) < s.cacheTTL {
		s.mu.RUnlock()
		return rec, nil
	}
	s.mu.RUnlock()

	rec, err := s.readThrough(name)
	if err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	if s.cache == nil {
		s.cache = make(map[Name]Record)
	}
	s.cache[name] = rec
	s.cachedAt = time.Now()
	s.mu.Unlock()
	return rec, nil
}

// PauseEnabled reports the emergency pause flag, reading through to the
// store on every call. The cache is never consulted here.
func (s *Service) PauseEnabled(ctx context.Context) (bool, error) {
	rec, err := s.readThrough(EmergencyPauseEnabled)
	if err != nil {
		return false, err
	}
	return rec.Value == "true", nil
}

// RequireNotPaused returns a SystemPaused error if the emergency pause flag
// is set, the gate every mutating operation must pass first.
func (s *Service) RequireNotPaused(ctx context.Context) error {
	paused, err := s.PauseEnabled(ctx)
	if err != nil {
		return err
	}
	if paused {
		return errs.New(errs.SystemPaused, "protocol is paused for emergency maintenance")
	}
	return nil
}

// Set writes a new value for a parameter, recording the previous value for
// audit, and invalidates the cache. Used by governance action handlers
// (update_protocol_fee, emergency_pause, ...); changedBy is the executing
// proposal's id or "system".
func (s *Service) Set(ctx context.Context, name Name, value, changedBy, reason string) (Record, error) {
	prev, err := s.readThrough(name)
	if err != nil && errs.KindOf(err) != errs.NotFound {
		return Record{}, err
	}

	rec := Record{
		Name:          name,
		Value:         value,
		PreviousValue: prev.Value,
		ChangedBy:     changedBy,
		Reason:        reason,
		UpdatedAt:     time.Now(),
	}
	if err := storage.Put(s.store, table, string(name), rec); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
	return rec, nil
}

// GetDecimal reads a numeric parameter (e.g. protocol_fee_percentage) as a
// decimal.
func (s *Service) GetDecimal(ctx context.Context, name Name) (decimal.Decimal, error) {
	rec, err := s.Get(ctx, name)
	if err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(rec.Value)
	if err != nil {
		return decimal.Zero, errs.Wrap(errs.Internal, err, "parse parameter as decimal")
	}
	return d, nil
}

// GetInt reads an integer parameter (e.g. escrow_hold_duration_days).
func (s *Service) GetInt(ctx context.Context, name Name) (int64, error) {
	rec, err := s.Get(ctx, name)
	if err != nil {
		return 0, err
	}
	d, err := decimal.NewFromString(rec.Value)
	if err != nil {
		return 0, errs.Wrap(errs.Internal, err, "parse parameter as int")
	}
	return d.IntPart(), nil
}
