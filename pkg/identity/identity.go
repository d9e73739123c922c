// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package identity implements the Identity component: DID issuance,
// verification status, and the audit log of status changes every other
// component consults before letting an actor transact.
package identity

import (
	"context"
	"sort"
	"time"

	"github.com/luxfi/bazaar/pkg/errs"
	"github.com/luxfi/bazaar/pkg/ids"
	"github.com/luxfi/bazaar/pkg/storage"
)

const (
	identitiesTable = "identities"
	auditTable      = "identity_status_log"
)

// Type enumerates the supported identity types.
type Type string

const (
	TypeKYC       Type = "kyc"
	TypeNostr     Type = "nostr"
	TypeAnonymous Type = "anonymous"
)

// Status enumerates the verification statuses.
type Status string

const (
	StatusPending   Status = "pending"
	StatusVerified  Status = "verified"
	StatusRejected  Status = "rejected"
	StatusSuspended Status = "suspended"
	StatusBanned    Status = "banned"
)

// BaseScore returns the default reputation base score for an identity type:
// kyc 75, nostr 35, anonymous 20.
func (t Type) BaseScore() int {
	switch t {
	case TypeKYC:
		return 75
	case TypeNostr:
		return 35
	case TypeAnonymous:
		return 20
	default:
		return 0
	}
}

// initialStatus returns the status a freshly registered identity of this
// type starts in: kyc pending, nostr and anonymous verified.
func (t Type) initialStatus() Status {
	if t == TypeKYC {
		return StatusPending
	}
	return StatusVerified
}

// Identity is the persisted identities row.
type Identity struct {
	DID            string            `json:"did"`
	Type           Type              `json:"type"`
	Status         Status            `json:"status"`
	ClientID       string            `json:"client_id"`
	PublicProfile  map[string]string `json:"public_profile"`
	TypeSpecific   map[string]string `json:"type_specific_data"`
	KYCBoostGiven  bool              `json:"kyc_boost_given"`
	RegisteredAt   time.Time         `json:"registered_at"`
	LastModifiedAt time.Time         `json:"last_modified_at"`
}

// StatusChange is an append-only audit row recording one status move.
type StatusChange struct {
	DID        string    `json:"did"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	ChangedBy  string    `json:"changed_by"`
	Reason     string    `json:"reason"`
	ChangedAt  time.Time `json:"changed_at"`
	SequenceNo int       `json:"sequence_no"`
}

// ReputationSeeder is the slice of the Reputation component Identity
// depends on: seeding the base score at registration and recording the
// one-time kyc verification milestone boost. Declared as an interface here
// (rather than importing pkg/reputation directly) so Reputation's package
// can in turn depend on Identity types without an import cycle.
type ReputationSeeder interface {
	SeedBaseScore(ctx context.Context, did string, identityType string, baseScore int) error
	AppendVerificationBoost(ctx context.Context, did string, boost int, reason string) error
}

// Service is the Identity component.
type Service struct {
	store      *storage.Store
	reputation ReputationSeeder
}

// New constructs an Identity service. reputation may be nil only in tests
// that do not exercise Register.
func New(store *storage.Store, reputation ReputationSeeder) *Service {
	return &Service{store: store, reputation: reputation}
}

// Register issues a fresh DID and seeds its initial Reputation record at
// the type's base score.
func (s *Service) Register(ctx context.Context, typ Type, clientID string, publicProfile, typeSpecific map[string]string) (Identity, error) {
	if typ != TypeKYC && typ != TypeNostr && typ != TypeAnonymous {
		return Identity{}, errs.Newf(errs.InvalidInput, "unknown identity type %q", typ)
	}

	did := ids.NewDID()
	now := time.Now()
	identity := Identity{
		DID:            did,
		Type:           typ,
		Status:         typ.initialStatus(),
		ClientID:       clientID,
		PublicProfile:  publicProfile,
		TypeSpecific:   typeSpecific,
		RegisteredAt:   now,
		LastModifiedAt: now,
	}
	if err := storage.Put(s.store, identitiesTable, did, identity); err != nil {
		return Identity{}, err
	}

	if s.reputation != nil {
		if err := s.reputation.SeedBaseScore(ctx, did, string(typ), typ.BaseScore()); err != nil {
			return Identity{}, err
		}
	}
	return identity, nil
}

// Get resolves a DID to its current Identity row.
func (s *Service) Get(ctx context.Context, did string) (Identity, error) {
	identity, ok, err := storage.Get[Identity](s.store, identitiesTable, did)
	if err != nil {
		return Identity{}, err
	}
	if !ok {
		return Identity{}, errs.Newf(errs.NotFound, "identity %q not found", did)
	}
	return identity, nil
}

// CanTransact reports whether an identity may currently act as buyer or
// vendor: true iff status is pending or verified.
func (s *Service) CanTransact(ctx context.Context, did string) (bool, error) {
	identity, err := s.Get(ctx, did)
	if err != nil {
		return false, err
	}
	return identity.Status == StatusPending || identity.Status == StatusVerified, nil
}

// Verify transitions an identity's verification status, recording the
// change and, on a kyc pending->verified transition, a one-time +25
// reputation milestone boost.
func (s *Service) Verify(ctx context.Context, did string, newStatus Status, verifiedBy, notes string) (Identity, error) {
	unlock := s.store.Lock("identity:" + did)
	defer unlock()

	identity, err := s.Get(ctx, did)
	if err != nil {
		return Identity{}, err
	}
	if identity.Status == newStatus {
		return Identity{}, errs.Newf(errs.InvalidTransition, "identity %q already has status %q", did, newStatus)
	}

	from := identity.Status
	identity.Status = newStatus
	identity.LastModifiedAt = time.Now()

	boost := identity.Type == TypeKYC && from == StatusPending && newStatus == StatusVerified && !identity.KYCBoostGiven
	if boost {
		identity.KYCBoostGiven = true
	}

	if err := storage.Put(s.store, identitiesTable, did, identity); err != nil {
		return Identity{}, err
	}
	if err := s.recordStatusChange(did, from, newStatus, verifiedBy, notes); err != nil {
		return Identity{}, err
	}

	if boost && s.reputation != nil {
		if err := s.reputation.AppendVerificationBoost(ctx, did, 25, "kyc verification milestone"); err != nil {
			return Identity{}, err
		}
	}
	return identity, nil
}

// SetStatus changes status for administrative reasons (suspension, ban,
// reinstatement) without the kyc-boost side effect Verify applies.
func (s *Service) SetStatus(ctx context.Context, did string, newStatus Status, reason string) (Identity, error) {
	unlock := s.store.Lock("identity:" + did)
	defer unlock()

	identity, err := s.Get(ctx, did)
	if err != nil {
		return Identity{}, err
	}
	if identity.Status == newStatus {
		return Identity{}, errs.Newf(errs.InvalidTransition, "identity %q already has status %q", did, newStatus)
	}

	from := identity.Status
	identity.Status = newStatus
	identity.LastModifiedAt = time.Now()
	if err := storage.Put(s.store, identitiesTable, did, identity); err != nil {
		return Identity{}, err
	}
	if err := s.recordStatusChange(did, from, newStatus, "system", reason); err != nil {
		return Identity{}, err
	}
	return identity, nil
}

func (s *Service) recordStatusChange(did string, from, to Status, changedBy, reason string) error {
	history, err := storage.Scan[StatusChange](s.store, auditTable, did+"/")
	if err != nil {
		return err
	}
	change := StatusChange{
		DID:        did,
		From:       from,
		To:         to,
		ChangedBy:  changedBy,
		Reason:     reason,
		ChangedAt:  time.Now(),
		SequenceNo: len(history),
	}
	rowID := did + "/" + ids.New()
	return storage.Put(s.store, auditTable, rowID, change)
}

// AuditLog returns the ordered status-change history for a DID.
func (s *Service) AuditLog(ctx context.Context, did string) ([]StatusChange, error) {
	history, err := storage.Scan[StatusChange](s.store, auditTable, did+"/")
	if err != nil {
		return nil, err
	}
	sort.Slice(history, func(i, j int) bool { return history[i].SequenceNo < history[j].SequenceNo })
	return history, nil
}
