// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package governance implements the Governance component: an m-of-n
// multisig proposal/voting/execution engine that is the only writer to
// Params and the signer set.
package governance

import (
	"context"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/luxfi/bazaar/pkg/errs"
	"github.com/luxfi/bazaar/pkg/ids"
	"github.com/luxfi/bazaar/pkg/metric"
	"github.com/luxfi/bazaar/pkg/params"
	"github.com/luxfi/bazaar/pkg/storage"
)

const (
	signersTable    = "governance_signers"
	proposalsTable  = "governance_proposals"
	approvalsTable  = "governance_approvals"
	executionsTable = "governance_executions"
	treasuryTable   = "treasury_movements"
	countersTable   = "governance_counters"

	proposalSequenceKey = "proposal_sequence"
	defaultVotingHours  = 72
	minActiveSigners    = 3
)

// Role distinguishes signers; content is operator-defined (e.g. "founder",
// "ops", "community").
type Role string

// Signer is the persisted governance_signers row.
type Signer struct {
	SignerID    string     `json:"signer_id"`
	IdentityDID string     `json:"identity_did"`
	Role        Role       `json:"role"`
	Active      bool       `json:"active"`
	AddedAt     time.Time  `json:"added_at"`
	RemovedAt   *time.Time `json:"removed_at,omitempty"`
}

// ActionType enumerates the executable governance actions.
type ActionType string

const (
	ActionUpdateProtocolFee  ActionType = "update_protocol_fee"
	ActionUpdateClientFee    ActionType = "update_client_fee"
	ActionUpdateEscrowDays   ActionType = "update_escrow_duration"
	ActionUpdateDisputeDays  ActionType = "update_dispute_window"
	ActionEmergencyPause     ActionType = "emergency_pause"
	ActionEmergencyUnpause   ActionType = "emergency_unpause"
	ActionAddSigner          ActionType = "add_signer"
	ActionRemoveSigner       ActionType = "remove_signer"
	ActionTreasuryWithdrawal ActionType = "treasury_withdrawal"
)

// ProposalStatus enumerates the proposal states.
type ProposalStatus string

const (
	ProposalDraft    ProposalStatus = "draft"
	ProposalActive   ProposalStatus = "active"
	ProposalApproved ProposalStatus = "approved"
	ProposalExecuted ProposalStatus = "executed"
	ProposalRejected ProposalStatus = "rejected"
	ProposalExpired  ProposalStatus = "expired"
)

// Proposal is the persisted governance_proposals row.
type Proposal struct {
	ProposalID        string            `json:"proposal_id"`
	ProposalNumber    string            `json:"proposal_number"`
	Action            ActionType        `json:"action"`
	Params            map[string]string `json:"params"`
	Rationale         string            `json:"rationale"`
	Proposer          string            `json:"proposer"`
	Status            ProposalStatus    `json:"status"`
	RequiredApprovals int64             `json:"required_approvals"`
	VotingEndsAt      time.Time         `json:"voting_ends_at"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Approval is the persisted governance_approvals row, unique per
// (proposal_id, signer_id).
type Approval struct {
	ProposalID string    `json:"proposal_id"`
	SignerID   string    `json:"signer_id"`
	Approved   bool      `json:"approved"`
	Signature  []byte    `json:"signature,omitempty"`
	Comment    string    `json:"comment,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Execution records one attempt to execute an approved proposal's action.
type Execution struct {
	ProposalID string    `json:"proposal_id"`
	Status     string    `json:"status"` // succeeded | failed
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// TreasuryMovement is the persisted treasury_movements row. Its final
// status is written by the external settlement rail's callback.
type TreasuryMovement struct {
	MovementID  string    `json:"movement_id"`
	ProposalID  string    `json:"proposal_id"`
	Amount      string    `json:"amount"`
	Destination string    `json:"destination"`
	Status      string    `json:"status"` // approved | settled | failed
	CreatedAt   time.Time `json:"created_at"`
}

type sequenceCounter struct {
	Value uint64 `json:"value"`
}

// Service is the Governance component.
type Service struct {
	store   *storage.Store
	params  *params.Service
	metrics *metric.Metrics
}

// New constructs the Governance service.
func New(store *storage.Store, paramsSvc *params.Service) *Service {
	return &Service{store: store, params: paramsSvc}
}

// WithMetrics attaches the process metrics instance. Optional; a service
// built without it skips metric recording.
func (s *Service) WithMetrics(m *metric.Metrics) *Service {
	s.metrics = m
	return s
}

// BootstrapSigners seeds the initial active signer set outside the proposal
// flow; callers use this once, at system setup, since a proposal cannot
// approve itself into existence before any signers exist.
func (s *Service) BootstrapSigners(ctx context.Context, signers []Signer) error {
	if len(signers) < minActiveSigners {
		return errs.Newf(errs.InvalidInput, "at least %d signers are required to bootstrap governance", minActiveSigners)
	}
	for _, signer := range signers {
		signer.Active = true
		if signer.AddedAt.IsZero() {
			signer.AddedAt = time.Now()
		}
		if err := storage.Put(s.store, signersTable, signer.SignerID, signer); err != nil {
			return err
		}
	}
	return nil
}

// GetSigner loads a signer by id.
func (s *Service) GetSigner(ctx context.Context, signerID string) (Signer, error) {
	signer, ok, err := storage.Get[Signer](s.store, signersTable, signerID)
	if err != nil {
		return Signer{}, err
	}
	if !ok {
		return Signer{}, errs.Newf(errs.NotFound, "signer %q not found", signerID)
	}
	return signer, nil
}

// ActiveSigners returns every active signer.
func (s *Service) ActiveSigners(ctx context.Context) ([]Signer, error) {
	all, err := storage.Scan[Signer](s.store, signersTable, "")
	if err != nil {
		return nil, err
	}
	var active []Signer
	for _, signer := range all {
		if signer.Active {
			active = append(active, signer)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].SignerID < active[j].SignerID })
	return active, nil
}

func (s *Service) requireActiveSigner(ctx context.Context, signerID string) error {
	signer, err := s.GetSigner(ctx, signerID)
	if err != nil {
		return err
	}
	if !signer.Active {
		return errs.Newf(errs.Forbidden, "signer %q is not active", signerID)
	}
	return nil
}

// RequiredApprovals computes the quorum threshold:
// ceil(2 * |active signers| / 3).
func RequiredApprovals(activeCount int) int64 {
	return int64(math.Ceil(float64(2*activeCount) / 3.0))
}

func (s *Service) nextProposalSequence() (uint64, error) {
	unlock := s.store.Lock("governance-sequence")
	defer unlock()

	counter, ok, err := storage.Get[sequenceCounter](s.store, countersTable, proposalSequenceKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		counter = sequenceCounter{Value: 0}
	}
	counter.Value++
	if err := storage.Put(s.store, countersTable, proposalSequenceKey, counter); err != nil {
		return 0, err
	}
	return counter.Value, nil
}

// validateActionParams applies the per-action params schema; invalid
// proposals are rejected before entering active.
func validateActionParams(action ActionType, p map[string]string) error {
	require := func(keys ...string) error {
		for _, k := range keys {
			if p[k] == "" {
				return errs.Newf(errs.InvalidInput, "action %q requires param %q", action, k)
			}
		}
		return nil
	}
	switch action {
	case ActionUpdateProtocolFee:
		return require("new_fee_percent")
	case ActionUpdateClientFee:
		return require("new_fee_percent")
	case ActionUpdateEscrowDays:
		return require("new_days")
	case ActionUpdateDisputeDays:
		return require("new_days")
	case ActionEmergencyPause, ActionEmergencyUnpause:
		return nil
	case ActionAddSigner:
		return require("signer_id", "identity_did")
	case ActionRemoveSigner:
		return require("signer_id")
	case ActionTreasuryWithdrawal:
		return require("amount", "destination")
	default:
		return errs.Newf(errs.InvalidInput, "unrecognized governance action %q", action)
	}
}

// Create opens a new proposal, validating the proposer is an active signer
// and the action's params against its schema. The quorum threshold is
// frozen at creation time; later signer-set changes affect only future
// proposals.
func (s *Service) Create(ctx context.Context, proposerSignerID string, action ActionType, actionParams map[string]string, rationale string, votingDurationHours int) (Proposal, error) {
	if err := s.requireActiveSigner(ctx, proposerSignerID); err != nil {
		return Proposal{}, err
	}
	if err := validateActionParams(action, actionParams); err != nil {
		return Proposal{}, err
	}

	active, err := s.ActiveSigners(ctx)
	if err != nil {
		return Proposal{}, err
	}

	if votingDurationHours <= 0 {
		votingDurationHours = defaultVotingHours
	}

	sequence, err := s.nextProposalSequence()
	if err != nil {
		return Proposal{}, err
	}

	now := time.Now()
	proposal := Proposal{
		ProposalID:        uuid.NewString(),
		ProposalNumber:    ids.NewProposalNumber(sequence),
		Action:            action,
		Params:            actionParams,
		Rationale:         rationale,
		Proposer:          proposerSignerID,
		Status:            ProposalActive,
		RequiredApprovals: RequiredApprovals(len(active)),
		VotingEndsAt:      now.Add(time.Duration(votingDurationHours) * time.Hour),
		CreatedAt:         now,
	}
	if err := storage.Put(s.store, proposalsTable, proposal.ProposalID, proposal); err != nil {
		return Proposal{}, err
	}
	if s.metrics != nil {
		s.metrics.ProposalsCreated.Inc()
	}
	return proposal, nil
}

// Get loads a proposal by id.
func (s *Service) Get(ctx context.Context, proposalID string) (Proposal, error) {
	proposal, ok, err := storage.Get[Proposal](s.store, proposalsTable, proposalID)
	if err != nil {
		return Proposal{}, err
	}
	if !ok {
		return Proposal{}, errs.Newf(errs.NotFound, "proposal %q not found", proposalID)
	}
	return proposal, nil
}

func (s *Service) approvalsFor(proposalID string) ([]Approval, error) {
	return storage.Scan[Approval](s.store, approvalsTable, proposalID+"/")
}

// Vote casts one signer's approve/reject vote, serialized per proposal_id,
// recomputing the proposal's status in the same critical section.
func (s *Service) Vote(ctx context.Context, proposalID, signerID string, approved bool, comment string) (Proposal, error) {
	unlock := s.store.Lock("proposal:" + proposalID)
	defer unlock()

	if err := s.requireActiveSigner(ctx, signerID); err != nil {
		return Proposal{}, err
	}
	proposal, err := s.Get(ctx, proposalID)
	if err != nil {
		return Proposal{}, err
	}
	if proposal.Status != ProposalActive {
		return Proposal{}, errs.Newf(errs.InvalidTransition, "proposal %q is not active", proposalID)
	}
	if !time.Now().Before(proposal.VotingEndsAt) {
		return Proposal{}, errs.New(errs.Expired, "voting window has closed")
	}

	if _, exists, err := storage.Get[Approval](s.store, approvalsTable, proposalID+"/"+signerID); err != nil {
		return Proposal{}, err
	} else if exists {
		return Proposal{}, errs.Newf(errs.Conflict, "signer %q has already voted on proposal %q", signerID, proposalID)
	}
	vote := Approval{ProposalID: proposalID, SignerID: signerID, Approved: approved, Comment: comment, Timestamp: time.Now()}
	if err := storage.Put(s.store, approvalsTable, proposalID+"/"+signerID, vote); err != nil {
		return Proposal{}, err
	}

	votes, err := s.approvalsFor(proposalID)
	if err != nil {
		return Proposal{}, err
	}
	var approvals, rejections int64
	for _, v := range votes {
		if v.Approved {
			approvals++
		} else {
			rejections++
		}
	}

	active, err := s.ActiveSigners(ctx)
	if err != nil {
		return Proposal{}, err
	}

	switch {
	case approvals >= proposal.RequiredApprovals:
		proposal.Status = ProposalApproved
	case int64(len(active))-rejections < proposal.RequiredApprovals:
		proposal.Status = ProposalRejected
	}

	if err := storage.Put(s.store, proposalsTable, proposalID, proposal); err != nil {
		return Proposal{}, err
	}
	if s.metrics != nil {
		s.metrics.VotesCast.WithLabelValues(strconv.FormatBool(approved)).Inc()
	}
	return proposal, nil
}

func (s *Service) recordExecution(proposalID, status, result, execErr string) error {
	execution := Execution{ProposalID: proposalID, Status: status, Result: result, Error: execErr, Timestamp: time.Now()}
	return storage.Put(s.store, executionsTable, proposalID+"/"+ids.New(), execution)
}

// Execute runs an approved proposal's action handler atomically and
// transitions it to executed. If the handler fails, the proposal remains
// approved for retry and the failure is recorded.
func (s *Service) Execute(ctx context.Context, proposalID, executorSignerID string) (Proposal, error) {
	if err := s.requireActiveSigner(ctx, executorSignerID); err != nil {
		return Proposal{}, err
	}

	unlock := s.store.Lock("proposal:" + proposalID)
	defer unlock()

	proposal, err := s.Get(ctx, proposalID)
	if err != nil {
		return Proposal{}, err
	}
	if proposal.Status != ProposalApproved {
		return Proposal{}, errs.Newf(errs.InvalidTransition, "proposal %q is not approved", proposalID)
	}

	result, execErr := s.executeAction(ctx, proposal, executorSignerID)
	if execErr != nil {
		if err := s.recordExecution(proposalID, "failed", "", execErr.Error()); err != nil {
			return Proposal{}, err
		}
		if s.metrics != nil {
			s.metrics.ActionsExecuted.WithLabelValues(string(proposal.Action), "failed").Inc()
		}
		return proposal, execErr
	}
	if err := s.recordExecution(proposalID, "succeeded", result, ""); err != nil {
		return Proposal{}, err
	}
	if s.metrics != nil {
		s.metrics.ActionsExecuted.WithLabelValues(string(proposal.Action), "succeeded").Inc()
	}

	proposal.Status = ProposalExecuted
	if err := storage.Put(s.store, proposalsTable, proposalID, proposal); err != nil {
		return Proposal{}, err
	}
	return proposal, nil
}

func (s *Service) executeAction(ctx context.Context, proposal Proposal, executorSignerID string) (string, error) {
	changedBy := proposal.ProposalID
	switch proposal.Action {
	case ActionUpdateProtocolFee:
		rec, err := s.params.Set(ctx, params.ProtocolFeePercentage, proposal.Params["new_fee_percent"], changedBy, proposal.Rationale)
		return rec.Value, err
	case ActionUpdateClientFee:
		rec, err := s.params.Set(ctx, params.ClientFeePercentage, proposal.Params["new_fee_percent"], changedBy, proposal.Rationale)
		return rec.Value, err
	case ActionUpdateEscrowDays:
		rec, err := s.params.Set(ctx, params.EscrowHoldDurationDays, proposal.Params["new_days"], changedBy, proposal.Rationale)
		return rec.Value, err
	case ActionUpdateDisputeDays:
		rec, err := s.params.Set(ctx, params.DisputeWindowDays, proposal.Params["new_days"], changedBy, proposal.Rationale)
		return rec.Value, err
	case ActionEmergencyPause:
		rec, err := s.params.Set(ctx, params.EmergencyPauseEnabled, "true", changedBy, proposal.Rationale)
		return rec.Value, err
	case ActionEmergencyUnpause:
		rec, err := s.params.Set(ctx, params.EmergencyPauseEnabled, "false", changedBy, proposal.Rationale)
		return rec.Value, err
	case ActionAddSigner:
		return "", s.addSigner(proposal.Params["signer_id"], proposal.Params["identity_did"], Role(proposal.Params["role"]))
	case ActionRemoveSigner:
		return "", s.removeSigner(ctx, proposal.Params["signer_id"])
	case ActionTreasuryWithdrawal:
		return s.createTreasuryMovement(proposal)
	default:
		return "", errs.Newf(errs.InvalidInput, "unrecognized governance action %q", proposal.Action)
	}
}

func (s *Service) addSigner(signerID, identityDID string, role Role) error {
	signer := Signer{SignerID: signerID, IdentityDID: identityDID, Role: role, Active: true, AddedAt: time.Now()}
	return storage.Put(s.store, signersTable, signerID, signer)
}

func (s *Service) removeSigner(ctx context.Context, signerID string) error {
	active, err := s.ActiveSigners(ctx)
	if err != nil {
		return err
	}
	if len(active) <= minActiveSigners {
		return errs.Newf(errs.InvalidInput, "cannot remove signer %q: quorum requires at least %d active signers", signerID, minActiveSigners)
	}
	signer, err := s.GetSigner(ctx, signerID)
	if err != nil {
		return err
	}
	now := time.Now()
	signer.Active = false
	signer.RemovedAt = &now
	return storage.Put(s.store, signersTable, signerID, signer)
}

func (s *Service) createTreasuryMovement(proposal Proposal) (string, error) {
	movement := TreasuryMovement{
		MovementID:  uuid.NewString(),
		ProposalID:  proposal.ProposalID,
		Amount:      proposal.Params["amount"],
		Destination: proposal.Params["destination"],
		Status:      "approved",
		CreatedAt:   time.Now(),
	}
	if err := storage.Put(s.store, treasuryTable, movement.MovementID, movement); err != nil {
		return "", err
	}
	return movement.MovementID, nil
}

// UpdateTreasuryMovementStatus applies the external settlement rail's
// callback, recording the movement's final status.
func (s *Service) UpdateTreasuryMovementStatus(ctx context.Context, movementID, status string) (TreasuryMovement, error) {
	movement, ok, err := storage.Get[TreasuryMovement](s.store, treasuryTable, movementID)
	if err != nil {
		return TreasuryMovement{}, err
	}
	if !ok {
		return TreasuryMovement{}, errs.Newf(errs.NotFound, "treasury movement %q not found", movementID)
	}
	movement.Status = status
	if err := storage.Put(s.store, treasuryTable, movementID, movement); err != nil {
		return TreasuryMovement{}, err
	}
	return movement, nil
}

// ExpireProposals transitions active proposals whose voting window has
// closed without approval to expired. Invoked by the background sweep.
func (s *Service) ExpireProposals(ctx context.Context, now time.Time) (int, error) {
	all, err := storage.Scan[Proposal](s.store, proposalsTable, "")
	if err != nil {
		return 0, err
	}
	count := 0
	for _, proposal := range all {
		if proposal.Status != ProposalActive || proposal.VotingEndsAt.After(now) {
			continue
		}
		proposal.Status = ProposalExpired
		if err := storage.Put(s.store, proposalsTable, proposal.ProposalID, proposal); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Executions returns the ordered Execution log for a proposal.
func (s *Service) Executions(ctx context.Context, proposalID string) ([]Execution, error) {
	return storage.Scan[Execution](s.store, executionsTable, proposalID+"/")
}
