// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package reputation implements the Reputation component: an append-only
// event log per vendor, a derived bounded score recomputed from the full
// metrics snapshot on every append, and signed time-bounded proofs. Score
// arithmetic uses shopspring/decimal so rounding stays deterministic and
// half-up.
package reputation

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	bazaarcrypto "github.com/luxfi/bazaar/pkg/crypto"
	"github.com/luxfi/bazaar/pkg/errs"
	"github.com/luxfi/bazaar/pkg/ids"
	"github.com/luxfi/bazaar/pkg/metric"
	"github.com/luxfi/bazaar/pkg/storage"
)

const (
	eventsTable = "reputation_events"
	scoresTable = "reputations"
	proofsTable = "reputation_proofs"

	// ProtocolVersion and ProofVersion are embedded in every signed proof so
	// verifiers can reject proofs from an incompatible protocol revision.
	ProtocolVersion = "bazaar-core-1"
	ProofVersion    = "1"

	maxEventsInHash = 100
	// StalenessThreshold is the |current score - proof score| cutoff beyond
	// which a proof is rejected as stale.
	StalenessThreshold = 50
)

// EventType enumerates the reputation event kinds.
type EventType string

const (
	EventRating       EventType = "rating"
	EventDispute      EventType = "dispute"
	EventVerification EventType = "verification"
	EventMilestone    EventType = "milestone"
)

// Event is one append-only reputation log row.
type Event struct {
	EventID       string            `json:"event_id"`
	DID           string            `json:"did"`
	TransactionID string            `json:"transaction_id"`
	Type          EventType         `json:"type"`
	Timestamp     time.Time         `json:"timestamp"`
	Payload       map[string]string `json:"payload"`
}

// Metrics is the derived metrics snapshot the score formula reads.
type Metrics struct {
	TransactionsCompleted int             `json:"transactions_completed"`
	AverageRating         decimal.Decimal `json:"average_rating"`
	OnTimeRate            decimal.Decimal `json:"on_time_rate"`
	DisputesTotal         int             `json:"disputes_total"`
	DisputesWon           int             `json:"disputes_won"`
	DisputesLost          int             `json:"disputes_lost"`
	DisputesMinor         int             `json:"disputes_minor"`
	DisputesMajor         int             `json:"disputes_major"`
}

// Reputation is the persisted derived row; the event log is the source of
// truth and this row is recomputed from it.
type Reputation struct {
	DID            string    `json:"did"`
	IdentityType   string    `json:"identity_type"`
	Score          int       `json:"score"`
	MilestoneBonus int       `json:"milestone_bonus"`
	Metrics        Metrics   `json:"metrics"`
	EventsHash     string    `json:"events_hash"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Proof is a detached, signed, time-bounded reputation attestation.
type Proof struct {
	DID                   string          `json:"did"`
	Score                 int             `json:"score"`
	TransactionsCompleted int             `json:"transactions_completed"`
	AverageRating         decimal.Decimal `json:"average_rating"`
	GeneratedAt           time.Time       `json:"generated_at"`
	ValidUntil            time.Time       `json:"valid_until"`
	EventsHash            string          `json:"events_hash"`
	ProofVersion          string          `json:"proof_version"`
	ProtocolVersion       string          `json:"protocol_version"`
	Signature             []byte          `json:"signature"`
}

func multiplier(identityType string) decimal.Decimal {
	switch identityType {
	case "kyc":
		return decimal.NewFromFloat(1.2)
	case "nostr":
		return decimal.NewFromInt(1)
	case "anonymous":
		return decimal.NewFromFloat(0.8)
	default:
		return decimal.NewFromInt(1)
	}
}

// Service is the Reputation component.
type Service struct {
	store     *storage.Store
	signer    bazaarcrypto.Signer
	publicKey []byte
	metrics   *metric.Metrics
}

// New constructs a Reputation service bound to a P-256 signer.
func New(store *storage.Store, signer bazaarcrypto.Signer, publicKey []byte) *Service {
	return &Service{store: store, signer: signer, publicKey: publicKey}
}

// WithMetrics attaches the process metrics instance. Optional; a service
// built without it skips metric recording.
func (s *Service) WithMetrics(m *metric.Metrics) *Service {
	s.metrics = m
	return s
}

// SeedBaseScore implements identity.ReputationSeeder: it creates the initial
// Reputation row at the type's base score with zero metrics.
func (s *Service) SeedBaseScore(ctx context.Context, did string, identityType string, baseScore int) error {
	rep := Reputation{
		DID:          did,
		IdentityType: identityType,
		Score:        baseScore,
		Metrics: Metrics{
			AverageRating: decimal.Zero,
			OnTimeRate:    decimal.Zero,
		},
		UpdatedAt: time.Now(),
	}
	hash, err := bazaarcrypto.EventsHash([]Event{})
	if err != nil {
		return err
	}
	rep.EventsHash = hash
	return storage.Put(s.store, scoresTable, did, rep)
}

// AppendVerificationBoost implements identity.ReputationSeeder: the one-time
// kyc verification milestone boost, recorded as a verification-type event
// and folded into the score as a sticky addend on top of the formula's
// output. The formula itself has no boost term, so the addend is tracked
// separately and re-applied on every recompute.
func (s *Service) AppendVerificationBoost(ctx context.Context, did string, boost int, reason string) error {
	unlock := s.store.Lock("reputation:" + did)
	defer unlock()

	if err := s.appendEventLocked(did, Event{
		TransactionID: "",
		Type:          EventVerification,
		Timestamp:     time.Now(),
		Payload:       map[string]string{"reason": reason},
	}); err != nil {
		return err
	}

	rep, ok, err := storage.Get[Reputation](s.store, scoresTable, did)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Newf(errs.NotFound, "reputation for %q not found", did)
	}
	rep.MilestoneBonus += boost
	return s.recomputeLocked(did, rep.IdentityType, rep.MilestoneBonus)
}

// AppendEvent records an Event and recomputes the full derived snapshot
// from scratch. Scores are never adjusted incrementally; recomputing from
// the log on every append keeps the cache drift-free.
func (s *Service) AppendEvent(ctx context.Context, did string, evt Event) error {
	unlock := s.store.Lock("reputation:" + did)
	defer unlock()

	if err := s.appendEventLocked(did, evt); err != nil {
		return err
	}
	rep, ok, err := storage.Get[Reputation](s.store, scoresTable, did)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Newf(errs.NotFound, "reputation for %q not found", did)
	}
	return s.recomputeLocked(did, rep.IdentityType, rep.MilestoneBonus)
}

func (s *Service) appendEventLocked(did string, evt Event) error {
	if evt.EventID == "" {
		evt.EventID = ids.New()
	}
	evt.DID = did
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	return storage.Put(s.store, eventsTable, did+"/"+evt.EventID, evt)
}

// orderedEvents returns every event for did, ordered ascending by timestamp
// with event_id as the tiebreak.
func (s *Service) orderedEvents(did string) ([]Event, error) {
	events, err := storage.Scan[Event](s.store, eventsTable, did+"/")
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].EventID < events[j].EventID
		}
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

func (s *Service) recomputeLocked(did, identityType string, milestoneBonus int) error {
	events, err := s.orderedEvents(did)
	if err != nil {
		return err
	}

	var metrics Metrics
	var ratingSum decimal.Decimal
	var ratingCount, onTimeCount int

	for _, e := range events {
		switch e.Type {
		case EventRating:
			metrics.TransactionsCompleted++
			ratingCount++
			if v, ok := e.Payload["rating"]; ok {
				if d, err := decimal.NewFromString(v); err == nil {
					ratingSum = ratingSum.Add(d)
				}
			}
			if e.Payload["on_time"] == "true" {
				onTimeCount++
			}
		case EventDispute:
			metrics.DisputesTotal++
			switch e.Payload["severity"] {
			case "minor":
				metrics.DisputesMinor++
			case "major":
				metrics.DisputesMajor++
			}
			switch e.Payload["outcome"] {
			case "won":
				metrics.DisputesWon++
			case "lost":
				metrics.DisputesLost++
			}
		}
	}

	if ratingCount > 0 {
		metrics.AverageRating = ratingSum.DivRound(decimal.NewFromInt(int64(ratingCount)), 4)
		metrics.OnTimeRate = decimal.NewFromInt(int64(onTimeCount)).DivRound(decimal.NewFromInt(int64(ratingCount)), 4)
	} else {
		metrics.AverageRating = decimal.Zero
		metrics.OnTimeRate = decimal.Zero
	}

	score := computeScore(metrics, identityType, milestoneBonus)

	hashWindow := events
	if len(hashWindow) > maxEventsInHash {
		hashWindow = hashWindow[len(hashWindow)-maxEventsInHash:]
	}
	hash, err := bazaarcrypto.EventsHash(hashWindow)
	if err != nil {
		return err
	}

	rep := Reputation{
		DID:            did,
		IdentityType:   identityType,
		Score:          score,
		MilestoneBonus: milestoneBonus,
		Metrics:        metrics,
		EventsHash:     hash,
		UpdatedAt:      time.Now(),
	}
	return storage.Put(s.store, scoresTable, did, rep)
}

// computeScore applies the scoring formula: clamp(0, 500, (50 +
// min(2*tx, 200) + 20*avg_rating - 25*minor - 50*major) * multiplier),
// rounded half-up, plus the sticky one-time kyc milestone bonus.
func computeScore(m Metrics, identityType string, milestoneBonus int) int {
	txTerm := decimal.NewFromInt(int64(m.TransactionsCompleted) * 2)
	cap200 := decimal.NewFromInt(200)
	if txTerm.GreaterThan(cap200) {
		txTerm = cap200
	}

	raw := decimal.NewFromInt(50).
		Add(txTerm).
		Add(m.AverageRating.Mul(decimal.NewFromInt(20))).
		Sub(decimal.NewFromInt(int64(m.DisputesMinor) * 25)).
		Sub(decimal.NewFromInt(int64(m.DisputesMajor) * 50))

	scaled := raw.Mul(multiplier(identityType)).Add(decimal.NewFromInt(int64(milestoneBonus)))
	rounded := scaled.Round(0)

	score := int(rounded.IntPart())
	if score < 0 {
		return 0
	}
	if score > 500 {
		return 500
	}
	return score
}

// Get returns the current derived Reputation for did.
func (s *Service) Get(ctx context.Context, did string) (Reputation, error) {
	rep, ok, err := storage.Get[Reputation](s.store, scoresTable, did)
	if err != nil {
		return Reputation{}, err
	}
	if !ok {
		return Reputation{}, errs.Newf(errs.NotFound, "reputation for %q not found", did)
	}
	return rep, nil
}

// GetBreakdown returns the same row as Get; callers use it when they want
// the metrics breakdown emphasized over the headline score.
func (s *Service) GetBreakdown(ctx context.Context, did string) (Reputation, error) {
	return s.Get(ctx, did)
}

// History returns a DID's event log, optionally filtered by type.
func (s *Service) History(ctx context.Context, did string, filterType EventType) ([]Event, error) {
	events, err := s.orderedEvents(did)
	if err != nil {
		return nil, err
	}
	if filterType == "" {
		return events, nil
	}
	var out []Event
	for _, e := range events {
		if e.Type == filterType {
			out = append(out, e)
		}
	}
	return out, nil
}

// GenerateProof signs a time-bounded detached proof over the current
// Reputation snapshot. Timestamps are truncated to millisecond precision,
// matching the canonical timestamp format verifiers re-serialize with.
func (s *Service) GenerateProof(ctx context.Context, did string, validityDays int) (Proof, error) {
	rep, err := s.Get(ctx, did)
	if err != nil {
		return Proof{}, err
	}
	if s.signer == nil {
		return Proof{}, errs.New(errs.Internal, "reputation service has no configured signer")
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	proof := Proof{
		DID:                   did,
		Score:                 rep.Score,
		TransactionsCompleted: rep.Metrics.TransactionsCompleted,
		AverageRating:         rep.Metrics.AverageRating,
		GeneratedAt:           now,
		ValidUntil:            now.Add(time.Duration(validityDays) * 24 * time.Hour),
		EventsHash:            rep.EventsHash,
		ProofVersion:          ProofVersion,
		ProtocolVersion:       ProtocolVersion,
	}

	message, err := bazaarcrypto.CanonicalJSON(proof)
	if err != nil {
		return Proof{}, err
	}
	sig, err := s.signer.Sign(message)
	if err != nil {
		return Proof{}, err
	}
	proof.Signature = sig

	if err := storage.Put(s.store, proofsTable, did+"/"+ids.New(), proof); err != nil {
		return Proof{}, err
	}
	if s.metrics != nil {
		s.metrics.ProofsGenerated.Inc()
	}
	return proof, nil
}

// BatchGenerate generates proofs for multiple DIDs in one call.
func (s *Service) BatchGenerate(ctx context.Context, dids []string, validityDays int) (map[string]Proof, error) {
	out := make(map[string]Proof, len(dids))
	for _, did := range dids {
		proof, err := s.GenerateProof(ctx, did, validityDays)
		if err != nil {
			return nil, err
		}
		out[did] = proof
	}
	return out, nil
}

// VerifyProof applies three ordered checks: (1) current time must not
// exceed valid_until, (2) the signature must verify over the canonical JSON
// of the proof sans signature, (3) if a current cached score exists, it
// must not differ from the proof's score by more than StalenessThreshold.
func (s *Service) VerifyProof(ctx context.Context, proof Proof) (bool, error) {
	if time.Now().UTC().After(proof.ValidUntil) {
		return false, nil
	}

	sig := proof.Signature
	unsigned := proof
	unsigned.Signature = nil
	message, err := bazaarcrypto.CanonicalJSON(unsigned)
	if err != nil {
		return false, err
	}
	if !bazaarcrypto.Verify(s.publicKey, message, sig) {
		return false, nil
	}

	current, err := s.Get(ctx, proof.DID)
	if err != nil {
		if errs.KindOf(err) == errs.NotFound {
			return true, nil
		}
		return false, err
	}
	delta := current.Score - proof.Score
	if delta < 0 {
		delta = -delta
	}
	if delta > StalenessThreshold {
		return false, nil
	}
	return true, nil
}
