// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package trust

import (
	"context"
	"strconv"
	"time"

	"github.com/luxfi/bazaar/pkg/errs"
	"github.com/luxfi/bazaar/pkg/metric"
	"github.com/luxfi/bazaar/pkg/order"
	"github.com/luxfi/bazaar/pkg/params"
	"github.com/luxfi/bazaar/pkg/reputation"
	"github.com/luxfi/bazaar/pkg/storage"
)

const (
	ratingsTable = "ratings"
	revealWindow = 7 * 24 * time.Hour
)

// RaterType identifies which side of the order is submitting the rating.
type RaterType string

const (
	RaterBuyer  RaterType = "buyer"
	RaterVendor RaterType = "vendor"
)

// Rating is the persisted ratings row: one per order, holding both sides'
// submissions and the sealed-reveal bookkeeping.
type Rating struct {
	OrderID           string     `json:"order_id"`
	BuyerRating       int        `json:"buyer_rating,omitempty"`
	BuyerComment      string     `json:"buyer_comment,omitempty"`
	BuyerCategories   []string   `json:"buyer_categories,omitempty"`
	BuyerSubmittedAt  *time.Time `json:"buyer_submitted_at,omitempty"`
	VendorRating      int        `json:"vendor_rating,omitempty"`
	VendorComment     string     `json:"vendor_comment,omitempty"`
	VendorCategories  []string   `json:"vendor_categories,omitempty"`
	VendorSubmittedAt *time.Time `json:"vendor_submitted_at,omitempty"`
	RevealedAt        *time.Time `json:"revealed_at,omitempty"`
}

// Revealed reports whether a rating is visible to both sides yet.
func (r Rating) Revealed() bool {
	return r.RevealedAt != nil
}

// Redacted returns a copy with the not-yet-revealed counterparty fields
// cleared: a rating is invisible to the counterparty until both sides have
// submitted, or 7 days have elapsed since the first submission.
func (r Rating) Redacted(viewer RaterType) Rating {
	if r.Revealed() {
		return r
	}
	redacted := r
	switch viewer {
	case RaterBuyer:
		redacted.VendorRating = 0
		redacted.VendorComment = ""
		redacted.VendorCategories = nil
		redacted.VendorSubmittedAt = nil
	case RaterVendor:
		redacted.BuyerRating = 0
		redacted.BuyerComment = ""
		redacted.BuyerCategories = nil
		redacted.BuyerSubmittedAt = nil
	}
	return redacted
}

// ReputationNotifier is the slice of the Reputation component the rating
// protocol depends on: each submission emits a reputation event on the
// counterparty's DID.
type ReputationNotifier interface {
	AppendEvent(ctx context.Context, did string, evt reputation.Event) error
}

// RatingService is the Rating half of the Trust component.
type RatingService struct {
	store      *storage.Store
	params     *params.Service
	order      OrderGateway
	reputation ReputationNotifier
	metrics    *metric.Metrics
}

// NewRatingService constructs the rating service.
func NewRatingService(store *storage.Store, paramsSvc *params.Service, orderGateway OrderGateway, reputationNotifier ReputationNotifier) *RatingService {
	return &RatingService{store: store, params: paramsSvc, order: orderGateway, reputation: reputationNotifier}
}

// WithMetrics attaches the process metrics instance. Optional; a service
// built without it skips metric recording.
func (s *RatingService) WithMetrics(m *metric.Metrics) *RatingService {
	s.metrics = m
	return s
}

// Submit records one side's rating, requiring the order be completed or
// refunded, the rater be a party to the order, at most one submission per
// side, and a rating in [1,5].
func (s *RatingService) Submit(ctx context.Context, orderID, raterDID string, raterType RaterType, rating int, comment string, categories []string) (Rating, error) {
	if err := s.params.RequireNotPaused(ctx); err != nil {
		return Rating{}, err
	}
	if rating < 1 || rating > 5 {
		return Rating{}, errs.New(errs.InvalidInput, "rating must be between 1 and 5")
	}

	ord, err := s.order.Get(ctx, orderID)
	if err != nil {
		return Rating{}, err
	}
	if ord.Status != order.StatusCompleted && ord.Status != order.StatusRefunded {
		return Rating{}, errs.Newf(errs.InvalidInput, "order %q must be completed or refunded to rate, is %q", orderID, ord.Status)
	}

	unlock := s.store.Lock("rating:" + orderID)
	defer unlock()

	r, ok, err := storage.Get[Rating](s.store, ratingsTable, orderID)
	if err != nil {
		return Rating{}, err
	}
	if !ok {
		r = Rating{OrderID: orderID}
	}

	now := time.Now()
	var counterpartyDID string
	switch raterType {
	case RaterBuyer:
		if raterDID != ord.BuyerDID {
			return Rating{}, errs.New(errs.Unauthorized, "rater is not the order's buyer")
		}
		if r.BuyerSubmittedAt != nil {
			return Rating{}, errs.New(errs.Conflict, "buyer has already rated this order")
		}
		r.BuyerRating = rating
		r.BuyerComment = comment
		r.BuyerCategories = categories
		r.BuyerSubmittedAt = &now
		counterpartyDID = ord.VendorDID
	case RaterVendor:
		if raterDID != ord.VendorDID {
			return Rating{}, errs.New(errs.Unauthorized, "rater is not the order's vendor")
		}
		if r.VendorSubmittedAt != nil {
			return Rating{}, errs.New(errs.Conflict, "vendor has already rated this order")
		}
		r.VendorRating = rating
		r.VendorComment = comment
		r.VendorCategories = categories
		r.VendorSubmittedAt = &now
		counterpartyDID = ord.BuyerDID
	default:
		return Rating{}, errs.Newf(errs.InvalidInput, "unrecognized rater type %q", raterType)
	}

	if r.BuyerSubmittedAt != nil && r.VendorSubmittedAt != nil && r.RevealedAt == nil {
		r.RevealedAt = &now
	}
	if err := storage.Put(s.store, ratingsTable, orderID, r); err != nil {
		return Rating{}, err
	}

	if s.reputation != nil {
		onTime := ord.Status == order.StatusCompleted
		evt := reputation.Event{
			TransactionID: orderID,
			Type:          reputation.EventRating,
			Payload: map[string]string{
				"rating":  strconv.Itoa(rating),
				"on_time": strconv.FormatBool(onTime),
			},
		}
		if err := s.reputation.AppendEvent(ctx, counterpartyDID, evt); err != nil {
			return Rating{}, err
		}
	}
	if s.metrics != nil {
		s.metrics.RatingsSubmitted.Inc()
	}
	return r, nil
}

// Get loads the Rating for an order, redacted for viewer until reveal.
func (s *RatingService) Get(ctx context.Context, orderID string, viewer RaterType) (Rating, error) {
	r, ok, err := storage.Get[Rating](s.store, ratingsTable, orderID)
	if err != nil {
		return Rating{}, err
	}
	if !ok {
		return Rating{}, errs.Newf(errs.NotFound, "no rating recorded for order %q", orderID)
	}
	return r.Redacted(viewer), nil
}

// AutoReveal reveals one-sided ratings once 7 days have elapsed since the
// earlier submission, independent of whether the counterparty ever rates.
// Invoked by the background sweep.
func (s *RatingService) AutoReveal(ctx context.Context, now time.Time) (int, error) {
	all, err := storage.Scan[Rating](s.store, ratingsTable, "")
	if err != nil {
		return 0, err
	}
	count := 0
	for _, r := range all {
		if r.RevealedAt != nil {
			continue
		}
		earliest := earliestSubmission(r)
		if earliest == nil || now.Sub(*earliest) < revealWindow {
			continue
		}
		revealedAt := now
		r.RevealedAt = &revealedAt
		if err := storage.Put(s.store, ratingsTable, r.OrderID, r); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func earliestSubmission(r Rating) *time.Time {
	switch {
	case r.BuyerSubmittedAt != nil && r.VendorSubmittedAt != nil:
		if r.BuyerSubmittedAt.Before(*r.VendorSubmittedAt) {
			return r.BuyerSubmittedAt
		}
		return r.VendorSubmittedAt
	case r.BuyerSubmittedAt != nil:
		return r.BuyerSubmittedAt
	case r.VendorSubmittedAt != nil:
		return r.VendorSubmittedAt
	default:
		return nil
	}
}
