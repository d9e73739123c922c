// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metric wires the marketplace core's counters, gauges, and
// histograms through luxfi/metric, backed by prometheus/client_golang.
package metric

import (
	metrics "github.com/luxfi/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every metric surfaced by the marketplace core.
type Metrics struct {
	metricsInstance metrics.Metrics

	// Order + escrow
	OrdersCreated      metrics.Counter
	OrderTransitions   metrics.CounterVec
	EscrowsReleased    metrics.Counter
	EscrowsRefunded    metrics.Counter
	EscrowAutoReleases metrics.Counter

	// Logistics
	QuotesSubmitted metrics.Counter
	QuotesAccepted  metrics.Counter
	QuotesExpired   metrics.Counter
	ShipmentEvents  metrics.CounterVec

	// Trust
	DisputesOpened   metrics.Counter
	DisputesResolved metrics.CounterVec
	RatingsSubmitted metrics.Counter

	// Governance
	ProposalsCreated metrics.Counter
	VotesCast        metrics.CounterVec
	ActionsExecuted  metrics.CounterVec

	// Reputation
	ProofsGenerated metrics.Counter

	// Cross-cutting
	SweepDuration metrics.Histogram
	SweepErrors   metrics.CounterVec
}

// NewMetrics creates the marketplace core's metrics instance.
func NewMetrics() (*Metrics, error) {
	factory := metrics.NewPrometheusFactory()
	metricsInstance := factory.New("bazaar")

	m := &Metrics{metricsInstance: metricsInstance}

	m.OrdersCreated = metricsInstance.NewCounter("orders_created_total", "Total orders created")
	m.OrderTransitions = metricsInstance.NewCounterVec(
		"order_transitions_total",
		"Order status transitions by from/to state",
		[]string{"from", "to"},
	)
	m.EscrowsReleased = metricsInstance.NewCounter("escrows_released_total", "Total escrow releases")
	m.EscrowsRefunded = metricsInstance.NewCounter("escrows_refunded_total", "Total escrow refunds")
	m.EscrowAutoReleases = metricsInstance.NewCounter("escrow_auto_releases_total", "Escrow releases performed by the auto-release sweep")

	m.QuotesSubmitted = metricsInstance.NewCounter("logistics_quotes_submitted_total", "Total shipping quotes submitted")
	m.QuotesAccepted = metricsInstance.NewCounter("logistics_quotes_accepted_total", "Total shipping quotes accepted")
	m.QuotesExpired = metricsInstance.NewCounter("logistics_quotes_expired_total", "Total shipping quotes expired by the sweep")
	m.ShipmentEvents = metricsInstance.NewCounterVec(
		"logistics_shipment_events_total",
		"Shipment tracking events by new status",
		[]string{"status"},
	)

	m.DisputesOpened = metricsInstance.NewCounter("trust_disputes_opened_total", "Total disputes opened")
	m.DisputesResolved = metricsInstance.NewCounterVec(
		"trust_disputes_resolved_total",
		"Disputes resolved by resolution",
		[]string{"resolution"},
	)
	m.RatingsSubmitted = metricsInstance.NewCounter("trust_ratings_submitted_total", "Total ratings submitted")

	m.ProposalsCreated = metricsInstance.NewCounter("governance_proposals_created_total", "Total governance proposals created")
	m.VotesCast = metricsInstance.NewCounterVec(
		"governance_votes_cast_total",
		"Governance votes cast by approval",
		[]string{"approved"},
	)
	m.ActionsExecuted = metricsInstance.NewCounterVec(
		"governance_actions_executed_total",
		"Governance actions executed by action and status",
		[]string{"action", "status"},
	)

	m.ProofsGenerated = metricsInstance.NewCounter("reputation_proofs_generated_total", "Total reputation proofs generated")

	m.SweepDuration = metricsInstance.NewHistogram(
		"sweep_duration_seconds",
		"Time taken by a background sweep pass",
		prometheus.DefBuckets,
	)
	m.SweepErrors = metricsInstance.NewCounterVec(
		"sweep_errors_total",
		"Per-item sweep failures by sweep name",
		[]string{"sweep"},
	)

	return m, nil
}

// GetGatherer returns the prometheus gatherer for metrics export.
func (m *Metrics) GetGatherer() prometheus.Gatherer {
	if registry := m.metricsInstance.Registry(); registry != nil {
		return registry
	}
	return prometheus.DefaultGatherer
}

// GetRegisterer returns the prometheus registerer.
func (m *Metrics) GetRegisterer() prometheus.Registerer {
	if registry := m.metricsInstance.Registry(); registry != nil {
		return registry
	}
	return prometheus.DefaultRegisterer
}
