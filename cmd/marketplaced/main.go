// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// marketplaced is the composition root for the bazaar transactional spine:
// it wires every component (Params, Identity, Reputation, Order+Escrow,
// Logistics, Trust, Governance) onto one storage engine, starts the
// background sweep scheduler, and blocks until told to stop. It exposes no
// HTTP routing — callers embed the component services directly, or front
// them with a transport of their own choosing.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	bazaarcrypto "github.com/luxfi/bazaar/pkg/crypto"
	"github.com/luxfi/bazaar/pkg/governance"
	"github.com/luxfi/bazaar/pkg/identity"
	"github.com/luxfi/bazaar/pkg/log"
	"github.com/luxfi/bazaar/pkg/logistics"
	"github.com/luxfi/bazaar/pkg/metric"
	"github.com/luxfi/bazaar/pkg/order"
	"github.com/luxfi/bazaar/pkg/params"
	"github.com/luxfi/bazaar/pkg/ports"
	"github.com/luxfi/bazaar/pkg/reputation"
	"github.com/luxfi/bazaar/pkg/storage"
	"github.com/luxfi/bazaar/pkg/sweep"
	"github.com/luxfi/bazaar/pkg/trust"
)

var (
	dbType        = flag.String("db", "badger", "storage engine: memory, badger")
	dataDir       = flag.String("data-dir", "/var/lib/marketplaced", "data directory for the storage engine")
	logLevel      = flag.String("log-level", "info", "log level: debug, info, warn, error")
	sweepInterval = flag.Duration("sweep-interval", sweep.DefaultInterval, "background sweep cadence")

	Version   = "dev"
	GitCommit = "unknown"
)

// Node bundles every component service marketplaced composes, plus the
// sweep scheduler that drives their periodic jobs.
type Node struct {
	Params     *params.Service
	Identity   *identity.Service
	Reputation *reputation.Service
	Order      *order.Service
	Escrow     *order.EscrowService
	Providers  *logistics.ProviderRegistry
	Quotes     *logistics.QuoteAuction
	Shipments  *logistics.ShipmentTracker
	Disputes   *trust.DisputeService
	Ratings    *trust.RatingService
	Governance *governance.Service
	Catalog    *ports.MockCatalog
	Metrics    *metric.Metrics

	sweeper *sweep.Scheduler
	storage *storage.Storage
	log     log.Logger
}

func main() {
	flag.Parse()
	logger := log.NewWithLevel(*logLevel)
	defer logger.Sync()

	logger.Info("starting marketplaced", "version", Version, "commit", GitCommit)

	node, err := NewNode(*dbType, *dataDir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize node: %v\n", err)
		os.Exit(1)
	}

	if err := node.Bootstrap(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap node: %v\n", err)
		os.Exit(1)
	}

	node.Start(context.Background())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := node.Shutdown(ctx); err != nil {
		logger.Error("error during shutdown", "error", err)
	}
	logger.Info("marketplaced stopped")
}

// NewNode wires every component service onto a single storage engine;
// params.New seeds the default parameters. It does not seed the governance
// signer set (Bootstrap does) or start the sweep scheduler (Start does).
// The "memory" engine keeps everything off disk.
func NewNode(engine, path string, logger log.Logger) (*Node, error) {
	kv, err := storage.NewStorage(engine, path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	store := storage.NewStore(kv)

	paramsSvc, err := params.New(store)
	if err != nil {
		return nil, fmt.Errorf("init params: %w", err)
	}

	signer, pubKey, err := bazaarcrypto.NewSigner()
	if err != nil {
		return nil, fmt.Errorf("init signer: %w", err)
	}
	repSvc := reputation.New(store, signer, pubKey)

	identitySvc := identity.New(store, repSvc)

	paymentGateway := ports.NewMockPaymentGateway()
	catalog := ports.NewMockCatalog()
	orderSvc := order.New(store, paramsSvc, identitySvc, paymentGateway, catalog)
	escrowSvc := order.NewEscrowService(store)

	providerRegistry := logistics.NewProviderRegistry(store, paramsSvc, identitySvc)
	quoteAuction := logistics.NewQuoteAuction(store, paramsSvc, orderSvc)
	shipmentTracker := logistics.NewShipmentTracker(store, paramsSvc, orderSvc)

	disputeSvc := trust.NewDisputeService(store, paramsSvc, orderSvc, escrowSvc, repSvc)
	ratingSvc := trust.NewRatingService(store, paramsSvc, orderSvc, repSvc)

	governanceSvc := governance.New(store, paramsSvc)

	metrics, err := metric.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	repSvc.WithMetrics(metrics)
	orderSvc.WithMetrics(metrics)
	escrowSvc.WithMetrics(metrics)
	quoteAuction.WithMetrics(metrics)
	shipmentTracker.WithMetrics(metrics)
	disputeSvc.WithMetrics(metrics)
	ratingSvc.WithMetrics(metrics)
	governanceSvc.WithMetrics(metrics)

	sweeper := sweep.New(sweep.Services{
		Escrow:    escrowSvc,
		Order:     orderSvc,
		EscrowSvc: escrowSvc,
		Quotes:    quoteAuction,
		Disputes:  disputeSvc,
		Ratings:   ratingSvc,
		Proposals: governanceSvc,
	}, *sweepInterval, logger.With("component", "sweep")).WithMetrics(metrics)

	return &Node{
		Params:     paramsSvc,
		Identity:   identitySvc,
		Reputation: repSvc,
		Order:      orderSvc,
		Escrow:     escrowSvc,
		Providers:  providerRegistry,
		Quotes:     quoteAuction,
		Shipments:  shipmentTracker,
		Disputes:   disputeSvc,
		Ratings:    ratingSvc,
		Governance: governanceSvc,
		Catalog:    catalog,
		Metrics:    metrics,
		sweeper:    sweeper,
		storage:    kv,
		log:        logger,
	}, nil
}

// Bootstrap seeds the governance signer set from the MARKETPLACED_SIGNERS
// environment (a comma-separated signer_id:identity_did:role list) the
// first time the node starts. It is a no-op once signers already exist, so
// restarts against an existing data directory are safe.
func (n *Node) Bootstrap(ctx context.Context) error {
	existing, err := n.Governance.ActiveSigners(ctx)
	if err != nil {
		return fmt.Errorf("check existing signers: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}
	raw := os.Getenv("MARKETPLACED_SIGNERS")
	if raw == "" {
		n.log.Warn("no MARKETPLACED_SIGNERS configured; governance proposals cannot be created until signers are bootstrapped")
		return nil
	}
	signers, err := parseSigners(raw)
	if err != nil {
		return fmt.Errorf("parse MARKETPLACED_SIGNERS: %w", err)
	}
	return n.Governance.BootstrapSigners(ctx, signers)
}

func parseSigners(raw string) ([]governance.Signer, error) {
	var signers []governance.Signer
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		// The DID itself contains colons, so only the first and last colon
		// delimit the three fields.
		first := strings.Index(entry, ":")
		last := strings.LastIndex(entry, ":")
		if first < 0 || first == last {
			return nil, fmt.Errorf("malformed signer entry %q, want signer_id:identity_did:role", entry)
		}
		signers = append(signers, governance.Signer{
			SignerID:    strings.TrimSpace(entry[:first]),
			IdentityDID: strings.TrimSpace(entry[first+1 : last]),
			Role:        governance.Role(strings.TrimSpace(entry[last+1:])),
		})
	}
	return signers, nil
}

// Start launches the background sweep scheduler. Safe to call once per
// Node lifetime.
func (n *Node) Start(ctx context.Context) {
	n.sweeper.Start(ctx)
}

// Shutdown stops the sweep scheduler and closes the storage engine.
func (n *Node) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.sweeper.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return n.storage.Close()
}
