// Package metrics exposes Prometheus instrumentation for the sync pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested counts ledger appends that were accepted, by provider.
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "velvet_events_ingested_total",
		Help: "Accepted ledger appends.",
	}, []string{"provider", "source"})

	// EventsDuplicate counts appends rejected by the dedup key. Nonzero is
	// normal under at-least-once webhook delivery.
	EventsDuplicate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "velvet_events_duplicate_total",
		Help: "Ledger appends dropped as duplicates.",
	}, []string{"provider", "source"})

	// EventsSkipped counts malformed events logged and dropped.
	EventsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "velvet_events_skipped_total",
		Help: "Events dropped as invalid.",
	}, []string{"provider", "source"})

	// SyncCycles counts completed cycles by outcome.
	SyncCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "velvet_sync_cycles_total",
		Help: "Sync cycles by outcome.",
	}, []string{"provider", "status"})

	// TierTransitions counts state machine transitions.
	TierTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "velvet_tier_transitions_total",
		Help: "Tier upgrades and downgrades.",
	}, []string{"kind"})

	// IntegrationUp reports 1 for integrations currently CONNECTED or SYNCING.
	IntegrationUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "velvet_integration_up",
		Help: "Whether the integration is connected.",
	}, []string{"venue_id", "provider"})
)
