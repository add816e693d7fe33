package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Intent ledger
	// ============================================
	IntentsRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txpipeline_intents_registered_total",
		Help: "Total number of new intents registered",
	})

	IntentsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txpipeline_intents_deduplicated_total",
		Help: "Total number of register calls answered with an existing intent",
	})

	IntentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txpipeline_intent_transitions_total",
			Help: "Total number of intent status transitions",
		},
		[]string{"from", "to"},
	)

	IntentsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "txpipeline_intents_by_status",
			Help: "Current number of intents per status",
		},
		[]string{"status"},
	)

	// ============================================
	// Allocator / broadcaster
	// ============================================
	NonceAllocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txpipeline_nonce_allocations_total",
			Help: "Total number of nonce allocations",
		},
		[]string{"source"}, // ledger, chain
	)

	BroadcastAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txpipeline_broadcast_attempts_total",
		Help: "Total number of raw transaction submissions",
	})

	BroadcastErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txpipeline_broadcast_errors_total",
			Help: "Total number of broadcast errors by classified kind",
		},
		[]string{"kind"}, // already_known, nonce_too_low, underpriced, other
	)

	BroadcastDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "txpipeline_broadcast_duration_seconds",
		Help:    "Sign-and-submit duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// ============================================
	// Reconciler
	// ============================================
	ReceiptsObserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txpipeline_receipts_observed_total",
			Help: "Total number of receipts observed by on-chain status",
		},
		[]string{"status"}, // success, reverted
	)

	ReplacementsTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txpipeline_replacements_total",
			Help: "Total number of fee-bump replacements",
		},
		[]string{"trigger"}, // stuck, manual
	)

	ReconcileSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "txpipeline_reconcile_sweep_duration_seconds",
		Help:    "Duration of one reconciler sweep in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30},
	})

	PendingSends = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "txpipeline_pending_sends",
		Help: "Live sends awaiting a receipt as of the last sweep",
	})

	// ============================================
	// Vault
	// ============================================
	VaultOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txpipeline_vault_operations_total",
			Help: "Total number of vault operations",
		},
		[]string{"op"}, // encrypt, decrypt, rewrap
	)

	VaultAuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txpipeline_vault_auth_failures_total",
		Help: "Total number of vault authentication failures (fail-closed decrypts)",
	})
)
