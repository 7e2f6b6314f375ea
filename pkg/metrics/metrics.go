package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NotificationsCreated counts persisted notifications by kind and audience.
	NotificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salemate_notifications_created_total",
			Help: "Total number of notifications accepted by the fan-out engine",
		},
		[]string{"kind", "audience"},
	)

	// ReadMutations counts read-state mutations and their outcome (ok|not_found|unauthorized|store_unavailable|error).
	ReadMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salemate_read_mutations_total",
			Help: "Total number of mark-read and mark-all-read operations",
		},
		[]string{"op", "result"},
	)

	// ActiveChannels tracks open delivery channels (one per connected recipient session).
	ActiveChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "salemate_active_delivery_channels",
			Help: "Number of active delivery channels",
		},
	)

	// SnapshotRecompute measures how long a full visible/unread recomputation takes.
	SnapshotRecompute = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "salemate_snapshot_recompute_seconds",
			Help:    "Latency of delivery snapshot recomputation",
			Buckets: prometheus.DefBuckets,
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "salemate_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
