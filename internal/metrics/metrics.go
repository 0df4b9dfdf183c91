// Package metrics exposes the process-wide Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ContainersTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portsmith_containers_tracked",
		Help: "Number of containers currently persisted across all users.",
	})
	PendingUpdates = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portsmith_pending_updates",
		Help: "Number of containers whose deployed digest differs from the registry digest.",
	})
	RegistryChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portsmith_registry_checks_total",
		Help: "Registry digest resolutions by outcome.",
	}, []string{"outcome"})
	RegistryCheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "portsmith_registry_check_duration_seconds",
		Help:    "Duration of a full detector pass for one user.",
		Buckets: prometheus.DefBuckets,
	})
	BatchRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portsmith_batch_runs_total",
		Help: "Batch job runs by job type and terminal status.",
	}, []string{"job_type", "status"})
	UpgradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portsmith_upgrades_total",
		Help: "Container upgrades performed by intents, by outcome.",
	}, []string{"outcome"})
	UpgradeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "portsmith_upgrade_duration_seconds",
		Help:    "Duration of a single container recreate.",
		Buckets: prometheus.DefBuckets,
	})
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portsmith_webhook_deliveries_total",
		Help: "Webhook deliveries by outcome.",
	}, []string{"outcome"})
)
