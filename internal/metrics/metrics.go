// Package metrics provides Prometheus metrics for the panel.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Reconciliation pass metrics.
	PassesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "panel",
		Subsystem: "reconcile",
		Name:      "passes_total",
		Help:      "Periodic reconciliation passes by outcome.",
	}, []string{"result"}) // "ok" or the failed stage: "fetch", "persist", "publish"
	PassDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "panel",
		Subsystem: "reconcile",
		Name:      "pass_duration_seconds",
		Help:      "Duration of periodic reconciliation passes.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	LastSuccessfulScrape = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "panel",
		Subsystem: "reconcile",
		Name:      "last_successful_scrape_timestamp_seconds",
		Help:      "Unix time of the last scrape that was fetched and persisted.",
	})

	// Usage accounting metrics.
	TrafficOctetsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "panel",
		Subsystem: "usage",
		Name:      "octets_total",
		Help:      "Octets attributed to users from telemt counter deltas.",
	}, []string{"direction"}) // "from_client" or "to_client"
	CounterResetsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "panel",
		Subsystem: "usage",
		Name:      "counter_resets_total",
		Help:      "Per-user counter decreases observed (telemt restarts).",
	})
	UsersLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "panel",
		Subsystem: "usage",
		Name:      "users_limited_total",
		Help:      "Users moved to the limited state after reaching their data limit.",
	})

	// Config publication metrics.
	PublishesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "panel",
		Subsystem: "config",
		Name:      "publishes_total",
		Help:      "telemt config publications by trigger and result.",
	}, []string{"trigger", "result"}) // trigger: "periodic", "sync"; result: "ok", "error"
	EligibleUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "panel",
		Subsystem: "config",
		Name:      "eligible_users",
		Help:      "Users present in the last published config.",
	})
)

func init() {
	prometheus.MustRegister(
		PassesTotal,
		PassDuration,
		LastSuccessfulScrape,

		TrafficOctetsTotal,
		CounterResetsTotal,
		UsersLimitedTotal,

		PublishesTotal,
		EligibleUsers,
	)
}
