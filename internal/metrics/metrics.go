// Package metrics exposes prometheus collectors for the sync node. Counters
// are registered once at init via promauto and shared process-wide.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncAttempts counts peer sync rounds by result ("success" / "failure").
	SyncAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "peer_attempts_total",
		Help:      "Peer sync attempts by result.",
	}, []string{"result"})

	// EventsApplied counts remote events applied to the local log.
	EventsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "events_applied_total",
		Help:      "Remote events applied to the local event log.",
	})

	// EventsRejected counts remote events dropped for failing verification.
	EventsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "events_rejected_total",
		Help:      "Remote events rejected by hash or signature verification.",
	})

	// ConflictsResolved counts automatically resolved write conflicts.
	ConflictsResolved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "conflicts_resolved_total",
		Help:      "Write conflicts resolved automatically.",
	})

	// ActivePartitions tracks currently unresolved partitions.
	ActivePartitions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sync",
		Name:      "active_partitions",
		Help:      "Detected partitions not yet resolved.",
	})

	// RecoverySessions counts recovery sessions by terminal status.
	RecoverySessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "recovery_sessions_total",
		Help:      "Recovery sessions by terminal status.",
	}, []string{"status"})

	// AuthFailures counts rejected peer authentication attempts.
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "auth_failures_total",
		Help:      "Rejected peer authentication attempts.",
	})
)
