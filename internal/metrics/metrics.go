// Package metrics registers the bridge's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive tracks live sessions per network and kind (bot, virtual).
	SessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wirebridge_sessions_active",
			Help: "Number of registered remote sessions",
		},
		[]string{"network", "kind"},
	)

	// SessionEvictionsTotal counts sessions dropped to stay under max_clients.
	SessionEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirebridge_session_evictions_total",
			Help: "Total number of sessions evicted for capacity",
		},
		[]string{"network"},
	)

	// ReconnectsTotal counts reconnect attempts by outcome (success, failure, dropped).
	ReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirebridge_reconnects_total",
			Help: "Total number of session reconnect attempts",
		},
		[]string{"network", "outcome"},
	)

	// QueueWaitingItems tracks the overflow depth of a queue pool.
	QueueWaitingItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wirebridge_queue_waiting_items",
			Help: "Items parked on a queue pool's overflow queue",
		},
		[]string{"queue"},
	)

	// MembershipOpsTotal counts membership operations by op and outcome.
	MembershipOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirebridge_membership_ops_total",
			Help: "Total number of finished membership operations",
		},
		[]string{"op", "outcome"},
	)

	// MembershipRetriesTotal counts retried membership attempts.
	MembershipRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirebridge_membership_retries_total",
			Help: "Total number of membership operations resubmitted after a failure",
		},
		[]string{"op"},
	)

	// VisibilityUpdatesTotal counts room directory visibility changes by outcome.
	VisibilityUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirebridge_visibility_updates_total",
			Help: "Total number of room visibility updates",
		},
		[]string{"visibility", "outcome"},
	)

	// OutboundJoinsTotal counts outbound sync joins by outcome (joined, failed, timeout, skipped).
	OutboundJoinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirebridge_outbound_joins_total",
			Help: "Total number of outbound sync join attempts",
		},
		[]string{"network", "outcome"},
	)

	// OutboundSyncDuration tracks the duration of one outbound sync pass in seconds.
	OutboundSyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wirebridge_outbound_sync_duration",
			Help:    "Duration of outbound membership sync passes in seconds",
			Buckets: []float64{0.1, 1, 10, 60, 600},
		},
		[]string{"network"},
	)
)
