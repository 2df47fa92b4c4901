package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transport metrics
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_events_received_total",
			Help: "Sync events received from transports",
		},
		[]string{"source", "kind"},
	)

	EventsDuplicate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_events_duplicate_total",
			Help: "Sync events dropped by the deduplicator",
		},
		[]string{"source", "kind"},
	)

	EventsStale = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_events_stale_total",
			Help: "Events dropped because their channel was closed or did not match",
		},
		[]string{"source"},
	)

	TransportUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatsync_transport_up",
			Help: "1 when the transport is connected, 0 otherwise",
		},
		[]string{"source"},
	)

	// Mutation metrics
	Mutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_mutations_total",
			Help: "Optimistic mutations by kind and outcome",
		},
		[]string{"kind", "outcome"}, // outcome: confirmed, rejected, timeout, conflict
	)

	Rollbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_rollbacks_total",
			Help: "Optimistic changes rolled back",
		},
		[]string{"kind"},
	)

	PendingMutations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_pending_mutations",
			Help: "Mutations currently awaiting a response",
		},
	)

	// Typing metrics
	RemoteTypists = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_remote_typists",
			Help: "Remote users currently shown as typing",
		},
	)

	// Pagination metrics
	PagesLoaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_pages_loaded_total",
			Help: "History pages prepended to timelines",
		},
	)
)
