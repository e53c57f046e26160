package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Archive metrics
	MessagesArchived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archivebot_messages_archived_total",
			Help: "Total messages written to the archive",
		},
		[]string{"source"}, // "live", "backfill" or "edit"
	)

	SyncPages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "archivebot_sync_pages_total",
			Help: "Total history pages fetched",
		},
	)

	SyncFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "archivebot_sync_failures_total",
			Help: "Total channel syncs aborted by an upstream error",
		},
	)

	// Event loop metrics
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archivebot_events_total",
			Help: "Total events handled by the dispatcher",
		},
		[]string{"outcome"}, // "archived", "query", "ignored", "error"
	)

	EventDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "archivebot_event_duration_seconds",
			Help:    "Time spent handling one event",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
		},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "archivebot_events_dropped_total",
			Help: "Events rejected because the queue was full",
		},
	)

	// Search metrics
	Queries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archivebot_queries_total",
			Help: "Total direct-message queries",
		},
		[]string{"kind"}, // "search", "stats", "help", "invalid"
	)

	// Upstream metrics
	SlackRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archivebot_slack_requests_total",
			Help: "Total Slack Web API calls",
		},
		[]string{"method", "ok"},
	)
)
