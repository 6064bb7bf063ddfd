// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsTotal tracks gateway events accepted for dispatch.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_total",
			Help: "Total gateway events received",
		},
		[]string{"kind", "origin"},
	)

	// EventsUnknownTotal tracks events with no mapped kind.
	EventsUnknownTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_unknown_total",
			Help: "Total gateway events of an unrecognized kind",
		},
		[]string{"origin"},
	)

	// EventsMalformedTotal tracks events rejected at validation.
	EventsMalformedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_malformed_total",
			Help: "Total gateway events rejected as malformed",
		},
		[]string{"origin"},
	)

	// EventsFilteredTotal tracks events dropped by the allow-list.
	EventsFilteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_filtered_total",
			Help: "Total gateway events dropped by channel or guild filters",
		},
		[]string{"origin"},
	)

	// HandlerFailuresTotal tracks handler errors and panics.
	HandlerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_handler_failures_total",
			Help: "Total handler invocations that returned an error or panicked",
		},
		[]string{"handler"},
	)

	// HandlerDuration tracks handler execution time.
	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_handler_duration_seconds",
			Help:    "Handler execution time in seconds",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"handler"},
	)

	// QueuedEvents tracks events waiting in per-channel queues.
	QueuedEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_queued_events",
			Help: "Events enqueued and not yet processed",
		},
	)

	// ChannelWorkers tracks live per-channel worker goroutines.
	ChannelWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_channel_workers",
			Help: "Number of per-channel worker goroutines",
		},
	)

	// TapDropsTotal tracks events dropped by slow observability taps.
	TapDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_tap_drops_total",
			Help: "Total events dropped because a tap's buffer was full",
		},
		[]string{"tap"},
	)

	// CompletionsTotal tracks completion requests by outcome.
	CompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "completions_total",
			Help: "Total completion requests",
		},
		[]string{"provider", "status"},
	)

	// CompletionDuration tracks completion round-trip time.
	CompletionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "completion_duration_seconds",
			Help:    "Completion round-trip time in seconds",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"provider"},
	)

	// CountingAdvancesTotal tracks successful count contributions.
	CountingAdvancesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "counting_advances_total",
			Help: "Total accepted counting contributions",
		},
	)

	// CountingResetsTotal tracks counting chain resets by reason.
	CountingResetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "counting_resets_total",
			Help: "Total counting chain resets",
		},
		[]string{"reason"},
	)

	// OutboundMessagesTotal tracks messages sent to chat platforms.
	OutboundMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_messages_total",
			Help: "Total outbound messages sent",
		},
		[]string{"origin"},
	)

	// CheckpointWritesTotal tracks checkpoint flushes.
	CheckpointWritesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "checkpoint_writes_total",
			Help: "Total checkpoint write batches",
		},
	)

	// CheckpointErrorsTotal tracks failed checkpoint flushes.
	CheckpointErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "checkpoint_errors_total",
			Help: "Total checkpoint write batches that failed",
		},
	)

	// FeedClientsActive tracks connected diagnostics websocket clients.
	FeedClientsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_clients_active",
			Help: "Number of connected event feed clients",
		},
	)
)

// RecordCompletion records the outcome and duration of a completion request.
func RecordCompletion(provider, status string, seconds float64) {
	CompletionsTotal.WithLabelValues(provider, status).Inc()
	CompletionDuration.WithLabelValues(provider).Observe(seconds)
}

// RecordHandler records one handler invocation.
func RecordHandler(handler string, seconds float64, failed bool) {
	HandlerDuration.WithLabelValues(handler).Observe(seconds)
	if failed {
		HandlerFailuresTotal.WithLabelValues(handler).Inc()
	}
}
