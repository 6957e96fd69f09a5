package telemetry

// DispatchBuckets for in-process callback dispatch latency
var DispatchBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

// Feed pipeline metrics
var (
	// FeedMessagesTotal counts raw change messages received, by scope
	FeedMessagesTotal CounterVec = noopCounterVec{}

	// DecodeFailuresTotal counts messages dropped as unrecognized events
	DecodeFailuresTotal Counter = NoopStat{}

	// EventsDispatchedTotal counts delivered domain events, by kind
	EventsDispatchedTotal CounterVec = noopCounterVec{}

	// DedupDroppedTotal counts duplicate events suppressed by the dedup window
	DedupDroppedTotal Counter = NoopStat{}

	// CallbackFailuresTotal counts recovered application callback panics
	CallbackFailuresTotal Counter = NoopStat{}

	// NotificationsEmittedTotal counts user-facing notifications, by severity
	NotificationsEmittedTotal CounterVec = noopCounterVec{}

	// DispatchDurationSeconds measures time spent delivering one event
	DispatchDurationSeconds Histogram = NoopStat{}
)

// Connection lifecycle metrics
var (
	// ConnectionState exports the current state machine value
	// (0=disconnected 1=connecting 2=connected 3=stale)
	ConnectionState Gauge = NoopStat{}

	// OpenScopes tracks the number of currently open scope subscriptions
	OpenScopes Gauge = NoopStat{}

	// ReconnectsTotal counts reconnect cycles, by trigger (open_failure, stale)
	ReconnectsTotal CounterVec = noopCounterVec{}

	// LastEventTimestamp is the unix time of the most recent observed event
	LastEventTimestamp Gauge = NoopStat{}
)

// InitMetrics binds the metric variables to the Prometheus registry.
// Must be called after InitializeTelemetry; without it all metrics stay noop.
func InitMetrics() {
	FeedMessagesTotal = NewCounterVec("feed_messages_total",
		"Raw change-feed messages received by scope", []string{"scope"})
	DecodeFailuresTotal = NewCounter("decode_failures_total",
		"Change messages dropped as unrecognized")
	EventsDispatchedTotal = NewCounterVec("events_dispatched_total",
		"Domain events delivered to callbacks by kind", []string{"kind"})
	DedupDroppedTotal = NewCounter("dedup_dropped_total",
		"Duplicate events suppressed within the dedup window")
	CallbackFailuresTotal = NewCounter("callback_failures_total",
		"Application callback panics recovered during dispatch")
	NotificationsEmittedTotal = NewCounterVec("notifications_emitted_total",
		"User-facing notifications emitted by severity", []string{"severity"})
	DispatchDurationSeconds = NewHistogramWithBuckets("dispatch_duration_seconds",
		"Time spent delivering one domain event", DispatchBuckets)

	ConnectionState = NewGauge("connection_state",
		"Current connection state (0=disconnected 1=connecting 2=connected 3=stale)")
	OpenScopes = NewGauge("open_scopes",
		"Currently open scope subscriptions")
	ReconnectsTotal = NewCounterVec("reconnects_total",
		"Reconnect cycles by trigger", []string{"trigger"})
	LastEventTimestamp = NewGauge("last_event_timestamp_seconds",
		"Unix time of the most recent observed feed event")
}
