package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TrackerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workshopsync",
			Name:      "tracker_events_total",
			Help:      "Count of events published by the download tracker.",
		},
		[]string{"type"},
	)

	ActiveItems = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "workshopsync",
			Name:      "active_items",
			Help:      "Number of download items that have not reached a terminal status.",
		},
	)

	CallbacksObserved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workshopsync",
			Name:      "callbacks_observed_total",
			Help:      "Native callbacks observed by the callback engine.",
		},
		[]string{"kind"},
	)

	CallbackTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workshopsync",
			Name:      "callback_timeouts_total",
			Help:      "Callback engine operations that gave up waiting for callbacks.",
		},
		[]string{"kind"},
	)

	PollErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "workshopsync",
			Name:      "poll_errors_total",
			Help:      "Per-item native query failures seen by the progress poller.",
		},
	)

	BrokerDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "workshopsync",
			Name:      "broker_dropped_total",
			Help:      "Tracker events dropped because a subscriber was not keeping up.",
		},
	)

	BridgeRPCErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workshopsync",
			Name:      "bridge_rpc_errors_total",
			Help:      "Errors from workshop bridge JSON-RPC calls.",
		},
		[]string{"method"},
	)

	BridgeRPCLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "workshopsync",
			Name:      "bridge_rpc_latency_seconds",
			Help:      "Latency of workshop bridge JSON-RPC calls.",
		},
		[]string{"method"},
	)
)

// Register registers the collectors into the default registry.
func Register() {
	prometheus.MustRegister(
		TrackerEvents, ActiveItems, CallbacksObserved, CallbackTimeouts,
		PollErrors, BrokerDropped, BridgeRPCErrors, BridgeRPCLatency,
	)
}
