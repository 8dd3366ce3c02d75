package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nimbus_nodes_total",
			Help: "Total number of nodes by status",
		},
		[]string{"status"},
	)

	GroupsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nimbus_groups_total",
			Help: "Total number of groups",
		},
	)

	ServersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nimbus_servers_total",
			Help: "Total number of live servers by state",
		},
		[]string{"state"},
	)

	UsersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nimbus_users_total",
			Help: "Total number of connected users",
		},
	)

	// Tick / reconciliation metrics
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nimbus_tick_duration_seconds",
			Help:    "Time taken for one reconciliation tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	TicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nimbus_ticks_total",
			Help: "Total number of reconciliation ticks completed",
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nimbus_scheduling_latency_seconds",
			Help:    "Time from StartRequest queued to entering the live set",
			Buckets: prometheus.DefBuckets,
		},
	)

	ServersStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nimbus_servers_started_total",
			Help: "Total number of servers that completed Creating successfully",
		},
	)

	ServersFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nimbus_servers_failed_total",
			Help: "Total number of start attempts that ended in a compensating stop",
		},
	)

	CapacityDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_capacity_denied_total",
			Help: "Total number of allocations rejected by a node's capacity check",
		},
		[]string{"node", "reason"},
	)

	StartQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nimbus_start_queue_depth",
			Help: "Number of StartRequests currently queued",
		},
	)

	StopQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nimbus_stop_queue_depth",
			Help: "Number of Stop/Restart requests currently queued",
		},
	)

	// Plugin runtime metrics
	PluginCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nimbus_plugin_call_duration_seconds",
			Help:    "Duration of a single cross-boundary plugin call",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"plugin", "method"},
	)

	PluginCallsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_plugin_calls_failed_total",
			Help: "Total number of plugin calls that returned an error or timed out",
		},
		[]string{"plugin", "method"},
	)

	// Dispatcher/RPC metrics
	DispatchQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nimbus_dispatch_queue_depth",
			Help: "Number of tasks currently queued in the task dispatcher",
		},
	)

	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_rpc_requests_total",
			Help: "Total number of RPCs handled, by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nimbus_rpc_request_duration_seconds",
			Help:    "RPC handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Subscriber bus metrics
	SubscriberDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nimbus_subscriber_dropped_total",
			Help: "Total number of messages dropped due to a full subscriber buffer",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(GroupsTotal)
	prometheus.MustRegister(ServersTotal)
	prometheus.MustRegister(UsersTotal)
	prometheus.MustRegister(TickDuration)
	prometheus.MustRegister(TicksTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(ServersStartedTotal)
	prometheus.MustRegister(ServersFailedTotal)
	prometheus.MustRegister(CapacityDeniedTotal)
	prometheus.MustRegister(StartQueueDepth)
	prometheus.MustRegister(StopQueueDepth)
	prometheus.MustRegister(PluginCallDuration)
	prometheus.MustRegister(PluginCallsFailed)
	prometheus.MustRegister(DispatchQueueDepth)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)
	prometheus.MustRegister(SubscriberDroppedTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
