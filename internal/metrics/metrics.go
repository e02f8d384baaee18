package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for zapflow
type Metrics struct {
	// Dispatch counters
	MessagesSentTotal     *prometheus.CounterVec
	MessagesFailedTotal   *prometheus.CounterVec
	MessagesOptedOutTotal *prometheus.CounterVec
	DispatchWaitsTotal    *prometheus.CounterVec
	LeaseLostTotal        prometheus.Counter

	// Gateway
	GatewayRequestsTotal          *prometheus.CounterVec
	GatewayRequestDurationSeconds *prometheus.HistogramVec

	// Webhooks and events
	WebhookEventsTotal *prometheus.CounterVec
	EventsDroppedTotal prometheus.Counter

	// Gauges
	CampaignsRunning prometheus.Gauge
	InstanceHealth   *prometheus.GaugeVec
	QueueDepth       *prometheus.GaugeVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	// System metrics
	UptimeSeconds prometheus.Gauge
	Goroutines    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zapflow_messages_sent_total",
				Help: "Total number of messages accepted by the gateway",
			},
			[]string{"tenant"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zapflow_messages_failed_total",
				Help: "Total number of recipients that failed permanently",
			},
			[]string{"tenant", "error_class"},
		),
		MessagesOptedOutTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zapflow_messages_opted_out_total",
				Help: "Total number of recipients skipped for opt-out",
			},
			[]string{"tenant"},
		),
		DispatchWaitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zapflow_dispatch_waits_total",
				Help: "Total number of dispatch backoff sleeps",
			},
			[]string{"reason"},
		),
		LeaseLostTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "zapflow_lease_lost_total",
				Help: "Total number of campaign leases lost by this process",
			},
		),

		GatewayRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zapflow_gateway_requests_total",
				Help: "Total number of gateway calls",
			},
			[]string{"operation", "result"},
		),
		GatewayRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zapflow_gateway_request_duration_seconds",
				Help:    "Gateway call duration in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),

		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zapflow_webhook_events_total",
				Help: "Total number of webhook events processed",
			},
			[]string{"event", "result"},
		),
		EventsDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "zapflow_events_dropped_total",
				Help: "Total number of live events dropped on slow subscribers",
			},
		),

		CampaignsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "zapflow_campaigns_running",
				Help: "Number of campaign runners in this process",
			},
		),
		InstanceHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zapflow_instance_health",
				Help: "Last observed health score per sender instance",
			},
			[]string{"instance"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zapflow_queue_depth",
				Help: "Jobs waiting per queue topic",
			},
			[]string{"topic"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zapflow_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zapflow_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "zapflow_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "zapflow_goroutines",
				Help: "Number of active goroutines",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.MessagesOptedOutTotal,
		m.DispatchWaitsTotal,
		m.LeaseLostTotal,
		m.GatewayRequestsTotal,
		m.GatewayRequestDurationSeconds,
		m.WebhookEventsTotal,
		m.EventsDroppedTotal,
		m.CampaignsRunning,
		m.InstanceHealth,
		m.QueueDepth,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.UptimeSeconds,
		m.Goroutines,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncMessagesSent increments the sent message counter
func IncMessagesSent(tenant string) {
	if m := Global(); m != nil {
		m.MessagesSentTotal.WithLabelValues(tenant).Inc()
	}
}

// IncMessagesFailed increments the failed recipient counter
func IncMessagesFailed(tenant, errorClass string) {
	if m := Global(); m != nil {
		m.MessagesFailedTotal.WithLabelValues(tenant, errorClass).Inc()
	}
}

// IncMessagesOptedOut increments the opt-out counter
func IncMessagesOptedOut(tenant string) {
	if m := Global(); m != nil {
		m.MessagesOptedOutTotal.WithLabelValues(tenant).Inc()
	}
}

// IncDispatchWait counts one backoff sleep of a runner
func IncDispatchWait(reason string) {
	if m := Global(); m != nil {
		m.DispatchWaitsTotal.WithLabelValues(reason).Inc()
	}
}

// IncLeaseLost counts a lost campaign lease
func IncLeaseLost() {
	if m := Global(); m != nil {
		m.LeaseLostTotal.Inc()
	}
}

// ObserveGatewayRequest records one gateway call
func ObserveGatewayRequest(operation, result string, seconds float64) {
	if m := Global(); m != nil {
		m.GatewayRequestsTotal.WithLabelValues(operation, result).Inc()
		m.GatewayRequestDurationSeconds.WithLabelValues(operation).Observe(seconds)
	}
}

// IncWebhookEvents counts a processed webhook event
func IncWebhookEvents(event, result string) {
	if m := Global(); m != nil {
		m.WebhookEventsTotal.WithLabelValues(event, result).Inc()
	}
}

// IncEventsDropped counts an event not delivered to a slow subscriber
func IncEventsDropped() {
	if m := Global(); m != nil {
		m.EventsDroppedTotal.Inc()
	}
}

// AddCampaignsRunning adjusts the running campaign gauge
func AddCampaignsRunning(delta float64) {
	if m := Global(); m != nil {
		m.CampaignsRunning.Add(delta)
	}
}

// SetInstanceHealth records the health score of an instance
func SetInstanceHealth(instanceID string, score int) {
	if m := Global(); m != nil {
		m.InstanceHealth.WithLabelValues(instanceID).Set(float64(score))
	}
}
